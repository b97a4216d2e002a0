package auth

import "regexp"

var (
	passwordHashRx = regexp.MustCompile(`^\$argon2id\$v=\d+\$m=\d+,t=\d+,p=\d+\$[A-Za-z0-9+/]+\$[A-Za-z0-9+/]+$`)
	contentHashRx  = regexp.MustCompile(`^[0-9a-f]{64}$`)
	secretRx       = regexp.MustCompile(`^[A-Za-z0-9_-]{32,128}$`)
)

// ValidPasswordHash reports whether s has the textual argon2id format.
func ValidPasswordHash(s string) bool { return passwordHashRx.MatchString(s) }

// ValidContentHash reports whether s is 64 lowercase hex characters.
func ValidContentHash(s string) bool { return contentHashRx.MatchString(s) }

// ValidSecret reports whether s looks like a bearer secret before hashing.
func ValidSecret(s string) bool { return secretRx.MatchString(s) }
