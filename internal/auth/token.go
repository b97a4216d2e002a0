package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

const minPepperLen = 32

var ErrWeakPepper = errors.New("token pepper must be at least 32 characters")

// NewSecret returns a 43-character URL-safe secret from 32 random bytes.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Hasher derives the stored form of opaque secrets: HMAC-SHA256 keyed with a
// server-side pepper, hex encoded.
type Hasher struct {
	pepper []byte
}

func NewHasher(pepper string) (*Hasher, error) {
	if len(pepper) < minPepperLen {
		return nil, ErrWeakPepper
	}
	return &Hasher{pepper: []byte(pepper)}, nil
}

func (h *Hasher) Hash(secret string) string {
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal reports in constant time whether secret hashes to stored.
func (h *Hasher) Equal(secret, stored string) bool {
	return hmac.Equal([]byte(h.Hash(secret)), []byte(stored))
}

// NewOpaqueToken returns a fresh secret together with its stored hash.
func (h *Hasher) NewOpaqueToken() (raw string, hash string, err error) {
	raw, err = NewSecret()
	if err != nil {
		return "", "", err
	}
	return raw, h.Hash(raw), nil
}
