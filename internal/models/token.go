package models

import (
	"errors"
	"fmt"
	"time"
)

type TokenKind string

const (
	KindEmailVerification         TokenKind = "email_verification"
	KindRecoveryEmailVerification TokenKind = "recovery_email_verification"
	KindPasswordReset             TokenKind = "password_reset"
	KindMFAChallenge              TokenKind = "mfa_challenge"
	KindSession                   TokenKind = "session"
)

type TokenSubtype string

const (
	SubtypeNone         TokenSubtype = ""
	SubtypeAccess       TokenSubtype = "access"
	SubtypeRefresh      TokenSubtype = "refresh"
	SubtypeMFAChallenge TokenSubtype = "mfa_challenge"
)

var ErrMalformedToken = errors.New("malformed token")

type ttlKey struct {
	kind    TokenKind
	subtype TokenSubtype
}

var tokenTTL = map[ttlKey]time.Duration{
	{KindEmailVerification, SubtypeNone}:         24 * time.Hour,
	{KindRecoveryEmailVerification, SubtypeNone}: 24 * time.Hour,
	{KindMFAChallenge, SubtypeMFAChallenge}:      5 * time.Minute,
	{KindPasswordReset, SubtypeNone}:             time.Hour,
	{KindSession, SubtypeAccess}:                 time.Hour,
	{KindSession, SubtypeRefresh}:                30 * 24 * time.Hour,
}

// TTL returns the fixed lifetime for a kind/subtype pair.
func TTL(kind TokenKind, subtype TokenSubtype) (time.Duration, bool) {
	d, ok := tokenTTL[ttlKey{kind, subtype}]
	return d, ok
}

// TokenPayload is the per-kind part of a Token. The set of implementations
// is closed; each one carries exactly the fields its kind requires.
type TokenPayload interface {
	Kind() TokenKind
	Subtype() TokenSubtype
	// Owner is the referenced user id, empty only for anonymous email
	// verification tokens.
	Owner() string
	validate() error
}

type EmailVerification struct {
	UserID string
}

type RecoveryEmailVerification struct {
	UserID        string
	RecoveryEmail Ciphertext
}

type PasswordReset struct {
	UserID string
}

type MFAChallenge struct {
	UserID string
}

type AccessToken struct {
	UserID string
}

type RefreshToken struct {
	UserID string
}

func (EmailVerification) Kind() TokenKind       { return KindEmailVerification }
func (EmailVerification) Subtype() TokenSubtype { return SubtypeNone }
func (p EmailVerification) Owner() string       { return p.UserID }
func (EmailVerification) validate() error       { return nil }

func (RecoveryEmailVerification) Kind() TokenKind       { return KindRecoveryEmailVerification }
func (RecoveryEmailVerification) Subtype() TokenSubtype { return SubtypeNone }
func (p RecoveryEmailVerification) Owner() string       { return p.UserID }

func (p RecoveryEmailVerification) validate() error {
	if p.UserID == "" {
		return fmt.Errorf("%w: recovery email verification requires a user", ErrMalformedToken)
	}
	if !p.RecoveryEmail.Present() {
		return fmt.Errorf("%w: recovery email verification requires the recovery email ciphertext", ErrMalformedToken)
	}
	return nil
}

func (PasswordReset) Kind() TokenKind       { return KindPasswordReset }
func (PasswordReset) Subtype() TokenSubtype { return SubtypeNone }
func (p PasswordReset) Owner() string       { return p.UserID }
func (p PasswordReset) validate() error     { return requireUser(p.Kind(), p.UserID) }

func (MFAChallenge) Kind() TokenKind       { return KindMFAChallenge }
func (MFAChallenge) Subtype() TokenSubtype { return SubtypeMFAChallenge }
func (p MFAChallenge) Owner() string       { return p.UserID }
func (p MFAChallenge) validate() error     { return requireUser(p.Kind(), p.UserID) }

func (AccessToken) Kind() TokenKind       { return KindSession }
func (AccessToken) Subtype() TokenSubtype { return SubtypeAccess }
func (p AccessToken) Owner() string       { return p.UserID }
func (p AccessToken) validate() error     { return requireUser(p.Kind(), p.UserID) }

func (RefreshToken) Kind() TokenKind       { return KindSession }
func (RefreshToken) Subtype() TokenSubtype { return SubtypeRefresh }
func (p RefreshToken) Owner() string       { return p.UserID }
func (p RefreshToken) validate() error     { return requireUser(p.Kind(), p.UserID) }

func requireUser(kind TokenKind, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: %s requires a user", ErrMalformedToken, kind)
	}
	return nil
}

// Token is a credential-bearing artifact. Only the hash of its secret is
// ever held. Tokens are never updated; revocation deletes them.
type Token struct {
	ID        string
	TenantID  string
	Hash      string
	Payload   TokenPayload
	Metadata  map[string]string
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (t Token) Kind() TokenKind       { return t.Payload.Kind() }
func (t Token) Subtype() TokenSubtype { return t.Payload.Subtype() }
func (t Token) UserID() string        { return t.Payload.Owner() }

func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// SessionCapable reports whether a Session row may reference this token.
func (t Token) SessionCapable() bool {
	return IsSessionKind(t.Kind())
}

func IsSessionKind(k TokenKind) bool {
	return k == KindSession || k == KindMFAChallenge
}

// NewToken builds a token created at now with its expiry taken from the
// TTL table. tenantID may be empty only for email verification tokens.
func NewToken(tenantID, hash string, p TokenPayload, metadata map[string]string, now time.Time) (Token, error) {
	if p == nil {
		return Token{}, fmt.Errorf("%w: missing payload", ErrMalformedToken)
	}
	if hash == "" {
		return Token{}, fmt.Errorf("%w: missing hash", ErrMalformedToken)
	}
	if err := p.validate(); err != nil {
		return Token{}, err
	}
	if tenantID == "" && p.Kind() != KindEmailVerification {
		return Token{}, fmt.Errorf("%w: %s requires a tenant", ErrMalformedToken, p.Kind())
	}
	ttl, ok := TTL(p.Kind(), p.Subtype())
	if !ok {
		return Token{}, fmt.Errorf("%w: no ttl for %s/%s", ErrMalformedToken, p.Kind(), p.Subtype())
	}
	now = now.UTC()
	return Token{
		TenantID:  tenantID,
		Hash:      hash,
		Payload:   p,
		Metadata:  metadata,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}, nil
}

// DecodePayload rebuilds a payload from its persisted columns, applying the
// same per-kind rules as construction.
func DecodePayload(kind TokenKind, subtype TokenSubtype, userID string, recovery *Ciphertext) (TokenPayload, error) {
	if recovery.Present() && kind != KindRecoveryEmailVerification {
		return nil, fmt.Errorf("%w: recovery email on %s", ErrMalformedToken, kind)
	}
	var p TokenPayload
	switch kind {
	case KindEmailVerification:
		p = EmailVerification{UserID: userID}
	case KindRecoveryEmailVerification:
		rp := RecoveryEmailVerification{UserID: userID}
		if recovery != nil {
			rp.RecoveryEmail = *recovery
		}
		p = rp
	case KindPasswordReset:
		p = PasswordReset{UserID: userID}
	case KindMFAChallenge:
		p = MFAChallenge{UserID: userID}
	case KindSession:
		switch subtype {
		case SubtypeAccess:
			p = AccessToken{UserID: userID}
		case SubtypeRefresh:
			p = RefreshToken{UserID: userID}
		default:
			return nil, fmt.Errorf("%w: session subtype %q", ErrMalformedToken, subtype)
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedToken, kind)
	}
	if p.Subtype() != subtype {
		return nil, fmt.Errorf("%w: subtype %q on %s", ErrMalformedToken, subtype, kind)
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}
