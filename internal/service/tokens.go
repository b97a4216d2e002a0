package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tenantauth/internal/models"
	"tenantauth/internal/store"
	"tenantauth/internal/tenant"
)

type TokenHandle struct {
	ID        string
	Kind      models.TokenKind
	Subtype   models.TokenSubtype
	ExpiresAt time.Time
}

func handleOf(t models.Token) TokenHandle {
	return TokenHandle{ID: t.ID, Kind: t.Kind(), Subtype: t.Subtype(), ExpiresAt: t.ExpiresAt}
}

// Issue stores a token whose secret the caller already hashed. Expiry comes
// from the TTL table and is never changed afterwards.
func (s *Service) Issue(ctx context.Context, sc tenant.Scope, p models.TokenPayload, hash string, metadata map[string]string) (TokenHandle, error) {
	if err := validHashes(hash); err != nil {
		return TokenHandle{}, err
	}
	x, err := s.scoped(sc)
	if err != nil {
		return TokenHandle{}, err
	}
	tok, err := models.NewToken(sc.ID(), hash, p, metadata, s.clock())
	if err != nil {
		return TokenHandle{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := x.InsertToken(ctx, &tok); err != nil {
		return TokenHandle{}, asConflict(err)
	}
	return handleOf(tok), nil
}

// Lookup returns the token stored under hash. Absent and expired tokens both
// satisfy errors.Is(err, ErrInvalidToken); only the latter also matches
// ErrTokenExpired.
func (s *Service) Lookup(ctx context.Context, sc tenant.Scope, hash string) (models.Token, error) {
	x, err := s.scoped(sc)
	if err != nil {
		return models.Token{}, err
	}
	return lookupToken(ctx, x, hash, s.clock())
}

func lookupToken(ctx context.Context, x *store.Scoped, hash string, now time.Time) (models.Token, error) {
	tok, err := x.TokenByHash(ctx, hash)
	if errors.Is(err, store.ErrNotFound) {
		return models.Token{}, ErrInvalidToken
	}
	if err != nil {
		return models.Token{}, err
	}
	if tok.Expired(now) {
		return models.Token{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenExpired)
	}
	return tok, nil
}

// lookupKind is lookupToken restricted to one kind and subtype. A token of
// another kind is reported as absent.
func lookupKind(ctx context.Context, x *store.Scoped, hash string, kind models.TokenKind, subtype models.TokenSubtype, now time.Time) (models.Token, error) {
	tok, err := lookupToken(ctx, x, hash, now)
	if err != nil {
		return models.Token{}, err
	}
	if tok.Kind() != kind || tok.Subtype() != subtype {
		return models.Token{}, ErrInvalidToken
	}
	return tok, nil
}

// Revoke deletes the token. Sessions and pending registrations that
// reference it go with it.
func (s *Service) Revoke(ctx context.Context, sc tenant.Scope, tokenID string) error {
	x, err := s.scoped(sc)
	if err != nil {
		return err
	}
	return x.DeleteToken(ctx, tokenID)
}

type PasswordResetIssue struct {
	UserID    string
	Secret    string
	ExpiresAt time.Time
}

// IssuePasswordReset replaces any outstanding reset token of the user owning
// emailHash with a fresh one.
func (s *Service) IssuePasswordReset(ctx context.Context, sc tenant.Scope, emailHash string) (PasswordResetIssue, error) {
	if err := validHashes(emailHash); err != nil {
		return PasswordResetIssue{}, err
	}
	raw, hash, err := s.issueSecret()
	if err != nil {
		return PasswordResetIssue{}, err
	}
	now := s.clock()
	var out PasswordResetIssue
	err = s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		u, err := x.GetUserByEmailHash(ctx, emailHash)
		if err != nil {
			return err
		}
		if err := checkStanding(u); err != nil {
			return err
		}
		if _, err := x.DeleteUserTokens(ctx, u.ID, models.KindPasswordReset); err != nil {
			return err
		}
		tok, err := models.NewToken(sc.ID(), hash, models.PasswordReset{UserID: u.ID}, nil, now)
		if err != nil {
			return err
		}
		if err := x.InsertToken(ctx, &tok); err != nil {
			return err
		}
		out = PasswordResetIssue{UserID: u.ID, Secret: raw, ExpiresAt: tok.ExpiresAt}
		return nil
	})
	if err != nil {
		return PasswordResetIssue{}, asConflict(err)
	}
	return out, nil
}

// ConsumePasswordReset sets a new password hash, deactivates every session
// of the user and deletes the reset token, in one transaction.
func (s *Service) ConsumePasswordReset(ctx context.Context, sc tenant.Scope, secret, passwordHash string) (string, error) {
	if err := validPasswordHash(passwordHash); err != nil {
		return "", err
	}
	now := s.clock()
	var userID string
	err := s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		tok, err := lookupKind(ctx, x, s.hasher.Hash(secret), models.KindPasswordReset, models.SubtypeNone, now)
		if err != nil {
			return err
		}
		userID = tok.UserID()
		if err := x.SetPasswordHash(ctx, userID, passwordHash, now); err != nil {
			return err
		}
		if _, err := x.DeactivateUserSessions(ctx, userID); err != nil {
			return err
		}
		if _, err := x.DeleteUserTokens(ctx, userID, models.KindPasswordReset); err != nil {
			return err
		}
		return x.InsertSecurityEvent(ctx, securityEvent(userID, models.EventPasswordChanged, now, map[string]string{"source": "password_reset"}))
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

type RecoveryEmailIssue struct {
	Secret    string
	ExpiresAt time.Time
}

// IssueRecoveryEmailVerification starts verification of a new address for
// the user. The address is held encrypted on the token until confirmed.
func (s *Service) IssueRecoveryEmailVerification(ctx context.Context, sc tenant.Scope, userID string, email models.Ciphertext, emailHash string) (RecoveryEmailIssue, error) {
	if err := validHashes(emailHash); err != nil {
		return RecoveryEmailIssue{}, err
	}
	raw, hash, err := s.issueSecret()
	if err != nil {
		return RecoveryEmailIssue{}, err
	}
	now := s.clock()
	var out RecoveryEmailIssue
	err = s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		u, err := x.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := checkStanding(u); err != nil {
			return err
		}
		if taken, err := x.UserExistsByEmailHash(ctx, emailHash); err != nil {
			return err
		} else if taken {
			return ErrConflict
		}
		if _, err := x.DeleteUserTokens(ctx, userID, models.KindRecoveryEmailVerification); err != nil {
			return err
		}
		p := models.RecoveryEmailVerification{UserID: userID, RecoveryEmail: email}
		tok, err := models.NewToken(sc.ID(), hash, p, map[string]string{"email_hash": emailHash}, now)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if err := x.InsertToken(ctx, &tok); err != nil {
			return err
		}
		out = RecoveryEmailIssue{Secret: raw, ExpiresAt: tok.ExpiresAt}
		return nil
	})
	if err != nil {
		return RecoveryEmailIssue{}, asConflict(err)
	}
	return out, nil
}

// ConfirmRecoveryEmail swaps in the address carried by the token and marks
// it verified.
func (s *Service) ConfirmRecoveryEmail(ctx context.Context, sc tenant.Scope, secret string) (string, error) {
	now := s.clock()
	var userID string
	err := s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		tok, err := lookupKind(ctx, x, s.hasher.Hash(secret), models.KindRecoveryEmailVerification, models.SubtypeNone, now)
		if err != nil {
			return err
		}
		p := tok.Payload.(models.RecoveryEmailVerification)
		emailHash := tok.Metadata["email_hash"]
		if emailHash == "" {
			return ErrInvalidToken
		}
		userID = p.UserID
		if err := x.ReplaceEmail(ctx, userID, p.RecoveryEmail, emailHash, now); err != nil {
			return err
		}
		return x.DeleteToken(ctx, tok.ID)
	})
	if err != nil {
		return "", asConflict(err)
	}
	return userID, nil
}
