package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tenantauth/internal/auth"
	"tenantauth/internal/models"
	"tenantauth/internal/store"
	"tenantauth/internal/tenant"
)

type PendingRegistration struct {
	Pending   models.PendingUser
	Secret    string
	ExpiresAt time.Time
}

func validPasswordHash(h string) error {
	if !auth.ValidPasswordHash(h) {
		return fmt.Errorf("%w: password hash must be argon2id", ErrInvalidInput)
	}
	return nil
}

// RegisterPending records a registration request together with its
// email_verification token. An outstanding registration or an existing
// user for the same email hash is a conflict; an expired registration is
// replaced.
func (s *Service) RegisterPending(ctx context.Context, sc tenant.Scope, email models.Ciphertext, emailHash, ip, ua string) (PendingRegistration, error) {
	if !email.Present() {
		return PendingRegistration{}, fmt.Errorf("%w: email ciphertext required", ErrInvalidInput)
	}
	if err := validHashes(emailHash); err != nil {
		return PendingRegistration{}, err
	}
	now := s.clock()
	if err := s.blocked(ctx, ip, now); err != nil {
		return PendingRegistration{}, err
	}
	raw, hash, err := s.issueSecret()
	if err != nil {
		return PendingRegistration{}, err
	}

	var out PendingRegistration
	err = s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		exists, err := x.UserExistsByEmailHash(ctx, emailHash)
		if err != nil {
			return err
		}
		if exists {
			return ErrConflict
		}
		prev, err := x.PendingUserByEmailHash(ctx, emailHash)
		switch {
		case err == nil && prev.ExpiresAt.After(now):
			return ErrConflict
		case err == nil:
			if err := x.DeleteToken(ctx, prev.TokenID); err != nil {
				return err
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		tok, err := models.NewToken(sc.ID(), hash, models.EmailVerification{}, nil, now)
		if err != nil {
			return err
		}
		if err := x.InsertToken(ctx, &tok); err != nil {
			return err
		}
		p := models.PendingUser{
			TokenID:   tok.ID,
			Email:     email,
			EmailHash: emailHash,
			IPAddress: ip,
			UserAgent: ua,
			CreatedAt: now,
			ExpiresAt: tok.ExpiresAt,
		}
		if err := x.InsertPendingUser(ctx, &p); err != nil {
			return err
		}
		out = PendingRegistration{Pending: p, Secret: raw, ExpiresAt: p.ExpiresAt}
		return nil
	})
	if err != nil {
		return PendingRegistration{}, asConflict(err)
	}
	return out, nil
}

// ConfirmPending turns a pending registration into a user. The user row is
// created and the pending row with its token deleted in one transaction.
//
// When a user with the same email hash already exists, the pending row and
// token are deleted, that deletion is committed, and ErrAlreadyExists is
// returned. A repeated confirmation is never treated as success.
func (s *Service) ConfirmPending(ctx context.Context, sc tenant.Scope, secret, passwordHash, ip, ua string) (string, error) {
	if err := validPasswordHash(passwordHash); err != nil {
		return "", err
	}
	now := s.clock()
	var userID, tokenID string
	var exists bool
	err := s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		tok, err := lookupKind(ctx, x, s.hasher.Hash(secret), models.KindEmailVerification, models.SubtypeNone, now)
		if err != nil {
			return err
		}
		tokenID = tok.ID
		p, err := x.PendingUserByToken(ctx, tok.ID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return err
		}
		if !now.Before(p.ExpiresAt) {
			return ErrRegistrationExpired
		}
		exists, err = x.UserExistsByEmailHash(ctx, p.EmailHash)
		if err != nil {
			return err
		}
		if exists {
			return x.DeleteToken(ctx, tok.ID)
		}

		email := p.Email
		emailHash := p.EmailHash
		u := models.User{
			Email:           &email,
			EmailHash:       &emailHash,
			PasswordHash:    passwordHash,
			IsEmailVerified: true,
		}
		if err := x.CreateUser(ctx, &u, now); err != nil {
			return err
		}
		userID = u.ID
		return x.DeleteToken(ctx, tok.ID)
	})
	if errors.Is(err, store.ErrConflict) {
		// Another writer took the email hash after the existence check.
		if derr := s.dropPending(ctx, sc, tokenID); derr != nil {
			return "", derr
		}
		s.log.Info("registration lost a uniqueness race; pending record removed")
		return "", ErrAlreadyExists
	}
	if err != nil {
		return "", err
	}
	if exists {
		s.log.Info("registration confirmed for existing user; pending record removed")
		return "", ErrAlreadyExists
	}
	return userID, nil
}

// dropPending deletes the verification token, which cascades to its pending
// row. A token already gone is not an error.
func (s *Service) dropPending(ctx context.Context, sc tenant.Scope, tokenID string) error {
	err := s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		return x.DeleteToken(ctx, tokenID)
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
