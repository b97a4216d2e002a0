package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"tenantauth/internal/models"
	"tenantauth/internal/store"
	"tenantauth/internal/tenant"
)

const (
	MinBackupCodeWords = 9
	MaxBackupCodeWords = 20
)

// EnrollTOTP stores a provisional secret for the user. An unconfirmed
// secret is replaced; a confirmed one must be disabled first.
func (s *Service) EnrollTOTP(ctx context.Context, sc tenant.Scope, userID string, secret models.Ciphertext, secretHash string) (models.TOTPSecret, error) {
	if !secret.Present() {
		return models.TOTPSecret{}, fmt.Errorf("%w: secret ciphertext required", ErrInvalidInput)
	}
	if err := validHashes(secretHash); err != nil {
		return models.TOTPSecret{}, err
	}
	now := s.clock()
	var out models.TOTPSecret
	err := s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		u, err := x.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if err := checkStanding(u); err != nil {
			return err
		}
		prev, err := x.TOTPSecretForUser(ctx, userID)
		switch {
		case err == nil && prev.Confirmed():
			return ErrConflict
		case err == nil:
			if _, err := x.DeleteTOTPSecrets(ctx, userID); err != nil {
				return err
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		out = models.TOTPSecret{UserID: userID, Secret: secret, SecretHash: secretHash, CreatedAt: now}
		return x.InsertTOTPSecret(ctx, &out)
	})
	if err != nil {
		return models.TOTPSecret{}, asConflict(err)
	}
	return out, nil
}

// ConfirmTOTP records that the caller verified a code against the secret.
// It enables 2FA and issues the backup-code batch in the same transaction
// and returns the plaintext codes.
func (s *Service) ConfirmTOTP(ctx context.Context, sc tenant.Scope, secretID string) ([]string, error) {
	codes, hashes, err := s.backupBatch()
	if err != nil {
		return nil, err
	}
	now := s.clock()
	err = s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		sec, err := x.GetTOTPSecret(ctx, secretID)
		if err != nil {
			return err
		}
		if sec.Confirmed() {
			return fmt.Errorf("%w: secret already confirmed", ErrConflict)
		}
		if err := x.ConfirmTOTPSecret(ctx, sec.ID, now); err != nil {
			return err
		}
		if err := x.Set2FAEnabled(ctx, sec.UserID, true, now); err != nil {
			return err
		}
		if _, err := x.DeleteBackupCodes(ctx, sec.UserID); err != nil {
			return err
		}
		if err := x.InsertBackupCodes(ctx, sec.UserID, hashes, now); err != nil {
			return err
		}
		return x.InsertSecurityEvent(ctx, securityEvent(sec.UserID, models.Event2FAEnabled, now, nil))
	})
	if err != nil {
		return nil, asConflict(err)
	}
	return codes, nil
}

// DisableTOTP removes the secret and every backup code and clears the flag.
func (s *Service) DisableTOTP(ctx context.Context, sc tenant.Scope, userID string) error {
	now := s.clock()
	return s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		if err := x.Set2FAEnabled(ctx, userID, false, now); err != nil {
			return err
		}
		if _, err := x.DeleteTOTPSecrets(ctx, userID); err != nil {
			return err
		}
		if _, err := x.DeleteBackupCodes(ctx, userID); err != nil {
			return err
		}
		return x.InsertSecurityEvent(ctx, securityEvent(userID, models.Event2FADisabled, now, nil))
	})
}

// RegenerateBackupCodes replaces the user's batch. 2FA must be enabled.
func (s *Service) RegenerateBackupCodes(ctx context.Context, sc tenant.Scope, userID string) ([]string, error) {
	codes, hashes, err := s.backupBatch()
	if err != nil {
		return nil, err
	}
	now := s.clock()
	err = s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		u, err := x.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if !u.Is2FAEnabled {
			return fmt.Errorf("%w: two-factor authentication is not enabled", ErrInvalidInput)
		}
		if _, err := x.DeleteBackupCodes(ctx, userID); err != nil {
			return err
		}
		if err := x.InsertBackupCodes(ctx, userID, hashes, now); err != nil {
			return err
		}
		return x.InsertSecurityEvent(ctx, securityEvent(userID, models.EventBackupCodesRegenerated, now, nil))
	})
	if err != nil {
		return nil, asConflict(err)
	}
	return codes, nil
}

// RedeemBackupCode marks the code used exactly once. A second redemption
// fails with ErrBackupCodeUsed; an unknown code with ErrInvalidCredentials.
func (s *Service) RedeemBackupCode(ctx context.Context, sc tenant.Scope, userID, code string) error {
	codeHash := s.hasher.Hash(NormalizeBackupCode(code))
	return s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		u, err := x.GetUser(ctx, userID)
		if err != nil {
			return backupCodeErr(err)
		}
		if err := checkStanding(u); err != nil {
			return err
		}
		return backupCodeErr(x.UseBackupCode(ctx, userID, codeHash, s.clock()))
	})
}

func backupCodeErr(err error) error {
	switch {
	case errors.Is(err, store.ErrAlreadyUsed):
		return ErrBackupCodeUsed
	case errors.Is(err, store.ErrNotFound):
		return ErrInvalidCredentials
	}
	return err
}

// NormalizeBackupCode lowercases the code and collapses whitespace so that
// typed codes hash like issued ones.
func NormalizeBackupCode(code string) string {
	return strings.Join(strings.Fields(strings.ToLower(code)), " ")
}

func (s *Service) backupBatch() ([]string, []string, error) {
	codes := make([]string, 0, s.cfg.BackupCodeCount)
	hashes := make([]string, 0, s.cfg.BackupCodeCount)
	for i := 0; i < s.cfg.BackupCodeCount; i++ {
		c, err := s.GenerateBackupCode(s.cfg.BackupCodeWords)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, c)
		hashes = append(hashes, s.hasher.Hash(c))
	}
	return codes, hashes, nil
}

// GenerateBackupCode draws words distinct entries from the word list and
// joins them with single spaces.
func (s *Service) GenerateBackupCode(words int) (string, error) {
	return generateBackupCode(s.cfg.Wordlist, words)
}

func generateBackupCode(list []string, words int) (string, error) {
	if words < MinBackupCodeWords || words > MaxBackupCodeWords {
		return "", ErrInvalidCount
	}
	seen := make(map[string]struct{}, len(list))
	pool := make([]string, 0, len(list))
	for _, w := range list {
		if _, ok := seen[w]; ok || w == "" {
			continue
		}
		seen[w] = struct{}{}
		pool = append(pool, w)
	}
	if len(pool) < words {
		return "", ErrInsufficientWordlist
	}
	// Partial Fisher-Yates: the first words entries end up uniformly drawn.
	for i := 0; i < words; i++ {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(len(pool)-i)))
		if err != nil {
			return "", err
		}
		k := i + int(j.Int64())
		pool[i], pool[k] = pool[k], pool[i]
	}
	return strings.Join(pool[:words], " "), nil
}
