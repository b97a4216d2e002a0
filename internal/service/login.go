package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tenantauth/internal/models"
	"tenantauth/internal/store"
	"tenantauth/internal/tenant"
)

type LoginRequest struct {
	EmailHash     string
	Password      string
	IP            string
	UserAgent     string
	AccessHash    string
	RefreshHash   string
	ChallengeHash string
	Device        *DeviceInfo
}

// LoginResult carries exactly one of Session or Challenge.
type LoginResult struct {
	UserID    string
	Session   *SessionGrant
	Challenge *ChallengeGrant
}

// Login checks the first factor. Every outcome past the IP check leaves a
// login attempt row. Users with 2FA enabled get a challenge session instead
// of a full one; their login is recorded when the challenge completes.
func (s *Service) Login(ctx context.Context, sc tenant.Scope, req LoginRequest) (LoginResult, error) {
	if err := validHashes(req.EmailHash); err != nil {
		return LoginResult{}, err
	}
	now := s.clock()
	if err := s.blocked(ctx, req.IP, now); err != nil {
		return LoginResult{}, err
	}
	x, err := s.scoped(sc)
	if err != nil {
		return LoginResult{}, err
	}
	attempt := &models.LoginAttempt{EmailHash: req.EmailHash, IPAddress: req.IP, UserAgent: req.UserAgent, AttemptedAt: now}

	u, err := x.GetUserByEmailHash(ctx, req.EmailHash)
	if errors.Is(err, store.ErrNotFound) {
		if err := x.InsertLoginAttempt(ctx, attempt); err != nil {
			return LoginResult{}, err
		}
		return LoginResult{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginResult{}, err
	}
	attempt.UserID = &u.ID
	if err := checkStanding(u); err != nil {
		if ierr := x.InsertLoginAttempt(ctx, attempt); ierr != nil {
			return LoginResult{}, ierr
		}
		return LoginResult{}, err
	}

	ok, err := s.verifier.Verify(u.PasswordHash, req.Password)
	if err != nil {
		s.log.Warn("password verification failed", zap.String("tenant", sc.Slug()), zap.String("user_id", u.ID), zap.Error(err))
	}
	if !ok {
		err := s.st.InTx(ctx, sc, func(tx *store.Scoped) error {
			if err := tx.InsertLoginAttempt(ctx, attempt); err != nil {
				return err
			}
			return tx.IncrementFailedLogins(ctx, u.ID, now)
		})
		if err != nil {
			return LoginResult{}, err
		}
		return LoginResult{}, ErrInvalidCredentials
	}

	if u.Is2FAEnabled {
		if err := validHashes(req.ChallengeHash); err != nil {
			return LoginResult{}, err
		}
	} else if err := validHashes(req.AccessHash, req.RefreshHash); err != nil {
		return LoginResult{}, err
	}

	res := LoginResult{UserID: u.ID}
	attempt.Success = true
	err = s.st.InTx(ctx, sc, func(tx *store.Scoped) error {
		if err := tx.InsertLoginAttempt(ctx, attempt); err != nil {
			return err
		}
		if u.Is2FAEnabled {
			g, err := createChallenge(ctx, tx, u.ID, req.ChallengeHash, req.IP, req.UserAgent, now)
			if err != nil {
				return err
			}
			res.Challenge = &g
			return nil
		}
		if err := tx.RecordLoginSuccess(ctx, u.ID, now); err != nil {
			return err
		}
		g, err := createSession(ctx, tx, SessionRequest{
			UserID:      u.ID,
			AccessHash:  req.AccessHash,
			RefreshHash: req.RefreshHash,
			IP:          req.IP,
			UserAgent:   req.UserAgent,
			Device:      req.Device,
		}, now)
		if err != nil {
			return err
		}
		res.Session = &g
		return nil
	})
	if err != nil {
		return LoginResult{}, asConflict(err)
	}
	return res, nil
}

// ScheduleDeletion marks the user for deletion at now. The deletion job
// sanitizes after the grace period and purges later; a login before then
// cancels it.
func (s *Service) ScheduleDeletion(ctx context.Context, sc tenant.Scope, userID string) (time.Time, error) {
	now := s.clock()
	err := s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		if err := x.ScheduleDeletion(ctx, userID, now); err != nil {
			return err
		}
		if _, err := x.DeactivateUserSessions(ctx, userID); err != nil {
			return err
		}
		return x.InsertSecurityEvent(ctx, securityEvent(userID, models.EventDeletionScheduled, now, nil))
	})
	if err != nil {
		return time.Time{}, err
	}
	return now, nil
}

func (s *Service) CancelDeletion(ctx context.Context, sc tenant.Scope, userID string) error {
	now := s.clock()
	return s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		u, err := x.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u.Sanitized() {
			return fmt.Errorf("%w: user already sanitized", ErrConflict)
		}
		if err := x.CancelDeletion(ctx, userID, now); err != nil {
			return err
		}
		return x.InsertSecurityEvent(ctx, securityEvent(userID, models.EventDeletionCancelled, now, nil))
	})
}

// SetSuspended applies or lifts a manual suspension. Lifting also clears an
// automatic lock.
func (s *Service) SetSuspended(ctx context.Context, sc tenant.Scope, userID string, suspended bool) error {
	now := s.clock()
	return s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		if err := x.SetSuspended(ctx, userID, suspended, now); err != nil {
			return err
		}
		if suspended {
			_, err := x.DeactivateUserSessions(ctx, userID)
			return err
		}
		return nil
	})
}

func (s *Service) GetUser(ctx context.Context, sc tenant.Scope, userID string) (models.User, error) {
	x, err := s.scoped(sc)
	if err != nil {
		return models.User{}, err
	}
	return x.GetUser(ctx, userID)
}

func (s *Service) SecurityEvents(ctx context.Context, sc tenant.Scope, userID string) ([]models.SecurityEvent, error) {
	x, err := s.scoped(sc)
	if err != nil {
		return nil, err
	}
	if err := x.CheckUser(ctx, userID); err != nil {
		return nil, err
	}
	return x.ListSecurityEvents(ctx, userID)
}
