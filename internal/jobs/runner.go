package jobs

import (
	"context"
	"time"

	"go.uber.org/zap"

	"tenantauth/internal/models"
	"tenantauth/internal/store"
	"tenantauth/internal/tenant"
)

type Policy struct {
	LockoutThreshold int
	LockoutWindow    time.Duration
	IPBlockThreshold int
	IPBlockDuration  time.Duration
	SanitizeAfter    time.Duration
	PurgeAfter       time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		LockoutThreshold: 5,
		LockoutWindow:    15 * time.Minute,
		IPBlockThreshold: 20,
		IPBlockDuration:  time.Hour,
		SanitizeAfter:    2 * 24 * time.Hour,
		PurgeAfter:       90 * 24 * time.Hour,
	}
}

// Runner executes the maintenance sweeps. Every action is guarded by a
// conditional predicate, so a sweep may be interrupted and re-run, and may
// overlap with request traffic or another sweep.
type Runner struct {
	st     *store.Store
	policy Policy
	log    *zap.Logger
	now    func() time.Time
}

func NewRunner(st *store.Store, policy Policy, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{st: st, policy: policy, log: log, now: time.Now}
}

// WithClock replaces the time source and returns r.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

type LockoutSummary struct {
	Tenants    int
	Locked     int
	BlockedIPs int
	Failures   int
}

type CleanupSummary struct {
	Tenants      int
	PendingUsers int64
	Sessions     int64
	Tokens       int64
	IPBlocks     int64
	Failures     int
}

type DeletionSummary struct {
	Tenants   int
	Purged    int64
	Sanitized int
	Failures  int
}

// scopes lists the tenants a sweep runs over. Lockout only concerns active
// tenants; retention sweeps also cover deactivated ones.
func (r *Runner) scopes(ctx context.Context, activeOnly bool) ([]tenant.Scope, error) {
	ts, err := r.st.ListTenants(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	out := make([]tenant.Scope, 0, len(ts))
	for _, t := range ts {
		grant := tenant.GrantMaintenance
		if activeOnly {
			grant = tenant.Grant
		}
		sc, err := grant(t)
		if err != nil {
			r.log.Warn("skipping tenant", zap.String("tenant_id", t.ID), zap.Error(err))
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

// Lockout suspends users with too many recent failures and blocks source
// addresses that fail across tenants.
func (r *Runner) Lockout(ctx context.Context) LockoutSummary {
	now := r.now().UTC()
	since := now.Add(-r.policy.LockoutWindow)
	var sum LockoutSummary

	scopes, err := r.scopes(ctx, true)
	if err != nil {
		r.log.Error("lockout: list tenants", zap.Error(err))
		sum.Failures++
		return sum
	}
	for _, sc := range scopes {
		sum.Tenants++
		x, err := r.st.Scoped(sc)
		if err != nil {
			sum.Failures++
			continue
		}
		ids, err := x.LockoutCandidates(ctx, since, r.policy.LockoutThreshold)
		if err != nil {
			r.log.Error("lockout: candidates", zap.String("tenant", sc.Slug()), zap.Error(err))
			sum.Failures++
			continue
		}
		for _, id := range ids {
			locked, err := r.lockUser(ctx, sc, id, now)
			if err != nil {
				r.log.Error("lockout: lock user", zap.String("tenant", sc.Slug()), zap.String("user_id", id), zap.Error(err))
				sum.Failures++
				continue
			}
			if locked {
				sum.Locked++
			}
		}
	}

	if r.policy.IPBlockThreshold > 0 {
		ips, err := r.st.IPsOverFailureThreshold(ctx, since, now, r.policy.IPBlockThreshold)
		if err != nil {
			r.log.Error("lockout: ip candidates", zap.Error(err))
			sum.Failures++
		}
		for _, ip := range ips {
			err := r.st.BlockIP(ctx, models.IPBlock{
				IPAddress: ip,
				Reason:    "too many failed logins",
				BlockedAt: now,
				ExpiresAt: now.Add(r.policy.IPBlockDuration),
			})
			if err != nil {
				r.log.Error("lockout: block ip", zap.String("ip", ip), zap.Error(err))
				sum.Failures++
				continue
			}
			sum.BlockedIPs++
		}
	}
	r.log.Info("lockout sweep finished",
		zap.Int("tenants", sum.Tenants),
		zap.Int("locked", sum.Locked),
		zap.Int("blocked_ips", sum.BlockedIPs),
		zap.Int("failures", sum.Failures))
	return sum
}

func (r *Runner) lockUser(ctx context.Context, sc tenant.Scope, userID string, now time.Time) (bool, error) {
	var locked bool
	err := r.st.InTx(ctx, sc, func(x *store.Scoped) error {
		applied, err := x.LockUser(ctx, userID, now)
		if err != nil || !applied {
			return err
		}
		locked = true
		return x.InsertSecurityEvent(ctx, &models.SecurityEvent{
			UserID:     &userID,
			Type:       models.EventAccountLocked,
			Metadata:   map[string]string{"reason": "failed_logins", "window": r.policy.LockoutWindow.String()},
			OccurredAt: now,
		})
	})
	return locked, err
}

// expiringKinds are deleted by the cleanup sweep once past expiry. Session
// tokens are left to the sessions that reference them.
var expiringKinds = []models.TokenKind{
	models.KindPasswordReset,
	models.KindMFAChallenge,
	models.KindEmailVerification,
	models.KindRecoveryEmailVerification,
}

// Cleanup garbage-collects expired rows. It has no effect beyond deletion.
func (r *Runner) Cleanup(ctx context.Context) CleanupSummary {
	now := r.now().UTC()
	var sum CleanupSummary

	scopes, err := r.scopes(ctx, false)
	if err != nil {
		r.log.Error("cleanup: list tenants", zap.Error(err))
		sum.Failures++
		return sum
	}
	for _, sc := range scopes {
		sum.Tenants++
		x, err := r.st.Scoped(sc)
		if err != nil {
			sum.Failures++
			continue
		}
		fail := func(what string, err error) {
			r.log.Error("cleanup: "+what, zap.String("tenant", sc.Slug()), zap.Error(err))
			sum.Failures++
		}
		if n, err := x.DeleteExpiredPending(ctx, now); err != nil {
			fail("pending users", err)
		} else {
			sum.PendingUsers += n
		}
		if n, err := x.DeleteExpiredInactiveSessions(ctx, now); err != nil {
			fail("sessions", err)
		} else {
			sum.Sessions += n
		}
		for _, kind := range expiringKinds {
			if n, err := x.DeleteExpiredTokens(ctx, kind, now); err != nil {
				fail("tokens "+string(kind), err)
			} else {
				sum.Tokens += n
			}
		}
	}

	if n, err := r.st.DeleteExpiredIPBlocks(ctx, now); err != nil {
		r.log.Error("cleanup: ip blocks", zap.Error(err))
		sum.Failures++
	} else {
		sum.IPBlocks = n
	}
	r.log.Info("cleanup sweep finished",
		zap.Int("tenants", sum.Tenants),
		zap.Int64("pending_users", sum.PendingUsers),
		zap.Int64("sessions", sum.Sessions),
		zap.Int64("tokens", sum.Tokens),
		zap.Int64("ip_blocks", sum.IPBlocks),
		zap.Int("failures", sum.Failures))
	return sum
}

// Deletion purges users past the purge age and sanitizes those past the
// sanitize age. Purge runs first so a user is never sanitized and deleted
// in the same sweep.
func (r *Runner) Deletion(ctx context.Context) DeletionSummary {
	now := r.now().UTC()
	purgeBefore := now.Add(-r.policy.PurgeAfter)
	sanitizeBefore := now.Add(-r.policy.SanitizeAfter)
	var sum DeletionSummary

	scopes, err := r.scopes(ctx, false)
	if err != nil {
		r.log.Error("deletion: list tenants", zap.Error(err))
		sum.Failures++
		return sum
	}
	for _, sc := range scopes {
		sum.Tenants++
		x, err := r.st.Scoped(sc)
		if err != nil {
			sum.Failures++
			continue
		}
		n, err := x.PurgeScheduledUsers(ctx, purgeBefore)
		if err != nil {
			r.log.Error("deletion: purge", zap.String("tenant", sc.Slug()), zap.Error(err))
			sum.Failures++
		}
		sum.Purged += n

		ids, err := x.UsersDueForSanitization(ctx, sanitizeBefore, purgeBefore)
		if err != nil {
			r.log.Error("deletion: candidates", zap.String("tenant", sc.Slug()), zap.Error(err))
			sum.Failures++
			continue
		}
		for _, id := range ids {
			ok, err := r.sanitize(ctx, sc, id, now)
			if err != nil {
				r.log.Error("deletion: sanitize", zap.String("tenant", sc.Slug()), zap.String("user_id", id), zap.Error(err))
				sum.Failures++
				continue
			}
			if ok {
				sum.Sanitized++
			}
		}
	}
	r.log.Info("deletion sweep finished",
		zap.Int("tenants", sum.Tenants),
		zap.Int64("purged", sum.Purged),
		zap.Int("sanitized", sum.Sanitized),
		zap.Int("failures", sum.Failures))
	return sum
}

// sanitize scrubs one user in a single transaction. It reports false when
// the user was sanitized or had its deletion cancelled in the meantime.
func (r *Runner) sanitize(ctx context.Context, sc tenant.Scope, userID string, now time.Time) (bool, error) {
	var done bool
	err := r.st.InTx(ctx, sc, func(x *store.Scoped) error {
		applied, err := x.SanitizeUser(ctx, userID, now)
		if err != nil || !applied {
			return err
		}
		if _, err := x.DeleteTOTPSecrets(ctx, userID); err != nil {
			return err
		}
		if _, err := x.DeleteBackupCodes(ctx, userID); err != nil {
			return err
		}
		if _, err := x.DeleteUserSessions(ctx, userID); err != nil {
			return err
		}
		if _, err := x.DeleteUserTokens(ctx, userID,
			models.KindSession, models.KindMFAChallenge, models.KindPasswordReset, models.KindRecoveryEmailVerification); err != nil {
			return err
		}
		if _, err := x.DeleteUserDevices(ctx, userID); err != nil {
			return err
		}
		done = true
		return x.InsertSecurityEvent(ctx, &models.SecurityEvent{UserID: &userID, Type: models.EventSanitized, OccurredAt: now})
	})
	return done, err
}
