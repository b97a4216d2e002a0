package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tenantauth/internal/db"
	"tenantauth/internal/models"
	"tenantauth/internal/store"
	"tenantauth/internal/tenant"
)

const testPasswordHash = "$argon2id$v=19$m=32768,t=2,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaGhhc2hoYXNoaGFzaGhhc2g"

type fixture struct {
	st  *store.Store
	now time.Time
	r   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqdb, err := db.OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"), 4, 4, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqdb.Close() })
	require.NoError(t, db.Migrate(sqdb, db.DriverSQLite))

	f := &fixture{st: store.New(sqdb, db.DriverSQLite), now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.r = NewRunner(f.st, DefaultPolicy(), nil).WithClock(func() time.Time { return f.now })
	return f
}

func hexHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (f *fixture) tenant(t *testing.T, slug string) (tenant.Scope, *store.Scoped) {
	t.Helper()
	tn := models.Tenant{Slug: slug, Name: slug, APIKeyHash: hexHash("key:" + slug), IsActive: true, RateLimitPerMinute: 60}
	require.NoError(t, f.st.CreateTenant(context.Background(), &tn, f.now))
	sc, err := tenant.Grant(tn)
	require.NoError(t, err)
	x, err := f.st.Scoped(sc)
	require.NoError(t, err)
	return sc, x
}

func (f *fixture) user(t *testing.T, x *store.Scoped, email string) string {
	t.Helper()
	h := hexHash("email:" + email)
	u := models.User{Email: &models.Ciphertext{Data: "ct:" + email, KeyVersion: 1}, EmailHash: &h, PasswordHash: testPasswordHash}
	require.NoError(t, x.CreateUser(context.Background(), &u, f.now))
	return u.ID
}

func (f *fixture) fail(t *testing.T, x *store.Scoped, userID, ip string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		a := models.LoginAttempt{EmailHash: hexHash("attempt"), IPAddress: ip, AttemptedAt: at}
		if userID != "" {
			a.UserID = &userID
		}
		require.NoError(t, x.InsertLoginAttempt(context.Background(), &a))
	}
}

func TestLockoutLocksAtThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, x := f.tenant(t, "alpha")
	five := f.user(t, x, "five@example.com")
	four := f.user(t, x, "four@example.com")
	stale := f.user(t, x, "stale@example.com")

	f.fail(t, x, five, "198.51.100.1", 5, f.now.Add(-time.Minute))
	f.fail(t, x, four, "198.51.100.2", 4, f.now.Add(-time.Minute))
	f.fail(t, x, stale, "198.51.100.3", 5, f.now.Add(-time.Hour))

	sum := f.r.Lockout(ctx)
	require.Equal(t, 1, sum.Locked)
	require.Zero(t, sum.Failures)

	u, err := x.GetUser(ctx, five)
	require.NoError(t, err)
	require.True(t, u.Locked())
	for _, id := range []string{four, stale} {
		u, err := x.GetUser(ctx, id)
		require.NoError(t, err)
		require.False(t, u.IsSuspended)
	}

	events, err := x.ListSecurityEvents(ctx, five)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.EventAccountLocked, events[0].Type)

	// A second sweep finds nothing to do.
	sum = f.r.Lockout(ctx)
	require.Zero(t, sum.Locked)
	events, err = x.ListSecurityEvents(ctx, five)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestLockoutBlocksNoisyAddresses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, a := f.tenant(t, "alpha")
	_, b := f.tenant(t, "beta")

	f.fail(t, a, "", "203.0.113.9", 10, f.now.Add(-time.Minute))
	f.fail(t, b, "", "203.0.113.9", 10, f.now.Add(-2*time.Minute))
	f.fail(t, b, "", "203.0.113.10", 19, f.now.Add(-time.Minute))

	sum := f.r.Lockout(ctx)
	require.Equal(t, 1, sum.BlockedIPs)

	blk, ok, err := f.st.ActiveIPBlock(ctx, "203.0.113.9", f.now)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, blk.Manual)
	require.True(t, blk.ExpiresAt.Equal(f.now.Add(time.Hour)))
	_, ok, err = f.st.ActiveIPBlock(ctx, "203.0.113.10", f.now)
	require.NoError(t, err)
	require.False(t, ok)

	// Already blocked addresses are not re-blocked.
	require.Zero(t, f.r.Lockout(ctx).BlockedIPs)
}

func TestCleanupRemovesExpiredRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, x := f.tenant(t, "alpha")
	uid := f.user(t, x, "ann@example.com")

	reset, err := models.NewToken(x.TenantID(), hexHash("reset"), models.PasswordReset{UserID: uid}, nil, f.now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, x.InsertToken(ctx, &reset))
	live, err := models.NewToken(x.TenantID(), hexHash("reset-live"), models.PasswordReset{UserID: uid}, nil, f.now)
	require.NoError(t, err)
	require.NoError(t, x.InsertToken(ctx, &live))

	verify, err := models.NewToken(x.TenantID(), hexHash("verify"), models.EmailVerification{}, nil, f.now.Add(-25*time.Hour))
	require.NoError(t, err)
	require.NoError(t, x.InsertToken(ctx, &verify))
	p := models.PendingUser{TokenID: verify.ID, Email: models.Ciphertext{Data: "ct:p", KeyVersion: 1}, EmailHash: hexHash("p"), ExpiresAt: verify.ExpiresAt}
	require.NoError(t, x.InsertPendingUser(ctx, &p))

	access, err := models.NewToken(x.TenantID(), hexHash("access"), models.AccessToken{UserID: uid}, nil, f.now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, x.InsertToken(ctx, &access))
	s := models.Session{UserID: uid, TokenID: access.ID, CreatedAt: access.CreatedAt, LastActivityAt: access.CreatedAt, IsActive: true}
	require.NoError(t, x.InsertSession(ctx, &s))
	require.NoError(t, x.DeactivateSession(ctx, s.ID))

	require.NoError(t, f.st.BlockIP(ctx, models.IPBlock{IPAddress: "192.0.2.1", Reason: "old", BlockedAt: f.now.Add(-2 * time.Hour), ExpiresAt: f.now.Add(-time.Hour)}))

	sum := f.r.Cleanup(ctx)
	require.Zero(t, sum.Failures)
	require.EqualValues(t, 1, sum.PendingUsers)
	require.EqualValues(t, 1, sum.Sessions)
	require.EqualValues(t, 1, sum.Tokens)
	require.EqualValues(t, 1, sum.IPBlocks)

	_, err = x.GetToken(ctx, live.ID)
	require.NoError(t, err)
	_, err = x.GetToken(ctx, reset.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = x.PendingUserByToken(ctx, verify.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = x.GetSession(ctx, s.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeletionSanitizesThenPurges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, x := f.tenant(t, "alpha")
	recent := f.user(t, x, "recent@example.com")
	due := f.user(t, x, "due@example.com")
	old := f.user(t, x, "old@example.com")

	require.NoError(t, x.ScheduleDeletion(ctx, recent, f.now.Add(-time.Hour)))
	require.NoError(t, x.ScheduleDeletion(ctx, due, f.now.Add(-3*24*time.Hour)))
	require.NoError(t, x.ScheduleDeletion(ctx, old, f.now.Add(-91*24*time.Hour)))

	access, err := models.NewToken(x.TenantID(), hexHash("access"), models.AccessToken{UserID: due}, nil, f.now)
	require.NoError(t, err)
	require.NoError(t, x.InsertToken(ctx, &access))
	s := models.Session{UserID: due, TokenID: access.ID, CreatedAt: f.now, LastActivityAt: f.now, IsActive: true}
	require.NoError(t, x.InsertSession(ctx, &s))
	_, err = x.UpsertDevice(ctx, models.DeviceFingerprint{UserID: due, FingerprintHash: hexHash("device")}, f.now)
	require.NoError(t, err)
	require.NoError(t, x.InsertBackupCodes(ctx, due, []string{hexHash("code")}, f.now))

	sum := f.r.Deletion(ctx)
	require.Zero(t, sum.Failures)
	require.EqualValues(t, 1, sum.Purged)
	require.Equal(t, 1, sum.Sanitized)

	_, err = x.GetUser(ctx, old)
	require.ErrorIs(t, err, store.ErrNotFound)

	u, err := x.GetUser(ctx, due)
	require.NoError(t, err)
	require.True(t, u.Sanitized())
	require.Nil(t, u.EmailHash)
	require.False(t, u.Is2FAEnabled)

	sessions, err := x.ListUserSessions(ctx, due)
	require.NoError(t, err)
	require.Empty(t, sessions)
	devices, err := x.ListDevices(ctx, due)
	require.NoError(t, err)
	require.Empty(t, devices)
	codes, err := x.ListBackupCodes(ctx, due)
	require.NoError(t, err)
	require.Empty(t, codes)

	events, err := x.ListSecurityEvents(ctx, due)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, models.EventSanitized, events[0].Type)

	u, err = x.GetUser(ctx, recent)
	require.NoError(t, err)
	require.False(t, u.Sanitized())

	// Re-running is a no-op.
	sum = f.r.Deletion(ctx)
	require.Zero(t, sum.Sanitized)
	require.Zero(t, sum.Purged)
}

func TestLockoutCountsFailuresDespiteLaterSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, x := f.tenant(t, "alpha")
	uid := f.user(t, x, "ann@example.com")

	f.fail(t, x, uid, "198.51.100.1", 5, f.now.Add(-3*time.Minute))
	ok := models.LoginAttempt{UserID: &uid, EmailHash: hexHash("attempt"), IPAddress: "198.51.100.1", Success: true, AttemptedAt: f.now.Add(-time.Minute)}
	require.NoError(t, x.InsertLoginAttempt(ctx, &ok))

	sum := f.r.Lockout(ctx)
	require.Equal(t, 1, sum.Locked)
	u, err := x.GetUser(ctx, uid)
	require.NoError(t, err)
	require.True(t, u.IsSuspended)
	require.True(t, u.Locked())
}

func TestLockoutSkipsInactiveTenants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sc, x := f.tenant(t, "alpha")
	uid := f.user(t, x, "ann@example.com")
	f.fail(t, x, uid, "198.51.100.1", 5, f.now.Add(-time.Minute))
	require.NoError(t, f.st.SetTenantActive(ctx, sc.ID(), false, f.now))

	sum := f.r.Lockout(ctx)
	require.Zero(t, sum.Tenants)
	require.Zero(t, sum.Locked)
}

func TestRetentionSweepsCoverInactiveTenants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sc, x := f.tenant(t, "alpha")
	due := f.user(t, x, "due@example.com")
	old := f.user(t, x, "old@example.com")
	kept := f.user(t, x, "kept@example.com")
	require.NoError(t, x.ScheduleDeletion(ctx, due, f.now.Add(-3*24*time.Hour)))
	require.NoError(t, x.ScheduleDeletion(ctx, old, f.now.Add(-91*24*time.Hour)))

	reset, err := models.NewToken(x.TenantID(), hexHash("reset"), models.PasswordReset{UserID: kept}, nil, f.now.Add(-2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, x.InsertToken(ctx, &reset))

	require.NoError(t, f.st.SetTenantActive(ctx, sc.ID(), false, f.now))

	del := f.r.Deletion(ctx)
	require.Zero(t, del.Failures)
	require.Equal(t, 1, del.Tenants)
	require.EqualValues(t, 1, del.Purged)
	require.Equal(t, 1, del.Sanitized)

	_, err = x.GetUser(ctx, old)
	require.ErrorIs(t, err, store.ErrNotFound)
	u, err := x.GetUser(ctx, due)
	require.NoError(t, err)
	require.True(t, u.Sanitized())
	require.False(t, u.Email.Present())

	clean := f.r.Cleanup(ctx)
	require.Zero(t, clean.Failures)
	require.Equal(t, 1, clean.Tenants)
	require.EqualValues(t, 1, clean.Tokens)
	_, err = x.GetToken(ctx, reset.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSchedulerStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	s := NewScheduler(f.r, Intervals{Lockout: 10 * time.Millisecond, Cleanup: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
