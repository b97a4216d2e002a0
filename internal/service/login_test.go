package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tenantauth/internal/models"
)

func TestLogin(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sc := h.tenant(t, "alpha")
	uid := h.user(t, sc, "ann@example.com", "correct horse")
	x := h.scoped(t, sc)

	req := func(pw string) LoginRequest {
		_, a := h.secret()
		_, r := h.secret()
		return LoginRequest{EmailHash: emailHash("ann@example.com"), Password: pw, IP: "198.51.100.4", UserAgent: "ua", AccessHash: a, RefreshHash: r}
	}

	_, err := h.svc.Login(ctx, sc, req("wrong"))
	require.ErrorIs(t, err, ErrInvalidCredentials)
	u, err := x.GetUser(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, 1, u.FailedLoginCount)

	unknown := req("whatever")
	unknown.EmailHash = emailHash("nobody@example.com")
	_, err = h.svc.Login(ctx, sc, unknown)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := h.svc.Login(ctx, sc, req("correct horse"))
	require.NoError(t, err)
	require.Equal(t, uid, res.UserID)
	require.NotNil(t, res.Session)
	require.Nil(t, res.Challenge)

	u, err = x.GetUser(ctx, uid)
	require.NoError(t, err)
	require.Zero(t, u.FailedLoginCount)
	require.NotNil(t, u.LastLoginAt)

	n, err := x.CountFailedAttempts(ctx, uid, h.now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestLoginRefusals(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sc := h.tenant(t, "alpha")
	uid := h.user(t, sc, "ann@example.com", "pw")
	_, a := h.secret()
	_, r := h.secret()
	req := LoginRequest{EmailHash: emailHash("ann@example.com"), Password: "pw", IP: "203.0.113.5", AccessHash: a, RefreshHash: r}

	require.NoError(t, h.st.BlockIP(ctx, models.IPBlock{IPAddress: "203.0.113.5", Reason: "auto", BlockedAt: h.now, ExpiresAt: h.now.Add(time.Hour)}))
	_, err := h.svc.Login(ctx, sc, req)
	require.ErrorIs(t, err, ErrIPBlocked)

	req.IP = "198.51.100.5"
	require.NoError(t, h.svc.SetSuspended(ctx, sc, uid, true))
	_, err = h.svc.Login(ctx, sc, req)
	require.ErrorIs(t, err, ErrSuspended)

	require.NoError(t, h.svc.SetSuspended(ctx, sc, uid, false))
	_, err = h.scoped(t, sc).LockUser(ctx, uid, h.now)
	require.NoError(t, err)
	_, err = h.svc.Login(ctx, sc, req)
	require.ErrorIs(t, err, ErrLocked)
}

func TestLoginWith2FAIssuesChallenge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sc := h.tenant(t, "alpha")
	uid := h.user(t, sc, "ann@example.com", "pw")
	sec, err := h.svc.EnrollTOTP(ctx, sc, uid, models.Ciphertext{Data: "ct:totp", KeyVersion: 2}, emailHash("totp"))
	require.NoError(t, err)
	_, err = h.svc.ConfirmTOTP(ctx, sc, sec.ID)
	require.NoError(t, err)

	challenge, challengeHash := h.secret()
	res, err := h.svc.Login(ctx, sc, LoginRequest{EmailHash: emailHash("ann@example.com"), Password: "pw", ChallengeHash: challengeHash})
	require.NoError(t, err)
	require.Nil(t, res.Session)
	require.NotNil(t, res.Challenge)
	require.Equal(t, 5*time.Minute, res.Challenge.TTL)

	state, err := h.svc.ResolveChallenge(ctx, sc, challenge)
	require.NoError(t, err)
	require.Equal(t, uid, state.UserID)
	require.Equal(t, "ct:totp", state.Secret.Secret.Data)
	require.Equal(t, 2, state.Secret.Secret.KeyVersion)

	access, a := h.secret()
	_, r := h.secret()
	grant, err := h.svc.CompleteChallenge(ctx, sc, challenge, SessionRequest{AccessHash: a, RefreshHash: r})
	require.NoError(t, err)
	require.Equal(t, uid, grant.UserID)

	id, err := h.svc.Authenticate(ctx, sc, access)
	require.NoError(t, err)
	require.Equal(t, grant.SessionID, id.SessionID)

	// The challenge is consumed.
	_, err = h.svc.ResolveChallenge(ctx, sc, challenge)
	require.ErrorIs(t, err, ErrInvalidToken)
	_, err = h.svc.CompleteChallenge(ctx, sc, challenge, SessionRequest{AccessHash: a, RefreshHash: r})
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestChallengeExpires(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sc := h.tenant(t, "alpha")
	uid := h.user(t, sc, "ann@example.com", "pw")
	challenge, challengeHash := h.secret()
	_, err := h.svc.CreateChallengeSession(ctx, sc, uid, challengeHash, "", "")
	require.NoError(t, err)

	h.advance(5 * time.Minute)
	_, a := h.secret()
	_, r := h.secret()
	_, err = h.svc.CompleteChallenge(ctx, sc, challenge, SessionRequest{AccessHash: a, RefreshHash: r})
	require.ErrorIs(t, err, ErrTokenExpired)
}

func TestLoginCancelsScheduledDeletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sc := h.tenant(t, "alpha")
	uid := h.user(t, sc, "ann@example.com", "pw")

	_, err := h.svc.ScheduleDeletion(ctx, sc, uid)
	require.NoError(t, err)
	u, err := h.svc.GetUser(ctx, sc, uid)
	require.NoError(t, err)
	require.NotNil(t, u.ScheduledForDeletionAt)

	h.advance(24 * time.Hour)
	_, a := h.secret()
	_, r := h.secret()
	_, err = h.svc.Login(ctx, sc, LoginRequest{EmailHash: emailHash("ann@example.com"), Password: "pw", AccessHash: a, RefreshHash: r})
	require.NoError(t, err)

	u, err = h.svc.GetUser(ctx, sc, uid)
	require.NoError(t, err)
	require.Nil(t, u.ScheduledForDeletionAt)
	require.True(t, u.LastLoginAt.Equal(h.now))
}

func TestCancelDeletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sc := h.tenant(t, "alpha")
	uid := h.user(t, sc, "ann@example.com", "pw")

	_, err := h.svc.ScheduleDeletion(ctx, sc, uid)
	require.NoError(t, err)
	h.advance(time.Minute)
	require.NoError(t, h.svc.CancelDeletion(ctx, sc, uid))

	events, err := h.svc.SecurityEvents(ctx, sc, uid)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, models.EventDeletionScheduled, events[0].Type)
	require.Equal(t, models.EventDeletionCancelled, events[1].Type)
}

func TestSecondFactorLoginIsRecordedOnCompletion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	sc := h.tenant(t, "alpha")
	uid := h.user(t, sc, "ann@example.com", "pw")
	h.enable2FA(t, sc, uid)
	_, err := h.svc.ScheduleDeletion(ctx, sc, uid)
	require.NoError(t, err)

	h.advance(time.Hour)
	challenge, challengeHash := h.secret()
	res, err := h.svc.Login(ctx, sc, LoginRequest{EmailHash: emailHash("ann@example.com"), Password: "pw", ChallengeHash: challengeHash})
	require.NoError(t, err)
	require.NotNil(t, res.Challenge)

	u, err := h.svc.GetUser(ctx, sc, uid)
	require.NoError(t, err)
	require.Nil(t, u.LastLoginAt)
	require.NotNil(t, u.ScheduledForDeletionAt)

	h.advance(time.Minute)
	_, a := h.secret()
	_, r := h.secret()
	_, err = h.svc.CompleteChallenge(ctx, sc, challenge, SessionRequest{AccessHash: a, RefreshHash: r})
	require.NoError(t, err)

	u, err = h.svc.GetUser(ctx, sc, uid)
	require.NoError(t, err)
	require.Nil(t, u.ScheduledForDeletionAt)
	require.NotNil(t, u.LastLoginAt)
	require.True(t, u.LastLoginAt.Equal(h.now))
}
