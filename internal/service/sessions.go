package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"tenantauth/internal/models"
	"tenantauth/internal/store"
	"tenantauth/internal/tenant"
)

type DeviceInfo struct {
	FingerprintHash string
	Label           string
}

type SessionRequest struct {
	UserID      string
	AccessHash  string
	RefreshHash string
	IP          string
	UserAgent   string
	Device      *DeviceInfo
}

type SessionGrant struct {
	SessionID        string
	UserID           string
	DeviceID         string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
	AccessTTL        time.Duration
	RefreshTTL       time.Duration
}

type ChallengeGrant struct {
	SessionID string
	UserID    string
	ExpiresAt time.Time
	TTL       time.Duration
}

// Identity is what an access token resolves to.
type Identity struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
}

// CreateSession issues an access and a refresh token and one session bound
// to the access token, optionally linked to an upserted device. Nothing is
// left behind on failure.
func (s *Service) CreateSession(ctx context.Context, sc tenant.Scope, req SessionRequest) (SessionGrant, error) {
	if err := validHashes(req.AccessHash, req.RefreshHash); err != nil {
		return SessionGrant{}, err
	}
	now := s.clock()
	var grant SessionGrant
	err := s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		u, err := x.GetUser(ctx, req.UserID)
		if err != nil {
			return err
		}
		if err := checkStanding(u); err != nil {
			return err
		}
		grant, err = createSession(ctx, x, req, now)
		return err
	})
	if err != nil {
		return SessionGrant{}, asConflict(err)
	}
	return grant, nil
}

// createSession runs inside the caller's transaction. The refresh token
// carries the session id so that refresh can find the pair.
func createSession(ctx context.Context, x *store.Scoped, req SessionRequest, now time.Time) (SessionGrant, error) {
	sessionID := uuid.NewString()
	access, err := models.NewToken(x.TenantID(), req.AccessHash, models.AccessToken{UserID: req.UserID}, nil, now)
	if err != nil {
		return SessionGrant{}, err
	}
	if err := x.InsertToken(ctx, &access); err != nil {
		return SessionGrant{}, err
	}
	refresh, err := models.NewToken(x.TenantID(), req.RefreshHash, models.RefreshToken{UserID: req.UserID},
		map[string]string{"session_id": sessionID}, now)
	if err != nil {
		return SessionGrant{}, err
	}
	if err := x.InsertToken(ctx, &refresh); err != nil {
		return SessionGrant{}, err
	}

	sess := models.Session{
		ID:             sessionID,
		UserID:         req.UserID,
		TokenID:        access.ID,
		IPAddress:      req.IP,
		UserAgent:      req.UserAgent,
		CreatedAt:      now,
		LastActivityAt: now,
		IsActive:       true,
	}
	if req.Device != nil {
		if err := validHashes(req.Device.FingerprintHash); err != nil {
			return SessionGrant{}, err
		}
		d, err := x.UpsertDevice(ctx, models.DeviceFingerprint{
			UserID:          req.UserID,
			FingerprintHash: req.Device.FingerprintHash,
			Label:           req.Device.Label,
			UserAgent:       req.UserAgent,
		}, now)
		if err != nil {
			return SessionGrant{}, err
		}
		sess.DeviceID = &d.ID
	}
	if err := x.InsertSession(ctx, &sess); err != nil {
		return SessionGrant{}, err
	}

	g := SessionGrant{
		SessionID:        sess.ID,
		UserID:           req.UserID,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
		AccessTTL:        access.ExpiresAt.Sub(access.CreatedAt),
		RefreshTTL:       refresh.ExpiresAt.Sub(refresh.CreatedAt),
	}
	if sess.DeviceID != nil {
		g.DeviceID = *sess.DeviceID
	}
	return g, nil
}

// CreateChallengeSession bridges a first-factor success to the second factor
// with a single mfa_challenge token and a session bound to it.
func (s *Service) CreateChallengeSession(ctx context.Context, sc tenant.Scope, userID, challengeHash, ip, ua string) (ChallengeGrant, error) {
	if err := validHashes(challengeHash); err != nil {
		return ChallengeGrant{}, err
	}
	now := s.clock()
	var grant ChallengeGrant
	err := s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		var err error
		grant, err = createChallenge(ctx, x, userID, challengeHash, ip, ua, now)
		return err
	})
	if err != nil {
		return ChallengeGrant{}, asConflict(err)
	}
	return grant, nil
}

func createChallenge(ctx context.Context, x *store.Scoped, userID, challengeHash, ip, ua string, now time.Time) (ChallengeGrant, error) {
	tok, err := models.NewToken(x.TenantID(), challengeHash, models.MFAChallenge{UserID: userID}, nil, now)
	if err != nil {
		return ChallengeGrant{}, err
	}
	if err := x.InsertToken(ctx, &tok); err != nil {
		return ChallengeGrant{}, err
	}
	sess := models.Session{
		UserID:         userID,
		TokenID:        tok.ID,
		IPAddress:      ip,
		UserAgent:      ua,
		CreatedAt:      now,
		LastActivityAt: now,
		IsActive:       true,
	}
	if err := x.InsertSession(ctx, &sess); err != nil {
		return ChallengeGrant{}, err
	}
	return ChallengeGrant{
		SessionID: sess.ID,
		UserID:    userID,
		ExpiresAt: tok.ExpiresAt,
		TTL:       tok.ExpiresAt.Sub(tok.CreatedAt),
	}, nil
}

// Invalidate deactivates a session. The row stays until its user is
// sanitized or deleted.
func (s *Service) Invalidate(ctx context.Context, sc tenant.Scope, sessionID string) error {
	x, err := s.scoped(sc)
	if err != nil {
		return err
	}
	return x.DeactivateSession(ctx, sessionID)
}

func (s *Service) InvalidateAll(ctx context.Context, sc tenant.Scope, userID string) (int64, error) {
	x, err := s.scoped(sc)
	if err != nil {
		return 0, err
	}
	if err := x.CheckUser(ctx, userID); err != nil {
		return 0, err
	}
	return x.DeactivateUserSessions(ctx, userID)
}

func (s *Service) ListSessions(ctx context.Context, sc tenant.Scope, userID string) ([]models.Session, error) {
	x, err := s.scoped(sc)
	if err != nil {
		return nil, err
	}
	if err := x.CheckUser(ctx, userID); err != nil {
		return nil, err
	}
	return x.ListUserSessions(ctx, userID)
}

// Authenticate resolves an access secret to the user and active session it
// belongs to and records activity on the session.
func (s *Service) Authenticate(ctx context.Context, sc tenant.Scope, accessSecret string) (Identity, error) {
	x, err := s.scoped(sc)
	if err != nil {
		return Identity{}, err
	}
	now := s.clock()
	tok, err := lookupKind(ctx, x, s.hasher.Hash(accessSecret), models.KindSession, models.SubtypeAccess, now)
	if err != nil {
		return Identity{}, err
	}
	sess, err := x.ActiveSessionByToken(ctx, tok.ID)
	if errors.Is(err, store.ErrNotFound) {
		return Identity{}, ErrInvalidToken
	}
	if err != nil {
		return Identity{}, err
	}
	u, err := x.GetUser(ctx, sess.UserID)
	if err != nil {
		return Identity{}, err
	}
	if err := checkStanding(u); err != nil {
		return Identity{}, err
	}
	if err := x.TouchSession(ctx, sess.ID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		return Identity{}, err
	}
	return Identity{UserID: u.ID, SessionID: sess.ID, ExpiresAt: tok.ExpiresAt}, nil
}

// Refresh rotates the token pair of an active session: new access and
// refresh tokens are issued, the session is rebound, and the old pair is
// deleted.
func (s *Service) Refresh(ctx context.Context, sc tenant.Scope, refreshSecret, accessHash, refreshHash string) (SessionGrant, error) {
	if err := validHashes(accessHash, refreshHash); err != nil {
		return SessionGrant{}, err
	}
	now := s.clock()
	var grant SessionGrant
	err := s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		old, err := lookupKind(ctx, x, s.hasher.Hash(refreshSecret), models.KindSession, models.SubtypeRefresh, now)
		if err != nil {
			return err
		}
		sess, err := x.GetSession(ctx, old.Metadata["session_id"])
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}
		if err != nil {
			return err
		}
		if !sess.IsActive || sess.UserID != old.UserID() {
			return ErrInvalidToken
		}
		u, err := x.GetUser(ctx, sess.UserID)
		if err != nil {
			return err
		}
		if err := checkStanding(u); err != nil {
			return err
		}

		access, err := models.NewToken(x.TenantID(), accessHash, models.AccessToken{UserID: u.ID}, nil, now)
		if err != nil {
			return err
		}
		if err := x.InsertToken(ctx, &access); err != nil {
			return err
		}
		refresh, err := models.NewToken(x.TenantID(), refreshHash, models.RefreshToken{UserID: u.ID},
			map[string]string{"session_id": sess.ID}, now)
		if err != nil {
			return err
		}
		if err := x.InsertToken(ctx, &refresh); err != nil {
			return err
		}
		prevAccess := sess.TokenID
		if err := x.RebindSessionToken(ctx, sess.ID, access.ID, now); err != nil {
			return err
		}
		if err := x.DeleteToken(ctx, prevAccess); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := x.DeleteToken(ctx, old.ID); err != nil {
			return err
		}
		grant = SessionGrant{
			SessionID:        sess.ID,
			UserID:           u.ID,
			AccessExpiresAt:  access.ExpiresAt,
			RefreshExpiresAt: refresh.ExpiresAt,
			AccessTTL:        access.ExpiresAt.Sub(access.CreatedAt),
			RefreshTTL:       refresh.ExpiresAt.Sub(refresh.CreatedAt),
		}
		if sess.DeviceID != nil {
			grant.DeviceID = *sess.DeviceID
		}
		return nil
	})
	if err != nil {
		return SessionGrant{}, asConflict(err)
	}
	return grant, nil
}

// ChallengeState is what a tenant backend needs to verify a second factor:
// the user and the encrypted TOTP secret.
type ChallengeState struct {
	UserID    string
	SessionID string
	Secret    models.TOTPSecret
	ExpiresAt time.Time
}

// ResolveChallenge looks up a live challenge without consuming it.
func (s *Service) ResolveChallenge(ctx context.Context, sc tenant.Scope, challengeSecret string) (ChallengeState, error) {
	x, err := s.scoped(sc)
	if err != nil {
		return ChallengeState{}, err
	}
	tok, sess, err := activeChallenge(ctx, x, s.hasher.Hash(challengeSecret), s.clock())
	if err != nil {
		return ChallengeState{}, err
	}
	sec, err := x.TOTPSecretForUser(ctx, tok.UserID())
	if errors.Is(err, store.ErrNotFound) || (err == nil && !sec.Confirmed()) {
		return ChallengeState{}, ErrInvalidToken
	}
	if err != nil {
		return ChallengeState{}, err
	}
	return ChallengeState{UserID: tok.UserID(), SessionID: sess.ID, Secret: sec, ExpiresAt: tok.ExpiresAt}, nil
}

func activeChallenge(ctx context.Context, x *store.Scoped, hash string, now time.Time) (models.Token, models.Session, error) {
	tok, err := lookupKind(ctx, x, hash, models.KindMFAChallenge, models.SubtypeMFAChallenge, now)
	if err != nil {
		return models.Token{}, models.Session{}, err
	}
	sess, err := x.ActiveSessionByToken(ctx, tok.ID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Token{}, models.Session{}, ErrInvalidToken
	}
	if err != nil {
		return models.Token{}, models.Session{}, err
	}
	return tok, sess, nil
}

// CompleteChallenge consumes a challenge after the caller verified the
// second factor and grants a full session in the same transaction.
func (s *Service) CompleteChallenge(ctx context.Context, sc tenant.Scope, challengeSecret string, req SessionRequest) (SessionGrant, error) {
	return s.completeChallenge(ctx, sc, challengeSecret, req, nil)
}

// CompleteChallengeWithBackupCode redeems a backup code of the challenged
// user and grants the session in one transaction. The code is spent only if
// the session is issued.
func (s *Service) CompleteChallengeWithBackupCode(ctx context.Context, sc tenant.Scope, challengeSecret, code string, req SessionRequest) (SessionGrant, error) {
	codeHash := s.hasher.Hash(NormalizeBackupCode(code))
	return s.completeChallenge(ctx, sc, challengeSecret, req, func(x *store.Scoped, userID string, now time.Time) error {
		return backupCodeErr(x.UseBackupCode(ctx, userID, codeHash, now))
	})
}

func (s *Service) completeChallenge(ctx context.Context, sc tenant.Scope, challengeSecret string, req SessionRequest,
	secondFactor func(x *store.Scoped, userID string, now time.Time) error) (SessionGrant, error) {
	if err := validHashes(req.AccessHash, req.RefreshHash); err != nil {
		return SessionGrant{}, err
	}
	now := s.clock()
	var grant SessionGrant
	err := s.st.InTx(ctx, sc, func(x *store.Scoped) error {
		tok, sess, err := activeChallenge(ctx, x, s.hasher.Hash(challengeSecret), now)
		if err != nil {
			return err
		}
		u, err := x.GetUser(ctx, tok.UserID())
		if err != nil {
			return err
		}
		if err := checkStanding(u); err != nil {
			return err
		}
		if secondFactor != nil {
			if err := secondFactor(x, u.ID, now); err != nil {
				return err
			}
		}
		if err := x.DeleteToken(ctx, tok.ID); err != nil {
			return err
		}
		if err := x.RecordLoginSuccess(ctx, u.ID, now); err != nil {
			return err
		}
		req.UserID = u.ID
		if req.IP == "" {
			req.IP = sess.IPAddress
		}
		if req.UserAgent == "" {
			req.UserAgent = sess.UserAgent
		}
		grant, err = createSession(ctx, x, req, now)
		return err
	})
	if err != nil {
		return SessionGrant{}, asConflict(err)
	}
	return grant, nil
}
