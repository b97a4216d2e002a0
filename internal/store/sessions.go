package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"tenantauth/internal/models"
)

const sessionColumns = `id,tenant_id,user_id,token_id,device_id,ip_address,user_agent,created_at,last_activity_at,is_active`

func scanSession(row interface{ Scan(...any) error }) (models.Session, error) {
	var s models.Session
	var deviceID sql.NullString
	err := row.Scan(&s.ID, &s.TenantID, &s.UserID, &s.TokenID, &deviceID, &s.IPAddress, &s.UserAgent,
		&s.CreatedAt, &s.LastActivityAt, &s.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, ErrNotFound
	}
	if err != nil {
		return models.Session{}, err
	}
	s.DeviceID = stringPtr(deviceID)
	s.CreatedAt = s.CreatedAt.UTC()
	s.LastActivityAt = s.LastActivityAt.UTC()
	return s, nil
}

// checkSessionRefs validates every row a session is about to reference.
func (x *Scoped) checkSessionRefs(ctx context.Context, userID, tokenID string, deviceID *string) error {
	if err := x.checkOwned(ctx, "users", userID); err != nil {
		return err
	}
	tok, err := x.tokenForReference(ctx, tokenID)
	if err != nil {
		return err
	}
	if !tok.SessionCapable() {
		return ErrInvalidSessionToken
	}
	if tok.UserID() != userID {
		return ErrIsolationViolation
	}
	if deviceID != nil {
		var owner string
		err := x.queryRow(ctx, `SELECT user_id FROM device_fingerprints WHERE id=? AND tenant_id=?`, *deviceID, x.tenantID).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return x.missed(ctx, "device_fingerprints", *deviceID)
		}
		if err != nil {
			return err
		}
		if owner != userID {
			return ErrIsolationViolation
		}
	}
	return nil
}

func (x *Scoped) InsertSession(ctx context.Context, s *models.Session) error {
	if err := x.claim(&s.TenantID); err != nil {
		return err
	}
	if err := x.checkSessionRefs(ctx, s.UserID, s.TokenID, s.DeviceID); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = utc(s.CreatedAt)
	s.LastActivityAt = utc(s.LastActivityAt)
	_, err := x.exec(ctx,
		`INSERT INTO sessions(`+sessionColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.UserID, s.TokenID, nullString(s.DeviceID), s.IPAddress, s.UserAgent, s.CreatedAt, s.LastActivityAt, s.IsActive,
	)
	return wrapWrite(err)
}

func (x *Scoped) GetSession(ctx context.Context, id string) (models.Session, error) {
	return scanSession(x.queryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id=? AND tenant_id=?`, id, x.tenantID))
}

// ActiveSessionByToken returns the active session referencing tokenID.
func (x *Scoped) ActiveSessionByToken(ctx context.Context, tokenID string) (models.Session, error) {
	return scanSession(x.queryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_id=? AND tenant_id=? AND is_active=?`,
		tokenID, x.tenantID, true))
}

func (x *Scoped) ListUserSessions(ctx context.Context, userID string) ([]models.Session, error) {
	rows, err := x.query(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE tenant_id=? AND user_id=? ORDER BY created_at, id`,
		x.tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RebindSessionToken points an active session at a new token, applying the
// same reference rules as creation.
func (x *Scoped) RebindSessionToken(ctx context.Context, sessionID, tokenID string, now time.Time) error {
	s, err := x.GetSession(ctx, sessionID)
	if errors.Is(err, ErrNotFound) {
		return x.missed(ctx, "sessions", sessionID)
	}
	if err != nil {
		return err
	}
	if err := x.checkSessionRefs(ctx, s.UserID, tokenID, s.DeviceID); err != nil {
		return err
	}
	res, err := x.exec(ctx,
		`UPDATE sessions SET token_id=?, last_activity_at=? WHERE id=? AND tenant_id=? AND is_active=?`,
		tokenID, utc(now), sessionID, x.tenantID, true)
	if err != nil {
		return wrapWrite(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (x *Scoped) TouchSession(ctx context.Context, id string, now time.Time) error {
	res, err := x.exec(ctx,
		`UPDATE sessions SET last_activity_at=? WHERE id=? AND tenant_id=? AND is_active=?`,
		utc(now), id, x.tenantID, true)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return x.missed(ctx, "sessions", id)
	}
	return nil
}

// DeactivateSession marks the session inactive. The row is kept for audit.
// Deactivating an inactive session is not an error.
func (x *Scoped) DeactivateSession(ctx context.Context, id string) error {
	res, err := x.exec(ctx, `UPDATE sessions SET is_active=? WHERE id=? AND tenant_id=?`, false, id, x.tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return x.missed(ctx, "sessions", id)
	}
	return nil
}

func (x *Scoped) DeactivateUserSessions(ctx context.Context, userID string) (int64, error) {
	res, err := x.exec(ctx,
		`UPDATE sessions SET is_active=? WHERE tenant_id=? AND user_id=? AND is_active=?`,
		false, x.tenantID, userID, true)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (x *Scoped) DeleteUserSessions(ctx context.Context, userID string) (int64, error) {
	res, err := x.exec(ctx, `DELETE FROM sessions WHERE tenant_id=? AND user_id=?`, x.tenantID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredInactiveSessions removes inactive sessions whose token has
// expired.
func (x *Scoped) DeleteExpiredInactiveSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := x.exec(ctx, `
DELETE FROM sessions
WHERE tenant_id = ?
  AND is_active = ?
  AND token_id IN (SELECT id FROM tokens WHERE tenant_id = ? AND expires_at <= ?)`,
		x.tenantID, false, x.tenantID, utc(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
