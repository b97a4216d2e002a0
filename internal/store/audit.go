package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"tenantauth/internal/models"
)

// InsertLoginAttempt appends an attempt row. Attempts are never updated.
func (x *Scoped) InsertLoginAttempt(ctx context.Context, a *models.LoginAttempt) error {
	if err := x.claim(&a.TenantID); err != nil {
		return err
	}
	if a.UserID != nil {
		if err := x.checkOwned(ctx, "users", *a.UserID); err != nil {
			return err
		}
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.AttemptedAt = utc(a.AttemptedAt)
	_, err := x.exec(ctx,
		`INSERT INTO login_attempts(id,tenant_id,user_id,email_hash,ip_address,user_agent,success,attempted_at) VALUES(?,?,?,?,?,?,?,?)`,
		a.ID, a.TenantID, nullString(a.UserID), a.EmailHash, a.IPAddress, a.UserAgent, a.Success, a.AttemptedAt,
	)
	return err
}

func (x *Scoped) CountFailedAttempts(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := x.queryRow(ctx,
		`SELECT COUNT(1) FROM login_attempts WHERE tenant_id=? AND user_id=? AND success=? AND attempted_at >= ?`,
		x.tenantID, userID, false, utc(since)).Scan(&n)
	return n, err
}

// InsertSecurityEvent appends an audit event. Events are never updated.
func (x *Scoped) InsertSecurityEvent(ctx context.Context, e *models.SecurityEvent) error {
	if err := x.claim(&e.TenantID); err != nil {
		return err
	}
	if e.UserID != nil {
		if err := x.checkOwned(ctx, "users", *e.UserID); err != nil {
			return err
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	var metadata any
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return err
		}
		metadata = string(b)
	}
	e.OccurredAt = utc(e.OccurredAt)
	_, err := x.exec(ctx,
		`INSERT INTO security_events(id,tenant_id,user_id,event_type,metadata,occurred_at) VALUES(?,?,?,?,?,?)`,
		e.ID, e.TenantID, nullString(e.UserID), string(e.Type), metadata, e.OccurredAt,
	)
	return err
}

func (x *Scoped) ListSecurityEvents(ctx context.Context, userID string) ([]models.SecurityEvent, error) {
	rows, err := x.query(ctx,
		`SELECT id,tenant_id,user_id,event_type,metadata,occurred_at FROM security_events WHERE tenant_id=? AND user_id=? ORDER BY occurred_at, id`,
		x.tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.SecurityEvent
	for rows.Next() {
		var e models.SecurityEvent
		var uid, metadata sql.NullString
		var typ string
		if err := rows.Scan(&e.ID, &e.TenantID, &uid, &typ, &metadata, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.UserID = stringPtr(uid)
		e.Type = models.SecurityEventType(typ)
		e.OccurredAt = e.OccurredAt.UTC()
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
