package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"tenantauth/internal/models"
)

const deviceColumns = `id,tenant_id,user_id,fingerprint_hash,label,user_agent,last_seen_at,created_at`

func scanDevice(row interface{ Scan(...any) error }) (models.DeviceFingerprint, error) {
	var d models.DeviceFingerprint
	err := row.Scan(&d.ID, &d.TenantID, &d.UserID, &d.FingerprintHash, &d.Label, &d.UserAgent, &d.LastSeenAt, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DeviceFingerprint{}, ErrNotFound
	}
	if err != nil {
		return models.DeviceFingerprint{}, err
	}
	d.LastSeenAt = d.LastSeenAt.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

// UpsertDevice records a device for the user, refreshing last_seen_at and
// user agent when the fingerprint is already known. It returns the stored row.
func (x *Scoped) UpsertDevice(ctx context.Context, d models.DeviceFingerprint, now time.Time) (models.DeviceFingerprint, error) {
	if err := x.claim(&d.TenantID); err != nil {
		return models.DeviceFingerprint{}, err
	}
	if err := x.checkOwned(ctx, "users", d.UserID); err != nil {
		return models.DeviceFingerprint{}, err
	}
	now = utc(now)
	_, err := x.exec(ctx,
		`INSERT INTO device_fingerprints(`+deviceColumns+`) VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id, fingerprint_hash) DO UPDATE SET
		   last_seen_at=excluded.last_seen_at,
		   user_agent=excluded.user_agent,
		   label=CASE WHEN excluded.label <> '' THEN excluded.label ELSE device_fingerprints.label END`,
		uuid.NewString(), d.TenantID, d.UserID, d.FingerprintHash, d.Label, d.UserAgent, now, now,
	)
	if err != nil {
		return models.DeviceFingerprint{}, wrapWrite(err)
	}
	return scanDevice(x.queryRow(ctx,
		`SELECT `+deviceColumns+` FROM device_fingerprints WHERE tenant_id=? AND user_id=? AND fingerprint_hash=?`,
		x.tenantID, d.UserID, d.FingerprintHash))
}

func (x *Scoped) ListDevices(ctx context.Context, userID string) ([]models.DeviceFingerprint, error) {
	rows, err := x.query(ctx,
		`SELECT `+deviceColumns+` FROM device_fingerprints WHERE tenant_id=? AND user_id=? ORDER BY last_seen_at DESC, id`,
		x.tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DeviceFingerprint
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (x *Scoped) DeleteUserDevices(ctx context.Context, userID string) (int64, error) {
	res, err := x.exec(ctx, `DELETE FROM device_fingerprints WHERE tenant_id=? AND user_id=?`, x.tenantID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
