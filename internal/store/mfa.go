package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"tenantauth/internal/models"
)

const totpColumns = `id,tenant_id,user_id,secret_ciphertext,key_version,secret_hash,created_at,confirmed_at`

func scanTOTP(row interface{ Scan(...any) error }) (models.TOTPSecret, error) {
	var s models.TOTPSecret
	var confirmed sql.NullTime
	err := row.Scan(&s.ID, &s.TenantID, &s.UserID, &s.Secret.Data, &s.Secret.KeyVersion, &s.SecretHash, &s.CreatedAt, &confirmed)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TOTPSecret{}, ErrNotFound
	}
	if err != nil {
		return models.TOTPSecret{}, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	s.ConfirmedAt = timePtr(confirmed)
	return s, nil
}

func (x *Scoped) InsertTOTPSecret(ctx context.Context, s *models.TOTPSecret) error {
	if err := x.claim(&s.TenantID); err != nil {
		return err
	}
	if err := x.checkOwned(ctx, "users", s.UserID); err != nil {
		return err
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = utc(s.CreatedAt)
	_, err := x.exec(ctx,
		`INSERT INTO totp_secrets(`+totpColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		s.ID, s.TenantID, s.UserID, s.Secret.Data, s.Secret.KeyVersion, s.SecretHash, s.CreatedAt, nullTime(s.ConfirmedAt),
	)
	return wrapWrite(err)
}

func (x *Scoped) GetTOTPSecret(ctx context.Context, id string) (models.TOTPSecret, error) {
	return scanTOTP(x.queryRow(ctx, `SELECT `+totpColumns+` FROM totp_secrets WHERE id=? AND tenant_id=?`, id, x.tenantID))
}

func (x *Scoped) TOTPSecretForUser(ctx context.Context, userID string) (models.TOTPSecret, error) {
	return scanTOTP(x.queryRow(ctx, `SELECT `+totpColumns+` FROM totp_secrets WHERE user_id=? AND tenant_id=?`, userID, x.tenantID))
}

// ConfirmTOTPSecret sets confirmed_at once. A second confirmation yields
// ErrConflict.
func (x *Scoped) ConfirmTOTPSecret(ctx context.Context, id string, now time.Time) error {
	res, err := x.exec(ctx,
		`UPDATE totp_secrets SET confirmed_at=? WHERE id=? AND tenant_id=? AND confirmed_at IS NULL`,
		utc(now), id, x.tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// The row exists in scope only if it was already confirmed.
	if err := x.checkOwned(ctx, "totp_secrets", id); err != nil {
		return err
	}
	return ErrConflict
}

func (x *Scoped) DeleteTOTPSecrets(ctx context.Context, userID string) (int64, error) {
	res, err := x.exec(ctx, `DELETE FROM totp_secrets WHERE tenant_id=? AND user_id=?`, x.tenantID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (x *Scoped) InsertBackupCodes(ctx context.Context, userID string, hashes []string, now time.Time) error {
	if err := x.checkOwned(ctx, "users", userID); err != nil {
		return err
	}
	now = utc(now)
	for _, h := range hashes {
		_, err := x.exec(ctx,
			`INSERT INTO mfa_backup_codes(id,tenant_id,user_id,code_hash,used,used_at,created_at) VALUES(?,?,?,?,?,?,?)`,
			uuid.NewString(), x.tenantID, userID, h, false, nil, now)
		if err != nil {
			return wrapWrite(err)
		}
	}
	return nil
}

// UseBackupCode marks an unused code as used in a single conditional write.
// A code that was already used yields ErrAlreadyUsed.
func (x *Scoped) UseBackupCode(ctx context.Context, userID, codeHash string, now time.Time) error {
	res, err := x.exec(ctx,
		`UPDATE mfa_backup_codes SET used=?, used_at=? WHERE tenant_id=? AND user_id=? AND code_hash=? AND used=?`,
		true, utc(now), x.tenantID, userID, codeHash, false)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var used bool
	err = x.queryRow(ctx,
		`SELECT used FROM mfa_backup_codes WHERE tenant_id=? AND user_id=? AND code_hash=?`,
		x.tenantID, userID, codeHash).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrAlreadyUsed
}

func (x *Scoped) ListBackupCodes(ctx context.Context, userID string) ([]models.BackupCode, error) {
	rows, err := x.query(ctx,
		`SELECT id,tenant_id,user_id,code_hash,used,used_at,created_at FROM mfa_backup_codes WHERE tenant_id=? AND user_id=? ORDER BY created_at, id`,
		x.tenantID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.BackupCode
	for rows.Next() {
		var c models.BackupCode
		var usedAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.TenantID, &c.UserID, &c.CodeHash, &c.Used, &usedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.UsedAt = timePtr(usedAt)
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (x *Scoped) DeleteBackupCodes(ctx context.Context, userID string) (int64, error) {
	res, err := x.exec(ctx, `DELETE FROM mfa_backup_codes WHERE tenant_id=? AND user_id=?`, x.tenantID, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
