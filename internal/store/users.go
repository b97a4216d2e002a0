package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"tenantauth/internal/models"
)

const userColumns = `id,tenant_id,email_ciphertext,email_key_version,email_hash,phone_ciphertext,phone_key_version,phone_hash,` +
	`password_hash,is_email_verified,is_phone_verified,is_2fa_enabled,is_suspended,failed_login_count,` +
	`last_login_at,scheduled_for_deletion_at,account_locked_at,created_at,updated_at`

func scanUser(row interface{ Scan(...any) error }) (models.User, error) {
	var u models.User
	var emailCT, emailHash, phoneCT, phoneHash sql.NullString
	var emailKV, phoneKV sql.NullInt64
	var lastLogin, scheduled, locked sql.NullTime
	err := row.Scan(&u.ID, &u.TenantID, &emailCT, &emailKV, &emailHash, &phoneCT, &phoneKV, &phoneHash,
		&u.PasswordHash, &u.IsEmailVerified, &u.IsPhoneVerified, &u.Is2FAEnabled, &u.IsSuspended, &u.FailedLoginCount,
		&lastLogin, &scheduled, &locked, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, err
	}
	u.Email = ciphertext(emailCT, emailKV)
	u.EmailHash = stringPtr(emailHash)
	u.Phone = ciphertext(phoneCT, phoneKV)
	u.PhoneHash = stringPtr(phoneHash)
	u.LastLoginAt = timePtr(lastLogin)
	u.ScheduledForDeletionAt = timePtr(scheduled)
	u.AccountLockedAt = timePtr(locked)
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

func ciphertext(data sql.NullString, kv sql.NullInt64) *models.Ciphertext {
	if !data.Valid {
		return nil
	}
	return &models.Ciphertext{Data: data.String, KeyVersion: int(kv.Int64)}
}

func ciphertextArgs(c *models.Ciphertext) (any, any) {
	if !c.Present() {
		return nil, nil
	}
	return c.Data, c.KeyVersion
}

// CreateUser inserts u under the scope's tenant. A duplicate email hash in
// the tenant yields ErrConflict.
func (x *Scoped) CreateUser(ctx context.Context, u *models.User, now time.Time) error {
	if err := x.claim(&u.TenantID); err != nil {
		return err
	}
	if (u.EmailHash == nil) != !u.Email.Present() || (u.PhoneHash == nil) != !u.Phone.Present() {
		return errors.New("hash and ciphertext must be set together")
	}
	now = utc(now)
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt, u.UpdatedAt = now, now
	emailCT, emailKV := ciphertextArgs(u.Email)
	phoneCT, phoneKV := ciphertextArgs(u.Phone)
	_, err := x.exec(ctx,
		`INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.TenantID, emailCT, emailKV, nullString(u.EmailHash), phoneCT, phoneKV, nullString(u.PhoneHash),
		u.PasswordHash, u.IsEmailVerified, u.IsPhoneVerified, u.Is2FAEnabled, u.IsSuspended, u.FailedLoginCount,
		nullTime(u.LastLoginAt), nullTime(u.ScheduledForDeletionAt), nullTime(u.AccountLockedAt), u.CreatedAt, u.UpdatedAt,
	)
	return wrapWrite(err)
}

func (x *Scoped) GetUser(ctx context.Context, id string) (models.User, error) {
	return scanUser(x.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=? AND tenant_id=?`, id, x.tenantID))
}

func (x *Scoped) GetUserByEmailHash(ctx context.Context, emailHash string) (models.User, error) {
	return scanUser(x.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email_hash=? AND tenant_id=?`, emailHash, x.tenantID))
}

// CheckUser returns nil when the user belongs to the scope.
func (x *Scoped) CheckUser(ctx context.Context, id string) error {
	return x.checkOwned(ctx, "users", id)
}

func (x *Scoped) UserExistsByEmailHash(ctx context.Context, emailHash string) (bool, error) {
	var n int
	err := x.queryRow(ctx, `SELECT COUNT(1) FROM users WHERE email_hash=? AND tenant_id=?`, emailHash, x.tenantID).Scan(&n)
	return n > 0, err
}

// updateUser runs a by-id UPDATE confined to the scope and explains misses.
func (x *Scoped) updateUser(ctx context.Context, id, set string, args ...any) error {
	args = append(args, id, x.tenantID)
	res, err := x.exec(ctx, `UPDATE users SET `+set+` WHERE id=? AND tenant_id=?`, args...)
	if err != nil {
		return wrapWrite(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return x.missed(ctx, "users", id)
	}
	return nil
}

// RecordLoginSuccess stamps last_login_at and, in the same statement, clears
// any scheduled deletion and the failure counter.
func (x *Scoped) RecordLoginSuccess(ctx context.Context, userID string, now time.Time) error {
	now = utc(now)
	return x.updateUser(ctx, userID,
		`last_login_at=?, scheduled_for_deletion_at=NULL, failed_login_count=0, updated_at=?`, now, now)
}

func (x *Scoped) IncrementFailedLogins(ctx context.Context, userID string, now time.Time) error {
	return x.updateUser(ctx, userID, `failed_login_count=failed_login_count+1, updated_at=?`, utc(now))
}

func (x *Scoped) SetPasswordHash(ctx context.Context, userID, hash string, now time.Time) error {
	return x.updateUser(ctx, userID, `password_hash=?, updated_at=?`, hash, utc(now))
}

func (x *Scoped) SetEmailVerified(ctx context.Context, userID string, verified bool, now time.Time) error {
	return x.updateUser(ctx, userID, `is_email_verified=?, updated_at=?`, verified, utc(now))
}

// ReplaceEmail swaps the email ciphertext and hash together.
func (x *Scoped) ReplaceEmail(ctx context.Context, userID string, email models.Ciphertext, emailHash string, now time.Time) error {
	return x.updateUser(ctx, userID,
		`email_ciphertext=?, email_key_version=?, email_hash=?, is_email_verified=?, updated_at=?`,
		email.Data, email.KeyVersion, emailHash, true, utc(now))
}

func (x *Scoped) Set2FAEnabled(ctx context.Context, userID string, enabled bool, now time.Time) error {
	return x.updateUser(ctx, userID, `is_2fa_enabled=?, updated_at=?`, enabled, utc(now))
}

// SetSuspended applies or lifts a manual suspension. Lifting also clears
// the lockout marker and failure counter.
func (x *Scoped) SetSuspended(ctx context.Context, userID string, suspended bool, now time.Time) error {
	if suspended {
		return x.updateUser(ctx, userID, `is_suspended=?, updated_at=?`, true, utc(now))
	}
	return x.updateUser(ctx, userID,
		`is_suspended=?, account_locked_at=NULL, failed_login_count=0, updated_at=?`, false, utc(now))
}

func (x *Scoped) ScheduleDeletion(ctx context.Context, userID string, at time.Time) error {
	at = utc(at)
	return x.updateUser(ctx, userID, `scheduled_for_deletion_at=?, updated_at=?`, at, at)
}

func (x *Scoped) CancelDeletion(ctx context.Context, userID string, now time.Time) error {
	return x.updateUser(ctx, userID, `scheduled_for_deletion_at=NULL, updated_at=?`, utc(now))
}

func (x *Scoped) DeleteUser(ctx context.Context, userID string) error {
	res, err := x.exec(ctx, `DELETE FROM users WHERE id=? AND tenant_id=?`, userID, x.tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return x.missed(ctx, "users", userID)
	}
	return nil
}

// LockoutCandidates lists unsuspended users with at least threshold failed
// attempts since the window start. Successes in the window do not reset the
// count.
func (x *Scoped) LockoutCandidates(ctx context.Context, since time.Time, threshold int) ([]string, error) {
	rows, err := x.query(ctx, `
SELECT a.user_id
FROM login_attempts a
JOIN users u ON u.id = a.user_id AND u.tenant_id = a.tenant_id
WHERE a.tenant_id = ?
  AND a.success = ?
  AND a.attempted_at >= ?
  AND u.is_suspended = ?
GROUP BY a.user_id
HAVING COUNT(*) >= ?
ORDER BY a.user_id`,
		x.tenantID, false, utc(since), false, threshold,
	)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// LockUser suspends the user unless already suspended. It reports whether
// this call applied the lock.
func (x *Scoped) LockUser(ctx context.Context, userID string, now time.Time) (bool, error) {
	now = utc(now)
	res, err := x.exec(ctx,
		`UPDATE users SET is_suspended=?, account_locked_at=?, updated_at=? WHERE id=? AND tenant_id=? AND is_suspended=?`,
		true, now, now, userID, x.tenantID, false,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UsersDueForSanitization lists users scheduled at or before sanitizeBefore
// but after purgeBefore whose PII is still present.
func (x *Scoped) UsersDueForSanitization(ctx context.Context, sanitizeBefore, purgeBefore time.Time) ([]string, error) {
	rows, err := x.query(ctx, `
SELECT id FROM users
WHERE tenant_id = ?
  AND scheduled_for_deletion_at IS NOT NULL
  AND scheduled_for_deletion_at <= ?
  AND scheduled_for_deletion_at > ?
  AND email_ciphertext IS NOT NULL
ORDER BY id`,
		x.tenantID, utc(sanitizeBefore), utc(purgeBefore),
	)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

// SanitizeUser nulls PII and disables 2FA. It is a no-op returning false if
// the user was already sanitized or its deletion was cancelled meanwhile.
func (x *Scoped) SanitizeUser(ctx context.Context, userID string, now time.Time) (bool, error) {
	res, err := x.exec(ctx, `
UPDATE users SET
  email_ciphertext = NULL, email_key_version = NULL, email_hash = NULL,
  phone_ciphertext = NULL, phone_key_version = NULL, phone_hash = NULL,
  is_email_verified = ?, is_phone_verified = ?, is_2fa_enabled = ?, updated_at = ?
WHERE id = ? AND tenant_id = ?
  AND email_ciphertext IS NOT NULL
  AND scheduled_for_deletion_at IS NOT NULL`,
		false, false, false, utc(now), userID, x.tenantID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// PurgeScheduledUsers hard-deletes users scheduled at or before cutoff.
// Owned rows go with them through foreign keys.
func (x *Scoped) PurgeScheduledUsers(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := x.exec(ctx,
		`DELETE FROM users WHERE tenant_id=? AND scheduled_for_deletion_at IS NOT NULL AND scheduled_for_deletion_at <= ?`,
		x.tenantID, utc(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanIDs(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
