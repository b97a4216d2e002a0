package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"tenantauth/internal/models"
)

const pendingColumns = `id,tenant_id,token_id,email_ciphertext,email_key_version,email_hash,ip_address,user_agent,created_at,expires_at`

func scanPending(row interface{ Scan(...any) error }) (models.PendingUser, error) {
	var p models.PendingUser
	err := row.Scan(&p.ID, &p.TenantID, &p.TokenID, &p.Email.Data, &p.Email.KeyVersion, &p.EmailHash,
		&p.IPAddress, &p.UserAgent, &p.CreatedAt, &p.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PendingUser{}, ErrNotFound
	}
	if err != nil {
		return models.PendingUser{}, err
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.ExpiresAt = p.ExpiresAt.UTC()
	return p, nil
}

// InsertPendingUser requires p.TokenID to be an email_verification token of
// the same tenant.
func (x *Scoped) InsertPendingUser(ctx context.Context, p *models.PendingUser) error {
	if err := x.claim(&p.TenantID); err != nil {
		return err
	}
	tok, err := x.tokenForReference(ctx, p.TokenID)
	if err != nil {
		return err
	}
	if tok.Kind() != models.KindEmailVerification {
		return models.ErrMalformedToken
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = utc(p.CreatedAt)
	p.ExpiresAt = utc(p.ExpiresAt)
	_, err = x.exec(ctx,
		`INSERT INTO pending_users(`+pendingColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.TenantID, p.TokenID, p.Email.Data, p.Email.KeyVersion, p.EmailHash, p.IPAddress, p.UserAgent, p.CreatedAt, p.ExpiresAt,
	)
	return wrapWrite(err)
}

func (x *Scoped) PendingUserByToken(ctx context.Context, tokenID string) (models.PendingUser, error) {
	return scanPending(x.queryRow(ctx, `SELECT `+pendingColumns+` FROM pending_users WHERE token_id=? AND tenant_id=?`, tokenID, x.tenantID))
}

func (x *Scoped) PendingUserByEmailHash(ctx context.Context, emailHash string) (models.PendingUser, error) {
	return scanPending(x.queryRow(ctx, `SELECT `+pendingColumns+` FROM pending_users WHERE email_hash=? AND tenant_id=?`, emailHash, x.tenantID))
}

func (x *Scoped) DeletePendingUser(ctx context.Context, id string) error {
	res, err := x.exec(ctx, `DELETE FROM pending_users WHERE id=? AND tenant_id=?`, id, x.tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return x.missed(ctx, "pending_users", id)
	}
	return nil
}

// DeleteExpiredPending deletes the verification tokens of expired pending
// users; the pending rows cascade.
func (x *Scoped) DeleteExpiredPending(ctx context.Context, now time.Time) (int64, error) {
	now = utc(now)
	res, err := x.exec(ctx, `
DELETE FROM tokens
WHERE tenant_id = ?
  AND id IN (SELECT token_id FROM pending_users WHERE tenant_id = ? AND expires_at <= ?)`,
		x.tenantID, x.tenantID, now,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (x *Scoped) CountPendingUsers(ctx context.Context) (int, error) {
	var n int
	err := x.queryRow(ctx, `SELECT COUNT(1) FROM pending_users WHERE tenant_id=?`, x.tenantID).Scan(&n)
	return n, err
}

// tokenForReference loads a token that a new row is about to reference,
// failing closed when it belongs to another tenant.
func (x *Scoped) tokenForReference(ctx context.Context, tokenID string) (models.Token, error) {
	if err := x.checkOwned(ctx, "tokens", tokenID); err != nil {
		return models.Token{}, err
	}
	return x.GetToken(ctx, tokenID)
}
