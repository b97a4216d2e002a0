package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"tenantauth/internal/models"
)

const tokenColumns = `id,tenant_id,user_id,token_hash,kind,subtype,recovery_email_ciphertext,recovery_email_key_version,metadata,created_at,expires_at`

func scanToken(row interface{ Scan(...any) error }) (models.Token, error) {
	var t models.Token
	var tenantID, userID, subtype, recoveryCT, metadata sql.NullString
	var recoveryKV sql.NullInt64
	var kind string
	err := row.Scan(&t.ID, &tenantID, &userID, &t.Hash, &kind, &subtype, &recoveryCT, &recoveryKV, &metadata, &t.CreatedAt, &t.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Token{}, ErrNotFound
	}
	if err != nil {
		return models.Token{}, err
	}
	p, err := models.DecodePayload(models.TokenKind(kind), models.TokenSubtype(subtype.String), userID.String, ciphertext(recoveryCT, recoveryKV))
	if err != nil {
		return models.Token{}, fmt.Errorf("token %s: %w", t.ID, err)
	}
	t.Payload = p
	t.TenantID = tenantID.String
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &t.Metadata); err != nil {
			return models.Token{}, fmt.Errorf("token %s metadata: %w", t.ID, err)
		}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.ExpiresAt = t.ExpiresAt.UTC()
	return t, nil
}

// InsertToken persists a token built by models.NewToken. The referenced user
// must belong to the scope.
func (x *Scoped) InsertToken(ctx context.Context, t *models.Token) error {
	if t.Payload == nil {
		return models.ErrMalformedToken
	}
	if err := x.claim(&t.TenantID); err != nil {
		return err
	}
	if uid := t.UserID(); uid != "" {
		if err := x.checkOwned(ctx, "users", uid); err != nil {
			return err
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	var metadata any
	if len(t.Metadata) > 0 {
		b, err := json.Marshal(t.Metadata)
		if err != nil {
			return err
		}
		metadata = string(b)
	}
	var subtype any
	if st := t.Subtype(); st != models.SubtypeNone {
		subtype = string(st)
	}
	var userID any
	if uid := t.UserID(); uid != "" {
		userID = uid
	}
	var recoveryCT, recoveryKV any
	if p, ok := t.Payload.(models.RecoveryEmailVerification); ok {
		recoveryCT, recoveryKV = p.RecoveryEmail.Data, p.RecoveryEmail.KeyVersion
	}
	_, err := x.exec(ctx,
		`INSERT INTO tokens(`+tokenColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TenantID, userID, t.Hash, string(t.Kind()), subtype, recoveryCT, recoveryKV, metadata, utc(t.CreatedAt), utc(t.ExpiresAt),
	)
	return wrapWrite(err)
}

// TokenByHash returns the scope's token with the given secret hash,
// expired or not.
func (x *Scoped) TokenByHash(ctx context.Context, hash string) (models.Token, error) {
	return scanToken(x.queryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE token_hash=? AND tenant_id=?`, hash, x.tenantID))
}

func (x *Scoped) GetToken(ctx context.Context, id string) (models.Token, error) {
	return scanToken(x.queryRow(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id=? AND tenant_id=?`, id, x.tenantID))
}

func (x *Scoped) ListUserTokens(ctx context.Context, userID string, kind models.TokenKind) ([]models.Token, error) {
	rows, err := x.query(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE tenant_id=? AND user_id=? AND kind=? ORDER BY created_at, id`,
		x.tenantID, userID, string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteToken revokes a token. Sessions and pending users referencing it
// are removed by cascade.
func (x *Scoped) DeleteToken(ctx context.Context, id string) error {
	res, err := x.exec(ctx, `DELETE FROM tokens WHERE id=? AND tenant_id=?`, id, x.tenantID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return x.missed(ctx, "tokens", id)
	}
	return nil
}

func (x *Scoped) DeleteUserTokens(ctx context.Context, userID string, kinds ...models.TokenKind) (int64, error) {
	if len(kinds) == 0 {
		return 0, nil
	}
	args := []any{x.tenantID, userID}
	for _, k := range kinds {
		args = append(args, string(k))
	}
	res, err := x.exec(ctx,
		`DELETE FROM tokens WHERE tenant_id=? AND user_id=? AND kind IN (`+placeholders(len(kinds))+`)`,
		args...,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteExpiredTokens removes tokens of kind whose expiry is at or before now.
func (x *Scoped) DeleteExpiredTokens(ctx context.Context, kind models.TokenKind, now time.Time) (int64, error) {
	res, err := x.exec(ctx,
		`DELETE FROM tokens WHERE tenant_id=? AND kind=? AND expires_at <= ?`,
		x.tenantID, string(kind), utc(now),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
