package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"tenantauth/internal/models"
)

const tenantColumns = `id,slug,name,description,api_key_hash,is_active,rate_limit_per_minute,created_at,updated_at`

func scanTenant(row interface{ Scan(...any) error }) (models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Slug, &t.Name, &t.Description, &t.APIKeyHash, &t.IsActive, &t.RateLimitPerMinute, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Tenant{}, ErrNotFound
	}
	if err != nil {
		return models.Tenant{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func (s *Store) CreateTenant(ctx context.Context, t *models.Tenant, now time.Time) error {
	now = utc(now)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.exec(ctx,
		`INSERT INTO tenants(`+tenantColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Slug, t.Name, t.Description, t.APIKeyHash, t.IsActive, t.RateLimitPerMinute, t.CreatedAt, t.UpdatedAt,
	)
	return wrapWrite(err)
}

func (s *Store) GetTenant(ctx context.Context, id string) (models.Tenant, error) {
	return scanTenant(s.queryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id=?`, id))
}

// FindTenantByAPIKeyHash satisfies tenant.Lookup.
func (s *Store) FindTenantByAPIKeyHash(ctx context.Context, hash string) (models.Tenant, bool, error) {
	t, err := scanTenant(s.queryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE api_key_hash=?`, hash))
	if errors.Is(err, ErrNotFound) {
		return models.Tenant{}, false, nil
	}
	if err != nil {
		return models.Tenant{}, false, err
	}
	return t, true, nil
}

func (s *Store) ListTenants(ctx context.Context, activeOnly bool) ([]models.Tenant, error) {
	q := `SELECT ` + tenantColumns + ` FROM tenants`
	var args []any
	if activeOnly {
		q += ` WHERE is_active=?`
		args = append(args, true)
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) UpdateTenant(ctx context.Context, id, name, description string, rateLimit int, now time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE tenants SET name=?, description=?, rate_limit_per_minute=?, updated_at=? WHERE id=?`,
		name, description, rateLimit, utc(now), id,
	)
	return oneRow(res, err)
}

func (s *Store) SetTenantAPIKeyHash(ctx context.Context, id, hash string, now time.Time) error {
	res, err := s.exec(ctx, `UPDATE tenants SET api_key_hash=?, updated_at=? WHERE id=?`, hash, utc(now), id)
	return oneRow(res, wrapWrite(err))
}

func (s *Store) SetTenantActive(ctx context.Context, id string, active bool, now time.Time) error {
	res, err := s.exec(ctx, `UPDATE tenants SET is_active=?, updated_at=? WHERE id=?`, active, utc(now), id)
	return oneRow(res, err)
}

// DeleteTenant removes the tenant and, through foreign keys, every row it owns.
// The slug must match as a guard against deleting the wrong tenant.
func (s *Store) DeleteTenant(ctx context.Context, id, slug string) error {
	res, err := s.exec(ctx, `DELETE FROM tenants WHERE id=? AND slug=?`, id, slug)
	return oneRow(res, err)
}

func oneRow(res sql.Result, err error) error {
	if err != nil {
		return err
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
