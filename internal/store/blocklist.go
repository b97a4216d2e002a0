package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tenantauth/internal/models"
)

// The IP blocklist is global: an address abusing one tenant is refused by all.

// BlockIP creates or replaces a block. An automatic block never shortens or
// overrides a manual one.
func (s *Store) BlockIP(ctx context.Context, b models.IPBlock) error {
	_, err := s.exec(ctx,
		`INSERT INTO ip_blocklist(ip_address,reason,is_manual,blocked_at,expires_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(ip_address) DO UPDATE SET
		   reason=excluded.reason,
		   is_manual=excluded.is_manual,
		   blocked_at=excluded.blocked_at,
		   expires_at=excluded.expires_at
		 WHERE excluded.is_manual OR NOT ip_blocklist.is_manual`,
		b.IPAddress, b.Reason, b.Manual, utc(b.BlockedAt), utc(b.ExpiresAt),
	)
	return err
}

func (s *Store) UnblockIP(ctx context.Context, ip string) error {
	res, err := s.exec(ctx, `DELETE FROM ip_blocklist WHERE ip_address=?`, ip)
	return oneRow(res, err)
}

// ActiveIPBlock returns the block for ip if it has not expired at now.
func (s *Store) ActiveIPBlock(ctx context.Context, ip string, now time.Time) (models.IPBlock, bool, error) {
	var b models.IPBlock
	err := s.queryRow(ctx,
		`SELECT ip_address,reason,is_manual,blocked_at,expires_at FROM ip_blocklist WHERE ip_address=? AND expires_at > ?`,
		ip, utc(now)).Scan(&b.IPAddress, &b.Reason, &b.Manual, &b.BlockedAt, &b.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IPBlock{}, false, nil
	}
	if err != nil {
		return models.IPBlock{}, false, err
	}
	b.BlockedAt = b.BlockedAt.UTC()
	b.ExpiresAt = b.ExpiresAt.UTC()
	return b, true, nil
}

func (s *Store) ListIPBlocks(ctx context.Context) ([]models.IPBlock, error) {
	rows, err := s.query(ctx, `SELECT ip_address,reason,is_manual,blocked_at,expires_at FROM ip_blocklist ORDER BY blocked_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.IPBlock
	for rows.Next() {
		var b models.IPBlock
		if err := rows.Scan(&b.IPAddress, &b.Reason, &b.Manual, &b.BlockedAt, &b.ExpiresAt); err != nil {
			return nil, err
		}
		b.BlockedAt = b.BlockedAt.UTC()
		b.ExpiresAt = b.ExpiresAt.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) DeleteExpiredIPBlocks(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM ip_blocklist WHERE expires_at <= ?`, utc(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IPsOverFailureThreshold lists addresses with at least threshold failed
// attempts since the window start, across all tenants, that are not blocked
// at now.
func (s *Store) IPsOverFailureThreshold(ctx context.Context, since, now time.Time, threshold int) ([]string, error) {
	rows, err := s.query(ctx, `
SELECT a.ip_address
FROM login_attempts a
WHERE a.success = ?
  AND a.attempted_at >= ?
  AND a.ip_address <> ''
  AND NOT EXISTS (SELECT 1 FROM ip_blocklist b WHERE b.ip_address = a.ip_address AND b.expires_at > ?)
GROUP BY a.ip_address
HAVING COUNT(*) >= ?
ORDER BY a.ip_address`,
		false, utc(since), utc(now), threshold)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}
