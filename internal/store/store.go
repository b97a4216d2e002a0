package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"tenantauth/internal/tenant"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrIsolationViolation  = errors.New("tenant isolation violation")
	ErrInvalidSessionToken = errors.New("session token must be of type session or mfa_challenge")
	ErrAlreadyUsed         = errors.New("already used")
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store owns the connection pool. Tenant-scoped data is only reachable
// through a Scoped handle bound to a tenant.Scope.
type Store struct {
	db       *sql.DB
	numbered bool
}

// New wraps db. driver selects the placeholder style: "pgx" and "postgres"
// use $N, everything else uses ?.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, numbered: driver == "pgx" || driver == "postgres"}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Scoped returns a handle whose every query is filtered by the scope's tenant.
func (s *Store) Scoped(sc tenant.Scope) (*Scoped, error) {
	if !sc.Valid() {
		return nil, ErrIsolationViolation
	}
	return &Scoped{q: s.db, tenantID: sc.ID(), numbered: s.numbered}, nil
}

// InTx runs fn inside one transaction bound to sc. fn's error rolls the
// whole transaction back and is returned unchanged.
func (s *Store) InTx(ctx context.Context, sc tenant.Scope, fn func(tx *Scoped) error) error {
	if !sc.Valid() {
		return ErrIsolationViolation
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Scoped{q: tx, tenantID: sc.ID(), numbered: s.numbered}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, rebind(s.numbered, q), args...)
}

func (s *Store) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, rebind(s.numbered, q), args...)
}

func (s *Store) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, rebind(s.numbered, q), args...)
}

// Scoped is a tenant-bound handle over the pool or a transaction.
type Scoped struct {
	q        queryer
	tenantID string
	numbered bool
}

func (x *Scoped) TenantID() string { return x.tenantID }

func (x *Scoped) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return x.q.ExecContext(ctx, rebind(x.numbered, q), args...)
}

func (x *Scoped) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return x.q.QueryContext(ctx, rebind(x.numbered, q), args...)
}

func (x *Scoped) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return x.q.QueryRowContext(ctx, rebind(x.numbered, q), args...)
}

// claim fills an empty tenant id with the scope's tenant and rejects any
// other value.
func (x *Scoped) claim(tenantID *string) error {
	if *tenantID == "" {
		*tenantID = x.tenantID
		return nil
	}
	if *tenantID != x.tenantID {
		return ErrIsolationViolation
	}
	return nil
}

// owner returns the tenant owning row id of table. table is always a
// package constant.
func (x *Scoped) owner(ctx context.Context, table, id string) (string, error) {
	var tid sql.NullString
	err := x.queryRow(ctx, `SELECT tenant_id FROM `+table+` WHERE id=?`, id).Scan(&tid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return tid.String, nil
}

// checkOwned returns nil when row id of table belongs to the scope,
// ErrIsolationViolation when it belongs to another tenant.
func (x *Scoped) checkOwned(ctx context.Context, table, id string) error {
	tid, err := x.owner(ctx, table, id)
	if err != nil {
		return err
	}
	if tid != x.tenantID {
		return ErrIsolationViolation
	}
	return nil
}

// missed explains a by-id UPDATE or DELETE that touched no row in scope.
func (x *Scoped) missed(ctx context.Context, table, id string) error {
	tid, err := x.owner(ctx, table, id)
	if err != nil {
		return err
	}
	if tid != x.tenantID {
		return ErrIsolationViolation
	}
	return ErrNotFound
}

func rebind(numbered bool, q string) string {
	if !numbered || !strings.Contains(q, "?") {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(q); i++ {
		c := q[i]
		if c == '\'' {
			inQuote = !inQuote
		}
		if c == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func wrapWrite(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func utc(t time.Time) time.Time { return t.UTC() }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// placeholders returns "?,?,?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
