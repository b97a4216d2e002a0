package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

type Options struct {
	Driver      string
	DSN         string
	Path        string
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration
}

// Open connects to the configured driver and verifies the connection.
func Open(ctx context.Context, opts Options) (*sql.DB, error) {
	switch opts.Driver {
	case DriverSQLite, "":
		return OpenSQLite(opts.Path, opts.MaxOpen, opts.MaxIdle, opts.MaxLifetime)
	case DriverPostgres:
		return OpenPostgres(ctx, opts.DSN, opts.MaxOpen, opts.MaxIdle, opts.MaxLifetime)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", opts.Driver)
	}
}

// OpenSQLite enables foreign keys on every connection and takes the write
// lock when a transaction begins, so concurrent writers queue on busy_timeout.
func OpenSQLite(path string, maxOpen, maxIdle int, maxLifetime time.Duration) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate&_time_format=sqlite", path)
	db, err := sql.Open(DriverSQLite, dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func OpenPostgres(ctx context.Context, dsn string, maxOpen, maxIdle int, maxLifetime time.Duration) (*sql.DB, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("DB_DSN is empty")
	}
	db, err := sql.Open(DriverPostgres, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres %s: %w", RedactDSN(dsn), err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres %s: %w", RedactDSN(dsn), err)
	}
	return db, nil
}

// RedactDSN hides the password of URL-style DSNs for logging.
func RedactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.Scheme == "" {
		return "(dsn)"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "****")
	}
	return u.String()
}
