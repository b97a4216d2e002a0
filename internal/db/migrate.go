package db

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

var migrateLog = zap.NewNop()

// SetLogger routes migration output to lg. Output is discarded until set.
func SetLogger(lg *zap.Logger) {
	if lg == nil {
		lg = zap.NewNop()
	}
	migrateLog = lg
}

// gooseLogger adapts zap to goose. Fatalf is logged as an error; goose
// reports failures through returned errors as well.
type gooseLogger struct{ lg *zap.Logger }

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.lg.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.lg.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// Migrate applies the embedded schema for driver. goose keeps package level
// state, so callers must not migrate two databases concurrently.
func Migrate(db *sql.DB, driver string) error {
	dialect, dir, err := migrationTarget(driver)
	if err != nil {
		return err
	}
	goose.SetLogger(gooseLogger{migrateLog})
	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SchemaVersion reports the latest applied migration.
func SchemaVersion(db *sql.DB, driver string) (int64, error) {
	dialect, _, err := migrationTarget(driver)
	if err != nil {
		return 0, err
	}
	if err := goose.SetDialect(dialect); err != nil {
		return 0, fmt.Errorf("set goose dialect: %w", err)
	}
	return goose.GetDBVersion(db)
}

func migrationTarget(driver string) (dialect, dir string, err error) {
	switch driver {
	case DriverSQLite, "":
		return "sqlite3", "migrations/sqlite", nil
	case DriverPostgres:
		return "postgres", "migrations/postgres", nil
	default:
		return "", "", fmt.Errorf("no migrations for driver %q", driver)
	}
}
