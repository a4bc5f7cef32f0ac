// Package db provides database connection helpers and schema migration for the participant store.
//
// Two SQL dialects are supported and selected from the DSN scheme:
//
//	postgres://, postgresql://  -> Postgres via the pgx stdlib driver
//	sqlite://<path>, file:<path> -> embedded SQLite via modernc.org/sqlite
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'
	_ "modernc.org/sqlite"             // pure-go sqlite driver registered as 'sqlite'
)

// Dialect identifies the SQL flavour behind a *sql.DB.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// ErrUnsupportedDSN is returned when the DSN scheme does not map to a SQL dialect.
var ErrUnsupportedDSN = errors.New("unsupported database url")

// sqlitePragmas keep concurrent writers from failing fast on a locked database.
const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// Parse maps a DATABASE_URL onto a dialect and the driver-specific DSN.
func Parse(dsn string) (Dialect, string, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DialectPostgres, dsn, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		path := strings.TrimPrefix(dsn, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("%w: sqlite path empty", ErrUnsupportedDSN)
		}
		return DialectSQLite, withPragmas("file:" + path), nil
	case strings.HasPrefix(dsn, "file:"):
		return DialectSQLite, withPragmas(dsn), nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedDSN, redact(dsn))
	}
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + sqlitePragmas
	}
	return dsn + "?" + sqlitePragmas
}

// redact strips everything after the scheme so credentials never reach logs.
func redact(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i+3] + "..."
	}
	if len(dsn) > 8 {
		return dsn[:8] + "..."
	}
	return dsn
}

// Connect opens a pool for the given DATABASE_URL and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, Dialect, error) {
	dialect, driverDSN, err := Parse(dsn)
	if err != nil {
		return nil, "", err
	}
	driver := "pgx"
	if dialect == DialectSQLite {
		driver = "sqlite"
	}
	database, err := sql.Open(driver, driverDSN)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// a single writer connection serializes inserts; WAL keeps readers concurrent
		database.SetMaxOpenConns(1)
	}
	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, "", fmt.Errorf("ping %s: %w", dialect, err)
	}
	return database, dialect, nil
}

// Migrate applies idempotent schema changes for the participants table and its guards.
func Migrate(ctx context.Context, database *sql.DB, dialect Dialect) error {
	var stmts []string
	switch dialect {
	case DialectPostgres:
		stmts = postgresSchema
	case DialectSQLite:
		stmts = sqliteSchema
	default:
		return fmt.Errorf("migrate: unknown dialect %q", dialect)
	}
	for _, s := range stmts {
		if _, err := database.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS participants (
		identity TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		channel_url TEXT NOT NULL DEFAULT '',
		first_seen TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		notified_at TIMESTAMPTZ,
		delivery_error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_first_seen ON participants(first_seen)`,
	`CREATE OR REPLACE FUNCTION participants_first_seen_immutable() RETURNS trigger AS $$
	BEGIN
		IF NEW.first_seen IS DISTINCT FROM OLD.first_seen THEN
			RAISE EXCEPTION 'participants.first_seen is immutable';
		END IF;
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS participants_first_seen_guard ON participants`,
	`CREATE TRIGGER participants_first_seen_guard
		BEFORE UPDATE ON participants
		FOR EACH ROW EXECUTE FUNCTION participants_first_seen_immutable()`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS participants (
		identity TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		channel_url TEXT NOT NULL DEFAULT '',
		first_seen TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
		payload TEXT NOT NULL DEFAULT '{}',
		notified_at TEXT,
		delivery_error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_first_seen ON participants(first_seen)`,
	`CREATE TRIGGER IF NOT EXISTS participants_first_seen_guard
		BEFORE UPDATE OF first_seen ON participants
		WHEN NEW.first_seen IS NOT OLD.first_seen
		BEGIN
			SELECT RAISE(ABORT, 'participants.first_seen is immutable');
		END`,
}
