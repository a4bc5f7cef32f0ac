package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrationFiles holds the versioned migrations, one directory per dialect.
//
//go:embed migrations
var migrationFiles embed.FS

// newMigrator builds a golang-migrate instance for the dialect's embedded migration set.
// The returned release func must be called once the migrator is done; it frees the
// connection the Postgres driver holds without closing the shared pool.
func newMigrator(db *sql.DB, dialect Dialect) (*migrate.Migrate, func(), error) {
	var (
		driver  database.Driver
		release = func() {}
		err     error
	)
	switch dialect {
	case DialectPostgres:
		ctx := context.Background()
		var conn *sql.Conn
		conn, err = db.Conn(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to reserve migration connection: %w", err)
		}
		release = func() {
			if err := conn.Close(); err != nil {
				slog.Warn("failed to release migration connection", slog.Any("error", err), slog.String("component", "db_migrate"))
			}
		}
		driver, err = postgres.WithConnection(ctx, conn, &postgres.Config{})
	case DialectSQLite:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
	default:
		return nil, nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to create %s driver: %w", dialect, err)
	}

	src, err := iofs.New(migrationFiles, "migrations/"+string(dialect))
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(dialect), driver)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	// m.Close is never called: the sqlite driver would close the shared pool
	return m, release, nil
}

// RunMigrations applies all pending versioned migrations.
// It is idempotent and safe to run on every start.
//
// Migration files follow the naming convention:
//
//	000001_description.up.sql   - applies the migration
//	000001_description.down.sql - reverts the migration
func RunMigrations(db *sql.DB, dialect Dialect) error {
	m, release, err := newMigrator(db, dialect)
	if err != nil {
		return err
	}
	defer release()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("error", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}

	slog.Info("migrations applied successfully",
		slog.Uint64("version", uint64(version)),
		slog.String("dialect", string(dialect)),
		slog.String("component", "db_migrate"))
	return nil
}

// MigrateDown rolls back the most recent migration.
// WARNING: rolling back the participants table discards every recorded identity.
func MigrateDown(db *sql.DB, dialect Dialect) error {
	m, release, err := newMigrator(db, dialect)
	if err != nil {
		return err
	}
	defer release()

	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("no migrations to roll back", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to roll back migration: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		// no version left once everything is rolled back
		slog.Info("rolled back to no migrations", slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d after rollback - manual intervention required", version)
	}

	slog.Info("migration rolled back successfully",
		slog.Uint64("version", uint64(version)),
		slog.String("component", "db_migrate"))
	return nil
}

// GetMigrationVersion returns the current migration version and dirty state.
func GetMigrationVersion(db *sql.DB, dialect Dialect) (version uint, dirty bool, err error) {
	m, release, err := newMigrator(db, dialect)
	if err != nil {
		return 0, false, err
	}
	defer release()

	v, d, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, d, nil
}
