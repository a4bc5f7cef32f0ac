package identity

import (
	"context"
	"log/slog"
	"strings"

	"github.com/onnwee/chatwatch/db"
)

// Open returns the Store described by a DATABASE_URL.
//
// badger://<dir> opens an embedded Badger store (an empty dir keeps it in memory).
// Every other scheme goes through db.Connect; versioned migrations run first and
// the embedded idempotent schema is applied when they fail, matching databases
// created before versioned migrations existed.
func Open(ctx context.Context, dsn string) (Store, error) {
	if dir, ok := strings.CutPrefix(dsn, "badger://"); ok {
		slog.Info("opening badger identity store", slog.String("dir", dir), slog.String("component", "identity"))
		return OpenBadger(dir)
	}

	database, dialect, err := db.Connect(ctx, dsn)
	if err != nil {
		return nil, wrapErr("connect", err)
	}

	slog.Info("running database migrations", slog.String("dialect", string(dialect)), slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database, dialect); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded schema",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database, dialect); err != nil {
			_ = database.Close()
			return nil, wrapErr("migrate", err)
		}
	}
	return NewSQLStore(database, dialect), nil
}
