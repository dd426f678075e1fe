package statestore

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"log/slog"

	"github.com/daimoniac/vulnhash/internal/errors"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrations embed.FS

// EnsureSchema brings the database up to the latest schema version. Only
// pending migrations run, so it is safe to call on every startup.
func EnsureSchema(ctx context.Context, db *sql.DB, dialect *Dialect, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	fsys, err := fs.Sub(migrations, dialect.migrations)
	if err != nil {
		return errors.NewStorage("load migrations", err)
	}

	// The provider is not closed: Close would close db, which the store owns.
	provider, err := goose.NewProvider(dialect.goose, db, fsys)
	if err != nil {
		return errors.NewStorage("create migration provider", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return errors.NewStorage("apply migrations", err)
	}

	for _, r := range results {
		logger.Info("applied schema migration",
			"dialect", dialect.Name,
			"version", r.Source.Version,
			"duration", r.Duration)
	}
	return nil
}
