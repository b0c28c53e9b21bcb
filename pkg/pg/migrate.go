package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrymomot/billsync/pkg/pg/migrations"
)

// migrationLogger is satisfied by *slog.Logger.
type migrationLogger interface {
	InfoContext(ctx context.Context, msg string, args ...any)
	ErrorContext(ctx context.Context, msg string, args ...any)
}

// Migrate applies schema migrations with goose. Embedded migrations are used
// unless cfg.MigrationsPath points at a directory.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg Config, log migrationLogger) error {
	var (
		fsys fs.FS = migrations.FS
		dir        = "."
	)
	if cfg.MigrationsPath != "" {
		if _, err := os.Stat(cfg.MigrationsPath); err != nil {
			if os.IsNotExist(err) {
				return errors.Join(ErrMigrationsDirNotFound, err)
			}
			return errors.Join(ErrFailedToApplyMigrations, err)
		}
		fsys = os.DirFS(cfg.MigrationsPath)
	}

	// goose speaks database/sql; share the pool's connections through stdlib.
	db := stdlib.OpenDBFromPool(pool)
	defer func(db *sql.DB) {
		if err := db.Close(); err != nil {
			log.ErrorContext(ctx, "failed to close migration connection", "error", err)
		}
	}(db)

	goose.SetBaseFS(fsys)
	goose.SetLogger(newSlogAdapter(log))
	if cfg.MigrationsTable != "" {
		goose.SetTableName(cfg.MigrationsTable)
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return errors.Join(ErrFailedToApplyMigrations, err)
	}
	return nil
}

// migrateSlogAdapter routes goose output through the application logger.
type migrateSlogAdapter struct {
	log migrationLogger
}

func newSlogAdapter(log migrationLogger) goose.Logger {
	return &migrateSlogAdapter{log: log}
}

func (a *migrateSlogAdapter) Fatalf(format string, v ...any) {
	a.log.ErrorContext(context.Background(), fmt.Sprintf(format, v...))
}

func (a *migrateSlogAdapter) Printf(format string, v ...any) {
	a.log.InfoContext(context.Background(), fmt.Sprintf(format, v...))
}
