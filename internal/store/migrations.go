package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"

	"github.com/hyperengineering/cartsync/migrations"
)

// RunMigrations applies all pending server migrations for the dialect using
// the embedded SQL files from the migrations package.
func RunMigrations(ctx context.Context, db *sql.DB, dialect Dialect) error {
	var (
		gooseDialect goose.Dialect
		dir          string
	)
	switch dialect {
	case DialectSQLite:
		gooseDialect, dir = goose.DialectSQLite3, migrations.ServerSQLiteDir
	case DialectPostgres:
		gooseDialect, dir = goose.DialectPostgres, migrations.ServerPostgresDir
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedDialect, dialect)
	}

	fsys, err := fs.Sub(migrations.FS, dir)
	if err != nil {
		return fmt.Errorf("server migrations: %w", err)
	}
	provider, err := goose.NewProvider(gooseDialect, db, fsys)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
