package store

import (
	"context"
	"embed"

	"kestrel-eim/core/utils"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// ApplyMigrations brings the schema up to date using the embedded migration
// files for the handle's dialect. Safe to call on every startup.
func ApplyMigrations(ctx context.Context, db *DB, logger *utils.Logger) error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	gooseDialect := "sqlite3"
	dir := "migrations/sqlite"
	if db.Dialect() == DialectPostgres {
		gooseDialect = "postgres"
		dir = "migrations/postgres"
	}
	if err := goose.SetDialect(gooseDialect); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db.DB, dir); err != nil {
		return err
	}
	if logger != nil {
		logger.Debugf("migrations applied (%s)", db.Dialect())
	}
	return nil
}
