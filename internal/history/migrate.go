package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

// MigrationsDir returns the embedded migrations directory for a dialect.
func MigrationsDir(d Dialect) string {
	return "migrations/" + string(d)
}

// RunMigrations executes a goose command ("up", "down", "status", ...)
// against db using the migrations embedded for dialect d.
func RunMigrations(ctx context.Context, db *sql.DB, d Dialect, command string, args ...string) error {
	if err := d.validate(); err != nil {
		return err
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect(d.gooseDialect()); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.RunContext(ctx, command, db, MigrationsDir(d), args...); err != nil {
		return fmt.Errorf("migrate %s: %w", command, err)
	}
	return nil
}

// Migrate applies all pending migrations.
func Migrate(ctx context.Context, db *sql.DB, d Dialect) error {
	return RunMigrations(ctx, db, d, "up")
}
