// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/txfeatures/internal/history"
)

// PGTest opens a test database connection, runs the embedded migrations, and
// returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// The database comes from POSTGRES_URL. If it is not set and
// TXF_TESTCONTAINERS=1, a throwaway Postgres container is started instead.
// Otherwise the test is skipped. The cleanup function truncates all
// application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	terminate := func() {}
	if dbURL == "" {
		if os.Getenv("TXF_TESTCONTAINERS") != "1" {
			t.Skip("POSTGRES_URL not set, skipping integration test")
		}
		dbURL, terminate = startPostgres(t)
	}

	db, err := history.OpenSQL(ctx, history.DialectPostgres, dbURL)
	if err != nil {
		terminate()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := history.Migrate(ctx, db, history.DialectPostgres); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: run migrations: %v", err)
	}
	truncateAll(ctx, db)

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		terminate()
	}
	return db, cleanup
}

// SQLiteTest opens a migrated SQLite database in a per-test temp directory.
// The file is removed with the directory when the test ends.
func SQLiteTest(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "history.db")
	db, err := history.OpenSQL(ctx, history.DialectSQLite, history.SQLiteDSN(path))
	if err != nil {
		t.Fatalf("sqlitetest: open database: %v", err)
	}
	if err := history.Migrate(ctx, db, history.DialectSQLite); err != nil {
		_ = db.Close()
		t.Fatalf("sqlitetest: run migrations: %v", err)
	}
	return db
}

func startPostgres(t *testing.T) (string, func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("txfeatures"),
		postgres.WithUsername("txfeatures"),
		postgres.WithPassword("txfeatures"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("pgtest: start postgres container: %v", err)
	}
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("pgtest: container connection string: %v", err)
	}
	return dsn, func() { _ = testcontainers.TerminateContainer(ctr) }
}

// ResetPG empties every application table of a database opened by PGTest.
func ResetPG(t *testing.T, db *sql.DB) {
	t.Helper()
	truncateAll(context.Background(), db)
}

// truncateAll truncates all user-created tables to provide a clean slate
// between tests.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables system catalog, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " RESTART IDENTITY CASCADE" // #nosec G202 -- table names from pg_tables
		_, _ = db.ExecContext(ctx, stmt)                                               // #nosec G104 -- best-effort cleanup
	}
}
