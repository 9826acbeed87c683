// Command migrate runs history schema migrations via goose.
//
// Usage:
//
//	go run ./cmd/migrate up                         # Apply all pending migrations
//	go run ./cmd/migrate -dialect sqlite up         # Migrate SQLITE_PATH instead
//	go run ./cmd/migrate down                       # Roll back the last migration
//	go run ./cmd/migrate status                     # Show migration status
//	go run ./cmd/migrate version                    # Show current schema version
//	go run ./cmd/migrate redo                       # Roll back and re-apply last migration
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/mbd888/txfeatures/internal/config"
	"github.com/mbd888/txfeatures/internal/history"
)

func main() {
	_ = godotenv.Load()

	dialect := flag.String("dialect", string(history.DialectPostgres), "postgres or sqlite")
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "postgres connection string")
	sqlitePath := flag.String("sqlite", envOr("SQLITE_PATH", config.DefaultSQLitePath), "sqlite database file")
	flag.Usage = func() {
		fmt.Println("Usage: migrate [flags] <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	d := history.Dialect(*dialect)
	var target string
	switch d {
	case history.DialectPostgres:
		if *dsn == "" {
			log.Fatal("DATABASE_URL environment variable or -dsn is required")
		}
		target = *dsn
	case history.DialectSQLite:
		target = history.SQLiteDSN(*sqlitePath)
	default:
		log.Fatalf("Unknown dialect %q", *dialect)
	}

	ctx := context.Background()
	db, err := history.OpenSQL(ctx, d, target)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	command := flag.Arg(0)
	args := flag.Args()[1:]

	if err := history.RunMigrations(ctx, db, d, command, args...); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
