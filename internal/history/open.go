package history

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/txfeatures/internal/logging"
	"github.com/mbd888/txfeatures/internal/retry"
)

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
	BackendRedis    Backend = "redis"
)

// OpenOptions selects and configures a backend for Open.
type OpenOptions struct {
	Backend     Backend
	DatabaseURL string // postgres
	SQLitePath  string // sqlite
	Redis       RedisConfig
	// SkipMigrations leaves the SQL schema alone; cmd/migrate owns it then.
	SkipMigrations bool
	// Connect retries the initial connection. The zero value tries once.
	Connect retry.Policy
}

// Open builds the configured Store. SQL backends are migrated to the latest
// embedded schema unless SkipMigrations is set.
func Open(ctx context.Context, opts OpenOptions) (Store, error) {
	var open func(context.Context) (Store, error)
	switch opts.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendPostgres:
		open = func(ctx context.Context) (Store, error) {
			return openSQL(ctx, DialectPostgres, opts.DatabaseURL, opts.SkipMigrations)
		}
	case BackendSQLite:
		open = func(ctx context.Context) (Store, error) {
			return openSQL(ctx, DialectSQLite, SQLiteDSN(opts.SQLitePath), opts.SkipMigrations)
		}
	case BackendRedis:
		open = func(context.Context) (Store, error) {
			return NewRedisStore(opts.Redis)
		}
	default:
		return nil, fmt.Errorf("history: unknown backend %q", opts.Backend)
	}

	var store Store
	err := retry.Do(ctx, opts.Connect, func(ctx context.Context) error {
		s, err := open(ctx)
		if err != nil {
			return err
		}
		store = s
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		logging.L(ctx).Warn("history backend not reachable, retrying",
			"backend", opts.Backend, "attempt", attempt, "wait", wait, "error", err)
	})
	if err != nil {
		return nil, err
	}
	return store, nil
}

func openSQL(ctx context.Context, d Dialect, dsn string, skipMigrations bool) (Store, error) {
	db, err := OpenSQL(ctx, d, dsn)
	if err != nil {
		return nil, err
	}
	if !skipMigrations {
		if err := Migrate(ctx, db, d); err != nil {
			_ = db.Close()
			return nil, retry.Permanent(err)
		}
	}
	s, err := NewSQLStore(db, d)
	if err != nil {
		_ = db.Close()
		return nil, retry.Permanent(err)
	}
	return s, nil
}
