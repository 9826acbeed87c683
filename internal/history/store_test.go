package history_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfeatures/internal/history"
	"github.com/mbd888/txfeatures/internal/history/storetest"
	"github.com/mbd888/txfeatures/internal/retry"
	"github.com/mbd888/txfeatures/internal/testutil"
	"github.com/mbd888/txfeatures/internal/txn"
)

// sharedStore keeps a pooled connection open across conformance subtests.
type sharedStore struct {
	history.Store
}

func (sharedStore) Close() error { return nil }

func TestMemoryStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) history.Store {
		return history.NewMemoryStore()
	}, storetest.Options{})
}

func TestSQLStore_SQLite_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) history.Store {
		s, err := history.NewSQLStore(testutil.SQLiteTest(t), history.DialectSQLite)
		require.NoError(t, err)
		return s
	}, storetest.Options{Dedup: true})
}

func TestSQLStore_Postgres_Conformance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	storetest.Run(t, func(t *testing.T) history.Store {
		testutil.ResetPG(t, db)
		s, err := history.NewSQLStore(db, history.DialectPostgres)
		require.NoError(t, err)
		return sharedStore{s}
	}, storetest.Options{Dedup: true})
}

func TestRedisStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) history.Store {
		client, prefix := testutil.RedisTest(t)
		return history.NewRedisStoreWithClient(client, prefix)
	}, storetest.Options{Dedup: true})
}

func TestMemoryStore_NoNativeDedup(t *testing.T) {
	s := history.NewMemoryStore()
	ctx := context.Background()
	e := txn.Event{TxnID: "dup", Entity: "A", Timestamp: 10}

	first, err := s.Insert(ctx, e)
	require.NoError(t, err)
	second, err := s.Insert(ctx, e)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, s.Len("A"))
}

func TestMemoryStore_QueryDoesNotCreateEntity(t *testing.T) {
	s := history.NewMemoryStore()
	_, err := s.QueryWindow(context.Background(), "ghost", 100, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len("ghost"))
}

func TestSQLStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/history.db"

	open := func() *history.SQLStore {
		db, err := history.OpenSQL(ctx, history.DialectSQLite, history.SQLiteDSN(path))
		require.NoError(t, err)
		require.NoError(t, history.Migrate(ctx, db, history.DialectSQLite))
		s, err := history.NewSQLStore(db, history.DialectSQLite)
		require.NoError(t, err)
		return s
	}

	s := open()
	for i := int64(1); i <= 3; i++ {
		_, err := s.Insert(ctx, txn.Event{
			TxnID:     fmt.Sprintf("t%d", i),
			Entity:    "A",
			Timestamp: 100 * i,
			Amount:    txn.Float(float64(i)),
			Merchant:  "M1",
		})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	s = open()
	defer s.Close()

	got, err := s.QueryWindow(ctx, "A", 1000, time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, int64(300), got[2].Event.Timestamp)

	// Re-committing after restart is still absorbed.
	seq, err := s.Insert(ctx, txn.Event{TxnID: "t2", Entity: "A", Timestamp: 200})
	require.NoError(t, err)
	assert.Equal(t, got[1].Seq, seq)

	last, ok, err := s.LastMatchingBefore(ctx, "A", 1000, history.MerchantIs("M1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(300), last.Event.Timestamp)
}

func TestSQLStore_StorageFault(t *testing.T) {
	db := testutil.SQLiteTest(t)
	s, err := history.NewSQLStore(db, history.DialectSQLite)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ctx := context.Background()
	_, err = s.Insert(ctx, txn.Event{Entity: "A", Timestamp: 1})
	assert.ErrorIs(t, err, history.ErrStorage)

	_, err = s.QueryWindow(ctx, "A", 10, time.Minute)
	assert.ErrorIs(t, err, history.ErrStorage)

	_, _, err = s.LastBefore(ctx, "A", 10)
	assert.ErrorIs(t, err, history.ErrStorage)

	assert.ErrorIs(t, s.Ping(ctx), history.ErrStorage)
}

func TestSQLStore_EndedContextIsNotAStorageFault(t *testing.T) {
	s, err := history.NewSQLStore(testutil.SQLiteTest(t), history.DialectSQLite)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.QueryWindow(ctx, "A", 10, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, history.ErrStorage)

	_, err = s.Insert(ctx, txn.Event{Entity: "A", Timestamp: 1})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, history.ErrStorage)

	expired, stop := context.WithDeadline(context.Background(), time.Unix(0, 0))
	defer stop()
	_, _, err = s.LastBefore(expired, "A", 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, history.ErrStorage)
}

func TestNewSQLStore_RejectsUnknownDialect(t *testing.T) {
	_, err := history.NewSQLStore(nil, history.Dialect("oracle"))
	assert.Error(t, err)
}

// Backends must agree on every query for the same sequence of commits.
func TestBackendEquivalence(t *testing.T) {
	ctx := context.Background()
	mem := history.NewMemoryStore()
	lite, err := history.NewSQLStore(testutil.SQLiteTest(t), history.DialectSQLite)
	require.NoError(t, err)
	defer lite.Close()

	merchants := []string{"M1", "M2", "M3", ""}
	var commits []txn.Event
	for i := 0; i < 60; i++ {
		commits = append(commits, txn.Event{
			Entity:    fmt.Sprintf("E%d", i%3),
			Timestamp: int64((i * 7) % 40), // plenty of timestamp collisions
			Amount:    txn.Float(float64(i) * 1.25),
			Merchant:  merchants[i%len(merchants)],
			Category:  fmt.Sprintf("c%d", i%2),
		})
	}
	for _, e := range commits {
		_, err := mem.Insert(ctx, e)
		require.NoError(t, err)
		_, err = lite.Insert(ctx, e)
		require.NoError(t, err)
	}

	events := func(entries []history.Entry) []txn.Event {
		out := make([]txn.Event, len(entries))
		for i, e := range entries {
			out[i] = e.Event
		}
		return out
	}

	for _, entity := range []string{"E0", "E1", "E2", "E9"} {
		for asOf := int64(0); asOf <= 45; asOf++ {
			for _, w := range []time.Duration{5 * time.Second, 20 * time.Second, time.Hour} {
				a, err := mem.QueryWindow(ctx, entity, asOf, w)
				require.NoError(t, err)
				b, err := lite.QueryWindow(ctx, entity, asOf, w)
				require.NoError(t, err)
				require.Equal(t, events(a), events(b), "window %s %d %s", entity, asOf, w)
			}

			a, okA, err := mem.LastBefore(ctx, entity, asOf)
			require.NoError(t, err)
			b, okB, err := lite.LastBefore(ctx, entity, asOf)
			require.NoError(t, err)
			require.Equal(t, okA, okB)
			require.Equal(t, a.Event, b.Event)

			for _, m := range merchants {
				a, okA, err := mem.LastMatchingBefore(ctx, entity, asOf, history.MerchantIs(m))
				require.NoError(t, err)
				b, okB, err := lite.LastMatchingBefore(ctx, entity, asOf, history.MerchantIs(m))
				require.NoError(t, err)
				require.Equal(t, okA, okB, "merchant %q", m)
				require.Equal(t, a.Event, b.Event)
			}
		}
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	mem, err := history.Open(ctx, history.OpenOptions{})
	require.NoError(t, err)
	assert.IsType(t, &history.MemoryStore{}, mem)

	lite, err := history.Open(ctx, history.OpenOptions{
		Backend:    history.BackendSQLite,
		SQLitePath: t.TempDir() + "/open.db",
	})
	require.NoError(t, err)
	defer lite.Close()
	_, err = lite.Insert(ctx, txn.Event{TxnID: "t1", Entity: "A", Timestamp: 1})
	require.NoError(t, err, "Open must leave the schema migrated")

	_, err = history.Open(ctx, history.OpenOptions{Backend: "cassandra"})
	assert.Error(t, err)
}

func TestOpen_RetriesUnreachableBackend(t *testing.T) {
	ctx := context.Background()
	start := time.Now()
	_, err := history.Open(ctx, history.OpenOptions{
		Backend: history.BackendRedis,
		Redis:   history.RedisConfig{Addr: "127.0.0.1:1"},
		Connect: retry.Policy{Attempts: 2, BaseDelay: 20 * time.Millisecond},
	})
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond, "second attempt should wait")
}
