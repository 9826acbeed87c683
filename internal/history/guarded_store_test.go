package history_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfeatures/internal/circuitbreaker"
	"github.com/mbd888/txfeatures/internal/history"
	"github.com/mbd888/txfeatures/internal/history/storetest"
	"github.com/mbd888/txfeatures/internal/testutil"
	"github.com/mbd888/txfeatures/internal/txn"
)

// flakyStore fails every call while down is set.
type flakyStore struct {
	history.Store
	down  bool
	calls int
}

func (f *flakyStore) fault() error {
	f.calls++
	if f.down {
		return fmt.Errorf("%w: connection reset", history.ErrStorage)
	}
	return nil
}

func (f *flakyStore) Insert(ctx context.Context, ev txn.Event) (int64, error) {
	if err := f.fault(); err != nil {
		return 0, err
	}
	return f.Store.Insert(ctx, ev)
}

func (f *flakyStore) QueryWindow(ctx context.Context, entity string, asOf int64, window time.Duration) ([]history.Entry, error) {
	if err := f.fault(); err != nil {
		return nil, err
	}
	return f.Store.QueryWindow(ctx, entity, asOf, window)
}

func TestGuardedStore_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) history.Store {
		return history.NewGuardedStore(history.NewMemoryStore(), circuitbreaker.New("conformance", 3, time.Minute))
	}, storetest.Options{})
}

func TestGuardedStore_FailsFastWhenOpen(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	inner := &flakyStore{Store: history.NewMemoryStore(), down: true}
	b := circuitbreaker.New("guarded-test", 2, time.Minute, circuitbreaker.WithClock(clock))
	g := history.NewGuardedStore(inner, b)

	for i := 0; i < 2; i++ {
		_, err := g.QueryWindow(ctx, "A", 100, time.Hour)
		require.ErrorIs(t, err, history.ErrStorage)
	}
	assert.Equal(t, circuitbreaker.StateOpen, b.State())

	_, err := g.Insert(ctx, txn.Event{Entity: "A", Timestamp: 1})
	assert.ErrorIs(t, err, history.ErrStorage)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, inner.calls, "open circuit must not reach the backend")

	// After the cooldown a successful probe closes the circuit.
	inner.down = false
	now = now.Add(time.Minute)
	_, err = g.Insert(ctx, txn.Event{Entity: "A", Timestamp: 1})
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, b.State())
}

func TestGuardedStore_NonStorageErrorsDoNotTrip(t *testing.T) {
	b := circuitbreaker.New("guarded-ctx", 1, time.Minute)
	g := history.NewGuardedStore(ctxStore{history.NewMemoryStore()}, b)

	_, err := g.QueryWindow(context.Background(), "A", 100, time.Hour)
	require.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, circuitbreaker.StateClosed, b.State())
}

type ctxStore struct{ history.Store }

func (ctxStore) QueryWindow(context.Context, string, int64, time.Duration) ([]history.Entry, error) {
	return nil, context.Canceled
}

func TestGuardedStore_CanceledRequestsDoNotTrip(t *testing.T) {
	lite, err := history.NewSQLStore(testutil.SQLiteTest(t), history.DialectSQLite)
	require.NoError(t, err)
	b := circuitbreaker.New("guarded-canceled", 2, time.Minute)
	g := history.NewGuardedStore(lite, b)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		_, err := g.QueryWindow(canceled, "A", 100, time.Hour)
		require.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, history.ErrStorage)
	}
	assert.Equal(t, circuitbreaker.StateClosed, b.State())

	_, err = g.QueryWindow(context.Background(), "A", 100, time.Hour)
	assert.NoError(t, err)
}

func TestGuardedStore_CanceledHalfOpenCallDoesNotWedge(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	b := circuitbreaker.New("guarded-halfopen", 1, time.Minute,
		circuitbreaker.WithClock(func() time.Time { return now }))

	inner := &flakyStore{Store: ctxStore{history.NewMemoryStore()}, down: true}
	g := history.NewGuardedStore(inner, b)
	_, err := g.QueryWindow(ctx, "A", 100, time.Hour)
	require.ErrorIs(t, err, history.ErrStorage)
	require.Equal(t, circuitbreaker.StateOpen, b.State())

	// The first call after cooldown is cancelled; the next one is let through.
	inner.down = false
	now = now.Add(time.Minute)
	_, err = g.QueryWindow(ctx, "A", 100, time.Hour)
	require.ErrorIs(t, err, context.Canceled)

	_, err = g.Insert(ctx, txn.Event{Entity: "A", Timestamp: 1})
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, b.State())
}
