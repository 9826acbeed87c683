package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/txfeatures/internal/circuitbreaker"
	"github.com/mbd888/txfeatures/internal/txn"
)

// GuardedStore fails fast with ErrStorage while its backend is tripped, so
// requests do not queue behind a dead database.
type GuardedStore struct {
	inner   Store
	breaker *circuitbreaker.Breaker
}

var _ Store = (*GuardedStore)(nil)

// NewGuardedStore wraps inner with breaker.
func NewGuardedStore(inner Store, breaker *circuitbreaker.Breaker) *GuardedStore {
	return &GuardedStore{inner: inner, breaker: breaker}
}

// Unwrap returns the guarded store.
func (g *GuardedStore) Unwrap() Store { return g.inner }

// Breaker returns the circuit breaker.
func (g *GuardedStore) Breaker() *circuitbreaker.Breaker { return g.breaker }

func (g *GuardedStore) Insert(ctx context.Context, ev txn.Event) (int64, error) {
	if err := g.allow(); err != nil {
		return 0, err
	}
	seq, err := g.inner.Insert(ctx, ev)
	g.record(err)
	return seq, err
}

func (g *GuardedStore) QueryWindow(ctx context.Context, entity string, asOf int64, window time.Duration) ([]Entry, error) {
	if err := g.allow(); err != nil {
		return nil, err
	}
	out, err := g.inner.QueryWindow(ctx, entity, asOf, window)
	g.record(err)
	return out, err
}

func (g *GuardedStore) LastBefore(ctx context.Context, entity string, asOf int64) (Entry, bool, error) {
	if err := g.allow(); err != nil {
		return Entry{}, false, err
	}
	e, ok, err := g.inner.LastBefore(ctx, entity, asOf)
	g.record(err)
	return e, ok, err
}

func (g *GuardedStore) LastMatchingBefore(ctx context.Context, entity string, asOf int64, p Predicate) (Entry, bool, error) {
	if err := g.allow(); err != nil {
		return Entry{}, false, err
	}
	e, ok, err := g.inner.LastMatchingBefore(ctx, entity, asOf, p)
	g.record(err)
	return e, ok, err
}

// Ping bypasses the breaker so health checks see the backend itself.
func (g *GuardedStore) Ping(ctx context.Context) error {
	if p, ok := g.inner.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (g *GuardedStore) Close() error { return g.inner.Close() }

func (g *GuardedStore) allow() error {
	if err := g.breaker.Allow(); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

// Only backend faults count against the circuit. A request that ended with
// its context is released without an outcome.
func (g *GuardedStore) record(err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		g.breaker.Release()
	case errors.Is(err, ErrStorage):
		g.breaker.RecordFailure()
	default:
		g.breaker.RecordSuccess()
	}
}
