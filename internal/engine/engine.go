// Package engine is the entry point to the temporal feature engine. It pairs
// read-only feature extraction with the single path that admits events into
// history, so an event is always evaluated before it becomes visible.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/txfeatures/internal/features"
	"github.com/mbd888/txfeatures/internal/history"
	"github.com/mbd888/txfeatures/internal/logging"
	"github.com/mbd888/txfeatures/internal/metrics"
	"github.com/mbd888/txfeatures/internal/syncutil"
	"github.com/mbd888/txfeatures/internal/traces"
	"github.com/mbd888/txfeatures/internal/txn"
)

// ErrCausality is returned when a commit's witness vector was not extracted
// for the event being committed.
var ErrCausality = errors.New("engine: commit without matching extraction")

// ScoreFunc consumes a freshly extracted vector before the event is
// committed. Returning an error aborts the commit.
type ScoreFunc func(ctx context.Context, v features.Vector) error

// Result is the outcome of Process.
type Result struct {
	Vector    features.Vector
	Seq       int64
	Committed bool
}

// Engine extracts features and commits events against one history store.
type Engine struct {
	store     history.Store
	assembler *features.Assembler
	locks     *syncutil.KeyedMutex
	backend   string
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackendName labels metrics and spans with the store's backend.
func WithBackendName(name string) Option {
	return func(e *Engine) { e.backend = name }
}

// WithLockShards sets the number of per-entity lock shards.
func WithLockShards(n int) Option {
	return func(e *Engine) { e.locks = syncutil.NewKeyedMutex(n) }
}

// New creates an engine over store.
func New(store history.Store, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		assembler: features.NewAssembler(store),
		locks:     syncutil.NewKeyedMutex(syncutil.DefaultShards),
		backend:   "unknown",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store returns the underlying history store.
func (e *Engine) Store() history.Store { return e.store }

// Backend returns the backend label.
func (e *Engine) Backend() string { return e.backend }

// Extract builds the feature vector for ev as of its own timestamp. It never
// mutates history.
func (e *Engine) Extract(ctx context.Context, ev txn.Event) (features.Vector, error) {
	ctx, span := traces.StartSpan(ctx, "engine.Extract", traces.Entity(ev.Entity), traces.AsOf(ev.Timestamp))
	defer span.End()

	start := time.Now()
	v, err := e.assembler.Extract(ctx, ev)
	metrics.ExtractDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		traces.Fail(span, err)
		if errors.Is(err, history.ErrStorage) {
			metrics.StoreErrorsTotal.WithLabelValues(e.backend, "query").Inc()
		}
		logging.L(ctx).Error("feature extraction failed",
			"entity", ev.Entity, "as_of", ev.Timestamp, "backend", e.backend, "error", err)
		return features.Vector{}, fmt.Errorf("extract %s@%d: %w", ev.Entity, ev.Timestamp, err)
	}

	if degraded := v.Degraded(); len(degraded) > 0 {
		for _, name := range degraded {
			metrics.DegradedFeaturesTotal.WithLabelValues(name).Inc()
		}
		logging.L(ctx).Debug("features degraded to defaults",
			"entity", ev.Entity, "txn_id", ev.TxnID, "features", degraded)
	}
	return v, nil
}

// Commit admits ev into history. witness must be the vector extracted for
// ev; anything else returns ErrCausality and leaves history untouched.
func (e *Engine) Commit(ctx context.Context, ev txn.Event, witness features.Vector) (int64, error) {
	if err := checkWitness(ev, witness); err != nil {
		metrics.CommitsTotal.WithLabelValues("rejected").Inc()
		return 0, err
	}
	unlock, err := e.locks.Lock(ctx, ev.Entity)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return e.commit(ctx, ev)
}

// Process extracts ev, hands the vector to score (when non-nil), and commits
// ev when store is set. The sequence runs under the entity's lock, so no
// other commit for the same entity can land between extraction and commit.
func (e *Engine) Process(ctx context.Context, ev txn.Event, score ScoreFunc, store bool) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "engine.Process", traces.Entity(ev.Entity), traces.TxnID(ev.TxnID))
	defer span.End()

	unlock, err := e.locks.Lock(ctx, ev.Entity)
	if err != nil {
		traces.Fail(span, err)
		return Result{}, err
	}
	defer unlock()

	v, err := e.Extract(ctx, ev)
	if err != nil {
		traces.Fail(span, err)
		return Result{}, err
	}
	res := Result{Vector: v}

	if score != nil {
		if err := score(ctx, v); err != nil {
			traces.Fail(span, err)
			return res, err
		}
	}
	if !store {
		return res, nil
	}

	seq, err := e.commit(ctx, ev)
	if err != nil {
		traces.Fail(span, err)
		return res, err
	}
	res.Seq, res.Committed = seq, true
	return res, nil
}

func (e *Engine) commit(ctx context.Context, ev txn.Event) (int64, error) {
	ctx, span := traces.StartSpan(ctx, "engine.Commit", traces.Entity(ev.Entity), traces.AsOf(ev.Timestamp), traces.Backend(e.backend))
	defer span.End()

	seq, err := e.store.Insert(ctx, ev)
	if err != nil {
		traces.Fail(span, err)
		metrics.CommitsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, history.ErrStorage) {
			metrics.StoreErrorsTotal.WithLabelValues(e.backend, "insert").Inc()
		}
		logging.L(ctx).Error("history commit failed",
			"entity", ev.Entity, "txn_id", ev.TxnID, "backend", e.backend, "error", err)
		return 0, fmt.Errorf("commit %s@%d: %w", ev.Entity, ev.Timestamp, err)
	}
	span.SetAttributes(traces.Seq(seq))
	metrics.CommitsTotal.WithLabelValues("committed").Inc()
	return seq, nil
}

func checkWitness(ev txn.Event, w features.Vector) error {
	if !w.Assembled() {
		return fmt.Errorf("%w: no vector extracted for %s@%d", ErrCausality, ev.Entity, ev.Timestamp)
	}
	if w.Entity != ev.Entity || w.AsOf != ev.Timestamp {
		return fmt.Errorf("%w: vector for %s@%d, event %s@%d",
			ErrCausality, w.Entity, w.AsOf, ev.Entity, ev.Timestamp)
	}
	return nil
}
