// Package causal computes windowed aggregates over an entity's history as of
// a point in time. Every query is bounded by the as-of timestamp and sees
// only events strictly before it, so an event evaluated at its own timestamp
// never contributes to its own context.
package causal

import (
	"context"
	"math"
	"time"

	"github.com/mbd888/txfeatures/internal/history"
)

// NeverSeconds stands in for "no prior event" in time-since aggregates.
const NeverSeconds = 1_000_000_000

// Standard windows used by the published feature schema.
const (
	Window60s   = 60 * time.Second
	Window5m    = 5 * time.Minute
	Window15m   = 15 * time.Minute
	Window1h    = time.Hour
	Window24h   = 24 * time.Hour
	WindowCount = 4
)

// VelocityWindows are the standard velocity look-backs, shortest first.
var VelocityWindows = [WindowCount]time.Duration{Window60s, Window5m, Window15m, Window1h}

// Profile is the mean and population standard deviation of amounts.
type Profile struct {
	Mean   float64
	StdDev float64
	N      int
}

// Querier answers causal aggregate queries against a history store.
type Querier struct {
	store history.Store
}

// NewQuerier creates a querier over store.
func NewQuerier(store history.Store) *Querier {
	return &Querier{store: store}
}

// Velocity counts events in [asOf-window, asOf).
func (q *Querier) Velocity(ctx context.Context, entity string, asOf int64, window time.Duration) (int, error) {
	entries, err := q.store.QueryWindow(ctx, entity, asOf, window)
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// DistinctMerchants counts distinct known merchants in the window.
func (q *Querier) DistinctMerchants(ctx context.Context, entity string, asOf int64, window time.Duration) (int, error) {
	entries, err := q.store.QueryWindow(ctx, entity, asOf, window)
	if err != nil {
		return 0, err
	}
	return distinct(entries, history.FieldMerchant), nil
}

// DistinctCategories counts distinct known categories in the window.
func (q *Querier) DistinctCategories(ctx context.Context, entity string, asOf int64, window time.Duration) (int, error) {
	entries, err := q.store.QueryWindow(ctx, entity, asOf, window)
	if err != nil {
		return 0, err
	}
	return distinct(entries, history.FieldCategory), nil
}

// LastEvent returns the most recent event before asOf.
func (q *Querier) LastEvent(ctx context.Context, entity string, asOf int64) (history.Entry, bool, error) {
	return q.store.LastBefore(ctx, entity, asOf)
}

// TimeSinceLast returns seconds since the previous event, or NeverSeconds.
func (q *Querier) TimeSinceLast(ctx context.Context, entity string, asOf int64) (int64, error) {
	last, ok, err := q.store.LastBefore(ctx, entity, asOf)
	if err != nil {
		return 0, err
	}
	return timeSince(asOf, last, ok), nil
}

// SeenMerchantBefore reports whether any earlier event shares merchant.
func (q *Querier) SeenMerchantBefore(ctx context.Context, entity string, asOf int64, merchant string) (bool, error) {
	_, ok, err := q.store.LastMatchingBefore(ctx, entity, asOf, history.MerchantIs(merchant))
	return ok, err
}

// TimeSinceLastSameMerchant returns seconds since the previous event at
// merchant, or NeverSeconds.
func (q *Querier) TimeSinceLastSameMerchant(ctx context.Context, entity string, asOf int64, merchant string) (int64, error) {
	last, ok, err := q.store.LastMatchingBefore(ctx, entity, asOf, history.MerchantIs(merchant))
	if err != nil {
		return 0, err
	}
	return timeSince(asOf, last, ok), nil
}

// AmountProfile returns the amount profile of the window. Events without a
// known amount are ignored.
func (q *Querier) AmountProfile(ctx context.Context, entity string, asOf int64, window time.Duration) (Profile, error) {
	entries, err := q.store.QueryWindow(ctx, entity, asOf, window)
	if err != nil {
		return Profile{}, err
	}
	return amountProfile(entries), nil
}

// Aggregates is everything the feature assembler reads from history for one
// event.
type Aggregates struct {
	Velocity                  [WindowCount]int // indexed like VelocityWindows
	DistinctMerchants15m      int
	DistinctCategories15m     int
	SeenMerchantBefore        bool
	TimeSinceLast             int64
	TimeSinceLastSameMerchant int64
	Amount24h                 Profile
}

// Collect computes Aggregates with three store calls. Shorter windows are
// cut from the 24h snapshot; since they share asOf, the result equals calling
// each operation on its own.
func (q *Querier) Collect(ctx context.Context, entity string, asOf int64, merchant string) (Aggregates, error) {
	var agg Aggregates

	day, err := q.store.QueryWindow(ctx, entity, asOf, Window24h)
	if err != nil {
		return Aggregates{}, err
	}
	for i, w := range VelocityWindows {
		agg.Velocity[i] = len(tail(day, asOf, w))
	}
	recent := tail(day, asOf, Window15m)
	agg.DistinctMerchants15m = distinct(recent, history.FieldMerchant)
	agg.DistinctCategories15m = distinct(recent, history.FieldCategory)
	agg.Amount24h = amountProfile(day)

	last, ok, err := q.store.LastBefore(ctx, entity, asOf)
	if err != nil {
		return Aggregates{}, err
	}
	agg.TimeSinceLast = timeSince(asOf, last, ok)

	same, ok, err := q.store.LastMatchingBefore(ctx, entity, asOf, history.MerchantIs(merchant))
	if err != nil {
		return Aggregates{}, err
	}
	agg.SeenMerchantBefore = ok
	agg.TimeSinceLastSameMerchant = timeSince(asOf, same, ok)

	return agg, nil
}

// tail returns the suffix of time-ordered entries inside [asOf-window, asOf).
func tail(entries []history.Entry, asOf int64, window time.Duration) []history.Entry {
	lo := asOf - int64(window/time.Second)
	i := len(entries)
	for i > 0 && entries[i-1].Event.Timestamp >= lo {
		i--
	}
	return entries[i:]
}

func distinct(entries []history.Entry, field history.Field) int {
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		var v string
		switch field {
		case history.FieldMerchant:
			v = e.Event.Merchant
		case history.FieldCategory:
			v = e.Event.Category
		}
		if v != "" {
			seen[v] = struct{}{}
		}
	}
	return len(seen)
}

// amountProfile uses the population estimator (divide by N).
func amountProfile(entries []history.Entry) Profile {
	var sum float64
	n := 0
	for _, e := range entries {
		if e.Event.Amount.Valid {
			sum += e.Event.Amount.Float64
			n++
		}
	}
	if n == 0 {
		return Profile{}
	}
	mean := sum / float64(n)

	var sq float64
	for _, e := range entries {
		if e.Event.Amount.Valid {
			d := e.Event.Amount.Float64 - mean
			sq += d * d
		}
	}
	return Profile{Mean: mean, StdDev: math.Sqrt(sq / float64(n)), N: n}
}

func timeSince(asOf int64, last history.Entry, ok bool) int64 {
	if !ok {
		return NeverSeconds
	}
	d := asOf - last.Event.Timestamp
	if d < 0 {
		return 0
	}
	return d
}
