// Package storetest is the conformance suite every history backend must pass.
//
// Backend test files call Run with a constructor returning a fresh, empty
// store:
//
//	storetest.Run(t, func(t *testing.T) history.Store { return history.NewMemoryStore() }, storetest.Options{})
package storetest

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/txfeatures/internal/history"
	"github.com/mbd888/txfeatures/internal/txn"
)

// Options describes optional backend capabilities.
type Options struct {
	// Dedup is set for backends that enforce transaction id uniqueness.
	Dedup bool
}

// Factory returns a new empty store. The suite closes it.
type Factory func(t *testing.T) history.Store

// Run executes the full conformance suite.
func Run(t *testing.T, newStore Factory, opts Options) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s history.Store)
	}{
		{"UnknownEntity", testUnknownEntity},
		{"WindowIsHalfOpen", testWindowIsHalfOpen},
		{"NeverReturnsFutureEvents", testNeverReturnsFutureEvents},
		{"OrderWithTimestampCollisions", testOrderWithTimestampCollisions},
		{"LastBeforeBreaksTiesBySequence", testLastBeforeBreaksTiesBySequence},
		{"LastMatchingBefore", testLastMatchingBefore},
		{"AbsentFieldsSurvive", testAbsentFieldsSurvive},
		{"NonPositiveWindow", testNonPositiveWindow},
		{"EntitiesAreIsolated", testEntitiesAreIsolated},
		{"SeparatorsInIdentifiers", testSeparatorsInIdentifiers},
		{"ConcurrentInsertsSameEntity", testConcurrentInsertsSameEntity},
		{"ConcurrentInsertsAndQueries", testConcurrentInsertsAndQueries},
	}
	if opts.Dedup {
		tests = append(tests, struct {
			name string
			fn   func(t *testing.T, s history.Store)
		}{"DuplicateTxnID", testDuplicateTxnID})
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func ev(entity string, ts int64, merchant string) txn.Event {
	return txn.Event{
		Entity:    entity,
		Timestamp: ts,
		Amount:    txn.Float(float64(ts) / 10),
		Merchant:  merchant,
		Category:  "cat_" + merchant,
	}
}

func insert(t *testing.T, s history.Store, e txn.Event) int64 {
	t.Helper()
	seq, err := s.Insert(context.Background(), e)
	require.NoError(t, err)
	return seq
}

func timestamps(entries []history.Entry) []int64 {
	out := make([]int64, len(entries))
	for i, e := range entries {
		out[i] = e.Event.Timestamp
	}
	return out
}

func requireSorted(t *testing.T, entries []history.Entry) {
	t.Helper()
	for i := 1; i < len(entries); i++ {
		require.True(t, entries[i-1].Before(entries[i]),
			"entries %d and %d out of order: (%d,%d) then (%d,%d)", i-1, i,
			entries[i-1].Event.Timestamp, entries[i-1].Seq,
			entries[i].Event.Timestamp, entries[i].Seq)
	}
}

func testUnknownEntity(t *testing.T, s history.Store) {
	ctx := context.Background()

	got, err := s.QueryWindow(ctx, "nobody", 1000, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, ok, err := s.LastBefore(ctx, "nobody", 1000)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.LastMatchingBefore(ctx, "nobody", 1000, history.MerchantIs("M1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func testWindowIsHalfOpen(t *testing.T, s history.Store) {
	for _, ts := range []int64{939, 940, 950, 999, 1000, 1001} {
		insert(t, s, ev("A", ts, "M1"))
	}

	got, err := s.QueryWindow(context.Background(), "A", 1000, 60*time.Second)
	require.NoError(t, err)
	assert.Equal(t, []int64{940, 950, 999}, timestamps(got))
}

func testNeverReturnsFutureEvents(t *testing.T, s history.Store) {
	ctx := context.Background()
	// Later timestamps are inserted first so they carry smaller sequences.
	insert(t, s, ev("A", 2000, "M1"))
	insert(t, s, ev("A", 1000, "M1"))
	insert(t, s, ev("A", 500, "M1"))

	got, err := s.QueryWindow(ctx, "A", 1000, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []int64{500}, timestamps(got))

	last, ok, err := s.LastBefore(ctx, "A", 1000)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(500), last.Event.Timestamp)

	last, ok, err = s.LastMatchingBefore(ctx, "A", 1000, history.MerchantIs("M1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(500), last.Event.Timestamp)
}

func testOrderWithTimestampCollisions(t *testing.T, s history.Store) {
	var seqs []int64
	for _, ts := range []int64{30, 10, 20, 10, 30, 20} {
		seqs = append(seqs, insert(t, s, ev("A", ts, fmt.Sprintf("M%d", ts))))
	}
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1], "sequence must increase with insertion")
	}

	got, err := s.QueryWindow(context.Background(), "A", 100, time.Hour)
	require.NoError(t, err)
	require.Len(t, got, 6)
	assert.Equal(t, []int64{10, 10, 20, 20, 30, 30}, timestamps(got))
	requireSorted(t, got)
	assert.Equal(t, seqs[1], got[0].Seq)
	assert.Equal(t, seqs[3], got[1].Seq)
}

func testLastBeforeBreaksTiesBySequence(t *testing.T, s history.Store) {
	ctx := context.Background()
	insert(t, s, ev("A", 50, "first"))
	second := insert(t, s, ev("A", 50, "second"))
	insert(t, s, ev("A", 60, "later"))

	last, ok, err := s.LastBefore(ctx, "A", 60)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second, last.Seq)
	assert.Equal(t, "second", last.Event.Merchant)

	_, ok, err = s.LastBefore(ctx, "A", 50)
	require.NoError(t, err)
	assert.False(t, ok, "as-of equal to the earliest timestamp sees nothing")
}

func testLastMatchingBefore(t *testing.T, s history.Store) {
	ctx := context.Background()
	insert(t, s, ev("A", 100, "M1"))
	insert(t, s, ev("A", 200, "M2"))
	insert(t, s, ev("A", 300, "M1"))
	insert(t, s, ev("A", 400, "M2"))

	last, ok, err := s.LastMatchingBefore(ctx, "A", 400, history.MerchantIs("M2"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(200), last.Event.Timestamp)

	last, ok, err = s.LastMatchingBefore(ctx, "A", 1000, history.CategoryIs("cat_M1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(300), last.Event.Timestamp)

	_, ok, err = s.LastMatchingBefore(ctx, "A", 1000, history.MerchantIs("M3"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.LastMatchingBefore(ctx, "A", 150, history.MerchantIs("M2"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.LastMatchingBefore(ctx, "A", 1000, history.MerchantIs(""))
	require.NoError(t, err)
	assert.False(t, ok, "unknown merchant never matches")
}

func testAbsentFieldsSurvive(t *testing.T, s history.Store) {
	full := txn.Event{
		TxnID:     "t-full",
		Entity:    "A",
		Timestamp: 10,
		Amount:    txn.Float(12.34),
		Lat:       txn.Float(40.0),
		Long:      txn.Float(-75.0),
		MerchLat:  txn.Float(40.5),
		MerchLong: txn.Float(-74.25),
		Merchant:  "M1",
		Category:  "grocery_pos",
		TransDate: "2020-06-14",
		TransTime: "12:30:00",
		DOB:       "1990-06-15",
		Gender:    "F",
		CityPop:   txn.Int(3495),
	}
	sparse := txn.Event{Entity: "A", Timestamp: 20}
	insert(t, s, full)
	insert(t, s, sparse)

	got, err := s.QueryWindow(context.Background(), "A", 30, time.Minute)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, full, got[0].Event)
	assert.Equal(t, sparse, got[1].Event)
	assert.False(t, got[1].Event.Amount.Valid)
	assert.False(t, got[1].Event.CityPop.Valid)
}

func testNonPositiveWindow(t *testing.T, s history.Store) {
	insert(t, s, ev("A", 999, "M1"))
	for _, w := range []time.Duration{0, -time.Minute, 500 * time.Millisecond} {
		got, err := s.QueryWindow(context.Background(), "A", 1000, w)
		require.NoError(t, err)
		assert.Empty(t, got, "window %s", w)
	}
}

func testEntitiesAreIsolated(t *testing.T, s history.Store) {
	insert(t, s, ev("A", 100, "M1"))
	insert(t, s, ev("B", 100, "M1"))
	insert(t, s, ev("B", 110, "M1"))

	got, err := s.QueryWindow(context.Background(), "A", 200, time.Hour)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.QueryWindow(context.Background(), "B", 200, time.Hour)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// Identifiers containing key separators must not leak between entities.
func testSeparatorsInIdentifiers(t *testing.T, s history.Store) {
	ctx := context.Background()
	insert(t, s, ev("A", 100, "M"))
	insert(t, s, ev("A:merchant:M", 110, "X"))
	insert(t, s, ev("A:merchant", 120, "M:X"))

	got, err := s.QueryWindow(ctx, "A:merchant:M", 200, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []int64{110}, timestamps(got))

	last, ok, err := s.LastMatchingBefore(ctx, "A", 200, history.MerchantIs("M"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(100), last.Event.Timestamp)

	_, ok, err = s.LastMatchingBefore(ctx, "A", 200, history.MerchantIs("merchant:M"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.LastMatchingBefore(ctx, "A:merchant", 200, history.MerchantIs("M"))
	require.NoError(t, err)
	assert.False(t, ok)

	last, ok, err = s.LastMatchingBefore(ctx, "A:merchant", 200, history.MerchantIs("M:X"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(120), last.Event.Timestamp)
}

func testConcurrentInsertsSameEntity(t *testing.T, s history.Store) {
	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for i := 0; i < perWorker; i++ {
				e := ev("A", int64(rng.Intn(20)), fmt.Sprintf("M%d", w))
				if _, err := s.Insert(context.Background(), e); err != nil {
					errs <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.QueryWindow(context.Background(), "A", 100, time.Hour)
	require.NoError(t, err)
	require.Len(t, got, workers*perWorker, "no commit lost or duplicated")
	requireSorted(t, got)

	seen := make(map[int64]bool, len(got))
	for _, e := range got {
		require.False(t, seen[e.Seq], "duplicate sequence %d", e.Seq)
		seen[e.Seq] = true
	}
}

func testConcurrentInsertsAndQueries(t *testing.T, s history.Store) {
	const entities, perEntity = 4, 20
	var wg sync.WaitGroup
	errs := make(chan error, entities*perEntity*2)
	for i := 0; i < entities; i++ {
		entity := fmt.Sprintf("E%d", i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for ts := int64(1); ts <= perEntity; ts++ {
				if _, err := s.Insert(context.Background(), ev(entity, ts, "M1")); err != nil {
					errs <- err
				}
			}
		}()
		go func() {
			defer wg.Done()
			for ts := int64(1); ts <= perEntity; ts++ {
				got, err := s.QueryWindow(context.Background(), entity, ts, time.Hour)
				if err != nil {
					errs <- err
					continue
				}
				for _, e := range got {
					if e.Event.Timestamp >= ts {
						errs <- fmt.Errorf("as-of %d returned event at %d", ts, e.Event.Timestamp)
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < entities; i++ {
		got, err := s.QueryWindow(context.Background(), fmt.Sprintf("E%d", i), perEntity+1, time.Hour)
		require.NoError(t, err)
		assert.Len(t, got, perEntity)
	}
}

func testDuplicateTxnID(t *testing.T, s history.Store) {
	e := ev("A", 100, "M1")
	e.TxnID = "txn-1"

	first := insert(t, s, e)
	second := insert(t, s, e)
	assert.Equal(t, first, second)

	got, err := s.QueryWindow(context.Background(), "A", 200, time.Hour)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
