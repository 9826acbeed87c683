package history

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/txfeatures/internal/txn"
)

// MemoryStore keeps every entity's history in an ordered slice guarded by its
// own lock, so writers for different entities never contend.
//
// It has no notion of transaction identity: inserting the same event twice
// stores it twice.
type MemoryStore struct {
	entities sync.Map // map[string]*entityHistory
	seq      atomic.Int64
}

type entityHistory struct {
	mu      sync.RWMutex
	entries []Entry
}

// Compile-time check.
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Insert(_ context.Context, ev txn.Event) (int64, error) {
	h := s.getHistory(ev.Entity)
	h.mu.Lock()
	defer h.mu.Unlock()

	// The sequence is taken under the entity lock so seq order within an
	// entity matches insertion order.
	entry := Entry{Seq: s.seq.Add(1), Event: ev}

	// entry has the largest seq so far; it goes after every event with
	// timestamp <= its own.
	i := sort.Search(len(h.entries), func(i int) bool {
		return h.entries[i].Event.Timestamp > ev.Timestamp
	})
	h.entries = append(h.entries, Entry{})
	copy(h.entries[i+1:], h.entries[i:])
	h.entries[i] = entry
	return entry.Seq, nil
}

func (s *MemoryStore) QueryWindow(_ context.Context, entity string, asOf int64, window time.Duration) ([]Entry, error) {
	lo, hi, ok := windowBounds(asOf, window)
	if !ok {
		return nil, nil
	}
	h := s.lookup(entity)
	if h == nil {
		return nil, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := h.firstAtOrAfter(lo)
	end := h.firstAtOrAfter(hi)
	if start >= end {
		return nil, nil
	}
	out := make([]Entry, end-start)
	copy(out, h.entries[start:end])
	return out, nil
}

func (s *MemoryStore) LastBefore(_ context.Context, entity string, asOf int64) (Entry, bool, error) {
	h := s.lookup(entity)
	if h == nil {
		return Entry{}, false, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	i := h.firstAtOrAfter(asOf)
	if i == 0 {
		return Entry{}, false, nil
	}
	return h.entries[i-1], true, nil
}

func (s *MemoryStore) LastMatchingBefore(_ context.Context, entity string, asOf int64, p Predicate) (Entry, bool, error) {
	h := s.lookup(entity)
	if h == nil {
		return Entry{}, false, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	for i := h.firstAtOrAfter(asOf) - 1; i >= 0; i-- {
		if p.Matches(h.entries[i].Event) {
			return h.entries[i], true, nil
		}
	}
	return Entry{}, false, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of events stored for entity (test helper).
func (s *MemoryStore) Len(entity string) int {
	h := s.lookup(entity)
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// getHistory returns or creates the history for an entity.
func (s *MemoryStore) getHistory(entity string) *entityHistory {
	v, _ := s.entities.LoadOrStore(entity, &entityHistory{})
	return v.(*entityHistory)
}

// lookup never creates, so read paths don't grow the map for unknown entities.
func (s *MemoryStore) lookup(entity string) *entityHistory {
	v, ok := s.entities.Load(entity)
	if !ok {
		return nil
	}
	return v.(*entityHistory)
}

// firstAtOrAfter returns the index of the first entry with timestamp >= ts
// (caller holds lock).
func (h *entityHistory) firstAtOrAfter(ts int64) int {
	return sort.Search(len(h.entries), func(i int) bool {
		return h.entries[i].Event.Timestamp >= ts
	})
}
