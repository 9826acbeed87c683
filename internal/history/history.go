// Package history stores per-entity transaction histories and answers causal
// range queries over them.
//
// Every backend keeps each entity's events in (timestamp, sequence) order and
// never removes or rewrites a committed event. Queries bounded by an as-of
// time only ever see events whose timestamp is strictly earlier.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/txfeatures/internal/txn"
)

// ErrStorage wraps faults raised by a backend (I/O, connection loss,
// corrupt rows). It is never returned for an unknown entity.
var ErrStorage = errors.New("history: storage fault")

// fault wraps err from operation op as ErrStorage, unless the caller's
// context ended, in which case the context error is returned instead.
func fault(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w (%v)", op, ctxErr, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Entry is a committed event plus the sequence number the store assigned.
type Entry struct {
	Seq   int64
	Event txn.Event
}

// Before reports whether e sorts before other in (timestamp, seq) order.
func (e Entry) Before(other Entry) bool {
	if e.Event.Timestamp != other.Event.Timestamp {
		return e.Event.Timestamp < other.Event.Timestamp
	}
	return e.Seq < other.Seq
}

// Field names an event attribute a Predicate can match on.
type Field int

const (
	FieldMerchant Field = iota + 1
	FieldCategory
)

// Predicate is an equality match on a single identifier field. Backends push
// it down to an index where they can.
type Predicate struct {
	Field Field
	Value string
}

// MerchantIs matches events at the given merchant.
func MerchantIs(merchant string) Predicate {
	return Predicate{Field: FieldMerchant, Value: merchant}
}

// CategoryIs matches events in the given category.
func CategoryIs(category string) Predicate {
	return Predicate{Field: FieldCategory, Value: category}
}

// Matches reports whether ev satisfies p. An unknown identifier never
// matches, not even an unknown one on the other side.
func (p Predicate) Matches(ev txn.Event) bool {
	if p.Value == "" {
		return false
	}
	switch p.Field {
	case FieldMerchant:
		return ev.Merchant == p.Value
	case FieldCategory:
		return ev.Category == p.Value
	default:
		return false
	}
}

// Store is the history backend contract. Implementations must be safe for
// concurrent use across arbitrary entities.
type Store interface {
	// Insert appends ev to its entity's history and returns the assigned
	// sequence number. Re-inserting an event whose TxnID is already stored
	// returns the original sequence on backends that enforce uniqueness.
	Insert(ctx context.Context, ev txn.Event) (int64, error)

	// QueryWindow returns the entity's events with timestamp in
	// [asOf-window, asOf), in (timestamp, seq) order.
	QueryWindow(ctx context.Context, entity string, asOf int64, window time.Duration) ([]Entry, error)

	// LastBefore returns the greatest event with timestamp < asOf.
	LastBefore(ctx context.Context, entity string, asOf int64) (Entry, bool, error)

	// LastMatchingBefore is LastBefore restricted to events matching p.
	LastMatchingBefore(ctx context.Context, entity string, asOf int64, p Predicate) (Entry, bool, error)

	Close() error
}

// Pinger is implemented by backends with a remote dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// windowBounds converts a look-back duration into the half-open interval
// [lo, hi). ok is false when the interval is empty.
func windowBounds(asOf int64, window time.Duration) (lo, hi int64, ok bool) {
	secs := int64(window / time.Second)
	if secs <= 0 {
		return 0, 0, false
	}
	return asOf - secs, asOf, true
}
