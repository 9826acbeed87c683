// Package circuitbreaker stops calling a failing backend for a cooldown
// period, moving through closed, open and half-open states.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/txfeatures/internal/metrics"
)

// ErrOpen is returned by Allow while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are rejected
	StateHalfOpen              // one probe call is in flight
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker guards one backend. It opens after threshold consecutive failures
// and, once cooldown has passed, lets a single probe through.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithLogger logs state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// New creates a breaker for the backend called name. Non-positive values
// fall back to 5 failures and 30 seconds.
func New(name string, threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. Every allowed call must be
// followed by RecordSuccess, RecordFailure or Release.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		return nil
	case StateHalfOpen:
		return ErrOpen
	default:
		return nil
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == StateHalfOpen {
		b.transition(StateClosed)
	}
}

// RecordFailure counts a failure, opening the circuit at the threshold or
// when a probe fails.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	switch {
	case b.state == StateHalfOpen:
		b.open()
	case b.state == StateClosed && b.failures >= b.threshold:
		b.open()
	}
}

// Release ends an allowed call whose outcome says nothing about the backend,
// such as a cancelled request. A half-open circuit reopens with its cooldown
// already elapsed, so the next call probes again.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.transition(StateOpen)
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// caller holds b.mu
func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(StateOpen)
}

// caller holds b.mu
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	metrics.BreakerTransitionsTotal.WithLabelValues(b.name, from.String(), to.String()).Inc()
	b.logger.Warn("history circuit breaker transition",
		"backend", b.name, "from", from.String(), "to", to.String(), "failures", b.failures)
}
