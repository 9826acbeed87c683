package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var fast = Policy{Attempts: 3, BaseDelay: 10 * time.Millisecond}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls, retries int
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		retries++
		if wait < 7*time.Millisecond {
			t.Errorf("attempt %d: wait %v below jitter floor", attempt, wait)
		}
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 || retries != 2 {
		t.Fatalf("expected 3 calls and 2 retries, got %d and %d", calls, retries)
	}
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	var calls int
	sentinel := errors.New("always fails")
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return sentinel
	}, nil)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	var calls int
	sentinel := errors.New("unknown backend")
	err := Do(context.Background(), Policy{Attempts: 5, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return Permanent(sentinel)
	}, nil)
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		t.Fatal("permanent wrapper should be stripped")
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, Policy{Attempts: 100, BaseDelay: 20 * time.Millisecond}, func(context.Context) error {
		calls.Add(1)
		return errors.New("transient")
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls.Load() >= 100 {
		t.Fatal("expected early exit on cancellation")
	}
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	var calls int
	_ = Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return errors.New("x")
	}, nil)
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestJitter_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(100 * time.Millisecond)
		if d < 75*time.Millisecond || d > 125*time.Millisecond {
			t.Fatalf("jitter %v out of bounds", d)
		}
	}
	if jitter(0) != 0 {
		t.Fatal("zero delay should stay zero")
	}
}
