package booksync

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDelayGrowth(t *testing.T) {
	cfg := BackoffConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		Jitter:         0,
	}

	if d := cfg.Delay(1); d != time.Second {
		t.Errorf("expected 1s for attempt 1, got %v", d)
	}
	if d := cfg.Delay(2); d != 2*time.Second {
		t.Errorf("expected 2s for attempt 2, got %v", d)
	}
	if d := cfg.Delay(4); d != 8*time.Second {
		t.Errorf("expected 8s for attempt 4, got %v", d)
	}
}

func TestBackoffDelayCapped(t *testing.T) {
	cfg := BackoffConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		Jitter:         0,
	}

	if d := cfg.Delay(20); d != 60*time.Second {
		t.Errorf("expected cap at 60s, got %v", d)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	cfg := BackoffConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}

	for i := 0; i < 50; i++ {
		d := cfg.Delay(3)
		lo := time.Duration(float64(4*time.Second) * 0.8)
		hi := time.Duration(float64(4*time.Second) * 1.2)
		if d < lo || d > hi {
			t.Fatalf("delay %v outside jitter bounds [%v, %v]", d, lo, hi)
		}
	}
}

func TestBackoffZeroConfigUsesDefaults(t *testing.T) {
	var cfg BackoffConfig

	d := cfg.Delay(1)
	if d <= 0 || d > 2*time.Second {
		t.Errorf("expected roughly 1s default initial backoff, got %v", d)
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if !cb.Allow() {
			t.Fatalf("expected closed breaker to allow request %d", i)
		}
		cb.Record(errors.New("unreachable"))
	}

	if cb.Allow() {
		t.Errorf("expected open breaker to reject")
	}
	if cb.State() != "open" {
		t.Errorf("expected state open, got %s", cb.State())
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.Record(errors.New("unreachable"))

	if cb.Allow() {
		t.Fatalf("expected open breaker to reject immediately")
	}

	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatalf("expected half-open probe after reset timeout")
	}
	if cb.State() != "half-open" {
		t.Errorf("expected state half-open, got %s", cb.State())
	}

	cb.Record(nil)
	if cb.State() != "closed" {
		t.Errorf("expected successful probe to close breaker, got %s", cb.State())
	}
	if cb.Failures() != 0 {
		t.Errorf("expected failure count reset, got %d", cb.Failures())
	}
}

func TestIsRetryableClassification(t *testing.T) {
	if IsRetryable(nil) {
		t.Errorf("nil error must not be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Errorf("cancellation must not be retryable")
	}
	if !IsRetryable(context.DeadlineExceeded) {
		t.Errorf("deadline exceeded must be retryable")
	}
	if !IsRetryable(errors.New("dial tcp: connection refused")) {
		t.Errorf("connection refused must be retryable")
	}
	if IsRetryable(errors.New("validation failed: total must be positive")) {
		t.Errorf("business rejection must not be retryable")
	}

	transient := newSyncError(SyncErrorTransient, "push", errors.New("boom"))
	if !IsRetryable(transient) {
		t.Errorf("transient sync error must be retryable")
	}
	terminal := newSyncError(SyncErrorTerminal, "push", errors.New("rejected"))
	if IsRetryable(terminal) {
		t.Errorf("terminal sync error must not be retryable")
	}
}

func TestSyncErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := newSyncError(SyncErrorStorage, "insert outbox entry", cause)

	if !errors.Is(err, cause) {
		t.Errorf("expected errors.Is to find the cause")
	}
	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("expected errors.As to match *SyncError")
	}
	if se.Kind != SyncErrorStorage {
		t.Errorf("expected storage kind, got %d", se.Kind)
	}
	if !se.Retryable() {
		t.Errorf("storage errors retry on the next cycle")
	}
}
