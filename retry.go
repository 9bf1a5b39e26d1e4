package booksync

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// BackoffConfig configures retry backoff for failed pushes and probes.
type BackoffConfig struct {
	// InitialBackoff is the delay after the first failure.
	// Default: 1s
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between retries.
	// Default: 60s
	MaxBackoff time.Duration

	// Multiplier is applied to the backoff after each failure.
	// Default: 2.0
	Multiplier float64

	// Jitter adds randomness to backoff to prevent thundering herd.
	// Value between 0 and 1, where 0.1 means ±10% jitter.
	// Default: 0.2
	Jitter float64
}

// DefaultBackoffConfig returns backoff defaults tuned for sync pushes.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2.0
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0.2
	}
	return c
}

// Delay computes the backoff delay for the given attempt number (1-based),
// with jitter applied.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt <= 0 {
		attempt = 1
	}
	backoff := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(attempt-1))
	if backoff > float64(c.MaxBackoff) {
		backoff = float64(c.MaxBackoff)
	}
	if c.Jitter > 0 {
		jitterRange := backoff * c.Jitter
		backoff += (rand.Float64()*2 - 1) * jitterRange
	}
	if backoff < 0 {
		backoff = 0
	}
	return time.Duration(backoff)
}

// CircuitBreaker guards the central endpoint against hammering a dead link.
// It is safe for concurrent use.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        circuitState
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        circuitClosed,
	}
}

// Allow reports whether a request may proceed. An open breaker transitions
// to half-open after the reset timeout and admits a single probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	case circuitHalfOpen:
		return true
	}
	return true
}

// Record reports the outcome of a request to the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.state = circuitClosed
		return
	}

	cb.failures++
	cb.lastFailure = time.Now()
	if cb.failures >= cb.maxFailures {
		cb.state = circuitOpen
	}
}

// State returns the current circuit breaker state as a string.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
