package booksync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ConnectivityConfig configures the reachability observer.
type ConnectivityConfig struct {
	// CheckInterval is how often the central store is probed.
	// Default: 10s
	CheckInterval time.Duration

	// ProbeTimeout bounds a single health probe. Default: 15s.
	ProbeTimeout time.Duration

	// BreakerFailures opens the probe circuit after this many consecutive
	// failures. Default: 5.
	BreakerFailures int

	// BreakerReset is how long the circuit stays open before admitting a
	// half-open probe. Default: 30s.
	BreakerReset time.Duration
}

// DefaultConnectivityConfig returns observer defaults.
func DefaultConnectivityConfig() ConnectivityConfig {
	return ConnectivityConfig{
		CheckInterval:   10 * time.Second,
		ProbeTimeout:    15 * time.Second,
		BreakerFailures: 5,
		BreakerReset:    30 * time.Second,
	}
}

// ConnectivityTransition is emitted when the observed phase settles on a new
// value.
type ConnectivityTransition struct {
	From ConnectivityPhase `json:"from"`
	To   ConnectivityPhase `json:"to"`
	At   time.Time         `json:"at"`
}

// ConnectivityObserver probes the central store on an independent schedule
// and reports debounced online/offline transitions on a channel. A state
// must be observed twice consecutively before a transition fires, so a
// flaky link does not thrash the sync loops.
type ConnectivityObserver struct {
	client  CentralClient
	config  ConnectivityConfig
	breaker *CircuitBreaker
	logger  *slog.Logger

	mu           sync.Mutex
	state        ConnectivityState
	lastObserved ConnectivityPhase
	streak       int
	running      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	transitions chan ConnectivityTransition
}

// NewConnectivityObserver creates an observer probing via the given client.
func NewConnectivityObserver(client CentralClient, config ConnectivityConfig, logger *slog.Logger) *ConnectivityObserver {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 10 * time.Second
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectivityObserver{
		client:      client,
		config:      config,
		breaker:     NewCircuitBreaker(config.BreakerFailures, config.BreakerReset),
		logger:      logger,
		state:       ConnectivityState{Phase: PhaseChecking},
		transitions: make(chan ConnectivityTransition, 8),
	}
}

// Transitions returns the channel carrying debounced phase transitions.
func (c *ConnectivityObserver) Transitions() <-chan ConnectivityTransition {
	return c.transitions
}

// State returns a snapshot of the current connectivity state.
func (c *ConnectivityObserver) State() ConnectivityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Online reports whether the settled phase is online.
func (c *ConnectivityObserver) Online() bool {
	return c.State().Phase == PhaseOnline
}

// Start begins periodic probing. Probes never run on the caller's
// goroutine.
func (c *ConnectivityObserver) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		// Probe immediately so a fresh start settles without waiting a full
		// interval; the debounce still requires a second observation.
		c.probe(ctx)

		ticker := time.NewTicker(c.config.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.probe(ctx)
			}
		}
	}()
}

// Stop cancels all scheduled checks.
func (c *ConnectivityObserver) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	cancel()
	c.wg.Wait()
}

func (c *ConnectivityObserver) probe(ctx context.Context) {
	if !c.breaker.Allow() {
		// Circuit open: count as an offline observation without touching
		// the network.
		c.observe(PhaseOffline, nil)
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	err := c.client.Health(probeCtx)
	cancel()

	c.breaker.Record(err)
	if err != nil {
		c.observe(PhaseOffline, err)
		return
	}
	c.observe(PhaseOnline, nil)
}

// observe feeds one probe result into the debounce. Two consecutive
// observations of the same phase are required before a transition fires.
func (c *ConnectivityObserver) observe(phase ConnectivityPhase, err error) {
	c.mu.Lock()

	if phase == PhaseOffline {
		c.state.ConsecutiveFailures++
	} else {
		c.state.ConsecutiveFailures = 0
	}

	if phase == c.lastObserved {
		c.streak++
	} else {
		c.lastObserved = phase
		c.streak = 1
	}

	if c.streak < 2 || c.state.Phase == phase {
		c.mu.Unlock()
		return
	}

	from := c.state.Phase
	now := time.Now()
	c.state.Phase = phase
	c.state.LastTransitionAt = now
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("connectivity transition", "from", from, "to", phase, "err", err)
	} else {
		c.logger.Info("connectivity transition", "from", from, "to", phase)
	}

	select {
	case c.transitions <- ConnectivityTransition{From: from, To: phase, At: now}:
	default:
		// Consumer lagging; the next settled transition supersedes this one.
	}
}
