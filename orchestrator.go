package booksync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EngineState is the orchestrator lifecycle state.
type EngineState string

const (
	// StateStopped means no sync activity is scheduled.
	StateStopped EngineState = "stopped"
	// StateStarting means the components are being wired and subscribed.
	StateStarting EngineState = "starting"
	// StateRunning means periodic cycles and event triggers are live.
	StateRunning EngineState = "running"
)

// OrchestratorConfig configures the sync lifecycle.
type OrchestratorConfig struct {
	// UpstreamInterval is the period of outbox drain cycles. Default: 15s.
	UpstreamInterval time.Duration

	// DownstreamInterval is the period of pull cycles. Default: 30s.
	DownstreamInterval time.Duration

	// SessionID tags this client session for echo suppression. Generated
	// when empty.
	SessionID string

	Connectivity ConnectivityConfig
	Upstream     UpstreamConfig
	Downstream   DownstreamConfig
	Realtime     RealtimeConfig
}

// DefaultOrchestratorConfig returns orchestrator defaults.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		UpstreamInterval:   15 * time.Second,
		DownstreamInterval: 30 * time.Second,
		Connectivity:       DefaultConnectivityConfig(),
		Upstream:           DefaultUpstreamConfig(),
		Downstream:         DefaultDownstreamConfig(),
	}
}

// Orchestrator composes the outbox, processors, observer, and realtime
// channel into one per-session sync lifecycle. It is an explicit service
// instance: storage and transport are constructor-injected, nothing lives
// in package globals.
type Orchestrator struct {
	store     *LocalStore
	central   CentralClient
	outbox    *Outbox
	resolvers *ResolverRegistry
	config    OrchestratorConfig
	logger    *slog.Logger

	mu         sync.Mutex
	state      EngineState
	tenantID   string
	observer   *ConnectivityObserver
	upstream   *UpstreamProcessor
	downstream *DownstreamPuller
	realtime   *RealtimeChannel
	archive    *DeadLetterArchive
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	forceSync chan struct{}
}

// NewOrchestrator creates the sync engine for a local store and central
// client. A nil resolvers registry defaults to last-write-wins for every
// entity type.
func NewOrchestrator(store *LocalStore, central CentralClient, resolvers *ResolverRegistry, config OrchestratorConfig, logger *slog.Logger) (*Orchestrator, error) {
	if config.UpstreamInterval <= 0 {
		config.UpstreamInterval = 15 * time.Second
	}
	if config.DownstreamInterval <= 0 {
		config.DownstreamInterval = 30 * time.Second
	}
	if config.SessionID == "" {
		config.SessionID = uuid.NewString()
	}
	if resolvers == nil {
		resolvers = NewResolverRegistry(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}

	outbox, err := NewOutbox(store, DefaultOutboxConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("init outbox: %w", err)
	}

	return &Orchestrator{
		store:     store,
		central:   central,
		outbox:    outbox,
		resolvers: resolvers,
		config:    config,
		logger:    logger,
		state:     StateStopped,
		forceSync: make(chan struct{}, 1),
	}, nil
}

// State returns the lifecycle state.
func (o *Orchestrator) State() EngineState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Outbox exposes the queue manager so business logic can enqueue mutations
// and ops surfaces can inspect failures.
func (o *Orchestrator) Outbox() *Outbox {
	return o.outbox
}

// QueueStatus reports pending/syncing/failed counts for display.
func (o *Orchestrator) QueueStatus() QueueStatus {
	return o.outbox.Status()
}

// TerminalFailures returns the channel of dead-letter entries. When an
// archive is attached it consumes this channel while the engine runs; read
// failures via FailedRecords instead.
func (o *Orchestrator) TerminalFailures() <-chan ChangeRecord {
	return o.outbox.TerminalFailures()
}

// AttachArchive wires a dead-letter archive. While the engine runs, terminal
// failures are exported to object storage as they occur; the local entries
// still await operator acknowledgement. Must be called before Start.
func (o *Orchestrator) AttachArchive(a *DeadLetterArchive) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.archive = a
}

// Start begins the sync lifecycle for a tenant: subscribes to connectivity
// and realtime events and schedules periodic upstream/downstream cycles.
// Outbox contents persist across Stop/Start.
func (o *Orchestrator) Start(tenantID string) error {
	o.mu.Lock()
	if o.state != StateStopped {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	o.state = StateStarting
	o.tenantID = tenantID

	o.observer = NewConnectivityObserver(o.central, o.config.Connectivity, o.logger)
	o.upstream = NewUpstreamProcessor(o.outbox, o.central, o.config.Upstream, o.logger)
	o.downstream = NewDownstreamPuller(o.store, o.central, o.resolvers, tenantID, o.config.Downstream, o.logger)
	if o.config.Realtime.URL != "" {
		o.realtime = NewRealtimeChannel(o.config.Realtime, tenantID, o.config.SessionID, o.logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel

	o.observer.Start()
	if o.realtime != nil {
		o.realtime.Start()
	}
	if o.archive != nil {
		o.archive.Watch(o.outbox.TerminalFailures())
	}

	o.wg.Add(1)
	go o.run(ctx)

	o.state = StateRunning
	o.mu.Unlock()

	o.logger.Info("sync engine started", "tenant", tenantID, "session", o.config.SessionID)
	return nil
}

// Stop cancels timers and subscriptions. In-flight pushes settle and their
// results are applied before claims are released, so no entry stays stuck
// in syncing.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.state == StateStopped {
		o.mu.Unlock()
		return nil
	}
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()

	o.observer.Stop()
	if o.realtime != nil {
		o.realtime.Stop()
	}
	if o.archive != nil {
		o.archive.Stop()
	}

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer releaseCancel()
	if err := o.outbox.ReleaseClaims(releaseCtx); err != nil {
		o.logger.Error("release outbox claims", "err", err)
	}

	o.mu.Lock()
	o.state = StateStopped
	o.mu.Unlock()

	o.logger.Info("sync engine stopped", "tenant", o.tenantID)
	return nil
}

// ForceSyncNow requests an immediate upstream-then-downstream cycle outside
// the periodic schedule.
func (o *Orchestrator) ForceSyncNow() {
	select {
	case o.forceSync <- struct{}{}:
	default:
	}
}

// run is the orchestrator event loop: periodic cycles, connectivity
// transitions, realtime nudges, and manual triggers.
func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	upstreamTick := time.NewTicker(o.config.UpstreamInterval)
	defer upstreamTick.Stop()
	downstreamTick := time.NewTicker(o.config.DownstreamInterval)
	defer downstreamTick.Stop()

	var nudges <-chan RealtimeEvent
	if o.realtime != nil {
		nudges = o.realtime.Nudges()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case tr := <-o.observer.Transitions():
			if tr.To == PhaseOnline {
				// Reconnect: one immediate full cycle before resuming the
				// schedule.
				o.logger.Info("back online, running catch-up cycle")
				o.runUpstream(ctx)
				o.runDownstream(ctx)
			} else {
				o.logger.Info("offline, suspending sync cycles")
			}

		case <-upstreamTick.C:
			o.runUpstream(ctx)

		case <-downstreamTick.C:
			o.runDownstream(ctx)

		case ev := <-nudges:
			// Another session committed; pull out of schedule instead of
			// waiting for the next interval.
			o.logger.Debug("remote commit observed",
				"entity_type", ev.EntityType, "entity_id", ev.EntityID)
			o.runDownstream(ctx)

		case <-o.forceSync:
			o.runUpstream(ctx)
			o.runDownstream(ctx)
		}
	}
}

func (o *Orchestrator) runUpstream(ctx context.Context) {
	if !o.observer.Online() {
		return
	}
	if err := o.upstream.Cycle(ctx); err != nil && ctx.Err() == nil {
		// Systemic failure; the next scheduled cycle retries.
		o.logger.Error("upstream cycle aborted", "err", err)
	}
}

func (o *Orchestrator) runDownstream(ctx context.Context) {
	if !o.observer.Online() {
		return
	}
	if err := o.downstream.Cycle(ctx); err != nil && ctx.Err() == nil {
		o.logger.Error("downstream cycle aborted", "err", err)
	}
}

// EngineStatus aggregates component statistics for display.
type EngineStatus struct {
	State        EngineState       `json:"state"`
	TenantID     string            `json:"tenant_id"`
	Connectivity ConnectivityState `json:"connectivity"`
	Queue        QueueStatus       `json:"queue"`
	Upstream     UpstreamStats     `json:"upstream"`
	Downstream   DownstreamStats   `json:"downstream"`
	Realtime     *RealtimeStats    `json:"realtime,omitempty"`
	CaughtUp     bool              `json:"caught_up"`
}

// Status returns a snapshot of the whole engine.
func (o *Orchestrator) Status() EngineStatus {
	o.mu.Lock()
	state := o.state
	tenant := o.tenantID
	observer := o.observer
	upstream := o.upstream
	downstream := o.downstream
	realtime := o.realtime
	o.mu.Unlock()

	st := EngineStatus{
		State:    state,
		TenantID: tenant,
		Queue:    o.outbox.Status(),
	}
	if observer != nil {
		st.Connectivity = observer.State()
	}
	if upstream != nil {
		st.Upstream = upstream.Stats()
	}
	if downstream != nil {
		st.Downstream = downstream.Stats()
		st.CaughtUp = downstream.CaughtUp()
	}
	if realtime != nil {
		rs := realtime.Stats()
		st.Realtime = &rs
	}
	return st
}
