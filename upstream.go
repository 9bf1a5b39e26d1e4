package booksync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// UpstreamConfig configures the outbox drain.
type UpstreamConfig struct {
	// BatchSize is how many entries are claimed per batch. Default: 20.
	BatchSize int

	// MaxConcurrentPushes bounds the worker pool within a batch.
	// Default: 8.
	MaxConcurrentPushes int

	// InterBatchDelay is the pause between batches. Default: 300ms.
	InterBatchDelay time.Duration
}

// DefaultUpstreamConfig returns upstream defaults.
func DefaultUpstreamConfig() UpstreamConfig {
	return UpstreamConfig{
		BatchSize:           20,
		MaxConcurrentPushes: 8,
		InterBatchDelay:     300 * time.Millisecond,
	}
}

// UpstreamStats contains upstream cycle statistics.
type UpstreamStats struct {
	Cycles           int64     `json:"cycles"`
	Pushed           int64     `json:"pushed"`
	RetryableFailed  int64     `json:"retryable_failed"`
	TerminalFailed   int64     `json:"terminal_failed"`
	LastCycleTime    time.Time `json:"last_cycle_time"`
	LastCycleBatches int       `json:"last_cycle_batches"`
}

// UpstreamProcessor drains the outbox against the central store's write API
// in bounded parallel batches. One entry's failure never blocks or rolls
// back its siblings; the cycle waits for the whole batch to settle before
// starting the next.
type UpstreamProcessor struct {
	outbox  *Outbox
	central CentralClient
	config  UpstreamConfig
	logger  *slog.Logger

	statsMu sync.RWMutex
	stats   UpstreamStats
}

// NewUpstreamProcessor creates the upstream processor.
func NewUpstreamProcessor(outbox *Outbox, central CentralClient, config UpstreamConfig, logger *slog.Logger) *UpstreamProcessor {
	if config.BatchSize <= 0 {
		config.BatchSize = 20
	}
	if config.MaxConcurrentPushes <= 0 {
		config.MaxConcurrentPushes = 8
	}
	if config.InterBatchDelay <= 0 {
		config.InterBatchDelay = 300 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UpstreamProcessor{
		outbox:  outbox,
		central: central,
		config:  config,
		logger:  logger,
	}
}

// Cycle claims and pushes batches until the queue is empty or the context is
// cancelled. Errors from individual pushes are recorded on their entries and
// never escape the cycle; only a systemic storage failure aborts it.
func (p *UpstreamProcessor) Cycle(ctx context.Context) error {
	batches := 0
	for {
		if err := ctx.Err(); err != nil {
			break
		}

		batch, err := p.outbox.ClaimBatch(ctx, p.config.BatchSize)
		if err != nil {
			// Claim transitions are durable-first; a failure here means the
			// local store is unhealthy. Push what was claimed, then abort.
			p.settleBatch(ctx, batch)
			return err
		}
		if len(batch) == 0 {
			break
		}

		batches++
		p.settleBatch(ctx, batch)

		if len(batch) < p.config.BatchSize {
			break
		}

		select {
		case <-ctx.Done():
		case <-time.After(p.config.InterBatchDelay):
		}
	}

	p.statsMu.Lock()
	p.stats.Cycles++
	p.stats.LastCycleTime = time.Now()
	p.stats.LastCycleBatches = batches
	p.statsMu.Unlock()
	return nil
}

// settleBatch dispatches all pushes concurrently through the bounded pool
// and waits for every one to settle. Shutdown does not interrupt dispatched
// pushes; their results are applied so no entry is left stuck syncing.
func (p *UpstreamProcessor) settleBatch(ctx context.Context, batch []ChangeRecord) {
	if len(batch) == 0 {
		return
	}

	sem := make(chan struct{}, p.config.MaxConcurrentPushes)
	var wg sync.WaitGroup

	for _, change := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(change ChangeRecord) {
			defer wg.Done()
			defer func() { <-sem }()
			p.pushOne(ctx, change)
		}(change)
	}

	wg.Wait()
}

func (p *UpstreamProcessor) pushOne(ctx context.Context, change ChangeRecord) {
	result := p.central.Push(ctx, change)

	// Result application uses a background context: a cancelled cycle must
	// still record the settled outcome durably.
	applyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch result.Status {
	case PushOK:
		if err := p.outbox.MarkSynced(applyCtx, change.ID); err != nil {
			p.logger.Error("mark synced failed", "id", change.ID, "err", err)
			return
		}
		p.statsMu.Lock()
		p.stats.Pushed++
		p.statsMu.Unlock()

	case PushTerminal:
		if err := p.outbox.MarkFailed(applyCtx, change.ID, result.Err, false); err != nil {
			p.logger.Error("mark terminal failed", "id", change.ID, "err", err)
			return
		}
		p.statsMu.Lock()
		p.stats.TerminalFailed++
		p.statsMu.Unlock()

	default:
		if err := p.outbox.MarkFailed(applyCtx, change.ID, result.Err, true); err != nil {
			p.logger.Error("mark retryable failed", "id", change.ID, "err", err)
			return
		}
		p.statsMu.Lock()
		p.stats.RetryableFailed++
		p.statsMu.Unlock()
		p.logger.Warn("push failed, will retry",
			"entity_type", change.EntityType,
			"entity_id", change.EntityID,
			"attempt", change.AttemptCount+1,
			"err", result.Err)
	}
}

// Stats returns upstream statistics.
func (p *UpstreamProcessor) Stats() UpstreamStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}
