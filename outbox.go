package booksync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OutboxConfig configures the durable outbox.
type OutboxConfig struct {
	// MaxAttempts bounds retries before an entry turns terminal.
	// Default: 8
	MaxAttempts int

	// Backoff configures the retry delay between attempts.
	Backoff BackoffConfig

	// TerminalBuffer is the capacity of the terminal-failure channel.
	// Default: 64
	TerminalBuffer int
}

// DefaultOutboxConfig returns outbox defaults.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		MaxAttempts:    8,
		Backoff:        DefaultBackoffConfig(),
		TerminalBuffer: 64,
	}
}

// QueueStatus summarizes the outbox for UI/ops display.
type QueueStatus struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Failed  int `json:"failed"`
}

// outboxEntry is the in-memory mirror of a durable outbox row plus the
// volatile retry gate. The gate is deliberately not persisted: after a crash
// retries simply become eligible immediately.
type outboxEntry struct {
	record        ChangeRecord
	nextAttemptAt time.Time

	// superseded marks an entry whose claimed push is still in flight while a
	// newer mutation already coalesced in. The entry stays unclaimable until
	// the stale push settles, and settlement requeues it instead of removing
	// it.
	superseded bool
}

// Outbox is the queue manager owning the ChangeRecord lifecycle. Every state
// transition is persisted to the local store before the in-memory mirror is
// updated, so a crash mid-cycle reconstructs the true queue from durable
// storage alone.
type Outbox struct {
	store  *LocalStore
	config OutboxConfig
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*outboxEntry  // by record ID
	byKey   map[EntityKey]string     // non-terminal entry ID per entity
	order   []string                 // enqueue order of non-terminal IDs

	terminal chan ChangeRecord
}

// NewOutbox creates the queue manager and reconstructs its mirror from the
// durable outbox. Entries left syncing by a previous crash are recovered to
// pending first.
func NewOutbox(store *LocalStore, config OutboxConfig, logger *slog.Logger) (*Outbox, error) {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 8
	}
	if config.TerminalBuffer <= 0 {
		config.TerminalBuffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}

	o := &Outbox{
		store:    store,
		config:   config,
		logger:   logger,
		entries:  make(map[string]*outboxEntry),
		byKey:    make(map[EntityKey]string),
		terminal: make(chan ChangeRecord, config.TerminalBuffer),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recovered, err := store.RecoverInFlight(ctx)
	if err != nil {
		return nil, fmt.Errorf("recover in-flight outbox entries: %w", err)
	}
	if recovered > 0 {
		logger.Warn("recovered in-flight outbox entries", "count", recovered)
	}

	records, err := store.LoadOutbox(ctx)
	if err != nil {
		return nil, fmt.Errorf("load outbox: %w", err)
	}
	for _, rec := range records {
		entry := &outboxEntry{record: rec}
		o.entries[rec.ID] = entry
		if rec.Status != StatusFailedTerminal {
			o.byKey[rec.Key()] = rec.ID
			o.order = append(o.order, rec.ID)
		}
	}

	return o, nil
}

// TerminalFailures returns the channel carrying entries that exhausted
// retries or were rejected outright. Consumers must drain it; entries are
// additionally retrievable via FailedRecords and are never purged
// automatically.
func (o *Outbox) TerminalFailures() <-chan ChangeRecord {
	return o.terminal
}

// Enqueue appends a local mutation to the outbox. If a non-terminal entry
// for the same entity already exists the new mutation coalesces into it:
// the payload is replaced and the attempt count reset, never duplicated.
//
// A delete arriving over a pending create cancels the entry outright: the
// central store never saw the entity, so there is nothing to push. Otherwise
// delete dominates whatever operation was queued.
//
// Coalescing into an entry whose push is in flight marks it superseded: the
// stale push's outcome settles the claim without removing the entry, and the
// coalesced mutation is pushed on a later cycle.
func (o *Outbox) Enqueue(ctx context.Context, change ChangeRecord) error {
	if change.ID == "" {
		change.ID = uuid.NewString()
	}
	if change.ClientTimestamp.IsZero() {
		change.ClientTimestamp = time.Now()
	}
	change.Status = StatusPending
	change.AttemptCount = 0
	change.LastError = ""

	o.mu.Lock()
	defer o.mu.Unlock()

	existingID, ok := o.byKey[change.Key()]
	if !ok {
		if err := o.store.InsertChange(ctx, change); err != nil {
			return err
		}
		o.entries[change.ID] = &outboxEntry{record: change}
		o.byKey[change.Key()] = change.ID
		o.order = append(o.order, change.ID)
		return nil
	}

	existing := o.entries[existingID]
	inFlight := existing.record.Status == StatusSyncing || existing.superseded

	if change.Operation == OpDelete && existing.record.Operation == OpCreate && !inFlight {
		// The create never reached the central store; drop the pair. A create
		// whose push is in flight may already exist centrally, so that case
		// coalesces to a delete below instead.
		if err := o.store.DeleteChange(ctx, existingID); err != nil {
			return err
		}
		o.removeLocked(existingID)
		return nil
	}

	coalesced := existing.record
	coalesced.Payload = change.Payload
	coalesced.UserID = change.UserID
	coalesced.ClientTimestamp = change.ClientTimestamp
	coalesced.Status = StatusPending
	coalesced.AttemptCount = 0
	coalesced.LastError = ""

	switch {
	case change.Operation == OpDelete:
		coalesced.Operation = OpDelete
	case existing.record.Operation == OpCreate:
		// Updates folded into an unsent create are still a create.
		coalesced.Operation = OpCreate
	case existing.record.Operation == OpDelete:
		// Delete already queued stays dominant.
		coalesced.Operation = OpDelete
		coalesced.Payload = existing.record.Payload
	default:
		coalesced.Operation = change.Operation
	}

	if err := o.store.ReplaceChange(ctx, coalesced); err != nil {
		return err
	}
	existing.record = coalesced
	existing.nextAttemptAt = time.Time{}
	if inFlight {
		// The durable row now carries the coalesced mutation as pending; the
		// stale in-flight push settles against the superseded flag.
		existing.superseded = true
	}
	return nil
}

// ClaimBatch atomically selects up to maxSize pending entries whose backoff
// has elapsed, transitions them to syncing, and returns them. Entries
// already syncing are excluded, so at most one push per entity is ever in
// flight.
func (o *Outbox) ClaimBatch(ctx context.Context, maxSize int) ([]ChangeRecord, error) {
	if maxSize <= 0 {
		return nil, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	var claimed []ChangeRecord
	for _, id := range o.order {
		if len(claimed) >= maxSize {
			break
		}
		entry, ok := o.entries[id]
		if !ok || entry.record.Status != StatusPending {
			continue
		}
		if entry.superseded {
			// A push for this entity is still in flight under the previous
			// payload; claiming again would break single-flight.
			continue
		}
		if entry.nextAttemptAt.After(now) {
			continue
		}

		if err := o.store.UpdateChangeStatus(ctx, id, StatusSyncing, entry.record.AttemptCount, entry.record.LastError); err != nil {
			// Durable transition failed; leave the entry pending and stop
			// claiming, the cycle retries on its next schedule.
			o.logger.Error("claim transition failed", "id", id, "err", err)
			return claimed, err
		}
		entry.record.Status = StatusSyncing
		claimed = append(claimed, entry.record)
	}
	return claimed, nil
}

// MarkSynced acknowledges a pushed entry and removes it from the queue. If a
// newer mutation coalesced in while the push was in flight, the entry stays
// queued with that mutation instead.
func (o *Outbox) MarkSynced(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if entry, ok := o.entries[id]; ok && entry.superseded {
		// The durable row already holds the coalesced mutation as pending.
		entry.superseded = false
		return nil
	}

	if err := o.store.DeleteChange(ctx, id); err != nil {
		return err
	}
	o.removeLocked(id)
	return nil
}

// MarkFailed records a push failure. Retryable failures return to pending
// after computed backoff until MaxAttempts is exhausted; everything else
// turns terminal and is surfaced on the terminal-failure channel.
func (o *Outbox) MarkFailed(ctx context.Context, id string, pushErr error, retryable bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.entries[id]
	if !ok {
		return ErrNotFound
	}

	if entry.superseded {
		// The failed push carried a payload that has since been replaced;
		// the coalesced mutation is already pending with a fresh attempt
		// budget and must not inherit this failure.
		entry.superseded = false
		return nil
	}

	attempts := entry.record.AttemptCount + 1
	lastError := ""
	if pushErr != nil {
		lastError = pushErr.Error()
	}

	if retryable && attempts < o.config.MaxAttempts {
		if err := o.store.UpdateChangeStatus(ctx, id, StatusPending, attempts, lastError); err != nil {
			return err
		}
		entry.record.Status = StatusPending
		entry.record.AttemptCount = attempts
		entry.record.LastError = lastError
		entry.nextAttemptAt = time.Now().Add(o.config.Backoff.Delay(attempts))
		return nil
	}

	if err := o.store.UpdateChangeStatus(ctx, id, StatusFailedTerminal, attempts, lastError); err != nil {
		return err
	}
	entry.record.Status = StatusFailedTerminal
	entry.record.AttemptCount = attempts
	entry.record.LastError = lastError

	// Terminal entries leave the claimable queue but stay in the mirror and
	// the durable outbox until an operator acknowledges them.
	delete(o.byKey, entry.record.Key())
	o.removeFromOrderLocked(id)

	select {
	case o.terminal <- entry.record:
	default:
		o.logger.Warn("terminal-failure channel full",
			"entity_type", entry.record.EntityType,
			"entity_id", entry.record.EntityID,
			"last_error", lastError)
	}

	o.logger.Error("outbox entry failed terminally",
		"entity_type", entry.record.EntityType,
		"entity_id", entry.record.EntityID,
		"attempts", attempts,
		"last_error", lastError)
	return nil
}

// ReleaseClaims returns all syncing entries to pending, durably. Called on
// shutdown after in-flight pushes have settled.
func (o *Outbox) ReleaseClaims(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.store.RecoverInFlight(ctx); err != nil {
		return err
	}
	for _, entry := range o.entries {
		if entry.record.Status == StatusSyncing {
			entry.record.Status = StatusPending
		}
		entry.superseded = false
	}
	return nil
}

// Status reports queue counts for UI/ops display.
func (o *Outbox) Status() QueueStatus {
	o.mu.Lock()
	defer o.mu.Unlock()

	var st QueueStatus
	for _, entry := range o.entries {
		switch entry.record.Status {
		case StatusPending:
			st.Pending++
		case StatusSyncing:
			st.Syncing++
		case StatusFailedTerminal:
			st.Failed++
		}
	}
	return st
}

// FailedRecords lists terminal entries with full context for manual
// resolution.
func (o *Outbox) FailedRecords() []ChangeRecord {
	o.mu.Lock()
	defer o.mu.Unlock()

	var failed []ChangeRecord
	for _, entry := range o.entries {
		if entry.record.Status == StatusFailedTerminal {
			failed = append(failed, entry.record)
		}
	}
	return failed
}

// Acknowledge removes a terminal entry after an operator has resolved it.
func (o *Outbox) Acknowledge(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.entries[id]
	if !ok {
		return ErrNotFound
	}
	if entry.record.Status != StatusFailedTerminal {
		return fmt.Errorf("entry %s is %s, only terminal entries can be acknowledged", id, entry.record.Status)
	}
	if err := o.store.DeleteChange(ctx, id); err != nil {
		return err
	}
	delete(o.entries, id)
	return nil
}

// Len returns the number of non-terminal queued entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.order)
}

func (o *Outbox) removeLocked(id string) {
	entry, ok := o.entries[id]
	if !ok {
		return
	}
	if o.byKey[entry.record.Key()] == id {
		delete(o.byKey, entry.record.Key())
	}
	delete(o.entries, id)
	o.removeFromOrderLocked(id)
}

func (o *Outbox) removeFromOrderLocked(id string) {
	for i, oid := range o.order {
		if oid == id {
			o.order = append(o.order[:i], o.order[i+1:]...)
			return
		}
	}
}
