package booksync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DownstreamConfig configures the incremental puller.
type DownstreamConfig struct {
	// MaxPages bounds how many pages one cycle consumes, so a huge backlog
	// cannot starve the upstream loop. Default: 50.
	MaxPages int

	// AuditLimit bounds the retained conflict audit trail. Default: 256.
	AuditLimit int
}

// DefaultDownstreamConfig returns downstream defaults.
func DefaultDownstreamConfig() DownstreamConfig {
	return DownstreamConfig{
		MaxPages:   50,
		AuditLimit: 256,
	}
}

// DownstreamStats contains puller statistics.
type DownstreamStats struct {
	Cycles        int64     `json:"cycles"`
	PulledRecords int64     `json:"pulled_records"`
	Applied       int64     `json:"applied"`
	Discarded     int64     `json:"discarded"`
	Conflicts     int64     `json:"conflicts"`
	LastCycleTime time.Time `json:"last_cycle_time"`
	LastCursor    time.Time `json:"last_cursor"`
}

// DownstreamPuller performs incremental pulls from the central store since
// the tenant's cursor, resolves each record against the local version, and
// applies winners. The cursor advances only atomically with the full
// application of a page; redelivered records are a no-op.
type DownstreamPuller struct {
	store     *LocalStore
	central   CentralClient
	resolvers *ResolverRegistry
	config    DownstreamConfig
	tenantID  string
	logger    *slog.Logger

	caughtUp atomic.Bool

	statsMu sync.RWMutex
	stats   DownstreamStats
	audit   []ConflictAudit
}

// NewDownstreamPuller creates the puller for one tenant.
func NewDownstreamPuller(store *LocalStore, central CentralClient, resolvers *ResolverRegistry, tenantID string, config DownstreamConfig, logger *slog.Logger) *DownstreamPuller {
	if config.MaxPages <= 0 {
		config.MaxPages = 50
	}
	if config.AuditLimit <= 0 {
		config.AuditLimit = 256
	}
	if resolvers == nil {
		resolvers = NewResolverRegistry(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DownstreamPuller{
		store:     store,
		central:   central,
		resolvers: resolvers,
		config:    config,
		tenantID:  tenantID,
		logger:    logger,
	}
}

// CaughtUp reports whether the last cycle consumed the feed to its end.
func (p *DownstreamPuller) CaughtUp() bool {
	return p.caughtUp.Load()
}

// Cycle pulls and applies pages until the feed reports no more, the page
// budget is spent, or the context is cancelled.
func (p *DownstreamPuller) Cycle(ctx context.Context) error {
	cursor, err := p.store.Cursor(ctx, p.tenantID)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}

	since := cursor.LastPullAt
	pages := 0

	for pages < p.config.MaxPages {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := p.central.Changes(ctx, p.tenantID, since)
		if err != nil {
			p.caughtUp.Store(false)
			return fmt.Errorf("pull changes since %s: %w", since.Format(time.RFC3339Nano), err)
		}
		pages++

		if len(page.Records) == 0 {
			if !page.HasMore {
				p.caughtUp.Store(true)
				break
			}
			// Defensive: an empty page claiming more without a timestamp
			// advance would loop forever.
			if !page.NextTimestamp.After(since) {
				p.caughtUp.Store(true)
				break
			}
			since = page.NextTimestamp
			continue
		}

		next, err := p.applyPage(ctx, page, since)
		if err != nil {
			p.caughtUp.Store(false)
			return err
		}
		since = next

		if !page.HasMore {
			p.caughtUp.Store(true)
			break
		}
		p.caughtUp.Store(false)
	}

	p.statsMu.Lock()
	p.stats.Cycles++
	p.stats.LastCycleTime = time.Now()
	p.stats.LastCursor = since
	p.statsMu.Unlock()
	return nil
}

// applyPage resolves every record in the page and commits the winners plus
// the advanced cursor in one local transaction. Returns the new cursor
// timestamp: the maximum updated-at observed, so the boundary record is
// re-requested next cycle (a deliberate overlap handled idempotently).
func (p *DownstreamPuller) applyPage(ctx context.Context, page ChangesPage, since time.Time) (time.Time, error) {
	var winners []*VersionedEntity
	var applied, discarded, conflicts int64
	maxSeen := since

	for i := range page.Records {
		remote := &page.Records[i]
		if remote.UpdatedAt.After(maxSeen) {
			maxSeen = remote.UpdatedAt
		}

		local, err := p.store.GetEntity(ctx, remote.Key())
		if err != nil && !errors.Is(err, ErrNotFound) {
			return since, fmt.Errorf("load local version: %w", err)
		}

		// Redelivered records the mirror already holds are a no-op; the
		// overlap at the cursor boundary makes these routine.
		if local != nil && local.UpdatedAt.Equal(remote.UpdatedAt) && local.OriginID == remote.OriginID {
			continue
		}

		resolution := p.resolvers.For(remote.EntityType).Resolve(local, remote)

		if resolution.Reason != ReasonNoLocalVersion {
			conflicts++
			p.recordAudit(ConflictAudit{
				EntityType: remote.EntityType,
				EntityID:   remote.EntityID,
				Reason:     resolution.Reason,
				WinnerOrig: resolution.Winner.OriginID,
				ResolvedAt: time.Now(),
			})
		}

		if local != nil && resolution.Winner == local {
			// Local version wins: the pulled record is stale relative to a
			// change the outbox still holds. Discard, do not apply.
			discarded++
			continue
		}

		// Apply whatever the resolver produced; a custom resolver may return
		// a merged version rather than the remote record itself.
		winners = append(winners, resolution.Winner)
		applied++
	}

	if page.NextTimestamp.After(maxSeen) {
		maxSeen = page.NextTimestamp
	}

	cursor := SyncCursor{
		TenantID:            p.tenantID,
		LastPullAt:          maxSeen,
		LastPullRecordCount: len(page.Records),
	}
	if err := p.store.ApplyPage(ctx, p.tenantID, winners, cursor); err != nil {
		if errors.Is(err, ErrLockTimeout) {
			// A local business write holds the table; retry next cycle.
			p.logger.Warn("downstream apply deferred", "reason", "lock timeout")
			return since, err
		}
		return since, fmt.Errorf("apply page: %w", err)
	}

	p.statsMu.Lock()
	p.stats.PulledRecords += int64(len(page.Records))
	p.stats.Applied += applied
	p.stats.Discarded += discarded
	p.stats.Conflicts += conflicts
	p.statsMu.Unlock()

	return maxSeen, nil
}

func (p *DownstreamPuller) recordAudit(a ConflictAudit) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.audit = append(p.audit, a)
	if len(p.audit) > p.config.AuditLimit {
		p.audit = p.audit[len(p.audit)-p.config.AuditLimit:]
	}
}

// ConflictLog returns the retained conflict audit trail, newest last.
func (p *DownstreamPuller) ConflictLog() []ConflictAudit {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	out := make([]ConflictAudit, len(p.audit))
	copy(out, p.audit)
	return out
}

// Stats returns puller statistics.
func (p *DownstreamPuller) Stats() DownstreamStats {
	p.statsMu.RLock()
	defer p.statsMu.RUnlock()
	return p.stats
}
