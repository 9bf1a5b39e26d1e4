package booksync

import (
	"sync"
	"time"
)

// Resolution is the outcome of resolving one local/remote version pair. The
// resolver never mutates storage; callers apply the winner.
type Resolution struct {
	Winner    *VersionedEntity `json:"winner"`
	Discarded *VersionedEntity `json:"discarded,omitempty"`
	Reason    string           `json:"reason"`
}

// Resolution reasons, recorded for audit.
const (
	ReasonNoLocalVersion = "no-local-version"
	ReasonRemoteNewer    = "remote-newer"
	ReasonLocalNewer     = "local-newer"
	ReasonOriginTiebreak = "origin-tiebreak"
)

// ConflictResolver decides between a local and a remote version of the same
// record. Implementations must be pure: deterministic and side-effect free,
// so every replica resolves identically.
type ConflictResolver interface {
	Resolve(local, remote *VersionedEntity) Resolution
}

// LWWResolver is the default last-write-wins strategy.
//
// A strictly newer remote overwrites local. A strictly newer local means the
// local change is still in the outbox and the pulled version is stale, so
// the remote is discarded rather than resurrecting a value the outbox is
// about to overwrite. Equal timestamps break ties on origin id
// (lexicographically smaller wins) so all replicas converge.
type LWWResolver struct{}

// Resolve implements ConflictResolver.
func (LWWResolver) Resolve(local, remote *VersionedEntity) Resolution {
	if local == nil {
		return Resolution{Winner: remote, Reason: ReasonNoLocalVersion}
	}

	switch {
	case remote.UpdatedAt.After(local.UpdatedAt):
		return Resolution{Winner: remote, Discarded: local, Reason: ReasonRemoteNewer}
	case local.UpdatedAt.After(remote.UpdatedAt):
		return Resolution{Winner: local, Discarded: remote, Reason: ReasonLocalNewer}
	}

	if remote.OriginID < local.OriginID {
		return Resolution{Winner: remote, Discarded: local, Reason: ReasonOriginTiebreak}
	}
	return Resolution{Winner: local, Discarded: remote, Reason: ReasonOriginTiebreak}
}

// ResolverRegistry selects a resolver per entity type, falling back to a
// default. This is the seam for swapping in a manual-merge strategy for a
// specific record type without touching the orchestrator.
type ResolverRegistry struct {
	mu       sync.RWMutex
	byType   map[string]ConflictResolver
	fallback ConflictResolver
}

// NewResolverRegistry creates a registry with the given default strategy.
// A nil fallback defaults to LWW.
func NewResolverRegistry(fallback ConflictResolver) *ResolverRegistry {
	if fallback == nil {
		fallback = LWWResolver{}
	}
	return &ResolverRegistry{
		byType:   make(map[string]ConflictResolver),
		fallback: fallback,
	}
}

// Register installs a strategy for one entity type.
func (r *ResolverRegistry) Register(entityType string, resolver ConflictResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[entityType] = resolver
}

// For returns the strategy for an entity type.
func (r *ResolverRegistry) For(entityType string) ConflictResolver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if res, ok := r.byType[entityType]; ok {
		return res
	}
	return r.fallback
}

// ConflictAudit records one resolved conflict for observability.
type ConflictAudit struct {
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Reason     string    `json:"reason"`
	WinnerOrig string    `json:"winner_origin"`
	ResolvedAt time.Time `json:"resolved_at"`
}
