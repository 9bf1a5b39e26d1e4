package booksync

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Operation is the kind of mutation recorded in the outbox.
type Operation string

const (
	// OpCreate records a newly created entity.
	OpCreate Operation = "create"
	// OpUpdate records a modification to an existing entity.
	OpUpdate Operation = "update"
	// OpDelete records an entity deletion.
	OpDelete Operation = "delete"
)

// ChangeStatus is the lifecycle state of an outbox entry.
type ChangeStatus string

const (
	// StatusPending means the change is waiting to be pushed.
	StatusPending ChangeStatus = "pending"
	// StatusSyncing means the change has been claimed by an in-flight push.
	StatusSyncing ChangeStatus = "syncing"
	// StatusSynced means the central store acknowledged the change.
	StatusSynced ChangeStatus = "synced"
	// StatusFailedRetryable means the last push failed transiently and the
	// change will be retried after backoff.
	StatusFailedRetryable ChangeStatus = "failed_retryable"
	// StatusFailedTerminal means the central store rejected the change and
	// it requires manual resolution. Terminal entries are never retried and
	// never purged automatically.
	StatusFailedTerminal ChangeStatus = "failed_terminal"
)

// ChangeRecord is a single durable outbox entry: one local mutation awaiting
// acknowledgement by the central store.
//
// The ID is client-generated and stable across retries, so the central store
// can deduplicate redelivered pushes.
type ChangeRecord struct {
	ID              string       `json:"id"`
	EntityType      string       `json:"entity_type"`
	EntityID        string       `json:"entity_id"`
	Operation       Operation    `json:"operation"`
	Payload         []byte       `json:"payload,omitempty"`
	TenantID        string       `json:"tenant_id"`
	UserID          string       `json:"user_id"`
	ClientTimestamp time.Time    `json:"client_timestamp"`
	Status          ChangeStatus `json:"status"`
	AttemptCount    int          `json:"attempt_count"`
	LastError       string       `json:"last_error,omitempty"`
}

// EntityKey identifies a logical entity independent of any particular version.
type EntityKey struct {
	EntityType string
	EntityID   string
}

// Key returns the logical entity key for this change.
func (c *ChangeRecord) Key() EntityKey {
	return EntityKey{EntityType: c.EntityType, EntityID: c.EntityID}
}

// VersionedEntity is the generic envelope the sync engine moves between the
// local and central stores. The engine never interprets Fields; business
// schemas live outside the sync core.
type VersionedEntity struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Fields     map[string]any `json:"fields"`
	UpdatedAt  time.Time      `json:"updated_at"`
	OriginID   string         `json:"origin_id"`
	Deleted    bool           `json:"deleted,omitempty"`
}

// Key returns the logical entity key for this version.
func (v *VersionedEntity) Key() EntityKey {
	return EntityKey{EntityType: v.EntityType, EntityID: v.EntityID}
}

// SyncCursor is the per-tenant watermark of the downstream puller. It only
// advances after a pulled page has been fully applied.
type SyncCursor struct {
	TenantID            string    `json:"tenant_id"`
	LastPullAt          time.Time `json:"last_pull_at"`
	LastPullRecordCount int       `json:"last_pull_record_count"`
}

// ConnectivityPhase is the observed reachability of the central store.
type ConnectivityPhase string

const (
	// PhaseOnline means the central store is reachable.
	PhaseOnline ConnectivityPhase = "online"
	// PhaseOffline means the central store is unreachable.
	PhaseOffline ConnectivityPhase = "offline"
	// PhaseChecking means the observer has not yet settled on a state.
	PhaseChecking ConnectivityPhase = "checking"
)

// ConnectivityState is a snapshot of the connectivity observer.
type ConnectivityState struct {
	Phase               ConnectivityPhase `json:"phase"`
	LastTransitionAt    time.Time         `json:"last_transition_at"`
	ConsecutiveFailures int               `json:"consecutive_failures"`
}

// EntityCodec converts between the opaque field map and the payload bytes
// stored in the outbox and pushed to the central store. One codec is
// registered per entity type at startup; unregistered types fall back to
// plain JSON.
type EntityCodec interface {
	Encode(fields map[string]any) ([]byte, error)
	Decode(data []byte) (map[string]any, error)
}

// jsonCodec is the default passthrough codec.
type jsonCodec struct{}

func (jsonCodec) Encode(fields map[string]any) ([]byte, error) {
	return json.Marshal(fields)
}

func (jsonCodec) Decode(data []byte) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode entity payload: %w", err)
	}
	return fields, nil
}

// CodecRegistry holds the per-entity-type codecs.
type CodecRegistry struct {
	mu     sync.RWMutex
	codecs map[string]EntityCodec
}

// NewCodecRegistry creates an empty codec registry.
func NewCodecRegistry() *CodecRegistry {
	return &CodecRegistry{codecs: make(map[string]EntityCodec)}
}

// Register installs a codec for an entity type, replacing any previous one.
func (r *CodecRegistry) Register(entityType string, codec EntityCodec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[entityType] = codec
}

// Lookup returns the codec for an entity type, or the JSON fallback.
func (r *CodecRegistry) Lookup(entityType string) EntityCodec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.codecs[entityType]; ok {
		return c
	}
	return jsonCodec{}
}
