// Package booksync provides a bidirectional, offline-first synchronization
// engine for multi-tenant business records.
//
// Local mutations are captured in a durable outbox and pushed to a central
// HTTP API in batches; remote changes are pulled incrementally behind a
// monotonic cursor and merged with last-write-wins conflict resolution. The
// engine works fully offline and reconciles automatically when connectivity
// returns.
//
// # Basic Usage
//
// Open a fully wired engine and start syncing a tenant:
//
//	engine, err := booksync.Open(booksync.DefaultSyncConfig("local.db", "https://api.example.com/v1"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := engine.Start("tenant-42"); err != nil {
//	    log.Fatal(err)
//	}
//	defer engine.Stop()
//
// Record a local mutation:
//
//	err := engine.Outbox().Enqueue(ctx, booksync.ChangeRecord{
//	    EntityType:      "invoice",
//	    EntityID:        "inv-1001",
//	    Operation:       booksync.OpUpdate,
//	    Payload:         payload,
//	    TenantID:        "tenant-42",
//	    ClientTimestamp: time.Now(),
//	})
//
// # Features
//
// Upstream:
//   - Durable SQLite outbox with per-entity coalescing and single-flight
//   - Concurrent batch pushes with bounded parallelism
//   - Exponential backoff with jitter; terminal failures surfaced, never
//     silently dropped
//
// Downstream:
//   - Incremental pulls with atomic page-plus-cursor application
//   - Last-write-wins merge with deterministic origin tiebreak
//   - Pluggable per-entity-type resolvers and codecs
//
// Connectivity:
//   - Debounced online/offline observation with circuit breaking
//   - Websocket commit notifications with own-session echo suppression
//   - Immediate catch-up cycle on reconnect
//
// Operations:
//   - Payload encryption at rest (AES-256-GCM)
//   - Snappy compression on disk and over the wire
//   - Dead-letter export to S3-compatible storage
//
// # Configuration
//
// Use [SyncConfig] to customize behavior, [DefaultSyncConfig] for defaults,
// or [LoadSyncConfig] to read a YAML file.
package booksync
