package booksync

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// LocalStoreConfig configures the embedded local store.
type LocalStoreConfig struct {
	// Path to the SQLite database file
	Path string

	// JournalMode sets the SQLite journal mode (WAL, DELETE, TRUNCATE, etc.)
	JournalMode string

	// Synchronous sets the synchronous flag (OFF, NORMAL, FULL, EXTRA)
	Synchronous string

	// BusyTimeout is the timeout for acquiring sqlite locks in milliseconds
	BusyTimeout int

	// MaxConnections is the max number of database connections
	MaxConnections int

	// LockWait bounds how long a caller blocks on an entity-table lock
	// before giving up with ErrLockTimeout.
	LockWait time.Duration

	// Encryption configures payload encryption at rest.
	Encryption EncryptionConfig
}

// DefaultLocalStoreConfig returns default local store configuration.
func DefaultLocalStoreConfig(path string) LocalStoreConfig {
	return LocalStoreConfig{
		Path:           path,
		JournalMode:    "WAL",
		Synchronous:    "NORMAL",
		BusyTimeout:    5000,
		MaxConnections: 10,
		LockWait:       2 * time.Second,
	}
}

// LocalStore is the embedded store holding the business-record mirror plus
// the two sync tables: the durable outbox and the per-tenant pull cursor.
//
// All sync-engine mutation of local state goes through this type; no
// component reaches into the sqlite handle directly.
type LocalStore struct {
	db        *sql.DB
	config    LocalStoreConfig
	encryptor *Encryptor

	mu     sync.RWMutex
	closed bool

	// One lock per entity table, so a downstream apply never races an
	// in-flight local business write to the same table.
	tableMu    sync.Mutex
	tableLocks map[string]chan struct{}
}

// OpenLocalStore opens (creating if necessary) the local store.
func OpenLocalStore(config LocalStoreConfig) (*LocalStore, error) {
	if config.Path == "" {
		return nil, errors.New("local store path is required")
	}
	if config.JournalMode == "" {
		config.JournalMode = "WAL"
	}
	if config.Synchronous == "" {
		config.Synchronous = "NORMAL"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = 10
	}
	if config.LockWait <= 0 {
		config.LockWait = 2 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=%d",
		config.Path, config.JournalMode, config.Synchronous, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetMaxIdleConns(config.MaxConnections / 2)

	store := &LocalStore{
		db:         db,
		config:     config,
		tableLocks: make(map[string]chan struct{}),
	}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	enc := config.Encryption
	if enc.Enabled && len(enc.Key) == 0 && enc.KeyPassword != "" && len(enc.Salt) == 0 {
		// A password-derived key must come out identical on every open, so
		// the derivation salt lives in the database itself.
		salt, err := store.loadOrCreateSalt()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("load key-derivation salt: %w", err)
		}
		enc.Salt = salt
	}
	encryptor, err := NewEncryptor(enc)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init payload encryption: %w", err)
	}
	store.encryptor = encryptor

	return store, nil
}

func (s *LocalStore) initSchema() error {
	schema := `
		-- Durable queue of local mutations awaiting central acknowledgement
		CREATE TABLE IF NOT EXISTS sync_outbox (
			id TEXT PRIMARY KEY,
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			operation TEXT NOT NULL,
			payload BLOB,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			client_timestamp INTEGER NOT NULL,
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		);

		-- Per-tenant downstream pull watermark
		CREATE TABLE IF NOT EXISTS sync_metadata (
			tenant_id TEXT PRIMARY KEY,
			last_pull_at INTEGER NOT NULL,
			last_pull_record_count INTEGER NOT NULL
		);

		-- Generic local mirror of business records (opaque field maps)
		CREATE TABLE IF NOT EXISTS entities (
			entity_type TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			fields BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			origin_id TEXT NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (entity_type, entity_id)
		);

		-- Key-derivation salt for password-derived encryption keys
		CREATE TABLE IF NOT EXISTS sync_crypto (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_outbox_entity ON sync_outbox(entity_type, entity_id);
		CREATE INDEX IF NOT EXISTS idx_outbox_status ON sync_outbox(status);
		CREATE INDEX IF NOT EXISTS idx_entities_updated ON entities(updated_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// loadOrCreateSalt returns the persisted key-derivation salt, generating and
// storing one on first open. The insert is conflict-free so concurrent opens
// converge on a single salt.
func (s *LocalStore) loadOrCreateSalt() ([]byte, error) {
	salt := make([]byte, EncryptionSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(`
		INSERT INTO sync_crypto (id, salt) VALUES (1, ?)
		ON CONFLICT(id) DO NOTHING`, salt); err != nil {
		return nil, err
	}
	var stored []byte
	if err := s.db.QueryRow(`SELECT salt FROM sync_crypto WHERE id = 1`).Scan(&stored); err != nil {
		return nil, err
	}
	return stored, nil
}

// Close closes the underlying database.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *LocalStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// encodeBlob compresses (and optionally encrypts) a payload for storage.
func (s *LocalStore) encodeBlob(data []byte) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	blob := snappy.Encode(nil, data)
	if s.encryptor != nil {
		enc, err := s.encryptor.Encrypt(blob)
		if err != nil {
			return nil, fmt.Errorf("encrypt payload: %w", err)
		}
		blob = enc
	}
	return blob, nil
}

// decodeBlob reverses encodeBlob.
func (s *LocalStore) decodeBlob(blob []byte) ([]byte, error) {
	if blob == nil {
		return nil, nil
	}
	if s.encryptor != nil {
		dec, err := s.encryptor.Decrypt(blob)
		if err != nil {
			return nil, fmt.Errorf("decrypt payload: %w", err)
		}
		blob = dec
	}
	data, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return data, nil
}

// --- Entity table locks ---

func (s *LocalStore) tableLock(entityType string) chan struct{} {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()
	lock, ok := s.tableLocks[entityType]
	if !ok {
		lock = make(chan struct{}, 1)
		s.tableLocks[entityType] = lock
	}
	return lock
}

// lockTables acquires the locks for the given entity types in sorted order.
// The wait per lock is bounded; on timeout all acquired locks are released
// and ErrLockTimeout is returned so the caller can retry next cycle.
func (s *LocalStore) lockTables(ctx context.Context, entityTypes []string) (func(), error) {
	sorted := make([]string, len(entityTypes))
	copy(sorted, entityTypes)
	sort.Strings(sorted)

	var held []chan struct{}
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, et := range sorted {
		lock := s.tableLock(et)
		timer := time.NewTimer(s.config.LockWait)
		select {
		case lock <- struct{}{}:
			timer.Stop()
			held = append(held, lock)
		case <-ctx.Done():
			timer.Stop()
			release()
			return nil, ctx.Err()
		case <-timer.C:
			release()
			return nil, ErrLockTimeout
		}
	}
	return release, nil
}

// --- Outbox persistence ---

// InsertChange durably appends a new outbox entry.
func (s *LocalStore) InsertChange(ctx context.Context, c ChangeRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	blob, err := s.encodeBlob(c.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_outbox
			(id, entity_type, entity_id, operation, payload, tenant_id, user_id, client_timestamp, status, attempt_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.EntityType, c.EntityID, string(c.Operation), blob,
		c.TenantID, c.UserID, c.ClientTimestamp.UnixNano(),
		string(c.Status), c.AttemptCount, c.LastError)
	if err != nil {
		return newSyncError(SyncErrorStorage, "insert outbox entry", err)
	}
	return nil
}

// ReplaceChange overwrites an existing outbox entry in full. Used when a new
// mutation coalesces into an entry that is already queued.
func (s *LocalStore) ReplaceChange(ctx context.Context, c ChangeRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	blob, err := s.encodeBlob(c.Payload)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_outbox
		SET operation = ?, payload = ?, user_id = ?, client_timestamp = ?,
		    status = ?, attempt_count = ?, last_error = ?
		WHERE id = ?`,
		string(c.Operation), blob, c.UserID, c.ClientTimestamp.UnixNano(),
		string(c.Status), c.AttemptCount, c.LastError, c.ID)
	if err != nil {
		return newSyncError(SyncErrorStorage, "replace outbox entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateChangeStatus durably transitions an outbox entry's status.
func (s *LocalStore) UpdateChangeStatus(ctx context.Context, id string, status ChangeStatus, attemptCount int, lastError string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_outbox SET status = ?, attempt_count = ?, last_error = ? WHERE id = ?`,
		string(status), attemptCount, lastError, id)
	if err != nil {
		return newSyncError(SyncErrorStorage, "update outbox status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteChange removes an acknowledged outbox entry.
func (s *LocalStore) DeleteChange(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_outbox WHERE id = ?`, id); err != nil {
		return newSyncError(SyncErrorStorage, "delete outbox entry", err)
	}
	return nil
}

// LoadOutbox reads the full durable outbox, oldest first. The in-memory
// mirror is reconstructed from this alone after a crash.
func (s *LocalStore) LoadOutbox(ctx context.Context) ([]ChangeRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, operation, payload, tenant_id, user_id,
		       client_timestamp, status, attempt_count, last_error
		FROM sync_outbox ORDER BY client_timestamp ASC`)
	if err != nil {
		return nil, newSyncError(SyncErrorStorage, "load outbox", err)
	}
	defer rows.Close()

	var records []ChangeRecord
	for rows.Next() {
		var c ChangeRecord
		var op, status string
		var blob []byte
		var ts int64
		var lastErr sql.NullString
		if err := rows.Scan(&c.ID, &c.EntityType, &c.EntityID, &op, &blob,
			&c.TenantID, &c.UserID, &ts, &status, &c.AttemptCount, &lastErr); err != nil {
			return nil, newSyncError(SyncErrorStorage, "scan outbox entry", err)
		}
		payload, err := s.decodeBlob(blob)
		if err != nil {
			return nil, err
		}
		c.Operation = Operation(op)
		c.Status = ChangeStatus(status)
		c.Payload = payload
		c.ClientTimestamp = time.Unix(0, ts)
		c.LastError = lastErr.String
		records = append(records, c)
	}
	return records, rows.Err()
}

// RecoverInFlight returns entries stuck in syncing back to pending. Called
// on open and on shutdown so a crash mid-cycle never strands a claim.
func (s *LocalStore) RecoverInFlight(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_outbox SET status = ? WHERE status = ?`,
		string(StatusPending), string(StatusSyncing))
	if err != nil {
		return 0, newSyncError(SyncErrorStorage, "recover in-flight entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- Entity mirror ---

// GetEntity loads the local version of an entity, or ErrNotFound.
func (s *LocalStore) GetEntity(ctx context.Context, key EntityKey) (*VersionedEntity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT fields, updated_at, origin_id, deleted
		FROM entities WHERE entity_type = ? AND entity_id = ?`,
		key.EntityType, key.EntityID)

	var blob []byte
	var ts int64
	var originID string
	var deleted int
	if err := row.Scan(&blob, &ts, &originID, &deleted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, newSyncError(SyncErrorStorage, "load entity", err)
	}

	data, err := s.decodeBlob(blob)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, newSyncError(SyncErrorStorage, "decode entity fields", err)
	}

	return &VersionedEntity{
		EntityType: key.EntityType,
		EntityID:   key.EntityID,
		Fields:     fields,
		UpdatedAt:  time.Unix(0, ts),
		OriginID:   originID,
		Deleted:    deleted != 0,
	}, nil
}

// UpsertEntity writes an entity version to the local mirror, serialized by
// the entity-table lock against concurrent downstream applies.
func (s *LocalStore) UpsertEntity(ctx context.Context, tenantID string, e *VersionedEntity) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	release, err := s.lockTables(ctx, []string{e.EntityType})
	if err != nil {
		return err
	}
	defer release()
	return s.upsertEntityLocked(ctx, s.db, tenantID, e)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *LocalStore) upsertEntityLocked(ctx context.Context, ex execer, tenantID string, e *VersionedEntity) error {
	data, err := json.Marshal(e.Fields)
	if err != nil {
		return newSyncError(SyncErrorStorage, "encode entity fields", err)
	}
	blob, err := s.encodeBlob(data)
	if err != nil {
		return err
	}
	deleted := 0
	if e.Deleted {
		deleted = 1
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO entities (entity_type, entity_id, tenant_id, fields, updated_at, origin_id, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, entity_id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			fields = excluded.fields,
			updated_at = excluded.updated_at,
			origin_id = excluded.origin_id,
			deleted = excluded.deleted`,
		e.EntityType, e.EntityID, tenantID, blob, e.UpdatedAt.UnixNano(), e.OriginID, deleted)
	if err != nil {
		return newSyncError(SyncErrorStorage, "upsert entity", err)
	}
	return nil
}

// DeleteEntity removes an entity from the local mirror.
func (s *LocalStore) DeleteEntity(ctx context.Context, key EntityKey) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	release, err := s.lockTables(ctx, []string{key.EntityType})
	if err != nil {
		return err
	}
	defer release()
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM entities WHERE entity_type = ? AND entity_id = ?`,
		key.EntityType, key.EntityID); err != nil {
		return newSyncError(SyncErrorStorage, "delete entity", err)
	}
	return nil
}

// --- Cursor ---

// Cursor returns the tenant's pull watermark. A tenant with no recorded pull
// yet gets a zero cursor.
func (s *LocalStore) Cursor(ctx context.Context, tenantID string) (SyncCursor, error) {
	if err := s.checkOpen(); err != nil {
		return SyncCursor{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT last_pull_at, last_pull_record_count FROM sync_metadata WHERE tenant_id = ?`,
		tenantID)

	var ts int64
	var count int
	if err := row.Scan(&ts, &count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SyncCursor{TenantID: tenantID}, nil
		}
		return SyncCursor{}, newSyncError(SyncErrorStorage, "load sync cursor", err)
	}
	return SyncCursor{
		TenantID:            tenantID,
		LastPullAt:          time.Unix(0, ts),
		LastPullRecordCount: count,
	}, nil
}

// SaveCursor persists the tenant's pull watermark. The watermark is
// monotonically non-decreasing; a regression is rejected.
func (s *LocalStore) SaveCursor(ctx context.Context, cursor SyncCursor) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.saveCursorExec(ctx, s.db, cursor)
}

func (s *LocalStore) saveCursorExec(ctx context.Context, ex execer, cursor SyncCursor) error {
	res, err := ex.ExecContext(ctx, `
		INSERT INTO sync_metadata (tenant_id, last_pull_at, last_pull_record_count)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			last_pull_at = excluded.last_pull_at,
			last_pull_record_count = excluded.last_pull_record_count
		WHERE excluded.last_pull_at >= sync_metadata.last_pull_at`,
		cursor.TenantID, cursor.LastPullAt.UnixNano(), cursor.LastPullRecordCount)
	if err != nil {
		return newSyncError(SyncErrorStorage, "save sync cursor", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrCursorRegression
	}
	return nil
}

// ApplyPage applies a fully-resolved downstream page and advances the cursor
// in one transaction. A partially applied page never advances the cursor;
// re-applying the same page is a no-op beyond rewriting identical rows.
func (s *LocalStore) ApplyPage(ctx context.Context, tenantID string, winners []*VersionedEntity, cursor SyncCursor) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	types := make(map[string]struct{})
	for _, e := range winners {
		types[e.EntityType] = struct{}{}
	}
	typeList := make([]string, 0, len(types))
	for t := range types {
		typeList = append(typeList, t)
	}

	release, err := s.lockTables(ctx, typeList)
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newSyncError(SyncErrorStorage, "begin apply transaction", err)
	}
	defer tx.Rollback()

	for _, e := range winners {
		if e.Deleted {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM entities WHERE entity_type = ? AND entity_id = ?`,
				e.EntityType, e.EntityID); err != nil {
				return newSyncError(SyncErrorStorage, "apply entity delete", err)
			}
			continue
		}
		if err := s.upsertEntityLocked(ctx, tx, tenantID, e); err != nil {
			return err
		}
	}

	if err := s.saveCursorExec(ctx, tx, cursor); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return newSyncError(SyncErrorStorage, "commit apply transaction", err)
	}
	return nil
}
