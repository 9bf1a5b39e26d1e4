package booksync

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultSyncConfig(t *testing.T) {
	cfg := DefaultSyncConfig("local.db", "https://api.example.com/v1")

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if cfg.Central.Timeout != 15*time.Second {
		t.Errorf("expected 15s central timeout, got %v", cfg.Central.Timeout)
	}
	if cfg.Outbox.Backoff.InitialBackoff != time.Second {
		t.Errorf("expected 1s initial backoff, got %v", cfg.Outbox.Backoff.InitialBackoff)
	}
	if cfg.Outbox.Backoff.MaxBackoff != 60*time.Second {
		t.Errorf("expected 60s backoff cap, got %v", cfg.Outbox.Backoff.MaxBackoff)
	}
	if cfg.Orchestrator.Upstream.BatchSize != 20 {
		t.Errorf("expected batch size 20, got %d", cfg.Orchestrator.Upstream.BatchSize)
	}
}

func TestValidateRequiredFields(t *testing.T) {
	if err := (SyncConfig{}).Validate(); err == nil {
		t.Errorf("expected error for missing path")
	}
	if err := (SyncConfig{Path: "x.db"}).Validate(); err == nil {
		t.Errorf("expected error for missing central url")
	}
}

func TestParseSyncConfigMergesOverDefaults(t *testing.T) {
	cfg, err := ParseSyncConfig([]byte(`
path: /var/lib/app/sync.db
central_url: https://api.example.com/v1
realtime_url: wss://api.example.com/v1/events
auth:
  type: bearer
  token: tok-123
batch_size: 50
max_attempts: 3
initial_backoff: 2s
upstream_interval: 5s
encryption:
  enabled: true
  key_password: hunter2
archive:
  enabled: true
  bucket: dead-letters
  region: eu-central-1
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Path != "/var/lib/app/sync.db" {
		t.Errorf("path mismatch: %s", cfg.Path)
	}
	if cfg.RealtimeURL != "wss://api.example.com/v1/events" {
		t.Errorf("realtime url mismatch: %s", cfg.RealtimeURL)
	}
	if cfg.Central.Auth == nil || cfg.Central.Auth.BearerToken != "tok-123" {
		t.Errorf("auth not mapped: %+v", cfg.Central.Auth)
	}
	if cfg.Orchestrator.Upstream.BatchSize != 50 {
		t.Errorf("batch size override lost: %d", cfg.Orchestrator.Upstream.BatchSize)
	}
	if cfg.Outbox.MaxAttempts != 3 {
		t.Errorf("max attempts override lost: %d", cfg.Outbox.MaxAttempts)
	}
	if cfg.Outbox.Backoff.InitialBackoff != 2*time.Second {
		t.Errorf("initial backoff override lost: %v", cfg.Outbox.Backoff.InitialBackoff)
	}
	if cfg.Orchestrator.UpstreamInterval != 5*time.Second {
		t.Errorf("upstream interval override lost: %v", cfg.Orchestrator.UpstreamInterval)
	}
	if cfg.Encryption == nil || !cfg.Encryption.Enabled || cfg.Encryption.KeyPassword != "hunter2" {
		t.Errorf("encryption not mapped: %+v", cfg.Encryption)
	}
	if cfg.Archive == nil || cfg.Archive.Bucket != "dead-letters" {
		t.Errorf("archive not mapped: %+v", cfg.Archive)
	}

	// Untouched fields keep defaults.
	if cfg.Outbox.Backoff.MaxBackoff != 60*time.Second {
		t.Errorf("expected default backoff cap, got %v", cfg.Outbox.Backoff.MaxBackoff)
	}
	if cfg.Orchestrator.Downstream.MaxPages != 50 {
		t.Errorf("expected default page budget, got %d", cfg.Orchestrator.Downstream.MaxPages)
	}
}

func TestParseSyncConfigRejectsIncomplete(t *testing.T) {
	if _, err := ParseSyncConfig([]byte(`central_url: https://api.example.com`)); err == nil {
		t.Errorf("expected validation error for missing path")
	}
	if _, err := ParseSyncConfig([]byte(`path: [broken`)); err == nil {
		t.Errorf("expected parse error for malformed yaml")
	}
}

func TestLoadSyncConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	content := "path: local.db\ncentral_url: https://api.example.com/v1\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadSyncConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CentralURL != "https://api.example.com/v1" {
		t.Errorf("central url mismatch: %s", cfg.CentralURL)
	}

	if _, err := LoadSyncConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("expected error for missing file")
	}
}

func TestOpenWiresEngine(t *testing.T) {
	cfg := DefaultSyncConfig(filepath.Join(t.TempDir(), "sync.db"), "https://api.example.com/v1")

	engine, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer engine.Stop()

	if engine.State() != StateStopped {
		t.Errorf("expected stopped engine, got %s", engine.State())
	}
	if engine.Outbox() == nil {
		t.Errorf("expected wired outbox")
	}
	if engine.archive != nil {
		t.Errorf("expected no archive without configuration")
	}
}

func TestOpenWiresArchive(t *testing.T) {
	cfg := DefaultSyncConfig(filepath.Join(t.TempDir(), "sync.db"), "https://api.example.com/v1")
	cfg.Archive = &ArchiveConfig{
		Enabled: true,
		Bucket:  "dead-letters",
		Region:  "eu-central-1",
	}

	engine, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer engine.Stop()

	if engine.archive == nil {
		t.Errorf("expected dead-letter archive attached")
	}

	// Missing bucket is a wiring error, not a silent no-op.
	cfg.Archive = &ArchiveConfig{Enabled: true}
	cfg.Path = filepath.Join(t.TempDir(), "sync2.db")
	cfg.Store = DefaultLocalStoreConfig(cfg.Path)
	if _, err := Open(cfg); err == nil {
		t.Errorf("expected error for archive without bucket")
	}
}
