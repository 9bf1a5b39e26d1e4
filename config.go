package booksync

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncConfig defines the full engine configuration.
type SyncConfig struct {
	// Path is the file path for the local database. Required.
	Path string

	// CentralURL is the base URL of the central API. Required.
	CentralURL string

	// RealtimeURL is the websocket endpoint for commit notifications.
	// Empty disables the realtime channel; periodic pulls still run.
	RealtimeURL string

	// Store holds local storage settings.
	Store LocalStoreConfig

	// Central configures the HTTP client for the central API.
	Central CentralClientConfig

	// Outbox configures queueing and retry policy.
	Outbox OutboxConfig

	// Orchestrator configures cycle scheduling and components.
	Orchestrator OrchestratorConfig

	// Encryption configures payload encryption at rest.
	// If nil or Enabled is false, payloads are stored unencrypted.
	Encryption *EncryptionConfig

	// Archive configures dead-letter export to object storage.
	// If nil or Enabled is false, terminal failures stay local only.
	Archive *ArchiveConfig
}

// DefaultSyncConfig returns a configuration with sensible defaults for a
// local database path and central endpoint.
func DefaultSyncConfig(path, centralURL string) SyncConfig {
	return SyncConfig{
		Path:         path,
		CentralURL:   centralURL,
		Store:        DefaultLocalStoreConfig(path),
		Central:      DefaultCentralClientConfig(centralURL),
		Outbox:       DefaultOutboxConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
	}
}

// Validate checks required fields.
func (c SyncConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("config: path is required")
	}
	if c.CentralURL == "" {
		return fmt.Errorf("config: central url is required")
	}
	return nil
}

// --- YAML file configuration ---

// fileConfig is the on-disk YAML schema. It mirrors SyncConfig with scalar
// fields so deployments can tune the engine without code changes.
type fileConfig struct {
	Path        string `yaml:"path"`
	CentralURL  string `yaml:"central_url"`
	RealtimeURL string `yaml:"realtime_url,omitempty"`

	Auth struct {
		Type     string `yaml:"type,omitempty"`
		APIKey   string `yaml:"api_key,omitempty"`
		Token    string `yaml:"token,omitempty"`
		Username string `yaml:"username,omitempty"`
		Password string `yaml:"password,omitempty"`
	} `yaml:"auth,omitempty"`

	Timeout            time.Duration `yaml:"timeout,omitempty"`
	PageSize           int           `yaml:"page_size,omitempty"`
	EnableCompression  *bool         `yaml:"enable_compression,omitempty"`
	BatchSize          int           `yaml:"batch_size,omitempty"`
	MaxConcurrent      int           `yaml:"max_concurrent_pushes,omitempty"`
	InterBatchDelay    time.Duration `yaml:"inter_batch_delay,omitempty"`
	MaxAttempts        int           `yaml:"max_attempts,omitempty"`
	InitialBackoff     time.Duration `yaml:"initial_backoff,omitempty"`
	MaxBackoff         time.Duration `yaml:"max_backoff,omitempty"`
	UpstreamInterval   time.Duration `yaml:"upstream_interval,omitempty"`
	DownstreamInterval time.Duration `yaml:"downstream_interval,omitempty"`
	CheckInterval      time.Duration `yaml:"connectivity_check_interval,omitempty"`

	Encryption struct {
		Enabled     bool   `yaml:"enabled"`
		KeyPassword string `yaml:"key_password,omitempty"`
	} `yaml:"encryption,omitempty"`

	Archive struct {
		Enabled  bool   `yaml:"enabled"`
		Bucket   string `yaml:"bucket,omitempty"`
		Prefix   string `yaml:"prefix,omitempty"`
		Region   string `yaml:"region,omitempty"`
		Endpoint string `yaml:"endpoint,omitempty"`
	} `yaml:"archive,omitempty"`
}

// LoadSyncConfig reads a YAML configuration file and merges it over
// defaults. Zero-valued fields in the file keep their defaults.
func LoadSyncConfig(path string) (SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SyncConfig{}, fmt.Errorf("read config: %w", err)
	}
	return ParseSyncConfig(data)
}

// ParseSyncConfig parses YAML configuration bytes and merges them over
// defaults.
func ParseSyncConfig(data []byte) (SyncConfig, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return SyncConfig{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := DefaultSyncConfig(fc.Path, fc.CentralURL)
	cfg.RealtimeURL = fc.RealtimeURL

	if fc.Auth.Type != "" {
		cfg.Central.Auth = &CentralAuth{
			Type:        fc.Auth.Type,
			APIKey:      fc.Auth.APIKey,
			BearerToken: fc.Auth.Token,
			Username:    fc.Auth.Username,
			Password:    fc.Auth.Password,
		}
	}
	if fc.Timeout > 0 {
		cfg.Central.Timeout = fc.Timeout
	}
	if fc.PageSize > 0 {
		cfg.Central.PageSize = fc.PageSize
	}
	if fc.EnableCompression != nil {
		cfg.Central.EnableCompression = *fc.EnableCompression
	}
	if fc.BatchSize > 0 {
		cfg.Orchestrator.Upstream.BatchSize = fc.BatchSize
	}
	if fc.MaxConcurrent > 0 {
		cfg.Orchestrator.Upstream.MaxConcurrentPushes = fc.MaxConcurrent
	}
	if fc.InterBatchDelay > 0 {
		cfg.Orchestrator.Upstream.InterBatchDelay = fc.InterBatchDelay
	}
	if fc.MaxAttempts > 0 {
		cfg.Outbox.MaxAttempts = fc.MaxAttempts
	}
	if fc.InitialBackoff > 0 {
		cfg.Outbox.Backoff.InitialBackoff = fc.InitialBackoff
	}
	if fc.MaxBackoff > 0 {
		cfg.Outbox.Backoff.MaxBackoff = fc.MaxBackoff
	}
	if fc.UpstreamInterval > 0 {
		cfg.Orchestrator.UpstreamInterval = fc.UpstreamInterval
	}
	if fc.DownstreamInterval > 0 {
		cfg.Orchestrator.DownstreamInterval = fc.DownstreamInterval
	}
	if fc.CheckInterval > 0 {
		cfg.Orchestrator.Connectivity.CheckInterval = fc.CheckInterval
	}
	if fc.Encryption.Enabled {
		cfg.Encryption = &EncryptionConfig{
			Enabled:     true,
			KeyPassword: fc.Encryption.KeyPassword,
		}
	}
	if fc.Archive.Enabled {
		cfg.Archive = &ArchiveConfig{
			Enabled:  true,
			Bucket:   fc.Archive.Bucket,
			Prefix:   fc.Archive.Prefix,
			Region:   fc.Archive.Region,
			Endpoint: fc.Archive.Endpoint,
		}
	}

	if err := cfg.Validate(); err != nil {
		return SyncConfig{}, err
	}
	return cfg, nil
}

// Open builds a fully wired engine from a SyncConfig: local store, central
// client, and orchestrator.
func Open(config SyncConfig) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	store := config.Store
	if store.Path == "" {
		store = DefaultLocalStoreConfig(config.Path)
	}
	if config.Encryption != nil {
		store.Encryption = *config.Encryption
	}

	local, err := OpenLocalStore(store)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	central := config.Central
	if central.BaseURL == "" {
		central = DefaultCentralClientConfig(config.CentralURL)
	}
	client, err := NewHTTPCentralClient(central)
	if err != nil {
		local.Close()
		return nil, fmt.Errorf("central client: %w", err)
	}

	orch := config.Orchestrator
	if config.RealtimeURL != "" {
		orch.Realtime = DefaultRealtimeConfig(config.RealtimeURL)
		orch.Realtime.Auth = central.Auth
	}

	engine, err := NewOrchestrator(local, client, nil, orch, nil)
	if err != nil {
		local.Close()
		return nil, err
	}

	if config.Archive != nil && config.Archive.Enabled {
		archive, err := NewDeadLetterArchive(*config.Archive, nil)
		if err != nil {
			local.Close()
			return nil, fmt.Errorf("dead-letter archive: %w", err)
		}
		engine.AttachArchive(archive)
	}
	return engine, nil
}
