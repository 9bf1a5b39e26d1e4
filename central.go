package booksync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang/snappy"
)

// PushStatus classifies the central store's answer to a push. Backoff
// decisions are a pure function of this status rather than of error-string
// inspection.
type PushStatus int

const (
	// PushOK means the central store acknowledged the change.
	PushOK PushStatus = iota
	// PushRetryable means a transient failure (network, timeout, 5xx).
	PushRetryable
	// PushTerminal means a business-rule rejection (4xx); never retried.
	PushTerminal
)

func (s PushStatus) String() string {
	switch s {
	case PushOK:
		return "ok"
	case PushRetryable:
		return "retryable"
	case PushTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// PushResult is the settled outcome of one push.
type PushResult struct {
	Status     PushStatus
	StatusCode int
	Err        error
}

// ChangesPage is one page of the central store's incremental read feed.
type ChangesPage struct {
	Records       []VersionedEntity `json:"records"`
	HasMore       bool              `json:"has_more"`
	NextTimestamp time.Time         `json:"next_timestamp"`
}

// CentralClient is the engine's view of the central multi-tenant store.
// Pushes are tenant-scoped upserts/deletes; Changes is the incremental read
// feed, safe to call repeatedly with the same since value.
type CentralClient interface {
	Push(ctx context.Context, change ChangeRecord) PushResult
	Changes(ctx context.Context, tenantID string, since time.Time) (ChangesPage, error)
	Health(ctx context.Context) error
}

// HTTPDoer abstracts the HTTP client for testability.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CentralAuth contains authentication credentials for the central store.
type CentralAuth struct {
	// Type specifies the auth type: "api_key", "bearer", "basic".
	Type string

	// APIKey is the API key (for api_key auth).
	APIKey string

	// BearerToken is the bearer token (for bearer auth).
	BearerToken string

	// Username is the username (for basic auth).
	Username string

	// Password is the password (for basic auth).
	Password string
}

// CentralClientConfig configures the HTTP central store client.
type CentralClientConfig struct {
	// BaseURL is the central store API root, e.g. https://api.example.com/v1
	BaseURL string

	// Timeout applies to every call. Default: 15s.
	Timeout time.Duration

	// Auth contains authentication credentials.
	Auth *CentralAuth

	// EnableCompression snappy-compresses push bodies.
	EnableCompression bool

	// PageSize asks the server for at most this many records per Changes
	// page. Default: 100.
	PageSize int

	// HTTPClient allows injecting a custom client. Default: http.Client
	// with Timeout.
	HTTPClient HTTPDoer
}

// DefaultCentralClientConfig returns client defaults.
func DefaultCentralClientConfig(baseURL string) CentralClientConfig {
	return CentralClientConfig{
		BaseURL:           baseURL,
		Timeout:           15 * time.Second,
		EnableCompression: true,
		PageSize:          100,
	}
}

// HTTPCentralClient implements CentralClient over the central store's HTTP
// API.
type HTTPCentralClient struct {
	config CentralClientConfig
	client HTTPDoer
}

// NewHTTPCentralClient creates a central store client.
func NewHTTPCentralClient(config CentralClientConfig) (*HTTPCentralClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("central store base URL is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.PageSize <= 0 {
		config.PageSize = 100
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	return &HTTPCentralClient{config: config, client: client}, nil
}

// pushRequest is the wire shape of an upsert/delete push.
type pushRequest struct {
	ChangeID  string          `json:"change_id"`
	TenantID  string          `json:"tenant_id"`
	EntityID  string          `json:"entity_id"`
	Operation Operation       `json:"operation"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UserID    string          `json:"user_id"`
	Timestamp int64           `json:"timestamp"`
}

// Push implements CentralClient. The change ID is stable across retries so
// the server can deduplicate redelivered pushes.
func (c *HTTPCentralClient) Push(ctx context.Context, change ChangeRecord) PushResult {
	body, err := json.Marshal(pushRequest{
		ChangeID:  change.ID,
		TenantID:  change.TenantID,
		EntityID:  change.EntityID,
		Operation: change.Operation,
		Payload:   change.Payload,
		UserID:    change.UserID,
		Timestamp: change.ClientTimestamp.UnixNano(),
	})
	if err != nil {
		return PushResult{Status: PushTerminal, Err: fmt.Errorf("encode push body: %w", err)}
	}

	if c.config.EnableCompression {
		body = snappy.Encode(nil, body)
	}

	endpoint := fmt.Sprintf("%s/entities/%s", c.config.BaseURL, url.PathEscape(change.EntityType))

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return PushResult{Status: PushRetryable, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.config.EnableCompression {
		req.Header.Set("Content-Encoding", "snappy")
	}
	c.addAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return PushResult{Status: PushRetryable, Err: err}
	}
	defer resp.Body.Close()

	return classifyPushResponse(resp)
}

func classifyPushResponse(resp *http.Response) PushResult {
	if resp.StatusCode < 300 {
		return PushResult{Status: PushOK, StatusCode: resp.StatusCode}
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg))

	switch {
	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return PushResult{Status: PushRetryable, StatusCode: resp.StatusCode, Err: err}
	default:
		// Remaining 4xx are business-rule rejections.
		return PushResult{Status: PushTerminal, StatusCode: resp.StatusCode, Err: err}
	}
}

// Changes implements CentralClient: everything for the tenant updated after
// since. The server may re-return already-seen records; callers apply
// idempotently.
func (c *HTTPCentralClient) Changes(ctx context.Context, tenantID string, since time.Time) (ChangesPage, error) {
	endpoint := fmt.Sprintf("%s/changes?tenant=%s&since=%d&limit=%d",
		c.config.BaseURL, url.QueryEscape(tenantID), since.UnixNano(), c.config.PageSize)

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ChangesPage{}, err
	}
	c.addAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return ChangesPage{}, newSyncError(SyncErrorTransient, "changes request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		kind := SyncErrorTransient
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			kind = SyncErrorTerminal
		}
		return ChangesPage{}, newSyncError(kind, "changes request",
			fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ChangesPage{}, newSyncError(SyncErrorTransient, "read changes body", err)
	}
	if resp.Header.Get("Content-Encoding") == "snappy" {
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return ChangesPage{}, newSyncError(SyncErrorTransient, "decompress changes body", err)
		}
	}

	var page changesResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return ChangesPage{}, newSyncError(SyncErrorTransient, "decode changes body", err)
	}
	return page.toPage(), nil
}

// changesResponse is the wire shape of the incremental read feed.
type changesResponse struct {
	Records []struct {
		EntityType string         `json:"entity_type"`
		EntityID   string         `json:"entity_id"`
		Fields     map[string]any `json:"fields"`
		UpdatedAt  int64          `json:"updated_at"`
		OriginID   string         `json:"origin_id"`
		Deleted    bool           `json:"deleted,omitempty"`
	} `json:"records"`
	HasMore       bool  `json:"has_more"`
	NextTimestamp int64 `json:"next_timestamp"`
}

func (r changesResponse) toPage() ChangesPage {
	page := ChangesPage{
		HasMore: r.HasMore,
		Records: make([]VersionedEntity, 0, len(r.Records)),
	}
	if r.NextTimestamp > 0 {
		page.NextTimestamp = time.Unix(0, r.NextTimestamp)
	}
	for _, rec := range r.Records {
		page.Records = append(page.Records, VersionedEntity{
			EntityType: rec.EntityType,
			EntityID:   rec.EntityID,
			Fields:     rec.Fields,
			UpdatedAt:  time.Unix(0, rec.UpdatedAt),
			OriginID:   rec.OriginID,
			Deleted:    rec.Deleted,
		})
	}
	return page
}

// Health implements CentralClient with a lightweight reachability probe.
func (c *HTTPCentralClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	c.addAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("health check: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPCentralClient) addAuth(req *http.Request) {
	if c.config.Auth == nil {
		return
	}
	switch c.config.Auth.Type {
	case "api_key":
		req.Header.Set("X-API-Key", c.config.Auth.APIKey)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+c.config.Auth.BearerToken)
	case "basic":
		req.SetBasicAuth(c.config.Auth.Username, c.config.Auth.Password)
	}
}
