package booksync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/snappy"
)

func TestPushSuccess(t *testing.T) {
	var gotPath string
	var gotBody pushRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		if r.Header.Get("Content-Encoding") == "snappy" {
			body, _ = snappy.Decode(nil, body)
		}
		if err := json.Unmarshal(body, &gotBody); err != nil {
			t.Errorf("decode push body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewHTTPCentralClient(DefaultCentralClientConfig(srv.URL))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	change := testChange("c1", "inv-1", OpUpdate)
	result := client.Push(context.Background(), change)

	if result.Status != PushOK {
		t.Fatalf("expected PushOK, got %s (%v)", result.Status, result.Err)
	}
	if gotPath != "/entities/invoice" {
		t.Errorf("expected type-scoped path, got %s", gotPath)
	}
	if gotBody.ChangeID != "c1" {
		t.Errorf("expected stable change id for dedupe, got %s", gotBody.ChangeID)
	}
	if gotBody.TenantID != "tenant-1" {
		t.Errorf("expected tenant carried, got %s", gotBody.TenantID)
	}
}

func TestPushClassification(t *testing.T) {
	tests := []struct {
		code int
		want PushStatus
	}{
		{200, PushOK},
		{201, PushOK},
		{400, PushTerminal},
		{409, PushTerminal},
		{422, PushTerminal},
		{408, PushRetryable},
		{429, PushRetryable},
		{500, PushRetryable},
		{503, PushRetryable},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.code)
		}))

		client, err := NewHTTPCentralClient(DefaultCentralClientConfig(srv.URL))
		if err != nil {
			t.Fatalf("new client: %v", err)
		}
		result := client.Push(context.Background(), testChange("c1", "inv-1", OpUpdate))
		srv.Close()

		if result.Status != tt.want {
			t.Errorf("HTTP %d: expected %s, got %s", tt.code, tt.want, result.Status)
		}
		if result.StatusCode != tt.code {
			t.Errorf("HTTP %d: status code not recorded, got %d", tt.code, result.StatusCode)
		}
	}
}

func TestPushNetworkFailureIsRetryable(t *testing.T) {
	cfg := DefaultCentralClientConfig("http://127.0.0.1:1")
	cfg.Timeout = 200 * time.Millisecond
	client, err := NewHTTPCentralClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	result := client.Push(context.Background(), testChange("c1", "inv-1", OpUpdate))
	if result.Status != PushRetryable {
		t.Errorf("expected network failure to be retryable, got %s", result.Status)
	}
	if result.Err == nil {
		t.Errorf("expected error recorded")
	}
}

func TestChangesPagination(t *testing.T) {
	base := time.Now().Truncate(time.Microsecond)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("tenant") != "tenant-1" {
			t.Errorf("expected tenant query param, got %q", r.URL.Query().Get("tenant"))
		}
		resp := changesResponse{HasMore: true, NextTimestamp: base.Add(time.Minute).UnixNano()}
		resp.Records = append(resp.Records, struct {
			EntityType string         `json:"entity_type"`
			EntityID   string         `json:"entity_id"`
			Fields     map[string]any `json:"fields"`
			UpdatedAt  int64          `json:"updated_at"`
			OriginID   string         `json:"origin_id"`
			Deleted    bool           `json:"deleted,omitempty"`
		}{
			EntityType: "invoice",
			EntityID:   "inv-1",
			Fields:     map[string]any{"total": 10.0},
			UpdatedAt:  base.UnixNano(),
			OriginID:   "srv",
		})
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	client, err := NewHTTPCentralClient(DefaultCentralClientConfig(srv.URL))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	page, err := client.Changes(context.Background(), "tenant-1", time.Time{})
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(page.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(page.Records))
	}
	if !page.HasMore {
		t.Errorf("expected has_more carried through")
	}
	if !page.NextTimestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("next timestamp mismatch: %v", page.NextTimestamp)
	}
	rec := page.Records[0]
	if rec.EntityID != "inv-1" || !rec.UpdatedAt.Equal(base) || rec.OriginID != "srv" {
		t.Errorf("record mismatch: %+v", rec)
	}
}

func TestChangesServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewHTTPCentralClient(DefaultCentralClientConfig(srv.URL))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Changes(context.Background(), "tenant-1", time.Time{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsRetryable(err) {
		t.Errorf("expected 503 to classify as transient, got %v", err)
	}
}

func TestHealthProbe(t *testing.T) {
	healthy := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("expected /health, got %s", r.URL.Path)
		}
		if healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	client, err := NewHTTPCentralClient(DefaultCentralClientConfig(srv.URL))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if err := client.Health(context.Background()); err != nil {
		t.Errorf("expected healthy probe, got %v", err)
	}
	healthy = false
	if err := client.Health(context.Background()); err == nil {
		t.Errorf("expected probe failure")
	}
}

func TestClientAuthHeaders(t *testing.T) {
	var gotAPIKey, gotAuthz string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAPIKey = r.Header.Get("X-API-Key")
		gotAuthz = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := DefaultCentralClientConfig(srv.URL)
	cfg.Auth = &CentralAuth{Type: "api_key", APIKey: "secret-key"}
	client, err := NewHTTPCentralClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if gotAPIKey != "secret-key" {
		t.Errorf("expected api key header, got %q", gotAPIKey)
	}

	cfg.Auth = &CentralAuth{Type: "bearer", BearerToken: "tok"}
	client, err = NewHTTPCentralClient(cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if gotAuthz != "Bearer tok" {
		t.Errorf("expected bearer header, got %q", gotAuthz)
	}
}
