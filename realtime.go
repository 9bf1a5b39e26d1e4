package booksync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// RealtimeConfig configures the tenant broadcast subscription.
type RealtimeConfig struct {
	// URL is the websocket endpoint of the central store's event bus.
	URL string

	// PingInterval keeps the connection alive. Default: 30s.
	PingInterval time.Duration

	// WriteTimeout bounds websocket writes. Default: 10s.
	WriteTimeout time.Duration

	// HandshakeTimeout bounds the dial. Default: 15s.
	HandshakeTimeout time.Duration

	// ReconnectBackoff configures the redial delay after a drop.
	ReconnectBackoff BackoffConfig

	// Auth carries the credentials sent on the handshake.
	Auth *CentralAuth
}

// DefaultRealtimeConfig returns realtime channel defaults.
func DefaultRealtimeConfig(url string) RealtimeConfig {
	return RealtimeConfig{
		URL:              url,
		PingInterval:     30 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 15 * time.Second,
		ReconnectBackoff: BackoffConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			Multiplier:     2.0,
			Jitter:         0.2,
		},
	}
}

// RealtimeEvent is a committed-change notification from another client's
// session.
type RealtimeEvent struct {
	EntityType      string    `json:"entity_type"`
	EntityID        string    `json:"entity_id"`
	UpdatedAt       time.Time `json:"updated_at"`
	OriginSessionID string    `json:"origin_session_id"`
}

// realtimeMessage is the wire envelope on the broadcast channel.
type realtimeMessage struct {
	Type  string         `json:"type"`
	Room  string         `json:"room,omitempty"`
	Event *RealtimeEvent `json:"event,omitempty"`
	Error string         `json:"error,omitempty"`
}

// RealtimeChannel subscribes to the tenant-scoped broadcast room and nudges
// the downstream puller when another session commits a change. Events from
// this session are suppressed. This is a latency layer over polling, not a
// replacement: the periodic pull remains the correctness backstop when the
// channel is down.
type RealtimeChannel struct {
	config    RealtimeConfig
	tenantID  string
	sessionID string
	logger    *slog.Logger

	mu        sync.Mutex
	running   bool
	connected bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	nudges chan RealtimeEvent

	statsMu    sync.RWMutex
	received   int64
	suppressed int64
	reconnects int64
}

// NewRealtimeChannel creates the channel for one tenant/session pair.
func NewRealtimeChannel(config RealtimeConfig, tenantID, sessionID string, logger *slog.Logger) *RealtimeChannel {
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RealtimeChannel{
		config:    config,
		tenantID:  tenantID,
		sessionID: sessionID,
		logger:    logger,
		nudges:    make(chan RealtimeEvent, 16),
	}
}

// Nudges returns the channel carrying remote-commit notifications that
// survived echo suppression.
func (r *RealtimeChannel) Nudges() <-chan RealtimeEvent {
	return r.nudges
}

// Connected reports whether a live subscription currently exists.
func (r *RealtimeChannel) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Start opens the subscription and keeps it alive, redialing with backoff
// after drops, until Stop is called.
func (r *RealtimeChannel) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		attempt := 0
		for {
			if ctx.Err() != nil {
				return
			}

			err := r.runConnection(ctx)
			if ctx.Err() != nil {
				return
			}
			attempt++
			delay := r.config.ReconnectBackoff.Delay(attempt)
			r.logger.Warn("realtime channel dropped, reconnecting",
				"err", err, "attempt", attempt, "delay", delay)

			r.statsMu.Lock()
			r.reconnects++
			r.statsMu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()
}

// Stop closes the subscription.
func (r *RealtimeChannel) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
}

// runConnection dials, subscribes to the tenant room, and pumps events
// until the connection fails or the context is cancelled.
func (r *RealtimeChannel) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: r.config.HandshakeTimeout}

	header := make(map[string][]string)
	if a := r.config.Auth; a != nil {
		switch a.Type {
		case "api_key":
			header["X-API-Key"] = []string{a.APIKey}
		case "bearer":
			header["Authorization"] = []string{"Bearer " + a.BearerToken}
		}
	}

	conn, _, err := dialer.DialContext(ctx, r.config.URL, header)
	if err != nil {
		return fmt.Errorf("dial event bus: %w", err)
	}
	defer conn.Close()

	sub, _ := json.Marshal(realtimeMessage{
		Type: "subscribe",
		Room: "tenant:" + r.tenantID,
	})
	conn.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return fmt.Errorf("subscribe to tenant room: %w", err)
	}

	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.connected = false
		r.mu.Unlock()
	}()

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	// Keepalive pings on an independent schedule.
	go func() {
		ticker := time.NewTicker(r.config.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(r.config.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg realtimeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.logger.Warn("realtime message decode failed", "err", err)
			continue
		}

		switch msg.Type {
		case "commit":
			if msg.Event == nil {
				continue
			}
			r.handleEvent(*msg.Event)
		case "subscribed":
			r.logger.Debug("realtime channel subscribed", "room", "tenant:"+r.tenantID)
		case "error":
			r.logger.Warn("realtime channel server error", "err", msg.Error)
		}
	}
}

func (r *RealtimeChannel) handleEvent(ev RealtimeEvent) {
	r.statsMu.Lock()
	r.received++
	if ev.OriginSessionID == r.sessionID {
		r.suppressed++
		r.statsMu.Unlock()
		return
	}
	r.statsMu.Unlock()

	select {
	case r.nudges <- ev:
	default:
		// A nudge is only a hint; the pending one already covers it.
	}
}

// RealtimeStats contains channel statistics.
type RealtimeStats struct {
	Connected  bool  `json:"connected"`
	Received   int64 `json:"received"`
	Suppressed int64 `json:"suppressed"`
	Reconnects int64 `json:"reconnects"`
}

// Stats returns channel statistics.
func (r *RealtimeChannel) Stats() RealtimeStats {
	r.statsMu.RLock()
	defer r.statsMu.RUnlock()
	return RealtimeStats{
		Connected:  r.Connected(),
		Received:   r.received,
		Suppressed: r.suppressed,
		Reconnects: r.reconnects,
	}
}
