package booksync

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// realtimeTestServer upgrades one connection, acks the subscription, and
// broadcasts whatever is sent on events.
func realtimeTestServer(t *testing.T, events <-chan RealtimeEvent) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub realtimeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if sub.Type != "subscribe" || !strings.HasPrefix(sub.Room, "tenant:") {
			t.Errorf("unexpected subscription %+v", sub)
			return
		}
		ack, _ := json.Marshal(realtimeMessage{Type: "subscribed", Room: sub.Room})
		if err := conn.WriteMessage(websocket.TextMessage, ack); err != nil {
			return
		}

		for ev := range events {
			ev := ev
			msg, _ := json.Marshal(realtimeMessage{Type: "commit", Event: &ev})
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRealtimeDeliversRemoteCommits(t *testing.T) {
	events := make(chan RealtimeEvent, 4)
	srv := realtimeTestServer(t, events)
	defer srv.Close()
	defer close(events)

	ch := NewRealtimeChannel(DefaultRealtimeConfig(wsURL(srv)), "tenant-1", "session-a", nil)
	ch.Start()
	defer ch.Stop()

	events <- RealtimeEvent{
		EntityType:      "invoice",
		EntityID:        "inv-1",
		UpdatedAt:       time.Now(),
		OriginSessionID: "session-b",
	}

	select {
	case ev := <-ch.Nudges():
		if ev.EntityID != "inv-1" || ev.OriginSessionID != "session-b" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected nudge from remote commit")
	}
}

func TestRealtimeSuppressesOwnEchoes(t *testing.T) {
	events := make(chan RealtimeEvent, 4)
	srv := realtimeTestServer(t, events)
	defer srv.Close()
	defer close(events)

	ch := NewRealtimeChannel(DefaultRealtimeConfig(wsURL(srv)), "tenant-1", "session-a", nil)
	ch.Start()
	defer ch.Stop()

	// Own commit first, then a remote one; only the remote must surface.
	events <- RealtimeEvent{EntityID: "inv-own", OriginSessionID: "session-a"}
	events <- RealtimeEvent{EntityID: "inv-remote", OriginSessionID: "session-b"}

	select {
	case ev := <-ch.Nudges():
		if ev.EntityID != "inv-remote" {
			t.Errorf("own echo leaked through: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected remote nudge")
	}

	stats := ch.Stats()
	if stats.Received != 2 {
		t.Errorf("expected 2 received, got %d", stats.Received)
	}
	if stats.Suppressed != 1 {
		t.Errorf("expected 1 suppressed, got %d", stats.Suppressed)
	}
}

func TestRealtimeConnectedFlag(t *testing.T) {
	events := make(chan RealtimeEvent)
	srv := realtimeTestServer(t, events)
	defer srv.Close()
	defer close(events)

	ch := NewRealtimeChannel(DefaultRealtimeConfig(wsURL(srv)), "tenant-1", "session-a", nil)
	ch.Start()

	deadline := time.After(2 * time.Second)
	for !ch.Connected() {
		select {
		case <-deadline:
			t.Fatalf("channel never connected")
		case <-time.After(5 * time.Millisecond):
		}
	}

	ch.Stop()
	if ch.Connected() {
		t.Errorf("expected disconnected after Stop")
	}
}

func TestRealtimeReconnectsAfterDrop(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Drop the first connection right after the subscribe.
		var sub realtimeMessage
		conn.ReadJSON(&sub)
		if conns.Add(1) == 1 {
			conn.Close()
			return
		}
		ack, _ := json.Marshal(realtimeMessage{Type: "subscribed"})
		conn.WriteMessage(websocket.TextMessage, ack)
		// Hold the second connection open.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}))
	defer srv.Close()

	cfg := DefaultRealtimeConfig(wsURL(srv))
	cfg.ReconnectBackoff = BackoffConfig{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond, Multiplier: 1, Jitter: 0}
	ch := NewRealtimeChannel(cfg, "tenant-1", "session-a", nil)
	ch.Start()
	defer ch.Stop()

	deadline := time.After(3 * time.Second)
	for ch.Stats().Reconnects == 0 || !ch.Connected() {
		select {
		case <-deadline:
			t.Fatalf("channel never reconnected, stats %+v", ch.Stats())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
