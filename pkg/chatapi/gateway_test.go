// Copyright 2024-2026 Aiku AI

package chatapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// recordingHandler collects dispatched events and signals each arrival.
type recordingHandler struct {
	mu       sync.Mutex
	creates  []*Message
	updates  []*Message
	deletes  []*MessageRef
	commands []*Command
	arrived  chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{arrived: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleMessageCreate(_ context.Context, msg *Message) {
	h.mu.Lock()
	h.creates = append(h.creates, msg)
	h.mu.Unlock()
	h.arrived <- struct{}{}
}

func (h *recordingHandler) HandleMessageUpdate(_ context.Context, msg *Message) {
	h.mu.Lock()
	h.updates = append(h.updates, msg)
	h.mu.Unlock()
	h.arrived <- struct{}{}
}

func (h *recordingHandler) HandleMessageDelete(_ context.Context, ref *MessageRef) {
	h.mu.Lock()
	h.deletes = append(h.deletes, ref)
	h.mu.Unlock()
	h.arrived <- struct{}{}
}

func (h *recordingHandler) HandleCommand(_ context.Context, cmd *Command) {
	h.mu.Lock()
	h.commands = append(h.commands, cmd)
	h.mu.Unlock()
	h.arrived <- struct{}{}
}

func (h *recordingHandler) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.arrived:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
}

// authRecorder captures the Authorization header seen on upgrade.
type authRecorder struct {
	mu    sync.Mutex
	value string
}

func (a *authRecorder) set(v string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = v
}

func (a *authRecorder) get() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value
}

// gatewayServer upgrades one connection, sends the given frames, then holds
// the connection open until the test ends.
func gatewayServer(t *testing.T, frames []string, auth *authRecorder) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth != nil {
			auth.set(r.Header.Get("Authorization"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Wait for the client to go away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestGatewayDispatch(t *testing.T) {
	frames := []string{
		`{"t": "MESSAGE_CREATE", "d": {"id": "msg-1", "channel_id": "chan-1", "author": {"id": "user-1", "display_name": "Alice"}, "content": "hello"}}`,
		`{"t": "MESSAGE_UPDATE", "d": {"id": "msg-1", "channel_id": "chan-1", "content": "edited"}}`,
		`{"t": "MESSAGE_DELETE", "d": {"channel_id": "chan-1", "message_id": "msg-1"}}`,
		`{"t": "COMMAND", "d": {"name": "relay", "channel_id": "chan-1", "invoker": {"id": "user-1"}, "content": "psst"}}`,
		`this is not json`,
		`{"t": "PRESENCE_UPDATE", "d": {}}`,
	}
	auth := &authRecorder{}
	srv := gatewayServer(t, frames, auth)

	handler := newRecordingHandler()
	gw := NewGateway(wsURL(srv), "test-token", handler, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	handler.waitFor(t, 4)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop on cancellation")
	}

	if got := auth.get(); got != "Bot test-token" {
		t.Errorf("Authorization on upgrade = %q", got)
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.creates) != 1 || handler.creates[0].Content != "hello" || handler.creates[0].Author.DisplayName != "Alice" {
		t.Errorf("creates = %+v", handler.creates)
	}
	if len(handler.updates) != 1 || handler.updates[0].Content != "edited" {
		t.Errorf("updates = %+v", handler.updates)
	}
	if len(handler.deletes) != 1 || handler.deletes[0].MessageID != "msg-1" {
		t.Errorf("deletes = %+v", handler.deletes)
	}
	if len(handler.commands) != 1 || handler.commands[0].Name != "relay" {
		t.Errorf("commands = %+v", handler.commands)
	}
}

func TestGatewayReconnects(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if n == 1 {
			// Drop the first connection immediately to force a re-dial.
			conn.Close()
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"t": "MESSAGE_DELETE", "d": {"channel_id": "c", "message_id": "m"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	handler := newRecordingHandler()
	gw := NewGateway(wsURL(srv), "test-token", handler, zerolog.Nop())
	gw.reconnectWait = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	handler.waitFor(t, 1)
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop on cancellation")
	}

	mu.Lock()
	defer mu.Unlock()
	if dials < 2 {
		t.Fatalf("expected a reconnect, got %d dials", dials)
	}
}

func TestGatewayDialFailureRetries(t *testing.T) {
	// Nothing listens here; the loop must keep retrying until cancelled.
	gw := NewGateway("ws://127.0.0.1:1/gateway", "test-token", newRecordingHandler(), zerolog.Nop())
	gw.reconnectWait = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := gw.Run(ctx); err != context.DeadlineExceeded {
		t.Fatalf("Run returned %v, want context.DeadlineExceeded", err)
	}
}
