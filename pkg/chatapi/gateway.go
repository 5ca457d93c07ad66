// Copyright 2024-2026 Aiku AI

package chatapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Gateway consumes the platform's websocket event stream and dispatches
// decoded events to a handler. Events arrive as JSON frames with a type tag
// and payload:
//
//	{"t": "MESSAGE_CREATE", "d": {...}}
//
// Recognized types: MESSAGE_CREATE, MESSAGE_UPDATE, MESSAGE_DELETE, COMMAND.
type Gateway struct {
	url     string
	token   string
	handler EventHandler
	log     zerolog.Logger

	// reconnectWait is the pause before re-dialing after a dropped
	// connection. Overridable in tests.
	reconnectWait time.Duration
}

// NewGateway creates a gateway client for the given websocket URL.
func NewGateway(url, token string, handler EventHandler, log zerolog.Logger) *Gateway {
	return &Gateway{
		url:           url,
		token:         token,
		handler:       handler,
		log:           log.With().Str("component", "gateway").Logger(),
		reconnectWait: 5 * time.Second,
	}
}

type frame struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

// Run connects and consumes events until ctx is cancelled, reconnecting on
// dropped connections. It only returns the ctx error.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		if err := g.connectAndListen(ctx); err != nil {
			if ctx.Err() != nil {
				g.log.Info().Msg("Gateway stopped")
				return ctx.Err()
			}
			g.log.Warn().Err(err).Dur("retry_in", g.reconnectWait).Msg("Gateway disconnected, reconnecting")
		}
		select {
		case <-ctx.Done():
			g.log.Info().Msg("Gateway stopped")
			return ctx.Err()
		case <-time.After(g.reconnectWait):
		}
	}
}

func (g *Gateway) connectAndListen(ctx context.Context) error {
	header := http.Header{}
	header.Set("Authorization", "Bot "+g.token)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, g.url, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	g.log.Info().Str("url", g.url).Msg("Gateway connected")

	// Unblock ReadMessage when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		g.dispatch(ctx, data)
	}
}

// dispatch decodes one frame and routes it. Malformed frames are logged and
// dropped; they must never take down the connection.
func (g *Gateway) dispatch(ctx context.Context, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		g.log.Warn().Err(err).Msg("Failed to decode gateway frame")
		return
	}

	switch f.T {
	case "MESSAGE_CREATE":
		var msg Message
		if err := json.Unmarshal(f.D, &msg); err != nil {
			g.log.Warn().Err(err).Msg("Failed to decode message create")
			return
		}
		g.handler.HandleMessageCreate(ctx, &msg)
	case "MESSAGE_UPDATE":
		var msg Message
		if err := json.Unmarshal(f.D, &msg); err != nil {
			g.log.Warn().Err(err).Msg("Failed to decode message update")
			return
		}
		g.handler.HandleMessageUpdate(ctx, &msg)
	case "MESSAGE_DELETE":
		var ref MessageRef
		if err := json.Unmarshal(f.D, &ref); err != nil {
			g.log.Warn().Err(err).Msg("Failed to decode message delete")
			return
		}
		g.handler.HandleMessageDelete(ctx, &ref)
	case "COMMAND":
		var cmd Command
		if err := json.Unmarshal(f.D, &cmd); err != nil {
			g.log.Warn().Err(err).Msg("Failed to decode command")
			return
		}
		g.handler.HandleCommand(ctx, &cmd)
	default:
		g.log.Trace().Str("event_type", f.T).Msg("Unhandled event type")
	}
}
