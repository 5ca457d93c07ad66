// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aiku/anonrelay/pkg/relay/store"
)

// maxAdminBodySize is the maximum allowed admin request body (64 KB).
const maxAdminBodySize = 64 << 10

// AdminAPI is the administrative HTTP surface: relay-channel management,
// forced rotation, and metrics.
type AdminAPI struct {
	store     *store.Store
	scheduler *Scheduler
	log       zerolog.Logger
}

// NewAdminAPI creates the admin API.
func NewAdminAPI(st *store.Store, scheduler *Scheduler, log zerolog.Logger) *AdminAPI {
	return &AdminAPI{
		store:     st,
		scheduler: scheduler,
		log:       log.With().Str("component", "admin_api").Logger(),
	}
}

// Handler returns the admin mux.
func (a *AdminAPI) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/channels", a.handleListChannels)
	mux.HandleFunc("POST /api/channels", a.handleEnableChannel)
	mux.HandleFunc("DELETE /api/channels/{id}", a.handleDisableChannel)
	mux.HandleFunc("POST /api/rotate", a.handleRotate)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Run serves the admin API on addr until ctx is cancelled.
func (a *AdminAPI) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      a.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	a.log.Info().Str("addr", addr).Msg("Starting admin API")
	err := server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type channelEntry struct {
	ChannelID string `json:"channel_id"`
	GuildID   string `json:"guild_id"`
}

func (a *AdminAPI) handleListChannels(w http.ResponseWriter, r *http.Request) {
	rows, err := a.store.ListRelayChannels()
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to list relay channels")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	entries := make([]channelEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, channelEntry{ChannelID: row.ChannelID, GuildID: row.GuildID})
	}
	a.writeJSON(w, entries)
}

func (a *AdminAPI) handleEnableChannel(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var entry channelEntry
	if err := json.Unmarshal(body, &entry); err != nil || entry.ChannelID == "" {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := a.store.EnableChannel(entry.ChannelID, entry.GuildID); err != nil {
		a.log.Error().Err(err).Str("channel_id", entry.ChannelID).Msg("Failed to enable channel")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	a.log.Info().Str("channel_id", entry.ChannelID).Msg("Channel enabled via admin API")
	a.writeJSON(w, map[string]string{"status": "enabled"})
}

func (a *AdminAPI) handleDisableChannel(w http.ResponseWriter, r *http.Request) {
	channelID := r.PathValue("id")
	if err := a.store.DisableChannel(channelID); err != nil {
		a.log.Error().Err(err).Str("channel_id", channelID).Msg("Failed to disable channel")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	a.log.Info().Str("channel_id", channelID).Msg("Channel disabled via admin API")
	a.writeJSON(w, map[string]string{"status": "disabled"})
}

func (a *AdminAPI) handleRotate(w http.ResponseWriter, r *http.Request) {
	a.log.Info().Str("remote_addr", r.RemoteAddr).Msg("Forced rotation requested")
	a.scheduler.RotateAll(r.Context())
	a.writeJSON(w, map[string]string{"status": "rotated"})
}

func (a *AdminAPI) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn().Err(err).Msg("Failed to write response")
	}
}
