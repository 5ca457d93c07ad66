// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/anonrelay/pkg/chatapi"
	"github.com/aiku/anonrelay/pkg/relay/store"
)

// Scheduler replaces every channel's webhook identity on a fixed interval.
// The schedule is anchored to a persisted watermark: the next pass fires at
// watermark + interval, so a process restart neither resets nor doubles the
// cadence. One process owns rotation; there is no distributed coordination.
type Scheduler struct {
	store    *store.Store
	api      chatapi.API
	ids      *IdentityManager
	interval time.Duration
	log      zerolog.Logger

	// mu serializes rotation passes so a forced pass cannot interleave
	// with a scheduled one.
	mu sync.Mutex

	// now is overridable in tests.
	now func() time.Time
}

// NewScheduler creates a rotation scheduler.
func NewScheduler(st *store.Store, api chatapi.API, ids *IdentityManager, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		api:      api,
		ids:      ids,
		interval: interval,
		log:      log.With().Str("component", "rotation").Logger(),
		now:      time.Now,
	}
}

// NextDeadline computes when the next rotation pass is due. An absent
// watermark means "rotate now"; an overdue one likewise.
func (s *Scheduler) NextDeadline() time.Time {
	last, ok, err := s.store.Watermark()
	if err != nil {
		// Rotating early is harmless; stalling rotation forever is not.
		s.log.Error().Err(err).Msg("Failed to read rotation watermark")
		return s.now()
	}
	if !ok {
		return s.now()
	}
	return last.Add(s.interval)
}

// Run drives the rotation loop until ctx is cancelled. The deadline is
// recomputed fresh after every pass, which self-corrects drift and absorbs
// wall-clock time missed during downtime.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("Starting rotation scheduler")
	for {
		wait := s.NextDeadline().Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info().Msg("Rotation scheduler stopped")
			return
		case <-timer.C:
		}
		s.RotateAll(ctx)
	}
}

// RotateAll runs one rotation pass over every channel identity. Per-row
// failures are isolated: one channel's failure never aborts the pass. A
// channel that cannot be fetched at all is presumed gone and its identity
// row is removed rather than retried indefinitely. The watermark advances
// unconditionally afterwards, partial failure or not.
func (s *Scheduler) RotateAll(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.store.ListIdentities()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to list identities for rotation")
	}

	rotated, dropped, failed := 0, 0, 0
	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.api.FetchChannel(ctx, row.ChannelID); err != nil {
			s.log.Warn().Err(err).
				Str("channel_id", row.ChannelID).
				Msg("Channel unreachable, dropping its identity")
			if err := s.store.DeleteIdentity(row.ChannelID); err != nil {
				s.log.Error().Err(err).Str("channel_id", row.ChannelID).Msg("Failed to drop identity row")
			}
			dropped++
			continue
		}
		if err := s.ids.Rotate(ctx, row.ChannelID); err != nil {
			s.log.Warn().Err(err).
				Str("channel_id", row.ChannelID).
				Msg("Failed to rotate channel identity")
			failed++
			continue
		}
		rotated++
	}

	if err := s.store.SetWatermark(s.now()); err != nil {
		s.log.Error().Err(err).Msg("Failed to advance rotation watermark")
	}
	metricRotationsCompleted.Inc()

	s.log.Info().
		Int("rotated", rotated).
		Int("dropped", dropped).
		Int("failed", failed).
		Msg("Rotation pass complete")
}
