// Copyright 2024-2026 Aiku AI

package relay

import (
	"sync"
	"time"
)

// RateLimiter is a per-user sliding-window limiter gating non-administrator
// senders. It is an injected component, not ambient state, and is safe for
// concurrent use.
//
// The current event is recorded before the limit decision, so the event that
// trips the limit keeps counting toward later windows. A user who keeps
// posting while limited keeps their window full; this is the intended
// deterrent, not an accounting bug.
type RateLimiter struct {
	window time.Duration
	max    int

	mu      sync.Mutex
	events  map[string][]time.Time
	lookups uint64

	// now is overridable in tests.
	now func() time.Time
}

// NewRateLimiter creates a limiter allowing max events per user within a
// trailing window.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{
		window: window,
		max:    max,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Record registers one send attempt for the user and reports whether the
// user is now over the limit. Administrators must not be passed through
// here at all; the bypass is the caller's responsibility so admin events
// never pollute the window.
func (rl *RateLimiter) Record(userID string) (limited bool) {
	now := rl.now()
	cutoff := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.lookups++
	if rl.lookups >= 1000 {
		rl.evictIdle(cutoff)
		rl.lookups = 0
	}

	kept := rl.events[userID][:0]
	for _, t := range rl.events[userID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	rl.events[userID] = kept

	return len(kept) > rl.max
}

// evictIdle drops users whose every event has fallen out of the window, to
// bound memory. Called with the lock held.
func (rl *RateLimiter) evictIdle(cutoff time.Time) {
	for user, times := range rl.events {
		idle := true
		for _, t := range times {
			if t.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			delete(rl.events, user)
		}
	}
}
