// Copyright 2024-2026 Aiku AI

package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anonrelay_messages_relayed_total",
		Help: "Messages successfully re-posted through a channel webhook.",
	})
	metricRelayFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anonrelay_relay_failures_total",
		Help: "Relay sends that failed after the original was deleted.",
	})
	metricRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anonrelay_rate_limited_total",
		Help: "Messages dropped by the per-user rate limit.",
	})
	metricIdentitiesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anonrelay_identities_created_total",
		Help: "Webhook identities created, both first-use and replacements.",
	})
	metricRotationsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anonrelay_rotations_completed_total",
		Help: "Completed rotation passes, including partial ones.",
	})
	metricEditsMirrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anonrelay_edits_mirrored_total",
		Help: "Edits of originals mirrored onto their relayed copies.",
	})
	metricDeletesMirrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anonrelay_deletes_mirrored_total",
		Help: "Deletes of originals mirrored onto their relayed copies.",
	})
)
