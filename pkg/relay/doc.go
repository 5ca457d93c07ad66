// Copyright 2024-2026 Aiku AI

// Package relay implements the anonymizing relay core: it deletes
// user-authored messages and re-posts their content through a per-channel
// webhook identity, so the message keeps its author's display name and
// avatar but loses the link to their account.
//
// # Core Types
//
// [Pipeline] runs the per-message state machine: relay gate, rate limit,
// original deletion, webhook dispatch, and mapping bookkeeping. It also
// mirrors later edits and deletes of the original onto the relayed copy.
//
// [IdentityManager] owns the one-webhook-per-channel credential pool,
// including creation on first use, recovery from remotely deleted webhooks,
// and optional at-rest sealing of tokens via [SecretBox].
//
// [Scheduler] replaces every channel's webhook on a fixed interval. The
// schedule is anchored to a persisted watermark so restarts do not reset
// the cycle.
//
// [RateLimiter] is the per-user sliding-window gate for non-administrator
// senders.
//
// # Ordering
//
// Within one message, steps are strictly sequential: the original is
// deleted first and unconditionally, the relay send follows, and the
// mapping row is written only after the send is confirmed. A mapping
// therefore exists if and only if the relay send succeeded. Deleting the
// original never waits on relay success; a failed relay still removed the
// identifiable content, which is the intended worst case.
package relay
