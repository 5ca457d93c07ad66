// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aiku/anonrelay/pkg/chatapi"
	"github.com/aiku/anonrelay/pkg/relay/store"
)

// maxResolveAttempts bounds the delete-and-recreate recovery loop so a
// pathologically repeating failure cannot recurse forever.
const maxResolveAttempts = 3

// IdentityManager obtains-or-creates the per-channel webhook identity and
// recovers from corrupt or remotely deleted credentials. Message flow is
// never blocked on a broken row: the row is dropped and a fresh webhook is
// created instead.
type IdentityManager struct {
	store *store.Store
	api   chatapi.API
	box   *SecretBox // nil when at-rest encryption is disabled
	name  string
	log   zerolog.Logger
}

// NewIdentityManager creates an identity manager. box may be nil, in which
// case tokens are stored as plaintext.
func NewIdentityManager(st *store.Store, api chatapi.API, box *SecretBox, webhookName string, log zerolog.Logger) *IdentityManager {
	return &IdentityManager{
		store: st,
		api:   api,
		box:   box,
		name:  webhookName,
		log:   log.With().Str("component", "identity").Logger(),
	}
}

// Resolve returns the live webhook identity for a channel, creating one on
// first use. A stored token that fails to decrypt is treated as corrupt:
// the row is deleted and the create path runs on the next attempt.
func (im *IdentityManager) Resolve(ctx context.Context, channelID string) (*chatapi.Identity, error) {
	var lastErr error
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		row, err := im.store.GetIdentity(channelID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up identity: %w", err)
		}
		if row == nil {
			return im.create(ctx, channelID)
		}

		if im.box == nil {
			return &chatapi.Identity{ID: row.WebhookID, Token: row.WebhookToken}, nil
		}

		token, legacy, err := im.box.Open(row.WebhookToken)
		if err != nil {
			im.log.Warn().Err(err).
				Str("channel_id", channelID).
				Str("webhook_id", row.WebhookID).
				Msg("Stored webhook token is corrupt, recreating identity")
			if err := im.store.DeleteIdentity(channelID); err != nil {
				return nil, fmt.Errorf("failed to delete corrupt identity: %w", err)
			}
			lastErr = err
			continue
		}

		if legacy {
			// Migrate the plaintext row in place. Failure is logged, not
			// fatal; the row stays readable either way.
			row.WebhookToken = im.box.Seal(token)
			if err := im.store.PutIdentity(row); err != nil {
				im.log.Warn().Err(err).
					Str("channel_id", channelID).
					Msg("Failed to re-seal legacy plaintext token")
			}
		}

		return &chatapi.Identity{ID: row.WebhookID, Token: token}, nil
	}
	return nil, fmt.Errorf("giving up on identity for channel %s: %w", channelID, lastErr)
}

// Invalidate drops the stored identity row after the remote side reported
// the webhook gone. The next Resolve creates a replacement.
func (im *IdentityManager) Invalidate(channelID string) error {
	return im.store.DeleteIdentity(channelID)
}

// Rotate replaces a channel's webhook wholesale: the old remote webhook is
// deleted best-effort, then a new one is created and persisted.
func (im *IdentityManager) Rotate(ctx context.Context, channelID string) error {
	row, err := im.store.GetIdentity(channelID)
	if err != nil {
		return fmt.Errorf("failed to look up identity: %w", err)
	}
	if row != nil {
		token := row.WebhookToken
		if im.box != nil {
			plain, _, err := im.box.Open(row.WebhookToken)
			if err != nil {
				// Can't authenticate against the old webhook; it will be
				// orphaned remotely and replaced locally.
				im.log.Warn().Err(err).
					Str("channel_id", channelID).
					Msg("Cannot decrypt old token during rotation, skipping remote delete")
				token = ""
			} else {
				token = plain
			}
		}
		if token != "" {
			err := im.api.DeleteWebhook(ctx, row.WebhookID, token)
			if err != nil && !chatapi.IsIdentityNotFound(err) {
				im.log.Warn().Err(err).
					Str("channel_id", channelID).
					Str("webhook_id", row.WebhookID).
					Msg("Failed to delete old webhook during rotation")
			}
		}
	}
	_, err = im.create(ctx, channelID)
	return err
}

// sealToken converts a live token to its stored form. Used for the
// credential snapshots on message mappings.
func (im *IdentityManager) sealToken(token string) string {
	if im.box == nil {
		return token
	}
	return im.box.Seal(token)
}

// openToken converts a stored token back to its live form.
func (im *IdentityManager) openToken(stored string) (string, error) {
	if im.box == nil {
		return stored, nil
	}
	token, _, err := im.box.Open(stored)
	return token, err
}

func (im *IdentityManager) create(ctx context.Context, channelID string) (*chatapi.Identity, error) {
	ident, err := im.api.CreateWebhook(ctx, channelID, im.name)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}

	stored := ident.Token
	if im.box != nil {
		stored = im.box.Seal(ident.Token)
	}
	err = im.store.PutIdentity(&store.ChannelIdentity{
		ChannelID:    channelID,
		WebhookID:    ident.ID,
		WebhookToken: stored,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}

	metricIdentitiesCreated.Inc()
	im.log.Info().
		Str("channel_id", channelID).
		Str("webhook_id", ident.ID).
		Msg("Created channel identity")
	return ident, nil
}
