// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aiku/anonrelay/pkg/chatapi"
	"github.com/aiku/anonrelay/pkg/relay/store"
)

const (
	noticeRateLimited = "You're sending messages too quickly. Wait a moment and try again."
	noticeEmpty       = "There is nothing to relay: add some text or an attachment."
	noticeNotEnabled  = "Relaying is not enabled in this channel."
)

// Pipeline runs the relay state machine: for each inbound message it deletes
// the original, re-posts the content through the channel's webhook identity,
// and records the mapping that lets later edits and deletes follow along.
type Pipeline struct {
	store   *store.Store
	api     chatapi.API
	ids     *IdentityManager
	limiter *RateLimiter
	// allowlist, when non-nil, replaces the store-backed enabled set as
	// the relay gate.
	allowlist map[string]struct{}
	log       zerolog.Logger
}

// NewPipeline creates a pipeline. allowedChannels may be empty, in which
// case the store-backed relay-channel set is the gate.
func NewPipeline(st *store.Store, api chatapi.API, ids *IdentityManager, limiter *RateLimiter, allowedChannels []string, log zerolog.Logger) *Pipeline {
	var allowlist map[string]struct{}
	if len(allowedChannels) > 0 {
		allowlist = make(map[string]struct{}, len(allowedChannels))
		for _, ch := range allowedChannels {
			allowlist[ch] = struct{}{}
		}
	}
	return &Pipeline{
		store:     st,
		api:       api,
		ids:       ids,
		limiter:   limiter,
		allowlist: allowlist,
		log:       log.With().Str("component", "pipeline").Logger(),
	}
}

// channelEnabled reports whether messages in the channel are relayed at all.
func (p *Pipeline) channelEnabled(channelID string) (bool, error) {
	if p.allowlist != nil {
		_, ok := p.allowlist[channelID]
		return ok, nil
	}
	return p.store.IsRelayChannel(channelID)
}

// HandleMessageCreate runs the creation path for one inbound message.
// Steps are strictly sequential; the first unrecoverable one terminates the
// pipeline for this message with no retry.
func (p *Pipeline) HandleMessageCreate(ctx context.Context, msg *chatapi.Message) {
	if msg.Author.Bot {
		return
	}
	enabled, err := p.channelEnabled(msg.ChannelID)
	if err != nil {
		p.log.Error().Err(err).Str("channel_id", msg.ChannelID).Msg("Failed to check relay gate")
		return
	}
	if !enabled {
		return
	}

	log := p.log.With().
		Str("message_id", msg.ID).
		Str("channel_id", msg.ChannelID).
		Str("user_id", msg.Author.ID).
		Logger()

	// The original is removed before anything else and regardless of what
	// later steps do. The privacy guarantee is "the message is gone from
	// the identifiable account", not "gone only if the relay worked".
	if err := p.api.DeleteMessage(ctx, msg.ChannelID, msg.ID); err != nil && !chatapi.IsMessageNotFound(err) {
		log.Warn().Err(err).Msg("Failed to delete original message")
	}

	if !msg.Author.Admin && p.limiter.Record(msg.Author.ID) {
		metricRateLimited.Inc()
		log.Debug().Msg("Rate limited")
		p.notify(ctx, msg.Author.ID, noticeRateLimited)
		return
	}

	attachment := msg.FirstAttachment()
	if msg.Content == "" && attachment == nil {
		return
	}

	payload := &chatapi.WebhookMessage{
		Content:          msg.Content,
		Username:         msg.Author.DisplayName,
		AvatarURL:        msg.Author.AvatarURL,
		SuppressMentions: true,
	}
	if attachment != nil {
		payload.AttachmentURL = attachment.URL
	}

	relayedID, ident, err := p.send(ctx, msg.ChannelID, payload)
	if err != nil {
		metricRelayFailures.Inc()
		log.Error().Err(err).Msg("Relay send failed, original is gone without a copy")
		return
	}

	// The mapping is written only now, after the send is confirmed. A
	// mapping must never exist for a send that did not complete.
	err = p.store.PutMapping(&store.MessageMapping{
		OriginalID:   msg.ID,
		RelayedID:    relayedID,
		ChannelID:    msg.ChannelID,
		WebhookID:    ident.ID,
		WebhookToken: p.ids.sealToken(ident.Token),
	})
	if err != nil {
		log.Error().Err(err).Str("relayed_id", relayedID).Msg("Failed to record message mapping")
		return
	}

	metricMessagesRelayed.Inc()
	log.Debug().Str("relayed_id", relayedID).Msg("Message relayed")
}

// send resolves the channel identity and dispatches the payload. A send
// rejected because the webhook no longer exists drops the stored row and
// retries exactly once with a fresh identity.
func (p *Pipeline) send(ctx context.Context, channelID string, payload *chatapi.WebhookMessage) (string, *chatapi.Identity, error) {
	ident, err := p.ids.Resolve(ctx, channelID)
	if err != nil {
		return "", nil, err
	}
	relayedID, err := p.api.ExecuteWebhook(ctx, ident.ID, ident.Token, payload)
	if chatapi.IsIdentityNotFound(err) {
		p.log.Info().
			Str("channel_id", channelID).
			Str("webhook_id", ident.ID).
			Msg("Webhook gone on remote side, recreating")
		if ierr := p.ids.Invalidate(channelID); ierr != nil {
			return "", nil, ierr
		}
		ident, err = p.ids.Resolve(ctx, channelID)
		if err != nil {
			return "", nil, err
		}
		relayedID, err = p.api.ExecuteWebhook(ctx, ident.ID, ident.Token, payload)
	}
	if err != nil {
		return "", nil, err
	}
	return relayedID, ident, nil
}

// HandleMessageUpdate mirrors an edit of an original onto its relayed copy.
// A missing mapping means the message was never relayed; nothing happens.
func (p *Pipeline) HandleMessageUpdate(ctx context.Context, msg *chatapi.Message) {
	if msg.Author.Bot {
		return
	}
	mapping, err := p.store.GetMapping(msg.ID)
	if err != nil {
		p.log.Error().Err(err).Str("message_id", msg.ID).Msg("Failed to look up mapping")
		return
	}
	if mapping == nil {
		return
	}

	log := p.log.With().
		Str("message_id", msg.ID).
		Str("relayed_id", mapping.RelayedID).
		Str("channel_id", mapping.ChannelID).
		Logger()

	token, err := p.ids.openToken(mapping.WebhookToken)
	if err != nil {
		// Snapshot is unreadable. The mapping stays so a later delete can
		// still purge it.
		log.Warn().Err(err).Msg("Cannot decrypt mapping credential, edit not mirrored")
		return
	}

	err = p.api.EditWebhookMessage(ctx, mapping.WebhookID, token, mapping.RelayedID, msg.Content)
	if chatapi.IsIdentityNotFound(err) {
		// Rotation replaced the webhook after the send. Refresh the
		// snapshot from the current channel identity and retry once.
		ident, rerr := p.ids.Resolve(ctx, mapping.ChannelID)
		if rerr != nil {
			log.Warn().Err(rerr).Msg("Failed to refresh mapping credential after rotation")
			return
		}
		if uerr := p.store.UpdateMappingCredential(msg.ID, ident.ID, p.ids.sealToken(ident.Token)); uerr != nil {
			log.Warn().Err(uerr).Msg("Failed to persist refreshed mapping credential")
		}
		err = p.api.EditWebhookMessage(ctx, ident.ID, ident.Token, mapping.RelayedID, msg.Content)
	}
	if err != nil {
		// Transient edit failures must not destroy the link; the mapping
		// is still needed for a future delete.
		log.Warn().Err(err).Msg("Failed to mirror edit")
		return
	}

	metricEditsMirrored.Inc()
	log.Debug().Msg("Edit mirrored")
}

// HandleMessageDelete mirrors a delete of an original onto its relayed copy
// and always drops the mapping row afterwards, even when the remote delete
// failed. The copy may already be gone; that is fine.
func (p *Pipeline) HandleMessageDelete(ctx context.Context, ref *chatapi.MessageRef) {
	mapping, err := p.store.GetMapping(ref.MessageID)
	if err != nil {
		p.log.Error().Err(err).Str("message_id", ref.MessageID).Msg("Failed to look up mapping")
		return
	}
	if mapping == nil {
		return
	}

	log := p.log.With().
		Str("message_id", ref.MessageID).
		Str("relayed_id", mapping.RelayedID).
		Logger()

	if token, err := p.ids.openToken(mapping.WebhookToken); err == nil {
		err := p.api.DeleteWebhookMessage(ctx, mapping.WebhookID, token, mapping.RelayedID)
		switch {
		case err == nil:
			metricDeletesMirrored.Inc()
		case chatapi.IsMessageNotFound(err) || chatapi.IsIdentityNotFound(err):
			// Already gone, or the owning webhook rotated away.
		default:
			log.Warn().Err(err).Msg("Failed to delete relayed copy")
		}
	}

	if err := p.store.DeleteMapping(ref.MessageID); err != nil {
		log.Error().Err(err).Msg("Failed to drop message mapping")
		return
	}
	log.Debug().Msg("Delete mirrored, mapping dropped")
}

// Submit relays content on behalf of a command invoker. It runs the same
// gate and rate limit as organic messages, but there is no original to
// delete and no mapping to record.
func (p *Pipeline) Submit(ctx context.Context, cmd *chatapi.Command) {
	enabled, err := p.channelEnabled(cmd.ChannelID)
	if err != nil {
		p.log.Error().Err(err).Str("channel_id", cmd.ChannelID).Msg("Failed to check relay gate")
		return
	}
	if !enabled {
		p.notify(ctx, cmd.Invoker.ID, noticeNotEnabled)
		return
	}

	if !cmd.Invoker.Admin && p.limiter.Record(cmd.Invoker.ID) {
		metricRateLimited.Inc()
		p.notify(ctx, cmd.Invoker.ID, noticeRateLimited)
		return
	}

	if cmd.Content == "" && cmd.Attachment == nil {
		p.notify(ctx, cmd.Invoker.ID, noticeEmpty)
		return
	}

	payload := &chatapi.WebhookMessage{
		Content:          cmd.Content,
		Username:         cmd.Invoker.DisplayName,
		AvatarURL:        cmd.Invoker.AvatarURL,
		SuppressMentions: true,
	}
	if cmd.Attachment != nil {
		payload.AttachmentURL = cmd.Attachment.URL
	}

	if _, _, err := p.send(ctx, cmd.ChannelID, payload); err != nil {
		metricRelayFailures.Inc()
		p.log.Error().Err(err).
			Str("channel_id", cmd.ChannelID).
			Str("user_id", cmd.Invoker.ID).
			Msg("Command relay failed")
		return
	}
	metricMessagesRelayed.Inc()
}

// notify sends a private notice to a user. Best-effort; failures are
// swallowed.
func (p *Pipeline) notify(ctx context.Context, userID, text string) {
	if err := p.api.SendDirectMessage(ctx, userID, text); err != nil {
		p.log.Debug().Err(err).Str("user_id", userID).Msg("Failed to send notice")
	}
}
