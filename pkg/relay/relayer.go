// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aiku/anonrelay/pkg/chatapi"
	"github.com/aiku/anonrelay/pkg/relay/store"
)

// Relayer wires gateway events into the pipeline and handles the
// administrative commands. It is the chatapi.EventHandler given to the
// gateway.
type Relayer struct {
	store    *store.Store
	api      chatapi.API
	pipeline *Pipeline
	log      zerolog.Logger
}

var _ chatapi.EventHandler = (*Relayer)(nil)

// NewRelayer creates the event handler.
func NewRelayer(st *store.Store, api chatapi.API, pipeline *Pipeline, log zerolog.Logger) *Relayer {
	return &Relayer{
		store:    st,
		api:      api,
		pipeline: pipeline,
		log:      log.With().Str("component", "relayer").Logger(),
	}
}

func (r *Relayer) HandleMessageCreate(ctx context.Context, msg *chatapi.Message) {
	r.pipeline.HandleMessageCreate(ctx, msg)
}

func (r *Relayer) HandleMessageUpdate(ctx context.Context, msg *chatapi.Message) {
	r.pipeline.HandleMessageUpdate(ctx, msg)
}

func (r *Relayer) HandleMessageDelete(ctx context.Context, ref *chatapi.MessageRef) {
	r.pipeline.HandleMessageDelete(ctx, ref)
}

// HandleCommand routes command invocations. "relay" is the user-facing
// submit action; "enable" and "disable" mutate the relay-channel set and
// require administrator privilege.
func (r *Relayer) HandleCommand(ctx context.Context, cmd *chatapi.Command) {
	switch cmd.Name {
	case "relay":
		r.pipeline.Submit(ctx, cmd)
	case "enable":
		r.handleEnable(ctx, cmd, true)
	case "disable":
		r.handleEnable(ctx, cmd, false)
	default:
		r.log.Debug().Str("command", cmd.Name).Msg("Unknown command")
	}
}

func (r *Relayer) handleEnable(ctx context.Context, cmd *chatapi.Command, enable bool) {
	log := r.log.With().
		Str("channel_id", cmd.ChannelID).
		Str("user_id", cmd.Invoker.ID).
		Bool("enable", enable).
		Logger()

	if !cmd.Invoker.Admin {
		log.Debug().Msg("Non-admin tried to change relay channels")
		r.notify(ctx, cmd.Invoker.ID, "Only administrators can change relay channels.")
		return
	}

	var err error
	if enable {
		err = r.store.EnableChannel(cmd.ChannelID, cmd.GuildID)
	} else {
		err = r.store.DisableChannel(cmd.ChannelID)
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to update relay channels")
		r.notify(ctx, cmd.Invoker.ID, "Something went wrong, try again.")
		return
	}

	log.Info().Msg("Relay channel set updated")
	if enable {
		r.notify(ctx, cmd.Invoker.ID, "Relaying enabled for this channel.")
	} else {
		r.notify(ctx, cmd.Invoker.ID, "Relaying disabled for this channel.")
	}
}

func (r *Relayer) notify(ctx context.Context, userID, text string) {
	if err := r.api.SendDirectMessage(ctx, userID, text); err != nil {
		r.log.Debug().Err(err).Str("user_id", userID).Msg("Failed to send notice")
	}
}
