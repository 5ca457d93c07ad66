// Copyright 2024-2026 Aiku AI

// Command anonrelay runs the anonymizing relay service: it consumes the
// chat platform's event stream, deletes user-authored messages in enabled
// channels, and re-posts their content through per-channel webhook
// identities that are rotated on a fixed schedule.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/aiku/anonrelay/pkg/chatapi"
	"github.com/aiku/anonrelay/pkg/relay"
	"github.com/aiku/anonrelay/pkg/relay/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// Optional; secrets may come from a .env file in development.
	_ = godotenv.Load()

	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := cfg.PostProcess(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	log.Info().Str("tag", Tag).Str("commit", Commit).Str("build_time", BuildTime).Msg("Starting anonrelay")

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Failed to open store")
	}

	var box *relay.SecretBox
	if key := cfg.EncryptionKey(); key != nil {
		box, err = relay.NewSecretBox(key)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to init credential encryption")
		}
	}

	api := chatapi.NewRESTClient(cfg.ServerURL, cfg.BotToken, log)
	ids := relay.NewIdentityManager(st, api, box, cfg.WebhookName, log)
	limiter := relay.NewRateLimiter(cfg.RateWindow(), cfg.RateLimit.Max)
	pipeline := relay.NewPipeline(st, api, ids, limiter, cfg.Channels, log)
	relayer := relay.NewRelayer(st, api, pipeline, log)
	scheduler := relay.NewScheduler(st, api, ids, cfg.RotationIntervalDuration(), log)
	admin := relay.NewAdminAPI(st, scheduler, log)
	gateway := chatapi.NewGateway(cfg.GatewayURL, cfg.BotToken, relayer, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scheduler.Run(ctx)
	go func() {
		if err := admin.Run(ctx, cfg.AdminAddr); err != nil {
			log.Error().Err(err).Msg("Admin API error")
		}
	}()

	if err := gateway.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("Gateway failed")
	}
	log.Info().Msg("Shutdown complete")
}
