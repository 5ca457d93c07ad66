// Copyright 2024-2026 Aiku AI

package relay

import (
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// RateLimitConfig holds the sliding-window limiter settings.
type RateLimitConfig struct {
	Window string `yaml:"window"`
	Max    int    `yaml:"max"`

	window time.Duration `yaml:"-"`
}

// EncryptionConfig controls at-rest sealing of stored webhook tokens.
type EncryptionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"` // 32 bytes, hex-encoded

	key []byte `yaml:"-"`
}

// Config holds the relay service configuration.
type Config struct {
	ServerURL    string `yaml:"server_url"`
	GatewayURL   string `yaml:"gateway_url"`
	BotToken     string `yaml:"bot_token"`
	DatabasePath string `yaml:"database_path"`
	// AdminAddr is the listen address for the admin HTTP API serving
	// /api/channels, /api/rotate and /metrics. Defaults to ":29331".
	AdminAddr   string `yaml:"admin_addr"`
	LogLevel    string `yaml:"log_level"`
	WebhookName string `yaml:"webhook_name"`
	// Channels is a static allow-list. When non-empty it is the relay gate
	// instead of the store-backed enabled-channel set.
	Channels []string `yaml:"channels"`

	RotationInterval string           `yaml:"rotation_interval"`
	RateLimit        RateLimitConfig  `yaml:"rate_limit"`
	Encryption       EncryptionConfig `yaml:"encryption"`

	rotationInterval time.Duration `yaml:"-"`
}

// LoadConfig reads a YAML config file and applies environment overrides.
// PostProcess must be called before the config is used.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyEnv()
	return &cfg, nil
}

// applyEnv overrides file values with ANONRELAY_* environment variables so
// secrets can stay out of the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANONRELAY_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("ANONRELAY_GATEWAY_URL"); v != "" {
		c.GatewayURL = v
	}
	if v := os.Getenv("ANONRELAY_BOT_TOKEN"); v != "" {
		c.BotToken = v
	}
	if v := os.Getenv("ANONRELAY_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("ANONRELAY_ADMIN_ADDR"); v != "" {
		c.AdminAddr = v
	}
	if v := os.Getenv("ANONRELAY_ENCRYPTION_KEY"); v != "" {
		c.Encryption.Key = v
	}
}

// PostProcess validates the config and fills defaults. A missing encryption
// key with encryption enabled is an error here and fatal at startup.
func (c *Config) PostProcess() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.GatewayURL == "" {
		return fmt.Errorf("gateway_url is required")
	}
	if c.BotToken == "" {
		return fmt.Errorf("bot_token is required")
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "anonrelay.db"
	}
	if c.AdminAddr == "" {
		c.AdminAddr = ":29331"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.WebhookName == "" {
		c.WebhookName = "relay"
	}

	if c.RotationInterval == "" {
		c.RotationInterval = "24h"
	}
	var err error
	c.rotationInterval, err = time.ParseDuration(c.RotationInterval)
	if err != nil {
		return fmt.Errorf("invalid rotation_interval: %w", err)
	}
	if c.rotationInterval <= 0 {
		return fmt.Errorf("rotation_interval must be positive")
	}

	if c.RateLimit.Window == "" {
		c.RateLimit.Window = "60s"
	}
	c.RateLimit.window, err = time.ParseDuration(c.RateLimit.Window)
	if err != nil {
		return fmt.Errorf("invalid rate_limit.window: %w", err)
	}
	if c.RateLimit.window <= 0 {
		return fmt.Errorf("rate_limit.window must be positive")
	}
	if c.RateLimit.Max == 0 {
		c.RateLimit.Max = 3
	}
	if c.RateLimit.Max < 0 {
		return fmt.Errorf("rate_limit.max must be positive")
	}

	if c.Encryption.Enabled {
		if c.Encryption.Key == "" {
			return fmt.Errorf("encryption.key is required when encryption is enabled")
		}
		key, err := hex.DecodeString(c.Encryption.Key)
		if err != nil {
			return fmt.Errorf("invalid encryption.key: %w", err)
		}
		if len(key) != 32 {
			return fmt.Errorf("encryption.key must be 32 bytes, got %d", len(key))
		}
		c.Encryption.key = key
	}

	return nil
}

// RotationIntervalDuration returns the parsed rotation interval.
func (c *Config) RotationIntervalDuration() time.Duration {
	return c.rotationInterval
}

// RateWindow returns the parsed rate-limit window.
func (c *Config) RateWindow() time.Duration {
	return c.RateLimit.window
}

// EncryptionKey returns the decoded key, or nil when encryption is disabled.
func (c *Config) EncryptionKey() []byte {
	if !c.Encryption.Enabled {
		return nil
	}
	return c.Encryption.key
}
