// Copyright 2024-2026 Aiku AI

// Package store implements the durable state of the relay: per-channel
// webhook identities, the relay-enabled channel set, original-to-relayed
// message mappings, and the rotation watermark. Backed by GORM over the
// pure-Go SQLite driver.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ChannelIdentity is the single outbound webhook identity for a channel.
// At most one row per channel; replaced wholesale on rotation or when the
// remote side reports the webhook gone.
type ChannelIdentity struct {
	ChannelID    string    `gorm:"type:varchar(64);primaryKey"`
	WebhookID    string    `gorm:"type:varchar(64);not null"`
	WebhookToken string    `gorm:"type:text;not null"` // sealed or legacy plaintext
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TableName returns the database table name for ChannelIdentity.
func (ChannelIdentity) TableName() string { return "channel_identities" }

// RelayChannel marks a channel as eligible for relaying. Membership is the
// sole gate for whether inbound messages are touched at all.
type RelayChannel struct {
	ChannelID string    `gorm:"type:varchar(64);primaryKey"`
	GuildID   string    `gorm:"type:varchar(64);not null;index:idx_guild_channels"`
	CreatedAt time.Time
}

// TableName returns the database table name for RelayChannel.
func (RelayChannel) TableName() string { return "relay_channels" }

// MessageMapping links an original message to its relayed copy. The webhook
// credential is a snapshot captured at send time.
type MessageMapping struct {
	OriginalID   string    `gorm:"type:varchar(64);primaryKey"`
	RelayedID    string    `gorm:"type:varchar(64);not null"`
	ChannelID    string    `gorm:"type:varchar(64);not null;index:idx_mapping_channel"`
	WebhookID    string    `gorm:"type:varchar(64);not null"`
	WebhookToken string    `gorm:"type:text;not null"`
	CreatedAt    time.Time
}

// TableName returns the database table name for MessageMapping.
func (MessageMapping) TableName() string { return "message_mappings" }

// RotationState is the single-row rotation watermark.
type RotationState struct {
	ID        int       `gorm:"primaryKey"`
	RotatedAt time.Time `gorm:"not null"`
}

// TableName returns the database table name for RotationState.
func (RotationState) TableName() string { return "rotation_state" }

const rotationStateID = 1

// Store wraps the database handle with the relay's data operations.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the SQLite database at path, applies PRAGMAs,
// migrates the schema, and returns a ready Store.
func Open(path string) (*Store, error) {
	// Fail early if the parent directory does not exist instead of a
	// confusing sqlite error later.
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA busy_timeout=5000;")

	return New(db)
}

// New wraps an existing database handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	err := db.AutoMigrate(
		&ChannelIdentity{},
		&RelayChannel{},
		&MessageMapping{},
		&RotationState{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// GetIdentity returns the identity row for a channel, or (nil, nil) when
// the channel has never relayed.
func (s *Store) GetIdentity(channelID string) (*ChannelIdentity, error) {
	var row ChannelIdentity
	err := s.db.Where("channel_id = ?", channelID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// PutIdentity inserts or replaces the identity row for its channel.
func (s *Store) PutIdentity(row *ChannelIdentity) error {
	return s.db.Save(row).Error
}

// DeleteIdentity removes the identity row for a channel. Deleting a missing
// row is not an error.
func (s *Store) DeleteIdentity(channelID string) error {
	return s.db.Where("channel_id = ?", channelID).Delete(&ChannelIdentity{}).Error
}

// ListIdentities returns every identity row, ordered by channel for
// deterministic rotation passes.
func (s *Store) ListIdentities() ([]ChannelIdentity, error) {
	var rows []ChannelIdentity
	err := s.db.Order("channel_id ASC").Find(&rows).Error
	return rows, err
}

// EnableChannel marks a channel as relay-enabled. Enabling an already
// enabled channel is a no-op.
func (s *Store) EnableChannel(channelID, guildID string) error {
	row := &RelayChannel{ChannelID: channelID, GuildID: guildID, CreatedAt: time.Now().UTC()}
	return s.db.Save(row).Error
}

// DisableChannel removes a channel from the relay-enabled set.
func (s *Store) DisableChannel(channelID string) error {
	return s.db.Where("channel_id = ?", channelID).Delete(&RelayChannel{}).Error
}

// IsRelayChannel reports whether the channel is relay-enabled.
func (s *Store) IsRelayChannel(channelID string) (bool, error) {
	var count int64
	err := s.db.Model(&RelayChannel{}).Where("channel_id = ?", channelID).Count(&count).Error
	return count > 0, err
}

// ListRelayChannels returns the enabled channel set.
func (s *Store) ListRelayChannels() ([]RelayChannel, error) {
	var rows []RelayChannel
	err := s.db.Order("channel_id ASC").Find(&rows).Error
	return rows, err
}

// PutMapping records the link between an original and its relayed copy.
// Called only after the relay send is confirmed.
func (s *Store) PutMapping(row *MessageMapping) error {
	return s.db.Save(row).Error
}

// GetMapping returns the mapping for an original message id, or (nil, nil)
// when the message was never relayed.
func (s *Store) GetMapping(originalID string) (*MessageMapping, error) {
	var row MessageMapping
	err := s.db.Where("original_id = ?", originalID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// DeleteMapping removes the mapping for an original message id.
func (s *Store) DeleteMapping(originalID string) error {
	return s.db.Where("original_id = ?", originalID).Delete(&MessageMapping{}).Error
}

// UpdateMappingCredential refreshes the credential snapshot on a mapping,
// used when an edit mirror fails against a rotated-away webhook.
func (s *Store) UpdateMappingCredential(originalID, webhookID, webhookToken string) error {
	return s.db.Model(&MessageMapping{}).
		Where("original_id = ?", originalID).
		Updates(map[string]any{"webhook_id": webhookID, "webhook_token": webhookToken}).Error
}

// Watermark returns the last completed rotation time. ok is false when no
// rotation has ever completed.
func (s *Store) Watermark() (t time.Time, ok bool, err error) {
	var row RotationState
	err = s.db.Where("id = ?", rotationStateID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return row.RotatedAt, true, nil
}

// SetWatermark advances the rotation watermark. The watermark never moves
// backwards; an earlier timestamp is ignored.
func (s *Store) SetWatermark(t time.Time) error {
	existing, ok, err := s.Watermark()
	if err != nil {
		return err
	}
	if ok && t.Before(existing) {
		return nil
	}
	return s.db.Save(&RotationState{ID: rotationStateID, RotatedAt: t.UTC()}).Error
}
