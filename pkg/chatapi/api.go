// Copyright 2024-2026 Aiku AI

// Package chatapi defines the boundary to the chat platform: the capability
// set the relay core consumes, the event types delivered by the gateway, and
// an enumerated classification of remote errors so the core's recovery logic
// stays platform-agnostic.
package chatapi

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Identity is a remote-issued webhook credential pair that lets the relay
// post into a channel under an arbitrary display name and avatar.
type Identity struct {
	ID    string
	Token string
}

// Author describes the sender of a message or command.
type Author struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
	Bot         bool   `json:"bot"`
	Admin       bool   `json:"admin"`
}

// Attachment is a file reference carried by a message. The relay forwards
// attachments by reference; bytes are never transferred through this system.
type Attachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Message is an inbound message event.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	GuildID     string       `json:"guild_id"`
	Author      Author       `json:"author"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	Timestamp   time.Time    `json:"timestamp"`
}

// FirstAttachment returns the first attachment or nil.
func (m *Message) FirstAttachment() *Attachment {
	if len(m.Attachments) == 0 {
		return nil
	}
	return &m.Attachments[0]
}

// MessageRef identifies a message that may no longer be fetchable.
type MessageRef struct {
	ChannelID string `json:"channel_id"`
	MessageID string `json:"message_id"`
}

// Command is an invoked slash/administrative command.
type Command struct {
	Name       string      `json:"name"`
	ChannelID  string      `json:"channel_id"`
	GuildID    string      `json:"guild_id"`
	Invoker    Author      `json:"invoker"`
	Content    string      `json:"content"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Channel holds the channel metadata the relay needs.
type Channel struct {
	ID      string
	GuildID string
	Name    string
}

// WebhookMessage is the payload for a send-as-identity call. Mentions are
// always suppressed by the client regardless of SuppressMentions handling
// upstream; the field exists so fakes can assert it.
type WebhookMessage struct {
	Content          string
	Username         string
	AvatarURL        string
	AttachmentURL    string
	SuppressMentions bool
}

// API is the full capability set consumed from the chat platform.
type API interface {
	CreateWebhook(ctx context.Context, channelID, name string) (*Identity, error)
	DeleteWebhook(ctx context.Context, id, token string) error
	ExecuteWebhook(ctx context.Context, id, token string, msg *WebhookMessage) (messageID string, err error)
	EditWebhookMessage(ctx context.Context, id, token, messageID, content string) error
	DeleteWebhookMessage(ctx context.Context, id, token, messageID string) error
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	FetchChannel(ctx context.Context, channelID string) (*Channel, error)
	SendDirectMessage(ctx context.Context, userID, content string) error
}

// EventHandler receives gateway events. Implementations must not block for
// long periods; the gateway dispatches sequentially.
type EventHandler interface {
	HandleMessageCreate(ctx context.Context, msg *Message)
	HandleMessageUpdate(ctx context.Context, msg *Message)
	HandleMessageDelete(ctx context.Context, ref *MessageRef)
	HandleCommand(ctx context.Context, cmd *Command)
}

// ErrorCode classifies remote failures into the cases the relay core
// distinguishes. Everything else is ErrCodeInternal.
type ErrorCode int

const (
	ErrCodeInternal ErrorCode = iota
	ErrCodeIdentityNotFound
	ErrCodeChannelNotFound
	ErrCodeMessageNotFound
	ErrCodeRateLimited
	ErrCodeUnauthorized
)

func (c ErrorCode) String() string {
	switch c {
	case ErrCodeIdentityNotFound:
		return "identity_not_found"
	case ErrCodeChannelNotFound:
		return "channel_not_found"
	case ErrCodeMessageNotFound:
		return "message_not_found"
	case ErrCodeRateLimited:
		return "rate_limited"
	case ErrCodeUnauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// RemoteError is a classified failure from the chat platform.
type RemoteError struct {
	Code    ErrorCode
	Status  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s (HTTP %d): %s", e.Code, e.Status, e.Message)
}

func hasCode(err error, code ErrorCode) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

// IsIdentityNotFound reports whether err means the webhook was deleted on
// the remote side. This drives the identity recovery path.
func IsIdentityNotFound(err error) bool {
	return hasCode(err, ErrCodeIdentityNotFound)
}

// IsChannelNotFound reports whether err means the channel no longer exists.
func IsChannelNotFound(err error) bool {
	return hasCode(err, ErrCodeChannelNotFound)
}

// IsMessageNotFound reports whether err means the target message is already
// gone. Treated as success by cleanup paths.
func IsMessageNotFound(err error) bool {
	return hasCode(err, ErrCodeMessageNotFound)
}
