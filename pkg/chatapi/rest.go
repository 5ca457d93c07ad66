// Copyright 2024-2026 Aiku AI

package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Platform error codes carried in error response bodies. These are mapped to
// the ErrorCode enum at this boundary so nothing above it sees raw codes.
const (
	apiCodeUnknownChannel = 10003
	apiCodeUnknownMessage = 10008
	apiCodeUnknownWebhook = 10015
)

// RESTClient implements API against the platform's HTTP API.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

var _ API = (*RESTClient)(nil)

// NewRESTClient creates a client for the platform API rooted at baseURL,
// authenticating with the given bot token.
func NewRESTClient(baseURL, token string, log zerolog.Logger) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("component", "rest_client").Logger(),
	}
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// do performs one API request and decodes the response into out (if non-nil).
// Error responses are classified into *RemoteError.
func (c *RESTClient) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.token)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &RemoteError{Code: ErrCodeInternal, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return c.classify(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// classify turns an HTTP error response into a *RemoteError.
func (c *RESTClient) classify(resp *http.Response) error {
	var apiErr apiError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &apiErr)

	code := ErrCodeInternal
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		code = ErrCodeRateLimited
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code = ErrCodeUnauthorized
	case apiErr.Code == apiCodeUnknownWebhook:
		code = ErrCodeIdentityNotFound
	case apiErr.Code == apiCodeUnknownChannel:
		code = ErrCodeChannelNotFound
	case apiErr.Code == apiCodeUnknownMessage:
		code = ErrCodeMessageNotFound
	}

	msg := apiErr.Message
	if msg == "" {
		msg = resp.Status
	}
	c.log.Debug().
		Int("status", resp.StatusCode).
		Int("api_code", apiErr.Code).
		Str("classified", code.String()).
		Msg("Remote error")
	return &RemoteError{Code: code, Status: resp.StatusCode, Message: msg}
}

type webhookBody struct {
	Name string `json:"name"`
}

type identityBody struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

func (c *RESTClient) CreateWebhook(ctx context.Context, channelID, name string) (*Identity, error) {
	var out identityBody
	err := c.do(ctx, http.MethodPost, "/channels/"+url.PathEscape(channelID)+"/webhooks", &webhookBody{Name: name}, &out)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook: %w", err)
	}
	c.log.Info().Str("channel_id", channelID).Str("webhook_id", out.ID).Msg("Created webhook")
	return &Identity{ID: out.ID, Token: out.Token}, nil
}

func (c *RESTClient) DeleteWebhook(ctx context.Context, id, token string) error {
	return c.do(ctx, http.MethodDelete, "/webhooks/"+url.PathEscape(id)+"/"+url.PathEscape(token), nil, nil)
}

type executeBody struct {
	Content         string          `json:"content,omitempty"`
	Username        string          `json:"username,omitempty"`
	AvatarURL       string          `json:"avatar_url,omitempty"`
	AttachmentURLs  []string        `json:"attachment_urls,omitempty"`
	AllowedMentions allowedMentions `json:"allowed_mentions"`
}

type allowedMentions struct {
	Parse []string `json:"parse"`
}

type messageIDBody struct {
	ID string `json:"id"`
}

func (c *RESTClient) ExecuteWebhook(ctx context.Context, id, token string, msg *WebhookMessage) (string, error) {
	body := &executeBody{
		Content:   msg.Content,
		Username:  msg.Username,
		AvatarURL: msg.AvatarURL,
		// Parse stays empty: no user/role/everyone pings from relayed content.
		AllowedMentions: allowedMentions{Parse: []string{}},
	}
	if msg.AttachmentURL != "" {
		body.AttachmentURLs = []string{msg.AttachmentURL}
	}
	var out messageIDBody
	err := c.do(ctx, http.MethodPost, "/webhooks/"+url.PathEscape(id)+"/"+url.PathEscape(token)+"?wait=true", body, &out)
	if err != nil {
		return "", err
	}
	return out.ID, nil
}

type editBody struct {
	Content string `json:"content"`
}

func (c *RESTClient) EditWebhookMessage(ctx context.Context, id, token, messageID, content string) error {
	path := "/webhooks/" + url.PathEscape(id) + "/" + url.PathEscape(token) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodPatch, path, &editBody{Content: content}, nil)
}

func (c *RESTClient) DeleteWebhookMessage(ctx context.Context, id, token, messageID string) error {
	path := "/webhooks/" + url.PathEscape(id) + "/" + url.PathEscape(token) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *RESTClient) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	path := "/channels/" + url.PathEscape(channelID) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

type channelBody struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id"`
	Name    string `json:"name"`
}

func (c *RESTClient) FetchChannel(ctx context.Context, channelID string) (*Channel, error) {
	var out channelBody
	if err := c.do(ctx, http.MethodGet, "/channels/"+url.PathEscape(channelID), nil, &out); err != nil {
		return nil, err
	}
	return &Channel{ID: out.ID, GuildID: out.GuildID, Name: out.Name}, nil
}

func (c *RESTClient) SendDirectMessage(ctx context.Context, userID, content string) error {
	path := "/users/" + url.PathEscape(userID) + "/messages"
	return c.do(ctx, http.MethodPost, path, &editBody{Content: content}, nil)
}
