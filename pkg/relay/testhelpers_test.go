// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/aiku/anonrelay/pkg/chatapi"
	"github.com/aiku/anonrelay/pkg/relay/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "relay_test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return st
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

var testKey = []byte("0123456789abcdef0123456789abcdef")

func newTestBox(t *testing.T) *SecretBox {
	t.Helper()
	box, err := NewSecretBox(testKey)
	if err != nil {
		t.Fatalf("NewSecretBox: %v", err)
	}
	return box
}

// apiCall records one platform operation for test assertions.
type apiCall struct {
	Op        string
	ChannelID string
	WebhookID string
	Token     string
	MessageID string
	UserID    string
	Content   string
	Payload   *chatapi.WebhookMessage
}

// fakeAPI is an in-memory chatapi.API. Webhooks and relayed message ids are
// sequential; errors are injected via per-operation queues consumed one per
// call (nil entries mean success).
type fakeAPI struct {
	mu    sync.Mutex
	calls []apiCall

	nextWebhook int
	nextMessage int

	createErrs  []error
	executeErrs []error
	editErrs    []error
	removeErrs  []error
	fetchErrs   []error
	dmErr       error
}

var _ chatapi.API = (*fakeAPI)(nil)

func newFakeAPI() *fakeAPI {
	return &fakeAPI{}
}

func popErr(queue *[]error) error {
	if len(*queue) == 0 {
		return nil
	}
	err := (*queue)[0]
	*queue = (*queue)[1:]
	return err
}

func (f *fakeAPI) record(call apiCall) {
	f.calls = append(f.calls, call)
}

// Calls returns a copy of the recorded calls.
func (f *fakeAPI) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]apiCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsOf returns the recorded calls for one operation.
func (f *fakeAPI) CallsOf(op string) []apiCall {
	var out []apiCall
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeAPI) CreateWebhook(_ context.Context, channelID, name string) (*chatapi.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := popErr(&f.createErrs); err != nil {
		return nil, err
	}
	f.nextWebhook++
	ident := &chatapi.Identity{
		ID:    fmt.Sprintf("wh-%d", f.nextWebhook),
		Token: fmt.Sprintf("tok-%d", f.nextWebhook),
	}
	f.record(apiCall{Op: "create_webhook", ChannelID: channelID, WebhookID: ident.ID, Content: name})
	return ident, nil
}

func (f *fakeAPI) DeleteWebhook(_ context.Context, id, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(apiCall{Op: "delete_webhook", WebhookID: id, Token: token})
	return nil
}

func (f *fakeAPI) ExecuteWebhook(_ context.Context, id, token string, msg *chatapi.WebhookMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := popErr(&f.executeErrs); err != nil {
		return "", err
	}
	f.nextMessage++
	relayedID := fmt.Sprintf("relayed-%d", f.nextMessage)
	payload := *msg
	f.record(apiCall{Op: "execute_webhook", WebhookID: id, Token: token, MessageID: relayedID, Payload: &payload})
	return relayedID, nil
}

func (f *fakeAPI) EditWebhookMessage(_ context.Context, id, token, messageID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := popErr(&f.editErrs); err != nil {
		return err
	}
	f.record(apiCall{Op: "edit_webhook_message", WebhookID: id, Token: token, MessageID: messageID, Content: content})
	return nil
}

func (f *fakeAPI) DeleteWebhookMessage(_ context.Context, id, token, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := popErr(&f.removeErrs); err != nil {
		return err
	}
	f.record(apiCall{Op: "delete_webhook_message", WebhookID: id, Token: token, MessageID: messageID})
	return nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(apiCall{Op: "delete_message", ChannelID: channelID, MessageID: messageID})
	return nil
}

func (f *fakeAPI) FetchChannel(_ context.Context, channelID string) (*chatapi.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := popErr(&f.fetchErrs); err != nil {
		return nil, err
	}
	f.record(apiCall{Op: "fetch_channel", ChannelID: channelID})
	return &chatapi.Channel{ID: channelID, GuildID: "guild-1", Name: "general"}, nil
}

func (f *fakeAPI) SendDirectMessage(_ context.Context, userID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(apiCall{Op: "send_dm", UserID: userID, Content: content})
	return f.dmErr
}

func identityNotFoundErr() error {
	return &chatapi.RemoteError{Code: chatapi.ErrCodeIdentityNotFound, Status: 404, Message: "unknown webhook"}
}

func channelNotFoundErr() error {
	return &chatapi.RemoteError{Code: chatapi.ErrCodeChannelNotFound, Status: 404, Message: "unknown channel"}
}

func internalErr() error {
	return &chatapi.RemoteError{Code: chatapi.ErrCodeInternal, Status: 500, Message: "boom"}
}
