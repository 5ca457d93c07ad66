// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aiku/anonrelay/pkg/relay/store"
)

func newAdminFixture(t *testing.T) (*httptest.Server, *store.Store, *fakeAPI) {
	st := newTestStore(t)
	api := newFakeAPI()
	ids := NewIdentityManager(st, api, nil, "relay", testLogger())
	scheduler := NewScheduler(st, api, ids, 24*time.Hour, testLogger())
	admin := NewAdminAPI(st, scheduler, testLogger())
	srv := httptest.NewServer(admin.Handler())
	t.Cleanup(srv.Close)
	return srv, st, api
}

func TestAdminChannelLifecycle(t *testing.T) {
	srv, st, _ := newAdminFixture(t)

	resp, err := http.Post(srv.URL+"/api/channels", "application/json",
		strings.NewReader(`{"channel_id": "chan-1", "guild_id": "guild-1"}`))
	if err != nil {
		t.Fatalf("POST /api/channels: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable status = %d", resp.StatusCode)
	}
	if ok, _ := st.IsRelayChannel("chan-1"); !ok {
		t.Fatal("channel not enabled")
	}

	resp, err = http.Get(srv.URL + "/api/channels")
	if err != nil {
		t.Fatalf("GET /api/channels: %v", err)
	}
	var entries []channelEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(entries) != 1 || entries[0].ChannelID != "chan-1" || entries[0].GuildID != "guild-1" {
		t.Fatalf("unexpected listing: %+v", entries)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/channels/chan-1", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /api/channels/chan-1: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("disable status = %d", resp.StatusCode)
	}
	if ok, _ := st.IsRelayChannel("chan-1"); ok {
		t.Fatal("channel still enabled")
	}
}

func TestAdminEnableRejectsBadBody(t *testing.T) {
	srv, _, _ := newAdminFixture(t)

	for _, body := range []string{"not json", `{"guild_id": "guild-1"}`} {
		resp, err := http.Post(srv.URL+"/api/channels", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST /api/channels: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("status for %q = %d, want 400", body, resp.StatusCode)
		}
	}
}

func TestAdminForcedRotation(t *testing.T) {
	srv, st, api := newAdminFixture(t)

	ids := NewIdentityManager(st, api, nil, "relay", testLogger())
	if _, err := ids.Resolve(context.Background(), "chan-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/rotate", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /api/rotate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate status = %d", resp.StatusCode)
	}

	row, _ := st.GetIdentity("chan-1")
	if row == nil || row.WebhookID != "wh-2" {
		t.Fatalf("identity not rotated: %+v", row)
	}
	if _, ok, _ := st.Watermark(); !ok {
		t.Fatal("forced rotation must advance the watermark")
	}
}

func TestAdminMetricsEndpoint(t *testing.T) {
	srv, _, _ := newAdminFixture(t)

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}

func TestAdminUnknownMethod(t *testing.T) {
	srv, _, _ := newAdminFixture(t)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/channels", strings.NewReader("{}"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /api/channels: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}
