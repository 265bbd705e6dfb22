package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	logx "github.com/neo-rs/mwbots/pkg/logx"
)

func newTestClient(t *testing.T, handler http.Handler) *UserClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewUserClient("user-token", logx.Nop())
	c.SetBaseURL(srv.URL)
	c.client = srv.Client()
	return c
}

func TestChannelMessagesPage(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "user-token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("limit = %q", got)
		}
		if got := r.URL.Query().Get("after"); got != "900" {
			t.Errorf("after = %q", got)
		}
		_ = json.NewEncoder(w).Encode([]APIMessage{
			{ID: "902", Content: "newer"},
			{ID: "901", Content: "older"},
		})
	}))

	msgs, err := c.ChannelMessagesPage(context.Background(), "123", 0, "900")
	if err != nil {
		t.Fatalf("ChannelMessagesPage: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != "902" {
		t.Fatalf("msgs = %+v", msgs)
	}
}

func TestGetJSONRetriesRateLimit(t *testing.T) {
	t.Parallel()

	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"retry_after": 0.01})
			return
		}
		_ = json.NewEncoder(w).Encode([]APIChannel{{ID: "1", Type: channelTypeText, Name: "x"}})
	}))

	chans, err := c.GuildChannels(context.Background(), "g1")
	if err != nil {
		t.Fatalf("GuildChannels: %v", err)
	}
	if len(chans) != 1 || calls != 2 {
		t.Fatalf("chans=%d calls=%d", len(chans), calls)
	}
}

func TestGetJSONTerminalStatuses(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/guilds/forbidden/channels":
			w.WriteHeader(http.StatusForbidden)
		case "/guilds/missing/channels":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))

	ctx := context.Background()
	if _, err := c.GuildChannels(ctx, "forbidden"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("forbidden: %v", err)
	}
	if _, err := c.GuildChannels(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: %v", err)
	}
	if _, err := c.GuildChannels(ctx, "other"); err == nil {
		t.Fatal("bad request not surfaced")
	}
}
