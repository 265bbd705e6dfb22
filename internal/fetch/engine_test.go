package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/store"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// fakeBotSession records destination-side writes in memory.
type fakeBotSession struct {
	mu       sync.Mutex
	channels []*discordgo.Channel
	sent     map[string][]string
	nextID   int
}

func (f *fakeBotSession) GuildChannels(_ string, _ ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*discordgo.Channel(nil), f.channels...), nil
}

func (f *fakeBotSession) GuildChannelCreateComplex(_ string, data discordgo.GuildChannelCreateData, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	ch := &discordgo.Channel{
		ID:       "created-" + strconv.Itoa(f.nextID),
		Name:     data.Name,
		Type:     data.Type,
		Topic:    data.Topic,
		ParentID: data.ParentID,
	}
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeBotSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = map[string][]string{}
	}
	f.sent[channelID] = append(f.sent[channelID], data.Content)
	return &discordgo.Message{ID: "sent-1", ChannelID: channelID}, nil
}

// newSyncFixture stands up a mapped source guild behind a fake REST API
// and returns an engine pointed at it.
func newSyncFixture(t *testing.T, cfg Config, msgs []APIMessage) (*Engine, *fakeBotSession) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/guilds/src-guild/channels", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode([]APIChannel{
			{ID: "cat-1", Type: channelTypeCategory, Name: "deals"},
			{ID: "10", Type: channelTypeText, Name: "online", ParentID: "cat-1"},
			{ID: "11", Type: channelTypeText, Name: "instore", ParentID: "cat-1"},
		})
	})
	mux.HandleFunc("/channels/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("after") != "" {
			w.Write([]byte("[]"))
			return
		}
		json.NewEncoder(w).Encode(msgs)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	user := NewUserClient("user-token", logx.Nop())
	user.SetBaseURL(srv.URL)

	maps := store.NewMappingStore(filepath.Join(t.TempDir(), "fetchall_mappings.json"), logx.Nop())
	destCat := "dest-cat"
	if _, err := maps.Upsert("src-guild", store.MappingUpdate{
		DestinationCategoryID: &destCat,
		SourceCategoryIDs:     []string{"cat-1"},
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	session := &fakeBotSession{channels: []*discordgo.Channel{
		{ID: "dest-cat", Name: "mirrors", Type: discordgo.ChannelTypeGuildCategory},
	}}
	return NewEngine(session, user, maps, cfg, logx.Nop()), session
}

func TestRunFetchSyncReportsProgress(t *testing.T) {
	t.Parallel()

	page := []APIMessage{
		{ID: "5", Content: "hello there"},
		{ID: "4", Content: "second message"},
	}
	e, _ := newSyncFixture(t, Config{}, page)

	var mu sync.Mutex
	var ticks []SyncProgress
	e.SetProgress(func(p SyncProgress) {
		mu.Lock()
		ticks = append(ticks, p)
		mu.Unlock()
	})

	res, err := e.RunFetchSync(context.Background(), "src-guild", "dest-guild", true)
	if err != nil {
		t.Fatalf("RunFetchSync: %v", err)
	}
	if res.WouldSend != 4 {
		t.Fatalf("would_send = %d, want 4", res.WouldSend)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) != 2 {
		t.Fatalf("progress ticks = %d, want 2", len(ticks))
	}
	first, last := ticks[0], ticks[1]
	if first.Index != 1 || first.Total != 2 || first.WouldSend != 2 {
		t.Fatalf("first tick = %+v", first)
	}
	if last.Index != 2 || last.Total != 2 || last.WouldSend != 4 {
		t.Fatalf("last tick = %+v", last)
	}
	if first.SourceGuildID != "src-guild" || first.SourceChannelID == "" {
		t.Fatalf("first tick ids = %+v", first)
	}
}

func TestRelayPageSkipsShortMessages(t *testing.T) {
	t.Parallel()

	session := &fakeBotSession{}
	e := &Engine{session: session, log: logx.Nop()}
	cfg := Config{MinContentChars: 5}

	// Newest first, as the API returns pages.
	msgs := []APIMessage{
		{ID: "4", Content: "ok", Attachments: []APIAttachment{{URL: "https://cdn.example/a.png"}}},
		{ID: "3", Content: "hi"},
		{ID: "2", Content: "long enough to mirror"},
		{ID: "1", Content: ""},
	}
	res := SyncResult{}
	last := e.relayPage(context.Background(), nil, cfg, &discordgo.Channel{ID: "dest-1"}, msgs, false, &res)

	if last != "4" {
		t.Fatalf("cursor = %q, want newest id even past skips", last)
	}
	if res.Sent != 2 {
		t.Fatalf("sent = %d, want 2", res.Sent)
	}
	sent := session.sent["dest-1"]
	joined := strings.Join(sent, "\n")
	for _, s := range sent {
		if s == "hi" {
			t.Fatalf("short message sent: %v", sent)
		}
	}
	if !strings.Contains(joined, "long enough to mirror") {
		t.Fatalf("long message dropped: %v", sent)
	}
	// Attachments exempt a message from the content floor.
	if !strings.Contains(joined, "a.png") {
		t.Fatalf("attachment message dropped: %v", sent)
	}

	// Dry runs apply the same floor to would_send counts.
	dry := SyncResult{}
	e.relayPage(context.Background(), nil, cfg, nil, msgs, true, &dry)
	if dry.WouldSend != 2 {
		t.Fatalf("dry would_send = %d, want 2", dry.WouldSend)
	}
}
