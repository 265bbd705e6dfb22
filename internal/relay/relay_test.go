package relay

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/config"
	"github.com/neo-rs/mwbots/internal/storage"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

const (
	hookOne = "https://discord.com/api/webhooks/111111/token-one"
	hookTwo = "https://discord.com/api/webhooks/222222/token-two"
)

type executeCall struct {
	url    string
	params *discordgo.WebhookParams
}

type editCall struct {
	url       string
	messageID string
	edit      *discordgo.WebhookEdit
}

type deleteCall struct {
	url       string
	messageID string
}

type fakeWebhookClient struct {
	mu       sync.Mutex
	executes []executeCall
	edits    []editCall
	deletes  []deleteCall
	nextID   int
}

func (f *fakeWebhookClient) Execute(_ context.Context, url string, params *discordgo.WebhookParams, _ bool) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.executes = append(f.executes, executeCall{url: url, params: params})
	return &discordgo.Message{ID: fmt.Sprintf("dest-%d", f.nextID), ChannelID: "dest-chan"}, nil
}

func (f *fakeWebhookClient) EditMessage(_ context.Context, url, messageID string, edit *discordgo.WebhookEdit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editCall{url: url, messageID: messageID, edit: edit})
	return nil
}

func (f *fakeWebhookClient) DeleteMessage(_ context.Context, url, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, deleteCall{url: url, messageID: messageID})
	return nil
}

func testRelayConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Relay.ChannelMap = map[string]string{
		"src-1": hookOne,
		"src-2": hookTwo,
	}
	cfg.Relay.DedupeScope = "channel"
	cfg.Relay.DedupeTTL = "5m"
	cfg.Relay.PropagateEdits = true
	cfg.Relay.PropagateDeletes = true
	return cfg
}

func newTestRelay(t *testing.T, db storage.Store) (*Service, *fakeWebhookClient) {
	t.Helper()
	client := &fakeWebhookClient{}
	svc := NewService(nil, client, db, &Sanitizer{}, testRelayConfig(), logx.Nop())
	svc.SetGuildInfoResolver(func(context.Context, string) GuildInfo {
		return GuildInfo{Name: "Mirror Source", IconURL: "https://cdn.example/icon.png"}
	})
	return svc, client
}

func openRelayStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func srcMessage(id, channelID, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        id,
		ChannelID: channelID,
		GuildID:   "guild-1",
		Author:    &discordgo.User{ID: "u1", Username: "dealbot"},
		Content:   content,
	}
}

func TestHandleCreateForwardsSanitized(t *testing.T) {
	t.Parallel()

	svc, client := newTestRelay(t, nil)
	m := srcMessage("10", "src-1", "restock @everyone <@&123456789> grab it")
	m.Embeds = []*discordgo.MessageEmbed{{Title: "Restock alert"}}

	svc.HandleCreate(context.Background(), m)

	if len(client.executes) != 1 {
		t.Fatalf("executes = %d, want 1", len(client.executes))
	}
	call := client.executes[0]
	if call.url != hookOne {
		t.Fatalf("url = %q, want %q", call.url, hookOne)
	}
	if call.params.Username != "Mirror Source" {
		t.Fatalf("username = %q", call.params.Username)
	}
	if call.params.AvatarURL == "" {
		t.Fatal("avatar URL not set")
	}
	if strings.Contains(call.params.Content, "<@&") {
		t.Fatalf("role mention survived: %q", call.params.Content)
	}
	if strings.Contains(call.params.Content, "@everyone") {
		t.Fatalf("@everyone not neutralized: %q", call.params.Content)
	}
	if !strings.Contains(call.params.Content, "@role-456789") {
		t.Fatalf("role placeholder missing: %q", call.params.Content)
	}
	if call.params.AllowedMentions == nil || len(call.params.AllowedMentions.Parse) != 0 {
		t.Fatal("allowed mentions must suppress pings")
	}
	if len(call.params.Embeds) != 1 {
		t.Fatalf("embeds = %d, want 1", len(call.params.Embeds))
	}
	footer := call.params.Embeds[0].Footer
	if footer == nil || footer.Text != "From: Mirror Source | By: dealbot" {
		t.Fatalf("footer = %+v", footer)
	}
	if m.Embeds[0].Footer != nil {
		t.Fatal("source embed mutated")
	}
}

func TestHandleCreateSkipsUnmappedChannel(t *testing.T) {
	t.Parallel()

	svc, client := newTestRelay(t, nil)
	svc.HandleCreate(context.Background(), srcMessage("11", "unmapped", "hello"))
	if len(client.executes) != 0 {
		t.Fatalf("executes = %d, want 0", len(client.executes))
	}
}

func TestHandleCreateDuplicateContent(t *testing.T) {
	t.Parallel()

	svc, client := newTestRelay(t, nil)
	ctx := context.Background()
	svc.HandleCreate(ctx, srcMessage("20", "src-1", "same deal text"))
	svc.HandleCreate(ctx, srcMessage("21", "src-1", "same deal text"))
	if len(client.executes) != 1 {
		t.Fatalf("executes = %d, want 1 after duplicate", len(client.executes))
	}

	// Replays of the same message id never re-send either.
	svc.HandleCreate(ctx, srcMessage("20", "src-1", "something else"))
	if len(client.executes) != 1 {
		t.Fatalf("executes = %d, want 1 after replay", len(client.executes))
	}
}

func TestDedupeScope(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	svc, client := newTestRelay(t, nil)
	svc.HandleCreate(ctx, srcMessage("30", "src-1", "cross-channel deal"))
	svc.HandleCreate(ctx, srcMessage("31", "src-2", "cross-channel deal"))
	if len(client.executes) != 2 {
		t.Fatalf("channel scope executes = %d, want 2", len(client.executes))
	}

	svc, client = newTestRelay(t, nil)
	cfg := testRelayConfig()
	cfg.Relay.DedupeScope = "global"
	svc.Apply(cfg)
	svc.HandleCreate(ctx, srcMessage("32", "src-1", "cross-channel deal"))
	svc.HandleCreate(ctx, srcMessage("33", "src-2", "cross-channel deal"))
	if len(client.executes) != 1 {
		t.Fatalf("global scope executes = %d, want 1", len(client.executes))
	}
}

func TestHandleUpdatePatchesExistingCopy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, client := newTestRelay(t, openRelayStore(t))

	current := srcMessage("40", "src-1", "price: $49.99")
	svc.SetMessageFetcher(func(context.Context, string, string) (*discordgo.Message, error) {
		return current, nil
	})

	svc.HandleCreate(ctx, current)
	if len(client.executes) != 1 {
		t.Fatalf("executes = %d, want 1", len(client.executes))
	}
	firstDest := "dest-1"

	current = srcMessage("40", "src-1", "price: $39.99")
	svc.HandleUpdate(ctx, srcMessage("40", "src-1", ""))

	if len(client.edits) != 1 {
		t.Fatalf("edits = %d, want 1", len(client.edits))
	}
	if client.edits[0].messageID != firstDest {
		t.Fatalf("edit target = %q, want %q", client.edits[0].messageID, firstDest)
	}
	if got := *client.edits[0].edit.Content; !strings.Contains(got, "$39.99") {
		t.Fatalf("edit content = %q", got)
	}
	if len(client.executes) != 1 {
		t.Fatalf("edit must not re-post, executes = %d", len(client.executes))
	}

	// Unchanged content is a no-op.
	svc.HandleUpdate(ctx, srcMessage("40", "src-1", ""))
	if len(client.edits) != 1 {
		t.Fatalf("unchanged edit re-patched, edits = %d", len(client.edits))
	}
}

func TestHandleUpdateReplacesWhenTooLong(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openRelayStore(t)
	svc, client := newTestRelay(t, db)

	current := srcMessage("50", "src-1", "short body")
	svc.SetMessageFetcher(func(context.Context, string, string) (*discordgo.Message, error) {
		return current, nil
	})
	svc.HandleCreate(ctx, current)

	current = srcMessage("50", "src-1", strings.Repeat("y", 2500))
	svc.HandleUpdate(ctx, srcMessage("50", "src-1", ""))

	if len(client.deletes) != 1 {
		t.Fatalf("deletes = %d, want 1 stale copy removed", len(client.deletes))
	}
	if len(client.executes) != 3 {
		t.Fatalf("executes = %d, want 1 create + 2 chunks", len(client.executes))
	}
	rec, ok, err := db.GetForward(ctx, "50")
	if err != nil || !ok {
		t.Fatalf("GetForward after replace: ok=%v err=%v", ok, err)
	}
	if len(rec.Refs) != 2 {
		t.Fatalf("refs = %d, want 2", len(rec.Refs))
	}
}

func TestHandleUpdateBeforeCreateIsQueued(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, client := newTestRelay(t, openRelayStore(t))

	edited := srcMessage("60", "src-1", "edited body")
	svc.SetMessageFetcher(func(context.Context, string, string) (*discordgo.Message, error) {
		return edited, nil
	})

	svc.HandleUpdate(ctx, srcMessage("60", "src-1", ""))
	if len(client.executes) != 0 || len(client.edits) != 0 {
		t.Fatal("early edit must wait for the create to land")
	}

	svc.HandleCreate(ctx, srcMessage("60", "src-1", "original body"))
	if len(client.executes) != 1 {
		t.Fatalf("executes = %d, want 1", len(client.executes))
	}
	if len(client.edits) != 1 {
		t.Fatalf("pending edit not flushed, edits = %d", len(client.edits))
	}
	if got := *client.edits[0].edit.Content; !strings.Contains(got, "edited body") {
		t.Fatalf("flushed edit content = %q", got)
	}
}

func TestHandleDeleteRemovesCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openRelayStore(t)
	svc, client := newTestRelay(t, db)

	svc.HandleCreate(ctx, srcMessage("70", "src-1", "gone soon"))
	svc.HandleDelete(ctx, "src-1", "70")

	if len(client.deletes) != 1 {
		t.Fatalf("deletes = %d, want 1", len(client.deletes))
	}
	if client.deletes[0].url != hookOne {
		t.Fatalf("delete url = %q", client.deletes[0].url)
	}
	if _, ok, _ := db.GetForward(ctx, "70"); ok {
		t.Fatal("forward record survived delete")
	}
}

func TestContentHash(t *testing.T) {
	t.Parallel()

	a := srcMessage("1", "c", "check https://a.co/d/abc?tag=x now")
	a.Embeds = []*discordgo.MessageEmbed{{URL: "https://example.com/item?utm=1", Title: "Item"}}
	b := srcMessage("2", "c", "check https://a.co/d/other?tag=y now")
	b.Embeds = []*discordgo.MessageEmbed{{URL: "https://example.com/item?utm=2", Title: "Item"}}

	if ContentHash(a) != ContentHash(b) {
		t.Fatal("hash must ignore URL bodies and query strings")
	}

	c := srcMessage("3", "c", "different text entirely")
	if ContentHash(a) == ContentHash(c) {
		t.Fatal("different content collided")
	}
}

func TestSanitizerText(t *testing.T) {
	t.Parallel()

	s := &Sanitizer{
		RoleName: func(guildID, roleID string) string {
			if roleID == "123" {
				return "Mods"
			}
			return ""
		},
		ChannelName: func(channelID string) string {
			if channelID == "999" {
				return "deals"
			}
			return ""
		},
	}

	got := s.Text("hi <@&123> see <#999> ping <@456789012> @here", "g1")
	for _, want := range []string{"@Mods", "#deals", "@user-789012"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
	if strings.Contains(got, "@here") {
		t.Fatalf("@here not neutralized: %q", got)
	}
}

func TestReplaceSingleURLWithEmbedURL(t *testing.T) {
	t.Parallel()

	out, ok := replaceSingleURLWithEmbedURL("deal https://amzn.to/x here", []string{"https://www.amazon.com/dp/B0TEST"})
	if !ok || !strings.Contains(out, "<https://www.amazon.com/dp/B0TEST>") {
		t.Fatalf("got %q, ok=%v", out, ok)
	}

	multi := "a https://x.com/1 b https://x.com/2"
	if out, ok := replaceSingleURLWithEmbedURL(multi, []string{"https://y.com"}); ok || out != multi {
		t.Fatalf("multi-URL body must stay untouched, got %q", out)
	}
}

func TestLockLifecycle(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relay.lock")
	lk, err := AcquireLock(path, logx.Nop())
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if _, err := AcquireLock(path, logx.Nop()); err == nil {
		t.Fatal("second acquire must fail while holder is alive")
	}
	lk.Release()
	lk, err = AcquireLock(path, logx.Nop())
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	lk.Release()
}

func TestLockStealsStaleLock(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "relay.lock")
	stale := fmt.Sprintf("pid=%d\nstart=%d\n", 1<<30, time.Now().Unix())
	if err := os.WriteFile(path, []byte(stale), 0o644); err != nil {
		t.Fatalf("seed stale lock: %v", err)
	}
	lk, err := AcquireLock(path, logx.Nop())
	if err != nil {
		t.Fatalf("stale lock not reclaimed: %v", err)
	}
	lk.Release()
}
