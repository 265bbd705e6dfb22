package forward

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/config"
	"github.com/neo-rs/mwbots/internal/discord"
	"github.com/neo-rs/mwbots/internal/store"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

type sentCall struct {
	channelID string
	content   string
	embeds    int
}

type fakeSender struct {
	mu    sync.Mutex
	calls []sentCall
}

func (f *fakeSender) Send(_ context.Context, channelID string, opts discord.SendOptions) (discord.Sent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentCall{channelID: channelID, content: opts.Content, embeds: len(opts.Embeds)})
	return discord.Sent{ChannelID: channelID, MessageID: "m1"}, nil
}

func (f *fakeSender) sent() []sentCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Discord: config.DiscordConfig{DestinationGuildIDs: []string{"guild1"}},
		Monitor: config.MonitorConfig{
			OnlineChannelIDs:    []string{"src-online"},
			InstoreChannelIDs:   []string{"src-instore"},
			WebhookMessagesOnly: true,
		},
		Routes: config.RoutesConfig{
			Online: map[string]string{
				"AMAZON":            "dest-amazon",
				"MONITORED_KEYWORD": "dest-keyword",
			},
			Triggers: map[string]string{
				"PRICE_ERROR": "dest-price-error",
			},
		},
		Filter: config.FilterConfig{
			RecentTTL:    "10s",
			GlobalDupTTL: "5m",
		},
	}
}

func newTestService(t *testing.T, cfg *config.Config) (*Service, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	svc := New(sender, nil, nil, nil, cfg, logx.Nop())
	disableThrottle(svc)
	return svc, sender
}

func disableThrottle(svc *Service) {
	svc.mu.Lock()
	svc.cfg.minSend = 0
	svc.mu.Unlock()
}

func webhookMessage(id, channelID, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        id,
		ChannelID: channelID,
		GuildID:   "guild1",
		WebhookID: "wh1",
		Content:   content,
		Author:    &discordgo.User{ID: "relay", Username: "relay"},
	}
}

func TestHandleMessageRoutesAmazon(t *testing.T) {
	svc, sender := newTestService(t, testConfig())

	svc.HandleMessage(context.Background(), webhookMessage("1", "src-online",
		"Deal: https://www.amazon.com/dp/B0TEST1234 grab it"))

	calls := sender.sent()
	if len(calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(calls))
	}
	if calls[0].channelID != "dest-amazon" {
		t.Fatalf("dest = %q, want dest-amazon", calls[0].channelID)
	}
	if !strings.Contains(calls[0].content, "amazon.com/dp/B0TEST1234") {
		t.Fatalf("content %q lost the link", calls[0].content)
	}
}

func TestHandleMessageGates(t *testing.T) {
	svc, sender := newTestService(t, testConfig())
	ctx := context.Background()

	// Wrong guild.
	m := webhookMessage("10", "src-online", "https://www.amazon.com/dp/B0TEST1234")
	m.GuildID = "other-guild"
	svc.HandleMessage(ctx, m)

	// Unmonitored channel.
	svc.HandleMessage(ctx, webhookMessage("11", "random-channel", "https://www.amazon.com/dp/B0TEST1234"))

	// Not a webhook message.
	m = webhookMessage("12", "src-online", "https://www.amazon.com/dp/B0TEST1234")
	m.WebhookID = ""
	svc.HandleMessage(ctx, m)

	if got := sender.sent(); len(got) != 0 {
		t.Fatalf("sends = %d, want 0", len(got))
	}
}

func TestHandleMessageSkipsDuplicates(t *testing.T) {
	svc, sender := newTestService(t, testConfig())
	ctx := context.Background()

	svc.HandleMessage(ctx, webhookMessage("20", "src-online", "https://www.amazon.com/dp/B0TEST1234"))
	// Same message id again.
	svc.HandleMessage(ctx, webhookMessage("20", "src-online", "https://www.amazon.com/dp/B0TEST1234"))
	// Same content, new id, same channel, inside the recent window.
	svc.HandleMessage(ctx, webhookMessage("21", "src-online", "https://www.amazon.com/dp/B0TEST1234"))

	if got := sender.sent(); len(got) != 1 {
		t.Fatalf("sends = %d, want 1", len(got))
	}
}

func TestHandleMessageGlobalDuplicateAcrossChannels(t *testing.T) {
	cfg := testConfig()
	cfg.Monitor.OnlineChannelIDs = []string{"src-a", "src-b"}
	svc, sender := newTestService(t, cfg)
	ctx := context.Background()

	svc.HandleMessage(ctx, webhookMessage("30", "src-a", "https://www.amazon.com/dp/B0TEST1234"))
	svc.HandleMessage(ctx, webhookMessage("31", "src-b", "https://www.amazon.com/dp/B0TEST1234"))

	if got := sender.sent(); len(got) != 1 {
		t.Fatalf("sends = %d, want 1 (cross-channel duplicate)", len(got))
	}
}

func TestHandleMessageFiltersMentionBlast(t *testing.T) {
	svc, sender := newTestService(t, testConfig())

	svc.HandleMessage(context.Background(), webhookMessage("40", "src-online", "@everyone"))
	svc.HandleMessage(context.Background(), webhookMessage("41", "src-online", "<@123><@456>"))

	if got := sender.sent(); len(got) != 0 {
		t.Fatalf("sends = %d, want 0", len(got))
	}
}

func TestHandleMessageChunksLongContent(t *testing.T) {
	svc, sender := newTestService(t, testConfig())

	long := "https://www.amazon.com/dp/B0TEST1234 " + strings.Repeat("x", 2500)
	svc.HandleMessage(context.Background(), webhookMessage("50", "src-online", long))

	calls := sender.sent()
	if len(calls) != 2 {
		t.Fatalf("sends = %d, want 2 chunks", len(calls))
	}
	if len(calls[0].content) != 2000 {
		t.Fatalf("first chunk len = %d, want 2000", len(calls[0].content))
	}
}

func TestKeywordOverrideReroutes(t *testing.T) {
	dir := t.TempDir()
	kws := store.NewKeywordStore(filepath.Join(dir, "keywords.json"), filepath.Join(dir, "keyword_channels.json"), logx.Nop())
	if err := kws.Add("labubu"); err != nil {
		t.Fatal(err)
	}
	if err := kws.SetOverride("labubu", "dest-labubu"); err != nil {
		t.Fatal(err)
	}

	sender := &fakeSender{}
	svc := New(sender, nil, kws, nil, testConfig(), logx.Nop())
	disableThrottle(svc)

	svc.HandleMessage(context.Background(), webhookMessage("60", "src-online", "Labubu restock at Target"))

	calls := sender.sent()
	if len(calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(calls))
	}
	if calls[0].channelID != "dest-labubu" {
		t.Fatalf("dest = %q, want keyword override dest-labubu", calls[0].channelID)
	}
}

func TestPriceErrorStopsAfterFirst(t *testing.T) {
	svc, sender := newTestService(t, testConfig())

	// Price error plus a monitored-keyword style body. PRICE_ERROR is
	// ordered first and dispatch stops after it.
	svc.HandleMessage(context.Background(), webhookMessage("70", "src-online",
		"price error at walmart https://walmart.com/deal"))

	calls := sender.sent()
	if len(calls) != 1 {
		t.Fatalf("sends = %d, want 1", len(calls))
	}
	if calls[0].channelID != "dest-price-error" {
		t.Fatalf("dest = %q, want dest-price-error", calls[0].channelID)
	}
}

func TestHandleEditCooldownAndRefetch(t *testing.T) {
	cfg := testConfig()
	cfg.Filter.EditCooldown = "30s"
	svc, sender := newTestService(t, cfg)
	ctx := context.Background()

	fetched := 0
	svc.fetchMsg = func(_ context.Context, channelID, messageID string) (*discordgo.Message, error) {
		fetched++
		return webhookMessage(messageID, channelID, "edited https://www.amazon.com/dp/B0EDIT5678"), nil
	}

	svc.HandleEdit(ctx, "src-online", "80")
	if fetched != 1 {
		t.Fatalf("fetched = %d, want 1", fetched)
	}
	if got := sender.sent(); len(got) != 1 {
		t.Fatalf("sends = %d, want 1", len(got))
	}

	// A second edit inside the cooldown is dropped before the fetch.
	svc.HandleEdit(ctx, "src-online", "80")
	if fetched != 1 {
		t.Fatalf("fetched = %d after cooldown hit, want 1", fetched)
	}

	// Past the cooldown the edit refetches, but unchanged content stops
	// at the cross-channel signature dedupe.
	base := time.Now()
	svc.now = func() time.Time { return base.Add(time.Minute) }
	svc.HandleEdit(ctx, "src-online", "80")
	if fetched != 2 {
		t.Fatalf("fetched = %d after cooldown expiry, want 2", fetched)
	}
	if got := sender.sent(); len(got) != 1 {
		t.Fatalf("sends = %d, want 1 (unchanged edit deduped)", len(got))
	}
}

func TestTraceLogWritesDecisions(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Filter.TraceLogPath = filepath.Join(dir, "trace.jsonl")
	svc, _ := newTestService(t, cfg)

	svc.HandleMessage(context.Background(), webhookMessage("90", "src-online",
		"https://www.amazon.com/dp/B0TEST1234"))

	data, err := os.ReadFile(cfg.Filter.TraceLogPath)
	if err != nil {
		t.Fatalf("read trace: %v", err)
	}
	line := strings.TrimSpace(string(data))
	if !strings.Contains(line, `"message_id":"90"`) {
		t.Fatalf("trace line missing message id: %s", line)
	}
	if !strings.Contains(line, `"action":"sent"`) {
		t.Fatalf("trace line missing sent decision: %s", line)
	}
}

func TestAppendImageEmbeds(t *testing.T) {
	embeds := []*discordgo.MessageEmbed{
		{Image: &discordgo.MessageEmbedImage{URL: "https://cdn.discordapp.com/a.png"}},
	}
	atts := []*discordgo.MessageAttachment{
		{URL: "https://cdn.discordapp.com/a.png", ContentType: "image/png"},
		{URL: "https://cdn.discordapp.com/b.jpg", Filename: "b.jpg"},
		{URL: "https://cdn.discordapp.com/doc.pdf", Filename: "doc.pdf"},
	}
	out := appendImageEmbeds(embeds, atts)
	if len(out) != 2 {
		t.Fatalf("embeds = %d, want 2 (duplicate and non-image skipped)", len(out))
	}
	if out[1].Image == nil || out[1].Image.URL != "https://cdn.discordapp.com/b.jpg" {
		t.Fatalf("unexpected appended embed: %+v", out[1])
	}

	if urls := nonImageAttachmentURLs(atts); len(urls) != 1 || urls[0] != "https://cdn.discordapp.com/doc.pdf" {
		t.Fatalf("nonImageAttachmentURLs = %v", urls)
	}
}

func TestShouldFilter(t *testing.T) {
	if !shouldFilter(&discordgo.Message{}, 0) {
		t.Fatal("empty message should filter")
	}
	if shouldFilter(&discordgo.Message{Content: "real deal"}, 0) {
		t.Fatal("text message should pass")
	}
	if !shouldFilter(&discordgo.Message{Content: "hi"}, 5) {
		t.Fatal("short content below the floor should filter")
	}
	if shouldFilter(&discordgo.Message{Content: "hi", Attachments: []*discordgo.MessageAttachment{{URL: "https://x/y.png"}}}, 5) {
		t.Fatal("short content with an attachment should pass")
	}
}
