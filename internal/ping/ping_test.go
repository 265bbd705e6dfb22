package ping

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/config"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	sends []*discordgo.MessageSend
	chans []string
}

func (f *fakeSender) SendChannelMessage(_ context.Context, channelID string, send *discordgo.MessageSend) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chans = append(f.chans, channelID)
	f.sends = append(f.sends, send)
	return nil
}

func testPingConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Discord.DestinationGuildIDs = []string{"guild-1"}
	cfg.Ping.ChannelIDs = []string{"ping-1", "ping-2"}
	cfg.Ping.Cooldown = "30s"
	cfg.Ping.DedupeTTL = "10m"
	return cfg
}

func newTestPing(t *testing.T) (*Service, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	return New(sender, testPingConfig(), logx.Nop()), sender
}

func pingMessage(id, channelID, content string) *discordgo.Message {
	return &discordgo.Message{
		ID:        id,
		ChannelID: channelID,
		GuildID:   "guild-1",
		Author:    &discordgo.User{ID: "author-1"},
		Content:   content,
	}
}

func TestHandleMessagePings(t *testing.T) {
	t.Parallel()

	svc, sender := newTestPing(t)
	svc.HandleMessage(context.Background(), pingMessage("1", "ping-1", "restock live"))

	if len(sender.sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sender.sends))
	}
	send := sender.sends[0]
	if send.Content != "@everyone" {
		t.Fatalf("content = %q", send.Content)
	}
	if send.AllowedMentions == nil || len(send.AllowedMentions.Parse) != 1 ||
		send.AllowedMentions.Parse[0] != discordgo.AllowedMentionTypeEveryone {
		t.Fatalf("allowed mentions = %+v, want everyone only", send.AllowedMentions)
	}
}

func TestHandleMessageGates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  *discordgo.Message
	}{
		{"wrong guild", &discordgo.Message{ID: "1", ChannelID: "ping-1", GuildID: "other", Content: "x"}},
		{"unarmed channel", pingMessage("2", "chat-1", "x")},
		{"empty message", pingMessage("3", "ping-1", "")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, sender := newTestPing(t)
			svc.HandleMessage(context.Background(), tc.msg)
			if len(sender.sends) != 0 {
				t.Fatalf("sends = %d, want 0", len(sender.sends))
			}
		})
	}
}

func TestHandleMessageIgnoresSelf(t *testing.T) {
	t.Parallel()

	svc, sender := newTestPing(t)
	svc.SetSelfUserID("bot-1")
	m := pingMessage("1", "ping-1", "restock")
	m.Author = &discordgo.User{ID: "bot-1"}
	svc.HandleMessage(context.Background(), m)
	if len(sender.sends) != 0 {
		t.Fatalf("bot pinged on its own message, sends = %d", len(sender.sends))
	}
}

func TestCooldownPerChannel(t *testing.T) {
	t.Parallel()

	svc, sender := newTestPing(t)
	ctx := context.Background()
	base := time.Now()
	svc.now = func() time.Time { return base }

	svc.HandleMessage(ctx, pingMessage("1", "ping-1", "deal a"))
	svc.HandleMessage(ctx, pingMessage("2", "ping-1", "deal b"))
	if len(sender.sends) != 1 {
		t.Fatalf("sends = %d, want 1 inside cooldown", len(sender.sends))
	}

	// Another channel has its own window.
	svc.HandleMessage(ctx, pingMessage("3", "ping-2", "deal c"))
	if len(sender.sends) != 2 {
		t.Fatalf("sends = %d, want 2 across channels", len(sender.sends))
	}

	base = base.Add(31 * time.Second)
	svc.HandleMessage(ctx, pingMessage("4", "ping-1", "deal d"))
	if len(sender.sends) != 3 {
		t.Fatalf("sends = %d, want 3 after cooldown lapse", len(sender.sends))
	}
}

func TestDuplicateContentSuppressed(t *testing.T) {
	t.Parallel()

	svc, sender := newTestPing(t)
	ctx := context.Background()
	base := time.Now()
	svc.now = func() time.Time { return base }

	svc.HandleMessage(ctx, pingMessage("1", "ping-1", "same drop"))
	base = base.Add(time.Minute)
	svc.HandleMessage(ctx, pingMessage("2", "ping-1", "same drop"))
	if len(sender.sends) != 1 {
		t.Fatalf("sends = %d, want 1 for repeated content", len(sender.sends))
	}

	// Same content in a different armed channel still pings.
	svc.HandleMessage(ctx, pingMessage("3", "ping-2", "same drop"))
	if len(sender.sends) != 2 {
		t.Fatalf("sends = %d, want 2, dedupe is per channel", len(sender.sends))
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := &discordgo.Message{Content: "deal", Embeds: []*discordgo.MessageEmbed{
		{URL: "https://x.com/1", Title: "One"},
		{URL: "https://x.com/2", Title: "Two"},
	}}
	b := &discordgo.Message{Content: "deal", Embeds: []*discordgo.MessageEmbed{
		{URL: "https://x.com/2", Title: "Two"},
		{URL: "https://x.com/1", Title: "One"},
	}}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("embed order must not change the fingerprint")
	}
	c := &discordgo.Message{Content: "other deal"}
	if Fingerprint(a) == Fingerprint(c) {
		t.Fatal("different content collided")
	}
}
