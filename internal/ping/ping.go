// Package ping watches configured destination channels and answers new
// traffic with an @everyone, rate limited per channel and deduplicated
// by content so bursts of identical deals cause one ping.
package ping

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/config"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

const hashBound = 2000

// Sender posts a message to a channel as the bot user.
type Sender interface {
	SendChannelMessage(ctx context.Context, channelID string, send *discordgo.MessageSend) error
}

type settings struct {
	guilds    map[string]struct{}
	channels  map[string]struct{}
	cooldown  time.Duration
	dedupeTTL time.Duration
}

func settingsFrom(cfg *config.Config) settings {
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			return def
		}
		return d
	}
	guilds := make(map[string]struct{}, len(cfg.Discord.DestinationGuildIDs))
	for _, id := range cfg.Discord.DestinationGuildIDs {
		if id = strings.TrimSpace(id); id != "" {
			guilds[id] = struct{}{}
		}
	}
	channels := make(map[string]struct{}, len(cfg.Ping.ChannelIDs))
	for _, id := range cfg.Ping.ChannelIDs {
		if id = strings.TrimSpace(id); id != "" {
			channels[id] = struct{}{}
		}
	}
	return settings{
		guilds:    guilds,
		channels:  channels,
		cooldown:  dur("ping.cooldown", cfg.Ping.Cooldown, time.Minute),
		dedupeTTL: dur("ping.dedupe_ttl", cfg.Ping.DedupeTTL, 10*time.Minute),
	}
}

// Service decides when a channel earns an @everyone.
type Service struct {
	sender Sender
	log    logx.Logger
	now    func() time.Time

	mu       sync.Mutex
	cfg      settings
	selfID   string
	lastPing map[string]time.Time
	recent   map[string]time.Time
}

func New(sender Sender, cfg *config.Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender:   sender,
		log:      log,
		now:      time.Now,
		lastPing: make(map[string]time.Time),
		recent:   make(map[string]time.Time),
	}
	s.Apply(cfg)
	return s
}

// Apply swaps settings on config reload.
func (s *Service) Apply(cfg *config.Config) {
	snap := settingsFrom(cfg)
	s.mu.Lock()
	s.cfg = snap
	s.mu.Unlock()
}

// SetSelfUserID records the bot's own user id so its pings never
// retrigger the listener.
func (s *Service) SetSelfUserID(id string) {
	s.mu.Lock()
	s.selfID = id
	s.mu.Unlock()
}

// ChannelCount reports how many channels are armed.
func (s *Service) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cfg.channels)
}

// HandleMessage pings the channel when the message qualifies.
func (s *Service) HandleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.ChannelID == "" || m.GuildID == "" {
		return
	}
	s.mu.Lock()
	cfg := s.cfg
	self := s.selfID
	s.mu.Unlock()

	if m.Author != nil && self != "" && m.Author.ID == self {
		return
	}
	if len(cfg.guilds) > 0 {
		if _, ok := cfg.guilds[m.GuildID]; !ok {
			return
		}
	}
	if _, ok := cfg.channels[m.ChannelID]; !ok {
		return
	}
	if m.Content == "" && len(m.Embeds) == 0 && len(m.Attachments) == 0 {
		return
	}
	if s.duplicate(m, cfg.dedupeTTL) {
		s.log.Debug("skip ping, duplicate content",
			logx.String("channel_id", m.ChannelID),
			logx.String("message_id", m.ID))
		return
	}
	if remaining, hot := s.startCooldown(m.ChannelID, cfg.cooldown); hot {
		s.log.Debug("skip ping, cooldown active",
			logx.String("channel_id", m.ChannelID),
			logx.Duration("remaining", remaining))
		return
	}

	// Cooldown is already armed; a send failure costs one window, not a
	// ping storm.
	err := s.sender.SendChannelMessage(ctx, m.ChannelID, &discordgo.MessageSend{
		Content: "@everyone",
		AllowedMentions: &discordgo.MessageAllowedMentions{
			Parse: []discordgo.AllowedMentionType{discordgo.AllowedMentionTypeEveryone},
		},
	})
	if err != nil {
		s.log.Error("ping send failed",
			logx.String("channel_id", m.ChannelID),
			logx.Err(err))
		return
	}
	s.log.Info("ping sent",
		logx.String("channel_id", m.ChannelID),
		logx.String("message_id", m.ID))
}

// duplicate records the message fingerprint and reports whether the
// same content pinged the channel inside the TTL.
func (s *Service) duplicate(m *discordgo.Message, ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	key := m.ChannelID + ":" + Fingerprint(m)
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.recent[key]; ok && now.Sub(last) < ttl {
		return true
	}
	s.recent[key] = now
	if len(s.recent) > hashBound {
		cutoff := now.Add(-ttl)
		for k, ts := range s.recent {
			if ts.Before(cutoff) {
				delete(s.recent, k)
			}
		}
	}
	return false
}

// startCooldown arms the channel cooldown before the send happens.
func (s *Service) startCooldown(channelID string, cooldown time.Duration) (time.Duration, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cooldown > 0 {
		if last, ok := s.lastPing[channelID]; ok {
			if elapsed := now.Sub(last); elapsed < cooldown {
				return cooldown - elapsed, true
			}
		}
	}
	s.lastPing[channelID] = now
	return 0, false
}

// Fingerprint hashes the message content, embed URLs and titles, and
// attachment URLs into a stable dedupe key.
func Fingerprint(m *discordgo.Message) string {
	content := m.Content
	if len(content) > 500 {
		content = content[:500]
	}
	var embedParts []string
	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		if e.URL != "" {
			embedParts = append(embedParts, e.URL)
		}
		if e.Title != "" {
			title := e.Title
			if len(title) > 100 {
				title = title[:100]
			}
			embedParts = append(embedParts, title)
		}
	}
	sort.Strings(embedParts)
	var attParts []string
	for _, a := range m.Attachments {
		if a != nil && a.URL != "" {
			attParts = append(attParts, a.URL)
		}
	}
	sort.Strings(attParts)

	sum := md5.Sum([]byte(content + "|" + strings.Join(embedParts, "|") + "|" + strings.Join(attParts, "|")))
	return hex.EncodeToString(sum[:])
}
