package forward

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/neo-rs/mwbots/internal/classify"
	"github.com/neo-rs/mwbots/internal/config"
	"github.com/neo-rs/mwbots/internal/discord"
	"github.com/neo-rs/mwbots/internal/eventbus"
	"github.com/neo-rs/mwbots/internal/links"
	"github.com/neo-rs/mwbots/internal/store"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

const cacheBound = 2000

// Sender delivers one chunk to one destination channel.
type Sender interface {
	Send(ctx context.Context, channelID string, opts discord.SendOptions) (discord.Sent, error)
}

// settings is the per-reload snapshot the hot path reads without locks
// on the config manager.
type settings struct {
	destGuilds  map[string]struct{}
	monitored   map[string]struct{}
	categories  map[string]struct{}
	allChannels bool
	webhookOnly bool

	recentTTL    time.Duration
	globalTTL    time.Duration
	linkTTL      time.Duration
	editCooldown time.Duration
	minContent   int
	minSend      time.Duration

	rawUnwrap     bool
	sendFollowups bool
	followupMax   int

	routeDests map[string][]string // destination channel -> tags routed to it
}

func settingsFrom(cfg *config.Config) settings {
	toSet := func(ids []string) map[string]struct{} {
		out := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				out[id] = struct{}{}
			}
		}
		return out
	}
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			return def
		}
		return d
	}

	monitored := toSet(cfg.Monitor.OnlineChannelIDs)
	for _, lst := range [][]string{cfg.Monitor.InstoreChannelIDs, cfg.Monitor.ClearanceChannelIDs, cfg.Monitor.MiscChannelIDs} {
		for _, id := range lst {
			if id = strings.TrimSpace(id); id != "" {
				monitored[id] = struct{}{}
			}
		}
	}

	routeDests := map[string][]string{}
	for _, routes := range []map[string]string{cfg.Routes.Online, cfg.Routes.Instore, cfg.Routes.Triggers} {
		for tag, dest := range routes {
			if dest = strings.TrimSpace(dest); dest != "" {
				routeDests[dest] = append(routeDests[dest], strings.ToUpper(strings.TrimSpace(tag)))
			}
		}
	}
	for _, tags := range routeDests {
		sort.Strings(tags)
	}

	followupMax := cfg.Filter.RawLinksFollowupMax
	if followupMax <= 0 {
		followupMax = 5
	}

	return settings{
		destGuilds:    toSet(cfg.Discord.DestinationGuildIDs),
		monitored:     monitored,
		categories:    toSet(cfg.Monitor.CategoryIDs),
		allChannels:   cfg.Monitor.AllDestinationChannels,
		webhookOnly:   cfg.Monitor.WebhookMessagesOnly,
		recentTTL:     dur("filter.recent_ttl", cfg.Filter.RecentTTL, 10*time.Second),
		globalTTL:     dur("filter.global_dup_ttl", cfg.Filter.GlobalDupTTL, 5*time.Minute),
		linkTTL:       dur("filter.link_track_ttl", cfg.Filter.LinkTrackTTL, 24*time.Hour),
		editCooldown:  dur("filter.edit_cooldown", cfg.Filter.EditCooldown, 30*time.Second),
		minContent:    cfg.Filter.MinContentChars,
		minSend:       dur("forward.min_send_interval", cfg.Forward.MinSendInterval, time.Second),
		rawUnwrap:     cfg.Filter.EnableRawLinkUnwrap,
		sendFollowups: cfg.Filter.SendRawLinksFollowup,
		followupMax:   followupMax,
		routeDests:    routeDests,
	}
}

type linkEntry struct {
	lastSeen time.Time
	channels map[string]struct{}
}

// Service is the live forwarder. One instance serves the whole process;
// Apply swaps settings and classifier on config reload.
type Service struct {
	sender   Sender
	session  *discord.Session
	keywords *store.KeywordStore
	resolver *links.Resolver
	bus      eventbus.Bus
	log      logx.Logger

	// test seams
	parentOf func(channelID string) string
	fetchMsg func(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)
	now      func() time.Time

	mu         sync.Mutex
	cfg        settings
	classifier *classify.Classifier
	trace      *traceWriter
	selfID     string

	processed map[string]struct{}
	recent    map[string]time.Time
	global    map[string]time.Time
	sentTo    map[string]time.Time
	linkSeen  map[string]*linkEntry
	limiters  map[string]*rate.Limiter
}

func New(sender Sender, session *discord.Session, keywords *store.KeywordStore, resolver *links.Resolver, cfg *config.Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sender:    sender,
		session:   session,
		keywords:  keywords,
		resolver:  resolver,
		log:       log,
		now:       time.Now,
		processed: make(map[string]struct{}),
		recent:    make(map[string]time.Time),
		global:    make(map[string]time.Time),
		sentTo:    make(map[string]time.Time),
		linkSeen:  make(map[string]*linkEntry),
		limiters:  make(map[string]*rate.Limiter),
	}
	s.parentOf = s.stateParent
	s.fetchMsg = s.restFetch
	s.Apply(cfg)
	return s
}

// Apply swaps in settings from a fresh config. Safe while messages are
// in flight; caches survive the reload.
func (s *Service) Apply(cfg *config.Config) {
	snap := settingsFrom(cfg)
	cls := classify.New(cfg)
	tw := newTraceWriter(cfg.Filter.TraceLogPath, s.log)

	s.mu.Lock()
	s.cfg = snap
	s.classifier = cls
	s.trace = tw
	s.limiters = make(map[string]*rate.Limiter)
	s.mu.Unlock()
}

// SetBus attaches the event bus the forwarder announces decisions on.
func (s *Service) SetBus(bus eventbus.Bus) {
	s.mu.Lock()
	s.bus = bus
	s.mu.Unlock()
}

// publish emits a pipeline event; a nil bus makes it a no-op.
func (s *Service) publish(topic string, data map[string]any) {
	s.mu.Lock()
	bus := s.bus
	s.mu.Unlock()
	if bus != nil {
		bus.Publish(eventbus.Event{Topic: topic, Time: time.Now(), Data: data})
	}
}

// SetSelfUserID records the bot's own user so its messages are skipped.
// Call it from the ready handler.
func (s *Service) SetSelfUserID(id string) {
	s.mu.Lock()
	s.selfID = id
	s.mu.Unlock()
}

func (s *Service) snapshot() (settings, *classify.Classifier, *traceWriter, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.classifier, s.trace, s.selfID
}

func (s *Service) stateParent(channelID string) string {
	if s.session == nil {
		return ""
	}
	if ch, err := s.session.State.Channel(channelID); err == nil && ch != nil {
		return ch.ParentID
	}
	return ""
}

func (s *Service) restFetch(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
	if s.session == nil {
		return nil, fmt.Errorf("no session")
	}
	return s.session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
}

// monitoredChannel reports whether the forwarder reads this channel.
func (cfg settings) monitoredChannel(channelID, parentID string) bool {
	if cfg.allChannels {
		return true
	}
	if _, ok := cfg.monitored[channelID]; ok {
		return true
	}
	if parentID != "" {
		if _, ok := cfg.categories[parentID]; ok {
			return true
		}
	}
	return false
}

// markProcessed returns false when the message was already handled.
func (s *Service) markProcessed(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.processed[messageID]; seen {
		return false
	}
	if len(s.processed) > cacheBound {
		s.processed = make(map[string]struct{})
	}
	s.processed[messageID] = struct{}{}
	return true
}

// hitWindow marks key in cache and reports the age of a previous hit
// inside ttl, if any.
func hitWindow(cache map[string]time.Time, key string, now time.Time, ttl time.Duration) (time.Duration, bool) {
	last, seen := cache[key]
	if seen && now.Sub(last) < ttl {
		return now.Sub(last), true
	}
	cache[key] = now
	if len(cache) > cacheBound {
		cutoff := now.Add(-ttl)
		for k, v := range cache {
			if v.Before(cutoff) {
				delete(cache, k)
			}
		}
	}
	return 0, false
}

func (s *Service) recentDuplicate(key string, ttl time.Duration) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hitWindow(s.recent, key, s.now(), ttl)
}

func (s *Service) globalDuplicate(sig string, ttl time.Duration) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hitWindow(s.global, sig, s.now(), ttl)
}

// destHit checks a per-destination key without recording it; markDest
// records after a successful send.
func (s *Service) destHit(key string, ttl time.Duration) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, seen := s.sentTo[key]
	if seen && s.now().Sub(last) < ttl {
		return s.now().Sub(last), true
	}
	return 0, false
}

func (s *Service) markDest(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, k := range keys {
		s.sentTo[k] = now
	}
	if len(s.sentTo) > cacheBound {
		cutoff := now.Add(-24 * time.Hour)
		for k, v := range s.sentTo {
			if v.Before(cutoff) {
				delete(s.sentTo, k)
			}
		}
	}
}

// trackLinks remembers which channels each URL appeared in. The per-URL
// channel fanout feeds the trace log.
func (s *Service) trackLinks(urls []string, channelID string, ttl time.Duration) int {
	if len(urls) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-ttl)
	for u, e := range s.linkSeen {
		if e.lastSeen.Before(cutoff) {
			delete(s.linkSeen, u)
		}
	}
	fanout := 0
	for _, u := range urls {
		e, ok := s.linkSeen[u]
		if !ok {
			e = &linkEntry{channels: make(map[string]struct{})}
			s.linkSeen[u] = e
		}
		e.lastSeen = now
		e.channels[channelID] = struct{}{}
		if n := len(e.channels); n > fanout {
			fanout = n
		}
	}
	return fanout
}

func (s *Service) limiterFor(channelID string, minSend time.Duration) *rate.Limiter {
	if minSend <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[channelID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(minSend), 1)
		s.limiters[channelID] = lim
	}
	return lim
}

// ValidateRouteMaps checks every configured route destination at
// startup so dead channel IDs surface as warnings, not send failures.
func (s *Service) ValidateRouteMaps(ctx context.Context) {
	cfg, _, _, _ := s.snapshot()
	if len(cfg.routeDests) == 0 || s.session == nil {
		return
	}
	dests := make([]string, 0, len(cfg.routeDests))
	for dest := range cfg.routeDests {
		dests = append(dests, dest)
	}
	sort.Strings(dests)

	bad := 0
	for _, dest := range dests {
		ch, err := s.session.Channel(dest, discordgo.WithContext(ctx))
		if err == nil && ch != nil && ch.Type != discordgo.ChannelTypeGuildText && ch.Type != discordgo.ChannelTypeGuildNews {
			err = fmt.Errorf("channel type %d is not messageable", ch.Type)
		}
		if err != nil {
			bad++
			s.log.Warn("route destination unreachable",
				logx.String("channel_id", dest),
				logx.String("tags", strings.Join(cfg.routeDests[dest], ",")),
				logx.Err(err))
		}
	}
	if bad == 0 {
		s.log.Info("route destinations validated", logx.Int("destinations", len(dests)))
	}
}
