// Package commands wires the data manager's operator surface: legacy
// prefix commands and the slash command groups registered against the
// destination guild(s).
package commands

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/config"
	"github.com/neo-rs/mwbots/internal/discord"
	"github.com/neo-rs/mwbots/internal/fetch"
	"github.com/neo-rs/mwbots/internal/store"
	"github.com/neo-rs/mwbots/internal/text"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// FetchRunner is the slice of the fetch engine the commands drive.
type FetchRunner interface {
	RunFetchAll(ctx context.Context, sourceGuildID, destGuildID string) (fetch.Result, error)
	RunFetchSync(ctx context.Context, sourceGuildID, destGuildID string, dryRun bool) (fetch.SyncResult, error)
}

// Notifier posts to a destination channel; used by /keywords test.
type Notifier interface {
	Send(ctx context.Context, channelID string, opts discord.SendOptions) (discord.Sent, error)
}

type settings struct {
	prefix         string
	admins         map[string]struct{}
	destGuilds     []string
	defaultFetch   string
	monitored      int
	categories     []string
	monitorAll     bool
	webhookOnly    bool
	rawUnwrap      bool
	routeDests     int
	routeTotal     int
	triggerDests   int
	triggerTotal   int
	keywordChannel string
}

func settingsFrom(cfg *config.Config) settings {
	prefix := strings.TrimSpace(cfg.Discord.CommandPrefix)
	if prefix == "" {
		prefix = "!"
	}
	admins := make(map[string]struct{}, len(cfg.Discord.AdminUserIDs))
	for _, id := range cfg.Discord.AdminUserIDs {
		if id = strings.TrimSpace(id); id != "" {
			admins[id] = struct{}{}
		}
	}
	guilds := make([]string, 0, len(cfg.Discord.DestinationGuildIDs))
	for _, id := range cfg.Discord.DestinationGuildIDs {
		if id = strings.TrimSpace(id); id != "" {
			guilds = append(guilds, id)
		}
	}
	sort.Strings(guilds)

	countSet := func(m map[string]string) (set, total int) {
		for _, v := range m {
			total++
			if strings.TrimSpace(v) != "" {
				set++
			}
		}
		return set, total
	}
	routeSet, routeTotal := countSet(cfg.Routes.Online)
	inSet, inTotal := countSet(cfg.Routes.Instore)
	trigSet, trigTotal := countSet(cfg.Routes.Triggers)

	cats := append([]string(nil), cfg.Monitor.CategoryIDs...)
	sort.Strings(cats)

	return settings{
		prefix:       prefix,
		admins:       admins,
		destGuilds:   guilds,
		defaultFetch: strings.TrimSpace(cfg.Discord.DefaultFetchGuildID),
		monitored: len(cfg.Monitor.OnlineChannelIDs) + len(cfg.Monitor.InstoreChannelIDs) +
			len(cfg.Monitor.ClearanceChannelIDs) + len(cfg.Monitor.MiscChannelIDs),
		categories:     cats,
		monitorAll:     cfg.Monitor.AllDestinationChannels,
		webhookOnly:    cfg.Monitor.WebhookMessagesOnly,
		rawUnwrap:      cfg.Filter.EnableRawLinkUnwrap,
		routeDests:     routeSet + inSet,
		routeTotal:     routeTotal + inTotal,
		triggerDests:   trigSet,
		triggerTotal:   trigTotal,
		keywordChannel: cfg.Routes.Online["MONITORED_KEYWORD"],
	}
}

// Router parses and dispatches the operator commands. Everything it
// needs from Discord comes through seams so handlers are testable.
type Router struct {
	engine   FetchRunner
	maps     *store.MappingStore
	keywords *store.KeywordStore
	notify   Notifier
	log      logx.Logger

	// hasToken reports whether the user token needed for source reads
	// is loaded, without exposing it.
	hasToken func() bool
	// perms resolves a member's channel permissions for prefix commands.
	perms func(ctx context.Context, userID, channelID string) (int64, error)

	// ack and followup answer slash commands. Discord invalidates an
	// interaction that is not acknowledged within three seconds, so the
	// handler defers immediately and delivers the reply as a followup.
	ack      func(s *discordgo.Session, i *discordgo.Interaction) error
	followup func(s *discordgo.Session, i *discordgo.Interaction, content string) error

	mu           sync.Mutex
	cfg          settings
	defaultFetch string
	selfID       string
	respond      func(ctx context.Context, channelID, content string) error
}

func NewRouter(engine FetchRunner, maps *store.MappingStore, keywords *store.KeywordStore, notify Notifier, cfg *config.Config, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		engine:   engine,
		maps:     maps,
		keywords: keywords,
		notify:   notify,
		log:      log,
		hasToken: func() bool { return false },
	}
	r.ack = func(s *discordgo.Session, i *discordgo.Interaction) error {
		return s.InteractionRespond(i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		})
	}
	r.followup = func(s *discordgo.Session, i *discordgo.Interaction, content string) error {
		_, err := s.FollowupMessageCreate(i, true, &discordgo.WebhookParams{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		})
		return err
	}
	r.Apply(cfg)
	r.mu.Lock()
	r.defaultFetch = r.cfg.defaultFetch
	r.mu.Unlock()
	return r
}

// Apply swaps settings on config reload. The runtime default fetch
// guild set via the prefix command survives reloads.
func (r *Router) Apply(cfg *config.Config) {
	snap := settingsFrom(cfg)
	r.mu.Lock()
	r.cfg = snap
	if r.defaultFetch == "" {
		r.defaultFetch = snap.defaultFetch
	}
	r.mu.Unlock()
}

// SetSelfUserID stops the bot from dispatching its own messages.
func (r *Router) SetSelfUserID(id string) {
	r.mu.Lock()
	r.selfID = id
	r.mu.Unlock()
}

// SetTokenCheck installs the source-token presence check.
func (r *Router) SetTokenCheck(fn func() bool) {
	if fn != nil {
		r.hasToken = fn
	}
}

// SetPermissionResolver installs the member permission lookup used to
// gate mutating prefix commands.
func (r *Router) SetPermissionResolver(fn func(ctx context.Context, userID, channelID string) (int64, error)) {
	r.perms = fn
}

func (r *Router) snapshot() (settings, string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, r.defaultFetch, r.selfID
}

func (r *Router) setDefaultFetch(guildID string) {
	r.mu.Lock()
	r.defaultFetch = guildID
	r.mu.Unlock()
}

// destGuildFor picks the destination guild a run writes to. The guild
// the command came from wins when it is a configured destination.
func (r *Router) destGuildFor(invokedIn string) string {
	cfg, _, _ := r.snapshot()
	for _, g := range cfg.destGuilds {
		if g == invokedIn {
			return g
		}
	}
	if len(cfg.destGuilds) > 0 {
		return cfg.destGuilds[0]
	}
	return invokedIn
}

// mutating names the commands that change state or hit source guilds.
var mutating = map[string]bool{
	"fetchall":      true,
	"fetchsync":     true,
	"fetch":         true,
	"setfetchguild": true,
	"keywords":      true,
}

// allowed gates a prefix command. Admin ids bypass; otherwise mutating
// commands need Manage Server in the invoking channel.
func (r *Router) allowed(ctx context.Context, name, userID, channelID string) bool {
	if !mutating[name] {
		return true
	}
	cfg, _, _ := r.snapshot()
	if _, ok := cfg.admins[userID]; ok {
		return true
	}
	if r.perms == nil {
		return len(cfg.admins) == 0
	}
	p, err := r.perms(ctx, userID, channelID)
	if err != nil {
		r.log.Warn("permission lookup failed",
			logx.String("user_id", userID),
			logx.Err(err))
		return false
	}
	return p&discordgo.PermissionManageServer != 0
}

// reloadKeywords force-reloads the list and reports the new count.
func (r *Router) reloadKeywords() int {
	if r.keywords == nil {
		return 0
	}
	r.keywords.Invalidate()
	kws, err := r.keywords.Load(true)
	if err != nil {
		r.log.Warn("keyword reload failed", logx.Err(err))
		return 0
	}
	return len(kws)
}

func (r *Router) scanKeywords(sample string) []string {
	if r.keywords == nil {
		return nil
	}
	kws, err := r.keywords.Load(true)
	if err != nil {
		return nil
	}
	return text.ScanKeywords(sample, kws)
}
