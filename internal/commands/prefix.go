package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/store"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// SetResponder installs the channel reply sink for prefix commands.
func (r *Router) SetResponder(fn func(ctx context.Context, channelID, content string) error) {
	r.mu.Lock()
	r.respond = fn
	r.mu.Unlock()
}

func (r *Router) say(ctx context.Context, channelID, content string) {
	r.mu.Lock()
	fn := r.respond
	r.mu.Unlock()
	if fn == nil || content == "" {
		return
	}
	if err := fn(ctx, channelID, content); err != nil {
		r.log.Warn("command reply failed",
			logx.String("channel_id", channelID),
			logx.Err(err))
	}
}

// HandleMessage parses and runs a prefix command, if the message is one.
func (r *Router) HandleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	cfg, _, self := r.snapshot()
	if self != "" && m.Author.ID == self {
		return
	}
	body := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(body, cfg.prefix) {
		return
	}
	rest := strings.TrimSpace(strings.TrimPrefix(body, cfg.prefix))
	if rest == "" {
		return
	}
	fields := strings.Fields(rest)
	name := strings.ToLower(fields[0])
	args := fields[1:]

	switch name {
	case "fetchall", "fetchsync", "fetchauth", "fetch", "setfetchguild", "whereami", "status", "keywords":
	default:
		return
	}
	if !r.allowed(ctx, name, m.Author.ID, m.ChannelID) {
		r.say(ctx, m.ChannelID, "You need Manage Server to run this.")
		return
	}
	r.log.Info("prefix command",
		logx.String("command", name),
		logx.String("user_id", m.Author.ID),
		logx.String("channel_id", m.ChannelID))

	switch name {
	case "fetchall":
		r.cmdFetchAll(ctx, m)
	case "fetchsync":
		r.cmdFetchSync(ctx, m, args)
	case "fetchauth":
		r.cmdFetchAuth(ctx, m, args)
	case "fetch":
		r.cmdFetch(ctx, m, args)
	case "setfetchguild":
		r.cmdSetFetchGuild(ctx, m, args)
	case "whereami":
		r.say(ctx, m.ChannelID, fmt.Sprintf("Data manager is running. guild=%s channel=%s", m.GuildID, m.ChannelID))
	case "status":
		r.say(ctx, m.ChannelID, r.statusText())
	case "keywords":
		r.cmdKeywords(ctx, m, args)
	}
}

func (r *Router) cmdFetchAll(ctx context.Context, m *discordgo.Message) {
	entries, err := r.mappingEntries()
	if err != nil {
		r.say(ctx, m.ChannelID, "Mapping store read failed: "+err.Error())
		return
	}
	if len(entries) == 0 {
		r.say(ctx, m.ChannelID, "No fetchall mappings found.")
		return
	}
	r.say(ctx, m.ChannelID, fmt.Sprintf("Starting fetchall for %d mapping(s)...", len(entries)))
	dest := r.destGuildFor(m.GuildID)
	ok := 0
	for _, e := range entries {
		res, err := r.engine.RunFetchAll(ctx, e.SourceGuildID, dest)
		if err != nil {
			r.say(ctx, m.ChannelID, fmt.Sprintf("fetchall failed: sgid=%s reason=%v", e.SourceGuildID, err))
			continue
		}
		if res.Errors == 0 {
			ok++
		}
	}
	r.say(ctx, m.ChannelID, fmt.Sprintf("Fetchall complete: %d/%d succeeded.", ok, len(entries)))
}

func (r *Router) cmdFetchSync(ctx context.Context, m *discordgo.Message, args []string) {
	if !r.hasToken() {
		r.say(ctx, m.ChannelID, "Missing DISCORD_USER_TOKEN (needed to read source servers).")
		return
	}
	filter := ""
	if len(args) > 0 {
		filter = strings.TrimSpace(args[0])
		if !isSnowflake(filter) {
			r.say(ctx, m.ChannelID, "Usage: "+r.prefixed("fetchsync [source_guild_id]"))
			return
		}
	}
	entries, err := r.mappingEntries()
	if err != nil {
		r.say(ctx, m.ChannelID, "Mapping store read failed: "+err.Error())
		return
	}
	var selected []store.MappingEntry
	for _, e := range entries {
		if filter != "" && e.SourceGuildID != filter {
			continue
		}
		selected = append(selected, e)
	}
	if len(selected) == 0 {
		if filter != "" {
			r.say(ctx, m.ChannelID, "No mapping found for source_guild_id="+filter+".")
		} else {
			r.say(ctx, m.ChannelID, "No fetchall mappings found.")
		}
		return
	}
	r.say(ctx, m.ChannelID, fmt.Sprintf("Starting fetchsync for %d mapping(s)...", len(selected)))
	dest := r.destGuildFor(m.GuildID)
	ok, sent := 0, 0
	for _, e := range selected {
		res, err := r.engine.RunFetchSync(ctx, e.SourceGuildID, dest, false)
		if err != nil {
			r.say(ctx, m.ChannelID, fmt.Sprintf("fetchsync failed: sgid=%s reason=%v", e.SourceGuildID, err))
			continue
		}
		ok++
		sent += res.Sent
	}
	r.say(ctx, m.ChannelID, fmt.Sprintf("Fetchsync complete: %d/%d succeeded. sent=%d", ok, len(selected), sent))
}

// cmdFetchAuth dry-runs one mapping so token and reachability problems
// surface without sending anything or leaking the token.
func (r *Router) cmdFetchAuth(ctx context.Context, m *discordgo.Message, args []string) {
	if len(args) == 0 || !isSnowflake(args[0]) {
		r.say(ctx, m.ChannelID, "Usage: "+r.prefixed("fetchauth <source_guild_id>"))
		return
	}
	if !r.hasToken() {
		r.say(ctx, m.ChannelID, "Missing DISCORD_USER_TOKEN (needed to read source servers).")
		return
	}
	sgid := args[0]
	res, err := r.engine.RunFetchSync(ctx, sgid, r.destGuildFor(m.GuildID), true)
	if err != nil {
		r.say(ctx, m.ChannelID, fmt.Sprintf("fetchauth: sgid=%s ok=false reason=%v", sgid, err))
		return
	}
	r.say(ctx, m.ChannelID, fmt.Sprintf("fetchauth: sgid=%s ok=true channels=%d would_send=%d", sgid, res.Channels, res.WouldSend))
}

func (r *Router) cmdFetch(ctx context.Context, m *discordgo.Message, args []string) {
	_, def, _ := r.snapshot()
	sgid := def
	if len(args) > 0 {
		sgid = strings.TrimSpace(args[0])
	}
	if !isSnowflake(sgid) {
		r.say(ctx, m.ChannelID, "Usage: "+r.prefixed("fetch <source_guild_id>"))
		return
	}
	if r.maps != nil {
		if _, ok, err := r.maps.Entry(sgid); err != nil || !ok {
			r.say(ctx, m.ChannelID, "No mapping found for source_guild_id="+sgid+". Use "+r.prefixed("setfetchguild")+" first.")
			return
		}
	}
	res, err := r.engine.RunFetchAll(ctx, sgid, r.destGuildFor(m.GuildID))
	if err != nil {
		r.say(ctx, m.ChannelID, fmt.Sprintf("Fetch failed: %v", err))
		return
	}
	r.say(ctx, m.ChannelID, fmt.Sprintf("Fetch result: created=%d existing=%d errors=%d", res.Created, res.Existing, res.Errors))
}

func (r *Router) cmdSetFetchGuild(ctx context.Context, m *discordgo.Message, args []string) {
	if len(args) == 0 || !isSnowflake(args[0]) {
		r.say(ctx, m.ChannelID, "Usage: "+r.prefixed("setfetchguild <source_guild_id> [destination_category_id]"))
		return
	}
	sgid := args[0]
	upd := store.MappingUpdate{}
	if len(args) > 1 && isSnowflake(args[1]) {
		dcid := args[1]
		upd.DestinationCategoryID = &dcid
	}
	if r.maps == nil {
		r.say(ctx, m.ChannelID, "Mapping store is not configured.")
		return
	}
	entry, err := r.maps.Upsert(sgid, upd)
	if err != nil {
		r.say(ctx, m.ChannelID, "setfetchguild failed: "+err.Error())
		return
	}
	r.setDefaultFetch(sgid)
	r.say(ctx, m.ChannelID, fmt.Sprintf("Saved mapping: source_guild_id=%s destination_category_id=%s",
		entry.SourceGuildID, entry.DestinationCategoryID))
}

func (r *Router) cmdKeywords(ctx context.Context, m *discordgo.Message, args []string) {
	if r.keywords == nil {
		r.say(ctx, m.ChannelID, "Keyword store is not configured.")
		return
	}
	action := "list"
	if len(args) > 0 {
		action = strings.ToLower(args[0])
	}
	value := strings.TrimSpace(strings.Join(args[min(1, len(args)):], " "))
	switch action {
	case "reload", "refresh":
		r.say(ctx, m.ChannelID, fmt.Sprintf("Keywords reloaded. count=%d", r.reloadKeywords()))
	case "add", "create", "new":
		if value == "" {
			r.say(ctx, m.ChannelID, "Usage: "+r.prefixed("keywords add <keyword>"))
			return
		}
		if err := r.keywords.Add(value); err != nil {
			r.say(ctx, m.ChannelID, "Keyword add failed: "+err.Error())
			return
		}
		r.say(ctx, m.ChannelID, fmt.Sprintf("Keyword added. count=%d", r.reloadKeywords()))
	case "remove", "rm", "del", "delete":
		if value == "" {
			r.say(ctx, m.ChannelID, "Usage: "+r.prefixed("keywords remove <keyword>"))
			return
		}
		if err := r.keywords.Remove(value); err != nil {
			r.say(ctx, m.ChannelID, "Keyword remove failed: "+err.Error())
			return
		}
		r.say(ctx, m.ChannelID, fmt.Sprintf("Keyword removed. count=%d", r.reloadKeywords()))
	default: // list
		kws, err := r.keywords.Load(true)
		if err != nil {
			r.say(ctx, m.ChannelID, "Keyword load failed: "+err.Error())
			return
		}
		if len(kws) == 0 {
			r.say(ctx, m.ChannelID, "Monitored keywords: (none)")
			return
		}
		preview := strings.Join(kws[:min(40, len(kws))], ", ")
		extra := ""
		if len(kws) > 40 {
			extra = fmt.Sprintf(" ... (+%d more)", len(kws)-40)
		}
		r.say(ctx, m.ChannelID, fmt.Sprintf("Monitored keywords (%d): %s%s", len(kws), preview, extra))
	}
}

func (r *Router) statusText() string {
	cfg, def, _ := r.snapshot()
	var b strings.Builder
	b.WriteString("Data manager status:\n")
	fmt.Fprintf(&b, "- destination_guild_ids=%v\n", cfg.destGuilds)
	fmt.Fprintf(&b, "- monitored_channels=%d monitor_category_ids=%v monitor_all=%t webhook_only=%t\n",
		cfg.monitored, cfg.categories, cfg.monitorAll, cfg.webhookOnly)
	fmt.Fprintf(&b, "- raw_unwrap=%t\n", cfg.rawUnwrap)
	fmt.Fprintf(&b, "- source_user_token_loaded=%t\n", r.hasToken())
	fmt.Fprintf(&b, "- route_destinations_set=%d/%d\n", cfg.routeDests, cfg.routeTotal)
	fmt.Fprintf(&b, "- global_trigger_destinations_set=%d/%d\n", cfg.triggerDests, cfg.triggerTotal)
	fmt.Fprintf(&b, "- default_fetch_guild=%s", emptyDash(def))
	return b.String()
}

func (r *Router) mappingEntries() ([]store.MappingEntry, error) {
	if r.maps == nil {
		return nil, nil
	}
	return r.maps.Entries()
}

func (r *Router) prefixed(usage string) string {
	cfg, _, _ := r.snapshot()
	return cfg.prefix + usage
}

func isSnowflake(s string) bool {
	if len(s) < 5 || len(s) > 22 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func emptyDash(s string) string {
	if s == "" {
		return "(unset)"
	}
	return s
}
