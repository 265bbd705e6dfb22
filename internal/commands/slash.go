package commands

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/discord"
	"github.com/neo-rs/mwbots/internal/store"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

var manageServer = int64(discordgo.PermissionManageServer)

// Definitions returns the slash command groups. They are registered
// per destination guild, never globally.
func (r *Router) Definitions() []*discordgo.ApplicationCommand {
	sgid := func(required bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "source_guild_id",
			Description: "Source guild/server ID to mirror from",
			Required:    required,
		}
	}
	keywordOpt := func(autocomplete bool) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:         discordgo.ApplicationCommandOptionString,
			Name:         "keyword",
			Description:  "Monitored keyword",
			Required:     true,
			Autocomplete: autocomplete,
		}
	}
	sub := func(name, desc string, opts ...*discordgo.ApplicationCommandOption) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionSubCommand,
			Name:        name,
			Description: desc,
			Options:     opts,
		}
	}

	return []*discordgo.ApplicationCommand{
		{
			Name:                     "fetchmap",
			Description:              "Manage fetchall mappings",
			DefaultMemberPermissions: &manageServer,
			Options: []*discordgo.ApplicationCommandOption{
				sub("list", "List current fetchall mappings"),
				sub("upsert", "Add/update a fetchall mapping entry",
					sgid(true),
					&discordgo.ApplicationCommandOption{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         "destination_category",
						Description:  "Destination category for mirror channels",
						Required:     true,
						ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildCategory},
					},
					&discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "name",
						Description: "Friendly label (optional)",
					},
					&discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "source_category_ids_csv",
						Description: "Comma-separated category IDs in the source guild (optional)",
					},
					&discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "ignored_channel_ids_csv",
						Description: "Comma-separated source channel IDs to ignore (optional)",
					},
				),
				sub("ignore_add", "Add an ignored source channel id to a mapping",
					sgid(true),
					&discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "channel_id",
						Description: "Source channel ID to ignore",
						Required:    true,
					},
				),
				sub("ignore_remove", "Remove an ignored source channel id from a mapping",
					sgid(true),
					&discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "channel_id",
						Description: "Source channel ID to stop ignoring",
						Required:    true,
					},
				),
			},
		},
		{
			Name:                     "fetchsync",
			Description:              "Pull and mirror messages from source servers",
			DefaultMemberPermissions: &manageServer,
			Options: []*discordgo.ApplicationCommandOption{
				sub("dryrun", "Show what would be fetched/sent without sending", sgid(false)),
				sub("run", "Pull and mirror messages for one mapping (or all)", sgid(false)),
			},
		},
		{
			Name:                     "keywords",
			Description:              "Manage monitored keywords",
			DefaultMemberPermissions: &manageServer,
			Options: []*discordgo.ApplicationCommandOption{
				sub("list", "List monitored keywords"),
				sub("add", "Add a monitored keyword", keywordOpt(false)),
				sub("remove", "Remove a monitored keyword", keywordOpt(true)),
				sub("reload", "Reload monitored keywords from disk"),
				sub("test", "Test text against monitored keywords",
					&discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionString,
						Name:        "text",
						Description: "Sample text to test",
						Required:    true,
					},
					&discordgo.ApplicationCommandOption{
						Type:        discordgo.ApplicationCommandOptionBoolean,
						Name:        "send_output",
						Description: "Also post the result to the monitored-keyword channel",
					},
				),
			},
		},
		{
			Name:                     "keywordchannel",
			Description:              "Route monitored keyword matches to extra channels",
			DefaultMemberPermissions: &manageServer,
			Options: []*discordgo.ApplicationCommandOption{
				sub("set", "Send a monitored keyword's matches to an extra channel",
					keywordOpt(true),
					&discordgo.ApplicationCommandOption{
						Type:         discordgo.ApplicationCommandOptionChannel,
						Name:         "channel",
						Description:  "Extra destination channel",
						Required:     true,
						ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText, discordgo.ChannelTypeGuildNews},
					},
				),
				sub("clear", "Remove an extra channel override for a keyword", keywordOpt(true)),
				sub("list", "List keyword channel overrides"),
			},
		},
	}
}

// Register overwrites the guild command sets on every destination guild.
func (r *Router) Register(s *discordgo.Session, appID string) error {
	cfg, _, _ := r.snapshot()
	defs := r.Definitions()
	for _, gid := range cfg.destGuilds {
		if _, err := s.ApplicationCommandBulkOverwrite(appID, gid, defs); err != nil {
			return fmt.Errorf("register commands for guild %s: %w", gid, err)
		}
		r.log.Info("slash commands registered",
			logx.String("guild_id", gid),
			logx.Int("commands", len(defs)))
	}
	return nil
}

// slashInvocation is the interaction context the handlers need.
type slashInvocation struct {
	GuildID  string
	UserID   string
	UserName string
	Perms    int64
}

// HandleInteraction answers slash commands and keyword autocomplete.
func (r *Router) HandleInteraction(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		inv := slashInvocation{GuildID: i.GuildID}
		if i.Member != nil {
			inv.Perms = i.Member.Permissions
			if i.Member.User != nil {
				inv.UserID = i.Member.User.ID
				inv.UserName = i.Member.User.Username
			}
		}
		// Defer before doing any work: a sync run can take minutes and
		// Discord drops interactions not acknowledged within 3 seconds.
		if err := r.ack(s, i.Interaction); err != nil {
			r.log.Warn("interaction ack failed", logx.Err(err))
			return
		}
		data := i.ApplicationCommandData()
		interaction := i.Interaction
		go func() {
			reply := r.runSlash(ctx, inv, data)
			if err := r.followup(s, interaction, reply); err != nil {
				r.log.Warn("interaction followup failed", logx.Err(err))
			}
		}()
	case discordgo.InteractionApplicationCommandAutocomplete:
		choices := r.keywordChoices(i.ApplicationCommandData())
		err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionApplicationCommandAutocompleteResult,
			Data: &discordgo.InteractionResponseData{Choices: choices},
		})
		if err != nil {
			r.log.Warn("autocomplete respond failed", logx.Err(err))
		}
	}
}

func (r *Router) keywordChoices(data discordgo.ApplicationCommandInteractionData) []*discordgo.ApplicationCommandOptionChoice {
	cur := ""
	for _, opt := range flattenOptions(data.Options) {
		if opt.Focused {
			cur = strings.ToLower(strings.TrimSpace(opt.StringValue()))
		}
	}
	if r.keywords == nil {
		return nil
	}
	kws, err := r.keywords.Load(true)
	if err != nil {
		return nil
	}
	var out []*discordgo.ApplicationCommandOptionChoice
	for _, k := range kws {
		if cur != "" && !strings.Contains(strings.ToLower(k), cur) {
			continue
		}
		name := k
		if len(name) > 100 {
			name = name[:100]
		}
		out = append(out, &discordgo.ApplicationCommandOptionChoice{Name: name, Value: k})
		if len(out) >= 25 {
			break
		}
	}
	return out
}

// runSlash dispatches one command invocation and returns the reply text.
func (r *Router) runSlash(ctx context.Context, inv slashInvocation, data discordgo.ApplicationCommandInteractionData) string {
	if !r.slashAllowed(inv) {
		return "You need Manage Server to run this."
	}
	if len(data.Options) == 0 {
		return "Missing subcommand."
	}
	sub := data.Options[0]
	opts := indexOptions(sub.Options)
	r.log.Info("slash command",
		logx.String("command", data.Name+" "+sub.Name),
		logx.String("user_id", inv.UserID),
		logx.String("guild_id", inv.GuildID))

	switch data.Name {
	case "fetchmap":
		return r.slashFetchMap(sub.Name, opts)
	case "fetchsync":
		return r.slashFetchSync(ctx, inv, sub.Name, opts)
	case "keywords":
		return r.slashKeywords(ctx, inv, sub.Name, opts)
	case "keywordchannel":
		return r.slashKeywordChannel(sub.Name, opts)
	}
	return "Unknown command."
}

func (r *Router) slashAllowed(inv slashInvocation) bool {
	cfg, _, _ := r.snapshot()
	if _, ok := cfg.admins[inv.UserID]; ok {
		return true
	}
	return inv.Perms&int64(discordgo.PermissionManageServer) != 0
}

func (r *Router) slashFetchMap(sub string, opts optionMap) string {
	if r.maps == nil {
		return "Mapping store is not configured."
	}
	switch sub {
	case "list":
		entries, err := r.maps.Entries()
		if err != nil {
			return "Mapping store read failed: " + err.Error()
		}
		if len(entries) == 0 {
			return "No fetchall mappings found."
		}
		var lines []string
		for _, e := range entries {
			cursors := 0
			if e.State != nil {
				cursors = len(e.State.LastSeenByChannel)
			}
			name := e.Name
			if name == "" {
				name = "guild_" + e.SourceGuildID
			}
			lines = append(lines, fmt.Sprintf("- **%s** sgid=`%s` dest_category=`%s` source_categories=%d ignored=%d cursors=%d",
				name, e.SourceGuildID, e.DestinationCategoryID, len(e.SourceCategoryIDs), len(e.IgnoredChannelIDs), cursors))
		}
		if len(lines) > 25 {
			lines = append(lines[:25], fmt.Sprintf("... (+%d more)", len(lines)-25))
		}
		return fmt.Sprintf("Fetchall mappings (%d):\n%s", len(entries), strings.Join(lines, "\n"))

	case "upsert":
		sgid := opts.str("source_guild_id")
		if !isSnowflake(sgid) {
			return "source_guild_id must be a guild snowflake."
		}
		upd := store.MappingUpdate{}
		if v := opts.str("name"); v != "" {
			upd.Name = &v
		}
		if v := opts.channelID("destination_category"); v != "" {
			upd.DestinationCategoryID = &v
		}
		if v := opts.str("source_category_ids_csv"); v != "" {
			upd.SourceCategoryIDs = parseCSVIDs(v)
		}
		entry, err := r.maps.Upsert(sgid, upd)
		if err != nil {
			return "Upsert failed: " + err.Error()
		}
		ignored := entry.IgnoredChannelIDs
		if v := opts.str("ignored_channel_ids_csv"); v != "" {
			ignored = parseCSVIDs(v)
			if entry, err = r.maps.SetIgnored(sgid, ignored); err != nil {
				return "Upsert saved, ignore list failed: " + err.Error()
			}
		}
		return fmt.Sprintf("Saved mapping: sgid=%s dest_category_id=%s source_category_ids=%d ignored=%d",
			entry.SourceGuildID, entry.DestinationCategoryID, len(entry.SourceCategoryIDs), len(ignored))

	case "ignore_add", "ignore_remove":
		sgid := opts.str("source_guild_id")
		cid := opts.str("channel_id")
		if !isSnowflake(sgid) || !isSnowflake(cid) {
			return "source_guild_id and channel_id must be snowflakes."
		}
		entry, _, err := r.maps.Entry(sgid)
		if err != nil {
			return "Mapping store read failed: " + err.Error()
		}
		ignored := append([]string(nil), entry.IgnoredChannelIDs...)
		if sub == "ignore_add" {
			found := false
			for _, x := range ignored {
				if x == cid {
					found = true
					break
				}
			}
			if !found {
				ignored = append(ignored, cid)
			}
		} else {
			kept := ignored[:0]
			for _, x := range ignored {
				if x != cid {
					kept = append(kept, x)
				}
			}
			ignored = kept
		}
		if _, err := r.maps.SetIgnored(sgid, ignored); err != nil {
			return "Ignore list update failed: " + err.Error()
		}
		return fmt.Sprintf("Updated ignored list size=%d for sgid=%s", len(ignored), sgid)
	}
	return "Unknown subcommand."
}

func (r *Router) slashFetchSync(ctx context.Context, inv slashInvocation, sub string, opts optionMap) string {
	if !r.hasToken() {
		return "Missing DISCORD_USER_TOKEN (needed to read source servers)."
	}
	entries, err := r.mappingEntries()
	if err != nil {
		return "Mapping store read failed: " + err.Error()
	}
	filter := opts.str("source_guild_id")
	var selected []store.MappingEntry
	for _, e := range entries {
		if filter != "" && e.SourceGuildID != filter {
			continue
		}
		selected = append(selected, e)
	}
	if len(selected) == 0 {
		if filter != "" {
			return "No mapping found for source_guild_id=" + filter + "."
		}
		return "No fetchall mappings found."
	}
	dest := r.destGuildFor(inv.GuildID)

	if sub == "dryrun" {
		var lines []string
		for _, e := range selected {
			res, err := r.engine.RunFetchSync(ctx, e.SourceGuildID, dest, true)
			if err != nil {
				lines = append(lines, fmt.Sprintf("- sgid=%s ok=false reason=%v", e.SourceGuildID, err))
				continue
			}
			lines = append(lines, fmt.Sprintf("- sgid=%s ok=true channels=%d would_send=%d", e.SourceGuildID, res.Channels, res.WouldSend))
		}
		return "Fetchsync dryrun:\n" + strings.Join(lines, "\n")
	}

	ok, sent := 0, 0
	for _, e := range selected {
		res, err := r.engine.RunFetchSync(ctx, e.SourceGuildID, dest, false)
		if err != nil {
			continue
		}
		ok++
		sent += res.Sent
	}
	return fmt.Sprintf("Fetchsync complete: %d/%d ok; sent=%d", ok, len(selected), sent)
}

func (r *Router) slashKeywords(ctx context.Context, inv slashInvocation, sub string, opts optionMap) string {
	if r.keywords == nil {
		return "Keyword store is not configured."
	}
	switch sub {
	case "list":
		kws, err := r.keywords.Load(true)
		if err != nil {
			return "Keyword load failed: " + err.Error()
		}
		if len(kws) == 0 {
			return "Monitored keywords: (none)"
		}
		shown := kws
		extra := ""
		if len(shown) > 60 {
			shown = shown[:60]
			extra = fmt.Sprintf("\n... (+%d more)", len(kws)-60)
		}
		return fmt.Sprintf("Monitored keywords (%d):\n- %s%s", len(kws), strings.Join(shown, "\n- "), extra)

	case "add":
		kw := strings.TrimSpace(opts.str("keyword"))
		if kw == "" {
			return "Empty keyword."
		}
		if err := r.keywords.Add(kw); err != nil {
			return "Keyword add failed: " + err.Error()
		}
		return fmt.Sprintf("Keyword added. count=%d", r.reloadKeywords())

	case "remove":
		kw := strings.TrimSpace(opts.str("keyword"))
		if err := r.keywords.Remove(kw); err != nil {
			return "Keyword remove failed: " + err.Error()
		}
		return fmt.Sprintf("Keyword removed. count=%d", r.reloadKeywords())

	case "reload":
		return fmt.Sprintf("Keywords reloaded. count=%d", r.reloadKeywords())

	case "test":
		sample := strings.TrimSpace(opts.str("text"))
		if sample == "" {
			return "Empty text."
		}
		matched := r.scanKeywords(sample)
		reply := fmt.Sprintf("Keyword test: matched=%d %s", len(matched), strings.Join(matched, ", "))
		if !opts.boolean("send_output") {
			return strings.TrimSpace(reply)
		}
		cfg, _, _ := r.snapshot()
		if cfg.keywordChannel == "" || r.notify == nil {
			return reply + "\nMonitored-keyword channel is not configured."
		}
		lines := []string{"Monitored keyword test"}
		if inv.UserName != "" {
			lines = append(lines, "by: "+inv.UserName)
		}
		lines = append(lines, fmt.Sprintf("matched: %d", len(matched)))
		if len(matched) > 0 {
			lines = append(lines, "keywords: "+strings.Join(matched, ", "))
		}
		lines = append(lines, "", sample)
		_, err := r.notify.Send(ctx, cfg.keywordChannel, discord.SendOptions{
			Content:         strings.TrimSpace(strings.Join(lines, "\n")),
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		})
		if err != nil {
			return reply + "\nSend failed: " + err.Error()
		}
		return reply + "\nPosted to the monitored-keyword channel."
	}
	return "Unknown subcommand."
}

func (r *Router) slashKeywordChannel(sub string, opts optionMap) string {
	if r.keywords == nil {
		return "Keyword store is not configured."
	}
	switch sub {
	case "set":
		kw := strings.TrimSpace(opts.str("keyword"))
		cid := opts.channelID("channel")
		if kw == "" || !isSnowflake(cid) {
			return "keyword and channel are required."
		}
		if err := r.keywords.SetOverride(kw, cid); err != nil {
			return "keywordchannel set failed: " + err.Error()
		}
		return fmt.Sprintf("keywordchannel set: keyword=%s channel=<#%s>", kw, cid)

	case "clear":
		kw := strings.TrimSpace(opts.str("keyword"))
		if err := r.keywords.ClearOverride(kw); err != nil {
			return "keywordchannel clear failed: " + err.Error()
		}
		return "keywordchannel cleared: keyword=" + kw

	case "list":
		mp, err := r.keywords.Overrides(true)
		if err != nil {
			return "Override load failed: " + err.Error()
		}
		if len(mp) == 0 {
			return "keywordchannel overrides: (none)"
		}
		keys := make([]string, 0, len(mp))
		for k := range mp {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var lines []string
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("- **%s** -> <#%s>", k, mp[k]))
		}
		return "keywordchannel overrides:\n" + strings.Join(lines, "\n")
	}
	return "Unknown subcommand."
}

// optionMap indexes subcommand options by name.
type optionMap map[string]*discordgo.ApplicationCommandInteractionDataOption

func indexOptions(opts []*discordgo.ApplicationCommandInteractionDataOption) optionMap {
	m := make(optionMap, len(opts))
	for _, o := range opts {
		if o != nil {
			m[o.Name] = o
		}
	}
	return m
}

func (m optionMap) str(name string) string {
	if o, ok := m[name]; ok {
		if s, ok := o.Value.(string); ok {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func (m optionMap) boolean(name string) bool {
	if o, ok := m[name]; ok {
		if b, ok := o.Value.(bool); ok {
			return b
		}
	}
	return false
}

// channelID reads a channel option's id without resolving the channel.
func (m optionMap) channelID(name string) string {
	return m.str(name)
}

func flattenOptions(opts []*discordgo.ApplicationCommandInteractionDataOption) []*discordgo.ApplicationCommandInteractionDataOption {
	var out []*discordgo.ApplicationCommandInteractionDataOption
	for _, o := range opts {
		if o == nil {
			continue
		}
		out = append(out, o)
		out = append(out, flattenOptions(o.Options)...)
	}
	return out
}

func parseCSVIDs(s string) []string {
	s = strings.ReplaceAll(s, "\n", ",")
	seen := make(map[string]struct{})
	var out []string
	for _, part := range strings.Split(s, ",") {
		id := strings.TrimSpace(part)
		if !isSnowflake(id) {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
