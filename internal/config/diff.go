package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets or webhook URLs).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Discord, newCfg.Discord) {
		changed = append(changed, "discord")
		attrs = append(attrs,
			logx.Int("discord.destination_guilds", len(newCfg.Discord.DestinationGuildIDs)),
			logx.Bool("discord.default_fetch_guild_set", strings.TrimSpace(newCfg.Discord.DefaultFetchGuildID) != ""),
			logx.String("discord.command_prefix", newCfg.Discord.CommandPrefix),
		)
	}

	if !reflect.DeepEqual(oldCfg.Monitor, newCfg.Monitor) {
		changed = append(changed, "monitor")
		attrs = append(attrs,
			logx.Int("monitor.online", len(newCfg.Monitor.OnlineChannelIDs)),
			logx.Int("monitor.instore", len(newCfg.Monitor.InstoreChannelIDs)),
			logx.Int("monitor.clearance", len(newCfg.Monitor.ClearanceChannelIDs)),
			logx.Int("monitor.misc", len(newCfg.Monitor.MiscChannelIDs)),
			logx.Int("monitor.categories", len(newCfg.Monitor.CategoryIDs)),
			logx.Bool("monitor.all_destination_channels", newCfg.Monitor.AllDestinationChannels),
			logx.Bool("monitor.webhook_only", newCfg.Monitor.WebhookMessagesOnly),
		)
	}

	if !reflect.DeepEqual(oldCfg.Routes, newCfg.Routes) {
		changed = append(changed, "routes")
		attrs = append(attrs,
			logx.Int("routes.online", len(newCfg.Routes.Online)),
			logx.Int("routes.instore", len(newCfg.Routes.Instore)),
			logx.Int("routes.triggers", len(newCfg.Routes.Triggers)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Filter, newCfg.Filter) {
		changed = append(changed, "filter")
		attrs = append(attrs,
			logx.String("filter.recent_ttl", strings.TrimSpace(newCfg.Filter.RecentTTL)),
			logx.String("filter.global_dup_ttl", strings.TrimSpace(newCfg.Filter.GlobalDupTTL)),
			logx.String("filter.edit_cooldown", strings.TrimSpace(newCfg.Filter.EditCooldown)),
			logx.Int("filter.min_content_chars", newCfg.Filter.MinContentChars),
			logx.Bool("filter.default_fallback", newCfg.Filter.EnableDefaultFallback),
		)
	}

	if !reflect.DeepEqual(oldCfg.Fetch, newCfg.Fetch) {
		changed = append(changed, "fetch")
		attrs = append(attrs,
			logx.Int("fetch.max_per_channel", newCfg.Fetch.MaxMessagesPerChannel),
			logx.Int("fetch.initial_backfill", newCfg.Fetch.InitialBackfillLimit),
			logx.String("fetch.auto_poll_interval", strings.TrimSpace(newCfg.Fetch.AutoPollInterval)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Forward, newCfg.Forward) {
		changed = append(changed, "forward")
		attrs = append(attrs,
			logx.Bool("forward.prefer_webhooks", newCfg.Forward.PreferWebhooks),
			logx.String("forward.min_send_interval", strings.TrimSpace(newCfg.Forward.MinSendInterval)),
			logx.Bool("forward.download_attachments", newCfg.Forward.DownloadAttachments),
		)
	}

	// Relay (never log webhook URLs)
	if !reflect.DeepEqual(oldCfg.Relay, newCfg.Relay) {
		changed = append(changed, "relay")
		attrs = append(attrs,
			logx.Int("relay.channel_map_overrides", len(newCfg.Relay.ChannelMap)),
			logx.String("relay.dedupe_scope", strings.TrimSpace(newCfg.Relay.DedupeScope)),
			logx.Bool("relay.propagate_edits", newCfg.Relay.PropagateEdits),
			logx.Bool("relay.propagate_deletes", newCfg.Relay.PropagateDeletes),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ping, newCfg.Ping) {
		changed = append(changed, "ping")
		attrs = append(attrs,
			logx.Int("ping.channels", len(newCfg.Ping.ChannelIDs)),
			logx.String("ping.cooldown", strings.TrimSpace(newCfg.Ping.Cooldown)),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.discord_enabled", newCfg.Logging.Discord.Enabled),
		)
	}

	// Storage (persistence). Nil means disabled.
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Paths, newCfg.Paths) {
		changed = append(changed, "paths")
		attrs = append(attrs,
			logx.Bool("paths.data_dir_set", strings.TrimSpace(newCfg.Paths.DataDir) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
