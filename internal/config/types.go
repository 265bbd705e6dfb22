package config

// Config is the shared settings document for all three mirror bots.
// It is loaded from settings.json (or settings.yaml) with unknown fields
// rejected; secrets live in tokens.env and never appear here.
type Config struct {
	Discord DiscordConfig  `json:"discord"`
	Monitor MonitorConfig  `json:"monitor"`
	Routes  RoutesConfig   `json:"routes"`
	Filter  FilterConfig   `json:"filter"`
	Fetch   FetchConfig    `json:"fetch"`
	Forward ForwardConfig  `json:"forward"`
	Relay   RelayConfig    `json:"relay"`
	Ping    PingConfig     `json:"ping"`
	Logging LoggingConfig  `json:"logging"`
	Storage *StorageConfig `json:"storage,omitempty"`
	Paths   PathsConfig    `json:"paths"`
	Debug   DebugConfig    `json:"debug,omitempty"`
}

// DebugConfig enables the optional pprof listener in the datamanager.
type DebugConfig struct {
	// PprofAddr, when set, serves /debug/pprof there. Loopback binds
	// need no token; anything else requires PprofToken.
	PprofAddr  string `json:"pprof_addr,omitempty"`
	PprofToken string `json:"pprof_token,omitempty"`
}

// DiscordConfig identifies the guilds the suite operates on.
// Channel and guild IDs are snowflakes kept as strings end to end.
type DiscordConfig struct {
	// DestinationGuildIDs are the Mirror World guild(s) the data manager
	// serves. Slash commands are registered against these only.
	DestinationGuildIDs []string `json:"destination_guild_ids"`

	// DefaultFetchGuildID is used by prefix commands that omit a guild
	// argument; settable at runtime via !setfetchguild.
	DefaultFetchGuildID string `json:"default_fetch_guild_id,omitempty"`

	// CommandPrefix for legacy text commands. Defaults to "!".
	CommandPrefix string `json:"command_prefix,omitempty"`

	// AdminUserIDs may run mutating commands without the Manage Server
	// permission.
	AdminUserIDs []string `json:"admin_user_ids,omitempty"`
}

// MonitorConfig selects which destination channels the live forwarder reads.
type MonitorConfig struct {
	// Channel groups. A channel may appear in at most one group; the group
	// decides which classifier chains apply to its traffic.
	OnlineChannelIDs    []string `json:"online_channel_ids,omitempty"`
	InstoreChannelIDs   []string `json:"instore_channel_ids,omitempty"`
	ClearanceChannelIDs []string `json:"clearance_channel_ids,omitempty"`
	MiscChannelIDs      []string `json:"misc_channel_ids,omitempty"`

	// CategoryIDs monitors every text channel under the listed categories.
	CategoryIDs []string `json:"category_ids,omitempty"`

	// AllDestinationChannels monitors every channel in the destination
	// guild(s); group membership still comes from the lists above.
	AllDestinationChannels bool `json:"all_destination_channels,omitempty"`

	// WebhookMessagesOnly drops messages not authored by a webhook. The
	// relay writes via webhooks, so this gates out regular user chatter.
	WebhookMessagesOnly bool `json:"webhook_messages_only"`
}

// RoutesConfig maps classifier categories to destination channels.
type RoutesConfig struct {
	// Online and Instore route category name -> destination channel ID.
	Online  map[string]string `json:"online,omitempty"`
	Instore map[string]string `json:"instore,omitempty"`

	// Triggers routes global trigger names (PRICE_ERROR, PROFITABLE_FLIP,
	// LUNCHMONEY_FLIP) to their ping channels.
	Triggers map[string]string `json:"triggers,omitempty"`
}

// FilterConfig tunes the live forwarder's dedupe and filtering windows.
// All durations are Go duration strings.
type FilterConfig struct {
	// RecentTTL is the per-channel duplicate window. Default "10s".
	RecentTTL string `json:"recent_ttl,omitempty"`
	// GlobalDupTTL is the cross-channel duplicate window. Default "5m".
	GlobalDupTTL string `json:"global_dup_ttl,omitempty"`
	// LinkTrackTTL bounds how long a seen link suppresses re-forwards.
	// Default "24h".
	LinkTrackTTL string `json:"link_track_ttl,omitempty"`
	// EditCooldown is the minimum spacing between forwarded edits of the
	// same message. Default "30s".
	EditCooldown string `json:"edit_cooldown,omitempty"`
	// MinContentChars drops messages shorter than this after normalization.
	MinContentChars int `json:"min_content_chars,omitempty"`
	// EnableDefaultFallback lets unclassified online messages fall through
	// to the DEFAULT route instead of being dropped.
	EnableDefaultFallback bool `json:"enable_default_fallback,omitempty"`
	// EnableRawLinkUnwrap resolves affiliate wrapper links before
	// classification and rewrites them in forwarded content.
	EnableRawLinkUnwrap bool `json:"enable_raw_link_unwrap,omitempty"`
	// SendRawLinksFollowup posts unwrapped destinations as a follow-up
	// message when they could not be rewritten inline.
	SendRawLinksFollowup bool `json:"send_raw_links_followup,omitempty"`
	// RawLinksFollowupMax caps links per follow-up message. Default 5.
	RawLinksFollowupMax int `json:"raw_links_followup_max,omitempty"`
	// TraceLogPath, when set, appends one JSON line per routing decision.
	TraceLogPath string `json:"trace_log_path,omitempty"`
}

// FetchConfig tunes the fetchall/fetchsync engine.
type FetchConfig struct {
	// DefaultDestCategoryID receives mirror channels when a mapping does
	// not name its own destination category.
	DefaultDestCategoryID string `json:"default_dest_category_id,omitempty"`
	// MaxMessagesPerChannel caps one fetchsync pass per channel. Default 400.
	MaxMessagesPerChannel int `json:"max_messages_per_channel,omitempty"`
	// InitialBackfillLimit is how many of the newest messages a channel
	// gets on its first sync (no cursor yet). Default 20.
	InitialBackfillLimit int `json:"initial_backfill_limit,omitempty"`
	// MinContentChars skips fetched attachment-free messages whose
	// content is shorter than this many runes. Zero mirrors everything.
	MinContentChars int `json:"min_content_chars,omitempty"`
	// AutoPollInterval, when non-zero, runs fetchsync over all mappings on
	// this cadence (Go duration string). "0s" disables the poller.
	AutoPollInterval string `json:"auto_poll_interval,omitempty"`
	// RequestTimeout bounds each REST page request. Default "30s".
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// ForwardConfig tunes webhook delivery out of the forwarder and fetch engine.
type ForwardConfig struct {
	// PreferWebhooks sends through the per-channel webhook map, falling
	// back to the bot session when no webhook is usable.
	PreferWebhooks bool `json:"prefer_webhooks"`
	// MinSendInterval throttles sends per destination channel. Default "1s".
	MinSendInterval string `json:"min_send_interval,omitempty"`
	// DownloadAttachments re-uploads source attachments instead of linking.
	DownloadAttachments bool `json:"download_attachments,omitempty"`
	// MaxAttachmentFiles caps re-uploaded files per message. Default 10.
	MaxAttachmentFiles int `json:"max_attachment_files,omitempty"`
	// MaxAttachmentBytes caps each downloaded file. Default 7864320 (7.5 MiB).
	MaxAttachmentBytes int64 `json:"max_attachment_bytes,omitempty"`
}

// RelayConfig drives the user-token relay process.
type RelayConfig struct {
	// ChannelMap routes source channel ID -> destination webhook URL.
	// Usually loaded from channel_map.json via Paths; entries here win.
	ChannelMap map[string]string `json:"channel_map,omitempty"`
	// DedupeScope is "channel" or "global". Default "channel".
	DedupeScope string `json:"dedupe_scope,omitempty"`
	// DedupeTTL is the content-hash duplicate window. Default "5m".
	DedupeTTL string `json:"dedupe_ttl,omitempty"`
	// PropagateEdits mirrors source edits onto already-relayed messages.
	PropagateEdits bool `json:"propagate_edits,omitempty"`
	// PropagateDeletes removes relayed copies when the source is deleted.
	PropagateDeletes bool `json:"propagate_deletes,omitempty"`
	// LockPath is the single-instance lock file. Default "./.relay.lock".
	LockPath string `json:"lock_path,omitempty"`
	// HeartbeatInterval logs liveness on this cadence. Default "5m".
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
}

// PingConfig drives the standalone ping bot.
type PingConfig struct {
	// ChannelIDs that trigger an @everyone on new messages.
	ChannelIDs []string `json:"channel_ids,omitempty"`
	// Cooldown per channel between pings. Default "60s".
	Cooldown string `json:"cooldown,omitempty"`
	// DedupeTTL suppresses pings for repeated content. Default "10m".
	DedupeTTL string `json:"dedupe_ttl,omitempty"`
}

// StorageConfig controls the optional persistence layer used for dedup keys,
// the relay forward index, and audit records.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./mwbots_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PathsConfig locates the JSON data files shared between processes.
type PathsConfig struct {
	// DataDir is the base directory for the files below when their
	// individual paths are relative or empty. Default ".".
	DataDir string `json:"data_dir,omitempty"`
	// Mappings is the fetch mapping store. Default "fetchall_mappings.json".
	Mappings string `json:"mappings,omitempty"`
	// Keywords is the keyword list. Default "keywords.json".
	Keywords string `json:"keywords,omitempty"`
	// KeywordOverrides maps keywords to extra destination channels.
	// Default "keyword_overrides.json".
	KeywordOverrides string `json:"keyword_overrides,omitempty"`
	// ChannelMap is the webhook map. Default "channel_map.json".
	ChannelMap string `json:"channel_map,omitempty"`
	// TokensEnv is the secrets file. Default "tokens.env".
	TokensEnv string `json:"tokens_env,omitempty"`
}

type LoggingConfig struct {
	Level   string         `json:"level"`
	Console bool           `json:"console"`
	File    LoggingFile    `json:"file"`
	Discord LoggingDiscord `json:"discord"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingDiscord mirrors warnings and errors into an ops channel.
type LoggingDiscord struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}
