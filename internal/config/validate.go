package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Validate is installed as the ConfigManager validator so a bad edit to
// settings.json is rejected instead of committed.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	durations := []struct{ path, raw string }{
		{"filter.recent_ttl", cfg.Filter.RecentTTL},
		{"filter.global_dup_ttl", cfg.Filter.GlobalDupTTL},
		{"filter.link_track_ttl", cfg.Filter.LinkTrackTTL},
		{"filter.edit_cooldown", cfg.Filter.EditCooldown},
		{"fetch.auto_poll_interval", cfg.Fetch.AutoPollInterval},
		{"fetch.request_timeout", cfg.Fetch.RequestTimeout},
		{"forward.min_send_interval", cfg.Forward.MinSendInterval},
		{"relay.dedupe_ttl", cfg.Relay.DedupeTTL},
		{"relay.heartbeat_interval", cfg.Relay.HeartbeatInterval},
		{"ping.cooldown", cfg.Ping.Cooldown},
		{"ping.dedupe_ttl", cfg.Ping.DedupeTTL},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	switch s := strings.TrimSpace(cfg.Relay.DedupeScope); s {
	case "", "channel", "global":
	default:
		return fmt.Errorf("relay.dedupe_scope: unknown scope %q", s)
	}

	if n := cfg.Fetch.MaxMessagesPerChannel; n < 0 {
		return fmt.Errorf("fetch.max_messages_per_channel must be >= 0")
	}
	if n := cfg.Forward.MaxAttachmentFiles; n < 0 || n > 10 {
		return fmt.Errorf("forward.max_attachment_files must be in [0,10]")
	}

	for name, id := range cfg.Routes.Online {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("routes.online[%s]: empty channel id", name)
		}
	}
	for name, id := range cfg.Routes.Instore {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("routes.instore[%s]: empty channel id", name)
		}
	}
	for name, id := range cfg.Routes.Triggers {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("routes.triggers[%s]: empty channel id", name)
		}
	}

	if cfg.Storage != nil {
		switch d := strings.TrimSpace(cfg.Storage.Driver); d {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", d)
		}
		if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
			return err
		}
	}

	return nil
}

// Prefix returns the legacy command prefix, defaulting to "!".
func (d DiscordConfig) Prefix() string {
	if p := strings.TrimSpace(d.CommandPrefix); p != "" {
		return p
	}
	return "!"
}

// ResolvedPaths are the data file locations with DataDir applied.
type ResolvedPaths struct {
	Mappings         string
	Keywords         string
	KeywordOverrides string
	ChannelMap       string
	TokensEnv        string
}

// Resolve applies DataDir and the default file names.
func (p PathsConfig) Resolve() ResolvedPaths {
	dir := strings.TrimSpace(p.DataDir)
	if dir == "" {
		dir = "."
	}
	pick := func(v, def string) string {
		v = strings.TrimSpace(v)
		if v == "" {
			v = def
		}
		if filepath.IsAbs(v) {
			return v
		}
		return filepath.Join(dir, v)
	}
	return ResolvedPaths{
		Mappings:         pick(p.Mappings, "fetchall_mappings.json"),
		Keywords:         pick(p.Keywords, "keywords.json"),
		KeywordOverrides: pick(p.KeywordOverrides, "keyword_overrides.json"),
		ChannelMap:       pick(p.ChannelMap, "channel_map.json"),
		TokensEnv:        pick(p.TokensEnv, "tokens.env"),
	}
}
