package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "settings.json", `{"discord":{"destination_guild_ids":["1"]},"nope":true}`)

	m := NewConfigManager(p)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected unknown-field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "settings.json", `{"discord":{"destination_guild_ids":["1"]}}{"again":1}`)

	m := NewConfigManager(p)
	if _, err := m.Parse(); err == nil {
		t.Fatalf("expected trailing-data error")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	p := writeFile(t, dir, "settings.yaml", `
discord:
  destination_guild_ids: ["123"]
  command_prefix: "!"
monitor:
  webhook_messages_only: true
logging:
  level: "INFO"
  console: true
  file:
    enabled: false
    path: ""
  discord:
    enabled: false
    channel_id: ""
    min_level: ""
    rate_per_sec: 0
`)

	m := NewConfigManager(p)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := len(cfg.Discord.DestinationGuildIDs); got != 1 {
		t.Fatalf("destination guilds = %d, want 1", got)
	}
	if !cfg.Monitor.WebhookMessagesOnly {
		t.Fatalf("webhook_messages_only not set")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "zero config ok", mutate: func(cfg *Config) {}},
		{name: "bad duration", mutate: func(cfg *Config) { cfg.Filter.RecentTTL = "soon" }, wantErr: true},
		{name: "negative duration", mutate: func(cfg *Config) { cfg.Ping.Cooldown = "-5s" }, wantErr: true},
		{name: "bad dedupe scope", mutate: func(cfg *Config) { cfg.Relay.DedupeScope = "guild" }, wantErr: true},
		{name: "channel scope ok", mutate: func(cfg *Config) { cfg.Relay.DedupeScope = "channel" }},
		{name: "too many attachment files", mutate: func(cfg *Config) { cfg.Forward.MaxAttachmentFiles = 11 }, wantErr: true},
		{name: "empty route target", mutate: func(cfg *Config) {
			cfg.Routes.Online = map[string]string{"AMAZON": " "}
		}, wantErr: true},
		{name: "unknown storage driver", mutate: func(cfg *Config) {
			cfg.Storage = &StorageConfig{Driver: "redis"}
		}, wantErr: true},
		{name: "sqlite storage ok", mutate: func(cfg *Config) {
			cfg.Storage = &StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "5s"}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tc.mutate(cfg)
			err := Validate(context.Background(), cfg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}

func TestPathsResolve(t *testing.T) {
	t.Parallel()

	p := PathsConfig{DataDir: "/data", Keywords: "kw.json", ChannelMap: "/abs/map.json"}
	r := p.Resolve()
	if r.Mappings != filepath.Join("/data", "fetchall_mappings.json") {
		t.Fatalf("mappings = %q", r.Mappings)
	}
	if r.Keywords != filepath.Join("/data", "kw.json") {
		t.Fatalf("keywords = %q", r.Keywords)
	}
	if r.ChannelMap != "/abs/map.json" {
		t.Fatalf("channel map = %q", r.ChannelMap)
	}
}

func TestLoadTokensFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "tokens.env", "DISCORD_BOT_TOKEN=file-bot\nDISCORD_USER_TOKEN=file-user\n")

	t.Setenv("DISCORD_BOT_TOKEN", "env-bot")
	t.Setenv("DISCORD_USER_TOKEN", "")

	tok, err := LoadTokens(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tok.BotToken != "env-bot" {
		t.Fatalf("bot token = %q, want env override", tok.BotToken)
	}
	if tok.UserToken != "file-user" {
		t.Fatalf("user token = %q, want file value", tok.UserToken)
	}
}

func TestLoadTokensMissingFile(t *testing.T) {
	t.Setenv("DISCORD_BOT_TOKEN", "")
	t.Setenv("DISCORD_USER_TOKEN", "")

	tok, err := LoadTokens(filepath.Join(t.TempDir(), "absent.env"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if tok.BotToken != "" || tok.UserToken != "" {
		t.Fatalf("expected empty tokens, got %+v", tok)
	}
}
