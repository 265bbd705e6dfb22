// Package boot carries the startup plumbing shared by the three bot
// binaries: config loading with validation, the logging service, the
// secrets file, and systemd readiness notification.
package boot

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/neo-rs/mwbots/internal/config"
	"github.com/neo-rs/mwbots/internal/runtime/supervisor"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// Runtime is everything a main needs before it can build its services.
type Runtime struct {
	Manager *config.ConfigManager
	Cfg     *config.Config
	Paths   config.ResolvedPaths
	Tokens  config.Tokens
	Logs    *logx.Service
	Log     logx.Logger
}

// Load reads and validates the config, starts the logging service, and
// loads tokens.env. component tags every log line from this process.
func Load(cfgPath, component string) (*Runtime, error) {
	m := config.NewConfigManager(cfgPath)
	m.SetValidator(config.Validate)
	cfg, err := m.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	logs, log := logx.New(LogConfig(cfg.Logging), nil)
	log = log.With(logx.String("comp", component))
	m.SetLogger(log.With(logx.String("comp", "config")))

	paths := cfg.Paths.Resolve()
	tokens, err := config.LoadTokens(paths.TokensEnv)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("load tokens: %w", err)
	}

	return &Runtime{
		Manager: m,
		Cfg:     cfg,
		Paths:   paths,
		Tokens:  tokens,
		Logs:    logs,
		Log:     log,
	}, nil
}

// LogConfig maps the settings file's logging section onto the logx
// service config. Reload paths use the same mapping.
func LogConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File: logx.FileConfig{
			Enabled: c.File.Enabled,
			Path:    c.File.Path,
		},
		Discord: logx.DiscordConfig{
			Enabled:    c.Discord.Enabled,
			ChannelID:  c.Discord.ChannelID,
			MinLevel:   c.Discord.MinLevel,
			RatePerSec: c.Discord.RatePerSec,
		},
	}
}

// WatchConfig starts the file watcher and a reload fan-out under sup.
// Each accepted config is passed to apply after the logging service has
// been updated. Bursts are coalesced to the newest document.
func (r *Runtime) WatchConfig(sup *supervisor.Supervisor, apply func(cfg *config.Config)) {
	sub := r.Manager.Subscribe(8)
	sup.Go0("config.reload", func(ctx context.Context) {
		defer r.Manager.Unsubscribe(sub)
		for {
			var cfg *config.Config
			select {
			case <-ctx.Done():
				return
			case c, ok := <-sub:
				if !ok {
					return
				}
				cfg = c
			}
			// Coalesce: keep only the newest pending document.
			for {
				select {
				case c := <-sub:
					if c != nil {
						cfg = c
					}
					continue
				default:
				}
				break
			}
			if cfg == nil {
				continue
			}
			r.Logs.Apply(LogConfig(cfg.Logging))
			if apply != nil {
				apply(cfg)
			}
			r.Log.Info("config reloaded")
		}
	})
	sup.Go("config.watch", func(ctx context.Context) error {
		return r.Manager.Watch(ctx)
	})
}

// NotifyReady tells systemd the process is serving. A no-op outside a
// Type=notify unit.
func NotifyReady(log logx.Logger) {
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}
}

// NotifyStopping tells systemd shutdown has begun.
func NotifyStopping(log logx.Logger) {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}
