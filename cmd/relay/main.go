// The relay is the user-token process: it reads source guilds over the
// gateway and mirrors messages into destination webhooks, with edit and
// delete propagation. A file lock keeps it single-instance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/config"
	"github.com/neo-rs/mwbots/internal/discord"
	"github.com/neo-rs/mwbots/internal/relay"
	"github.com/neo-rs/mwbots/internal/runtime/boot"
	"github.com/neo-rs/mwbots/internal/runtime/supervisor"
	"github.com/neo-rs/mwbots/internal/storage"
	"github.com/neo-rs/mwbots/internal/store"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./settings.json", "path to settings file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	rt, err := boot.Load(cfgPath, "relay")
	if err != nil {
		return err
	}
	defer rt.Logs.Close()
	cfg := rt.Cfg
	log := rt.Log

	if rt.Tokens.UserToken == "" {
		return fmt.Errorf("DISCORD_USER_TOKEN is required")
	}

	lockPath := strings.TrimSpace(cfg.Relay.LockPath)
	if lockPath == "" {
		lockPath = "./.relay.lock"
	}
	lock, err := relay.AcquireLock(lockPath, log)
	if err != nil {
		return err
	}
	defer lock.Release()

	db, err := storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	hooks := store.NewWebhookMap(rt.Paths.ChannelMap, log.With(logx.String("comp", "webhooks")))

	session, err := discord.NewUser(rt.Tokens.UserToken, log.With(logx.String("comp", "discord")))
	if err != nil {
		return err
	}

	sanitize := &relay.Sanitizer{
		RoleName: func(guildID, roleID string) string {
			if r, err := session.State.Role(guildID, roleID); err == nil && r != nil {
				return r.Name
			}
			return ""
		},
		ChannelName: func(channelID string) string {
			if c, err := session.State.Channel(channelID); err == nil && c != nil {
				return c.Name
			}
			return ""
		},
	}

	svc := relay.NewService(hooks, discord.NewWebhookAPI(session.Session), db, sanitize, cfg, log.With(logx.String("comp", "relay")))
	svc.SetGuildInfoResolver(func(ctx context.Context, guildID string) relay.GuildInfo {
		g, err := session.State.Guild(guildID)
		if err != nil || g == nil {
			g, err = session.Guild(guildID, discordgo.WithContext(ctx))
			if err != nil || g == nil {
				return relay.GuildInfo{}
			}
		}
		return relay.GuildInfo{Name: g.Name, IconURL: g.IconURL("128")}
	})
	svc.SetMessageFetcher(func(ctx context.Context, channelID, messageID string) (*discordgo.Message, error) {
		return session.ChannelMessage(channelID, messageID, discordgo.WithContext(ctx))
	})

	sup := supervisor.New(ctx, supervisor.WithLogger(log), supervisor.WithCancelOnError(true))

	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil {
			return
		}
		svc.HandleCreate(sup.Context(), m.Message)
	})
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
		if m.Message == nil {
			return
		}
		svc.HandleUpdate(sup.Context(), m.Message)
	})
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) {
		svc.HandleDelete(sup.Context(), m.ChannelID, m.ID)
	})
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		self := ""
		if r.User != nil {
			self = r.User.ID
		}
		log.Info("gateway ready", logx.String("self_id", self), logx.Int("guilds", len(r.Guilds)))
		boot.NotifyReady(log)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}

	sup.Go("relay.heartbeat", func(ctx context.Context) error {
		return svc.Run(ctx)
	})

	rt.WatchConfig(sup, func(c *config.Config) {
		svc.Apply(c)
	})

	log.Info("relay started", logx.String("lock", lockPath))

	<-sup.Context().Done()
	boot.NotifyStopping(log)

	if err := session.Close(); err != nil {
		log.Warn("gateway close failed", logx.Err(err))
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sup.Wait(stopCtx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("stopped")
	return nil
}

func storageConfig(cfg *config.Config) storage.Config {
	if cfg.Storage == nil {
		return storage.Config{}
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		busy = 0
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
}
