// The datamanager is the bot-token process: it hosts the live
// forwarder, the fetch engine with its auto-poller, and the prefix and
// slash command surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/commands"
	"github.com/neo-rs/mwbots/internal/config"
	"github.com/neo-rs/mwbots/internal/discord"
	"github.com/neo-rs/mwbots/internal/eventbus"
	"github.com/neo-rs/mwbots/internal/fetch"
	"github.com/neo-rs/mwbots/internal/forward"
	"github.com/neo-rs/mwbots/internal/links"
	"github.com/neo-rs/mwbots/internal/observability/pprof"
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
	rt, err := boot.Load(cfgPath, "datamanager")
	if err != nil {
		return err
	}
	defer rt.Logs.Close()
	cfg := rt.Cfg
	log := rt.Log

	if rt.Tokens.BotToken == "" {
		return fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}

	db, err := storage.Open(storageConfig(cfg), log.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	maps := store.NewMappingStore(rt.Paths.Mappings, log.With(logx.String("comp", "mappings")))
	kws := store.NewKeywordStore(rt.Paths.Keywords, rt.Paths.KeywordOverrides, log.With(logx.String("comp", "keywords")))
	hooks := store.NewWebhookMap(rt.Paths.ChannelMap, log.With(logx.String("comp", "webhooks")))

	session, err := discord.NewBot(rt.Tokens.BotToken, log.With(logx.String("comp", "discord")))
	if err != nil {
		return err
	}

	sender := discord.NewWebhookSender(session, hooks, "Mirror World", cfg.Forward.PreferWebhooks, log.With(logx.String("comp", "sender")))
	resolver := links.NewResolver(log.With(logx.String("comp", "links")))
	bus := eventbus.New()

	fwd := forward.New(sender, session, kws, resolver, cfg, log.With(logx.String("comp", "forward")))
	fwd.SetBus(bus)

	user := fetch.NewUserClient(rt.Tokens.UserToken, log.With(logx.String("comp", "fetch")))
	engine := fetch.NewEngine(session, user, maps, fetchConfig(cfg), log.With(logx.String("comp", "fetch")))
	fetchLog := log.With(logx.String("comp", "fetch"))
	engine.SetProgress(func(p fetch.SyncProgress) {
		fetchLog.Debug("fetchsync progress",
			logx.String("source_guild_id", p.SourceGuildID),
			logx.String("source_channel_id", p.SourceChannelID),
			logx.Int("channel", p.Index),
			logx.Int("channels", p.Total),
			logx.Int("sent", p.Sent),
			logx.Int("would_send", p.WouldSend),
			logx.Int("errors", p.Errors))
	})
	destGuild := ""
	if len(cfg.Discord.DestinationGuildIDs) > 0 {
		destGuild = cfg.Discord.DestinationGuildIDs[0]
	}
	poller := fetch.NewPoller(engine, maps, destGuild, log.With(logx.String("comp", "autopoll")))

	router := commands.NewRouter(engine, maps, kws, sender, cfg, log.With(logx.String("comp", "commands")))
	router.SetResponder(session.SendChannelText)
	router.SetTokenCheck(func() bool { return rt.Tokens.UserToken != "" })
	router.SetPermissionResolver(func(ctx context.Context, userID, channelID string) (int64, error) {
		return session.UserChannelPermissions(userID, channelID)
	})

	sup := supervisor.New(ctx, supervisor.WithLogger(log), supervisor.WithCancelOnError(true))

	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil {
			return
		}
		fwd.HandleMessage(sup.Context(), m.Message)
		router.HandleMessage(sup.Context(), m.Message)
	})
	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageUpdate) {
		if m.Message == nil {
			return
		}
		fwd.HandleEdit(sup.Context(), m.ChannelID, m.ID)
	})
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		router.HandleInteraction(sup.Context(), s, i)
	})

	var readyOnce sync.Once
	session.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		selfID := ""
		if r.User != nil {
			selfID = r.User.ID
		}
		fwd.SetSelfUserID(selfID)
		router.SetSelfUserID(selfID)
		log.Info("gateway ready",
			logx.String("self_id", selfID),
			logx.Int("guilds", len(r.Guilds)))

		readyOnce.Do(func() {
			sup.Go0("boot.register", func(ctx context.Context) {
				if err := router.Register(s, selfID); err != nil {
					log.Error("slash registration failed", logx.Err(err))
				}
				fwd.ValidateRouteMaps(ctx)
				boot.NotifyReady(log)
			})
		})
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	rt.Logs.SetDiscordSender(session)

	if iv, err := config.ParseDurationOrDefault("fetch.auto_poll_interval", cfg.Fetch.AutoPollInterval, 0); err != nil {
		log.Warn("auto_poll_interval invalid; poller disabled", logx.Err(err))
	} else {
		poller.Start(sup.Context(), iv)
	}

	runAuditLoop(sup, bus, db, log)

	if cfg.Debug.PprofAddr != "" {
		dbg := pprof.New(pprof.Config{
			Addr:  cfg.Debug.PprofAddr,
			Token: cfg.Debug.PprofToken,
		}, log.With(logx.String("comp", "pprof")))
		sup.GoRestart("debug.pprof", dbg.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	}

	rt.WatchConfig(sup, func(c *config.Config) {
		fwd.Apply(c)
		router.Apply(c)
		engine.Apply(fetchConfig(c))
		if iv, err := config.ParseDurationOrDefault("fetch.auto_poll_interval", c.Fetch.AutoPollInterval, 0); err == nil {
			poller.Start(sup.Context(), iv)
		}
		bus.Publish(eventbus.Event{Topic: eventbus.TopicConfigReload, Time: time.Now()})
	})

	log.Info("datamanager started",
		logx.Int("destination_guilds", len(cfg.Discord.DestinationGuildIDs)),
		logx.Bool("user_token_loaded", rt.Tokens.UserToken != ""))

	<-sup.Context().Done()
	boot.NotifyStopping(log)

	poller.Stop()
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

// runAuditLoop drains pipeline events into the audit log. Without a
// store it only logs at debug level.
func runAuditLoop(sup *supervisor.Supervisor, bus eventbus.Bus, db storage.Store, log logx.Logger) {
	events, unsub := bus.Subscribe(64)
	sup.Go0("events.audit", func(ctx context.Context) {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				log.Debug("event", logx.String("topic", e.Topic), logx.Any("data", e.Data))
				if db == nil || e.Topic != eventbus.TopicForwarded {
					continue
				}
				meta, _ := json.Marshal(e.Data)
				entry := storage.AuditEntry{
					At:        e.Time,
					Component: "forward",
					Action:    "forwarded",
					OK:        1,
					MetaJSON:  string(meta),
				}
				if cid, ok := e.Data["channel_id"].(string); ok {
					entry.ChannelID = cid
				}
				if mid, ok := e.Data["message_id"].(string); ok {
					entry.Target = mid
				}
				if err := db.AppendAudit(ctx, entry); err != nil {
					log.Warn("audit append failed", logx.Err(err))
				}
			}
		}
	})
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

func fetchConfig(cfg *config.Config) fetch.Config {
	minSend, err := config.ParseDurationOrDefault("forward.min_send_interval", cfg.Forward.MinSendInterval, time.Second)
	if err != nil {
		minSend = time.Second
	}
	return fetch.Config{
		DefaultDestCategoryID: cfg.Fetch.DefaultDestCategoryID,
		MaxMessagesPerChannel: cfg.Fetch.MaxMessagesPerChannel,
		InitialBackfillLimit:  cfg.Fetch.InitialBackfillLimit,
		MinContentChars:       cfg.Fetch.MinContentChars,
		MinSendInterval:       minSend,
	}
}
