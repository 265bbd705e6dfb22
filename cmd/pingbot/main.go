// The pingbot is the smallest process: it watches a fixed set of
// channels and posts @everyone when something new lands, with a
// per-channel cooldown and content dedupe.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/config"
	"github.com/neo-rs/mwbots/internal/discord"
	"github.com/neo-rs/mwbots/internal/ping"
	"github.com/neo-rs/mwbots/internal/runtime/boot"
	"github.com/neo-rs/mwbots/internal/runtime/supervisor"
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
	rt, err := boot.Load(cfgPath, "pingbot")
	if err != nil {
		return err
	}
	defer rt.Logs.Close()
	cfg := rt.Cfg
	log := rt.Log

	if rt.Tokens.BotToken == "" {
		return fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}

	session, err := discord.NewBot(rt.Tokens.BotToken, log.With(logx.String("comp", "discord")))
	if err != nil {
		return err
	}

	svc := ping.New(session, cfg, log.With(logx.String("comp", "ping")))

	sup := supervisor.New(ctx, supervisor.WithLogger(log), supervisor.WithCancelOnError(true))

	session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Message == nil {
			return
		}
		svc.HandleMessage(sup.Context(), m.Message)
	})
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		self := ""
		if r.User != nil {
			self = r.User.ID
		}
		svc.SetSelfUserID(self)
		log.Info("gateway ready",
			logx.String("self_id", self),
			logx.Int("armed_channels", svc.ChannelCount()))
		boot.NotifyReady(log)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	rt.Logs.SetDiscordSender(session)

	rt.WatchConfig(sup, func(c *config.Config) {
		svc.Apply(c)
	})

	log.Info("pingbot started", logx.Int("channels", svc.ChannelCount()))

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
