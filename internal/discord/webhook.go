package discord

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/store"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

var webhookURLRe = regexp.MustCompile(`/webhooks/(\d+)/([^/?\s]+)`)

// ParseWebhookURL splits a webhook URL into its id and token.
func ParseWebhookURL(u string) (id, token string, ok bool) {
	m := webhookURLRe.FindStringSubmatch(u)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// SendOptions carries one outbound message. Username and AvatarURL only
// apply on the webhook path; the bot fallback sends as the bot itself.
type SendOptions struct {
	Content         string
	Embeds          []*discordgo.MessageEmbed
	Files           []*discordgo.File
	Username        string
	AvatarURL       string
	AllowedMentions *discordgo.MessageAllowedMentions
}

// Sent identifies a delivered message, with enough webhook context to
// edit or delete it later.
type Sent struct {
	ChannelID    string
	MessageID    string
	ViaWebhook   bool
	WebhookID    string
	WebhookToken string
}

// WebhookSender delivers messages to destination channels, preferring
// stored webhooks and falling back to plain bot sends. A webhook that
// Discord reports as deleted is recreated once per send.
type WebhookSender struct {
	session *Session
	hooks   *store.WebhookMap
	name    string
	prefer  bool
	log     logx.Logger
}

func NewWebhookSender(session *Session, hooks *store.WebhookMap, name string, prefer bool, log logx.Logger) *WebhookSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(name) == "" {
		name = "mwbots"
	}
	return &WebhookSender{session: session, hooks: hooks, name: name, prefer: prefer, log: log}
}

func (w *WebhookSender) webhookURL(channelID string, force bool) (string, error) {
	if !force {
		if url, ok, err := w.hooks.Get(channelID); err != nil {
			return "", err
		} else if ok {
			return url, nil
		}
	}
	wh, err := w.session.WebhookCreate(channelID, w.name, "")
	if err != nil {
		return "", err
	}
	url := "https://discord.com/api/webhooks/" + wh.ID + "/" + wh.Token
	if err := w.hooks.Set(channelID, url); err != nil {
		w.log.Warn("webhook map write failed", logx.String("channel_id", channelID), logx.Err(err))
	}
	return url, nil
}

func isUnknownWebhook(err error) bool {
	var rerr *discordgo.RESTError
	if errors.As(err, &rerr) && rerr.Message != nil {
		return rerr.Message.Code == discordgo.ErrCodeUnknownWebhook
	}
	return err != nil && strings.Contains(err.Error(), "Unknown Webhook")
}

// Send delivers opts to a destination channel and returns the resulting
// message reference.
func (w *WebhookSender) Send(ctx context.Context, channelID string, opts SendOptions) (Sent, error) {
	if opts.AllowedMentions == nil {
		opts.AllowedMentions = &discordgo.MessageAllowedMentions{}
	}
	if len(opts.Embeds) > 10 {
		opts.Embeds = opts.Embeds[:10]
	}
	if len(opts.Username) > 80 {
		opts.Username = opts.Username[:80]
	}

	if w.prefer {
		url, err := w.webhookURL(channelID, false)
		if err != nil {
			w.log.Warn("webhook unavailable, using bot send",
				logx.String("channel_id", channelID), logx.Err(err))
		} else {
			sent, err := w.executeWebhook(ctx, channelID, url, opts)
			if err == nil {
				return sent, nil
			}
			if isUnknownWebhook(err) {
				if ierr := w.hooks.Invalidate(channelID); ierr != nil {
					w.log.Warn("webhook invalidate failed", logx.Err(ierr))
				}
				if url2, cerr := w.webhookURL(channelID, true); cerr == nil {
					if sent, rerr := w.executeWebhook(ctx, channelID, url2, opts); rerr == nil {
						return sent, nil
					}
				}
			}
			w.log.Warn("webhook send failed, using bot send",
				logx.String("channel_id", channelID), logx.Err(err))
		}
	}

	msg, err := w.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         opts.Content,
		Embeds:          opts.Embeds,
		Files:           opts.Files,
		AllowedMentions: opts.AllowedMentions,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return Sent{}, err
	}
	return Sent{ChannelID: channelID, MessageID: msg.ID}, nil
}

func (w *WebhookSender) executeWebhook(ctx context.Context, channelID, url string, opts SendOptions) (Sent, error) {
	id, token, ok := ParseWebhookURL(url)
	if !ok {
		return Sent{}, errors.New("malformed webhook url")
	}
	msg, err := w.session.WebhookExecute(id, token, true, &discordgo.WebhookParams{
		Content:         opts.Content,
		Username:        opts.Username,
		AvatarURL:       opts.AvatarURL,
		Embeds:          opts.Embeds,
		Files:           opts.Files,
		AllowedMentions: opts.AllowedMentions,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return Sent{}, err
	}
	return Sent{
		ChannelID:    channelID,
		MessageID:    msg.ID,
		ViaWebhook:   true,
		WebhookID:    id,
		WebhookToken: token,
	}, nil
}

// Edit updates a previously sent message in place.
func (w *WebhookSender) Edit(ctx context.Context, ref Sent, content string, embeds []*discordgo.MessageEmbed) error {
	if len(embeds) > 10 {
		embeds = embeds[:10]
	}
	if ref.ViaWebhook {
		_, err := w.session.WebhookMessageEdit(ref.WebhookID, ref.WebhookToken, ref.MessageID, &discordgo.WebhookEdit{
			Content:         &content,
			Embeds:          &embeds,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		}, discordgo.WithContext(ctx))
		return err
	}
	_, err := w.session.ChannelMessageEditComplex(&discordgo.MessageEdit{
		Channel:         ref.ChannelID,
		ID:              ref.MessageID,
		Content:         &content,
		Embeds:          &embeds,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	return err
}

// Delete removes a previously sent message.
func (w *WebhookSender) Delete(ctx context.Context, ref Sent) error {
	if ref.ViaWebhook {
		return w.session.WebhookMessageDelete(ref.WebhookID, ref.WebhookToken, ref.MessageID, discordgo.WithContext(ctx))
	}
	return w.session.ChannelMessageDelete(ref.ChannelID, ref.MessageID, discordgo.WithContext(ctx))
}
