// Package discord wraps the gateway session and the webhook sending
// path shared by the bots.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// Session is the bot-token gateway session.
type Session struct {
	*discordgo.Session
	log logx.Logger
}

// NewBot builds a gateway session with the intents the forwarders need.
// The caller opens and closes the connection.
func NewBot(token string, log logx.Logger) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("empty bot token")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent |
		discordgo.IntentsGuildWebhooks
	return &Session{Session: s, log: log}, nil
}

// NewUser builds a gateway session authenticated with a user token. The
// relay reads source guilds this way; it never writes through this
// session, only through destination webhooks.
func NewUser(token string, log logx.Logger) (*Session, error) {
	if token == "" {
		return nil, fmt.Errorf("empty user token")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Session{Session: s, log: log}, nil
}

// SendChannelText posts plain text to a channel with mentions disabled.
// It satisfies the logging sink's sender interface.
func (s *Session) SendChannelText(ctx context.Context, channelID, content string) error {
	if channelID == "" || content == "" {
		return nil
	}
	_, err := s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Content:         content,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}, discordgo.WithContext(ctx))
	return err
}

// SendChannelMessage posts a full MessageSend as the bot, keeping the
// caller's allowed-mentions choice.
func (s *Session) SendChannelMessage(ctx context.Context, channelID string, send *discordgo.MessageSend) error {
	if channelID == "" || send == nil {
		return nil
	}
	_, err := s.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	return err
}
