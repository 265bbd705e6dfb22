package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// WebhookAPI executes webhooks addressed by full URL. The relay routes
// through it because channel_map.json stores raw webhook URLs rather
// than channels the bot owns.
type WebhookAPI struct {
	s *discordgo.Session
}

func NewWebhookAPI(s *discordgo.Session) *WebhookAPI {
	return &WebhookAPI{s: s}
}

func (a *WebhookAPI) Execute(ctx context.Context, url string, params *discordgo.WebhookParams, wait bool) (*discordgo.Message, error) {
	id, token, ok := ParseWebhookURL(url)
	if !ok {
		return nil, fmt.Errorf("not a webhook url: %q", url)
	}
	return a.s.WebhookExecute(id, token, wait, params, discordgo.WithContext(ctx))
}

func (a *WebhookAPI) EditMessage(ctx context.Context, url, messageID string, edit *discordgo.WebhookEdit) error {
	id, token, ok := ParseWebhookURL(url)
	if !ok {
		return fmt.Errorf("not a webhook url: %q", url)
	}
	_, err := a.s.WebhookMessageEdit(id, token, messageID, edit, discordgo.WithContext(ctx))
	return err
}

func (a *WebhookAPI) DeleteMessage(ctx context.Context, url, messageID string) error {
	id, token, ok := ParseWebhookURL(url)
	if !ok {
		return fmt.Errorf("not a webhook url: %q", url)
	}
	return a.s.WebhookMessageDelete(id, token, messageID, discordgo.WithContext(ctx))
}
