package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"

	logx "github.com/neo-rs/mwbots/pkg/logx"
)

const (
	apiBase        = "https://discord.com/api/v10"
	maxAPIRetries  = 5
	requestTimeout = 25 * time.Second
	pageLimitMax   = 50
)

var (
	// ErrUnauthorized covers 401 and 403: the token has no access.
	ErrUnauthorized = errors.New("forbidden or unauthorized")
	// ErrNotFound covers 404: the channel or guild is gone.
	ErrNotFound = errors.New("not found")
)

// Discord channel types the fetch pipeline cares about.
const (
	channelTypeText         = 0
	channelTypeCategory     = 4
	channelTypeAnnouncement = 5
)

// APIChannel is the subset of the raw channel object the engine reads.
type APIChannel struct {
	ID       string `json:"id"`
	Type     int    `json:"type"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
	Topic    string `json:"topic"`
}

type APIAttachment struct {
	URL      string `json:"url"`
	ProxyURL string `json:"proxy_url"`
	Filename string `json:"filename"`
}

// APIMessage is a raw message as returned by the REST API, newest
// first within a page.
type APIMessage struct {
	ID          string                    `json:"id"`
	Content     string                    `json:"content"`
	Timestamp   string                    `json:"timestamp"`
	Attachments []APIAttachment           `json:"attachments"`
	Embeds      []*discordgo.MessageEmbed `json:"embeds"`
}

// UserClient reads source guilds over plain REST with a user token.
// It only ever issues GETs; all writing happens bot-side.
type UserClient struct {
	token   string
	client  *http.Client
	baseURL string
	log     logx.Logger
}

func NewUserClient(token string, log logx.Logger) *UserClient {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &UserClient{
		token:   token,
		client:  &http.Client{Timeout: requestTimeout},
		baseURL: apiBase,
		log:     log,
	}
}

// SetBaseURL overrides the API endpoint, for tests.
func (c *UserClient) SetBaseURL(base string) { c.baseURL = base }

// getJSON GETs a Discord API path with rate-limit handling: 429 waits
// out retry_after, 5xx retries with backoff, 4xx is terminal.
func (c *UserClient) getJSON(ctx context.Context, path string, params url.Values, out any) (int, error) {
	if c.token == "" {
		return 0, ErrUnauthorized
	}
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	for attempt := 1; attempt <= maxAPIRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return 0, err
		}
		req.Header.Set("Authorization", c.token)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				return 0, err
			}
			continue
		}
		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := time.Second
			var rl struct {
				RetryAfter float64 `json:"retry_after"`
			}
			if json.Unmarshal(body, &rl) == nil && rl.RetryAfter > 0 {
				wait = time.Duration(rl.RetryAfter * float64(time.Second))
			}
			if wait < 500*time.Millisecond {
				wait = 500 * time.Millisecond
			}
			if wait > 10*time.Second {
				wait = 10 * time.Second
			}
			c.log.Debug("rate limited", logx.String("path", path), logx.Duration("wait", wait))
			if err := sleepCtx(ctx, wait); err != nil {
				return resp.StatusCode, err
			}
			continue
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				return resp.StatusCode, readErr
			}
			if out != nil {
				if err := json.Unmarshal(body, out); err != nil {
					return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
				}
			}
			return resp.StatusCode, nil
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return resp.StatusCode, ErrUnauthorized
		case resp.StatusCode == http.StatusNotFound:
			return resp.StatusCode, ErrNotFound
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return resp.StatusCode, fmt.Errorf("http %d on %s", resp.StatusCode, path)
		default:
			if err := sleepCtx(ctx, backoff(attempt)); err != nil {
				return resp.StatusCode, err
			}
		}
	}
	return 0, fmt.Errorf("giving up on %s after %d attempts", path, maxAPIRetries)
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * 500 * time.Millisecond
	if d > 6*time.Second {
		d = 6 * time.Second
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GuildChannels lists every channel in a source guild.
func (c *UserClient) GuildChannels(ctx context.Context, guildID string) ([]APIChannel, error) {
	var channels []APIChannel
	_, err := c.getJSON(ctx, "/guilds/"+guildID+"/channels", nil, &channels)
	if err != nil {
		return nil, err
	}
	return channels, nil
}

// ChannelMessagesPage fetches one page of messages, newest first.
// after narrows to messages after that id; limit is capped at 50.
func (c *UserClient) ChannelMessagesPage(ctx context.Context, channelID string, limit int, after string) ([]APIMessage, error) {
	if limit <= 0 || limit > pageLimitMax {
		limit = pageLimitMax
	}
	params := url.Values{"limit": {strconv.Itoa(limit)}}
	if after != "" {
		params.Set("after", after)
	}
	var msgs []APIMessage
	_, err := c.getJSON(ctx, "/channels/"+channelID+"/messages", params, &msgs)
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
