package relay

import (
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"
)

var (
	roleMentionRe    = regexp.MustCompile(`<@&(\d+)>`)
	channelMentionRe = regexp.MustCompile(`<#(\d+)>`)
	userMentionRe    = regexp.MustCompile(`<@!?(\d+)>`)
)

// Sanitizer rewrites mention tokens into plain text. Source-guild role
// and channel IDs mean nothing in the destination guild; left intact
// they render as @unknown-role and can still ping.
type Sanitizer struct {
	// RoleName and ChannelName resolve display names from the source
	// guild. Either may be nil; the fallback keeps the last ID digits.
	RoleName    func(guildID, roleID string) string
	ChannelName func(channelID string) string
}

// Text neutralizes mass pings and rewrites mentions as readable text.
func (s *Sanitizer) Text(t, guildID string) string {
	if t == "" {
		return t
	}
	// Zero-width space keeps the text readable but never pings.
	t = strings.ReplaceAll(t, "@everyone", "@​everyone")
	t = strings.ReplaceAll(t, "@here", "@​here")

	t = roleMentionRe.ReplaceAllStringFunc(t, func(tok string) string {
		id := roleMentionRe.FindStringSubmatch(tok)[1]
		if s != nil && s.RoleName != nil {
			if name := s.RoleName(guildID, id); name != "" {
				return "@" + name
			}
		}
		return "@role-" + lastN(id, 6)
	})
	t = channelMentionRe.ReplaceAllStringFunc(t, func(tok string) string {
		id := channelMentionRe.FindStringSubmatch(tok)[1]
		if s != nil && s.ChannelName != nil {
			if name := s.ChannelName(id); name != "" {
				return "#" + name
			}
		}
		return "#channel-" + lastN(id, 6)
	})
	t = userMentionRe.ReplaceAllStringFunc(t, func(tok string) string {
		id := userMentionRe.FindStringSubmatch(tok)[1]
		return "@user-" + lastN(id, 6)
	})
	return t
}

// Embeds sanitizes every text field of each embed in place.
func (s *Sanitizer) Embeds(embeds []*discordgo.MessageEmbed, guildID string) {
	for _, e := range embeds {
		if e == nil {
			continue
		}
		e.Title = s.Text(e.Title, guildID)
		e.Description = s.Text(e.Description, guildID)
		if e.Footer != nil {
			e.Footer.Text = s.Text(e.Footer.Text, guildID)
		}
		if e.Author != nil {
			e.Author.Name = s.Text(e.Author.Name, guildID)
		}
		for _, f := range e.Fields {
			if f == nil {
				continue
			}
			f.Name = s.Text(f.Name, guildID)
			f.Value = s.Text(f.Value, guildID)
		}
	}
}

func lastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
