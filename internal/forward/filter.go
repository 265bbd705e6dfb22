package forward

import (
	"regexp"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/text"
)

// mentionBlastRe matches messages that are nothing but mention pings.
var mentionBlastRe = regexp.MustCompile(`^(<@[!&]?\d+>|@everyone|@here)+$`)

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp"}

// shouldFilter drops low-signal messages before classification: empty
// shells, pure mention blasts, and content below the configured floor.
func shouldFilter(m *discordgo.Message, minContentChars int) bool {
	content := strings.TrimSpace(m.Content)
	if content == "" && len(m.Embeds) == 0 && len(m.Attachments) == 0 {
		return true
	}
	if content != "" && mentionBlastRe.MatchString(strings.ReplaceAll(content, " ", "")) {
		return true
	}
	if minContentChars > 0 && len(m.Embeds) == 0 && len(m.Attachments) == 0 {
		if len(text.Normalize(content)) < minContentChars {
			return true
		}
	}
	return false
}

func isImageAttachment(a *discordgo.MessageAttachment) bool {
	if a == nil {
		return false
	}
	if strings.HasPrefix(strings.ToLower(a.ContentType), "image/") {
		return true
	}
	name := strings.ToLower(a.Filename)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// appendImageEmbeds renders image attachments as embed images, skipping
// URLs already shown by an existing embed. Ten embeds per message total.
func appendImageEmbeds(embeds []*discordgo.MessageEmbed, atts []*discordgo.MessageAttachment) []*discordgo.MessageEmbed {
	if len(atts) == 0 {
		return embeds
	}
	existing := make(map[string]struct{}, len(embeds))
	for _, e := range embeds {
		if e == nil {
			continue
		}
		if e.Image != nil && e.Image.URL != "" {
			existing[e.Image.URL] = struct{}{}
		}
		if e.Thumbnail != nil && e.Thumbnail.URL != "" {
			existing[e.Thumbnail.URL] = struct{}{}
		}
	}
	slots := 10 - len(embeds)
	for _, a := range atts {
		if slots <= 0 {
			break
		}
		if !isImageAttachment(a) {
			continue
		}
		url := a.URL
		if url == "" {
			url = a.ProxyURL
		}
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		if _, dup := existing[url]; dup {
			continue
		}
		embeds = append(embeds, &discordgo.MessageEmbed{
			Image: &discordgo.MessageEmbedImage{URL: url},
		})
		existing[url] = struct{}{}
		slots--
	}
	return embeds
}

// nonImageAttachmentURLs keeps file access alive without re-upload.
func nonImageAttachmentURLs(atts []*discordgo.MessageAttachment) []string {
	var urls []string
	for _, a := range atts {
		if a == nil || isImageAttachment(a) {
			continue
		}
		if u := strings.TrimSpace(a.URL); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) > 10 {
		urls = urls[:10]
	}
	return urls
}

func attachmentURLs(atts []*discordgo.MessageAttachment) []string {
	var urls []string
	for _, a := range atts {
		if a == nil {
			continue
		}
		u := a.URL
		if u == "" {
			u = a.ProxyURL
		}
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func contentPreview(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
