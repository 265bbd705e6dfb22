// Package text holds the message normalization helpers shared by the
// forwarder, the fetch engine, and the relay. Signatures produced here must
// be stable across processes: both the data manager and the relay dedupe on
// them.
package text

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

var (
	customEmojiRe  = regexp.MustCompile(`<a?:[^:]+:\d+>`)
	unicodeEmojiRe = regexp.MustCompile(`[\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F1E0}-\x{1F1FF}\x{2702}-\x{27B0}\x{24C2}-\x{1F251}]+`)
	spacesRe       = regexp.MustCompile(`\s+`)
	urlRe          = regexp.MustCompile(`(?i)https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)
)

// Normalize lowercases, strips emoji, and collapses whitespace. Keyword
// scanning and signature generation both run on normalized text.
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	out := strings.ToLower(s)
	out = customEmojiRe.ReplaceAllString(out, "")
	out = unicodeEmojiRe.ReplaceAllString(out, "")
	out = spacesRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// NormalizeURL strips query and fragment and lowercases for dedupe.
func NormalizeURL(u string) string {
	if u == "" {
		return ""
	}
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	if i := strings.IndexByte(u, '#'); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimRight(u, "/")
	return strings.ToLower(u)
}

// ExtractURLs returns all normalized http(s) URLs found in text.
func ExtractURLs(s string) []string {
	raw := urlRe.FindAllString(s, -1)
	out := make([]string, 0, len(raw))
	for _, u := range raw {
		out = append(out, NormalizeURL(u))
	}
	return out
}

// CollectEmbedStrings flattens the textual embed fields for pattern checks.
func CollectEmbedStrings(embeds []*discordgo.MessageEmbed) []string {
	if len(embeds) == 0 {
		return nil
	}
	var out []string
	add := func(s string) {
		if s != "" {
			out = append(out, s)
		}
	}
	for _, e := range embeds {
		if e == nil {
			continue
		}
		add(e.Title)
		add(e.Description)
		add(e.URL)
		if e.Author != nil {
			add(e.Author.Name)
			add(e.Author.URL)
		}
		if e.Footer != nil {
			add(e.Footer.Text)
		}
		for _, f := range e.Fields {
			if f == nil {
				continue
			}
			add(f.Name)
			add(f.Value)
		}
	}
	return out
}

// Chunk splits text into Discord-safe message chunks.
func Chunk(s string, limit int) []string {
	if s == "" {
		return []string{""}
	}
	if limit <= 0 {
		limit = 2000
	}
	if len(s) <= limit {
		return []string{s}
	}
	var chunks []string
	for len(s) > 0 {
		n := limit
		if n > len(s) {
			n = len(s)
		}
		// Never split inside a multi-byte rune; Discord rejects
		// payloads that are not valid UTF-8.
		for n < len(s) && n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		if n == 0 {
			n = limit
			if n > len(s) {
				n = len(s)
			}
		}
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	return chunks
}

// TrimEmbedsForForwarding reduces embeds to the fields worth mirroring.
// Canonical so fetch and live forwarding render embeds the same way.
// At most 10 embeds survive (Discord's per-message cap).
func TrimEmbedsForForwarding(embeds []*discordgo.MessageEmbed) []*discordgo.MessageEmbed {
	out := make([]*discordgo.MessageEmbed, 0, len(embeds))
	for _, e := range embeds {
		if e == nil {
			continue
		}
		trimmed := &discordgo.MessageEmbed{
			Title: e.Title,
			URL:   e.URL,
		}
		if e.Description != "" || len(e.Fields) > 0 {
			trimmed.Description = e.Description
			if trimmed.Description == "" {
				trimmed.Description = "​"
			}
			for _, f := range e.Fields {
				if f == nil || f.Value == "" {
					continue
				}
				name := f.Name
				if name == "" {
					name = "​"
				}
				trimmed.Fields = append(trimmed.Fields, &discordgo.MessageEmbedField{
					Name:   name,
					Value:  f.Value,
					Inline: f.Inline,
				})
			}
		}
		if e.Image != nil && e.Image.URL != "" {
			trimmed.Image = &discordgo.MessageEmbedImage{URL: e.Image.URL}
		}
		if e.Thumbnail != nil && e.Thumbnail.URL != "" {
			trimmed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.Thumbnail.URL}
		}
		if e.Author != nil && e.Author.Name != "" {
			trimmed.Author = &discordgo.MessageEmbedAuthor{Name: e.Author.Name, URL: e.Author.URL}
		}
		if e.Footer != nil && e.Footer.Text != "" {
			trimmed.Footer = &discordgo.MessageEmbedFooter{Text: e.Footer.Text}
		}
		if trimmed.Title == "" && trimmed.URL == "" && trimmed.Description == "" &&
			trimmed.Image == nil && trimmed.Thumbnail == nil && trimmed.Author == nil && trimmed.Footer == nil {
			continue
		}
		out = append(out, trimmed)
		if len(out) == 10 {
			break
		}
	}
	return out
}

// ScanKeywords returns the monitored keywords found in s by case-insensitive
// substring match, preserving the spelling from the keyword list.
func ScanKeywords(s string, keywords []string) []string {
	if len(keywords) == 0 {
		return nil
	}
	lower := strings.ToLower(s)
	var matched []string
	for _, kw := range keywords {
		k := strings.TrimSpace(kw)
		if k == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(k)) {
			matched = append(matched, k)
		}
	}
	return matched
}

// Signature yields a stable MD5 over normalized content, embed strings, and
// attachment URLs. Embed strings and attachment URLs are sorted so field
// order never changes the signature.
func Signature(content string, embeds []*discordgo.MessageEmbed, attachments []*discordgo.MessageAttachment) string {
	components := []string{Normalize(content)}

	var embedStrs []string
	for _, s := range CollectEmbedStrings(embeds) {
		if n := Normalize(s); n != "" {
			embedStrs = append(embedStrs, n)
		}
	}
	sort.Strings(embedStrs)
	components = append(components, embedStrs...)

	var attURLs []string
	for _, a := range attachments {
		if a == nil {
			continue
		}
		u := a.URL
		if u == "" {
			u = a.ProxyURL
		}
		if u != "" {
			attURLs = append(attURLs, NormalizeURL(u))
		}
	}
	sort.Strings(attURLs)
	components = append(components, attURLs...)

	src := strings.TrimSpace(strings.Join(components, "||"))
	sum := md5.Sum([]byte(src))
	return hex.EncodeToString(sum[:])
}
