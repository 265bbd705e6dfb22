package relay

import (
	"crypto/md5"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/bwmarrin/discordgo"
)

var urlTokenRe = regexp.MustCompile(`(?i)https?://\S+`)

// ContentHash fingerprints a message for duplicate detection. URLs in
// the body collapse to a placeholder and query strings are stripped
// from embed and attachment URLs so tracking parameters never defeat
// the dedupe.
func ContentHash(m *discordgo.Message) string {
	content := m.Content
	if len(content) > 500 {
		content = content[:500]
	}
	content = urlTokenRe.ReplaceAllString(content, "<url>")

	var embedParts []string
	for _, e := range m.Embeds {
		if e == nil {
			continue
		}
		if e.URL != "" {
			embedParts = append(embedParts, stripQuery(e.URL))
		}
		if e.Title != "" {
			title := e.Title
			if len(title) > 100 {
				title = title[:100]
			}
			embedParts = append(embedParts, title)
		}
	}
	sort.Strings(embedParts)

	var attURLs []string
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		u := a.URL
		if u == "" {
			u = a.ProxyURL
		}
		if u != "" {
			attURLs = append(attURLs, stripQuery(u))
		}
	}
	sort.Strings(attURLs)

	all := content + strings.Join(embedParts, "|") + strings.Join(attURLs, "|")
	sum := md5.Sum([]byte(all))
	return hex.EncodeToString(sum[:])
}

func stripQuery(u string) string {
	if i := strings.IndexByte(u, '?'); i >= 0 {
		return u[:i]
	}
	return u
}
