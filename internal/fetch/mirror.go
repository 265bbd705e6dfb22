package fetch

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Mirror channels carry their source in the topic so re-runs find them
// without any extra state.
const mirrorTopicPrefix = "MIRROR:"

// Discord caps channels per category.
const categoryChannelLimit = 50

var (
	slugInvalidRe  = regexp.MustCompile(`[^a-z0-9-]+`)
	slugCollapseRe = regexp.MustCompile(`-{2,}`)
)

// SlugifyChannelName turns an arbitrary channel name into a valid
// Discord channel slug, at most 90 characters.
func SlugifyChannelName(name, fallbackPrefix string) string {
	slug := slugInvalidRe.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slugCollapseRe.ReplaceAllString(slug, "-"), "-")
	if slug == "" {
		slug = fmt.Sprintf("%s-%d", fallbackPrefix, time.Now().Unix())
	}
	if len(slug) > 90 {
		slug = slug[:90]
	}
	return slug
}

// BuildMirrorTopic encodes the source location of a mirror channel.
func BuildMirrorTopic(sourceGuildID, sourceChannelID string) string {
	return mirrorTopicPrefix + sourceGuildID + ":" + sourceChannelID
}

// ParseMirrorTopic decodes a mirror topic, tolerating the descriptive
// suffix appended after " | ".
func ParseMirrorTopic(topic string) (sourceGuildID, sourceChannelID string, ok bool) {
	if !strings.HasPrefix(topic, mirrorTopicPrefix) {
		return "", "", false
	}
	payload := strings.TrimPrefix(topic, mirrorTopicPrefix)
	if i := strings.Index(payload, " "); i >= 0 {
		payload = payload[:i]
	}
	parts := strings.Split(payload, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// SeparatorChannelName names the per-guild divider channel.
func SeparatorChannelName(guildName string) string {
	display := SlugifyChannelName(guildName, "guild")
	name := "📅---" + display + "---"
	if len(name) > 90 {
		name = name[:90]
	}
	return name
}

func separatorTopic(guildName, guildID string) string {
	return "separator for " + guildName + " (" + guildID + ")"
}

func isSeparatorFor(topic, sourceGuildID string) bool {
	return strings.HasPrefix(topic, "separator for") && strings.Contains(topic, sourceGuildID)
}

// OverflowCategoryName names the Nth spill-over category for a base.
func OverflowCategoryName(baseName string, idx int) string {
	bn := strings.TrimSpace(baseName)
	if bn == "" {
		bn = "mirror"
	}
	name := fmt.Sprintf("%s-overflow-%d", bn, idx)
	if len(name) > 90 {
		name = name[:90]
	}
	return name
}

func overflowIndex(baseName, categoryName string) (int, bool) {
	prefix := baseName + "-overflow-"
	if !strings.HasPrefix(categoryName, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(categoryName, prefix))
	if err != nil {
		return 0, false
	}
	return n, true
}

// SourceChannel is a mirrorable source channel.
type SourceChannel struct {
	ID   string
	Name string
}

// SelectSourceTextChannels filters a raw channel list down to the text
// and announcement channels inside the allowed categories, skipping
// ignored channels. An empty category allow-list selects every text
// channel in the guild; the list narrows, it never gates.
func SelectSourceTextChannels(channels []APIChannel, sourceCategoryIDs, ignoredChannelIDs []string) []SourceChannel {
	allow := map[string]struct{}{}
	for _, id := range sourceCategoryIDs {
		if id = strings.TrimSpace(id); id != "" {
			allow[id] = struct{}{}
		}
	}
	ignored := map[string]struct{}{}
	for _, id := range ignoredChannelIDs {
		if id = strings.TrimSpace(id); id != "" {
			ignored[id] = struct{}{}
		}
	}

	var out []SourceChannel
	for _, ch := range channels {
		if ch.ID == "" {
			continue
		}
		if _, skip := ignored[ch.ID]; skip {
			continue
		}
		if ch.Type != channelTypeText && ch.Type != channelTypeAnnouncement {
			continue
		}
		if len(allow) > 0 {
			if _, ok := allow[ch.ParentID]; !ok {
				continue
			}
		}
		name := ch.Name
		if name == "" {
			name = "channel_" + ch.ID
		}
		out = append(out, SourceChannel{ID: ch.ID, Name: name})
	}
	return out
}

// SummarizeChannels builds a debug view of a raw channel list: type
// counts plus a preview of categories. No names of private data leak
// beyond what the caller already fetched.
func SummarizeChannels(channels []APIChannel) map[string]any {
	typeCounts := map[int]int{}
	var categories []APIChannel
	for _, ch := range channels {
		typeCounts[ch.Type]++
		if ch.Type == channelTypeCategory {
			categories = append(categories, ch)
		}
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i].ID < categories[j].ID })
	if len(categories) > 12 {
		categories = categories[:12]
	}
	preview := make([]string, 0, len(categories))
	for _, c := range categories {
		preview = append(preview, c.ID+":"+c.Name)
	}
	return map[string]any{
		"total":              len(channels),
		"type_counts":        typeCounts,
		"categories_preview": preview,
	}
}

// JumpURL builds a message-less Discord jump link.
func JumpURL(guildID, channelID string) string {
	if guildID == "" || channelID == "" {
		return ""
	}
	return "https://discord.com/channels/" + guildID + "/" + channelID
}
