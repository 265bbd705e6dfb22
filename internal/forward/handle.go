package forward

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/classify"
	"github.com/neo-rs/mwbots/internal/discord"
	"github.com/neo-rs/mwbots/internal/eventbus"
	"github.com/neo-rs/mwbots/internal/links"
	"github.com/neo-rs/mwbots/internal/text"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// HandleMessage runs one message through the full pipeline: gates,
// dedupe, link unwrapping, classification, and dispatch.
func (s *Service) HandleMessage(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.ID == "" || m.ChannelID == "" {
		return
	}
	cfg, classifier, tw, selfID := s.snapshot()

	if len(cfg.destGuilds) > 0 {
		if _, ok := cfg.destGuilds[m.GuildID]; !ok {
			return
		}
	}
	if !cfg.monitoredChannel(m.ChannelID, s.parentOf(m.ChannelID)) {
		return
	}
	if cfg.webhookOnly && m.WebhookID == "" {
		return
	}
	if selfID != "" && m.Author != nil && m.Author.ID == selfID {
		return
	}
	if !s.markProcessed(m.ID) {
		return
	}

	content := strings.TrimSpace(m.Content)
	trace := map[string]any{
		"message_id":       m.ID,
		"channel_id":       m.ChannelID,
		"guild_id":         m.GuildID,
		"webhook_id":       m.WebhookID,
		"content_len":      len(content),
		"content_preview":  contentPreview(content, 160),
		"embed_count":      len(m.Embeds),
		"attachment_count": len(m.Attachments),
	}
	if m.Author != nil {
		trace["author"] = map[string]any{"id": m.Author.ID, "username": m.Author.Username}
	}
	skip := func(reason string, extra map[string]any) {
		decision := map[string]any{"action": "skip", "reason": reason}
		for k, v := range extra {
			decision[k] = v
		}
		trace["decision"] = decision
		tw.Write(trace)
		s.publish(eventbus.TopicForwardSkip, map[string]any{
			"message_id": m.ID,
			"channel_id": m.ChannelID,
			"reason":     reason,
		})
	}

	if shouldFilter(m, cfg.minContent) {
		skip("filter", nil)
		return
	}

	sig := text.Signature(m.Content, m.Embeds, m.Attachments)
	if age, dup := s.recentDuplicate(m.ChannelID+":"+sig, cfg.recentTTL); dup {
		skip("per_channel_duplicate", map[string]any{"age": age.String()})
		return
	}

	// Classification sees content plus embed text. Attachment CDN URLs
	// stay out of the blob; they only add false matches.
	textToCheck := strings.TrimSpace(content + " " + strings.Join(text.CollectEmbedStrings(m.Embeds), " "))
	originalText := textToCheck

	var rawLinks []string
	if cfg.rawUnwrap && s.resolver != nil {
		hidden := links.ExtractHiddenLinks(textToCheck)
		var dmflip, ring, redirected []string
		textToCheck, dmflip = s.resolver.AugmentDMFlip(ctx, textToCheck)
		textToCheck, ring = s.resolver.AugmentRingInTheDeals(ctx, textToCheck)
		textToCheck, redirected = s.resolver.AugmentRedirectAffiliates(ctx, textToCheck)

		seen := map[string]struct{}{}
		for _, group := range [][]string{hidden, dmflip, ring, redirected} {
			for _, u := range group {
				if u == "" {
					continue
				}
				if _, dup := seen[u]; dup {
					continue
				}
				seen[u] = struct{}{}
				// Links already visible in the message are not "raw".
				if strings.Contains(originalText, u) {
					continue
				}
				rawLinks = append(rawLinks, u)
			}
		}
		if len(rawLinks) > 0 {
			textToCheck = strings.TrimSpace(textToCheck + " " + strings.Join(rawLinks, " "))
		}
	}

	if fanout := s.trackLinks(text.ExtractURLs(textToCheck), m.ChannelID, cfg.linkTTL); fanout > 1 {
		trace["link_channel_fanout"] = fanout
	}

	if age, dup := s.globalDuplicate(sig, cfg.globalTTL); dup {
		skip("global_duplicate", map[string]any{"age": age.String()})
		return
	}

	var keywordList []string
	if s.keywords != nil {
		keywordList, _ = s.keywords.Load(false)
	}
	in := classify.Input{
		Text:            textToCheck,
		AttachmentURLs:  attachmentURLs(m.Attachments),
		Keywords:        keywordList,
		SourceChannelID: m.ChannelID,
	}
	ctrace := classify.Trace(trace)

	targets := classifier.DetectAll(in, ctrace)
	targets = append(targets, classifier.GlobalTriggers(in)...)

	var ordered []classify.Target
	stopAfterFirst := false
	if len(targets) > 0 {
		seen := map[classify.Target]struct{}{}
		deduped := targets[:0]
		for _, t := range targets {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			deduped = append(deduped, t)
		}
		ordered, stopAfterFirst = classify.Order(deduped)
	}
	if len(ordered) == 0 {
		if t, ok := classifier.SelectTarget(in, ctrace); ok {
			ordered = []classify.Target{t}
		}
	}
	if len(ordered) == 0 {
		skip("no_destination", nil)
		return
	}
	ordered = s.applyKeywordOverrides(ordered, textToCheck, trace)

	formatted := content
	replaced := false
	if cfg.rawUnwrap && s.resolver != nil {
		formatted, _, replaced = s.resolver.RewriteAffiliateLinks(ctx, formatted, rawLinks)
	}
	embedsOut := text.TrimEmbedsForForwarding(m.Embeds)
	embedsOut = appendImageEmbeds(embedsOut, m.Attachments)
	if fileURLs := nonImageAttachmentURLs(m.Attachments); len(fileURLs) > 0 {
		formatted = strings.TrimSpace(formatted + "\n\n" + strings.Join(fileURLs, "\n"))
	}

	tags := make([]string, 0, len(ordered))
	for _, t := range ordered {
		tags = append(tags, t.Tag)
	}
	trace["dispatch_tags"] = tags
	trace["stop_after_first"] = stopAfterFirst
	trace["raw_links_count"] = len(rawLinks)
	trace["raw_link_replaced_in_content"] = replaced

	forwarded := 0
	var destTraces []map[string]any
	for _, t := range ordered {
		dt := map[string]any{"tag": t.Tag, "dest": t.ChannelID}
		destTraces = append(destTraces, dt)
		if t.ChannelID == "" {
			dt["decision"] = map[string]any{"action": "skip", "reason": "invalid_destination"}
			continue
		}

		sigKey := t.ChannelID + "|sig-" + sig
		if age, dup := s.destHit(sigKey, cfg.globalTTL); dup {
			dt["decision"] = map[string]any{"action": "skip", "reason": "dest_signature_duplicate", "age": age.String()}
			continue
		}
		tagKey := t.ChannelID + "|live-" + m.ID + "-" + t.Tag
		if age, dup := s.destHit(tagKey, cfg.recentTTL); dup {
			dt["decision"] = map[string]any{"action": "skip", "reason": "dest_message_tag_throttle", "age": age.String()}
			continue
		}

		if err := s.sendToDestination(ctx, t.ChannelID, formatted, embedsOut, cfg.minSend); err != nil {
			dt["decision"] = map[string]any{"action": "error", "error": err.Error()}
			s.log.Error("forward failed",
				logx.String("message_id", m.ID),
				logx.String("dest", t.ChannelID),
				logx.String("tag", t.Tag),
				logx.Err(err))
			continue
		}
		s.markDest(sigKey, tagKey)
		forwarded++
		dt["decision"] = map[string]any{"action": "sent"}
		s.log.Info("forwarded",
			logx.String("message_id", m.ID),
			logx.String("from", m.ChannelID),
			logx.String("to", t.ChannelID),
			logx.String("tag", t.Tag))

		if cfg.sendFollowups && len(rawLinks) > 0 && !replaced {
			s.sendRawLinksFollowup(ctx, t.ChannelID, rawLinks, formatted, cfg)
		}
		if stopAfterFirst {
			break
		}
	}

	if forwarded == 0 {
		s.log.Warn("all destinations blocked or failed", logx.String("message_id", m.ID))
	}
	trace["forwarded_count"] = forwarded
	trace["destinations"] = destTraces
	if _, ok := trace["decision"]; !ok {
		trace["decision"] = map[string]any{"action": "processed"}
	}
	tw.Write(trace)
	if forwarded > 0 {
		s.publish(eventbus.TopicForwarded, map[string]any{
			"message_id":   m.ID,
			"channel_id":   m.ChannelID,
			"destinations": forwarded,
		})
	}
}

// applyKeywordOverrides reroutes MONITORED_KEYWORD hits whose keyword
// carries a per-keyword destination override.
func (s *Service) applyKeywordOverrides(targets []classify.Target, textToCheck string, trace map[string]any) []classify.Target {
	if s.keywords == nil {
		return targets
	}
	needs := false
	for _, t := range targets {
		if t.Tag == classify.TagMonitoredKeyword {
			needs = true
			break
		}
	}
	if !needs {
		return targets
	}
	overrides, err := s.keywords.Overrides(false)
	if err != nil || len(overrides) == 0 {
		return targets
	}
	matched, err := s.keywords.Scan(textToCheck)
	if err != nil || len(matched) == 0 {
		return targets
	}
	for i, t := range targets {
		if t.Tag != classify.TagMonitoredKeyword {
			continue
		}
		for _, kw := range matched {
			if dest, ok := overrides[strings.ToLower(kw)]; ok && dest != "" {
				targets[i].ChannelID = dest
				trace["keyword_override"] = map[string]any{"keyword": kw, "dest": dest}
				break
			}
		}
	}
	return targets
}

// sendToDestination chunks content at the Discord limit and throttles
// per destination. Embeds ride on the first chunk only.
func (s *Service) sendToDestination(ctx context.Context, channelID, content string, embeds []*discordgo.MessageEmbed, minSend time.Duration) error {
	lim := s.limiterFor(channelID, minSend)
	for i, chunk := range text.Chunk(content, 2000) {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		opts := discord.SendOptions{Content: chunk}
		if i == 0 {
			opts.Embeds = embeds
		}
		if opts.Content == "" && len(opts.Embeds) == 0 {
			continue
		}
		if _, err := s.sender.Send(ctx, channelID, opts); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) sendRawLinksFollowup(ctx context.Context, channelID string, rawLinks []string, formatted string, cfg settings) {
	sum := md5.Sum([]byte(strings.Join(rawLinks, "|")))
	key := channelID + "|rawlinks-" + hex.EncodeToString(sum[:])
	if _, dup := s.destHit(key, cfg.globalTTL); dup {
		return
	}
	followup := links.BuildRawLinksFollowup(rawLinks, cfg.followupMax)
	if followup == "" || strings.Contains(formatted, followup) {
		return
	}
	if err := s.sendToDestination(ctx, channelID, followup, nil, cfg.minSend); err != nil {
		s.log.Warn("raw links follow-up failed", logx.String("dest", channelID), logx.Err(err))
		return
	}
	s.markDest(key)
}

// HandleEdit refetches an edited message and reruns the pipeline. A
// per-message cooldown stops edit storms; destination signature dedupe
// drops re-forwards whose content did not change.
func (s *Service) HandleEdit(ctx context.Context, channelID, messageID string) {
	if channelID == "" || messageID == "" {
		return
	}
	cfg, _, _, _ := s.snapshot()
	if !cfg.monitoredChannel(channelID, s.parentOf(channelID)) {
		return
	}
	if _, hot := s.recentDuplicate("edit-"+messageID, cfg.editCooldown); hot {
		return
	}
	m, err := s.fetchMsg(ctx, channelID, messageID)
	if err != nil || m == nil {
		return
	}
	// Let the refetched copy through the processed gate.
	s.mu.Lock()
	delete(s.processed, messageID)
	s.mu.Unlock()
	m.ChannelID = channelID
	s.HandleMessage(ctx, m)
}
