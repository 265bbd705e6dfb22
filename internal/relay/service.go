package relay

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/neo-rs/mwbots/internal/config"
	"github.com/neo-rs/mwbots/internal/discord"
	"github.com/neo-rs/mwbots/internal/storage"
	"github.com/neo-rs/mwbots/internal/store"
	"github.com/neo-rs/mwbots/internal/text"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

const (
	pendingEditTTL = 10 * time.Minute
	emptyFallback  = "[message forwarded from source channel]"
)

// WebhookClient executes, edits, and deletes webhook messages by URL.
type WebhookClient interface {
	Execute(ctx context.Context, url string, params *discordgo.WebhookParams, wait bool) (*discordgo.Message, error)
	EditMessage(ctx context.Context, url, messageID string, edit *discordgo.WebhookEdit) error
	DeleteMessage(ctx context.Context, url, messageID string) error
}

// GuildInfo is the source-server identity shown on relayed messages.
type GuildInfo struct {
	Name    string
	IconURL string
}

type settings struct {
	inlineMap           map[string]string
	dedupeScope         string
	dedupeTTL           time.Duration
	propagateEdits      bool
	propagateDeletes    bool
	heartbeat           time.Duration
	downloadAttachments bool
	maxFiles            int
	maxBytes            int64
}

func settingsFrom(cfg *config.Config) settings {
	dur := func(path, raw string, def time.Duration) time.Duration {
		d, err := config.ParseDurationOrDefault(path, raw, def)
		if err != nil {
			return def
		}
		return d
	}
	inline := map[string]string{}
	for cid, url := range cfg.Relay.ChannelMap {
		cid = strings.TrimSpace(cid)
		url = strings.TrimSpace(url)
		if cid != "" && store.IsWebhookURL(url) {
			inline[cid] = url
		}
	}
	scope := strings.ToLower(strings.TrimSpace(cfg.Relay.DedupeScope))
	if scope != "global" {
		scope = "channel"
	}
	maxFiles := cfg.Forward.MaxAttachmentFiles
	if maxFiles <= 0 {
		maxFiles = 10
	}
	maxBytes := cfg.Forward.MaxAttachmentBytes
	if maxBytes <= 0 {
		maxBytes = 7864320
	}
	return settings{
		inlineMap:           inline,
		dedupeScope:         scope,
		dedupeTTL:           dur("relay.dedupe_ttl", cfg.Relay.DedupeTTL, 5*time.Minute),
		propagateEdits:      cfg.Relay.PropagateEdits,
		propagateDeletes:    cfg.Relay.PropagateDeletes,
		heartbeat:           dur("relay.heartbeat_interval", cfg.Relay.HeartbeatInterval, 5*time.Minute),
		downloadAttachments: cfg.Forward.DownloadAttachments,
		maxFiles:            maxFiles,
		maxBytes:            maxBytes,
	}
}

type pendingEdit struct {
	msg *discordgo.Message
	url string
	at  time.Time
}

type identEntry struct {
	info GuildInfo
	at   time.Time
}

// Service is the relay pipeline. Gateway handlers feed it and it writes
// to destination webhooks only.
type Service struct {
	hooks    *store.WebhookMap
	client   WebhookClient
	db       storage.Store
	sanitize *Sanitizer
	log      logx.Logger

	httpClient *http.Client
	guildInfo  func(ctx context.Context, guildID string) GuildInfo
	fetchMsg   func(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)
	now        func() time.Time

	mu        sync.Mutex
	cfg       settings
	processed map[string]struct{}
	memDedup  map[string]time.Time
	pending   map[string]pendingEdit
	ident     map[string]identEntry
}

// NewService wires the relay. db may be nil; dedupe then stays
// in-memory and edit/delete propagation only works within the process
// lifetime.
func NewService(hooks *store.WebhookMap, client WebhookClient, db storage.Store, sanitize *Sanitizer, cfg *config.Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if sanitize == nil {
		sanitize = &Sanitizer{}
	}
	s := &Service{
		hooks:      hooks,
		client:     client,
		db:         db,
		sanitize:   sanitize,
		log:        log,
		httpClient: http.DefaultClient,
		now:        time.Now,
		processed:  make(map[string]struct{}),
		memDedup:   make(map[string]time.Time),
		pending:    make(map[string]pendingEdit),
		ident:      make(map[string]identEntry),
	}
	s.Apply(cfg)
	return s
}

// Apply swaps relay settings on config reload.
func (s *Service) Apply(cfg *config.Config) {
	snap := settingsFrom(cfg)
	s.mu.Lock()
	s.cfg = snap
	s.mu.Unlock()
}

// SetGuildInfoResolver installs the source-server identity lookup.
func (s *Service) SetGuildInfoResolver(fn func(ctx context.Context, guildID string) GuildInfo) {
	s.guildInfo = fn
}

// SetMessageFetcher installs the authoritative refetch used on edits.
func (s *Service) SetMessageFetcher(fn func(ctx context.Context, channelID, messageID string) (*discordgo.Message, error)) {
	s.fetchMsg = fn
}

func (s *Service) snapshot() settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// webhookFor resolves a source channel to its destination webhook.
// Inline config entries win over channel_map.json.
func (s *Service) webhookFor(channelID string) string {
	s.mu.Lock()
	url, ok := s.cfg.inlineMap[channelID]
	s.mu.Unlock()
	if ok {
		return url
	}
	if s.hooks == nil {
		return ""
	}
	url, ok, err := s.hooks.Get(channelID)
	if err != nil {
		s.log.Warn("channel map read failed", logx.Err(err))
		return ""
	}
	if !ok {
		return ""
	}
	return url
}

// markProcessed guards against gateway replays after reconnects.
func (s *Service) markProcessed(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.processed[messageID]; seen {
		return false
	}
	if len(s.processed) > 50000 {
		s.processed = make(map[string]struct{})
	}
	s.processed[messageID] = struct{}{}
	return true
}

// dedupeKey scopes the content hash. Webhook URLs carry tokens, so the
// destination scope keys on a digest of the URL, never the URL itself.
func dedupeKey(scope, webhookURL, hash string) string {
	if scope == "global" {
		return "relay:global:" + hash
	}
	sum := md5.Sum([]byte(webhookURL))
	return "relay:dest:" + hex.EncodeToString(sum[:6]) + ":" + hash
}

func (s *Service) isDuplicate(ctx context.Context, key string, ttl time.Duration) bool {
	now := s.now()
	if s.db != nil {
		until, ok, err := s.db.GetDedup(ctx, key)
		if err == nil {
			if ok && until.After(now) {
				return true
			}
			if err := s.db.PutDedup(ctx, key, now.Add(ttl)); err != nil {
				s.log.Warn("dedup write failed", logx.Err(err))
			}
			return false
		}
		s.log.Warn("dedup read failed", logx.Err(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.memDedup[key]; ok && now.Sub(last) < ttl {
		return true
	}
	s.memDedup[key] = now
	if len(s.memDedup) > 1000 {
		cutoff := now.Add(-ttl)
		for k, v := range s.memDedup {
			if v.Before(cutoff) {
				delete(s.memDedup, k)
			}
		}
	}
	return false
}

func (s *Service) identity(ctx context.Context, guildID string) GuildInfo {
	if guildID == "" {
		return GuildInfo{}
	}
	s.mu.Lock()
	ent, ok := s.ident[guildID]
	s.mu.Unlock()
	if ok && s.now().Sub(ent.at) < time.Hour {
		return ent.info
	}
	info := GuildInfo{}
	if s.guildInfo != nil {
		info = s.guildInfo(ctx, guildID)
	}
	s.mu.Lock()
	s.ident[guildID] = identEntry{info: info, at: s.now()}
	s.mu.Unlock()
	return info
}

// HandleCreate relays one new source message.
func (s *Service) HandleCreate(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.ID == "" || m.ChannelID == "" {
		return
	}
	cfg := s.snapshot()
	url := s.webhookFor(m.ChannelID)
	if url == "" {
		return
	}
	if !s.markProcessed(m.ID) {
		return
	}
	key := dedupeKey(cfg.dedupeScope, url, ContentHash(m))
	if s.isDuplicate(ctx, key, cfg.dedupeTTL) {
		s.log.Debug("duplicate message skipped",
			logx.String("message_id", m.ID),
			logx.String("channel_id", m.ChannelID))
		return
	}
	s.forward(ctx, m, url, false)
}

// HandleUpdate syncs a source edit onto the relayed copy.
func (s *Service) HandleUpdate(ctx context.Context, m *discordgo.Message) {
	if m == nil || m.ID == "" || m.ChannelID == "" {
		return
	}
	cfg := s.snapshot()
	if !cfg.propagateEdits {
		return
	}
	url := s.webhookFor(m.ChannelID)
	if url == "" {
		return
	}
	// Gateway update payloads can be partial; the REST copy is
	// authoritative.
	if s.fetchMsg != nil {
		if full, err := s.fetchMsg(ctx, m.ChannelID, m.ID); err == nil && full != nil {
			full.GuildID = m.GuildID
			full.ChannelID = m.ChannelID
			m = full
		}
	}
	s.forward(ctx, m, url, true)
}

// HandleDelete removes the relayed copies of a deleted source message.
func (s *Service) HandleDelete(ctx context.Context, channelID, messageID string) {
	if messageID == "" {
		return
	}
	cfg := s.snapshot()
	if !cfg.propagateDeletes || s.db == nil {
		return
	}
	rec, ok, err := s.db.GetForward(ctx, messageID)
	if err != nil || !ok {
		return
	}
	url := rec.WebhookURL
	if url == "" {
		url = s.webhookFor(channelID)
	}
	if url == "" {
		return
	}
	deleted := 0
	for _, ref := range rec.Refs {
		if err := s.client.DeleteMessage(ctx, url, ref.MessageID); err != nil {
			s.log.Warn("delete propagation failed",
				logx.String("source_message_id", messageID),
				logx.String("dest_message_id", ref.MessageID),
				logx.Err(err))
			continue
		}
		deleted++
	}
	if err := s.db.DeleteForward(ctx, messageID); err != nil {
		s.log.Warn("forward index delete failed", logx.Err(err))
	}
	s.audit(ctx, storage.AuditEntry{
		ChannelID: channelID,
		Component: "relay",
		Action:    "delete_propagated",
		Target:    messageID,
		OK:        deleted,
		Fail:      len(rec.Refs) - deleted,
	})
}

// Run drives the heartbeat until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	cfg := s.snapshot()
	ticker := time.NewTicker(cfg.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			channels := len(s.snapshot().inlineMap)
			if s.hooks != nil {
				channels += s.hooks.Len()
			}
			s.log.Info("relay heartbeat", logx.Int("channels", channels))
			s.audit(ctx, storage.AuditEntry{Component: "relay", Action: "heartbeat", OK: channels})
		}
	}
}

func (s *Service) audit(ctx context.Context, e storage.AuditEntry) {
	if s.db == nil {
		return
	}
	e.At = s.now()
	if err := s.db.AppendAudit(ctx, e); err != nil {
		s.log.Debug("audit append failed", logx.Err(err))
	}
}

func (s *Service) queuePending(m *discordgo.Message, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for id, p := range s.pending {
		if now.Sub(p.at) > pendingEditTTL {
			delete(s.pending, id)
		}
	}
	s.pending[m.ID] = pendingEdit{msg: m, url: url, at: now}
}

// flushPending applies an edit that arrived before the create-forward
// recorded its destination message ids.
func (s *Service) flushPending(ctx context.Context, messageID string) {
	s.mu.Lock()
	p, ok := s.pending[messageID]
	if ok {
		delete(s.pending, messageID)
	}
	s.mu.Unlock()
	if !ok || s.now().Sub(p.at) > pendingEditTTL {
		return
	}
	s.forward(ctx, p.msg, p.url, true)
}

// forward builds the webhook payload and either posts it or patches the
// existing relayed copy.
func (s *Service) forward(ctx context.Context, m *discordgo.Message, url string, editExisting bool) {
	cfg := s.snapshot()

	info := s.identity(ctx, m.GuildID)
	username := info.Name
	if username == "" {
		username = "Server-" + lastN(m.GuildID, 6)
	}
	if len(username) > 80 {
		username = username[:77] + "..."
	}
	authorName := ""
	if m.Author != nil {
		authorName = m.Author.Username
	}

	content := s.sanitize.Text(m.Content, m.GuildID)
	embeds := cloneEmbeds(m.Embeds)
	if len(embeds) > 10 {
		embeds = embeds[:10]
	}
	s.sanitize.Embeds(embeds, m.GuildID)
	addSourceFooter(embeds, info, authorName)

	var files []*discordgo.File
	var leftover []string
	if cfg.downloadAttachments {
		files, leftover = discord.DownloadAttachments(ctx, s.httpClient, m.Attachments, cfg.maxFiles, cfg.maxBytes)
	} else {
		for _, a := range m.Attachments {
			if a != nil && a.URL != "" {
				leftover = append(leftover, a.URL)
			}
		}
	}
	if len(leftover) > 10 {
		leftover = leftover[:10]
	}
	if len(leftover) > 0 {
		content = strings.TrimSpace(content + "\n\n" + strings.Join(leftover, "\n"))
	}

	// A single bare wrapper link in the body reads better as the
	// resolved embed URL.
	content, _ = replaceSingleURLWithEmbedURL(content, embedURLs(embeds))

	if strings.TrimSpace(content) == "" && len(embeds) == 0 && len(files) == 0 {
		content = emptyFallback
	}

	sig := text.Signature(content, embeds, m.Attachments)

	if editExisting {
		done := s.syncEdit(ctx, m, url, content, embeds, sig, len(files) > 0)
		if done {
			return
		}
	}

	chunks := text.Chunk(content, 2000)
	var refs []storage.ForwardRef
	for i, chunk := range chunks {
		params := &discordgo.WebhookParams{
			Content:         chunk,
			Username:        username,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		}
		if strings.HasPrefix(info.IconURL, "http") {
			params.AvatarURL = info.IconURL
		}
		if i == 0 {
			params.Embeds = embeds
			params.Files = files
		}
		if params.Content == "" && len(params.Embeds) == 0 && len(params.Files) == 0 {
			continue
		}
		sent, err := s.client.Execute(ctx, url, params, true)
		if err != nil {
			s.log.Error("webhook forward failed",
				logx.String("message_id", m.ID),
				logx.String("channel_id", m.ChannelID),
				logx.Int("chunk", i),
				logx.Err(err))
			s.audit(ctx, storage.AuditEntry{
				ChannelID: m.ChannelID,
				GuildID:   m.GuildID,
				Component: "relay",
				Action:    "forward",
				Target:    m.ID,
				Fail:      1,
				Error:     err.Error(),
			})
			return
		}
		if sent != nil && sent.ID != "" {
			refs = append(refs, storage.ForwardRef{ChannelID: sent.ChannelID, MessageID: sent.ID})
		}
	}
	if len(refs) == 0 {
		return
	}

	if s.db != nil {
		err := s.db.PutForward(ctx, storage.ForwardRecord{
			SourceChannelID: m.ChannelID,
			SourceMessageID: m.ID,
			Signature:       sig,
			WebhookURL:      url,
			Refs:            refs,
		})
		if err != nil {
			s.log.Warn("forward index write failed", logx.Err(err))
		}
	}
	s.log.Info("relayed",
		logx.String("message_id", m.ID),
		logx.String("channel_id", m.ChannelID),
		logx.Int("chunks", len(refs)))
	s.audit(ctx, storage.AuditEntry{
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Component: "relay",
		Action:    "forward",
		Target:    m.ID,
		OK:        len(refs),
	})

	if !editExisting {
		s.flushPending(ctx, m.ID)
	}
}

// syncEdit patches the existing relayed copy. It returns false when the
// caller should fall through to a fresh send (replace mode).
func (s *Service) syncEdit(ctx context.Context, m *discordgo.Message, url, content string, embeds []*discordgo.MessageEmbed, sig string, hasFiles bool) bool {
	if s.db == nil {
		return true
	}
	rec, ok, err := s.db.GetForward(ctx, m.ID)
	if err != nil {
		s.log.Warn("forward index read failed", logx.Err(err))
		return true
	}
	if !ok || len(rec.Refs) == 0 {
		// The update can beat the create-forward; apply it once the
		// mapping exists.
		s.queuePending(m, url)
		return true
	}
	if rec.WebhookURL != "" {
		url = rec.WebhookURL
	}
	if sig != "" && sig == rec.Signature {
		return true
	}

	needsReplace := hasFiles || len(content) > 2000
	if !needsReplace {
		edit := &discordgo.WebhookEdit{
			Content:         &content,
			Embeds:          &embeds,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		}
		if err := s.client.EditMessage(ctx, url, rec.Refs[0].MessageID, edit); err == nil {
			rec.Signature = sig
			rec.At = s.now()
			if err := s.db.PutForward(ctx, rec); err != nil {
				s.log.Warn("forward index write failed", logx.Err(err))
			}
			s.log.Info("edit propagated",
				logx.String("message_id", m.ID),
				logx.String("dest_message_id", rec.Refs[0].MessageID))
			return true
		}
		needsReplace = true
	}

	// Replace: drop the old copies and let the caller re-post.
	for _, ref := range rec.Refs {
		if err := s.client.DeleteMessage(ctx, url, ref.MessageID); err != nil {
			s.log.Warn("stale copy delete failed",
				logx.String("dest_message_id", ref.MessageID),
				logx.Err(err))
		}
	}
	return false
}

func cloneEmbeds(embeds []*discordgo.MessageEmbed) []*discordgo.MessageEmbed {
	out := make([]*discordgo.MessageEmbed, 0, len(embeds))
	for _, e := range embeds {
		if e == nil {
			continue
		}
		c := *e
		if e.Footer != nil {
			f := *e.Footer
			c.Footer = &f
		}
		if e.Author != nil {
			a := *e.Author
			c.Author = &a
		}
		if len(e.Fields) > 0 {
			c.Fields = make([]*discordgo.MessageEmbedField, 0, len(e.Fields))
			for _, f := range e.Fields {
				if f == nil {
					continue
				}
				fc := *f
				c.Fields = append(c.Fields, &fc)
			}
		}
		out = append(out, &c)
	}
	return out
}

// addSourceFooter tags each embed with the source server and author so
// the origin survives the relay.
func addSourceFooter(embeds []*discordgo.MessageEmbed, info GuildInfo, authorName string) {
	if info.Name == "" && info.IconURL == "" {
		return
	}
	for _, e := range embeds {
		existing := ""
		if e.Footer != nil {
			existing = e.Footer.Text
		}
		if strings.Contains(existing, "From:") {
			continue
		}
		txt := ""
		if info.Name != "" {
			txt = "From: " + info.Name
			if authorName != "" && authorName != "Unknown" {
				txt += " | By: " + authorName
			}
		}
		if existing != "" {
			if txt != "" {
				txt += " | " + existing
			} else {
				txt = existing
			}
		}
		e.Footer = &discordgo.MessageEmbedFooter{Text: txt, IconURL: info.IconURL}
	}
}

func embedURLs(embeds []*discordgo.MessageEmbed) []string {
	var urls []string
	for _, e := range embeds {
		if e != nil && strings.HasPrefix(e.URL, "http") {
			urls = append(urls, e.URL)
		}
	}
	return urls
}

// replaceSingleURLWithEmbedURL rewrites the one URL in a short body to
// the embed's resolved URL, wrapped in <> so Discord skips a second
// preview card.
func replaceSingleURLWithEmbedURL(content string, urls []string) (string, bool) {
	if content == "" || len(urls) == 0 {
		return content, false
	}
	tokens := urlTokenRe.FindAllString(content, -1)
	if len(tokens) != 1 {
		return content, false
	}
	target := urls[0]
	if target == "" || strings.Contains(content, target) {
		return content, false
	}
	return strings.Replace(content, tokens[0], "<"+target+">", 1), true
}
