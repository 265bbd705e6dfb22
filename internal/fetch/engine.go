package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"github.com/neo-rs/mwbots/internal/store"
	"github.com/neo-rs/mwbots/internal/text"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

var (
	ErrNoMapping           = errors.New("no mapping for source guild")
	ErrMissingCategories   = errors.New("mapping has no source_category_ids")
	ErrMissingDestCategory = errors.New("destination category not found")
	ErrNoSourceChannels    = errors.New("no source channels selected")
)

// Config carries the tunables the engine reads per run.
type Config struct {
	DefaultDestCategoryID string
	MaxMessagesPerChannel int
	InitialBackfillLimit  int
	// MinContentChars drops attachment-free messages whose content is
	// shorter than this many runes. Zero keeps everything.
	MinContentChars int
	MinSendInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMessagesPerChannel <= 0 {
		c.MaxMessagesPerChannel = 400
	}
	if c.InitialBackfillLimit <= 0 {
		c.InitialBackfillLimit = pageLimitMax
	}
	return c
}

// BotSession is the slice of the bot-token session the engine writes
// through. *discord.Session satisfies it.
type BotSession interface {
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
	GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Engine mirrors source guild structure and history into destination
// categories. Reads go through the user-token client; every write is a
// bot-token call against the destination guild only.
type Engine struct {
	session BotSession
	user    *UserClient
	maps    *store.MappingStore
	log     logx.Logger

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	progress func(SyncProgress)
}

func NewEngine(session BotSession, user *UserClient, maps *store.MappingStore, cfg Config, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{session: session, user: user, maps: maps, log: log}
	e.Apply(cfg)
	return e
}

// Apply swaps in new tunables. Safe to call while runs are in flight.
func (e *Engine) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	var lim *rate.Limiter
	if cfg.MinSendInterval > 0 {
		lim = rate.NewLimiter(rate.Every(cfg.MinSendInterval), 1)
	}
	e.mu.Lock()
	e.cfg = cfg
	e.limiter = lim
	e.mu.Unlock()
}

func (e *Engine) snapshot() (Config, *rate.Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg, e.limiter
}

// SyncProgress is one channel's slice of a fetchsync run, with the
// run's totals so far.
type SyncProgress struct {
	SourceGuildID   string
	SourceChannelID string
	Index           int
	Total           int
	Sent            int
	WouldSend       int
	Errors          int
}

// SetProgress installs a callback invoked after every source channel a
// fetchsync run works through. The callback runs on the sync goroutine
// and must not block.
func (e *Engine) SetProgress(fn func(SyncProgress)) {
	e.mu.Lock()
	e.progress = fn
	e.mu.Unlock()
}

func (e *Engine) progressFn() func(SyncProgress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// Result summarizes one fetchall run.
type Result struct {
	Mode      string
	Attempted int
	Created   int
	Existing  int
	Errors    int
}

// SyncResult summarizes one fetchsync run.
type SyncResult struct {
	Channels        int
	CreatedChannels int
	Sent            int
	WouldSend       int
	Errors          int
	DryRun          bool
}

// destView is a snapshot of the destination guild's channel list that
// stays current as the run creates channels.
type destView struct {
	guildID  string
	channels []*discordgo.Channel
}

func (e *Engine) loadDestView(ctx context.Context, destGuildID string) (*destView, error) {
	chans, err := e.session.GuildChannels(destGuildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list destination channels: %w", err)
	}
	return &destView{guildID: destGuildID, channels: chans}, nil
}

func (v *destView) byID(id string) *discordgo.Channel {
	for _, ch := range v.channels {
		if ch.ID == id {
			return ch
		}
	}
	return nil
}

func (v *destView) countInCategory(categoryID string) int {
	n := 0
	for _, ch := range v.channels {
		if ch.ParentID == categoryID {
			n++
		}
	}
	return n
}

func (v *destView) mirrorsFor(sourceGuildID string) map[string]*discordgo.Channel {
	out := map[string]*discordgo.Channel{}
	for _, ch := range v.channels {
		if gid, cid, ok := ParseMirrorTopic(ch.Topic); ok && gid == sourceGuildID {
			out[cid] = ch
		}
	}
	return out
}

func (v *destView) separatorFor(sourceGuildID string) *discordgo.Channel {
	for _, ch := range v.channels {
		if ch.Type == discordgo.ChannelTypeGuildText && isSeparatorFor(ch.Topic, sourceGuildID) {
			return ch
		}
	}
	return nil
}

func (v *destView) nameTaken(categoryID, name string) bool {
	for _, ch := range v.channels {
		if ch.ParentID == categoryID && ch.Name == name {
			return true
		}
	}
	return false
}

func (v *destView) overflowCategories(baseName string) []*discordgo.Channel {
	var out []*discordgo.Channel
	for _, ch := range v.channels {
		if ch.Type != discordgo.ChannelTypeGuildCategory {
			continue
		}
		if _, ok := overflowIndex(baseName, ch.Name); ok {
			out = append(out, ch)
		}
	}
	// Insertion order is guild order; sort by overflow index instead.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			ii, _ := overflowIndex(baseName, out[i].Name)
			jj, _ := overflowIndex(baseName, out[j].Name)
			if jj < ii {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// pickCategory returns a destination category with room for one more
// channel, creating overflow categories as needed.
func (e *Engine) pickCategory(ctx context.Context, v *destView, base *discordgo.Channel) (*discordgo.Channel, error) {
	if v.countInCategory(base.ID) < categoryChannelLimit {
		return base, nil
	}
	overflows := v.overflowCategories(base.Name)
	for _, c := range overflows {
		if v.countInCategory(c.ID) < categoryChannelLimit {
			return c, nil
		}
	}
	idx := 2
	if len(overflows) > 0 {
		if last, ok := overflowIndex(base.Name, overflows[len(overflows)-1].Name); ok {
			idx = last + 1
		} else {
			idx = 2 + len(overflows)
		}
	}
	created, err := e.session.GuildChannelCreateComplex(v.guildID, discordgo.GuildChannelCreateData{
		Name: OverflowCategoryName(base.Name, idx),
		Type: discordgo.ChannelTypeGuildCategory,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create overflow category: %w", err)
	}
	v.channels = append(v.channels, created)
	return created, nil
}

func (e *Engine) ensureSeparator(ctx context.Context, v *destView, base *discordgo.Channel, sourceGuildID, sourceGuildName string) {
	if v.separatorFor(sourceGuildID) != nil {
		return
	}
	cat, err := e.pickCategory(ctx, v, base)
	if err != nil {
		e.log.Warn("separator category pick failed", logx.Err(err))
		return
	}
	created, err := e.session.GuildChannelCreateComplex(v.guildID, discordgo.GuildChannelCreateData{
		Name:     SeparatorChannelName(sourceGuildName),
		Type:     discordgo.ChannelTypeGuildText,
		Topic:    separatorTopic(sourceGuildName, sourceGuildID),
		ParentID: cat.ID,
	}, discordgo.WithContext(ctx))
	if err != nil {
		e.log.Warn("separator create failed",
			logx.String("source_guild_id", sourceGuildID), logx.Err(err))
		return
	}
	v.channels = append(v.channels, created)
}

// createMirror makes one mirror channel and registers it in the view.
func (e *Engine) createMirror(ctx context.Context, v *destView, base *discordgo.Channel, sourceGuildID, sourceGuildName string, src SourceChannel) (*discordgo.Channel, error) {
	cat, err := e.pickCategory(ctx, v, base)
	if err != nil {
		return nil, err
	}
	name := SlugifyChannelName(src.Name, "mirror")
	if v.nameTaken(cat.ID, name) {
		suffix := src.ID
		if len(suffix) > 4 {
			suffix = suffix[len(suffix)-4:]
		}
		if len(name) > 80 {
			name = name[:80]
		}
		name = name + "-" + suffix
	}
	topic := BuildMirrorTopic(sourceGuildID, src.ID) + " | source=" + sourceGuildName + "#" + src.Name
	created, err := e.session.GuildChannelCreateComplex(v.guildID, discordgo.GuildChannelCreateData{
		Name:     name,
		Type:     discordgo.ChannelTypeGuildText,
		Topic:    topic,
		ParentID: cat.ID,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	v.channels = append(v.channels, created)
	return created, nil
}

func (e *Engine) resolveRun(ctx context.Context, sourceGuildID, destGuildID string) (store.MappingEntry, *destView, *discordgo.Channel, []SourceChannel, error) {
	cfg, _ := e.snapshot()

	entry, ok, err := e.maps.Entry(sourceGuildID)
	if err != nil {
		return store.MappingEntry{}, nil, nil, nil, err
	}
	if !ok {
		return store.MappingEntry{}, nil, nil, nil, ErrNoMapping
	}
	if len(entry.SourceCategoryIDs) == 0 {
		return entry, nil, nil, nil, ErrMissingCategories
	}

	destCategoryID := entry.DestinationCategoryID
	if destCategoryID == "" {
		destCategoryID = cfg.DefaultDestCategoryID
	}
	if destCategoryID == "" {
		return entry, nil, nil, nil, ErrMissingDestCategory
	}

	v, err := e.loadDestView(ctx, destGuildID)
	if err != nil {
		return entry, nil, nil, nil, err
	}
	base := v.byID(destCategoryID)
	if base == nil || base.Type != discordgo.ChannelTypeGuildCategory {
		return entry, nil, nil, nil, fmt.Errorf("%w: %s", ErrMissingDestCategory, destCategoryID)
	}

	apiChannels, err := e.user.GuildChannels(ctx, sourceGuildID)
	if err != nil {
		return entry, nil, nil, nil, fmt.Errorf("list source channels: %w", err)
	}
	selected := SelectSourceTextChannels(apiChannels, entry.SourceCategoryIDs, entry.IgnoredChannelIDs)
	if len(selected) == 0 {
		e.log.Warn("no source channels selected",
			logx.String("source_guild_id", sourceGuildID),
			logx.Any("summary", SummarizeChannels(apiChannels)))
		return entry, nil, nil, nil, ErrNoSourceChannels
	}
	return entry, v, base, selected, nil
}

// RunFetchAll ensures mirror channels exist for every selected source
// channel. It never sends messages.
func (e *Engine) RunFetchAll(ctx context.Context, sourceGuildID, destGuildID string) (Result, error) {
	entry, v, base, selected, err := e.resolveRun(ctx, sourceGuildID, destGuildID)
	if err != nil {
		return Result{}, err
	}
	sourceGuildName := entry.Name
	if sourceGuildName == "" {
		sourceGuildName = "guild_" + sourceGuildID
	}
	e.ensureSeparator(ctx, v, base, sourceGuildID, sourceGuildName)

	existing := v.mirrorsFor(sourceGuildID)
	res := Result{Mode: "user_token"}
	for _, src := range selected {
		res.Attempted++
		if _, ok := existing[src.ID]; ok {
			res.Existing++
			continue
		}
		if _, err := e.createMirror(ctx, v, base, sourceGuildID, sourceGuildName, src); err != nil {
			res.Errors++
			e.log.Warn("mirror create failed",
				logx.String("source_guild_id", sourceGuildID),
				logx.String("source_channel_id", src.ID), logx.Err(err))
			continue
		}
		res.Created++
	}
	e.log.Info("fetchall done",
		logx.String("source_guild_id", sourceGuildID),
		logx.Int("attempted", res.Attempted),
		logx.Int("created", res.Created),
		logx.Int("existing", res.Existing),
		logx.Int("errors", res.Errors))
	return res, nil
}

// buildMirrorContent flattens a raw source message for re-sending:
// attachment URLs are appended so media survives the mirror.
func buildMirrorContent(m APIMessage) (string, []*discordgo.MessageEmbed) {
	content := m.Content
	if len(m.Attachments) > 0 {
		var urls []string
		for _, a := range m.Attachments {
			if a.URL != "" {
				urls = append(urls, a.URL)
			}
			if len(urls) >= 10 {
				break
			}
		}
		if len(urls) > 0 {
			content = strings.TrimSpace(content + "\n" + strings.Join(urls, "\n"))
		}
	}
	return content, text.TrimEmbedsForForwarding(m.Embeds)
}

func (e *Engine) sendMirrored(ctx context.Context, lim *rate.Limiter, destChannelID, content string, embeds []*discordgo.MessageEmbed) error {
	chunks := text.Chunk(content, 2000)
	for i, chunk := range chunks {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return err
			}
		}
		msg := &discordgo.MessageSend{
			Content:         chunk,
			AllowedMentions: &discordgo.MessageAllowedMentions{},
		}
		if i == 0 {
			msg.Embeds = embeds
		}
		if _, err := e.session.ChannelMessageSendComplex(destChannelID, msg, discordgo.WithContext(ctx)); err != nil {
			return err
		}
	}
	return nil
}

// RunFetchSync mirrors message history: an initial backfill page for
// new channels and cursor-based incremental paging for known ones.
// dryRun counts what would be sent without creating or sending.
func (e *Engine) RunFetchSync(ctx context.Context, sourceGuildID, destGuildID string, dryRun bool) (SyncResult, error) {
	cfg, lim := e.snapshot()

	entry, v, base, selected, err := e.resolveRun(ctx, sourceGuildID, destGuildID)
	if err != nil {
		return SyncResult{DryRun: dryRun}, err
	}
	sourceGuildName := entry.Name
	if sourceGuildName == "" {
		sourceGuildName = "guild_" + sourceGuildID
	}
	if !dryRun {
		e.ensureSeparator(ctx, v, base, sourceGuildID, sourceGuildName)
	}

	mirrors := v.mirrorsFor(sourceGuildID)
	res := SyncResult{DryRun: dryRun, Channels: len(selected)}

	if !dryRun {
		for _, src := range selected {
			if _, ok := mirrors[src.ID]; ok {
				continue
			}
			created, err := e.createMirror(ctx, v, base, sourceGuildID, sourceGuildName, src)
			if err != nil {
				e.log.Warn("mirror create failed",
					logx.String("source_channel_id", src.ID), logx.Err(err))
				continue
			}
			mirrors[src.ID] = created
			res.CreatedChannels++
		}
	}

	progress := e.progressFn()
	for idx, src := range selected {
		dest := mirrors[src.ID]
		if dest != nil || dryRun {
			if err := e.syncChannel(ctx, lim, cfg, sourceGuildID, src, dest, dryRun, &res); err != nil {
				return res, err
			}
		}
		if progress != nil {
			progress(SyncProgress{
				SourceGuildID:   sourceGuildID,
				SourceChannelID: src.ID,
				Index:           idx + 1,
				Total:           len(selected),
				Sent:            res.Sent,
				WouldSend:       res.WouldSend,
				Errors:          res.Errors,
			})
		}
	}

	e.log.Info("fetchsync done",
		logx.String("source_guild_id", sourceGuildID),
		logx.Int("channels", res.Channels),
		logx.Int("created_channels", res.CreatedChannels),
		logx.Int("sent", res.Sent),
		logx.Int("would_send", res.WouldSend),
		logx.Int("errors", res.Errors),
		logx.Bool("dryrun", dryRun))
	return res, nil
}

// syncChannel pages one source channel: an initial backfill page on
// first contact, cursor-based incremental pages afterwards.
func (e *Engine) syncChannel(ctx context.Context, lim *rate.Limiter, cfg Config, sourceGuildID string, src SourceChannel, dest *discordgo.Channel, dryRun bool, res *SyncResult) error {
	cursor, err := e.maps.Cursor(sourceGuildID, src.ID)
	if err != nil {
		return err
	}

	lastSeen := ""
	if cursor == "" {
		// First contact: one bounded backfill page.
		msgs, err := e.user.ChannelMessagesPage(ctx, src.ID, cfg.InitialBackfillLimit, "")
		if err != nil {
			res.Errors++
			e.log.Warn("backfill fetch failed",
				logx.String("source_channel_id", src.ID), logx.Err(err))
			return nil
		}
		lastSeen = e.relayPage(ctx, lim, cfg, dest, msgs, dryRun, res)
	} else {
		after := cursor
		fetched := 0
		for fetched < cfg.MaxMessagesPerChannel {
			limit := cfg.MaxMessagesPerChannel - fetched
			if limit > pageLimitMax {
				limit = pageLimitMax
			}
			msgs, err := e.user.ChannelMessagesPage(ctx, src.ID, limit, after)
			if err != nil {
				res.Errors++
				e.log.Warn("incremental fetch failed",
					logx.String("source_channel_id", src.ID), logx.Err(err))
				break
			}
			if len(msgs) == 0 {
				break
			}
			fetched += len(msgs)
			pageLast := e.relayPage(ctx, lim, cfg, dest, msgs, dryRun, res)
			if pageLast == "" {
				break
			}
			after = pageLast
			lastSeen = pageLast
		}
	}

	if !dryRun && lastSeen != "" {
		if err := e.maps.SetCursor(sourceGuildID, src.ID, lastSeen); err != nil {
			e.log.Warn("cursor persist failed",
				logx.String("source_channel_id", src.ID), logx.Err(err))
		}
	}
	return nil
}

// relayPage sends one API page (newest first) in chronological order
// and returns the id of the last message handled. Empty messages and
// short attachment-free snippets below MinContentChars still advance
// the cursor, they just never send.
func (e *Engine) relayPage(ctx context.Context, lim *rate.Limiter, cfg Config, dest *discordgo.Channel, msgs []APIMessage, dryRun bool, res *SyncResult) string {
	last := ""
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		content, embeds := buildMirrorContent(m)
		if content == "" && len(embeds) == 0 {
			last = m.ID
			continue
		}
		if cfg.MinContentChars > 0 && len(embeds) == 0 && len(m.Attachments) == 0 &&
			utf8.RuneCountInString(content) < cfg.MinContentChars {
			last = m.ID
			continue
		}
		if dryRun {
			res.WouldSend++
			last = m.ID
			continue
		}
		if err := e.sendMirrored(ctx, lim, dest.ID, content, embeds); err != nil {
			res.Errors++
			e.log.Warn("mirror send failed",
				logx.String("dest_channel_id", dest.ID), logx.Err(err))
			break
		}
		res.Sent++
		last = m.ID
	}
	return last
}
