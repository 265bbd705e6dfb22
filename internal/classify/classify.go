// Package classify decides where a monitored message belongs. The live
// forwarder and the fetch engine both route through it.
package classify

import (
	"strings"

	"github.com/neo-rs/mwbots/internal/config"
	"github.com/neo-rs/mwbots/internal/text"
)

// Routing tags. Route maps in config key destinations by these names.
const (
	TagAmazon           = "AMAZON"
	TagAmazonFallback   = "AMAZON_FALLBACK"
	TagMonitoredKeyword = "MONITORED_KEYWORD"
	TagUpcoming         = "UPCOMING"
	TagAffiliatedLinks  = "AFFILIATED_LINKS"
	TagDefault          = "DEFAULT"
	TagInstoreSeasonal  = "INSTORE_SEASONAL"
	TagInstoreSneakers  = "INSTORE_SNEAKERS"
	TagInstoreCards     = "INSTORE_CARDS"
	TagInstoreTheatre   = "INSTORE_THEATRE"
	TagMajorStores      = "MAJOR_STORES"
	TagDiscountedStores = "DISCOUNTED_STORES"
	TagInstoreLeads     = "INSTORE_LEADS"
	TagPriceError       = "PRICE_ERROR"
	TagProfitableFlip   = "PROFITABLE_FLIP"
	TagLunchmoneyFlip   = "LUNCHMONEY_FLIP"
)

// Target is one destination for a classified message.
type Target struct {
	ChannelID string
	Tag       string
}

// Input carries everything the classifier looks at.
type Input struct {
	Text            string
	AttachmentURLs  []string
	Keywords        []string
	SourceChannelID string
}

// Trace accumulates classifier evidence for the JSONL trace log.
type Trace map[string]any

func (t Trace) classifier() map[string]any {
	if t == nil {
		return nil
	}
	c, ok := t["classifier"].(map[string]any)
	if !ok {
		c = map[string]any{}
		t["classifier"] = c
	}
	return c
}

func (t Trace) set(key string, v any) {
	if c := t.classifier(); c != nil {
		c[key] = v
	}
}

func (t Trace) setMatch(key string, v any) {
	c := t.classifier()
	if c == nil {
		return
	}
	m, ok := c["matches"].(map[string]any)
	if !ok {
		m = map[string]any{}
		c["matches"] = m
	}
	m[key] = v
}

// Groups assigns monitored channels to their source group.
type Groups struct {
	online    map[string]struct{}
	instore   map[string]struct{}
	clearance map[string]struct{}
	misc      map[string]struct{}
}

func NewGroups(m config.MonitorConfig) Groups {
	toSet := func(ids []string) map[string]struct{} {
		out := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				out[id] = struct{}{}
			}
		}
		return out
	}
	return Groups{
		online:    toSet(m.OnlineChannelIDs),
		instore:   toSet(m.InstoreChannelIDs),
		clearance: toSet(m.ClearanceChannelIDs),
		misc:      toSet(m.MiscChannelIDs),
	}
}

// Group returns the source group of a channel. Instore wins over online when
// a channel is misconfigured into both.
func (g Groups) Group(channelID string) string {
	if channelID == "" {
		return "unknown"
	}
	if _, ok := g.instore[channelID]; ok {
		return "instore"
	}
	if _, ok := g.clearance[channelID]; ok {
		return "clearance"
	}
	if _, ok := g.online[channelID]; ok {
		return "online"
	}
	if _, ok := g.misc[channelID]; ok {
		return "misc"
	}
	return "unknown"
}

// Classifier routes messages by tag. Rebuild it on config reload; it holds
// no mutable state.
type Classifier struct {
	groups          Groups
	online          map[string]string
	instore         map[string]string
	triggers        map[string]string
	defaultFallback bool
}

func New(cfg *config.Config) *Classifier {
	clean := func(m map[string]string) map[string]string {
		out := make(map[string]string, len(m))
		for tag, id := range m {
			tag = strings.ToUpper(strings.TrimSpace(tag))
			id = strings.TrimSpace(id)
			if tag != "" && id != "" {
				out[tag] = id
			}
		}
		return out
	}
	return &Classifier{
		groups:          NewGroups(cfg.Monitor),
		online:          clean(cfg.Routes.Online),
		instore:         clean(cfg.Routes.Instore),
		triggers:        clean(cfg.Routes.Triggers),
		defaultFallback: cfg.Filter.EnableDefaultFallback,
	}
}

func (c *Classifier) Groups() Groups { return c.groups }

func (c *Classifier) route(tag string) string {
	if id, ok := c.online[tag]; ok {
		return id
	}
	if id, ok := c.instore[tag]; ok {
		return id
	}
	return ""
}

// context is the shared pre-computation for both classifier entry points.
type classifyContext struct {
	sourceGroup     string
	isInstoreSource bool
	instoreRequired bool
	instoreContext  bool
	whereLocation   string
	storeCategory   string
}

func (c *Classifier) prepare(in Input, trace Trace) classifyContext {
	ctx := classifyContext{sourceGroup: c.groups.Group(in.SourceChannelID)}
	ctx.isInstoreSource = ctx.sourceGroup == "instore" || ctx.sourceGroup == "clearance"
	ctx.instoreRequired = HasInstoreRequiredFields(in.Text)
	// Accept in-store formatted leads even when they arrive from an online channel.
	formattedOverride := ctx.instoreRequired && !ctx.isInstoreSource
	ctx.isInstoreSource = ctx.isInstoreSource || formattedOverride

	lower := strings.ToLower(in.Text)
	switch {
	case ctx.isInstoreSource:
		ctx.instoreContext = true
	case containsAny(lower, instoreKeywords):
		ctx.instoreContext = true
	case labelRe.MatchString(in.Text):
		ctx.instoreContext = true
	case allStoreRe.MatchString(in.Text):
		ctx.instoreContext = true
	}
	if !ctx.instoreRequired {
		ctx.instoreContext = false
	}

	ctx.whereLocation = whereLocation(in.Text)
	ctx.storeCategory = storeCategoryFromLocation(ctx.whereLocation)

	if trace != nil {
		trace.set("source_group", ctx.sourceGroup)
		trace.set("is_instore_source", ctx.isInstoreSource)
		trace.set("instore_required_fields", ctx.instoreRequired)
		trace.set("instore_formatted_override", formattedOverride)
		trace.set("instore_context", ctx.instoreContext)
		trace.set("where_location", ctx.whereLocation)
		trace.set("store_category", ctx.storeCategory)
	}
	return ctx
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (c *Classifier) amazonMatch(s string, trace Trace) bool {
	m := amazonLinkRe.FindString(s)
	if m == "" || c.route(TagAmazon) == "" {
		return false
	}
	lower := strings.ToLower(m)
	if strings.Contains(lower, "amazon.") || strings.Contains(lower, "amzn.to") ||
		strings.Contains(lower, "a.co") || strings.HasPrefix(lower, "b0") {
		if trace != nil {
			if len(lower) > 200 {
				lower = lower[:200]
			}
			trace.setMatch("amazon", lower)
		}
		return true
	}
	return false
}

func (c *Classifier) affiliateBlob(in Input) string {
	return in.Text + " " + strings.Join(in.AttachmentURLs, " ")
}

// SelectTarget is the single-target classifier, used as a fallback when the
// multi-target detector returns nothing.
func (c *Classifier) SelectTarget(in Input, trace Trace) (Target, bool) {
	ctx := c.prepare(in, trace)
	lower := strings.ToLower(in.Text)

	// 1) AMAZON (strict)
	if c.amazonMatch(in.Text, trace) {
		return Target{ChannelID: c.route(TagAmazon), Tag: TagAmazon}, true
	}

	// 2) MONITORED_KEYWORD
	matched := text.ScanKeywords(in.Text, in.Keywords)
	if trace != nil {
		trace.setMatch("monitored_keyword", len(matched) > 0)
		if len(matched) > 10 {
			matched = matched[:10]
		}
		trace.setMatch("monitored_keywords", matched)
	}
	if len(matched) > 0 {
		if id := c.route(TagMonitoredKeyword); id != "" {
			return Target{ChannelID: id, Tag: TagMonitoredKeyword}, true
		}
	}

	// 3-8) INSTORE chain
	if ctx.isInstoreSource && ctx.instoreRequired {
		if t, ok := c.instoreChain(in.Text, ctx, trace); ok {
			return t, true
		}
		if ctx.instoreContext || ctx.whereLocation != "" {
			if id := c.instore[TagInstoreLeads]; id != "" {
				return Target{ChannelID: id, Tag: TagInstoreLeads}, true
			}
		}
	}

	// 9) UPCOMING (online only)
	if id := c.route(TagUpcoming); id != "" && ctx.sourceGroup == "online" && timestampRe.MatchString(in.Text) {
		explain := ExplainUpcoming(in.Text)
		if trace != nil {
			trace.set("upcoming_explain", explain)
		}
		if explain.HasFutureIndicator {
			return Target{ChannelID: id, Tag: TagUpcoming}, true
		}
	}

	// 10) AFFILIATED_LINKS (online only, any http link)
	if id := c.route(TagAffiliatedLinks); id != "" && ctx.sourceGroup == "online" {
		blob := c.affiliateBlob(in)
		if strings.Contains(blob, "http") {
			if trace != nil {
				dom := ""
				if m := storeDomainRe.FindStringSubmatch(blob); m != nil {
					dom = strings.ToLower(m[1])
				}
				trace.setMatch("affiliate_http", true)
				trace.setMatch("affiliate_domain", dom)
				trace.setMatch("affiliate_mavely", strings.Contains(strings.ToLower(blob), "mavely.app"))
			}
			return Target{ChannelID: id, Tag: TagAffiliatedLinks}, true
		}
	}

	// 11) fallbacks
	if amazonASINRe.MatchString(in.Text) {
		if id := c.route(TagAmazon); id != "" {
			return Target{ChannelID: id, Tag: TagAmazon}, true
		}
	}
	if id := c.route(TagAmazonFallback); id != "" && strings.Contains(lower, "amazon") {
		return Target{ChannelID: id, Tag: TagAmazonFallback}, true
	}
	if id := c.route(TagDefault); id != "" && c.defaultFallback {
		return Target{ChannelID: id, Tag: TagDefault}, true
	}
	return Target{}, false
}

// instoreChain applies the ordered in-store category checks.
func (c *Classifier) instoreChain(s string, ctx classifyContext, trace Trace) (Target, bool) {
	seasonal := seasonalRe.MatchString(s)
	sneakers := sneakersRe.MatchString(s)
	cards := cardsRe.MatchString(s)
	theatre := ctx.instoreContext && MatchesInstoreTheatre(s, ctx.whereLocation)
	major := majorStoreRe.MatchString(s) || ctx.storeCategory == "major"
	discounted := discountedStoreRe.MatchString(s) || ctx.storeCategory == "discounted"

	if trace != nil {
		trace.setMatch("instore_seasonal", seasonal)
		trace.setMatch("instore_sneakers", sneakers)
		trace.setMatch("instore_cards", cards)
		trace.setMatch("instore_theatre", theatre)
		trace.setMatch("major_store", major)
		trace.setMatch("discounted_store", discounted)
	}

	checks := []struct {
		hit bool
		tag string
	}{
		{seasonal, TagInstoreSeasonal},
		{sneakers, TagInstoreSneakers},
		{cards, TagInstoreCards},
		{theatre, TagInstoreTheatre},
		{major, TagMajorStores},
		{discounted, TagDiscountedStores},
	}
	for _, ch := range checks {
		if !ch.hit {
			continue
		}
		if id := c.instore[ch.tag]; id != "" {
			return Target{ChannelID: id, Tag: ch.tag}, true
		}
	}
	return Target{}, false
}

// DetectAll is the multi-target classifier used by the live forwarder.
func (c *Classifier) DetectAll(in Input, trace Trace) []Target {
	ctx := c.prepare(in, trace)
	var results []Target

	amazonDetected := amazonLinkRe.MatchString(in.Text)
	if c.amazonMatch(in.Text, trace) {
		results = append(results, Target{ChannelID: c.route(TagAmazon), Tag: TagAmazon})
	}

	matched := text.ScanKeywords(in.Text, in.Keywords)
	if trace != nil {
		trace.setMatch("monitored_keyword", len(matched) > 0)
	}
	if len(matched) > 0 {
		if id := c.route(TagMonitoredKeyword); id != "" {
			results = append(results, Target{ChannelID: id, Tag: TagMonitoredKeyword})
		}
	}

	if ctx.isInstoreSource && ctx.instoreRequired && ctx.instoreContext {
		if t, ok := c.instoreChain(in.Text, ctx, trace); ok {
			results = append(results, t)
		} else if id := c.instore[TagInstoreLeads]; id != "" {
			results = append(results, Target{ChannelID: id, Tag: TagInstoreLeads})
		}
	}

	if id := c.route(TagUpcoming); id != "" && ctx.sourceGroup == "online" && timestampRe.MatchString(in.Text) {
		explain := ExplainUpcoming(in.Text)
		if trace != nil {
			trace.set("upcoming_explain", explain)
		}
		if explain.HasFutureIndicator {
			results = append(results, Target{ChannelID: id, Tag: TagUpcoming})
		}
	}

	// Affiliate links only when nothing in-store claimed the message.
	instoreClaimed := false
	for _, t := range results {
		if strings.HasPrefix(t.Tag, "INSTORE") || t.Tag == TagMajorStores || t.Tag == TagDiscountedStores {
			instoreClaimed = true
			break
		}
	}
	if !instoreClaimed && ctx.sourceGroup == "online" {
		if id := c.route(TagAffiliatedLinks); id != "" {
			blob := c.affiliateBlob(in)
			if strings.Contains(blob, "http") {
				if trace != nil {
					dom := ""
					if m := storeDomainRe.FindStringSubmatch(blob); m != nil {
						dom = strings.ToLower(m[1])
					}
					trace.setMatch("affiliate_http", true)
					trace.setMatch("affiliate_domain", dom)
					trace.setMatch("affiliate_reason", "http_present")
				}
				results = append(results, Target{ChannelID: id, Tag: TagAffiliatedLinks})
			}
		}
	}

	// Amazon suppresses every other local destination.
	for _, t := range results {
		if t.Tag == TagAmazon {
			results = []Target{t}
			break
		}
	}

	if len(results) == 0 {
		if amazonDetected {
			if id := c.route(TagAmazonFallback); id != "" {
				results = append(results, Target{ChannelID: id, Tag: TagAmazonFallback})
			}
		} else if id := c.route(TagDefault); id != "" && c.defaultFallback {
			results = append(results, Target{ChannelID: id, Tag: TagDefault})
		}
	}

	if trace != nil {
		tags := make([]string, 0, len(results))
		for _, t := range results {
			tags = append(tags, t.Tag)
		}
		trace.set("all_link_types", tags)
	}
	return results
}

// GlobalTriggers fires independently of routing: price errors anywhere that
// is not an in-store channel, flips on online channels only.
func (c *Classifier) GlobalTriggers(in Input) []Target {
	if in.Text == "" {
		return nil
	}
	normalized := text.Normalize(in.Text)
	group := c.groups.Group(in.SourceChannelID)

	var results []Target
	if id := c.triggers[TagPriceError]; id != "" && group != "instore" {
		if priceErrorRe.MatchString(normalized) {
			results = append(results, Target{ChannelID: id, Tag: TagPriceError})
		}
	}
	if id := c.triggers[TagProfitableFlip]; id != "" && group == "online" {
		if profitableFlipRe.MatchString(normalized) {
			results = append(results, Target{ChannelID: id, Tag: TagProfitableFlip})
		}
	}
	if id := c.triggers[TagLunchmoneyFlip]; id != "" && group == "online" {
		if strings.Contains(normalized, "lunch") {
			results = append(results, Target{ChannelID: id, Tag: TagLunchmoneyFlip})
		}
	}

	seen := make(map[Target]struct{}, len(results))
	out := results[:0]
	for _, t := range results {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Order arranges targets for dispatch. PRICE_ERROR becomes primary and makes
// dispatch stop after the first successful send.
func Order(targets []Target) ([]Target, bool) {
	if len(targets) == 0 {
		return nil, false
	}
	hasPriceError := false
	for _, t := range targets {
		if t.Tag == TagPriceError {
			hasPriceError = true
			break
		}
	}
	if !hasPriceError {
		return targets, false
	}
	ordered := make([]Target, 0, len(targets))
	for _, t := range targets {
		if t.Tag == TagPriceError {
			ordered = append(ordered, t)
		}
	}
	for _, t := range targets {
		if t.Tag != TagPriceError {
			ordered = append(ordered, t)
		}
	}
	return ordered, true
}
