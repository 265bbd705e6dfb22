package classify

import (
	"regexp"
	"strings"
)

// Amazon
var (
	amazonLinkRe = regexp.MustCompile(`(?i)(https?://(?:www\.)?(?:amazon\.[a-z.]{2,10}|amzn\.to|a\.co)/[^\s]+|\bB0[A-Z0-9]{8}\b)`)
	amazonASINRe = regexp.MustCompile(`(?i)\bB0[A-Z0-9]{8}\b`)
)

// Timestamp / upcoming cues
var timestampRe = regexp.MustCompile(`(?i)(<t:\d+:[a-zA-Z]>|\b(coming\s+soon|goes\s+live|go\s+live)\b|` +
	`\b(drops?|releasing?|launches?)\s+(on|at)\b|\bpre[- ]?order\b|` +
	`\b(available|starts?)\s+(at|on)\b|\bup\s*next\b|\b(in|within)\s+\d+\s*(minutes?|mins?|hours?|hrs?|days?)\b|` +
	`\btomorrow\b|\bnext\s+(week|month|friday|monday|tuesday|wednesday|thursday|saturday|sunday)\b|` +
	`\b(release|movie\s+release|launch)\s+date\b|\bwhen:\s*|\b\d{1,2}:\d{2}\s*(am|pm)\b|` +
	`\b\d{1,2}/\d{1,2}/\d{2,4}\b|\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\s+\d{1,2},?\s+\d{2,4}\b)`)

// In-store categories
var (
	seasonalRe = regexp.MustCompile(`(?i)\b(` +
		`christmas|xmas|holiday\s*time|holiday|seasonal|` +
		`halloween|thanksgiving|easter|` +
		`valentine['s]?\s*day|mother['s]?\s*day|father['s]?\s*day|` +
		`new\s*year|black\s*friday|cyber\s*monday|memorial\s*day|independence\s*day|labor\s*day|` +
		`gingerbread|nutcracker|ornament|winter|snowman` +
		`)\b`)
	sneakersRe = regexp.MustCompile(`(?i)\b(nike|jordan|yeezy|adidas|reebok|puma|new\s*balance|crocs|vans|converse|asics|brooks|saucony|skechers|sneakers?|shoes?|kicks|footwear)\b`)
	cardsRe    = regexp.MustCompile(`(?i)\b(pok[eé]mon|topps\s*chrome|panini|magic\s*the\s*gathering|mtg|yu[\s-]?gi[\s-]?oh|sports?\s*cards?|nba\s*cards?|nfl\s*cards?|mlb\s*cards?|trading\s*cards?|tcg|ccg|pokemon)\b`)
)

// Theatre
var (
	theatreStoreRe = regexp.MustCompile(`(?i)` + strings.Join([]string{
		`cinemark`,
		`regal(?:\s*(?:cinemas?|theatres?|theaters?))?`,
		`amc\s*(?:theatres?|theaters?)?`,
		`alamo\s*drafthouse`,
		`harkins\s*theatres?`,
		`megaplex\s*theatres?`,
		`marcus\s*theatres?`,
		`showcase\s*cinemas?`,
		`cinepolis`,
		`cineplex`,
		`galaxy\s*theatres?`,
		`b\s*&\s*b\s*theatres?`,
		`movie\s+tavern`,
		`landmark\s*theatres?`,
	}, "|"))
	theatreMerchRe   = regexp.MustCompile(`(?i)\b(popcorn\s+(?:bucket|tin|tub)|collectible\s+combo|souvenir\s+(?:cups?|tubs?)|movie\s+merch)\b`)
	theatreContextRe = regexp.MustCompile(`(?i)\b(theatres?|theaters?|cinema|movie\s+release|movie\s+premiere)\b`)
)

// Global triggers
var (
	priceErrorRe = regexp.MustCompile(`(?i)\b(bugged|wrong\s+price|accidental\s+drop|underpriced|checkout\s+working|error\s+price|` +
		`price\s+error|messed\s+up|mispriced|glitched\s+price|stack(?:ed|ing)\s+glitch|glitch(?:ed)?)\b`)
	profitableFlipRe = regexp.MustCompile(`(?i)\b(200%|300%|400%|500%|\d{3,}%|3x|4x|5x|\d+x\s*retail|high\s*roi|exceptional\s*margin|great\s*flip|easy\s*money|quick\s*flip)\b`)
)

var majorStores = []string{
	"walmart", "target", "amazon", "best buy", "costco", "sam's club",
	"home depot", "lowe's", "gamestop", "nike", "adidas", "foot locker",
	"finish line", "macy's", "nordstrom", "sephora", "ulta", "kroger",
	"heb", "meijer", "publix", "menards", "dick's sporting goods",
	"academy sports", "cabela's", "bass pro", "trader joe's", "whole foods",
	"sprouts", "scheels", "fleet farm", "bj's wholesale", "rite aid",
	"walgreens", "cvs", "hobby lobby", "pottery barn", "disney store",
	"build-a-bear", "mattel creations", "starbucks", "dunkin",
}

var discountedStores = []string{
	"burlington", "marshalls", "tj maxx", "ross", "five below",
	"dollar tree", "dollar general", "aldi", "lidl", "homegoods",
	"ollie's", "big lots", "burke's outlet", "dd's discounts",
	"city trends", "rainbow shops", "roses", "grocery outlet",
	"daiso", "popshelf",
}

func storeListRe(lists ...[]string) *regexp.Regexp {
	var quoted []string
	for _, list := range lists {
		for _, s := range list {
			quoted = append(quoted, regexp.QuoteMeta(s))
		}
	}
	return regexp.MustCompile(`(?i)` + strings.Join(quoted, "|"))
}

var (
	majorStoreRe      = storeListRe(majorStores)
	discountedStoreRe = storeListRe(discountedStores)
	allStoreRe        = storeListRe(majorStores, discountedStores)
)

// storeDomains maps retailer domains to store names for affiliated-link routing.
var storeDomains = map[string]string{
	"amazon.com":    "amazon",
	"amzn.to":       "amazon",
	"a.co":          "amazon",
	"walmart.com":   "walmart",
	"target.com":    "target",
	"bestbuy.com":   "best buy",
	"costco.com":    "costco",
	"homedepot.com": "home depot",
	"lowes.com":     "lowe's",
	"gamestop.com":  "gamestop",
}

func storeDomainPattern() *regexp.Regexp {
	var quoted []string
	for d := range storeDomains {
		quoted = append(quoted, regexp.QuoteMeta(d))
	}
	return regexp.MustCompile(`(?i)https?://[^\s]*(` + strings.Join(quoted, "|") + `)[^\s]*`)
}

var storeDomainRe = storeDomainPattern()

// Label/header detection (in-store style messages)
var labelRe = regexp.MustCompile(`(?im)^\s*(retail|resell|where|location|store)\s*[:\-]\s*.+$`)

var instoreKeywords = []string{
	"in store",
	"instore",
	"bopis",
	"pickup",
	"brick and mortar",
	"brick-and-mortar",
}

// Required headers for an in-store formatted lead.
var (
	instoreRetailRe = regexp.MustCompile(`(?i)retail\s*[:\-]`)
	instoreResellRe = regexp.MustCompile(`(?i)resell\s*[:\-]`)
	instoreWhereRe  = regexp.MustCompile(`(?i)where\s*[:\-]`)
)

var whereLineRe = regexp.MustCompile(`(?i)where\s*:\s*([^\n]+)`)

// MatchesInstoreTheatre reports whether text (or the Where: location) looks
// like a movie-theatre lead.
func MatchesInstoreTheatre(s, whereLocation string) bool {
	if s == "" {
		return false
	}
	if theatreStoreRe.MatchString(s) {
		return true
	}
	if whereLocation != "" && theatreStoreRe.MatchString(whereLocation) {
		return true
	}
	return theatreMerchRe.MatchString(s) && theatreContextRe.MatchString(s)
}

// HasInstoreRequiredFields requires Retail + Resell + Where headers.
func HasInstoreRequiredFields(s string) bool {
	if s == "" {
		return false
	}
	return instoreRetailRe.MatchString(s) && instoreResellRe.MatchString(s) && instoreWhereRe.MatchString(s)
}

func whereLocation(s string) string {
	m := whereLineRe.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

func storeCategoryFromLocation(loc string) string {
	if loc == "" {
		return ""
	}
	l := strings.ToLower(loc)
	if majorStoreRe.MatchString(l) {
		return "major"
	}
	if discountedStoreRe.MatchString(l) {
		return "discounted"
	}
	return ""
}
