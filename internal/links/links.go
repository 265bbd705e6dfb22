// Package links unwraps affiliate wrapper URLs and canonicalizes the
// destinations they hide, so forwarded messages carry direct links.
package links

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/neo-rs/mwbots/internal/text"
)

var (
	rawURLRe     = regexp.MustCompile(`(?i)https?://[^\s<>"')\]]+`)
	encodedURLRe = regexp.MustCompile(`(?i)https?%3A%2F%2F[^\s<>"')\]]+`)
	markdownRe   = regexp.MustCompile(`(?i)\[[^\]]+\]\((https?://[^\s<>)]+)\)`)

	amazonHostRe  = regexp.MustCompile(`(?i)(?:^|\.)amazon\.[a-z.]{2,}$`)
	amznShortRe   = regexp.MustCompile(`(?i)^https?://(?:www\.)?(?:amzn\.to|a\.co)/[A-Za-z0-9]+`)
	asinRe        = regexp.MustCompile(`\b([A-Z0-9]{10})\b`)
	dpPathRe      = regexp.MustCompile(`(?i)/dp/([A-Z0-9]{10})(?:[/?]|$)`)
	gpProductRe   = regexp.MustCompile(`(?i)/gp/product/([A-Z0-9]{10})(?:[/?]|$)`)
	rawLinksBlock = regexp.MustCompile(`(?i)\n+Raw links:\s*\n(?:<?https?://\S+>?\s*)+`)

	dmflipURLRe   = regexp.MustCompile(`(?i)https?://(?:www\.)?dmflip\.com/[^\s<>"']+`)
	ringURLRe     = regexp.MustCompile(`(?i)(?:https?://(?:www\.)?)?ringinthedeals\.com/deal/[^\s<>'")\]]+`)
	redirectURLRe = regexp.MustCompile(`(?i)https?://(?:www\.)?(?:howl\.link|mavely\.app\.link|go\.magik\.ly|magik\.ly)/[^\s<>"']+`)

	amazonPageURLRe = regexp.MustCompile(`(?i)https?://[^/\s]*amazon\.[a-z.]{2,}/[^\s<>"']+`)
	amznShortFindRe = regexp.MustCompile(`(?i)https?://(?:www\.)?(?:amzn\.to|a\.co)/[A-Za-z0-9]+`)
)

// Query parameter names that wrapper services use for the destination.
var commonRedirectKeys = []string{
	"url", "link", "redirect", "target", "u", "r", "to",
	"dest", "destination", "out", "q", "l", "s", "o",
}

var (
	redirectDomains = []string{"howl.link", "mavely.app.link", "go.magik.ly", "magik.ly"}
	queryDomains    = []string{"galaxydeals.net"}
	htmlDomains     = []string{"dmflip.com", "ringinthedeals.com"}
	allDomains      = joinDomains(redirectDomains, queryDomains, htmlDomains)
)

// Discord CDN links never count as hidden destinations.
var discordMediaHosts = map[string]struct{}{
	"cdn.discordapp.com":   {},
	"media.discordapp.net": {},
	"cdn.discordapp.net":   {},
}

func joinDomains(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func hostOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	h := strings.ToLower(u.Host)
	return strings.TrimPrefix(h, "www.")
}

func hostMatchesAny(host string, domains []string) bool {
	for _, d := range domains {
		if strings.Contains(host, d) {
			return true
		}
	}
	return false
}

// IsAffiliateDomain reports whether u points at a known wrapper service.
func IsAffiliateDomain(u string) bool {
	return hostMatchesAny(hostOf(u), allDomains)
}

// IsDiscordMediaURL reports whether u points at the Discord CDN.
func IsDiscordMediaURL(u string) bool {
	_, ok := discordMediaHosts[hostOf(u)]
	return ok
}

// CanonicalizeAmazonURL strips tracking and normalizes Amazon product
// URLs to https://<host>/dp/<ASIN>. Non-Amazon URLs pass through
// normalized; amzn.to and a.co short links are kept as-is.
func CanonicalizeAmazonURL(raw string) string {
	if raw == "" {
		return ""
	}
	if amznShortRe.MatchString(raw) {
		return text.NormalizeURL(raw)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return text.NormalizeURL(raw)
	}
	host := strings.TrimPrefix(strings.ToLower(parsed.Host), "www.")
	if !amazonHostRe.MatchString(host) {
		return text.NormalizeURL(raw)
	}

	asin := ""
	if m := dpPathRe.FindStringSubmatch(parsed.Path); m != nil {
		asin = strings.ToUpper(m[1])
	} else if m := gpProductRe.FindStringSubmatch(parsed.Path); m != nil {
		asin = strings.ToUpper(m[1])
	} else if m := asinRe.FindStringSubmatch(raw); m != nil {
		asin = strings.ToUpper(m[1])
	}
	if asin != "" {
		return "https://" + host + "/dp/" + asin
	}
	return text.NormalizeURL(raw)
}

// CanonicalizeAmazonURLKeepTag is CanonicalizeAmazonURL but preserves
// an affiliate ?tag= parameter when the source URL carries one.
func CanonicalizeAmazonURLKeepTag(raw string) string {
	if raw == "" {
		return ""
	}
	tag := ""
	if parsed, err := url.Parse(raw); err == nil {
		tag = strings.TrimSpace(parsed.Query().Get("tag"))
	}
	base := CanonicalizeAmazonURL(raw)
	if base == "" {
		return ""
	}
	if tag != "" {
		return base + "?tag=" + tag
	}
	return base
}

const maxUnwrapDepth = 4

// UnwrapSingleURL digs the destination URL out of markdown links,
// percent-encoded URLs, and wrapper query parameters. Returns "" when
// nothing unwrappable is found. preferDomains, when non-empty, marks
// hosts that should be returned as soon as they surface.
func UnwrapSingleURL(value string, preferDomains []string) string {
	return unwrapSingleURL(value, 0, preferDomains)
}

func unwrapSingleURL(value string, depth int, preferDomains []string) string {
	if value == "" || depth > maxUnwrapDepth {
		return ""
	}
	if md := markdownRe.FindStringSubmatch(value); md != nil {
		inner := md[1]
		if rec := unwrapSingleURL(inner, depth+1, preferDomains); rec != "" {
			return rec
		}
		return inner
	}

	candidate := rawURLRe.FindString(value)
	if candidate == "" {
		candidate = encodedURLRe.FindString(value)
	}
	if candidate != "" {
		decoded := pathUnescape(candidate)
		if decoded != candidate && rawURLRe.MatchString(decoded) {
			if rec := unwrapSingleURL(decoded, depth+1, preferDomains); rec != "" {
				return rec
			}
		}

		parsed, err := url.Parse(decoded)
		if err != nil {
			return decoded
		}
		if parsed.RawQuery != "" {
			q, _ := url.ParseQuery(parsed.RawQuery)
			for _, key := range commonRedirectKeys {
				for _, val := range q[key] {
					if rec := unwrapSingleURL(val, depth+1, preferDomains); rec != "" {
						return rec
					}
				}
			}
			for _, vals := range q {
				for _, val := range vals {
					if rec := unwrapSingleURL(val, depth+1, preferDomains); rec != "" {
						return rec
					}
				}
			}
		}
		if len(preferDomains) > 0 {
			host := strings.ToLower(parsed.Host)
			if hostMatchesAny(host, preferDomains) {
				return decoded
			}
		}
		return decoded
	}

	if dec := pathUnescape(value); dec != "" && dec != value {
		return unwrapSingleURL(dec, depth+1, preferDomains)
	}
	return ""
}

func pathUnescape(s string) string {
	dec, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return dec
}

// ExtractHiddenLinks pulls hidden destination URLs out of query-style
// wrapper links. Already-visible links, wrapper-to-wrapper results, and
// Discord CDN URLs are skipped. Redirect and HTML wrappers need network
// resolution and are handled by the Resolver.
func ExtractHiddenLinks(t string) []string {
	if t == "" {
		return nil
	}
	var candidates []string
	for _, m := range markdownRe.FindAllStringSubmatch(t, -1) {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, rawURLRe.FindAllString(t, -1)...)
	candidates = append(candidates, encodedURLRe.FindAllString(t, -1)...)

	seen := map[string]struct{}{}
	var results []string
	for _, raw := range candidates {
		decoded := pathUnescape(raw)
		host := hostOf(decoded)
		if host == "" || !hostMatchesAny(host, queryDomains) {
			continue
		}
		unwrapped := UnwrapSingleURL(decoded, nil)
		if unwrapped == "" || unwrapped == decoded {
			continue
		}
		if IsAffiliateDomain(unwrapped) || IsDiscordMediaURL(unwrapped) {
			continue
		}
		if amazonHostRe.MatchString(hostOf(unwrapped)) {
			unwrapped = CanonicalizeAmazonURL(unwrapped)
		}
		if _, dup := seen[unwrapped]; dup || unwrapped == "" {
			continue
		}
		seen[unwrapped] = struct{}{}
		results = append(results, unwrapped)
		if len(results) >= 25 {
			break
		}
	}
	return results
}

// PickBestRawURL chooses the URL worth surfacing from extracted links,
// preferring non-wrapper destinations with Amazon URLs canonicalized.
func PickBestRawURL(rawURLs []string) string {
	var candidates []string
	for _, u := range rawURLs {
		if strings.HasPrefix(u, "http") {
			candidates = append(candidates, u)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	for _, u := range candidates {
		if IsAffiliateDomain(u) {
			continue
		}
		if amazonHostRe.MatchString(hostOf(u)) {
			return CanonicalizeAmazonURLKeepTag(u)
		}
		if amznShortRe.MatchString(u) {
			return text.NormalizeURL(u)
		}
		return u
	}
	return candidates[0]
}

// BuildRawLinksFollowup renders unwrapped destinations as a short
// follow-up message. Links are wrapped in <> so Discord skips previews.
func BuildRawLinksFollowup(rawURLs []string, maxLinks int) string {
	if maxLinks <= 0 {
		maxLinks = 5
	}
	seen := map[string]struct{}{}
	var lines []string
	for _, u := range rawURLs {
		u = strings.TrimSpace(u)
		if u == "" || !strings.HasPrefix(u, "http") {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		lines = append(lines, "<"+u+">")
		if len(lines) >= maxLinks {
			break
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Raw links:\n" + strings.Join(lines, "\n")
}

// splitTrailingPunct separates chat punctuation glued to the end of a
// URL token, e.g. "https://x.y/z)." becomes ("https://x.y/z", ").").
func splitTrailingPunct(token string) (string, string) {
	s := strings.TrimSpace(token)
	tail := ""
	for s != "" && strings.ContainsRune(".,);]}>", rune(s[len(s)-1])) {
		tail = s[len(s)-1:] + tail
		s = s[:len(s)-1]
	}
	return s, tail
}
