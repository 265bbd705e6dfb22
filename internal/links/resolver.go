package links

import (
	"context"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/neo-rs/mwbots/internal/text"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

const (
	redirectCacheTTL = 12 * time.Hour
	redirectCacheMax = 2000
	resolveTimeout   = 10 * time.Second
	maxHTMLBytes     = 2 << 20

	browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

type cachedRedirect struct {
	at  time.Time
	url string
}

// Resolver follows wrapper redirects and scrapes deal pages for the
// Amazon links they hide. Resolved redirects are cached so repeated
// posts of the same wrapper do not refetch.
type Resolver struct {
	client *http.Client
	log    logx.Logger

	mu    sync.Mutex
	cache map[string]cachedRedirect
}

func NewResolver(log logx.Logger) *Resolver {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{
		client: &http.Client{Timeout: resolveTimeout},
		log:    log,
		cache:  map[string]cachedRedirect{},
	}
}

// SetClient replaces the HTTP client, mainly for tests.
func (r *Resolver) SetClient(c *http.Client) { r.client = c }

func ensureScheme(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return "https://" + u
	}
	return u
}

// ResolveRedirect follows a redirect-style wrapper (howl, mavely,
// magik) to its destination. Returns "" when resolution fails or the
// chain never leaves wrapper territory.
func (r *Resolver) ResolveRedirect(ctx context.Context, wrapperURL string) string {
	wrapperURL = ensureScheme(wrapperURL)
	if wrapperURL == "" {
		return ""
	}

	r.mu.Lock()
	if c, ok := r.cache[wrapperURL]; ok && time.Since(c.at) < redirectCacheTTL {
		r.mu.Unlock()
		return c.url
	}
	r.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wrapperURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", browserUA)
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debug("redirect resolve failed", logx.String("url", wrapperURL), logx.Err(err))
		return ""
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	final := resp.Request.URL.String()
	if final == "" || hostMatchesAny(hostOf(final), allDomains) {
		return ""
	}

	r.mu.Lock()
	r.cache[wrapperURL] = cachedRedirect{at: time.Now(), url: final}
	if len(r.cache) > redirectCacheMax {
		cutoff := time.Now().Add(-redirectCacheTTL)
		for k, c := range r.cache {
			if c.at.Before(cutoff) {
				delete(r.cache, k)
			}
		}
	}
	r.mu.Unlock()
	return final
}

func (r *Resolver) fetchHTML(ctx context.Context, pageURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Debug("page fetch failed", logx.String("url", pageURL), logx.Err(err))
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTMLBytes))
	if err != nil {
		return ""
	}
	return string(body)
}

// amazonFromHTML scans page HTML for an Amazon product URL, preferring
// direct links and falling back to percent-encoded and short links.
func (r *Resolver) amazonFromHTML(ctx context.Context, html string, keepTag bool) string {
	var candidates []string
	candidates = append(candidates, firstN(amazonPageURLRe.FindAllString(html, -1), 80)...)
	candidates = append(candidates, firstN(encodedURLRe.FindAllString(html, -1), 80)...)
	candidates = append(candidates, firstN(amznShortFindRe.FindAllString(html, -1), 20)...)

	prefer := []string{"amazon.", "amzn.to", "a.co"}
	for _, raw := range candidates {
		unwrapped := UnwrapSingleURL(raw, prefer)
		if unwrapped == "" {
			unwrapped = raw
		}
		if amazonHostRe.MatchString(hostOf(unwrapped)) {
			if keepTag {
				return CanonicalizeAmazonURLKeepTag(unwrapped)
			}
			return CanonicalizeAmazonURL(unwrapped)
		}
		if amznShortRe.MatchString(unwrapped) {
			if !keepTag {
				return CanonicalizeAmazonURL(unwrapped)
			}
			// Expand the short link so the tag survives.
			if final := r.ResolveRedirect(ctx, unwrapped); final != "" && amazonHostRe.MatchString(hostOf(final)) {
				return CanonicalizeAmazonURLKeepTag(final)
			}
			return text.NormalizeURL(unwrapped)
		}
	}
	return ""
}

func firstN(in []string, n int) []string {
	if len(in) > n {
		return in[:n]
	}
	return in
}

// AmazonFromDMFlip resolves a dmflip.com page to the Amazon link it
// promotes.
func (r *Resolver) AmazonFromDMFlip(ctx context.Context, pageURL string) string {
	pageURL = ensureScheme(pageURL)
	if pageURL == "" {
		return ""
	}
	html := r.fetchHTML(ctx, pageURL)
	if html == "" {
		return ""
	}
	return r.amazonFromHTML(ctx, html, false)
}

// AmazonFromRingInTheDeals resolves a ringinthedeals.com deal page.
func (r *Resolver) AmazonFromRingInTheDeals(ctx context.Context, pageURL string) string {
	pageURL = ensureScheme(pageURL)
	if pageURL == "" {
		return ""
	}
	html := r.fetchHTML(ctx, pageURL)
	if html == "" {
		return ""
	}
	return r.amazonFromHTML(ctx, html, true)
}

// AugmentRedirectAffiliates appends resolved destinations for any
// redirect-style wrapper links in t. The classifier sees the augmented
// text so wrapped Amazon deals still classify as Amazon.
func (r *Resolver) AugmentRedirectAffiliates(ctx context.Context, t string) (string, []string) {
	matches := redirectURLRe.FindAllString(t, -1)
	if len(matches) == 0 {
		return t, nil
	}
	var extracted []string
	for _, u := range firstN(matches, 8) {
		if final := r.ResolveRedirect(ctx, u); final != "" {
			extracted = append(extracted, final)
		}
	}
	if len(extracted) > 0 {
		t = strings.TrimSpace(t + " " + strings.Join(extracted, " "))
	}
	return t, extracted
}

// AugmentDMFlip appends extracted Amazon links for dmflip URLs in t.
func (r *Resolver) AugmentDMFlip(ctx context.Context, t string) (string, []string) {
	matches := dmflipURLRe.FindAllString(t, -1)
	if len(matches) == 0 {
		return t, nil
	}
	var extracted []string
	for _, u := range firstN(matches, 5) {
		if amazon := r.AmazonFromDMFlip(ctx, u); amazon != "" {
			extracted = append(extracted, amazon)
		}
	}
	if len(extracted) > 0 {
		t = strings.TrimSpace(t + " " + strings.Join(extracted, " "))
	}
	return t, extracted
}

// AugmentRingInTheDeals appends extracted Amazon links for
// ringinthedeals deal URLs in t.
func (r *Resolver) AugmentRingInTheDeals(ctx context.Context, t string) (string, []string) {
	matches := ringURLRe.FindAllString(t, -1)
	if len(matches) == 0 {
		return t, nil
	}
	var extracted []string
	for _, u := range firstN(matches, 5) {
		if amazon := r.AmazonFromRingInTheDeals(ctx, u); amazon != "" {
			extracted = append(extracted, amazon)
		}
	}
	if len(extracted) > 0 {
		t = strings.TrimSpace(t + " " + strings.Join(extracted, " "))
	}
	return t, extracted
}

// RewriteAffiliateLinks rewrites wrapper links in-place so the
// forwarded copy shows destination links wrapped in <> to suppress
// Discord previews. Returns the new content, the extracted links in
// order, and whether anything changed.
func (r *Resolver) RewriteAffiliateLinks(ctx context.Context, content string, rawURLs []string) (string, []string, bool) {
	if strings.TrimSpace(content) == "" {
		return content, nil, false
	}

	didReplace := false
	var extracted []string

	// Strip "Raw links:" blocks appended by older message copies.
	if cleaned := rawLinksBlock.ReplaceAllString(content, ""); cleaned != content {
		content = cleaned
		didReplace = true
	}

	type resolveFn func(context.Context, string) string
	rewrite := func(re *regexp.Regexp, resolve resolveFn) {
		matches := re.FindAllString(content, -1)
		if len(matches) == 0 {
			return
		}
		resolved := map[string]string{}
		seen := map[string]struct{}{}
		count := 0
		for _, token := range matches {
			clean, _ := splitTrailingPunct(token)
			if clean == "" {
				continue
			}
			if _, dup := seen[clean]; dup {
				continue
			}
			seen[clean] = struct{}{}
			if count >= 5 {
				break
			}
			count++
			if dest := resolve(ctx, clean); dest != "" {
				resolved[clean] = CanonicalizeAmazonURLKeepTag(dest)
			}
		}
		for _, token := range matches {
			clean, tail := splitTrailingPunct(token)
			dest := resolved[clean]
			if dest == "" {
				continue
			}
			extracted = append(extracted, dest)
			rep := "<" + dest + ">" + tail
			if strings.Contains(content, token) && !strings.Contains(content, rep) {
				content = strings.Replace(content, token, rep, -1)
				didReplace = true
			}
		}
	}

	rewrite(dmflipURLRe, r.AmazonFromDMFlip)
	rewrite(ringURLRe, r.AmazonFromRingInTheDeals)

	// Legacy path: a single wrapper URL with a known destination gets
	// rewritten inline.
	if !didReplace && len(rawURLs) > 0 {
		if target := PickBestRawURL(rawURLs); target != "" {
			urls := rawURLRe.FindAllString(content, -1)
			if len(urls) == 1 {
				src, tail := splitTrailingPunct(urls[0])
				if src != "" && IsAffiliateDomain(src) && target != src && !strings.Contains(content, target) {
					content = strings.Replace(content, urls[0], "<"+target+">"+tail, 1)
					didReplace = true
				}
			}
		}
	}

	seenOut := map[string]struct{}{}
	deduped := extracted[:0]
	for _, u := range extracted {
		if u == "" {
			continue
		}
		if _, dup := seenOut[u]; dup {
			continue
		}
		seenOut[u] = struct{}{}
		deduped = append(deduped, u)
	}
	return content, deduped, didReplace
}
