package links

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"

	logx "github.com/neo-rs/mwbots/pkg/logx"
)

func TestCanonicalizeAmazonURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "dp path with tracking",
			in:   "https://www.amazon.com/Some-Product/dp/B0ABCDEF12?ref=sr_1_1&tag=deals-20",
			want: "https://amazon.com/dp/B0ABCDEF12",
		},
		{
			name: "gp product path",
			in:   "https://amazon.com/gp/product/B0ABCDEF12",
			want: "https://amazon.com/dp/B0ABCDEF12",
		},
		{
			name: "asin anywhere in url",
			in:   "https://www.amazon.com/deal?asin=B0ABCDEF12",
			want: "https://amazon.com/dp/B0ABCDEF12",
		},
		{
			name: "short link normalized",
			in:   "https://amzn.to/3xYzAbC",
			want: "https://amzn.to/3xyzabc",
		},
		{
			name: "non amazon passes through",
			in:   "https://walmart.com/ip/12345",
			want: "https://walmart.com/ip/12345",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := CanonicalizeAmazonURL(tc.in); got != tc.want {
				t.Errorf("CanonicalizeAmazonURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCanonicalizeAmazonURLKeepTag(t *testing.T) {
	t.Parallel()

	in := "https://www.amazon.com/Some-Product/dp/B0ABCDEF12?ref=x&tag=deals-20"
	want := "https://amazon.com/dp/B0ABCDEF12?tag=deals-20"
	if got := CanonicalizeAmazonURLKeepTag(in); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	// No tag means no trailing parameter.
	if got := CanonicalizeAmazonURLKeepTag("https://amazon.com/dp/B0ABCDEF12"); got != "https://amazon.com/dp/B0ABCDEF12" {
		t.Fatalf("got %q", got)
	}
}

func TestUnwrapSingleURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "markdown link",
			in:   "check [this deal](https://walmart.com/ip/999) out",
			want: "https://walmart.com/ip/999",
		},
		{
			name: "query wrapper",
			in:   "https://galaxydeals.net/go?url=https%3A%2F%2Famazon.com%2Fdp%2FB0ABCDEF12",
			want: "https://amazon.com/dp/B0ABCDEF12",
		},
		{
			name: "plain url",
			in:   "https://example.com/page",
			want: "https://example.com/page",
		},
		{
			name: "no url",
			in:   "nothing here",
			want: "",
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := UnwrapSingleURL(tc.in, nil); got != tc.want {
				t.Errorf("UnwrapSingleURL(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestExtractHiddenLinks(t *testing.T) {
	t.Parallel()

	in := "deal: https://galaxydeals.net/go?url=https%3A%2F%2Fwww.amazon.com%2Fdp%2FB0ABCDEF12 " +
		"and a visible link https://walmart.com/ip/1"
	got := ExtractHiddenLinks(in)
	want := []string{"https://amazon.com/dp/B0ABCDEF12"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ExtractHiddenLinks = %v, want %v", got, want)
	}

	// Visible links and Discord CDN links are never reported.
	if got := ExtractHiddenLinks("https://walmart.com/ip/1 https://cdn.discordapp.com/attachments/1/2/x.png"); len(got) != 0 {
		t.Fatalf("ExtractHiddenLinks on visible links = %v", got)
	}
}

func TestPickBestRawURL(t *testing.T) {
	t.Parallel()

	got := PickBestRawURL([]string{
		"https://howl.link/abc",
		"https://www.amazon.com/dp/B0ABCDEF12?tag=deals-20",
	})
	if got != "https://amazon.com/dp/B0ABCDEF12?tag=deals-20" {
		t.Fatalf("PickBestRawURL = %q", got)
	}
	// All-wrapper input falls back to the first candidate.
	if got := PickBestRawURL([]string{"https://magik.ly/x"}); got != "https://magik.ly/x" {
		t.Fatalf("PickBestRawURL wrapper fallback = %q", got)
	}
	if got := PickBestRawURL(nil); got != "" {
		t.Fatalf("PickBestRawURL(nil) = %q", got)
	}
}

func TestSplitTrailingPunct(t *testing.T) {
	t.Parallel()

	u, tail := splitTrailingPunct("https://x.y/z).")
	if u != "https://x.y/z" || tail != ")." {
		t.Fatalf("got %q %q", u, tail)
	}
	u, tail = splitTrailingPunct("https://x.y/z")
	if u != "https://x.y/z" || tail != "" {
		t.Fatalf("got %q %q", u, tail)
	}
}

func TestResolveRedirectFollowsAndCaches(t *testing.T) {
	t.Parallel()

	hits := 0
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer dest.Close()
	wrapper := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.Redirect(w, r, dest.URL+"/product", http.StatusFound)
	}))
	defer wrapper.Close()

	res := NewResolver(logx.Nop())
	res.SetClient(wrapper.Client())

	ctx := context.Background()
	got := res.ResolveRedirect(ctx, wrapper.URL+"/deal")
	if !strings.HasPrefix(got, dest.URL) {
		t.Fatalf("ResolveRedirect = %q, want prefix %q", got, dest.URL)
	}
	if again := res.ResolveRedirect(ctx, wrapper.URL+"/deal"); again != got {
		t.Fatalf("cached resolve = %q, want %q", again, got)
	}
	if hits != 1 {
		t.Fatalf("wrapper fetched %d times, want 1", hits)
	}
}

func TestAmazonFromDMFlip(t *testing.T) {
	t.Parallel()

	page := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><a href="https://www.amazon.com/dp/B0ABCDEF12?tag=x-20">deal</a></html>`))
	}))
	defer page.Close()

	res := NewResolver(logx.Nop())
	res.SetClient(page.Client())

	got := res.AmazonFromDMFlip(context.Background(), page.URL+"/deal/1")
	if got != "https://amazon.com/dp/B0ABCDEF12" {
		t.Fatalf("AmazonFromDMFlip = %q", got)
	}
}

func TestRewriteAffiliateLinksStripsRawLinksBlock(t *testing.T) {
	t.Parallel()

	res := NewResolver(logx.Nop())
	in := "Great deal here\n\nRaw links:\n<https://amazon.com/dp/B0ABCDEF12>\n"
	out, extracted, changed := res.RewriteAffiliateLinks(context.Background(), in, nil)
	if !changed {
		t.Fatal("Raw links block not treated as a change")
	}
	if strings.Contains(out, "Raw links:") {
		t.Fatalf("block survived: %q", out)
	}
	if len(extracted) != 0 {
		t.Fatalf("unexpected extraction: %v", extracted)
	}
}

func TestRewriteAffiliateLinksLegacySingleWrapper(t *testing.T) {
	t.Parallel()

	res := NewResolver(logx.Nop())
	in := "deal: https://howl.link/abc."
	out, _, changed := res.RewriteAffiliateLinks(
		context.Background(), in,
		[]string{"https://www.amazon.com/dp/B0ABCDEF12"},
	)
	if !changed {
		t.Fatal("no rewrite")
	}
	if !strings.Contains(out, "<https://amazon.com/dp/B0ABCDEF12>.") {
		t.Fatalf("rewrite output: %q", out)
	}
}
