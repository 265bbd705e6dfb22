package discord

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bwmarrin/discordgo"
)

func TestParseWebhookURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in        string
		id, token string
		ok        bool
	}{
		{"https://discord.com/api/webhooks/123456/abc-DEF_789", "123456", "abc-DEF_789", true},
		{"https://discordapp.com/api/webhooks/1/t?wait=true", "1", "t", true},
		{"https://discord.com/api/channels/1/messages", "", "", false},
		{"", "", "", false},
	}
	for _, tc := range cases {
		id, token, ok := ParseWebhookURL(tc.in)
		if id != tc.id || token != tc.token || ok != tc.ok {
			t.Errorf("ParseWebhookURL(%q) = %q %q %v, want %q %q %v",
				tc.in, id, token, ok, tc.id, tc.token, tc.ok)
		}
	}
}

func TestDownloadAttachments(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/small.png":
			_, _ = w.Write([]byte("imagedata"))
		case "/big.bin":
			_, _ = w.Write(make([]byte, 2048))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	atts := []*discordgo.MessageAttachment{
		{URL: srv.URL + "/small.png", Filename: "small.png"},
		{URL: srv.URL + "/big.bin", Filename: "big.bin"},
		{URL: srv.URL + "/missing.jpg", Filename: "missing.jpg"},
	}
	files, skipped := DownloadAttachments(context.Background(), srv.Client(), atts, 10, 1024)
	if len(files) != 1 || files[0].Name != "small.png" {
		t.Fatalf("files: %d", len(files))
	}
	// Oversized and failing downloads are skipped, not fatal.
	if len(skipped) != 2 {
		t.Fatalf("skipped: %v", skipped)
	}
}

func TestDownloadAttachmentsFileCap(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("x"))
	}))
	defer srv.Close()

	atts := []*discordgo.MessageAttachment{
		{URL: srv.URL + "/a", Filename: "a"},
		{URL: srv.URL + "/b", Filename: "b"},
	}
	files, skipped := DownloadAttachments(context.Background(), srv.Client(), atts, 1, 1024)
	if len(files) != 1 || len(skipped) != 1 {
		t.Fatalf("files=%d skipped=%d", len(files), len(skipped))
	}
}

func TestAppendSkippedLinks(t *testing.T) {
	t.Parallel()

	out := AppendSkippedLinks("deal text", []string{"https://cdn.example/a.png"})
	if out != "deal text\nhttps://cdn.example/a.png" {
		t.Fatalf("got %q", out)
	}
	// Near-limit content is left alone.
	long := strings.Repeat("x", 1950)
	if got := AppendSkippedLinks(long, []string{"https://cdn.example/a.png"}); got != long {
		t.Fatal("long content modified")
	}
	if got := AppendSkippedLinks("t", nil); got != "t" {
		t.Fatalf("got %q", got)
	}
}
