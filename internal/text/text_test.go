package text

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "lowercases", in: "Price ERROR", want: "price error"},
		{name: "strips custom emoji", in: "deal <:fire:123456> live", want: "deal live"},
		{name: "strips animated emoji", in: "go <a:spin:99> now", want: "go now"},
		{name: "collapses whitespace", in: "  a \n\t b  ", want: "a b"},
		{name: "strips unicode emoji", in: "restock \U0001F525 now", want: "restock now"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := Normalize(tc.in); got != tc.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"https://Example.com/Thing?tag=x#frag", "https://example.com/thing"},
		{"https://example.com/a/", "https://example.com/a"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeURL(tc.in); got != tc.want {
			t.Fatalf("NormalizeURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractURLs(t *testing.T) {
	t.Parallel()

	got := ExtractURLs("see https://a.com/x?q=1 and http://B.org/y/")
	want := []string{"https://a.com/x", "http://b.org/y"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("url[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestChunk(t *testing.T) {
	t.Parallel()

	if got := Chunk("", 2000); len(got) != 1 || got[0] != "" {
		t.Fatalf("empty chunk = %v", got)
	}
	long := strings.Repeat("x", 4500)
	got := Chunk(long, 2000)
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	if len(got[0]) != 2000 || len(got[2]) != 500 {
		t.Fatalf("chunk sizes = %d/%d/%d", len(got[0]), len(got[1]), len(got[2]))
	}
}

func TestChunkKeepsRunesIntact(t *testing.T) {
	t.Parallel()

	// A two-byte rune straddling the limit must move whole into the
	// next chunk, not be cut mid-sequence.
	s := strings.Repeat("a", 1999) + "é" + strings.Repeat("b", 100)
	got := Chunk(s, 2000)
	var rebuilt strings.Builder
	for i, c := range got {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d is not valid UTF-8: %q", i, c[len(c)-4:])
		}
		if len(c) > 2000 {
			t.Fatalf("chunk %d is %d bytes", i, len(c))
		}
		rebuilt.WriteString(c)
	}
	if rebuilt.String() != s {
		t.Fatal("chunks do not reassemble the input")
	}

	multi := strings.Repeat("日", 1500)
	for i, c := range Chunk(multi, 2000) {
		if !utf8.ValidString(c) {
			t.Fatalf("chunk %d is not valid UTF-8", i)
		}
	}
}

func TestSignatureStableAcrossOrder(t *testing.T) {
	t.Parallel()

	e1 := &discordgo.MessageEmbed{Title: "Alpha", Description: "one"}
	e2 := &discordgo.MessageEmbed{Title: "Beta", Description: "two"}
	a := Signature("hello", []*discordgo.MessageEmbed{e1, e2}, nil)
	b := Signature("hello", []*discordgo.MessageEmbed{e2, e1}, nil)
	if a != b {
		t.Fatalf("signature depends on embed order: %s vs %s", a, b)
	}
	if c := Signature("hello!", nil, nil); c == a {
		t.Fatalf("different content produced equal signatures")
	}
}

func TestSignatureUsesAttachmentURLs(t *testing.T) {
	t.Parallel()

	att := []*discordgo.MessageAttachment{{URL: "https://cdn.discordapp.com/x.png?ex=1"}}
	with := Signature("pic", nil, att)
	without := Signature("pic", nil, nil)
	if with == without {
		t.Fatalf("attachment URL not part of signature")
	}
}

func TestTrimEmbedsForForwarding(t *testing.T) {
	t.Parallel()

	in := []*discordgo.MessageEmbed{
		{Fields: []*discordgo.MessageEmbedField{{Name: "", Value: "v"}, {Name: "n", Value: ""}}},
		nil,
		{}, // fully empty embed is dropped
	}
	out := TrimEmbedsForForwarding(in)
	if len(out) != 1 {
		t.Fatalf("embeds = %d, want 1", len(out))
	}
	if out[0].Description != "​" {
		t.Fatalf("placeholder description missing")
	}
	if len(out[0].Fields) != 1 || out[0].Fields[0].Name != "​" {
		t.Fatalf("field cleanup wrong: %+v", out[0].Fields)
	}

	many := make([]*discordgo.MessageEmbed, 15)
	for i := range many {
		many[i] = &discordgo.MessageEmbed{Title: "t"}
	}
	if got := TrimEmbedsForForwarding(many); len(got) != 10 {
		t.Fatalf("cap = %d, want 10", len(got))
	}
}
