package fetch

import (
	"reflect"
	"strings"
	"testing"
)

func TestSlugifyChannelName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{"Deals & Steals!", "deals-steals"},
		{"already-fine", "already-fine"},
		{"UPPER case NAME", "upper-case-name"},
		{"--weird---dashes--", "weird-dashes"},
	}
	for _, tc := range cases {
		if got := SlugifyChannelName(tc.in, "channel"); got != tc.want {
			t.Errorf("SlugifyChannelName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	// Empty input falls back to a generated name.
	if got := SlugifyChannelName("???", "mirror"); !strings.HasPrefix(got, "mirror-") {
		t.Errorf("fallback slug = %q", got)
	}
	// Long names are truncated to the Discord limit.
	if got := SlugifyChannelName(strings.Repeat("a", 200), "channel"); len(got) != 90 {
		t.Errorf("long slug length = %d", len(got))
	}
}

func TestMirrorTopicRoundTrip(t *testing.T) {
	t.Parallel()

	topic := BuildMirrorTopic("111", "222")
	if topic != "MIRROR:111:222" {
		t.Fatalf("topic = %q", topic)
	}
	gid, cid, ok := ParseMirrorTopic(topic + " | source=Guild#deals")
	if !ok || gid != "111" || cid != "222" {
		t.Fatalf("parse = %q %q %v", gid, cid, ok)
	}
	if _, _, ok := ParseMirrorTopic("separator for Guild (111)"); ok {
		t.Fatal("separator topic parsed as mirror")
	}
	if _, _, ok := ParseMirrorTopic("MIRROR:only-one-part"); ok {
		t.Fatal("malformed topic parsed")
	}
}

func TestOverflowCategoryName(t *testing.T) {
	t.Parallel()

	if got := OverflowCategoryName("mirrors", 2); got != "mirrors-overflow-2" {
		t.Fatalf("got %q", got)
	}
	if n, ok := overflowIndex("mirrors", "mirrors-overflow-7"); !ok || n != 7 {
		t.Fatalf("overflowIndex = %d %v", n, ok)
	}
	if _, ok := overflowIndex("mirrors", "other-overflow-7"); ok {
		t.Fatal("wrong base matched")
	}
}

func TestSelectSourceTextChannels(t *testing.T) {
	t.Parallel()

	channels := []APIChannel{
		{ID: "1", Type: channelTypeCategory, Name: "deals"},
		{ID: "10", Type: channelTypeText, Name: "online-deals", ParentID: "1"},
		{ID: "11", Type: channelTypeAnnouncement, Name: "announcements", ParentID: "1"},
		{ID: "12", Type: channelTypeText, Name: "ignored-chan", ParentID: "1"},
		{ID: "20", Type: channelTypeText, Name: "off-category", ParentID: "2"},
		{ID: "30", Type: 2, Name: "voice", ParentID: "1"},
	}

	got := SelectSourceTextChannels(channels, []string{"1"}, []string{"12"})
	want := []SourceChannel{
		{ID: "10", Name: "online-deals"},
		{ID: "11", Name: "announcements"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("selected = %v, want %v", got, want)
	}

	// No category allow-list selects every text channel in the guild;
	// the mapping's allow-list only narrows, it never gates.
	all := SelectSourceTextChannels(channels, nil, nil)
	wantAll := []SourceChannel{
		{ID: "10", Name: "online-deals"},
		{ID: "11", Name: "announcements"},
		{ID: "12", Name: "ignored-chan"},
		{ID: "20", Name: "off-category"},
	}
	if !reflect.DeepEqual(all, wantAll) {
		t.Fatalf("empty allow-list selected %v, want %v", all, wantAll)
	}

	// Ignored channels still drop out of a whole-guild selection.
	if got := SelectSourceTextChannels(channels, nil, []string{"12", "20"}); !reflect.DeepEqual(got, want) {
		t.Fatalf("ignored channels survived: %v", got)
	}
}

func TestSeparatorChannelName(t *testing.T) {
	t.Parallel()

	got := SeparatorChannelName("Mirror World")
	if got != "📅---mirror-world---" {
		t.Fatalf("got %q", got)
	}
	if !isSeparatorFor(separatorTopic("Mirror World", "111"), "111") {
		t.Fatal("separator topic not recognized")
	}
}
