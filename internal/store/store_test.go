package store

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	logx "github.com/neo-rs/mwbots/pkg/logx"
)

func strPtr(s string) *string { return &s }

func TestMappingStoreUpsertAndCursor(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fetchall_mappings.json")
	ms := NewMappingStore(path, logx.Nop())

	e, err := ms.Upsert("111222333", MappingUpdate{
		Name:                  strPtr("Source Guild"),
		DestinationCategoryID: strPtr("999888777"),
		SourceCategoryIDs:     []string{"123", " 456 ", ""},
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if e.Name != "Source Guild" || e.DestinationCategoryID != "999888777" {
		t.Fatalf("Upsert result: %+v", e)
	}
	if !reflect.DeepEqual(e.SourceCategoryIDs, []string{"123", "456"}) {
		t.Fatalf("SourceCategoryIDs: %v", e.SourceCategoryIDs)
	}
	if e.UpdatedAt == "" {
		t.Fatal("UpdatedAt not stamped")
	}

	// A partial update must not clobber unrelated fields.
	e, err = ms.Upsert("111222333", MappingUpdate{DestinationCategoryID: strPtr("555")})
	if err != nil {
		t.Fatalf("Upsert partial: %v", err)
	}
	if e.Name != "Source Guild" || e.DestinationCategoryID != "555" {
		t.Fatalf("partial update clobbered fields: %+v", e)
	}

	if err := ms.SetCursor("111222333", "777", "1000000000000000001"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	cur, err := ms.Cursor("111222333", "777")
	if err != nil || cur != "1000000000000000001" {
		t.Fatalf("Cursor: %q err=%v", cur, err)
	}
	if cur, _ := ms.Cursor("111222333", "778"); cur != "" {
		t.Fatalf("Cursor for unknown channel: %q", cur)
	}

	// Cursors for unmapped guilds are dropped, not created.
	if err := ms.SetCursor("404", "777", "123"); err != nil {
		t.Fatalf("SetCursor unmapped: %v", err)
	}
	if _, ok, _ := ms.Entry("404"); ok {
		t.Fatal("SetCursor created a mapping entry")
	}

	// Everything above is read back by a fresh store over the same file.
	ms2 := NewMappingStore(path, logx.Nop())
	entries, err := ms2.Entries()
	if err != nil || len(entries) != 1 {
		t.Fatalf("Entries: %d err=%v", len(entries), err)
	}
	cur, _ = ms2.Cursor("111222333", "777")
	if cur != "1000000000000000001" {
		t.Fatalf("cursor lost across reload: %q", cur)
	}
}

func TestMappingStoreSetIgnored(t *testing.T) {
	t.Parallel()

	ms := NewMappingStore(filepath.Join(t.TempDir(), "m.json"), logx.Nop())
	e, err := ms.SetIgnored("42", []string{"100", "200"})
	if err != nil {
		t.Fatalf("SetIgnored: %v", err)
	}
	if !reflect.DeepEqual(e.IgnoredChannelIDs, []string{"100", "200"}) {
		t.Fatalf("IgnoredChannelIDs: %v", e.IgnoredChannelIDs)
	}
	// SetIgnored creates the entry when missing.
	if _, ok, _ := ms.Entry("42"); !ok {
		t.Fatal("entry not created")
	}
}

func TestKeywordStoreListAndObjectForms(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	listPath := filepath.Join(dir, "keywords_list.json")
	objPath := filepath.Join(dir, "keywords_obj.json")
	if err := os.WriteFile(listPath, []byte(`["Labubu", " ps5 ", ""]`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(objPath, []byte(`{"keywords": ["pokemon", "Labubu"]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	ks := NewKeywordStore(listPath, "", logx.Nop())
	got, err := ks.Load(true)
	if err != nil {
		t.Fatalf("Load list form: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"Labubu", "ps5"}) {
		t.Fatalf("list form: %v", got)
	}

	ks = NewKeywordStore(objPath, "", logx.Nop())
	got, err = ks.Load(true)
	if err != nil {
		t.Fatalf("Load object form: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"pokemon", "Labubu"}) {
		t.Fatalf("object form: %v", got)
	}
}

func TestKeywordStoreAddRemove(t *testing.T) {
	t.Parallel()

	ks := NewKeywordStore(filepath.Join(t.TempDir(), "keywords.json"), "", logx.Nop())

	if err := ks.Add("Labubu"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := ks.Add("labubu"); !errors.Is(err, ErrKeywordExists) {
		t.Fatalf("Add duplicate: %v", err)
	}
	if err := ks.Add("  "); !errors.Is(err, ErrEmptyKeyword) {
		t.Fatalf("Add blank: %v", err)
	}
	if err := ks.Remove("LABUBU"); err != nil {
		t.Fatalf("Remove case-insensitive: %v", err)
	}
	if err := ks.Remove("labubu"); !errors.Is(err, ErrKeywordNotFound) {
		t.Fatalf("Remove missing: %v", err)
	}
}

func TestKeywordStoreScan(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "keywords.json")
	if err := os.WriteFile(path, []byte(`["PS5", "pokemon"]`), 0o644); err != nil {
		t.Fatal(err)
	}
	ks := NewKeywordStore(path, "", logx.Nop())
	got, err := ks.Scan("restock alert: ps5 bundle and Pokemon cards")
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	// Matches keep the spelling from the keyword list, not the message.
	if !reflect.DeepEqual(got, []string{"PS5", "pokemon"}) {
		t.Fatalf("Scan: %v", got)
	}
}

func TestKeywordStoreOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ks := NewKeywordStore(
		filepath.Join(dir, "keywords.json"),
		filepath.Join(dir, "keyword_channels.json"),
		logx.Nop(),
	)

	if err := ks.SetOverride("Labubu", "123456"); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}
	m, err := ks.Overrides(true)
	if err != nil {
		t.Fatalf("Overrides: %v", err)
	}
	// Override keys are lowercased.
	if m["labubu"] != "123456" {
		t.Fatalf("Overrides: %v", m)
	}
	if err := ks.ClearOverride("LABUBU"); err != nil {
		t.Fatalf("ClearOverride: %v", err)
	}
	if err := ks.ClearOverride("labubu"); !errors.Is(err, ErrKeywordNotFound) {
		t.Fatalf("ClearOverride missing: %v", err)
	}
}

func TestWebhookMap(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "channel_map.json")
	wm := NewWebhookMap(path, logx.Nop())

	const url = "https://discord.com/api/webhooks/123/abcdefg"
	if err := wm.Set("555", url); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := wm.Get("555")
	if err != nil || !ok || got != url {
		t.Fatalf("Get: %q ok=%v err=%v", got, ok, err)
	}

	// Junk values are ignored, not stored.
	if err := wm.Set("556", "not-a-webhook"); err != nil {
		t.Fatalf("Set junk: %v", err)
	}
	if _, ok, _ := wm.Get("556"); ok {
		t.Fatal("junk URL stored")
	}

	if err := wm.Invalidate("555"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, ok, _ := wm.Get("555"); ok {
		t.Fatal("URL survived Invalidate")
	}

	// A fresh map over the same file sees persisted state.
	if err := wm.Set("777", url); err != nil {
		t.Fatal(err)
	}
	wm2 := NewWebhookMap(path, logx.Nop())
	if _, ok, _ := wm2.Get("777"); !ok {
		t.Fatal("URL lost across reload")
	}
}

func TestIsWebhookURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want bool
	}{
		{"https://discord.com/api/webhooks/123/token", true},
		{"https://example.com/page", false},
		{"/webhooks/x", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsWebhookURL(tc.in); got != tc.want {
			t.Errorf("IsWebhookURL(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
