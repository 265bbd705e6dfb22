package store

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/neo-rs/mwbots/internal/text"
	logx "github.com/neo-rs/mwbots/pkg/logx"
)

var (
	errEmptyGuildID = errors.New("empty source guild id")

	// ErrEmptyKeyword is returned for blank add/remove requests.
	ErrEmptyKeyword = errors.New("empty keyword")
	// ErrKeywordExists is returned when adding a keyword already present
	// (comparison is case-insensitive).
	ErrKeywordExists = errors.New("keyword already exists")
	// ErrKeywordNotFound is returned when removing an unknown keyword.
	ErrKeywordNotFound = errors.New("keyword not found")
)

// Reloads from disk are skipped while the cache is this fresh.
const keywordCacheTTL = 60 * time.Second

// KeywordStore persists the monitored keyword list and the optional
// per-keyword destination overrides.
//
// The keyword file accepts either a bare JSON array or an object with a
// "keywords" array; it is always written back as a bare array.
type KeywordStore struct {
	path          string
	overridesPath string
	log           logx.Logger

	mu          sync.Mutex
	cache       []string
	cacheAt     time.Time
	overrides   map[string]string
	overridesAt time.Time
}

func NewKeywordStore(path, overridesPath string, log logx.Logger) *KeywordStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &KeywordStore{path: path, overridesPath: overridesPath, log: log}
}

// Invalidate drops the in-memory caches so the next read hits disk.
func (s *KeywordStore) Invalidate() {
	s.mu.Lock()
	s.cache = nil
	s.cacheAt = time.Time{}
	s.overrides = nil
	s.overridesAt = time.Time{}
	s.mu.Unlock()
}

// Load returns the keyword list, trimmed, serving from cache unless
// force is set or the cache has expired.
func (s *KeywordStore) Load(force bool) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(force)
}

func (s *KeywordStore) loadLocked(force bool) ([]string, error) {
	if !force && s.cache != nil && time.Since(s.cacheAt) < keywordCacheTTL {
		return append([]string(nil), s.cache...), nil
	}

	var kws []string
	var asList []string
	ok, err := readJSONFile(s.path, &asList)
	if err != nil {
		// Retry as {"keywords": [...]} before giving up.
		var asObj struct {
			Keywords []string `json:"keywords"`
		}
		if _, objErr := readJSONFile(s.path, &asObj); objErr != nil {
			return nil, err
		}
		asList, ok = asObj.Keywords, true
	}
	if ok {
		for _, kw := range asList {
			kw = strings.TrimSpace(kw)
			if kw != "" {
				kws = append(kws, kw)
			}
		}
	}
	if kws == nil {
		kws = []string{}
	}
	s.cache = kws
	s.cacheAt = time.Now()
	return append([]string(nil), kws...), nil
}

func (s *KeywordStore) saveLocked(kws []string) error {
	// De-dupe case-insensitively, preserving the first spelling.
	seen := map[string]struct{}{}
	out := make([]string, 0, len(kws))
	for _, kw := range kws {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		k := strings.ToLower(kw)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, kw)
	}
	if err := writeJSONFile(s.path, out); err != nil {
		return err
	}
	s.cache = out
	s.cacheAt = time.Now()
	return nil
}

// Add appends a keyword. Duplicate checks are case-insensitive.
func (s *KeywordStore) Add(keyword string) error {
	kw := strings.TrimSpace(keyword)
	if kw == "" {
		return ErrEmptyKeyword
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.loadLocked(true)
	if err != nil {
		return err
	}
	for _, k := range current {
		if strings.EqualFold(k, kw) {
			return ErrKeywordExists
		}
	}
	return s.saveLocked(append(current, kw))
}

// Remove deletes a keyword, matching case-insensitively.
func (s *KeywordStore) Remove(keyword string) error {
	kw := strings.TrimSpace(keyword)
	if kw == "" {
		return ErrEmptyKeyword
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.loadLocked(true)
	if err != nil {
		return err
	}
	kept := current[:0]
	for _, k := range current {
		if !strings.EqualFold(k, kw) {
			kept = append(kept, k)
		}
	}
	if len(kept) == len(current) {
		return ErrKeywordNotFound
	}
	return s.saveLocked(kept)
}

// Scan returns every monitored keyword found in t, spelled as listed.
func (s *KeywordStore) Scan(t string) ([]string, error) {
	kws, err := s.Load(false)
	if err != nil {
		return nil, err
	}
	return text.ScanKeywords(t, kws), nil
}

// Overrides returns the keyword -> extra destination channel map.
// Keys are lowercased keywords.
func (s *KeywordStore) Overrides(force bool) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overridesLocked(force)
}

func (s *KeywordStore) overridesLocked(force bool) (map[string]string, error) {
	if !force && s.overrides != nil && time.Since(s.overridesAt) < keywordCacheTTL {
		return copyMap(s.overrides), nil
	}
	m := map[string]string{}
	if s.overridesPath != "" {
		if _, err := readJSONFile(s.overridesPath, &m); err != nil {
			return nil, err
		}
	}
	clean := make(map[string]string, len(m))
	for kw, cid := range m {
		kw = strings.ToLower(strings.TrimSpace(kw))
		cid = strings.TrimSpace(cid)
		if kw != "" && cid != "" {
			clean[kw] = cid
		}
	}
	s.overrides = clean
	s.overridesAt = time.Now()
	return copyMap(clean), nil
}

// SetOverride routes a keyword's matches to an extra channel.
func (s *KeywordStore) SetOverride(keyword, channelID string) error {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	channelID = strings.TrimSpace(channelID)
	if kw == "" {
		return ErrEmptyKeyword
	}
	if channelID == "" {
		return errors.New("empty channel id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.overridesLocked(true)
	if err != nil {
		return err
	}
	m[kw] = channelID
	return s.saveOverridesLocked(m)
}

// ClearOverride removes a keyword's extra channel route.
func (s *KeywordStore) ClearOverride(keyword string) error {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	if kw == "" {
		return ErrEmptyKeyword
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.overridesLocked(true)
	if err != nil {
		return err
	}
	if _, ok := m[kw]; !ok {
		return ErrKeywordNotFound
	}
	delete(m, kw)
	return s.saveOverridesLocked(m)
}

func (s *KeywordStore) saveOverridesLocked(m map[string]string) error {
	if err := writeJSONFile(s.overridesPath, m); err != nil {
		return err
	}
	s.overrides = copyMap(m)
	s.overridesAt = time.Now()
	return nil
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
