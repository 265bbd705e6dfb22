package store

import (
	"strings"
	"sync"
	"time"

	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// mappingTimeLayout matches the updated_at stamps already present in
// existing mapping files.
const mappingTimeLayout = "2006-01-02T15:04:05"

// MappingEntry describes one source guild mirrored into a destination
// category. State carries the per-channel incremental-sync cursors.
type MappingEntry struct {
	SourceGuildID         string        `json:"source_guild_id"`
	Name                  string        `json:"name,omitempty"`
	DestinationCategoryID string        `json:"destination_category_id,omitempty"`
	SourceCategoryIDs     []string      `json:"source_category_ids,omitempty"`
	IgnoredChannelIDs     []string      `json:"ignored_channel_ids,omitempty"`
	RequireDate           bool          `json:"require_date,omitempty"`
	State                 *MappingState `json:"state,omitempty"`
	UpdatedAt             string        `json:"updated_at,omitempty"`
}

// MappingState holds sync state for a mapping. Cursors are keyed by
// source channel id and hold the last seen message id.
type MappingState struct {
	LastSeenByChannel map[string]string `json:"last_seen_message_id_by_channel,omitempty"`
}

type mappingFile struct {
	Guilds []*MappingEntry `json:"guilds"`
}

// MappingUpdate is a partial update for Upsert. Nil pointer fields are
// left unchanged; a nil SourceCategoryIDs slice is left unchanged too.
type MappingUpdate struct {
	Name                  *string
	DestinationCategoryID *string
	SourceCategoryIDs     []string
	RequireDate           *bool
}

// MappingStore persists fetch mappings to a single JSON file.
type MappingStore struct {
	path string
	log  logx.Logger

	mu sync.Mutex
}

func NewMappingStore(path string, log logx.Logger) *MappingStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &MappingStore{path: path, log: log}
}

func (s *MappingStore) loadLocked() (*mappingFile, error) {
	f := &mappingFile{}
	if _, err := readJSONFile(s.path, f); err != nil {
		return nil, err
	}
	if f.Guilds == nil {
		f.Guilds = []*MappingEntry{}
	}
	return f, nil
}

func (s *MappingStore) saveLocked(f *mappingFile) error {
	return writeJSONFile(s.path, f)
}

func findEntry(f *mappingFile, sourceGuildID string) *MappingEntry {
	for _, e := range f.Guilds {
		if e != nil && e.SourceGuildID == sourceGuildID {
			return e
		}
	}
	return nil
}

// Entries returns a copy of all mapping entries.
func (s *MappingStore) Entries() ([]MappingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]MappingEntry, 0, len(f.Guilds))
	for _, e := range f.Guilds {
		if e != nil {
			out = append(out, *e)
		}
	}
	return out, nil
}

// Entry returns the mapping for a source guild if one exists.
func (s *MappingStore) Entry(sourceGuildID string) (MappingEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.loadLocked()
	if err != nil {
		return MappingEntry{}, false, err
	}
	e := findEntry(f, sourceGuildID)
	if e == nil {
		return MappingEntry{}, false, nil
	}
	return *e, true, nil
}

// Upsert creates or updates the mapping for a source guild and returns
// the resulting entry.
func (s *MappingStore) Upsert(sourceGuildID string, upd MappingUpdate) (MappingEntry, error) {
	sourceGuildID = strings.TrimSpace(sourceGuildID)
	if sourceGuildID == "" {
		return MappingEntry{}, errEmptyGuildID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.loadLocked()
	if err != nil {
		return MappingEntry{}, err
	}
	e := findEntry(f, sourceGuildID)
	if e == nil {
		e = &MappingEntry{SourceGuildID: sourceGuildID}
		f.Guilds = append(f.Guilds, e)
	}
	if upd.Name != nil {
		e.Name = strings.TrimSpace(*upd.Name)
	}
	if upd.DestinationCategoryID != nil {
		e.DestinationCategoryID = strings.TrimSpace(*upd.DestinationCategoryID)
	}
	if upd.SourceCategoryIDs != nil {
		e.SourceCategoryIDs = cleanIDs(upd.SourceCategoryIDs)
	}
	if upd.RequireDate != nil {
		e.RequireDate = *upd.RequireDate
	}
	e.UpdatedAt = time.Now().Format(mappingTimeLayout)
	if err := s.saveLocked(f); err != nil {
		return MappingEntry{}, err
	}
	return *e, nil
}

// SetIgnored replaces the ignored channel list for a source guild,
// creating the mapping entry if it does not exist yet.
func (s *MappingStore) SetIgnored(sourceGuildID string, channelIDs []string) (MappingEntry, error) {
	sourceGuildID = strings.TrimSpace(sourceGuildID)
	if sourceGuildID == "" {
		return MappingEntry{}, errEmptyGuildID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.loadLocked()
	if err != nil {
		return MappingEntry{}, err
	}
	e := findEntry(f, sourceGuildID)
	if e == nil {
		e = &MappingEntry{SourceGuildID: sourceGuildID}
		f.Guilds = append(f.Guilds, e)
	}
	e.IgnoredChannelIDs = cleanIDs(channelIDs)
	e.UpdatedAt = time.Now().Format(mappingTimeLayout)
	if err := s.saveLocked(f); err != nil {
		return MappingEntry{}, err
	}
	return *e, nil
}

// Cursor returns the last seen message id for a source channel, or ""
// when no cursor has been persisted.
func (s *MappingStore) Cursor(sourceGuildID, sourceChannelID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.loadLocked()
	if err != nil {
		return "", err
	}
	e := findEntry(f, sourceGuildID)
	if e == nil || e.State == nil {
		return "", nil
	}
	return strings.TrimSpace(e.State.LastSeenByChannel[sourceChannelID]), nil
}

// SetCursor persists the last seen message id for a source channel.
// The mapping entry must already exist; cursors for unmapped guilds are
// dropped silently so a stale poller cannot create entries.
func (s *MappingStore) SetCursor(sourceGuildID, sourceChannelID, lastSeenMessageID string) error {
	lastSeenMessageID = strings.TrimSpace(lastSeenMessageID)
	if sourceGuildID == "" || sourceChannelID == "" || lastSeenMessageID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.loadLocked()
	if err != nil {
		return err
	}
	e := findEntry(f, sourceGuildID)
	if e == nil {
		return nil
	}
	if e.State == nil {
		e.State = &MappingState{}
	}
	if e.State.LastSeenByChannel == nil {
		e.State.LastSeenByChannel = map[string]string{}
	}
	e.State.LastSeenByChannel[sourceChannelID] = lastSeenMessageID
	e.UpdatedAt = time.Now().Format(mappingTimeLayout)
	return s.saveLocked(f)
}

func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
