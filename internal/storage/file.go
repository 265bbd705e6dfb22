package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "github.com/neo-rs/mwbots/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.audit.jsonl           (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json   (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl   (append-only journal)
//   - <prefix>.forward.snapshot.json (periodic snapshot)
//   - <prefix>.forward.journal.jsonl (append-only journal)
//
// Journals are periodically compacted into their snapshots.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	forwardSnapshotPath string
	forwardJournalFile  *os.File
	forward             map[string]ForwardRecord // by source message id

	dedupWrites   int
	forwardWrites int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

// forwardJournalEntry is a journal line; Deleted tombstones a record.
type forwardJournalEntry struct {
	Record  *ForwardRecord `json:"record,omitempty"`
	Deleted string         `json:"deleted,omitempty"`
}

// Forward records older than this no longer need edit propagation.
const forwardRetention = 24 * time.Hour

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"
	fwdSnapPath := prefix + ".forward.snapshot.json"
	fwdJournalPath := prefix + ".forward.journal.jsonl"

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load dedup from snapshot + journal.
	dedup := map[string]int64{}
	_ = loadDedupSnapshot(snapPath, dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	// Load forward index from snapshot + journal.
	forward := map[string]ForwardRecord{}
	_ = loadForwardSnapshot(fwdSnapPath, forward)
	_ = replayForwardJournal(fwdJournalPath, forward)
	pruneOldForward(forward)

	fjf, err := os.OpenFile(fwdJournalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		_ = jf.Close()
		return nil, err
	}

	return &fileStore{
		log:                 log,
		auditFile:           af,
		dedupSnapshotPath:   snapPath,
		dedupJournalFile:    jf,
		dedup:               dedup,
		forwardSnapshotPath: fwdSnapPath,
		forwardJournalFile:  fjf,
		forward:             forward,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, f := range []**os.File{&s.auditFile, &s.dedupJournalFile, &s.forwardJournalFile} {
		if *f != nil {
			if err := (*f).Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			*f = nil
		}
	}
	return firstErr
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	enc := json.NewEncoder(s.auditFile)
	if err := enc.Encode(e); err != nil {
		return err
	}
	return nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	if s.dedup == nil {
		s.dedup = map[string]int64{}
	}
	s.dedup[key] = ms

	// Append journal record.
	enc := json.NewEncoder(s.dedupJournalFile)
	if err := enc.Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup == nil {
		return time.Time{}, false, nil
	}
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) PutForward(ctx context.Context, rec ForwardRecord) error {
	_ = ctx
	if strings.TrimSpace(rec.SourceMessageID) == "" {
		return nil
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forwardJournalFile == nil {
		return errors.New("forward journal closed")
	}
	if s.forward == nil {
		s.forward = map[string]ForwardRecord{}
	}
	s.forward[rec.SourceMessageID] = rec

	enc := json.NewEncoder(s.forwardJournalFile)
	if err := enc.Encode(forwardJournalEntry{Record: &rec}); err != nil {
		return err
	}
	s.forwardWrites++
	if s.forwardWrites%1000 == 0 {
		if err := s.compactForwardLocked(); err != nil {
			s.log.Debug("forward compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) GetForward(ctx context.Context, sourceMessageID string) (ForwardRecord, bool, error) {
	_ = ctx
	sourceMessageID = strings.TrimSpace(sourceMessageID)
	if sourceMessageID == "" {
		return ForwardRecord{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.forward[sourceMessageID]
	if !ok {
		return ForwardRecord{}, false, nil
	}
	return rec, true, nil
}

func (s *fileStore) DeleteForward(ctx context.Context, sourceMessageID string) error {
	_ = ctx
	sourceMessageID = strings.TrimSpace(sourceMessageID)
	if sourceMessageID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forwardJournalFile == nil {
		return errors.New("forward journal closed")
	}
	if _, ok := s.forward[sourceMessageID]; !ok {
		return nil
	}
	delete(s.forward, sourceMessageID)
	enc := json.NewEncoder(s.forwardJournalFile)
	return enc.Encode(forwardJournalEntry{Deleted: sourceMessageID})
}

func (s *fileStore) compactDedupLocked() error {
	if s.dedup == nil {
		return nil
	}
	pruneExpiredDedup(s.dedup)

	if err := writeSnapshot(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.dedupJournalFile.Seek(0, 2)
	return err
}

func (s *fileStore) compactForwardLocked() error {
	if s.forward == nil {
		return nil
	}
	pruneOldForward(s.forward)

	if err := writeSnapshot(s.forwardSnapshotPath, s.forward); err != nil {
		return err
	}
	if err := s.forwardJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.forwardJournalFile.Seek(0, 2)
	return err
}

func writeSnapshot(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func loadForwardSnapshot(path string, out map[string]ForwardRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]ForwardRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayForwardJournal(path string, out map[string]ForwardRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	s.Buffer(buf, 1024*1024)
	for s.Scan() {
		var e forwardJournalEntry
		if err := json.Unmarshal(s.Bytes(), &e); err != nil {
			continue
		}
		if e.Deleted != "" {
			delete(out, e.Deleted)
			continue
		}
		if e.Record != nil && e.Record.SourceMessageID != "" {
			out[e.Record.SourceMessageID] = *e.Record
		}
	}
	return s.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}

func pruneOldForward(m map[string]ForwardRecord) {
	cutoff := time.Now().Add(-forwardRetention)
	for k, v := range m {
		if v.At.Before(cutoff) {
			delete(m, k)
		}
	}
}
