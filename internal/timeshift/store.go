package timeshift

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"hls-timeshift/internal/platform/clock"
	"hls-timeshift/internal/platform/fsutil"
)

// DefaultStoreCap is the default number of records retained by Prune.
const DefaultStoreCap = 1000

// storeFile is the on-disk form of the store.
type storeFile struct {
	Segments    []SegmentRecord `json:"segments"`
	LastUpdated time.Time       `json:"last_updated"`
}

// SegmentStore is the append-only registry of captured segments. It is owned
// by the capture worker, which is the only writer of its file; other
// processes read the file with LoadSnapshot.
type SegmentStore struct {
	mu          sync.RWMutex
	path        string
	clock       clock.Clock
	log         *slog.Logger
	bySeq       map[int64]SegmentRecord
	byURL       map[string]int64
	lastUpdated time.Time
}

// NewSegmentStore returns an empty store persisted at path.
func NewSegmentStore(path string, clk clock.Clock, log *slog.Logger) *SegmentStore {
	return &SegmentStore{
		path:  path,
		clock: clk,
		log:   log,
		bySeq: make(map[int64]SegmentRecord),
		byURL: make(map[string]int64),
	}
}

// Path returns the file the store persists to.
func (s *SegmentStore) Path() string { return s.path }

// Add inserts rec unless its sequence or source URL is already present.
// Duplicates are a silent no-op. Inconsistent input (sequence going backwards,
// capture time going backwards) is accepted with a warning.
func (s *SegmentStore) Add(rec SegmentRecord) AddResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bySeq[rec.Sequence]; exists {
		return DuplicateIgnored
	}
	if rec.SourceURL != "" {
		if _, exists := s.byURL[rec.SourceURL]; exists {
			return DuplicateIgnored
		}
	}

	if latest, ok := s.latestLocked(); ok {
		if rec.Sequence < latest.Sequence {
			s.log.Warn("segment sequence not monotonic",
				slog.Int64("sequence", rec.Sequence),
				slog.Int64("latest_sequence", latest.Sequence))
		} else if rec.CaptureTimestamp < latest.CaptureTimestamp {
			s.log.Warn("segment capture timestamp out of order",
				slog.Int64("sequence", rec.Sequence),
				slog.Float64("timestamp", rec.CaptureTimestamp),
				slog.Float64("latest_timestamp", latest.CaptureTimestamp))
		}
	}
	if rec.DurationSeconds <= 0 {
		s.log.Warn("segment has non-positive duration",
			slog.Int64("sequence", rec.Sequence),
			slog.Float64("duration", rec.DurationSeconds))
	}

	s.bySeq[rec.Sequence] = rec
	if rec.SourceURL != "" {
		s.byURL[rec.SourceURL] = rec.Sequence
	}
	return Inserted
}

// Snapshot returns a copy of all records sorted by sequence ascending.
func (s *SegmentStore) Snapshot() []SegmentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked()
}

// Len returns the number of records.
func (s *SegmentStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySeq)
}

// Has reports whether a record with sequence exists.
func (s *SegmentStore) Has(sequence int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bySeq[sequence]
	return ok
}

// HasURL reports whether a record was captured from url.
func (s *SegmentStore) HasURL(url string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byURL[url]
	return ok
}

// MaxSequence returns the highest recorded sequence; ok is false when empty.
func (s *SegmentStore) MaxSequence() (seq int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	latest, ok := s.latestLocked()
	return latest.Sequence, ok
}

// LastUpdated returns the time of the last successful Persist or Load.
func (s *SegmentStore) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdated
}

// Prune evicts the oldest records while the store holds more than limit.
// Eviction stops at the first record protect reports as still needed, so the
// store may stay above limit until that record is released. Evicted records
// are returned oldest first; their media files are left for the Janitor.
func (s *SegmentStore) Prune(limit int, protect func(SegmentRecord) bool) []SegmentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	excess := len(s.bySeq) - limit
	if limit <= 0 || excess <= 0 {
		return nil
	}

	var evicted []SegmentRecord
	for _, rec := range s.sortedLocked() {
		if len(evicted) == excess {
			break
		}
		if protect != nil && protect(rec) {
			s.log.Debug("retention stopped at protected segment",
				slog.Int64("sequence", rec.Sequence),
				slog.Int("excess", excess-len(evicted)))
			break
		}
		delete(s.bySeq, rec.Sequence)
		if rec.SourceURL != "" {
			delete(s.byURL, rec.SourceURL)
		}
		evicted = append(evicted, rec)
	}
	return evicted
}

// Persist writes the full set to the store file atomically. On failure the
// previous file is untouched.
func (s *SegmentStore) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	data, err := json.Marshal(storeFile{Segments: s.sortedLocked(), LastUpdated: now})
	if err != nil {
		return &PersistenceError{Op: "encode", Path: s.path, Err: err}
	}
	if err := fsutil.AtomicWrite(s.path, data, 0o644); err != nil {
		return &PersistenceError{Op: "write", Path: s.path, Err: err}
	}
	s.lastUpdated = now
	return nil
}

// Load replaces the in-memory set with the persisted one. A missing file
// leaves the store empty and is not an error.
func (s *SegmentStore) Load() error {
	records, updated, err := LoadSnapshot(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySeq = make(map[int64]SegmentRecord, len(records))
	s.byURL = make(map[string]int64, len(records))
	for _, rec := range records {
		s.bySeq[rec.Sequence] = rec
		if rec.SourceURL != "" {
			s.byURL[rec.SourceURL] = rec.Sequence
		}
	}
	s.lastUpdated = updated
	return nil
}

// LoadSnapshot reads a persisted store file without taking ownership of it.
// The returned records are sorted by sequence. A missing file yields an error
// matching fs.ErrNotExist.
func LoadSnapshot(path string) ([]SegmentRecord, time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, time.Time{}, err
		}
		return nil, time.Time{}, &PersistenceError{Op: "read", Path: path, Err: err}
	}
	var f storeFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, time.Time{}, &PersistenceError{Op: "decode", Path: path, Err: err}
	}
	sort.Slice(f.Segments, func(i, j int) bool { return f.Segments[i].Sequence < f.Segments[j].Sequence })
	return f.Segments, f.LastUpdated, nil
}

// ResumeToken returns max(sequence)+1 from the persisted store at path, or 0
// when there is no store yet. A restarted capture worker skips everything
// below the token.
func ResumeToken(path string) (int64, error) {
	records, _, err := LoadSnapshot(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("resume token: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	return records[len(records)-1].Sequence + 1, nil
}

// sortedLocked returns records ordered by sequence. Caller must hold s.mu.
func (s *SegmentStore) sortedLocked() []SegmentRecord {
	out := make([]SegmentRecord, 0, len(s.bySeq))
	for _, rec := range s.bySeq {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// latestLocked returns the record with the highest sequence. Caller must hold s.mu.
func (s *SegmentStore) latestLocked() (SegmentRecord, bool) {
	var (
		latest SegmentRecord
		found  bool
	)
	for seq, rec := range s.bySeq {
		if !found || seq > latest.Sequence {
			latest, found = rec, true
		}
	}
	return latest, found
}
