package timeshift

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"hls-timeshift/internal/platform/clock"
	"hls-timeshift/internal/platform/logger"
)

func newTestStore(t *testing.T) *SegmentStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), StoreFileName)
	return NewSegmentStore(path, clock.NewManual(at(t0)), logger.Discard())
}

func TestSegmentStore_Add_dedup(t *testing.T) {
	s := newTestStore(t)
	rec := SegmentRecord{Sequence: 1, Filename: "seg_1.ts", DurationSeconds: 10, CaptureTimestamp: t0, SourceURL: "http://src/1.ts"}

	if got := s.Add(rec); got != Inserted {
		t.Fatalf("first add: %v", got)
	}
	if got := s.Add(rec); got != DuplicateIgnored {
		t.Errorf("same sequence: expected duplicate, got %v", got)
	}
	other := rec
	other.Sequence = 2
	if got := s.Add(other); got != DuplicateIgnored {
		t.Errorf("same url: expected duplicate, got %v", got)
	}
	if s.Len() != 1 {
		t.Errorf("expected 1 record, got %d", s.Len())
	}
	if !s.HasURL("http://src/1.ts") || !s.Has(1) || s.Has(2) {
		t.Error("lookup mismatch")
	}
}

func TestSegmentStore_Add_accepts_out_of_order_with_warning(t *testing.T) {
	s := newTestStore(t)
	s.Add(SegmentRecord{Sequence: 5, DurationSeconds: 10, CaptureTimestamp: t0 + 50})
	if got := s.Add(SegmentRecord{Sequence: 3, DurationSeconds: 10, CaptureTimestamp: t0 + 30}); got != Inserted {
		t.Fatalf("expected inserted, got %v", got)
	}
	snap := s.Snapshot()
	if snap[0].Sequence != 3 || snap[1].Sequence != 5 {
		t.Errorf("snapshot not sorted by sequence: %+v", snap)
	}
	if max, ok := s.MaxSequence(); !ok || max != 5 {
		t.Errorf("expected max 5, got %d (%v)", max, ok)
	}
}

func TestSegmentStore_persist_round_trip(t *testing.T) {
	s := newTestStore(t)
	for _, rec := range recordsFrom(0, 15, 10, t0) {
		rec.SourceURL = "http://src/" + rec.Filename
		s.Add(rec)
	}
	before := s.Snapshot()
	if err := s.Persist(); err != nil {
		t.Fatal(err)
	}

	fresh := NewSegmentStore(s.Path(), clock.NewManual(at(t0)), logger.Discard())
	if err := fresh.Load(); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(before, fresh.Snapshot()) {
		t.Error("snapshot differs after persist/load")
	}
	if !fresh.HasURL("http://src/seg_3.ts") {
		t.Error("url index not rebuilt on load")
	}
	if fresh.LastUpdated().IsZero() {
		t.Error("expected last_updated to be restored")
	}
}

func TestSegmentStore_Load_missing_file(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("missing file should load empty, got %v", err)
	}
	if s.Len() != 0 {
		t.Error("expected empty store")
	}
}

func TestSegmentStore_Load_corrupt_file(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	err := s.Load()
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	var pe *PersistenceError
	if !errors.As(err, &pe) || pe.Op != "decode" {
		t.Errorf("expected decode PersistenceError, got %v", err)
	}
}

func TestSegmentStore_Persist_failure_keeps_previous(t *testing.T) {
	s := newTestStore(t)
	s.Add(SegmentRecord{Sequence: 1, DurationSeconds: 10, CaptureTimestamp: t0})
	if err := s.Persist(); err != nil {
		t.Fatal(err)
	}
	before, _ := os.ReadFile(s.Path())

	broken := NewSegmentStore(filepath.Join(s.Path(), "nested"), clock.Real(), logger.Discard())
	if err := broken.Persist(); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	after, _ := os.ReadFile(s.Path())
	if string(before) != string(after) {
		t.Error("store file changed after failed persist")
	}
}

func TestSegmentStore_Prune(t *testing.T) {
	s := newTestStore(t)
	for _, rec := range recordsFrom(0, 12, 10, t0) {
		s.Add(rec)
	}
	evicted := s.Prune(10, nil)
	if len(evicted) != 2 || evicted[0].Sequence != 0 || evicted[1].Sequence != 1 {
		t.Fatalf("expected sequences 0 and 1 evicted, got %+v", evicted)
	}
	if s.Len() != 10 || s.Has(0) {
		t.Error("oldest records should be gone")
	}
	if evicted := s.Prune(10, nil); evicted != nil {
		t.Error("store at cap should not prune")
	}
}

func TestSegmentStore_Prune_respects_guard(t *testing.T) {
	s := newTestStore(t)
	for _, rec := range recordsFrom(0, 12, 10, t0) {
		s.Add(rec)
	}
	// Everything captured after t0+5 is still needed by a pending delay.
	guard := RetentionGuard([]DelaySpec{*NewDelaySpec(60, 0, t0+65)})
	evicted := s.Prune(5, guard)
	if len(evicted) != 1 || evicted[0].Sequence != 0 {
		t.Fatalf("expected only sequence 0 evicted, got %+v", evicted)
	}
	if s.Len() != 11 {
		t.Errorf("expected store to stay above cap, got %d", s.Len())
	}
}

func TestResumeToken(t *testing.T) {
	s := newTestStore(t)
	token, err := ResumeToken(s.Path())
	if err != nil || token != 0 {
		t.Fatalf("expected token 0 without store, got %d (%v)", token, err)
	}

	for _, rec := range recordsFrom(0, 15, 10, t0) {
		s.Add(rec)
	}
	if err := s.Persist(); err != nil {
		t.Fatal(err)
	}
	token, err = ResumeToken(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if token != 15 {
		t.Errorf("expected resume token 15, got %d", token)
	}
}

func TestLoadSnapshot_sorted(t *testing.T) {
	path := filepath.Join(t.TempDir(), StoreFileName)
	body := `{"segments":[{"sequence":3,"filename":"c"},{"sequence":1,"filename":"a"}],"last_updated":"2024-01-01T00:00:00Z"}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	recs, updated, err := LoadSnapshot(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Sequence != 1 {
		t.Errorf("expected sorted records, got %+v", recs)
	}
	if !updated.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected last_updated %v", updated)
	}
}
