package timeshift

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hls-timeshift/internal/platform/clock"
	"hls-timeshift/internal/platform/logger"
)

// fakeFetcher serves a fixed manifest and writes a small file per download.
type fakeFetcher struct {
	mu          sync.Mutex
	dir         string
	clock       clock.Clock
	manifest    []SegmentDescriptor
	manifestErr error
	failSeq     map[int64]bool
	downloads   []int64
}

func (f *fakeFetcher) FetchManifest(ctx context.Context, manifestURL string) ([]SegmentDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.manifestErr != nil {
		return nil, f.manifestErr
	}
	return append([]SegmentDescriptor(nil), f.manifest...), nil
}

func (f *fakeFetcher) DownloadSegment(ctx context.Context, d SegmentDescriptor, filename string) (SegmentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSeq[d.Sequence] {
		return SegmentRecord{}, errors.New("connection reset")
	}
	f.downloads = append(f.downloads, d.Sequence)
	if err := os.WriteFile(filepath.Join(f.dir, filename), []byte("ts"), 0o644); err != nil {
		return SegmentRecord{}, err
	}
	return SegmentRecord{
		Sequence:         d.Sequence,
		Filename:         filename,
		DurationSeconds:  d.DurationSeconds,
		CaptureTimestamp: clock.EpochSeconds(f.clock.Now()),
		SourceURL:        d.URI,
	}, nil
}

func manifestOf(from, to int64) []SegmentDescriptor {
	var out []SegmentDescriptor
	for s := from; s <= to; s++ {
		out = append(out, SegmentDescriptor{
			Sequence:        s,
			DurationSeconds: 10,
			URI:             "http://source.invalid/seg" + strconv.FormatInt(s, 10) + ".ts",
		})
	}
	return out
}

func newCaptureFixture(t *testing.T, opts CaptureOptions) (*CaptureWorker, *SegmentStore, *fakeFetcher, *clock.Manual) {
	t.Helper()
	cfg := testConfig(t, 60)
	clk := clock.NewManual(at(t0))
	store := NewSegmentStore(filepath.Join(cfg.OutputDir, StoreFileName), clk, logger.Discard())
	fetcher := &fakeFetcher{dir: filepath.Join(cfg.OutputDir, SegmentsDir), clock: clk}
	w := NewCaptureWorker(cfg, store, fetcher, clk, logger.Discard(), opts)
	require.NoError(t, w.Open())
	return w, store, fetcher, clk
}

func TestCaptureWorker_Cycle_records_and_persists(t *testing.T) {
	w, store, fetcher, _ := newCaptureFixture(t, CaptureOptions{StartTime: t0})
	fetcher.manifest = manifestOf(0, 4)

	assert.Equal(t, 5, w.Cycle(context.Background()))
	assert.Equal(t, 5, store.Len())

	persisted, _, err := LoadSnapshot(store.Path())
	require.NoError(t, err)
	assert.Len(t, persisted, 5)

	// A second cycle over the same manifest captures nothing new.
	assert.Equal(t, 0, w.Cycle(context.Background()))
	assert.Len(t, fetcher.downloads, 5)
}

func TestCaptureWorker_Cycle_skips_below_resume_token(t *testing.T) {
	w, store, fetcher, _ := newCaptureFixture(t, CaptureOptions{ResumeFrom: 15, StartTime: t0})
	fetcher.manifest = manifestOf(10, 19)

	assert.Equal(t, 5, w.Cycle(context.Background()))
	assert.Equal(t, []int64{15, 16, 17, 18, 19}, fetcher.downloads)
	assert.False(t, store.Has(14))
}

func TestCaptureWorker_Cycle_failed_download_retried_next_cycle(t *testing.T) {
	w, store, fetcher, _ := newCaptureFixture(t, CaptureOptions{StartTime: t0})
	fetcher.manifest = manifestOf(0, 2)
	fetcher.failSeq = map[int64]bool{1: true}

	assert.Equal(t, 2, w.Cycle(context.Background()))
	assert.False(t, store.Has(1))

	fetcher.failSeq = nil
	assert.Equal(t, 1, w.Cycle(context.Background()))
	assert.True(t, store.Has(1))
}

func TestCaptureWorker_Cycle_manifest_error(t *testing.T) {
	w, store, fetcher, _ := newCaptureFixture(t, CaptureOptions{StartTime: t0})
	fetcher.manifestErr = errors.New("corrupt manifest")

	assert.Equal(t, 0, w.Cycle(context.Background()))
	assert.Equal(t, 0, store.Len())
	_, err := os.Stat(store.Path())
	assert.True(t, os.IsNotExist(err), "nothing captured, nothing persisted")
}

func TestCaptureWorker_Cycle_prunes_to_cap(t *testing.T) {
	w, store, fetcher, clk := newCaptureFixture(t, CaptureOptions{StartTime: t0})
	w.cfg.StoreCap = 5
	// No pending delay: the only spec is anchored and its window has moved
	// on to sequence 3.
	anchor := int64(0)
	require.NoError(t, SaveDelayStates(w.statePath, []*DelaySpec{
		{DelaySeconds: 60, PlaylistStartTime: t0, FirstSegmentSequence: &anchor, Initialized: true,
			Checkpoint: &TimelineCheckpoint{Sequence: 3, StartTime: t0 + 30}},
	}, clk.Now()))

	fetcher.manifest = manifestOf(0, 7)
	w.Cycle(context.Background())
	assert.Equal(t, 5, store.Len())
	assert.False(t, store.Has(2))
	assert.True(t, store.Has(3))
}

func TestCaptureWorker_Cycle_guard_protects_published_window(t *testing.T) {
	w, store, fetcher, clk := newCaptureFixture(t, CaptureOptions{StartTime: t0})
	w.cfg.StoreCap = 3
	anchor := int64(2)
	require.NoError(t, SaveDelayStates(w.statePath, []*DelaySpec{
		{DelaySeconds: 60, PlaylistStartTime: t0, FirstSegmentSequence: &anchor, Initialized: true},
	}, clk.Now()))

	fetcher.manifest = manifestOf(0, 7)
	w.Cycle(context.Background())
	assert.Equal(t, 6, store.Len(), "nothing from the anchor onwards may be evicted")
	assert.False(t, store.Has(1))
	assert.True(t, store.Has(2))
}

func TestCaptureWorker_Cycle_guard_protects_pending_delay(t *testing.T) {
	w, store, fetcher, clk := newCaptureFixture(t, CaptureOptions{StartTime: t0 + 30})
	w.cfg.StoreCap = 2
	clk.Advance(10 * time.Second)

	// No delays.json yet: configured delay 60 anchored at StartTime stands in,
	// so everything captured after t0-30 is protected.
	fetcher.manifest = manifestOf(0, 5)
	w.Cycle(context.Background())
	assert.Equal(t, 6, store.Len())
}

func TestCaptureWorker_Open_quarantines_corrupt_store(t *testing.T) {
	cfg := testConfig(t, 60)
	clk := clock.NewManual(at(t0))
	path := filepath.Join(cfg.OutputDir, StoreFileName)
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	store := NewSegmentStore(path, clk, logger.Discard())
	w := NewCaptureWorker(cfg, store, &fakeFetcher{clock: clk}, clk, logger.Discard(), CaptureOptions{})
	require.NoError(t, w.Open())
	assert.Equal(t, 0, store.Len())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	matches, _ := filepath.Glob(path + ".corrupt-*")
	assert.Len(t, matches, 1)
}

func TestCaptureWorker_Run_flushes_on_cancel(t *testing.T) {
	w, store, fetcher, _ := newCaptureFixture(t, CaptureOptions{StartTime: t0})
	fetcher.manifest = manifestOf(0, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return store.Len() == 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("capture worker did not stop")
	}
	persisted, _, err := LoadSnapshot(store.Path())
	require.NoError(t, err)
	assert.Len(t, persisted, 3)
}
