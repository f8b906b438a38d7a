package supervisor_test

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
	"hls-timeshift/internal/platform/config"
	"hls-timeshift/internal/platform/logger"
	"hls-timeshift/internal/supervisor"
	"hls-timeshift/internal/timeshift"
)

// inProcessWorker runs a capture worker in a goroutine, standing in for the
// child process the exec spawner would start.
type inProcessWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
	opts   supervisor.SpawnOptions
}

func (w *inProcessWorker) Pid() int { return os.Getpid() }

func (w *inProcessWorker) Alive() bool {
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *inProcessWorker) Stop(grace time.Duration) error {
	w.cancel()
	select {
	case <-w.done:
	case <-time.After(grace):
	}
	return nil
}

// recordingFetcher serves a manifest of sequences 0..19 once enabled and
// records which sequences were downloaded.
type recordingFetcher struct {
	mu         sync.Mutex
	dir        string
	clock      clock.Clock
	enabled    bool
	downloaded []int64
}

func (f *recordingFetcher) FetchManifest(ctx context.Context, manifestURL string) ([]timeshift.SegmentDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.enabled {
		return nil, errors.New("origin unreachable")
	}
	var out []timeshift.SegmentDescriptor
	for s := int64(0); s < 20; s++ {
		out = append(out, descriptor(s))
	}
	return out, nil
}

func (f *recordingFetcher) DownloadSegment(ctx context.Context, d timeshift.SegmentDescriptor, filename string) (timeshift.SegmentRecord, error) {
	f.mu.Lock()
	f.downloaded = append(f.downloaded, d.Sequence)
	f.mu.Unlock()
	if err := os.WriteFile(filepath.Join(f.dir, filename), []byte("fresh"), 0o644); err != nil {
		return timeshift.SegmentRecord{}, err
	}
	return timeshift.SegmentRecord{
		Sequence:         d.Sequence,
		Filename:         filename,
		DurationSeconds:  d.DurationSeconds,
		CaptureTimestamp: clock.EpochSeconds(f.clock.Now()),
		SourceURL:        d.URI,
	}, nil
}

func (f *recordingFetcher) enable() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
}

func (f *recordingFetcher) sequences() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.downloaded...)
}

func descriptor(seq int64) timeshift.SegmentDescriptor {
	return timeshift.SegmentDescriptor{
		Sequence:        seq,
		DurationSeconds: 10,
		URI:             "http://origin.invalid/" + strconv.FormatInt(seq, 10) + ".ts",
	}
}

// captureSpawner runs a real capture worker for KindCapture and an idle
// worker for KindPublish.
type captureSpawner struct {
	cfg     *config.Config
	clock   clock.Clock
	fetcher *recordingFetcher

	mu      sync.Mutex
	capture []*inProcessWorker
}

func (s *captureSpawner) Spawn(ctx context.Context, kind supervisor.WorkerKind, opts supervisor.SpawnOptions) (supervisor.Worker, error) {
	wctx, cancel := context.WithCancel(context.Background())
	w := &inProcessWorker{cancel: cancel, done: make(chan struct{}), opts: opts}
	if kind != supervisor.KindCapture {
		go func() { <-wctx.Done(); close(w.done) }()
		return w, nil
	}

	store := timeshift.NewSegmentStore(filepath.Join(s.cfg.OutputDir, timeshift.StoreFileName), s.clock, logger.Discard())
	cw := timeshift.NewCaptureWorker(s.cfg, store, s.fetcher, s.clock, logger.Discard(),
		timeshift.CaptureOptions{ResumeFrom: opts.ResumeFrom, StartTime: opts.StartTime})
	if err := cw.Open(); err != nil {
		cancel()
		return nil, err
	}
	go func() {
		defer close(w.done)
		_ = cw.Run(wctx)
	}()

	s.mu.Lock()
	s.capture = append(s.capture, w)
	s.mu.Unlock()
	return w, nil
}

func (s *captureSpawner) captureWorkers() []*inProcessWorker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*inProcessWorker(nil), s.capture...)
}

func TestSupervisor_restart_resumes_capture_after_kill(t *testing.T) {
	out := t.TempDir()
	segDir := filepath.Join(out, timeshift.SegmentsDir)
	require.NoError(t, os.MkdirAll(segDir, 0o755))
	clk := clock.NewManual(time.Now())
	storePath := filepath.Join(out, timeshift.StoreFileName)

	// Segments 0-14 exist on disk and in the persisted store.
	store := timeshift.NewSegmentStore(storePath, clk, logger.Discard())
	old := time.Now().Add(-time.Hour).Truncate(time.Second)
	for seq := int64(0); seq < 15; seq++ {
		d := descriptor(seq)
		name := timeshift.SegmentFilename(d)
		p := filepath.Join(segDir, name)
		require.NoError(t, os.WriteFile(p, []byte("original"), 0o644))
		require.NoError(t, os.Chtimes(p, old, old))
		store.Add(timeshift.SegmentRecord{Sequence: seq, Filename: name, DurationSeconds: 10, CaptureTimestamp: float64(seq * 10), SourceURL: d.URI})
	}
	require.NoError(t, store.Persist())

	cfg := &config.Config{
		ManifestURL:     "http://origin.invalid/live.m3u8",
		OutputDir:       out,
		Delays:          []int{60},
		StoreCap:        1000,
		CaptureInterval: time.Hour,
	}
	fetcher := &recordingFetcher{dir: segDir, clock: clk}
	sp := &captureSpawner{cfg: cfg, clock: clk, fetcher: fetcher}
	sup := supervisor.New(supervisor.Options{
		Spawner:      sp,
		Clock:        clk,
		Log:          logger.Discard(),
		Interval:     time.Second,
		StaleTimeout: time.Hour,
		GracePeriod:  2 * time.Second,
		ResumeToken:  func() (int64, error) { return timeshift.ResumeToken(storePath) },
	})
	defer sup.Shutdown()

	sup.Tick(context.Background())
	workers := sp.captureWorkers()
	require.Len(t, workers, 1)

	// Terminate the capture worker out from under the supervisor.
	workers[0].cancel()
	<-workers[0].done

	fetcher.enable()
	clk.Advance(time.Second)
	require.Eventually(t, func() bool {
		sup.Tick(context.Background())
		return len(sp.captureWorkers()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	workers = sp.captureWorkers()
	restarted := workers[1]
	assert.Equal(t, int64(15), restarted.opts.ResumeFrom)
	for _, st := range sup.Status() {
		if st.Kind == string(supervisor.KindCapture) {
			assert.Equal(t, 1, st.Restarts)
			assert.Equal(t, supervisor.ReasonExited, st.LastRestartReason)
		}
	}

	require.Eventually(t, func() bool { return len(fetcher.sequences()) == 5 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{15, 16, 17, 18, 19}, fetcher.sequences())

	for seq := int64(0); seq < 15; seq++ {
		p := filepath.Join(segDir, timeshift.SegmentFilename(descriptor(seq)))
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.True(t, info.ModTime().Equal(old), "sequence %d was rewritten", seq)
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, "original", string(data))
	}
}
