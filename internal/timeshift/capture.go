package timeshift

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"hls-timeshift/internal/platform/clock"
	"hls-timeshift/internal/platform/config"
)

// Fetcher acquires the source manifest and segment bytes. Implementations
// retry internally; an error returned here means "try again next cycle".
type Fetcher interface {
	FetchManifest(ctx context.Context, manifestURL string) ([]SegmentDescriptor, error)
	DownloadSegment(ctx context.Context, d SegmentDescriptor, filename string) (SegmentRecord, error)
}

// CaptureOptions carries what the supervisor hands a (re)started capture worker.
type CaptureOptions struct {
	// ResumeFrom is the first sequence the worker may fetch. Everything below
	// it was captured by a previous run.
	ResumeFrom int64
	// StartTime is the service start (epoch seconds), used to protect history
	// for delayed feeds before the publication worker has persisted them.
	StartTime float64
}

// CaptureWorker polls the manifest, downloads new segments and records them
// in the SegmentStore, which it owns exclusively.
type CaptureWorker struct {
	cfg       *config.Config
	store     *SegmentStore
	fetcher   Fetcher
	clock     clock.Clock
	log       *slog.Logger
	opts      CaptureOptions
	statePath string
}

// NewCaptureWorker wires a capture worker. Call Open before Run.
func NewCaptureWorker(cfg *config.Config, store *SegmentStore, fetcher Fetcher, clk clock.Clock, log *slog.Logger, opts CaptureOptions) *CaptureWorker {
	return &CaptureWorker{
		cfg:       cfg,
		store:     store,
		fetcher:   fetcher,
		clock:     clk,
		log:       log.With(slog.String("component", "capture")),
		opts:      opts,
		statePath: filepath.Join(cfg.OutputDir, StateFileName),
	}
}

// Open loads the persisted store. A corrupt store file is moved aside and the
// worker starts empty rather than failing every restart.
func (w *CaptureWorker) Open() error {
	if err := os.MkdirAll(filepath.Join(w.cfg.OutputDir, SegmentsDir), 0o755); err != nil {
		return fmt.Errorf("create segments dir: %w", err)
	}
	err := w.store.Load()
	if err == nil {
		w.log.Info("segment store loaded",
			slog.Int("segments", w.store.Len()),
			slog.Int64("resume_from", w.opts.ResumeFrom))
		return nil
	}
	if !errors.Is(err, ErrPersistence) {
		return err
	}
	aside := fmt.Sprintf("%s.corrupt-%d", w.store.Path(), w.clock.Now().Unix())
	w.log.Error("segment store corrupt, moving aside",
		slog.String("error", err.Error()),
		slog.String("moved_to", aside))
	if rerr := os.Rename(w.store.Path(), aside); rerr != nil {
		return fmt.Errorf("quarantine corrupt store: %w", rerr)
	}
	return nil
}

// Run captures once per interval until ctx is cancelled, then flushes the
// store before returning.
func (w *CaptureWorker) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.cfg.CaptureInterval)
	defer ticker.Stop()

	w.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("capture worker stopping, flushing store")
			return w.store.Persist()
		case <-ticker.C():
			w.Cycle(ctx)
		}
	}
}

// Cycle fetches the manifest once and captures every new segment in it. It
// returns the number of records added.
func (w *CaptureWorker) Cycle(ctx context.Context) int {
	descriptors, err := w.fetcher.FetchManifest(ctx, w.cfg.ManifestURL)
	if err != nil {
		w.log.Warn("manifest fetch failed, retrying next cycle", slog.String("error", err.Error()))
		return 0
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Sequence < descriptors[j].Sequence })

	added := 0
	for _, d := range descriptors {
		if ctx.Err() != nil {
			break
		}
		if d.Sequence < w.opts.ResumeFrom || w.store.Has(d.Sequence) {
			continue
		}
		rec, err := w.fetcher.DownloadSegment(ctx, d, SegmentFilename(d))
		if errors.Is(err, ErrAlreadyFetched) {
			continue
		}
		if err != nil {
			w.log.Warn("segment download failed, retrying next cycle",
				slog.Int64("sequence", d.Sequence),
				slog.String("error", err.Error()))
			continue
		}
		if w.store.Add(rec) == Inserted {
			added++
			w.log.Info("segment captured",
				slog.Int64("sequence", rec.Sequence),
				slog.String("filename", rec.Filename),
				slog.Float64("duration", rec.DurationSeconds))
		}
	}

	if added == 0 {
		return 0
	}
	if evicted := w.store.Prune(w.cfg.StoreCap, w.retentionGuard()); len(evicted) > 0 {
		w.log.Info("segment records evicted",
			slog.Int("count", len(evicted)),
			slog.Int64("through_sequence", evicted[len(evicted)-1].Sequence))
	}
	if err := w.store.Persist(); err != nil {
		w.log.Error("persist segment store failed", slog.String("error", err.Error()))
	}
	return added
}

// retentionGuard protects history still needed by uninitialized delayed
// feeds. Until the publication worker has persisted its specs, the configured
// delays anchored at the service start stand in for them.
func (w *CaptureWorker) retentionGuard() func(SegmentRecord) bool {
	specs, err := LoadDelayStates(w.statePath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			w.log.Warn("delay state unreadable, protecting configured delays", slog.String("error", err.Error()))
		}
		for _, s := range ReconcileDelaySpecs(nil, w.cfg.Delays, w.cfg.BufferPeriod.Seconds(), w.opts.StartTime) {
			specs = append(specs, *s)
		}
	}
	return RetentionGuard(specs)
}
