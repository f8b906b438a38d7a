package timeshift

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"hls-timeshift/internal/platform/clock"
	"hls-timeshift/internal/platform/config"
)

// PublicationWorker republishes the captured stream once per tick for every
// configured delay. It only reads the store file and writes playlists and the
// delay state file.
type PublicationWorker struct {
	cfg       *config.Config
	outputDir string
	storePath string
	statePath string
	engine    *WindowEngine
	publisher *PlaylistPublisher
	clock     clock.Clock
	log       *slog.Logger
	specs     []*DelaySpec
}

// NewPublicationWorker wires a worker for cfg. Call Restore before Run.
func NewPublicationWorker(cfg *config.Config, clk clock.Clock, log *slog.Logger) *PublicationWorker {
	log = log.With(slog.String("component", "publish"))
	return &PublicationWorker{
		cfg:       cfg,
		outputDir: cfg.OutputDir,
		storePath: filepath.Join(cfg.OutputDir, StoreFileName),
		statePath: filepath.Join(cfg.OutputDir, StateFileName),
		engine:    NewWindowEngine(clk, cfg.PlaylistLookahead, cfg.MinSegments, log),
		publisher: NewPlaylistPublisher(SegmentsDir, log),
		clock:     clk,
		log:       log,
	}
}

// Restore loads persisted DelaySpecs and reconciles them with the configured
// delays. startTime (epoch seconds) is the service start handed down by the
// supervisor; it becomes PlaylistStartTime of every spec created fresh.
func (w *PublicationWorker) Restore(startTime float64) error {
	persisted, err := LoadDelayStates(w.statePath)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		w.log.Warn("delay state unreadable, starting fresh", slog.String("error", err.Error()))
		persisted = nil
	}
	w.specs = ReconcileDelaySpecs(persisted, w.cfg.SortedDelays(), w.cfg.BufferPeriod.Seconds(), startTime)
	for _, s := range w.specs {
		w.log.Info("delay spec loaded",
			slog.Float64("delay_seconds", s.DelaySeconds),
			slog.Bool("initialized", s.Initialized),
			slog.Float64("playlist_start_time", s.PlaylistStartTime))
	}
	return w.saveSpecs()
}

// Specs returns copies of the current DelaySpecs.
func (w *PublicationWorker) Specs() []DelaySpec {
	out := make([]DelaySpec, 0, len(w.specs))
	for _, s := range w.specs {
		out = append(out, *s)
	}
	return out
}

// Run ticks until ctx is cancelled.
func (w *PublicationWorker) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.cfg.PublishInterval)
	defer ticker.Stop()

	w.Tick()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("publication worker stopping")
			return w.saveSpecs()
		case <-ticker.C():
			w.Tick()
		}
	}
}

// Tick runs one publication cycle and returns the number of playlists written.
// The delay state file is rewritten every tick; the supervisor reads its
// mtime as the worker's heartbeat while no playlist is due yet.
func (w *PublicationWorker) Tick() int {
	published := w.publishAll()
	if err := w.saveSpecs(); err != nil {
		w.log.Error("save delay state failed", slog.String("error", err.Error()))
	}
	return published
}

func (w *PublicationWorker) publishAll() int {
	snapshot, _, err := LoadSnapshot(w.storePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.log.Debug("no segment store yet")
		} else {
			w.log.Error("load segment store failed", slog.String("error", err.Error()))
		}
		return 0
	}

	published := 0
	for _, spec := range w.specs {
		if !spec.Initialized {
			if !w.engine.Ready(spec) || !w.engine.Initialize(spec, snapshot) {
				continue
			}
		}

		entries := w.engine.Populate(spec, snapshot)
		if AdvanceCheckpoint(spec, entries) {
			w.log.Debug("timeline checkpoint advanced",
				slog.Float64("delay_seconds", spec.DelaySeconds),
				slog.Int64("sequence", spec.Checkpoint.Sequence))
		}
		window := w.verifiedWindow(entries)
		if len(window) == 0 {
			continue
		}
		out := filepath.Join(w.outputDir, spec.PlaylistName())
		if err := w.publisher.Publish(out, window); err != nil {
			w.log.Error("publish playlist failed",
				slog.String("path", out),
				slog.String("error", err.Error()))
			continue
		}
		published++
	}
	return published
}

// verifiedWindow drops entries whose segment file is missing so a published
// playlist never references a file that is not on disk. Missing files at the
// head are skipped; the window is cut at the first missing file after that.
func (w *PublicationWorker) verifiedWindow(entries []TimelineEntry) []TimelineEntry {
	start := 0
	for start < len(entries) && !w.segmentExists(entries[start].Filename) {
		w.log.Warn("segment file missing", slog.Int64("sequence", entries[start].Sequence))
		start++
	}
	for i := start; i < len(entries); i++ {
		if !w.segmentExists(entries[i].Filename) {
			w.log.Warn("segment file missing", slog.Int64("sequence", entries[i].Sequence))
			return entries[start:i]
		}
	}
	return entries[start:]
}

func (w *PublicationWorker) segmentExists(name string) bool {
	_, err := os.Stat(filepath.Join(w.outputDir, SegmentsDir, name))
	return err == nil
}

func (w *PublicationWorker) saveSpecs() error {
	return SaveDelayStates(w.statePath, w.specs, w.clock.Now())
}
