package timeshift

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"hls-timeshift/internal/platform/clock"
	"hls-timeshift/internal/platform/fsutil"
)

// Janitor removes media files whose records were evicted from the store, and
// temp files abandoned by interrupted downloads. Files younger than grace are
// kept so a segment that is downloaded but not yet recorded survives.
type Janitor struct {
	dir   string
	store *SegmentStore
	grace time.Duration
	clock clock.Clock
	log   *slog.Logger
}

// NewJanitor returns a janitor for the segments directory under outputDir.
func NewJanitor(outputDir string, store *SegmentStore, grace time.Duration, clk clock.Clock, log *slog.Logger) *Janitor {
	return &Janitor{
		dir:   filepath.Join(outputDir, SegmentsDir),
		store: store,
		grace: grace,
		clock: clk,
		log:   log.With(slog.String("component", "janitor")),
	}
}

// Sweep removes unreferenced files older than the grace period and returns
// how many were removed.
func (j *Janitor) Sweep() int {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		j.log.Warn("read segments dir failed", slog.String("error", err.Error()))
		return 0
	}

	referenced := make(map[string]bool, j.store.Len())
	for _, rec := range j.store.Snapshot() {
		referenced[rec.Filename] = true
	}

	cutoff := j.clock.Now().Add(-j.grace)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || referenced[e.Name()] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, e.Name())); err != nil {
			j.log.Warn("remove segment file failed",
				slog.String("file", e.Name()),
				slog.String("error", err.Error()))
			continue
		}
		removed++
		j.log.Debug("segment file removed",
			slog.String("file", e.Name()),
			slog.Bool("temp", fsutil.IsTemp(e.Name())))
	}
	if removed > 0 {
		j.log.Info("janitor sweep finished", slog.Int("removed", removed))
	}
	return removed
}

// Schedule registers Sweep on a cron scheduler using spec (e.g. "@every 5m").
// The caller starts and stops the returned scheduler.
func (j *Janitor) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { j.Sweep() }); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", spec, err)
	}
	return c, nil
}
