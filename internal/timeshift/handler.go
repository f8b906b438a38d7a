package timeshift

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"hls-timeshift/internal/platform/clock"
	"hls-timeshift/internal/platform/metrics"
	"hls-timeshift/internal/supervisor"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// WorkerStatusSource reports the supervised workers.
type WorkerStatusSource interface {
	Status() []supervisor.WorkerStatus
}

// Handler serves the output directory and service status using go-chi.
// It only reads files; the workers own everything it serves.
type Handler struct {
	outputDir string
	workers   WorkerStatusSource
	clock     clock.Clock
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewHandler returns a Handler over outputDir. workers and m may be nil.
func NewHandler(outputDir string, workers WorkerStatusSource, clk clock.Clock, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{outputDir: outputDir, workers: workers, clock: clk, log: log, metrics: m}
}

// Routes mounts the handler on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Get("/status", h.GetStatus)
	r.Route("/playlists", func(r chi.Router) {
		r.Get("/{name}", h.GetPlaylist)
		r.Get("/segments/{name}", h.GetSegment)
	})
}

// GetPlaylist handles GET /playlists/{name}, e.g. /playlists/playlist_300.m3u8.
func (h *Handler) GetPlaylist(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !validPlaylistName(name) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	data, err := os.ReadFile(filepath.Join(h.outputDir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("read playlist failed", slog.String("name", name), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// GetSegment handles GET /playlists/segments/{name}. Playlists reference
// segments relative to their own URL, so this path mirrors the on-disk layout.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !validFileName(name) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	f, err := os.Open(filepath.Join(h.outputDir, SegmentsDir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.Error("open segment failed", slog.String("name", name), slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if path.Ext(name) == ".ts" {
		w.Header().Set("Content-Type", segmentContentType)
	}
	w.Header().Set("Cache-Control", "max-age=3600")
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// Healthz handles GET /healthz: 200 while the output directory is readable.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if _, err := os.Stat(h.outputDir); err != nil {
		h.log.Warn("health check failed", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// Status is the body of GET /status.
type Status struct {
	Workers   []supervisor.WorkerStatus `json:"workers"`
	Store     StoreStatus               `json:"store"`
	Delays    []DelayStatus             `json:"delays"`
	Generated time.Time                 `json:"generated"`
}

// StoreStatus summarizes the persisted segment store.
type StoreStatus struct {
	Segments     int        `json:"segments"`
	LastSequence *int64     `json:"last_sequence,omitempty"`
	LastUpdated  *time.Time `json:"last_updated,omitempty"`
}

// DelayStatus is one delayed feed as seen from disk.
type DelayStatus struct {
	DelaySpec
	Playlist           string   `json:"playlist"`
	PlaylistAgeSeconds *float64 `json:"playlist_age_seconds,omitempty"`
}

// GetStatus handles GET /status.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	st := h.Collect()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(st); err != nil {
		h.log.Debug("write status failed", slog.String("error", err.Error()))
	}
}

// Collect reads the current status from the output directory and the
// supervisor, and refreshes the derived gauges.
func (h *Handler) Collect() Status {
	now := h.clock.Now()
	st := Status{Generated: now.UTC(), Workers: []supervisor.WorkerStatus{}, Delays: []DelayStatus{}}
	if h.workers != nil {
		st.Workers = h.workers.Status()
	}

	records, updated, err := LoadSnapshot(filepath.Join(h.outputDir, StoreFileName))
	switch {
	case err == nil:
		st.Store.Segments = len(records)
		if !updated.IsZero() {
			st.Store.LastUpdated = &updated
		}
		last := int64(-1)
		if n := len(records); n > 0 {
			last = records[n-1].Sequence
			st.Store.LastSequence = &last
		}
		h.metrics.SetStore(len(records), last)
	case !errors.Is(err, fs.ErrNotExist):
		h.log.Warn("status: segment store unreadable", slog.String("error", err.Error()))
	}

	specs, err := LoadDelayStates(filepath.Join(h.outputDir, StateFileName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		h.log.Warn("status: delay state unreadable", slog.String("error", err.Error()))
	}
	initialized := 0
	for _, spec := range specs {
		ds := DelayStatus{DelaySpec: spec, Playlist: spec.PlaylistName()}
		if spec.Initialized {
			initialized++
		}
		if info, err := os.Stat(filepath.Join(h.outputDir, ds.Playlist)); err == nil {
			age := now.Sub(info.ModTime()).Seconds()
			ds.PlaylistAgeSeconds = &age
			h.metrics.SetPlaylistAge(int(spec.DelaySeconds), age)
		}
		st.Delays = append(st.Delays, ds)
	}
	h.metrics.SetDelaySpecsInitialized(initialized)
	return st
}

// UpdateGauges refreshes the gauges derived from the output directory. It is
// meant as the pre-scrape hook of the metrics handler.
func (h *Handler) UpdateGauges() { h.Collect() }

func validFileName(name string) bool {
	return name != "" && !strings.HasPrefix(name, ".") && filepath.Base(name) == name && !strings.ContainsAny(name, `/\`)
}

func validPlaylistName(name string) bool {
	if !validFileName(name) || !strings.HasPrefix(name, "playlist_") || !strings.HasSuffix(name, PlaylistSuffix) {
		return false
	}
	delay := strings.TrimSuffix(strings.TrimPrefix(name, "playlist_"), PlaylistSuffix)
	_, err := strconv.ParseFloat(delay, 64)
	return err == nil
}
