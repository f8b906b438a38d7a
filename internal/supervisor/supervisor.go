package supervisor

import (
	"context"
	"crypto/rand"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"hls-timeshift/internal/platform/clock"
	"hls-timeshift/internal/platform/metrics"
)

// Restart reasons, also used as the reason label of the restart counter.
const (
	ReasonExited = "exited"
	ReasonStale  = "stale"
)

const (
	defaultInterval     = time.Second
	defaultStaleTimeout = 60 * time.Second
	defaultGracePeriod  = 10 * time.Second
	maxSpawnBackoff     = 30 * time.Second
)

// Options configures a Supervisor.
type Options struct {
	Spawner Spawner
	Clock   clock.Clock
	Log     *slog.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics

	Interval     time.Duration
	StaleTimeout time.Duration
	GracePeriod  time.Duration
	// StartTime is handed to every worker so all of them agree on when the
	// service started.
	StartTime time.Time

	// ResumeToken reads the next sequence the capture worker should fetch.
	ResumeToken func() (int64, error)
	// Probes maps a worker kind to where its output appears. A kind without
	// a probe is only checked for liveness.
	Probes map[WorkerKind]Probe
}

// WorkerHandle is the supervisor's record of one worker.
type WorkerHandle struct {
	Kind       WorkerKind
	State      State
	RunID      string
	StartedAt  time.Time
	Restarts   int
	Failures   int
	LastReason string
	LastError  string

	worker      Worker
	stats       Stats
	backoff     *backoff.ExponentialBackOff
	nextAttempt time.Time
	// stopping is closed once the worker being replaced has exited.
	stopping chan struct{}
}

// WorkerStatus is a point-in-time view of a WorkerHandle.
type WorkerStatus struct {
	Kind              string     `json:"kind"`
	State             string     `json:"state"`
	RunID             string     `json:"run_id,omitempty"`
	Pid               int        `json:"pid,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	Restarts          int        `json:"restarts"`
	SpawnFailures     int        `json:"spawn_failures"`
	LastRestartReason string     `json:"last_restart_reason,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	LastOutput        *time.Time `json:"last_output,omitempty"`
	RSSBytes          uint64     `json:"rss_bytes,omitempty"`
	CPUPercent        float64    `json:"cpu_percent,omitempty"`
}

// Supervisor runs the capture and publication workers and restarts them
// when they die or go stale.
type Supervisor struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	handles []*WorkerHandle
	// stops tracks workers being stopped in the background.
	stops sync.WaitGroup
}

// New returns a supervisor with one stopped handle per worker kind.
func New(opts Options) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.StaleTimeout <= 0 {
		opts.StaleTimeout = defaultStaleTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = defaultGracePeriod
	}
	if opts.StartTime.IsZero() {
		opts.StartTime = opts.Clock.Now()
	}

	s := &Supervisor{
		opts: opts,
		log:  opts.Log.With(slog.String("component", "supervisor")),
	}
	for _, kind := range []WorkerKind{KindCapture, KindPublish} {
		s.handles = append(s.handles, &WorkerHandle{
			Kind:    kind,
			State:   StateStopped,
			backoff: newSpawnBackoff(opts.Interval),
		})
	}
	return s
}

func newSpawnBackoff(initial time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxSpawnBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Run supervises until ctx is cancelled, then stops every worker.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := s.opts.Clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.log.Info("supervisor started",
		slog.Duration("interval", s.opts.Interval),
		slog.Duration("stale_timeout", s.opts.StaleTimeout))
	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Shutdown()
			return nil
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

// Tick advances every handle's state machine once. It must not be called
// concurrently with itself or Shutdown.
func (s *Supervisor) Tick(ctx context.Context) {
	for _, h := range s.handles {
		if ctx.Err() != nil {
			return
		}
		s.step(ctx, h)
		s.opts.Metrics.SetWorkerState(string(h.Kind), int(s.stateOf(h)))
	}
}

func (s *Supervisor) step(ctx context.Context, h *WorkerHandle) {
	now := s.opts.Clock.Now()
	switch s.stateOf(h) {
	case StateStopped, StateStarting:
		if now.Before(h.nextAttempt) {
			return
		}
		s.start(ctx, h, now)
	case StateRunning:
		reason := s.check(h, now)
		if reason == "" {
			s.sample(h)
			return
		}
		s.restart(h, reason)
	case StateUnhealthy:
		s.restart(h, h.LastReason)
	case StateRestarting:
		select {
		case <-h.stopping:
		default:
			return
		}
		s.set(func() {
			h.stopping = nil
			h.State = StateStarting
		})
		s.start(ctx, h, now)
	}
}

// check returns why a running worker is unhealthy, or "" when it is fine.
func (s *Supervisor) check(h *WorkerHandle, now time.Time) string {
	if !h.worker.Alive() {
		return ReasonExited
	}
	probe, ok := s.opts.Probes[h.Kind]
	if !ok {
		return ""
	}
	ref := h.StartedAt
	if newest, found := probe.Newest(); found && newest.After(ref) {
		ref = newest
	}
	if now.Sub(ref) > s.opts.StaleTimeout {
		return ReasonStale
	}
	return ""
}

// restart stops h's worker in the background and leaves the handle in
// Restarting. A later Tick starts the replacement once the old worker is
// gone, so a worker slow to exit never holds up checks on the others.
func (s *Supervisor) restart(h *WorkerHandle, reason string) {
	s.set(func() {
		h.State = StateUnhealthy
		h.LastReason = reason
	})
	s.log.Warn("worker unhealthy",
		slog.String("worker", string(h.Kind)),
		slog.String("run_id", h.RunID),
		slog.String("reason", reason))

	old, kind := h.worker, h.Kind
	done := make(chan struct{})
	s.set(func() {
		h.worker = nil
		h.stats = Stats{}
		h.Restarts++
		h.State = StateRestarting
		h.stopping = done
		h.nextAttempt = time.Time{}
	})
	s.opts.Metrics.IncWorkerRestart(string(kind), reason)

	s.stops.Add(1)
	go func() {
		defer s.stops.Done()
		defer close(done)
		if old == nil {
			return
		}
		if err := old.Stop(s.opts.GracePeriod); err != nil {
			s.log.Warn("worker stop failed",
				slog.String("worker", string(kind)),
				slog.String("error", err.Error()))
		}
	}()
}

func (s *Supervisor) start(ctx context.Context, h *WorkerHandle, now time.Time) {
	s.set(func() { h.State = StateStarting })

	opts := SpawnOptions{
		RunID:     newRunID(now),
		StartTime: clock.EpochSeconds(s.opts.StartTime),
	}
	if h.Kind == KindCapture && s.opts.ResumeToken != nil {
		token, err := s.opts.ResumeToken()
		if err != nil {
			s.log.Warn("resume token unavailable, capture may fetch every segment in the manifest",
				slog.String("error", err.Error()))
		}
		opts.ResumeFrom = token
	}

	w, err := s.opts.Spawner.Spawn(ctx, h.Kind, opts)
	if err != nil {
		wait := h.backoff.NextBackOff()
		s.set(func() {
			h.Failures++
			h.LastError = err.Error()
			h.nextAttempt = now.Add(wait)
		})
		s.opts.Metrics.IncSpawnFailure(string(h.Kind))
		s.log.Error("worker spawn failed",
			slog.String("worker", string(h.Kind)),
			slog.Int("failures", h.Failures),
			slog.Duration("retry_in", wait),
			slog.String("error", err.Error()))
		return
	}

	h.backoff.Reset()
	s.set(func() {
		h.worker = w
		h.RunID = opts.RunID
		h.StartedAt = now
		h.State = StateRunning
		h.LastError = ""
	})
	s.log.Info("worker started",
		slog.String("worker", string(h.Kind)),
		slog.String("run_id", opts.RunID),
		slog.Int("pid", w.Pid()),
		slog.Int64("resume_from", opts.ResumeFrom),
		slog.Int("restarts", h.Restarts))
}

func (s *Supervisor) sample(h *WorkerHandle) {
	sr, ok := h.worker.(statsReporter)
	if !ok {
		return
	}
	st, err := sr.Stats()
	if err != nil {
		return
	}
	s.set(func() { h.stats = st })
	s.opts.Metrics.SetWorkerRSS(string(h.Kind), st.RSSBytes)
	s.opts.Metrics.SetWorkerCPU(string(h.Kind), st.CPUPercent)
}

// Shutdown stops every running worker within the grace period, waits for
// restarts still in progress and marks all handles stopped.
func (s *Supervisor) Shutdown() {
	var g errgroup.Group
	for _, h := range s.handles {
		if h.worker == nil {
			continue
		}
		w, kind := h.worker, h.Kind
		g.Go(func() error {
			if err := w.Stop(s.opts.GracePeriod); err != nil {
				s.log.Warn("worker stop failed",
					slog.String("worker", string(kind)),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()
	s.stops.Wait()

	for _, h := range s.handles {
		s.set(func() {
			h.worker = nil
			h.stopping = nil
			h.State = StateStopped
		})
		s.opts.Metrics.SetWorkerState(string(h.Kind), int(StateStopped))
	}
	s.log.Info("supervisor stopped")
}

// Status returns the current view of every handle.
func (s *Supervisor) Status() []WorkerStatus {
	s.mu.Lock()
	out := make([]WorkerStatus, 0, len(s.handles))
	for _, h := range s.handles {
		st := WorkerStatus{
			Kind:              string(h.Kind),
			State:             h.State.String(),
			RunID:             h.RunID,
			Restarts:          h.Restarts,
			SpawnFailures:     h.Failures,
			LastRestartReason: h.LastReason,
			LastError:         h.LastError,
			RSSBytes:          h.stats.RSSBytes,
			CPUPercent:        h.stats.CPUPercent,
		}
		if h.worker != nil {
			st.Pid = h.worker.Pid()
			started := h.StartedAt
			st.StartedAt = &started
		}
		out = append(out, st)
	}
	s.mu.Unlock()

	for i := range out {
		if probe, ok := s.opts.Probes[WorkerKind(out[i].Kind)]; ok {
			if newest, found := probe.Newest(); found {
				out[i].LastOutput = &newest
			}
		}
	}
	return out
}

func (s *Supervisor) stateOf(h *WorkerHandle) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return h.State
}

// set applies a mutation of handle fields under the status lock. Only the
// goroutine running Tick mutates handles, so it may read them unlocked.
func (s *Supervisor) set(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn()
}

func newRunID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
