package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the time-shift service.
// All methods are safe on a nil *Metrics so components can run without
// metrics (e.g. in tests or inside worker subprocesses).
type Metrics struct {
	registry              *prometheus.Registry
	requestsTotal         *prometheus.CounterVec
	errorsTotal           prometheus.Counter
	workerRestartsTotal   *prometheus.CounterVec
	workerSpawnFailures   *prometheus.CounterVec
	workerState           *prometheus.GaugeVec
	workerRSSBytes        *prometheus.GaugeVec
	workerCPUPercent      *prometheus.GaugeVec
	storedSegments        prometheus.Gauge
	lastSegmentSequence   prometheus.Gauge
	playlistAgeSeconds    *prometheus.GaugeVec
	delaySpecsInitialized prometheus.Gauge
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeshift_http_requests_total",
			Help: "Total number of HTTP requests by route pattern and status code",
		}, []string{"route", "code"}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timeshift_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		workerRestartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeshift_worker_restarts_total",
			Help: "Total number of worker restarts issued by the supervisor",
		}, []string{"worker", "reason"}),
		workerSpawnFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timeshift_worker_spawn_failures_total",
			Help: "Total number of failed worker spawn attempts",
		}, []string{"worker"}),
		workerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "timeshift_worker_state",
			Help: "Current supervisor state per worker (0 stopped, 1 starting, 2 running, 3 unhealthy, 4 restarting)",
		}, []string{"worker"}),
		workerRSSBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "timeshift_worker_rss_bytes",
			Help: "Resident memory of each worker process",
		}, []string{"worker"}),
		workerCPUPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "timeshift_worker_cpu_percent",
			Help: "CPU use of each worker process since it started, in percent of one core",
		}, []string{"worker"}),
		storedSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timeshift_stored_segments",
			Help: "Number of segment records in the persisted store",
		}),
		lastSegmentSequence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timeshift_last_segment_sequence",
			Help: "Highest segment sequence in the persisted store",
		}),
		playlistAgeSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "timeshift_playlist_age_seconds",
			Help: "Seconds since each delayed playlist was last published",
		}, []string{"delay"}),
		delaySpecsInitialized: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "timeshift_delay_specs_initialized",
			Help: "Number of delayed feeds that have been initialized",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.workerRestartsTotal,
		m.workerSpawnFailures,
		m.workerState,
		m.workerRSSBytes,
		m.workerCPUPercent,
		m.storedSegments,
		m.lastSegmentSequence,
		m.playlistAgeSeconds,
		m.delaySpecsInitialized,
	)
	return m
}

// ObserveRequest counts one served request. Statuses >= 400 also count as
// errors.
func (m *Metrics) ObserveRequest(route string, status int) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	if status >= 400 {
		m.errorsTotal.Inc()
	}
}

// IncWorkerRestart records a restart of worker for reason ("exited", "stale").
func (m *Metrics) IncWorkerRestart(worker, reason string) {
	if m == nil {
		return
	}
	m.workerRestartsTotal.WithLabelValues(worker, reason).Inc()
}

// IncSpawnFailure records a failed spawn attempt.
func (m *Metrics) IncSpawnFailure(worker string) {
	if m == nil {
		return
	}
	m.workerSpawnFailures.WithLabelValues(worker).Inc()
}

// SetWorkerState sets the numeric state gauge of a worker.
func (m *Metrics) SetWorkerState(worker string, state int) {
	if m == nil {
		return
	}
	m.workerState.WithLabelValues(worker).Set(float64(state))
}

// SetWorkerRSS sets the resident memory gauge of a worker.
func (m *Metrics) SetWorkerRSS(worker string, bytes uint64) {
	if m == nil {
		return
	}
	m.workerRSSBytes.WithLabelValues(worker).Set(float64(bytes))
}

// SetWorkerCPU sets the CPU gauge of a worker.
func (m *Metrics) SetWorkerCPU(worker string, percent float64) {
	if m == nil {
		return
	}
	m.workerCPUPercent.WithLabelValues(worker).Set(percent)
}

// SetStore sets the store size and highest sequence gauges.
func (m *Metrics) SetStore(count int, lastSequence int64) {
	if m == nil {
		return
	}
	m.storedSegments.Set(float64(count))
	m.lastSegmentSequence.Set(float64(lastSequence))
}

// SetPlaylistAge sets the age gauge for the playlist of delaySeconds.
func (m *Metrics) SetPlaylistAge(delaySeconds int, ageSeconds float64) {
	if m == nil {
		return
	}
	m.playlistAgeSeconds.WithLabelValues(strconv.Itoa(delaySeconds)).Set(ageSeconds)
}

// SetDelaySpecsInitialized sets the initialized feeds gauge.
func (m *Metrics) SetDelaySpecsInitialized(n int) {
	if m == nil {
		return
	}
	m.delaySpecsInitialized.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values that are
// derived from the output directory.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
