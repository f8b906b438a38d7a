// Package supervisor keeps the capture and publication workers alive. It owns
// one WorkerHandle per worker, restarts workers that exit or stop producing
// output, and hands a restarted capture worker its resume token.
package supervisor

import (
	"context"
	"time"
)

// WorkerKind names a supervised worker. The value doubles as the CLI
// subcommand that runs it.
type WorkerKind string

const (
	KindCapture WorkerKind = "capture"
	KindPublish WorkerKind = "publish"
)

// State is the lifecycle state of a WorkerHandle. The numeric values are
// exported as the timeshift_worker_state gauge.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateUnhealthy
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateUnhealthy:
		return "unhealthy"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// SpawnOptions is what a worker is started with.
type SpawnOptions struct {
	RunID string
	// ResumeFrom is the first sequence a capture worker may fetch.
	ResumeFrom int64
	// StartTime is the service start in epoch seconds.
	StartTime float64
}

// Worker is a running worker instance.
type Worker interface {
	Pid() int
	// Alive reports whether the worker process is still running.
	Alive() bool
	// Stop asks the worker to exit and force-kills it after grace.
	Stop(grace time.Duration) error
}

// Spawner starts workers.
type Spawner interface {
	Spawn(ctx context.Context, kind WorkerKind, opts SpawnOptions) (Worker, error)
}

// Stats is a resource sample of a worker process.
type Stats struct {
	RSSBytes   uint64
	CPUPercent float64
}

// statsReporter is implemented by workers that can sample their resource use.
type statsReporter interface {
	Stats() (Stats, error)
}
