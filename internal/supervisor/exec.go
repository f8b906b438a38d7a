package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// killWait bounds how long Stop waits for a killed process to be reaped.
const killWait = 2 * time.Second

// ExecSpawner starts workers by re-executing the current binary with the
// worker's subcommand.
type ExecSpawner struct {
	executable string
	baseArgs   []string
	log        *slog.Logger
}

// NewExecSpawner returns a spawner for the running executable. baseArgs are
// appended after the subcommand (e.g. a --config flag).
func NewExecSpawner(baseArgs []string, log *slog.Logger) (*ExecSpawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	return &ExecSpawner{
		executable: exe,
		baseArgs:   baseArgs,
		log:        log.With(slog.String("component", "spawner")),
	}, nil
}

// Args returns the command line used for kind.
func (s *ExecSpawner) Args(kind WorkerKind, opts SpawnOptions) []string {
	args := []string{string(kind)}
	args = append(args, s.baseArgs...)
	args = append(args,
		"--run-id", opts.RunID,
		"--start-time", strconv.FormatFloat(opts.StartTime, 'f', -1, 64),
	)
	if kind == KindCapture {
		args = append(args, "--resume-from", strconv.FormatInt(opts.ResumeFrom, 10))
	}
	return args
}

// Spawn starts the worker process. The process is not bound to ctx: the
// supervisor decides when it stops.
func (s *ExecSpawner) Spawn(ctx context.Context, kind WorkerKind, opts SpawnOptions) (Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(s.executable, s.Args(kind, opts)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s worker: %w", kind, err)
	}

	w := &procWorker{
		kind: kind,
		cmd:  cmd,
		done: make(chan struct{}),
		log:  s.log,
	}
	go func() {
		w.waitErr = cmd.Wait()
		close(w.done)
	}()
	if proc, err := process.NewProcess(int32(cmd.Process.Pid)); err == nil {
		w.proc = proc
	}
	return w, nil
}

// procWorker is a worker running as a child process.
type procWorker struct {
	kind    WorkerKind
	cmd     *exec.Cmd
	proc    *process.Process
	done    chan struct{}
	waitErr error
	log     *slog.Logger
}

func (w *procWorker) Pid() int { return w.cmd.Process.Pid }

func (w *procWorker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Alive reports false once the process has been reaped or the OS no longer
// knows it.
func (w *procWorker) Alive() bool {
	if w.exited() {
		return false
	}
	if w.proc == nil {
		return true
	}
	running, err := w.proc.IsRunning()
	return err != nil || running
}

// Stop sends SIGTERM, waits up to grace, then kills the process.
func (w *procWorker) Stop(grace time.Duration) error {
	if w.exited() {
		return nil
	}
	if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		w.log.Warn("signal worker failed",
			slog.String("worker", string(w.kind)),
			slog.Int("pid", w.Pid()),
			slog.String("error", err.Error()))
	}

	select {
	case <-w.done:
		w.log.Info("worker exited",
			slog.String("worker", string(w.kind)),
			slog.Int("pid", w.Pid()))
		return nil
	case <-time.After(grace):
		w.log.Warn("worker did not exit in time, killing",
			slog.String("worker", string(w.kind)),
			slog.Int("pid", w.Pid()),
			slog.Duration("grace", grace))
	}

	if err := w.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill %s worker: %w", w.kind, err)
	}
	select {
	case <-w.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("%s worker pid %d not reaped after kill", w.kind, w.Pid())
	}
}

// Stats samples the worker's resident memory and CPU use.
func (w *procWorker) Stats() (Stats, error) {
	if w.proc == nil {
		return Stats{}, errors.New("process handle unavailable")
	}
	mem, err := w.proc.MemoryInfo()
	if err != nil {
		return Stats{}, err
	}
	cpu, err := w.proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	return Stats{RSSBytes: mem.RSS, CPUPercent: cpu}, nil
}
