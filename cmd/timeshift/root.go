package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"hls-timeshift/internal/platform/clock"
	"hls-timeshift/internal/platform/config"
	"hls-timeshift/internal/platform/logger"
)

// cfgFile holds the config file path from the --config flag.
var cfgFile string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "timeshift",
		Short: "Delayed re-publication of a live HLS stream",
		Long: `timeshift captures a live HLS stream into a local segment archive and
publishes one live playlist per configured delay, e.g. playlist_300.m3u8
trailing the source by five minutes.

Configuration is read from timeshift.yaml (or --config), then TIMESHIFT_*
environment variables, with a .env file loaded first when present.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./timeshift.yaml)")

	root.AddCommand(newRunCmd(), newCaptureCmd(), newPublishCmd())
	return root
}

// loadConfig builds the typed configuration and the logger every command
// starts with.
func loadConfig() (*config.Config, *slog.Logger, error) {
	_ = config.Load()

	cfg, err := config.Build(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logger.New(cfg.LogLevel, cfg.LogFormat), nil
}

// workerFlags are the flags the supervisor passes to a spawned worker.
type workerFlags struct {
	runID      string
	startTime  float64
	resumeFrom int64
}

func (f *workerFlags) register(cmd *cobra.Command, withResume bool) {
	cmd.Flags().StringVar(&f.runID, "run-id", "", "run id assigned by the supervisor")
	cmd.Flags().Float64Var(&f.startTime, "start-time", 0, "service start time in epoch seconds (default now)")
	if withResume {
		cmd.Flags().Int64Var(&f.resumeFrom, "resume-from", 0, "first segment sequence to capture")
	}
}

// start returns the service start time, defaulting to now for a worker run
// by hand.
func (f *workerFlags) start(clk clock.Clock) float64 {
	if f.startTime > 0 {
		return f.startTime
	}
	return clock.EpochSeconds(clk.Now())
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
