package main

import (
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"hls-timeshift/internal/fetch"
	"hls-timeshift/internal/platform/clock"
	"hls-timeshift/internal/timeshift"
)

func newCaptureCmd() *cobra.Command {
	var flags workerFlags
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run the capture worker (normally started by run)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCapture(&flags)
		},
	}
	flags.register(cmd, true)
	return cmd
}

func runCapture(flags *workerFlags) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	log = log.With(slog.String("worker", "capture"), slog.String("run_id", flags.runID))
	clk := clock.Real()

	store := timeshift.NewSegmentStore(filepath.Join(cfg.OutputDir, timeshift.StoreFileName), clk, log)
	fcfg := fetch.DefaultConfig()
	fcfg.Attempts = cfg.RetryAttempts
	fcfg.BaseDelay = cfg.RetryBaseDelay
	fcfg.Timeout = cfg.RequestTimeout
	fetcher := fetch.New(fcfg, filepath.Join(cfg.OutputDir, timeshift.SegmentsDir), store, clk, log)

	w := timeshift.NewCaptureWorker(cfg, store, fetcher, clk, log, timeshift.CaptureOptions{
		ResumeFrom: flags.resumeFrom,
		StartTime:  flags.start(clk),
	})
	if err := w.Open(); err != nil {
		log.Error("capture worker failed to open store", slog.String("error", err.Error()))
		return err
	}

	janitor := timeshift.NewJanitor(cfg.OutputDir, store, cfg.JanitorGrace, clk, log)
	sched, err := janitor.Schedule(cfg.JanitorSchedule)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	ctx, stop := signalContext()
	defer stop()

	log.Info("capture worker started",
		slog.String("manifest_url", cfg.ManifestURL),
		slog.Int64("resume_from", flags.resumeFrom))
	return w.Run(ctx)
}

func newPublishCmd() *cobra.Command {
	var flags workerFlags
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Run the publication worker (normally started by run)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPublish(&flags)
		},
	}
	flags.register(cmd, false)
	return cmd
}

func runPublish(flags *workerFlags) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	log = log.With(slog.String("worker", "publish"), slog.String("run_id", flags.runID))
	clk := clock.Real()

	w := timeshift.NewPublicationWorker(cfg, clk, log)
	if err := w.Restore(flags.start(clk)); err != nil {
		log.Error("publication worker failed to restore delay state", slog.String("error", err.Error()))
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	log.Info("publication worker started", slog.Any("delays", cfg.SortedDelays()))
	return w.Run(ctx)
}
