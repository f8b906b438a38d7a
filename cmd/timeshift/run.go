package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"hls-timeshift/internal/platform/clock"
	"hls-timeshift/internal/platform/config"
	"hls-timeshift/internal/platform/fsutil"
	"hls-timeshift/internal/platform/logger"
	"hls-timeshift/internal/platform/metrics"
	"hls-timeshift/internal/supervisor"
	"hls-timeshift/internal/timeshift"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Supervise the capture and publication workers and serve the output",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService()
		},
	}
}

func runService() error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	if err := fsutil.EnsureWritableDir(cfg.OutputDir); err != nil {
		log.Error("output directory is not writable", slog.String("output_dir", cfg.OutputDir), slog.String("error", err.Error()))
		return err
	}
	if err := os.MkdirAll(filepath.Join(cfg.OutputDir, timeshift.SegmentsDir), 0o755); err != nil {
		return fmt.Errorf("create segments dir: %w", err)
	}

	var baseArgs []string
	if cfgFile != "" {
		baseArgs = []string{"--config", cfgFile}
	}
	spawner, err := supervisor.NewExecSpawner(baseArgs, log)
	if err != nil {
		return err
	}

	clk := clock.Real()
	met := metrics.New()
	sup := supervisor.New(supervisorOptions(cfg, spawner, clk, log, met))
	h := timeshift.NewHandler(cfg.OutputDir, sup, clk, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Method(http.MethodGet, "/metrics", met.Handler(h.UpdateGauges))
	h.Routes(r)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signalContext()
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	log.Info("timeshift starting",
		slog.String("http_addr", cfg.HTTPAddr),
		slog.String("manifest_url", cfg.ManifestURL),
		slog.String("output_dir", cfg.OutputDir),
		slog.Any("delays", cfg.SortedDelays()),
		slog.String("log_level", cfg.LogLevel))

	err = g.Wait()
	if err != nil {
		log.Error("timeshift stopped with error", slog.String("error", err.Error()))
		return err
	}
	log.Info("timeshift stopped")
	return nil
}

func supervisorOptions(cfg *config.Config, sp supervisor.Spawner, clk clock.Clock, log *slog.Logger, met *metrics.Metrics) supervisor.Options {
	storePath := filepath.Join(cfg.OutputDir, timeshift.StoreFileName)
	playlists := supervisor.SuffixMatch(timeshift.PlaylistSuffix)
	return supervisor.Options{
		Spawner:      sp,
		Clock:        clk,
		Log:          log,
		Metrics:      met,
		Interval:     cfg.SuperviseInterval,
		StaleTimeout: cfg.StaleTimeout,
		GracePeriod:  cfg.GracePeriod,
		StartTime:    clk.Now(),
		ResumeToken:  func() (int64, error) { return timeshift.ResumeToken(storePath) },
		Probes: map[supervisor.WorkerKind]supervisor.Probe{
			supervisor.KindCapture: supervisor.ProbeFor(cfg.OutputDir, timeshift.SegmentsDir, supervisor.VisibleFiles),
			supervisor.KindPublish: supervisor.ProbeFor(cfg.OutputDir, "", func(name string) bool {
				return name == timeshift.StateFileName || playlists(name)
			}),
		},
	}
}
