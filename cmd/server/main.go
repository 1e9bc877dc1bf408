package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"filerelay/internal/logger"
	"filerelay/internal/metrics"
	"filerelay/internal/server/api"
	"filerelay/internal/server/config"
	"filerelay/internal/server/coordinator"
	"filerelay/internal/server/registry"
	"filerelay/internal/server/service"
	"filerelay/internal/server/stats"
	"filerelay/internal/server/storage"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Load config
	cfg := config.Load()
	logger.Init(cfg.AppEnv, cfg.SentryDSN)
	defer sentry.Flush(2 * time.Second)

	slog.Info("configuration loaded",
		"env", cfg.AppEnv,
		"port", cfg.Port,
		"storage_path", cfg.StoragePath,
		"max_file_size", cfg.MaxFileSize,
		"transfer_timeout", cfg.TransferTimeout,
		"progress_interval", cfg.ProgressInterval,
	)

	// Initialize storage
	store := storage.NewFileSystemStore(cfg.StoragePath, cfg.MaxFileSize)
	if err := store.EnsureDir(); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	slog.Info("file storage initialized", "path", cfg.StoragePath)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Relay state lives in memory for the life of the process
	svc := service.NewRelayService(registry.New(), store, coordinator.New(), stats.New(), m, cfg)

	// Setup HTTP router
	e, err := api.SetupRouter(api.NewHandler(svc, api.WithMaxFiles(cfg.MaxFilesPerRequest)), cfg, reg)
	if err != nil {
		return err
	}
	// Upload handlers set per-file read deadlines on the body.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr, "base_url", cfg.BaseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	cleanup := storage.NewCleanupService(store, cfg.CleanupInterval)
	g.Go(func() error {
		cleanup.Start(gctx)
		cleanup.Wait()
		return nil
	})

	<-gctx.Done()
	slog.Info("shutting down")

	// Stop accepting new requests, finish in-flight with 30s timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server exited cleanly")
	return nil
}
