// Entry point of the Skylight Photos ingestion server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BrettSwaim/skylight-photos/internal/api/handlers"
	"github.com/BrettSwaim/skylight-photos/internal/api/middleware"
	"github.com/BrettSwaim/skylight-photos/internal/config"
	"github.com/BrettSwaim/skylight-photos/internal/pipeline/imageproc"
	"github.com/BrettSwaim/skylight-photos/internal/pipeline/videoproc"
	"github.com/BrettSwaim/skylight-photos/internal/server"
	"github.com/BrettSwaim/skylight-photos/internal/service"
	"github.com/BrettSwaim/skylight-photos/internal/storage/filestore"
	"github.com/BrettSwaim/skylight-photos/internal/storage/metastore"
	"github.com/BrettSwaim/skylight-photos/internal/storage/snapshot"
	"github.com/BrettSwaim/skylight-photos/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := config.SetupLogger(cfg)
	logger.Info("Skylight Photos starting",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
		slog.String("data_dir", cfg.DataDir),
	)
	if cfg.UsesDefaultPIN() {
		logger.Warn("Upload PIN is the factory default, set SP_PIN")
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Skylight Photos stopped")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	// 1. Tracing
	if cfg.TracingEnabled {
		shutdownTracing, err := telemetry.InitTracerProvider(os.Stderr, config.Version, logger)
		if err != nil {
			return err
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := shutdownTracing(flushCtx); err != nil {
				logger.Warn("Trace flush failed", slog.String("error", err.Error()))
			}
		}()
	}

	// 2. File storage and metadata
	files, err := filestore.New(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("init file store: %w", err)
	}

	store, err := metastore.Open(cfg.DataDir, logger)
	if err != nil {
		if errors.Is(err, snapshot.ErrMalformed) {
			return fmt.Errorf("%s is unreadable, fix or move it aside: %w", snapshot.FileName, err)
		}
		return fmt.Errorf("open metadata store: %w", err)
	}

	// 3. Pipelines
	images := imageproc.New(imageproc.Options{
		MaxWidth:  cfg.MaxWidth,
		MaxHeight: cfg.MaxHeight,
		Quality:   cfg.JPEGQuality,
	})
	imageOpts := images.Options()
	logger.Info("Image pipeline configured",
		slog.Int("max_width", imageOpts.MaxWidth),
		slog.Int("max_height", imageOpts.MaxHeight),
		slog.Int("jpeg_quality", imageOpts.Quality),
	)

	transcoder := videoproc.NewTranscoder(cfg.FFmpegPath, cfg.TranscodeTimeout, cfg.ScratchDir, logger)
	pool := videoproc.NewPool(cfg.TranscodeWorkers, transcoder, logger)
	pool.Start()
	defer pool.Shutdown()

	// 4. Services
	ingestSvc := service.NewIngestService(store, files, images, pool, service.IngestConfig{
		MaxUploadSize: cfg.MaxUploadSize,
		ImageWorkers:  cfg.ImageWorkers,
	}, logger)
	ingestSvc.RefreshMetrics()
	fileSvc := service.NewMediaFileService(store, files, logger)

	// 5. Background reconcile
	reconcileSvc := service.NewReconcileService(store, files, cfg.ReconcileInterval, cfg.TmpMaxAge, logger)
	reconcileSvc.Start(ctx)
	defer reconcileSvc.Stop()

	// 6. HTTP
	pins := middleware.NewPINAuth(cfg.PIN, cfg.PINMaxFailures, cfg.PINLockout, logger)
	srv := server.New(cfg, logger, server.Handlers{
		Media:       handlers.NewMediaHandler(ingestSvc, fileSvc, store, logger),
		Auth:        handlers.NewAuthHandler(pins),
		Stats:       handlers.NewStatsHandler(store, cfg.DataDir, logger),
		Maintenance: handlers.NewMaintenanceHandler(reconcileSvc),
		Health:      handlers.NewHealthHandler(cfg.DataDir, cfg.FFmpegPath, store),
		PIN:         pins,
	})

	logger.Info("Components initialized",
		slog.Int("media_count", store.Count()),
		slog.Int("transcode_workers", pool.Workers()),
		slog.Bool("tracing", cfg.TracingEnabled),
	)

	return srv.Run()
}
