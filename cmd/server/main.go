package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"arkiv-backend/internal/api"
	"arkiv-backend/internal/batch"
	"arkiv-backend/internal/blob"
	"arkiv-backend/internal/config"
	"arkiv-backend/internal/fragment"
	"arkiv-backend/internal/logger"
	"arkiv-backend/internal/progress"
	"arkiv-backend/internal/store"
	"arkiv-backend/internal/sweeper"
	"arkiv-backend/internal/upload"
)

func main() {
	ctx := context.Background()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	slogger := logger.New(logLevel(cfg.LogLevel))

	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("failed to connect to database: %v", err)
		}
		defer pg.Close()
		st = pg
	} else {
		slogger.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemoryStore()
	}

	frags, err := fragment.NewStore(cfg.FragmentDir)
	if err != nil {
		log.Fatalf("failed to initialize fragment store: %v", err)
	}

	var blobs blob.Store
	switch cfg.BlobBackend {
	case "s3":
		blobs, err = blob.NewS3Store(ctx, blob.S3Options{
			Bucket:       cfg.S3Bucket,
			Prefix:       cfg.S3Prefix,
			Region:       cfg.S3Region,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3UsePathStyle,
		})
	default:
		blobs, err = blob.NewLocalStore(cfg.BlobDir)
	}
	if err != nil {
		log.Fatalf("failed to initialize blob store: %v", err)
	}

	manager := upload.NewManager(upload.Options{
		DefaultChunkSize: cfg.DefaultChunkSizeBytes,
		MaxChunkSize:     cfg.MaxChunkSizeBytes,
		MaxUploadBytes:   cfg.MaxUploadBytes,
		SessionTTL:       cfg.SessionTTL,
	}, st, frags, blobs, slogger)
	batches := batch.NewOrchestrator(st, manager, slogger)
	publisher := progress.NewPublisher(st, slogger)
	handler := api.NewHandler(cfg, manager, batches, publisher)

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	sw := sweeper.NewSweeper(sweeper.Options{
		Interval:    cfg.SweepInterval,
		GracePeriod: cfg.GracePeriod,
	}, st, frags, manager, slogger)
	go sw.Run(sweepCtx)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Minute, // chunk bodies can be large and slow
		WriteTimeout: 0,                // watch endpoints stream indefinitely
		IdleTimeout:  2 * time.Minute,
	}

	go func() {
		slogger.Info("ingestion service listening", "addr", server.Addr, "blob", cfg.BlobBackend)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slogger.Info("shutting down ingestion service")
	stopSweeper()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slogger.Error("graceful shutdown failed", "err", err)
	}
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
