package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"smart-report-generator/internal/config"
	"smart-report-generator/internal/logging"
	"smart-report-generator/internal/queue"
	"smart-report-generator/internal/store"
	"smart-report-generator/internal/telemetry"
	workerproc "smart-report-generator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.Env, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(ctx); err != nil {
		logger.Error("migrations", "error", err)
		os.Exit(1)
	}

	client, err := queue.NewClient(cfg.RedisURL)
	if err != nil {
		logger.Error("redis client", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	q := queue.NewRedisQueue(client, queue.Options{
		VisibilityTimeout: cfg.VisibilityTimeout,
		DLQKey:            cfg.DLQName,
	})

	uploader, err := workerproc.NewUploader(ctx, cfg)
	if err != nil {
		logger.Error("init artifact uploader", "error", err)
		os.Exit(1)
	}
	gen := workerproc.NewSimulatedGenerator(cfg.GenerationDelay, cfg.GenerationFailureRate, uploader)

	workerID := os.Getenv("WORKER_ID")
	var processor *workerproc.Processor
	if workerID != "" {
		processor = workerproc.NewProcessorWithID(cfg, q, st, gen, logger, workerID)
	} else {
		processor = workerproc.NewProcessor(cfg, q, st, gen, logger)
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	if err := processor.Run(ctx); err != nil {
		logger.Error("worker stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}
