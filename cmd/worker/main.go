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

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/clinical-document-engine/internal/bootstrap"
	"github.com/kirillkom/clinical-document-engine/internal/config"
	"github.com/kirillkom/clinical-document-engine/internal/observability/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_error", "error", err)
		os.Exit(1)
	}
	logger := logging.New(logging.Options{Service: "worker", Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(logger)

	if cfg.QueueBackend != "nats" {
		logger.Error("worker_requires_nats", "queue_backend", cfg.QueueBackend)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "worker", logger)
	if err != nil {
		logger.Error("bootstrap_error", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", app.WorkerMetrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_error", "error", err)
		}
	}()

	// Each subscription in the queue group is served sequentially, so the
	// worker count is the number of subscriptions.
	workers := max(cfg.ValidationWorkers, 1)
	logger.Info("worker_subscribed", "subject", cfg.NATSSubject, "workers", workers)
	g, gctx := errgroup.WithContext(ctx)
	go app.RunRecovery(gctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return app.Queue.SubscribeValidation(gctx, app.HandleValidation)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("worker_subscribe_error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker_metrics_shutdown_error", "error", err)
	}
}
