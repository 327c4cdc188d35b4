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

	httpadapter "github.com/kirillkom/clinical-document-engine/internal/adapters/http"
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
	logger := logging.New(logging.Options{Service: "api", Level: cfg.LogLevel, Format: cfg.LogFormat})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "api", logger)
	if err != nil {
		logger.Error("bootstrap_error", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	// The in-process queue lives in this process, so its workers do too. They
	// outlive the listener so uploads accepted during shutdown still validate.
	workersCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := make(chan struct{})
	if cfg.QueueBackend == "inproc" {
		go func() {
			defer close(workersDone)
			if err := app.Queue.SubscribeValidation(workersCtx, app.HandleValidation); err != nil {
				logger.Error("validation_subscribe_error", "error", err)
			}
		}()
	} else {
		close(workersDone)
	}

	go app.RunRecovery(ctx)

	router := httpadapter.NewRouter(cfg, app.Uploader, app.Manager, app.Queries,
		httpadapter.WithMetrics(app.HTTPMetrics),
		httpadapter.WithLogger(logger),
	).Handler()
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort, "queue", cfg.QueueBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_error", "error", err)
	}

	stopWorkers()
	select {
	case <-workersDone:
	case <-shutdownCtx.Done():
		logger.Warn("validation_drain_timeout")
	}
}
