package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/clinical-document-engine/internal/config"
	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
	"github.com/kirillkom/clinical-document-engine/internal/core/ports"
	"github.com/kirillkom/clinical-document-engine/internal/core/store"
	"github.com/kirillkom/clinical-document-engine/internal/core/usecase"
	"github.com/kirillkom/clinical-document-engine/internal/infrastructure/idgen"
	"github.com/kirillkom/clinical-document-engine/internal/infrastructure/queue/inproc"
	natsqueue "github.com/kirillkom/clinical-document-engine/internal/infrastructure/queue/nats"
	memoryrepo "github.com/kirillkom/clinical-document-engine/internal/infrastructure/repository/memory"
	"github.com/kirillkom/clinical-document-engine/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/clinical-document-engine/internal/infrastructure/resilience"
	"github.com/kirillkom/clinical-document-engine/internal/infrastructure/storage/localfs"
	s3store "github.com/kirillkom/clinical-document-engine/internal/infrastructure/storage/s3"
	"github.com/kirillkom/clinical-document-engine/internal/infrastructure/validation/httpapi"
	"github.com/kirillkom/clinical-document-engine/internal/infrastructure/validation/stub"
	"github.com/kirillkom/clinical-document-engine/internal/observability/metrics"
)

type App struct {
	Config config.Config
	Logger *slog.Logger

	Queue    ports.ValidationQueue
	Uploader ports.DocumentUploader
	Manager  ports.DocumentManager
	Queries  ports.DocumentQueryService
	Worker   ports.ValidationProcessor

	HTTPMetrics   *metrics.HTTPServerMetrics
	WorkerMetrics *metrics.WorkerMetrics

	service  string
	worker   *usecase.ValidationWorker
	closeFns []func()
}

// New wires the configured backends. service labels logs and metrics.
func New(ctx context.Context, cfg config.Config, service string, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{
		Config:  cfg,
		Logger:  logger,
		service: service,
	}
	app.HTTPMetrics = metrics.NewHTTPServerMetrics(service)
	app.WorkerMetrics = metrics.NewWorkerMetrics(service, app.HTTPMetrics.Registry())

	executor := resilience.NewExecutor(resilienceConfig(cfg),
		resilience.WithLogger(logger),
		resilience.WithRetryObserver(func(operation string) {
			app.WorkerMetrics.RecordRetry(service, operation)
		}),
	)

	repo, err := app.openRepository(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, err
	}
	queue, err := app.openQueue(cfg, executor, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	validator, err := openValidator(cfg, blobs, executor)
	if err != nil {
		app.Close()
		return nil, err
	}

	docs := store.NewDocumentStore(repo)
	ledger := store.NewVersionLedger(docs)

	app.Queue = queue
	app.Uploader = usecase.NewUploadPipeline(docs, ledger, blobs, queue, idgen.UUID{}, logger)
	app.Manager = usecase.NewDocumentManager(docs, blobs, logger)
	app.Queries = usecase.NewQueryService(docs, ledger, blobs)
	app.worker = usecase.NewValidationWorker(docs, blobs, validator, cfg.ValidationTimeout, logger)
	app.Worker = app.worker

	logger.Info("bootstrap_complete",
		"repository", cfg.RepositoryBackend,
		"blobs", cfg.BlobBackend,
		"queue", cfg.QueueBackend,
		"validation", cfg.ValidationBackend,
	)
	return app, nil
}

// HandleValidation is the queue handler: it runs one job and records its outcome.
func (a *App) HandleValidation(ctx context.Context, job domain.ValidationJob) error {
	if !job.EnqueuedAt.IsZero() {
		a.WorkerMetrics.ObserveQueueLag(a.service, time.Since(job.EnqueuedAt))
	}
	a.WorkerMetrics.StartValidation()
	started := time.Now()

	outcome, err := a.Worker.ProcessValidation(ctx, job)
	a.WorkerMetrics.FinishValidation(a.service, time.Since(started), string(outcome.Status), string(outcome.Reason), outcome.Discarded, err)
	return err
}

// RunRecovery periodically fails documents whose validation job was lost.
// It blocks until ctx is done.
func (a *App) RunRecovery(ctx context.Context) {
	a.worker.RunRecovery(ctx, a.Config.RecoveryInterval, a.Config.RecoveryGrace)
}

// Close releases backends in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		a.closeFns[i]()
	}
	a.closeFns = nil
}

func (a *App) openRepository(ctx context.Context, cfg config.Config) (ports.DocumentRepository, error) {
	switch cfg.RepositoryBackend {
	case "", "memory":
		return memoryrepo.NewDocumentRepository(), nil
	case "postgres":
		db, err := postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		a.closeFns = append(a.closeFns, func() { _ = db.Close() })
		repo := postgres.NewDocumentRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown repository backend %q", cfg.RepositoryBackend)
	}
}

func openBlobStore(ctx context.Context, cfg config.Config) (ports.BlobStore, error) {
	switch cfg.BlobBackend {
	case "", "localfs":
		blobs, err := localfs.New(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("init local blob store: %w", err)
		}
		return blobs, nil
	case "s3":
		blobs, err := s3store.New(ctx, cfg.S3Region, cfg.S3Bucket, cfg.S3Prefix, cfg.S3KMSKeyID)
		if err != nil {
			return nil, fmt.Errorf("init s3 blob store: %w", err)
		}
		return blobs, nil
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.BlobBackend)
	}
}

func (a *App) openQueue(cfg config.Config, executor *resilience.Executor, logger *slog.Logger) (ports.ValidationQueue, error) {
	switch cfg.QueueBackend {
	case "", "inproc":
		return inproc.New(cfg.InprocQueueSize, cfg.ValidationWorkers, logger), nil
	case "nats":
		queue, err := natsqueue.New(cfg.NATSURL, cfg.NATSSubject, natsqueue.Options{
			ResilienceExecutor: executor,
			Logger:             logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		a.closeFns = append(a.closeFns, queue.Close)
		return queue, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}

func openValidator(cfg config.Config, blobs ports.BlobStore, executor *resilience.Executor) (ports.ValidationService, error) {
	switch cfg.ValidationBackend {
	case "", "stub":
		return stub.New(cfg.StubValidationDelay), nil
	case "http":
		return httpapi.New(cfg.ValidationURL, blobs, httpapi.Options{
			APIKey:             cfg.ValidationAPIKey,
			MaxContentBytes:    cfg.ValidationMaxContentBytes,
			ResilienceExecutor: executor,
		}), nil
	default:
		return nil, fmt.Errorf("unknown validation backend %q", cfg.ValidationBackend)
	}
}

func resilienceConfig(cfg config.Config) resilience.Config {
	return resilience.Config{
		RetryMaxAttempts:        cfg.ResilienceRetryMaxAttempts,
		RetryInitialBackoff:     cfg.ResilienceRetryInitialBackoff,
		RetryMaxBackoff:         cfg.ResilienceRetryMaxBackoff,
		RetryMultiplier:         cfg.ResilienceRetryMultiplier,
		BreakerEnabled:          cfg.ResilienceBreakerEnabled,
		BreakerMinRequests:      uint32(max(cfg.ResilienceBreakerMinRequests, 0)),
		BreakerFailureRatio:     cfg.ResilienceBreakerFailureRatio,
		BreakerOpenTimeout:      cfg.ResilienceBreakerOpenTimeout,
		BreakerHalfOpenMaxCalls: uint32(max(cfg.ResilienceBreakerHalfOpenMaxCalls, 0)),
	}
}
