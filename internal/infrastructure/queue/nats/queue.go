package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
	"github.com/kirillkom/clinical-document-engine/internal/infrastructure/resilience"
)

const queueGroup = "validators"

type Queue struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
	logger   *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func New(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := nats.Connect(
		url,
		nats.Name("clinical-document-engine"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
		logger:   logger,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) PublishValidation(ctx context.Context, job domain.ValidationJob) error {
	payload, err := encodeJob(job)
	if err != nil {
		return err
	}
	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	return wrapTemporaryIfNeeded(err)
}

// SubscribeValidation consumes jobs in the shared queue group until ctx ends,
// then drains: messages already delivered to this subscription are still
// handled before it returns.
func (q *Queue) SubscribeValidation(ctx context.Context, handler func(context.Context, domain.ValidationJob) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, queueGroup, q.messageHandler(ctx, handler))
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := waitDrained(sub, drainTimeout); err != nil {
		return err
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// messageHandler detaches handling from ctx cancellation, so a job delivered
// while the subscription drains is validated and committed, not dropped.
func (q *Queue) messageHandler(ctx context.Context, handler func(context.Context, domain.ValidationJob) error) nats.MsgHandler {
	handlerCtx := context.WithoutCancel(ctx)
	return func(msg *nats.Msg) {
		job, err := decodeJob(msg.Data)
		if err != nil {
			q.logger.Error("validation_job_malformed", "subject", msg.Subject, "error", err)
			return
		}
		if err := handler(handlerCtx, job); err != nil {
			q.logger.Error("validation_handler_error", "document_id", job.DocumentID, "version", job.Version, "error", err)
		}
	}
}

const drainTimeout = 30 * time.Second

// waitDrained blocks until a draining subscription has handled its pending
// messages and closed.
func waitDrained(sub *nats.Subscription, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for sub.IsValid() {
		if time.Now().After(deadline) {
			return fmt.Errorf("nats drain subscription: pending messages not handled within %s", timeout)
		}
		<-ticker.C
	}
	return nil
}

type jobMessage struct {
	DocumentID   string    `json:"document_id"`
	Version      int       `json:"version"`
	DocumentType string    `json:"document_type"`
	BlobRef      string    `json:"blob_ref"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

func encodeJob(job domain.ValidationJob) ([]byte, error) {
	payload, err := json.Marshal(jobMessage{
		DocumentID:   job.DocumentID,
		Version:      job.Version,
		DocumentType: string(job.DocumentType),
		BlobRef:      string(job.BlobRef),
		EnqueuedAt:   job.EnqueuedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("encode validation job: %w", err)
	}
	return payload, nil
}

func decodeJob(data []byte) (domain.ValidationJob, error) {
	var msg jobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return domain.ValidationJob{}, fmt.Errorf("decode validation job: %w", err)
	}
	if msg.DocumentID == "" || msg.Version <= 0 {
		return domain.ValidationJob{}, fmt.Errorf("decode validation job: missing document id or version")
	}
	docType, err := domain.ParseDocumentType(msg.DocumentType)
	if err != nil {
		return domain.ValidationJob{}, fmt.Errorf("decode validation job: %w", err)
	}
	return domain.ValidationJob{
		DocumentID:   msg.DocumentID,
		Version:      msg.Version,
		DocumentType: docType,
		BlobRef:      domain.BlobRef(msg.BlobRef),
		EnqueuedAt:   msg.EnqueuedAt,
	}, nil
}
