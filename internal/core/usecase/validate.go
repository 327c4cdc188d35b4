package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
	"github.com/kirillkom/clinical-document-engine/internal/core/ports"
	"github.com/kirillkom/clinical-document-engine/internal/core/store"
	"github.com/kirillkom/clinical-document-engine/internal/core/validation"
)

const defaultValidationTimeout = 2 * time.Minute

// ValidationWorker runs one validation job: call the external service,
// interpret its findings and commit the result through the document store.
type ValidationWorker struct {
	docs      *store.DocumentStore
	blobs     ports.BlobStore
	validator ports.ValidationService
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewValidationWorker(
	docs *store.DocumentStore,
	blobs ports.BlobStore,
	validator ports.ValidationService,
	timeout time.Duration,
	logger *slog.Logger,
) *ValidationWorker {
	if timeout <= 0 {
		timeout = defaultValidationTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ValidationWorker{
		docs:      docs,
		blobs:     blobs,
		validator: validator,
		timeout:   timeout,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (w *ValidationWorker) ProcessValidation(ctx context.Context, job domain.ValidationJob) (domain.ValidationOutcome, error) {
	doc, err := w.docs.Get(ctx, job.DocumentID)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) {
			return w.discard(ctx, job, err), nil
		}
		return domain.ValidationOutcome{}, fmt.Errorf("load document: %w", err)
	}
	if current, ok := doc.CurrentVersion(); !ok || current.Version != job.Version || doc.Status != domain.StatusProcessing {
		return w.discard(ctx, job, domain.ErrStaleResult), nil
	}

	started := time.Now()
	mutation, outcome := w.validate(ctx, job)

	// A result that was computed is always committed, even if the worker is shutting down.
	_, err = w.docs.Update(context.WithoutCancel(ctx), job.DocumentID, mutation)
	if err != nil {
		if domain.IsKind(err, domain.ErrNotFound) || domain.IsKind(err, domain.ErrStaleResult) {
			return w.discard(ctx, job, err), nil
		}
		return domain.ValidationOutcome{}, fmt.Errorf("commit validation result: %w", err)
	}

	w.logger.Info("document_validated",
		"document_id", job.DocumentID,
		"version", job.Version,
		"status", outcome.Status,
		"reason", outcome.Reason,
		"duration_ms", float64(time.Since(started).Microseconds())/1000.0,
	)
	return outcome, nil
}

func (w *ValidationWorker) validate(ctx context.Context, job domain.ValidationJob) (domain.Mutation, domain.ValidationOutcome) {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	findings, err := w.validator.Validate(callCtx, job.BlobRef, job.DocumentType)
	if err == nil {
		m := validation.Mutation(job.Version, findings)
		return m, domain.ValidationOutcome{Status: m.Status, Reason: m.Reason}
	}

	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = domain.WrapError(domain.ErrValidationServiceFailure, "validate", fmt.Errorf("timed out after %s: %w", w.timeout, err))
	}
	w.logger.Warn("document_validation_failed",
		"document_id", job.DocumentID,
		"version", job.Version,
		"error", err,
	)
	return domain.ApplyValidationFailure{Version: job.Version, Cause: err.Error()},
		domain.ValidationOutcome{Status: domain.StatusError, Reason: domain.ReasonValidationServiceFailure}
}

// discard drops a result for a deleted document or a superseded version. When
// the document is gone its blob is removed too, since nothing references it.
func (w *ValidationWorker) discard(ctx context.Context, job domain.ValidationJob, cause error) domain.ValidationOutcome {
	w.logger.Debug("validation_result_discarded",
		"document_id", job.DocumentID,
		"version", job.Version,
		"cause", cause,
	)
	if domain.IsKind(cause, domain.ErrNotFound) && job.BlobRef != "" {
		if err := w.blobs.Delete(context.WithoutCancel(ctx), job.BlobRef); err != nil && !domain.IsKind(err, domain.ErrBlobNotFound) {
			w.logger.Warn("orphan_blob_cleanup_failed", "blob_ref", job.BlobRef, "error", err)
		}
	}
	return domain.ValidationOutcome{Discarded: true}
}

// RecoverStuck fails documents still processing a version whose job has not
// reported back within the validation timeout plus grace. Such a job was lost
// in transit, so no worker will ever commit its result. It returns the number
// of documents failed.
func (w *ValidationWorker) RecoverStuck(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := w.now().Add(-(w.timeout + grace))
	docs, err := w.docs.ListProcessing(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stuck documents: %w", err)
	}

	recovered := 0
	for i := range docs {
		current, ok := docs[i].CurrentVersion()
		if !ok {
			continue
		}
		m := domain.ApplyValidationFailure{
			Version: current.Version,
			Cause:   fmt.Sprintf("no validation result since %s", docs[i].UpdatedAt.Format(time.RFC3339)),
		}
		_, err := w.docs.Update(ctx, docs[i].ID, m)
		switch {
		case err == nil:
			recovered++
			w.logger.Warn("stuck_validation_recovered",
				"document_id", docs[i].ID,
				"version", current.Version,
				"processing_since", docs[i].UpdatedAt,
			)
		case domain.IsKind(err, domain.ErrNotFound), domain.IsKind(err, domain.ErrStaleResult):
			// Settled or deleted since the listing.
		case ctx.Err() != nil:
			return recovered, ctx.Err()
		default:
			w.logger.Error("stuck_validation_recovery_error", "document_id", docs[i].ID, "error", err)
		}
	}
	return recovered, nil
}

// RunRecovery calls RecoverStuck every interval until ctx is done. A
// non-positive interval disables it.
func (w *ValidationWorker) RunRecovery(ctx context.Context, interval, grace time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RecoverStuck(ctx, grace); err != nil && ctx.Err() == nil {
				w.logger.Error("stuck_validation_sweep_error", "error", err)
			}
		}
	}
}
