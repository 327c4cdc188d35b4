package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
)

// DocumentRepository persists documents keyed by id. Update must run mutate
// under a per-document write lock and publish the result atomically to readers.
type DocumentRepository interface {
	Insert(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	Update(ctx context.Context, id string, mutate func(*domain.Document) error) (*domain.Document, error)
	Delete(ctx context.Context, id string) (*domain.Document, error)
	ListByPatient(ctx context.Context, patientID string) ([]domain.Document, error)
	// ListProcessing returns processing documents last written before updatedBefore.
	ListProcessing(ctx context.Context, updatedBefore time.Time) ([]domain.Document, error)
}

// BlobStore stores uploaded bytes under identifier-addressed refs.
type BlobStore interface {
	Put(ctx context.Context, ref domain.BlobRef, data io.Reader) error
	Get(ctx context.Context, ref domain.BlobRef) (io.ReadCloser, error)
	Delete(ctx context.Context, ref domain.BlobRef) error
}

// ValidationService inspects a stored document and reports identity findings.
type ValidationService interface {
	Validate(ctx context.Context, ref domain.BlobRef, docType domain.DocumentType) (domain.Findings, error)
}

// ValidationQueue hands validation jobs from the upload pipeline to workers.
type ValidationQueue interface {
	PublishValidation(ctx context.Context, job domain.ValidationJob) error
	SubscribeValidation(ctx context.Context, handler func(context.Context, domain.ValidationJob) error) error
}

// IDGenerator produces collision-resistant identifiers.
type IDGenerator interface {
	NewID() string
}
