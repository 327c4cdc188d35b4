package ports

import (
	"context"
	"io"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
)

// DocumentUploader is the inbound contract for the upload pipeline.
type DocumentUploader interface {
	Submit(ctx context.Context, patientID string, meta domain.UploadMetadata, file domain.UploadFile) (*domain.Document, error)
	AddVersion(ctx context.Context, documentID, uploadedBy string, file domain.UploadFile) (*domain.Document, error)
}

// DocumentManager is the inbound contract for explicit edit and delete commands.
type DocumentManager interface {
	Edit(ctx context.Context, documentID string, req domain.EditRequest) (*domain.Document, error)
	Delete(ctx context.Context, documentID string) error
}

// DocumentQueryService is the inbound read model.
type DocumentQueryService interface {
	Query(ctx context.Context, patientID string, filter domain.DocumentFilter) ([]domain.Document, error)
	GetByID(ctx context.Context, documentID string) (*domain.Document, error)
	GetVersions(ctx context.Context, documentID string) ([]domain.Version, error)
	OpenVersion(ctx context.Context, documentID string, version int) (domain.Version, io.ReadCloser, error)
}

// ValidationProcessor is the inbound contract for asynchronous validation jobs.
type ValidationProcessor interface {
	ProcessValidation(ctx context.Context, job domain.ValidationJob) (domain.ValidationOutcome, error)
}
