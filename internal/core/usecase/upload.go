package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
	"github.com/kirillkom/clinical-document-engine/internal/core/ports"
	"github.com/kirillkom/clinical-document-engine/internal/core/store"
)

// UploadPipeline accepts documents and versions, stores their bytes and hands
// them off for asynchronous validation.
type UploadPipeline struct {
	docs   *store.DocumentStore
	ledger *store.VersionLedger
	blobs  ports.BlobStore
	queue  ports.ValidationQueue
	ids    ports.IDGenerator
	logger *slog.Logger
	now    func() time.Time
}

func NewUploadPipeline(
	docs *store.DocumentStore,
	ledger *store.VersionLedger,
	blobs ports.BlobStore,
	queue ports.ValidationQueue,
	ids ports.IDGenerator,
	logger *slog.Logger,
) *UploadPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &UploadPipeline{
		docs:   docs,
		ledger: ledger,
		blobs:  blobs,
		queue:  queue,
		ids:    ids,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit registers a new document. The returned snapshot is already queryable;
// storage and validation outcomes arrive later as status transitions.
func (p *UploadPipeline) Submit(
	ctx context.Context,
	patientID string,
	meta domain.UploadMetadata,
	file domain.UploadFile,
) (*domain.Document, error) {
	patientID = strings.TrimSpace(patientID)
	title := strings.TrimSpace(meta.Title)
	if err := validateSubmit(patientID, title, meta.Type, file); err != nil {
		return nil, err
	}

	now := p.now()
	docID := p.ids.NewID()
	version := p.newVersion(docID, meta.UploadedBy, file, now)

	doc := &domain.Document{
		ID:        docID,
		PatientID: patientID,
		Title:     title,
		Type:      meta.Type,
		FileType:  version.FileType,
		Tags:      domain.NormalizeTags(meta.Tags),
		Status:    domain.StatusProcessing,
		Versions:  []domain.Version{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := (domain.AppendVersion{Version: version}).Apply(doc); err != nil {
		return nil, fmt.Errorf("build first version: %w", err)
	}
	if _, err := p.docs.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	p.logger.Info("document_submitted",
		"document_id", doc.ID,
		"patient_id", doc.PatientID,
		"type", doc.Type,
		"file_type", doc.FileType,
		"size_bytes", version.SizeBytes,
	)

	return p.storeAndEnqueue(ctx, doc, doc.Versions[0], file.Content), nil
}

// AddVersion appends a new version to an existing document. The parent flips
// back to processing in the same write that appends the version. Concurrent
// calls for one document queue on its write lock.
func (p *UploadPipeline) AddVersion(
	ctx context.Context,
	documentID, uploadedBy string,
	file domain.UploadFile,
) (*domain.Document, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "add version", errors.New("document id is required"))
	}
	if len(file.Content) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "add version", errors.New("file content is empty"))
	}

	version := p.newVersion(documentID, uploadedBy, file, p.now())
	doc, assigned, err := p.ledger.Append(ctx, documentID, version, domain.SetProcessing{})
	if err != nil {
		return nil, err
	}
	p.logger.Info("document_version_added",
		"document_id", doc.ID,
		"version", assigned.Version,
		"file_type", assigned.FileType,
		"size_bytes", assigned.SizeBytes,
	)

	return p.storeAndEnqueue(ctx, doc, assigned, file.Content), nil
}

// storeAndEnqueue persists the bytes of v and publishes its validation job.
// Both failure branches are folded into the document status. It returns the
// freshest snapshot it has.
func (p *UploadPipeline) storeAndEnqueue(ctx context.Context, doc *domain.Document, v domain.Version, content []byte) *domain.Document {
	// The document is already committed; a caller hanging up must not strand it in processing.
	ctx = context.WithoutCancel(ctx)

	if err := p.blobs.Put(ctx, v.BlobRef, bytes.NewReader(content)); err != nil {
		p.logger.Error("document_storage_failed",
			"document_id", doc.ID,
			"version", v.Version,
			"blob_ref", v.BlobRef,
			"error", err,
		)
		return p.commitFailure(ctx, doc, v.BlobRef, domain.ApplyStorageFailure{Version: v.Version, Cause: err.Error()})
	}

	job := domain.ValidationJob{
		DocumentID:   doc.ID,
		Version:      v.Version,
		DocumentType: doc.Type,
		BlobRef:      v.BlobRef,
		EnqueuedAt:   p.now(),
	}
	if err := p.queue.PublishValidation(ctx, job); err != nil {
		p.logger.Error("validation_enqueue_failed",
			"document_id", doc.ID,
			"version", v.Version,
			"error", err,
		)
		return p.commitFailure(ctx, doc, v.BlobRef, domain.ApplyValidationFailure{Version: v.Version, Cause: err.Error()})
	}
	return doc
}

// commitFailure records m on the document. If the document was deleted
// meanwhile, the bytes stored under ref have no owner left and are removed.
func (p *UploadPipeline) commitFailure(ctx context.Context, doc *domain.Document, ref domain.BlobRef, m domain.Mutation) *domain.Document {
	updated, err := p.docs.Update(ctx, doc.ID, m)
	switch {
	case err == nil:
		return updated
	case domain.IsKind(err, domain.ErrNotFound):
		p.logger.Debug("failure_commit_discarded", "document_id", doc.ID, "mutation", m.Name(), "error", err)
		if ref != "" {
			if err := p.blobs.Delete(ctx, ref); err != nil && !domain.IsKind(err, domain.ErrBlobNotFound) {
				p.logger.Warn("orphan_blob_cleanup_failed", "blob_ref", ref, "error", err)
			}
		}
	case domain.IsKind(err, domain.ErrStaleResult):
		p.logger.Debug("failure_commit_discarded", "document_id", doc.ID, "mutation", m.Name(), "error", err)
	default:
		p.logger.Error("failure_commit_error", "document_id", doc.ID, "mutation", m.Name(), "error", err)
	}
	return doc
}

func (p *UploadPipeline) newVersion(documentID, uploadedBy string, file domain.UploadFile, now time.Time) domain.Version {
	versionID := p.ids.NewID()
	return domain.Version{
		ID:         versionID,
		FileName:   filepath.Base(strings.TrimSpace(file.Name)),
		FileType:   domain.DeriveFileType(file.Name),
		SizeBytes:  int64(len(file.Content)),
		UploadDate: now,
		UploadedBy: strings.TrimSpace(uploadedBy),
		BlobRef:    domain.BlobRef(fmt.Sprintf("%s/%s_%s", documentID, versionID, sanitizeFilename(file.Name))),
	}
}

func validateSubmit(patientID, title string, docType domain.DocumentType, file domain.UploadFile) error {
	switch {
	case patientID == "":
		return domain.WrapError(domain.ErrInvalidInput, "submit", errors.New("patient id is required"))
	case title == "":
		return domain.WrapError(domain.ErrInvalidInput, "submit", errors.New("title is required"))
	case len(file.Content) == 0:
		return domain.WrapError(domain.ErrInvalidInput, "submit", errors.New("file content is empty"))
	}
	if _, err := domain.ParseDocumentType(string(docType)); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	return nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == "/" {
		base = ""
	}
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" {
		return "document.bin"
	}
	return base
}
