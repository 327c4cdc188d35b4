package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
	"github.com/kirillkom/clinical-document-engine/internal/core/ports"
	"github.com/kirillkom/clinical-document-engine/internal/core/store"
)

const blobCleanupParallelism = 4

type DocumentManager struct {
	docs   *store.DocumentStore
	blobs  ports.BlobStore
	logger *slog.Logger
}

func NewDocumentManager(docs *store.DocumentStore, blobs ports.BlobStore, logger *slog.Logger) *DocumentManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &DocumentManager{docs: docs, blobs: blobs, logger: logger}
}

func (m *DocumentManager) Edit(ctx context.Context, documentID string, req domain.EditRequest) (*domain.Document, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "edit document", errors.New("document id is required"))
	}
	if req.Title == nil && req.Tags == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "edit document", errors.New("nothing to edit"))
	}
	doc, err := m.docs.Update(ctx, documentID, domain.EditMetadata{Title: req.Title, Tags: req.Tags})
	if err != nil {
		return nil, err
	}
	m.logger.Info("document_edited", "document_id", doc.ID)
	return doc, nil
}

// Delete removes the document and all of its versions. A validation still in
// flight for it is discarded when it completes.
func (m *DocumentManager) Delete(ctx context.Context, documentID string) error {
	doc, err := m.docs.Delete(ctx, documentID)
	if err != nil {
		return err
	}
	m.logger.Info("document_deleted", "document_id", doc.ID, "versions", len(doc.Versions))
	m.removeBlobs(context.WithoutCancel(ctx), doc)
	return nil
}

// removeBlobs is best effort: the record is already gone, so failures are logged only.
func (m *DocumentManager) removeBlobs(ctx context.Context, doc *domain.Document) {
	var g errgroup.Group
	g.SetLimit(blobCleanupParallelism)
	for _, v := range doc.Versions {
		if v.BlobRef == "" {
			continue
		}
		g.Go(func() error {
			if err := m.blobs.Delete(ctx, v.BlobRef); err != nil && !domain.IsKind(err, domain.ErrBlobNotFound) {
				return fmt.Errorf("version %d: %w", v.Version, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("document_blob_cleanup_failed", "document_id", doc.ID, "error", err)
	}
}
