// Package store is the single write path for documents and their version ledger.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
	"github.com/kirillkom/clinical-document-engine/internal/core/ports"
)

type DocumentStore struct {
	repo ports.DocumentRepository
	now  func() time.Time
}

func NewDocumentStore(repo ports.DocumentRepository) *DocumentStore {
	return &DocumentStore{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *DocumentStore) Create(ctx context.Context, doc *domain.Document) (string, error) {
	if doc == nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "create document", errors.New("document is nil"))
	}
	if err := doc.CheckInvariants(); err != nil {
		return "", domain.WrapError(domain.ErrInvalidInput, "create document", err)
	}
	if err := s.repo.Insert(ctx, doc.Clone()); err != nil {
		return "", fmt.Errorf("insert document: %w", err)
	}
	return doc.ID, nil
}

func (s *DocumentStore) Get(ctx context.Context, id string) (*domain.Document, error) {
	doc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return doc, nil
}

// Update applies mutations in order as one atomic write. Nothing is committed
// if any mutation fails or the result violates a document invariant.
func (s *DocumentStore) Update(ctx context.Context, id string, mutations ...domain.Mutation) (*domain.Document, error) {
	if len(mutations) == 0 {
		return nil, domain.WrapError(domain.ErrInvalidInput, "update document", errors.New("no mutations"))
	}
	names := make([]string, 0, len(mutations))
	for _, m := range mutations {
		names = append(names, m.Name())
	}
	op := strings.Join(names, "+")

	doc, err := s.repo.Update(ctx, id, func(doc *domain.Document) error {
		for _, m := range mutations {
			if err := m.Apply(doc); err != nil {
				return fmt.Errorf("%s: %w", m.Name(), err)
			}
		}
		doc.UpdatedAt = s.now()
		if err := doc.CheckInvariants(); err != nil {
			return fmt.Errorf("invariants after %s: %w", op, err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update document (%s): %w", op, err)
	}
	return doc, nil
}

// Delete removes the document with all its versions and returns the removed record.
func (s *DocumentStore) Delete(ctx context.Context, id string) (*domain.Document, error) {
	doc, err := s.repo.Delete(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("delete document: %w", err)
	}
	return doc, nil
}

func (s *DocumentStore) ListByPatient(ctx context.Context, patientID string) ([]domain.Document, error) {
	docs, err := s.repo.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return docs, nil
}

func (s *DocumentStore) ListProcessing(ctx context.Context, updatedBefore time.Time) ([]domain.Document, error) {
	docs, err := s.repo.ListProcessing(ctx, updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("list processing documents: %w", err)
	}
	return docs, nil
}
