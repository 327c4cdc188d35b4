// Package memory keeps documents in process memory.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
)

// entry holds one document. Writers serialize on mu; readers load the
// published snapshot without locking, so they only ever see committed states.
type entry struct {
	mu      sync.Mutex
	current atomic.Pointer[domain.Document]
}

type DocumentRepository struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	byPatient map[string]map[string]struct{}
}

func NewDocumentRepository() *DocumentRepository {
	return &DocumentRepository{
		entries:   make(map[string]*entry),
		byPatient: make(map[string]map[string]struct{}),
	}
}

func (r *DocumentRepository) Insert(ctx context.Context, doc *domain.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc == nil || doc.ID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "insert document", errors.New("document id is required"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[doc.ID]; ok {
		return domain.WrapError(domain.ErrConflict, "insert document", fmt.Errorf("id=%s already exists", doc.ID))
	}
	e := &entry{}
	e.current.Store(doc.Clone())
	r.entries[doc.ID] = e

	ids, ok := r.byPatient[doc.PatientID]
	if !ok {
		ids = make(map[string]struct{})
		r.byPatient[doc.PatientID] = ids
	}
	ids[doc.ID] = struct{}{}
	return nil
}

func (r *DocumentRepository) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := r.lookup(id)
	if e == nil {
		return nil, notFound("get document", id)
	}
	doc := e.current.Load()
	if doc == nil {
		return nil, notFound("get document", id)
	}
	return doc.Clone(), nil
}

func (r *DocumentRepository) Update(ctx context.Context, id string, mutate func(*domain.Document) error) (*domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := r.lookup(id)
	if e == nil {
		return nil, notFound("update document", id)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.current.Load()
	if cur == nil {
		return nil, notFound("update document", id)
	}
	next := cur.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if next.ID != cur.ID || next.PatientID != cur.PatientID {
		return nil, domain.WrapError(domain.ErrInvalidInput, "update document", errors.New("id and patient id are immutable"))
	}
	e.current.Store(next)
	return next.Clone(), nil
}

func (r *DocumentRepository) Delete(ctx context.Context, id string) (*domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		if doc := e.current.Load(); doc != nil {
			if ids := r.byPatient[doc.PatientID]; ids != nil {
				delete(ids, id)
				if len(ids) == 0 {
					delete(r.byPatient, doc.PatientID)
				}
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return nil, notFound("delete document", id)
	}

	// Wait out an in-flight writer so the returned record is the final one.
	e.mu.Lock()
	doc := e.current.Swap(nil)
	e.mu.Unlock()
	if doc == nil {
		return nil, notFound("delete document", id)
	}
	return doc, nil
}

// ListByPatient returns the patient's documents, newest upload first.
func (r *DocumentRepository) ListByPatient(ctx context.Context, patientID string) ([]domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.byPatient[patientID]))
	for id := range r.byPatient[patientID] {
		entries = append(entries, r.entries[id])
	}
	r.mu.RUnlock()

	docs := make([]domain.Document, 0, len(entries))
	for _, e := range entries {
		if doc := e.current.Load(); doc != nil {
			docs = append(docs, *doc.Clone())
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].UploadDate.Equal(docs[j].UploadDate) {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].UploadDate.After(docs[j].UploadDate)
	})
	return docs, nil
}

func (r *DocumentRepository) ListProcessing(ctx context.Context, updatedBefore time.Time) ([]domain.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	docs := make([]domain.Document, 0)
	for _, e := range entries {
		doc := e.current.Load()
		if doc == nil || doc.Status != domain.StatusProcessing || !doc.UpdatedAt.Before(updatedBefore) {
			continue
		}
		docs = append(docs, *doc.Clone())
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].UpdatedAt.Equal(docs[j].UpdatedAt) {
			return docs[i].ID < docs[j].ID
		}
		return docs[i].UpdatedAt.Before(docs[j].UpdatedAt)
	})
	return docs, nil
}

func (r *DocumentRepository) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[id]
}

func notFound(op, id string) error {
	return domain.WrapError(domain.ErrDocumentNotFound, op, fmt.Errorf("id=%s", id))
}
