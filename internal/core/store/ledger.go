package store

import (
	"context"
	"fmt"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
)

// VersionLedger is the append-only version history of each document. Appends
// for one document serialize on the document write lock, so concurrent callers
// queue behind each other instead of failing.
type VersionLedger struct {
	store *DocumentStore
}

func NewVersionLedger(store *DocumentStore) *VersionLedger {
	return &VersionLedger{store: store}
}

// Append adds v as the next version of documentID, applying extra in the same
// atomic write. The returned version carries the assigned number.
func (l *VersionLedger) Append(
	ctx context.Context,
	documentID string,
	v domain.Version,
	extra ...domain.Mutation,
) (*domain.Document, domain.Version, error) {
	mutations := append([]domain.Mutation{domain.AppendVersion{Version: v}}, extra...)
	doc, err := l.store.Update(ctx, documentID, mutations...)
	if err != nil {
		return nil, domain.Version{}, fmt.Errorf("append version: %w", err)
	}
	for i := len(doc.Versions) - 1; i >= 0; i-- {
		if doc.Versions[i].ID == v.ID {
			return doc, doc.Versions[i], nil
		}
	}
	return nil, domain.Version{}, domain.WrapError(domain.ErrConflict, "append version", fmt.Errorf("version %s missing after commit", v.ID))
}

// List returns the versions of documentID, newest last.
func (l *VersionLedger) List(ctx context.Context, documentID string) ([]domain.Version, error) {
	doc, err := l.store.Get(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	return doc.Versions, nil
}

func (l *VersionLedger) Get(ctx context.Context, documentID string, number int) (domain.Version, error) {
	doc, err := l.store.Get(ctx, documentID)
	if err != nil {
		return domain.Version{}, fmt.Errorf("get version: %w", err)
	}
	v, ok := doc.VersionByNumber(number)
	if !ok {
		return domain.Version{}, domain.WrapError(domain.ErrVersionNotFound, "get version", fmt.Errorf("document=%s version=%d", documentID, number))
	}
	return v, nil
}
