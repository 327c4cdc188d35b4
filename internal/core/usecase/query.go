package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
	"github.com/kirillkom/clinical-document-engine/internal/core/ports"
	"github.com/kirillkom/clinical-document-engine/internal/core/store"
)

// QueryService is the read side. It only ever works on snapshots.
type QueryService struct {
	docs   *store.DocumentStore
	ledger *store.VersionLedger
	blobs  ports.BlobStore
}

func NewQueryService(docs *store.DocumentStore, ledger *store.VersionLedger, blobs ports.BlobStore) *QueryService {
	return &QueryService{docs: docs, ledger: ledger, blobs: blobs}
}

// Query returns the patient's documents matching every set filter field,
// newest upload first.
func (q *QueryService) Query(ctx context.Context, patientID string, filter domain.DocumentFilter) ([]domain.Document, error) {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "query documents", errors.New("patient id is required"))
	}
	if filter.DateFrom != nil && filter.DateTo != nil && filter.DateFrom.After(*filter.DateTo) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "query documents", errors.New("date_from is after date_to"))
	}

	all, err := q.docs.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Document, 0, len(all))
	for i := range all {
		if filter.Matches(&all[i]) {
			out = append(out, all[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UploadDate.After(out[j].UploadDate)
	})
	return out, nil
}

func (q *QueryService) GetByID(ctx context.Context, documentID string) (*domain.Document, error) {
	return q.docs.Get(ctx, documentID)
}

func (q *QueryService) GetVersions(ctx context.Context, documentID string) ([]domain.Version, error) {
	return q.ledger.List(ctx, documentID)
}

// OpenVersion streams the stored bytes of one version. The caller closes the reader.
func (q *QueryService) OpenVersion(ctx context.Context, documentID string, version int) (domain.Version, io.ReadCloser, error) {
	v, err := q.ledger.Get(ctx, documentID, version)
	if err != nil {
		return domain.Version{}, nil, err
	}
	body, err := q.blobs.Get(ctx, v.BlobRef)
	if err != nil {
		return domain.Version{}, nil, fmt.Errorf("open version content: %w", err)
	}
	return v, body, nil
}
