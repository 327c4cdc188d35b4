package httpadapter

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/clinical-document-engine/internal/config"
	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
)

type uploaderFake struct {
	err error

	patientID  string
	meta       domain.UploadMetadata
	file       domain.UploadFile
	documentID string
	uploadedBy string
}

func (f *uploaderFake) Submit(_ context.Context, patientID string, meta domain.UploadMetadata, file domain.UploadFile) (*domain.Document, error) {
	f.patientID, f.meta, f.file = patientID, meta, file
	if f.err != nil {
		return nil, f.err
	}
	return sampleDocument("doc-1", patientID, meta.Type), nil
}

func (f *uploaderFake) AddVersion(_ context.Context, documentID, uploadedBy string, file domain.UploadFile) (*domain.Document, error) {
	f.documentID, f.uploadedBy, f.file = documentID, uploadedBy, file
	if f.err != nil {
		return nil, f.err
	}
	return sampleDocument(documentID, "patient-1", domain.TypeReport), nil
}

type managerFake struct {
	err     error
	edited  domain.EditRequest
	deleted string
}

func (f *managerFake) Edit(_ context.Context, documentID string, req domain.EditRequest) (*domain.Document, error) {
	f.edited = req
	if f.err != nil {
		return nil, f.err
	}
	doc := sampleDocument(documentID, "patient-1", domain.TypeReport)
	if req.Title != nil {
		doc.Title = *req.Title
	}
	return doc, nil
}

func (f *managerFake) Delete(_ context.Context, documentID string) error {
	f.deleted = documentID
	return f.err
}

type queriesFake struct {
	err      error
	docs     []domain.Document
	versions []domain.Version
	content  string

	patientID string
	filter    domain.DocumentFilter
}

func (f *queriesFake) Query(_ context.Context, patientID string, filter domain.DocumentFilter) ([]domain.Document, error) {
	f.patientID, f.filter = patientID, filter
	return f.docs, f.err
}

func (f *queriesFake) GetByID(_ context.Context, documentID string) (*domain.Document, error) {
	if f.err != nil {
		return nil, f.err
	}
	return sampleDocument(documentID, "patient-1", domain.TypeReport), nil
}

func (f *queriesFake) GetVersions(context.Context, string) ([]domain.Version, error) {
	return f.versions, f.err
}

func (f *queriesFake) OpenVersion(_ context.Context, _ string, version int) (domain.Version, io.ReadCloser, error) {
	if f.err != nil {
		return domain.Version{}, nil, f.err
	}
	return domain.Version{
		Version:   version,
		FileName:  "scan report.pdf",
		SizeBytes: int64(len(f.content)),
	}, io.NopCloser(strings.NewReader(f.content)), nil
}

func sampleDocument(id, patientID string, docType domain.DocumentType) *domain.Document {
	now := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	return &domain.Document{
		ID:         id,
		PatientID:  patientID,
		Title:      "MRI Report",
		Type:       docType,
		FileType:   "pdf",
		UploadDate: now,
		Tags:       []string{},
		Status:     domain.StatusProcessing,
		Versions:   []domain.Version{{ID: "v-1", Version: 1, FileName: "mri.pdf", FileType: "pdf", UploadDate: now}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

type routerFakes struct {
	uploader *uploaderFake
	manager  *managerFake
	queries  *queriesFake
}

func newTestRouter(cfg config.Config) (http.Handler, routerFakes) {
	fakes := routerFakes{
		uploader: &uploaderFake{},
		manager:  &managerFake{},
		queries:  &queriesFake{},
	}
	return NewRouter(cfg, fakes.uploader, fakes.manager, fakes.queries).Handler(), fakes
}
