package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
)

func TestSubmitReturnsProcessingDocument(t *testing.T) {
	h := newHarness()
	meta, file := mriUpload()

	doc, err := h.uploads.Submit(context.Background(), "P1", meta, file)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if doc.Status != domain.StatusProcessing || doc.AIProcessed || doc.AIFindings != nil {
		t.Fatalf("unexpected initial state: %+v", doc)
	}
	if doc.FileType != "pdf" || len(doc.Versions) != 1 || doc.Versions[0].Version != 1 {
		t.Fatalf("unexpected document shape: %+v", doc)
	}
	if !h.blobs.has(doc.BlobRef) {
		t.Fatalf("blob %s was not stored", doc.BlobRef)
	}
	if !strings.HasPrefix(string(doc.BlobRef), doc.ID+"/") || !strings.HasSuffix(string(doc.BlobRef), "_mri.pdf") {
		t.Fatalf("unexpected blob ref %s", doc.BlobRef)
	}
	job := h.queue.last()
	if job.DocumentID != doc.ID || job.Version != 1 || job.BlobRef != doc.BlobRef || job.DocumentType != domain.TypeReport {
		t.Fatalf("unexpected job: %+v", job)
	}

	stored, err := h.queries.GetByID(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if stored.Status != domain.StatusProcessing {
		t.Fatalf("expected processing in store, got %s", stored.Status)
	}
}

func TestSubmitRejectsInvalidInputBeforeAnyWrite(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*string, *domain.UploadMetadata, *domain.UploadFile)
	}{
		{"empty title", func(_ *string, m *domain.UploadMetadata, _ *domain.UploadFile) { m.Title = "  " }},
		{"empty patient", func(p *string, _ *domain.UploadMetadata, _ *domain.UploadFile) { *p = "" }},
		{"empty content", func(_ *string, _ *domain.UploadMetadata, f *domain.UploadFile) { f.Content = nil }},
		{"unknown type", func(_ *string, m *domain.UploadMetadata, _ *domain.UploadFile) { m.Type = "xray" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			patient := "P1"
			meta, file := mriUpload()
			tc.mutate(&patient, &meta, &file)

			_, err := h.uploads.Submit(context.Background(), patient, meta, file)
			if !domain.IsKind(err, domain.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
			docs, err := h.docs.ListByPatient(context.Background(), "P1")
			if err != nil {
				t.Fatalf("ListByPatient() error = %v", err)
			}
			if len(docs) != 0 || len(h.queue.jobs) != 0 || len(h.blobs.objects) != 0 {
				t.Fatalf("expected no side effects, got docs=%d jobs=%d blobs=%d", len(docs), len(h.queue.jobs), len(h.blobs.objects))
			}
		})
	}
}

func TestSubmitStorageFailureEndsInError(t *testing.T) {
	h := newHarness()
	h.blobs.putErr = errors.New("disk full")
	meta, file := mriUpload()

	doc, err := h.uploads.Submit(context.Background(), "P1", meta, file)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if doc.Status != domain.StatusError || doc.StatusReason != domain.ReasonStorageFailure {
		t.Fatalf("expected storage failure, got %s/%s", doc.Status, doc.StatusReason)
	}
	if doc.AIProcessed || doc.AIFindings != nil {
		t.Fatalf("storage failure must not look validated: %+v", doc)
	}
	if len(h.queue.jobs) != 0 {
		t.Fatalf("expected no job published, got %d", len(h.queue.jobs))
	}
}

func TestSubmitPublishFailureEndsInValidationServiceFailure(t *testing.T) {
	h := newHarness()
	h.queue.err = errors.New("nats: no responders")
	meta, file := mriUpload()

	doc, err := h.uploads.Submit(context.Background(), "P1", meta, file)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if doc.Status != domain.StatusError || doc.StatusReason != domain.ReasonValidationServiceFailure {
		t.Fatalf("expected validation service failure, got %s/%s", doc.Status, doc.StatusReason)
	}
	if !doc.AIProcessed || doc.AIFindings == nil || len(doc.AIFindings.KeyFindings) != 0 {
		t.Fatalf("expected empty findings sentinel, got %+v", doc.AIFindings)
	}
}

func TestSubmitSurvivesCanceledCaller(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.blobs.onPut = cancel
	h.blobs.putErr = context.Canceled
	meta, file := mriUpload()

	doc, err := h.uploads.Submit(ctx, "P1", meta, file)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	stored, err := h.docs.Get(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Status != domain.StatusError {
		t.Fatalf("document left in %s after storage failure", stored.Status)
	}
}

func TestAddVersionFlipsToProcessingAndKeepsHistory(t *testing.T) {
	h := newHarness()
	meta, file := mriUpload()
	doc, err := h.uploads.Submit(context.Background(), "P1", meta, file)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := h.worker.ProcessValidation(context.Background(), h.queue.last()); err != nil {
		t.Fatalf("ProcessValidation() error = %v", err)
	}
	before, _ := h.docs.Get(context.Background(), doc.ID)
	v1 := before.Versions[0]

	updated, err := h.uploads.AddVersion(context.Background(), doc.ID, "Dr. Jones", domain.UploadFile{Name: "mri-v2.pdf", Content: []byte("v2")})
	if err != nil {
		t.Fatalf("AddVersion() error = %v", err)
	}
	if updated.Status != domain.StatusProcessing || updated.AIProcessed || updated.AIFindings != nil {
		t.Fatalf("expected processing after new version, got %+v", updated)
	}
	if len(updated.Versions) != 2 || updated.Versions[1].Version != 2 {
		t.Fatalf("expected two versions, got %+v", updated.Versions)
	}
	if updated.Versions[0] != v1 {
		t.Fatalf("version 1 changed: %+v vs %+v", updated.Versions[0], v1)
	}
	if updated.UploadedBy != "Dr. Jones" || updated.BlobRef != updated.Versions[1].BlobRef {
		t.Fatalf("current version pointer not advanced: %+v", updated)
	}
	if updated.Title != "MRI Report" || updated.FileType != "pdf" {
		t.Fatalf("document metadata changed: %+v", updated)
	}
	if job := h.queue.last(); job.Version != 2 {
		t.Fatalf("expected job for version 2, got %d", job.Version)
	}
}

func TestAddVersionUnknownDocument(t *testing.T) {
	h := newHarness()
	_, err := h.uploads.AddVersion(context.Background(), "missing", "Dr. Jones", domain.UploadFile{Name: "a.pdf", Content: []byte("x")})
	if !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestConcurrentAddVersionIsGapless(t *testing.T) {
	h := newHarness()
	meta, file := mriUpload()
	doc, err := h.uploads.Submit(context.Background(), "P1", meta, file)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.uploads.AddVersion(context.Background(), doc.ID, "Dr. Smith", domain.UploadFile{
				Name:    fmt.Sprintf("rev-%d.pdf", i),
				Content: []byte("rev"),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("AddVersion() error = %v", err)
		}
	}

	versions, err := h.queries.GetVersions(context.Background(), doc.ID)
	if err != nil {
		t.Fatalf("GetVersions() error = %v", err)
	}
	if len(versions) != writers+1 {
		t.Fatalf("expected %d versions, got %d", writers+1, len(versions))
	}
	for i, v := range versions {
		if v.Version != i+1 {
			t.Fatalf("gap at index %d: version %d", i, v.Version)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"mri report.pdf":   "mri_report.pdf",
		"../../etc/passwd": "passwd",
		"":                 "document.bin",
		"снимок.png":       "______.png",
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Fatalf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublishFailureAfterDeleteRemovesStoredBlob(t *testing.T) {
	h := newHarness()
	doc := submitMRI(t, h)

	h.blobs.onPut = func() {
		h.blobs.onPut = nil
		if err := h.manager.Delete(context.Background(), doc.ID); err != nil {
			t.Errorf("Delete() error = %v", err)
		}
	}
	h.queue.err = errors.New("nats: connection closed")

	updated, err := h.uploads.AddVersion(context.Background(), doc.ID, "Dr. Jones", domain.UploadFile{Name: "v2.pdf", Content: []byte("v2")})
	if err != nil {
		t.Fatalf("AddVersion() error = %v", err)
	}
	if _, err := h.docs.Get(context.Background(), doc.ID); !domain.IsKind(err, domain.ErrDocumentNotFound) {
		t.Fatalf("expected document to stay deleted, got %v", err)
	}
	if h.blobs.has(updated.BlobRef) {
		t.Fatalf("blob %s left behind for a deleted document", updated.BlobRef)
	}
}
