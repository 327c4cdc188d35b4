package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
	"github.com/kirillkom/clinical-document-engine/internal/core/store"
	"github.com/kirillkom/clinical-document-engine/internal/infrastructure/repository/memory"
)

type blobStoreFake struct {
	mu      sync.Mutex
	objects map[domain.BlobRef][]byte
	putErr  error
	onPut   func()
	deleted []domain.BlobRef
}

func newBlobStoreFake() *blobStoreFake {
	return &blobStoreFake{objects: make(map[domain.BlobRef][]byte)}
}

func (f *blobStoreFake) Put(_ context.Context, ref domain.BlobRef, data io.Reader) error {
	if f.onPut != nil {
		f.onPut()
	}
	if f.putErr != nil {
		return f.putErr
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[ref] = raw
	return nil
}

func (f *blobStoreFake) Get(_ context.Context, ref domain.BlobRef) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.objects[ref]
	if !ok {
		return nil, domain.WrapError(domain.ErrBlobNotFound, "get blob", fmt.Errorf("ref %s", ref))
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (f *blobStoreFake) Delete(_ context.Context, ref domain.BlobRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[ref]; !ok {
		return domain.WrapError(domain.ErrBlobNotFound, "delete blob", fmt.Errorf("ref %s", ref))
	}
	delete(f.objects, ref)
	f.deleted = append(f.deleted, ref)
	return nil
}

func (f *blobStoreFake) has(ref domain.BlobRef) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[ref]
	return ok
}

type queueFake struct {
	mu   sync.Mutex
	jobs []domain.ValidationJob
	err  error
}

func (f *queueFake) PublishValidation(_ context.Context, job domain.ValidationJob) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *queueFake) SubscribeValidation(context.Context, func(context.Context, domain.ValidationJob) error) error {
	return errors.New("not implemented")
}

func (f *queueFake) last() domain.ValidationJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[len(f.jobs)-1]
}

type validatorFake struct {
	findings domain.Findings
	err      error
	block    bool
	calls    int
}

func (f *validatorFake) Validate(ctx context.Context, _ domain.BlobRef, _ domain.DocumentType) (domain.Findings, error) {
	f.calls++
	if f.block {
		<-ctx.Done()
		return domain.Findings{}, ctx.Err()
	}
	if f.err != nil {
		return domain.Findings{}, f.err
	}
	return f.findings, nil
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDs) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("id-%d", g.next)
}

type harness struct {
	docs      *store.DocumentStore
	ledger    *store.VersionLedger
	blobs     *blobStoreFake
	queue     *queueFake
	validator *validatorFake
	uploads   *UploadPipeline
	worker    *ValidationWorker
	manager   *DocumentManager
	queries   *QueryService
}

func newHarness() *harness {
	docs := store.NewDocumentStore(memory.NewDocumentRepository())
	ledger := store.NewVersionLedger(docs)
	blobs := newBlobStoreFake()
	queue := &queueFake{}
	validator := &validatorFake{findings: matchingFindings()}
	return &harness{
		docs:      docs,
		ledger:    ledger,
		blobs:     blobs,
		queue:     queue,
		validator: validator,
		uploads:   NewUploadPipeline(docs, ledger, blobs, queue, &sequenceIDs{}, nil),
		worker:    NewValidationWorker(docs, blobs, validator, 0, nil),
		manager:   NewDocumentManager(docs, blobs, nil),
		queries:   NewQueryService(docs, ledger, blobs),
	}
}

func matchingFindings() domain.Findings {
	return domain.Findings{
		PatientNameMatch:  true,
		PatientDOBMatch:   true,
		PhysicianDetected: "Dr. Smith",
		KeyFindings:       []string{"no acute findings"},
	}
}

func mriUpload() (domain.UploadMetadata, domain.UploadFile) {
	return domain.UploadMetadata{
			Title:      "MRI Report",
			Type:       domain.TypeReport,
			UploadedBy: "Dr. Smith",
			Tags:       []string{"brain", "radiology"},
		}, domain.UploadFile{
			Name:    "mri.pdf",
			Content: []byte("%PDF-1.4 mri"),
		}
}
