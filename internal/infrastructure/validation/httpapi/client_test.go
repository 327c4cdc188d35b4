package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
	"github.com/kirillkom/clinical-document-engine/internal/infrastructure/resilience"
)

type blobsFake map[domain.BlobRef]string

func (f blobsFake) Put(context.Context, domain.BlobRef, io.Reader) error { return nil }

func (f blobsFake) Get(_ context.Context, ref domain.BlobRef) (io.ReadCloser, error) {
	body, ok := f[ref]
	if !ok {
		return nil, domain.ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader([]byte(body))), nil
}

func (f blobsFake) Delete(context.Context, domain.BlobRef) error { return nil }

func TestValidateSendsContentAndParsesFindings(t *testing.T) {
	var captured validateRequest
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != validatePath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{
			"patient_name_match": true,
			"patient_dob_match": false,
			"scan_date_detected": "2026-01-28",
			"physician_detected": " Dr. Smith ",
			"key_findings": ["no acute findings"]
		}`))
	}))
	defer server.Close()

	blobs := blobsFake{"doc-1/v1_mri.pdf": "%PDF"}
	client := New(server.URL, blobs, Options{APIKey: "secret"})
	findings, err := client.Validate(context.Background(), "doc-1/v1_mri.pdf", domain.TypeReport)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	content, _ := base64.StdEncoding.DecodeString(captured.ContentBase64)
	if string(content) != "%PDF" || captured.DocumentType != "report" || captured.FileName != "v1_mri.pdf" {
		t.Fatalf("unexpected request: %+v", captured)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected authorization header %q", auth)
	}
	if !findings.PatientNameMatch || findings.PatientDOBMatch {
		t.Fatalf("unexpected flags: %+v", findings)
	}
	if !findings.ScanDateDetected.Equal(time.Date(2026, 1, 28, 0, 0, 0, 0, time.UTC)) || findings.PhysicianDetected != "Dr. Smith" {
		t.Fatalf("unexpected informational fields: %+v", findings)
	}
}

func TestValidateRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"patient_name_match":true,"patient_dob_match":true}`))
	}))
	defer server.Close()

	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
	})
	client := New(server.URL, blobsFake{"a": "x"}, Options{ResilienceExecutor: exec})
	findings, err := client.Validate(context.Background(), "a", domain.TypeLab)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if calls.Load() != 2 || findings.KeyFindings == nil {
		t.Fatalf("expected a retry and normalized findings, calls=%d findings=%+v", calls.Load(), findings)
	}
}

func TestValidateFailuresAreServiceFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	client := New(server.URL, blobsFake{"a": "x"}, Options{})
	_, err := client.Validate(context.Background(), "a", domain.TypeReport)
	if !domain.IsKind(err, domain.ErrValidationServiceFailure) || !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary service failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestValidateRejectsIncompleteResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"patient_name_match":true}`))
	}))
	defer server.Close()

	client := New(server.URL, blobsFake{"a": "x"}, Options{})
	if _, err := client.Validate(context.Background(), "a", domain.TypeReport); !domain.IsKind(err, domain.ErrValidationServiceFailure) {
		t.Fatalf("expected ErrValidationServiceFailure, got %v", err)
	}
}

func TestValidateRejectsOversizedContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("service must not be called")
	}))
	defer server.Close()

	client := New(server.URL, blobsFake{"a": "0123456789"}, Options{MaxContentBytes: 4})
	if _, err := client.Validate(context.Background(), "a", domain.TypeReport); !domain.IsKind(err, domain.ErrValidationServiceFailure) {
		t.Fatalf("expected ErrValidationServiceFailure, got %v", err)
	}
}
