// Package httpapi calls an external document validation service over JSON/HTTP.
package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
	"github.com/kirillkom/clinical-document-engine/internal/core/ports"
	"github.com/kirillkom/clinical-document-engine/internal/infrastructure/resilience"
)

const (
	validatePath           = "/v1/validate"
	defaultMaxContentBytes = 32 << 20
)

type Options struct {
	APIKey             string
	MaxContentBytes    int64
	HTTPClient         *http.Client
	ResilienceExecutor *resilience.Executor
}

type Client struct {
	baseURL         string
	apiKey          string
	maxContentBytes int64
	httpClient      *http.Client
	blobs           ports.BlobStore
	executor        *resilience.Executor
}

func New(baseURL string, blobs ports.BlobStore, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	maxBytes := opts.MaxContentBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxContentBytes
	}
	return &Client{
		baseURL:         strings.TrimRight(baseURL, "/"),
		apiKey:          strings.TrimSpace(opts.APIKey),
		maxContentBytes: maxBytes,
		httpClient:      httpClient,
		blobs:           blobs,
		executor:        opts.ResilienceExecutor,
	}
}

type validateRequest struct {
	DocumentType  string `json:"document_type"`
	FileName      string `json:"file_name"`
	ContentBase64 string `json:"content_base64"`
}

type validateResponse struct {
	PatientNameMatch  *bool    `json:"patient_name_match"`
	PatientDOBMatch   *bool    `json:"patient_dob_match"`
	ScanDateDetected  string   `json:"scan_date_detected"`
	PhysicianDetected string   `json:"physician_detected"`
	KeyFindings       []string `json:"key_findings"`
}

// Validate sends the stored bytes of ref to the service. Every failure is
// reported as ErrValidationServiceFailure; transient ones also carry ErrTemporary.
func (c *Client) Validate(ctx context.Context, ref domain.BlobRef, docType domain.DocumentType) (domain.Findings, error) {
	content, err := c.readContent(ctx, ref)
	if err != nil {
		return domain.Findings{}, domain.WrapError(domain.ErrValidationServiceFailure, "validate", err)
	}
	request := validateRequest{
		DocumentType:  string(docType),
		FileName:      path.Base(string(ref)),
		ContentBase64: base64.StdEncoding.EncodeToString(content),
	}

	response, err := resilience.Call(ctx, c.executor, "validation.validate", func(ctx context.Context) (validateResponse, error) {
		var out validateResponse
		err := c.postJSON(ctx, validatePath, request, &out, "validate")
		return out, err
	}, classifyValidationError)
	if err != nil {
		return domain.Findings{}, domain.WrapError(domain.ErrValidationServiceFailure, "validate", wrapTemporaryIfNeeded("validate", err))
	}

	findings, err := response.findings()
	if err != nil {
		return domain.Findings{}, domain.WrapError(domain.ErrValidationServiceFailure, "validate", err)
	}
	return findings, nil
}

func (c *Client) readContent(ctx context.Context, ref domain.BlobRef) ([]byte, error) {
	body, err := c.blobs.Get(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load content: %w", err)
	}
	defer body.Close()

	content, err := io.ReadAll(io.LimitReader(body, c.maxContentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	if int64(len(content)) > c.maxContentBytes {
		return nil, fmt.Errorf("content exceeds %d bytes", c.maxContentBytes)
	}
	return content, nil
}

func (r validateResponse) findings() (domain.Findings, error) {
	if r.PatientNameMatch == nil || r.PatientDOBMatch == nil {
		return domain.Findings{}, errors.New("response is missing patient match flags")
	}
	findings := domain.Findings{
		PatientNameMatch:  *r.PatientNameMatch,
		PatientDOBMatch:   *r.PatientDOBMatch,
		PhysicianDetected: strings.TrimSpace(r.PhysicianDetected),
		KeyFindings:       r.KeyFindings,
	}
	if findings.KeyFindings == nil {
		findings.KeyFindings = []string{}
	}
	if raw := strings.TrimSpace(r.ScanDateDetected); raw != "" {
		scanDate, err := parseScanDate(raw)
		if err != nil {
			return domain.Findings{}, err
		}
		findings.ScanDateDetected = scanDate
	}
	return findings, nil
}

func parseScanDate(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable scan_date_detected %q", raw)
}
