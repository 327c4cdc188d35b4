package domain

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type DocumentType string

const (
	TypeReport     DocumentType = "report"
	TypeImage      DocumentType = "image"
	TypeLab        DocumentType = "lab"
	TypeMedication DocumentType = "medication"
)

func ParseDocumentType(raw string) (DocumentType, error) {
	switch t := DocumentType(strings.ToLower(strings.TrimSpace(raw))); t {
	case TypeReport, TypeImage, TypeLab, TypeMedication:
		return t, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse document type", fmt.Errorf("unknown type %q", raw))
	}
}

type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "processing"
	StatusValidated  DocumentStatus = "validated"
	StatusWarning    DocumentStatus = "warning"
	StatusError      DocumentStatus = "error"
)

func ParseDocumentStatus(raw string) (DocumentStatus, error) {
	switch s := DocumentStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusProcessing, StatusValidated, StatusWarning, StatusError:
		return s, nil
	default:
		return "", WrapError(ErrInvalidInput, "parse document status", fmt.Errorf("unknown status %q", raw))
	}
}

// Terminal reports whether the status ends the lifecycle of the current version.
func (s DocumentStatus) Terminal() bool {
	return s == StatusValidated || s == StatusWarning || s == StatusError
}

// StatusReason tells a caller why a document is not validated. Mismatch
// reasons come from findings; failure reasons mean the document was never checked.
type StatusReason string

const (
	ReasonNone                     StatusReason = ""
	ReasonPatientNameMismatch      StatusReason = "patient_name_mismatch"
	ReasonPatientDOBMismatch       StatusReason = "patient_dob_mismatch"
	ReasonStorageFailure           StatusReason = "storage_failure"
	ReasonValidationServiceFailure StatusReason = "validation_service_failure"
)

// Infrastructure reports whether the reason is a could-not-check outcome.
func (r StatusReason) Infrastructure() bool {
	return r == ReasonStorageFailure || r == ReasonValidationServiceFailure
}

const UnknownFileType = "unknown"

// BlobRef identifies stored file bytes in the blob store.
type BlobRef string

type Findings struct {
	PatientNameMatch  bool      `json:"patient_name_match"`
	PatientDOBMatch   bool      `json:"patient_dob_match"`
	ScanDateDetected  time.Time `json:"scan_date_detected,omitzero"`
	PhysicianDetected string    `json:"physician_detected,omitempty"`
	KeyFindings       []string  `json:"key_findings"`
}

type Version struct {
	ID         string    `json:"id"`
	Version    int       `json:"version"`
	FileName   string    `json:"file_name"`
	FileType   string    `json:"file_type"`
	SizeBytes  int64     `json:"size_bytes"`
	UploadDate time.Time `json:"upload_date"`
	UploadedBy string    `json:"uploaded_by"`
	BlobRef    BlobRef   `json:"blob_ref"`
}

type Document struct {
	ID           string         `json:"id"`
	PatientID    string         `json:"patient_id"`
	Title        string         `json:"title"`
	Type         DocumentType   `json:"type"`
	FileType     string         `json:"file_type"`
	UploadDate   time.Time      `json:"upload_date"`
	UploadedBy   string         `json:"uploaded_by"`
	Tags         []string       `json:"tags"`
	Status       DocumentStatus `json:"status"`
	StatusReason StatusReason   `json:"status_reason,omitempty"`
	AIProcessed  bool           `json:"ai_processed"`
	AIFindings   *Findings      `json:"ai_findings,omitempty"`
	Versions     []Version      `json:"versions"`
	BlobRef      BlobRef        `json:"blob_ref"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type UploadMetadata struct {
	Title      string
	Type       DocumentType
	UploadedBy string
	Tags       []string
}

type UploadFile struct {
	Name    string
	Content []byte
}

type EditRequest struct {
	Title *string
	Tags  *[]string
}

// ValidationJob is the unit of asynchronous work handed off after a version is stored.
type ValidationJob struct {
	DocumentID   string       `json:"document_id"`
	Version      int          `json:"version"`
	DocumentType DocumentType `json:"document_type"`
	BlobRef      BlobRef      `json:"blob_ref"`
	EnqueuedAt   time.Time    `json:"enqueued_at"`
}

type ValidationOutcome struct {
	Status    DocumentStatus
	Reason    StatusReason
	Discarded bool
}

// CurrentVersion returns the highest-numbered version.
func (d *Document) CurrentVersion() (Version, bool) {
	if len(d.Versions) == 0 {
		return Version{}, false
	}
	return d.Versions[len(d.Versions)-1], true
}

func (d *Document) VersionByNumber(number int) (Version, bool) {
	if number < 1 || number > len(d.Versions) {
		return Version{}, false
	}
	return d.Versions[number-1], true
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Tags = append([]string(nil), d.Tags...)
	out.Versions = append([]Version(nil), d.Versions...)
	if d.AIFindings != nil {
		findings := *d.AIFindings
		findings.KeyFindings = append([]string(nil), d.AIFindings.KeyFindings...)
		out.AIFindings = &findings
	}
	return &out
}

// CheckInvariants rejects any document shape that must never be committed.
func (d *Document) CheckInvariants() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("document %s: %s", d.ID, fmt.Sprintf(format, args...))
	}

	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("document id is empty")
	}
	if strings.TrimSpace(d.Title) == "" {
		return fail("title is empty")
	}
	if len(d.Versions) == 0 {
		return fail("no versions")
	}
	for i, v := range d.Versions {
		if v.Version != i+1 {
			return fail("version at position %d has number %d", i+1, v.Version)
		}
	}
	current := d.Versions[len(d.Versions)-1]
	if !current.UploadDate.Equal(d.UploadDate) || current.UploadedBy != d.UploadedBy || current.BlobRef != d.BlobRef {
		return fail("current version %d does not match document upload fields", current.Version)
	}
	if d.AIProcessed != (d.AIFindings != nil) {
		return fail("ai_processed=%t but findings present=%t", d.AIProcessed, d.AIFindings != nil)
	}
	if d.Status == StatusProcessing && d.AIProcessed {
		return fail("processing document is marked ai_processed")
	}
	for _, tag := range d.Tags {
		if tag == "" {
			return fail("empty tag")
		}
	}
	return nil
}

// DeriveFileType returns the lower-cased extension of name without the dot.
// A leading dot marks a hidden file, not an extension.
func DeriveFileType(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	dot := strings.LastIndex(base, ".")
	if dot <= 0 || dot == len(base)-1 {
		return UnknownFileType
	}
	return strings.ToLower(base[dot+1:])
}

// NormalizeTags lower-cases, trims and de-duplicates tags, dropping empties.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(tag))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
