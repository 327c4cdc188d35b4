package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Mutation is one typed state transition applied to a document under its write lock.
type Mutation interface {
	Name() string
	Apply(doc *Document) error
}

// SetProcessing re-enters the processing state for the current version.
type SetProcessing struct{}

func (SetProcessing) Name() string { return "set_processing" }

func (SetProcessing) Apply(doc *Document) error {
	doc.Status = StatusProcessing
	doc.StatusReason = ReasonNone
	doc.AIProcessed = false
	doc.AIFindings = nil
	return nil
}

// AppendVersion adds Version as the new current version. The version number is
// always assigned here so numbering stays gapless.
type AppendVersion struct {
	Version Version
}

func (AppendVersion) Name() string { return "append_version" }

func (m AppendVersion) Apply(doc *Document) error {
	v := m.Version
	if strings.TrimSpace(v.ID) == "" {
		return WrapError(ErrInvalidInput, "append version", errors.New("version id is empty"))
	}
	if v.UploadDate.IsZero() {
		return WrapError(ErrInvalidInput, "append version", errors.New("upload date is zero"))
	}
	for _, existing := range doc.Versions {
		if existing.ID == v.ID {
			return WrapError(ErrConflict, "append version", fmt.Errorf("version id %s already present", v.ID))
		}
	}
	v.Version = len(doc.Versions) + 1
	doc.Versions = append(doc.Versions, v)
	doc.UploadDate = v.UploadDate
	doc.UploadedBy = v.UploadedBy
	doc.BlobRef = v.BlobRef
	return nil
}

// ApplyFindings commits an interpreted validation result for Version.
type ApplyFindings struct {
	Version  int
	Findings Findings
	Status   DocumentStatus
	Reason   StatusReason
}

func (ApplyFindings) Name() string { return "apply_findings" }

func (m ApplyFindings) Apply(doc *Document) error {
	if err := requirePending(doc, m.Version); err != nil {
		return err
	}
	if !m.Status.Terminal() {
		return WrapError(ErrInvalidInput, "apply findings", fmt.Errorf("status %q is not terminal", m.Status))
	}
	findings := m.Findings
	findings.KeyFindings = append([]string{}, m.Findings.KeyFindings...)
	doc.Status = m.Status
	doc.StatusReason = m.Reason
	doc.AIProcessed = true
	doc.AIFindings = &findings
	return nil
}

// ApplyValidationFailure records that the validation service could not check Version.
// The findings are an empty sentinel; StatusReason is what tells it apart from a mismatch.
type ApplyValidationFailure struct {
	Version int
	Cause   string
}

func (ApplyValidationFailure) Name() string { return "apply_validation_failure" }

func (m ApplyValidationFailure) Apply(doc *Document) error {
	if err := requirePending(doc, m.Version); err != nil {
		return err
	}
	doc.Status = StatusError
	doc.StatusReason = ReasonValidationServiceFailure
	doc.AIProcessed = true
	doc.AIFindings = &Findings{KeyFindings: []string{}}
	return nil
}

// ApplyStorageFailure records that the bytes of Version could not be stored.
// Validation never ran, so findings stay absent.
type ApplyStorageFailure struct {
	Version int
	Cause   string
}

func (ApplyStorageFailure) Name() string { return "apply_storage_failure" }

func (m ApplyStorageFailure) Apply(doc *Document) error {
	if err := requirePending(doc, m.Version); err != nil {
		return err
	}
	doc.Status = StatusError
	doc.StatusReason = ReasonStorageFailure
	doc.AIProcessed = false
	doc.AIFindings = nil
	return nil
}

// EditMetadata applies an explicit caller edit. Nil fields are left untouched.
type EditMetadata struct {
	Title *string
	Tags  *[]string
}

func (EditMetadata) Name() string { return "edit_metadata" }

func (m EditMetadata) Apply(doc *Document) error {
	if m.Title != nil {
		title := strings.TrimSpace(*m.Title)
		if title == "" {
			return WrapError(ErrInvalidInput, "edit metadata", errors.New("title must not be empty"))
		}
		doc.Title = title
	}
	if m.Tags != nil {
		doc.Tags = NormalizeTags(*m.Tags)
	}
	return nil
}

func requirePending(doc *Document, version int) error {
	current, ok := doc.CurrentVersion()
	if !ok || current.Version != version {
		return WrapError(ErrStaleResult, "check version", fmt.Errorf("document %s: version %d is not current", doc.ID, version))
	}
	if doc.Status != StatusProcessing {
		return WrapError(ErrStaleResult, "check status", fmt.Errorf("document %s: version %d already %s", doc.ID, version, doc.Status))
	}
	return nil
}
