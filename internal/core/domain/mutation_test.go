package domain

import (
	"testing"
	"time"
)

func TestAppendVersionAssignsNextNumberAndAdvancesPointer(t *testing.T) {
	doc := newTestDocument()
	uploaded := doc.UploadDate.Add(time.Hour)

	err := AppendVersion{Version: Version{
		ID:         "ver-2",
		Version:    99,
		UploadDate: uploaded,
		UploadedBy: "Dr. Jones",
		BlobRef:    "doc-1/ver-2_mri.pdf",
	}}.Apply(doc)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(doc.Versions) != 2 || doc.Versions[1].Version != 2 {
		t.Fatalf("expected version 2 appended, got %+v", doc.Versions)
	}
	if doc.Versions[0].UploadedBy != "Dr. Smith" {
		t.Fatalf("version 1 changed: %+v", doc.Versions[0])
	}
	if doc.UploadedBy != "Dr. Jones" || !doc.UploadDate.Equal(uploaded) || doc.BlobRef != "doc-1/ver-2_mri.pdf" {
		t.Fatalf("document pointer not advanced: %+v", doc)
	}
	if err := doc.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants() error = %v", err)
	}
}

func TestApplyFindingsSetsProcessedAtomically(t *testing.T) {
	doc := newTestDocument()
	findings := Findings{PatientNameMatch: false, PatientDOBMatch: true, KeyFindings: []string{"lesion"}}

	err := ApplyFindings{Version: 1, Findings: findings, Status: StatusError, Reason: ReasonPatientNameMismatch}.Apply(doc)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if !doc.AIProcessed || doc.AIFindings == nil || doc.Status != StatusError {
		t.Fatalf("unexpected state: %+v", doc)
	}
	if doc.AIFindings.PatientNameMatch {
		t.Fatalf("expected name mismatch flag preserved")
	}
	if err := doc.CheckInvariants(); err != nil {
		t.Fatalf("CheckInvariants() error = %v", err)
	}
}

func TestApplyFindingsRejectsStaleVersion(t *testing.T) {
	doc := newTestDocument()
	err := ApplyFindings{Version: 2, Status: StatusValidated}.Apply(doc)
	if !IsKind(err, ErrStaleResult) {
		t.Fatalf("expected ErrStaleResult, got %v", err)
	}
}

func TestApplyFindingsRejectsSecondDelivery(t *testing.T) {
	doc := newTestDocument()
	m := ApplyFindings{Version: 1, Findings: Findings{PatientNameMatch: true, PatientDOBMatch: true}, Status: StatusValidated}
	if err := m.Apply(doc); err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	if err := m.Apply(doc); !IsKind(err, ErrStaleResult) {
		t.Fatalf("expected ErrStaleResult on redelivery, got %v", err)
	}
}

func TestFailureMutationsAreDistinguishable(t *testing.T) {
	validationDoc := newTestDocument()
	if err := (ApplyValidationFailure{Version: 1, Cause: "timeout"}).Apply(validationDoc); err != nil {
		t.Fatalf("ApplyValidationFailure error = %v", err)
	}
	storageDoc := newTestDocument()
	if err := (ApplyStorageFailure{Version: 1, Cause: "disk full"}).Apply(storageDoc); err != nil {
		t.Fatalf("ApplyStorageFailure error = %v", err)
	}

	if validationDoc.Status != StatusError || validationDoc.StatusReason != ReasonValidationServiceFailure || !validationDoc.AIProcessed || validationDoc.AIFindings == nil {
		t.Fatalf("unexpected validation failure state: %+v", validationDoc)
	}
	if storageDoc.Status != StatusError || storageDoc.StatusReason != ReasonStorageFailure || storageDoc.AIProcessed || storageDoc.AIFindings != nil {
		t.Fatalf("unexpected storage failure state: %+v", storageDoc)
	}
	for _, doc := range []*Document{validationDoc, storageDoc} {
		if err := doc.CheckInvariants(); err != nil {
			t.Fatalf("CheckInvariants() error = %v", err)
		}
	}
}

func TestSetProcessingClearsFindings(t *testing.T) {
	doc := newTestDocument()
	_ = ApplyFindings{Version: 1, Findings: Findings{PatientNameMatch: true}, Status: StatusWarning, Reason: ReasonPatientDOBMismatch}.Apply(doc)
	_ = SetProcessing{}.Apply(doc)
	if doc.Status != StatusProcessing || doc.AIProcessed || doc.AIFindings != nil || doc.StatusReason != ReasonNone {
		t.Fatalf("unexpected state after SetProcessing: %+v", doc)
	}
}

func TestEditMetadataRejectsEmptyTitle(t *testing.T) {
	doc := newTestDocument()
	empty := "  "
	if err := (EditMetadata{Title: &empty}).Apply(doc); !IsKind(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}

	tags := []string{"Neuro", "neuro"}
	if err := (EditMetadata{Tags: &tags}).Apply(doc); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if len(doc.Tags) != 1 || doc.Tags[0] != "neuro" {
		t.Fatalf("unexpected tags: %v", doc.Tags)
	}
}
