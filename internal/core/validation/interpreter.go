// Package validation derives a document trust status from AI findings.
package validation

import "github.com/kirillkom/clinical-document-engine/internal/core/domain"

type Outcome struct {
	Status      domain.DocumentStatus
	Reason      domain.StatusReason
	AIProcessed bool
}

// Interpret maps findings to a status, most severe first: a patient name
// mismatch is an error, a date-of-birth mismatch is a warning, otherwise the
// document is validated. Only the two match flags are consulted.
func Interpret(findings domain.Findings) Outcome {
	switch {
	case !findings.PatientNameMatch:
		return Outcome{Status: domain.StatusError, Reason: domain.ReasonPatientNameMismatch, AIProcessed: true}
	case !findings.PatientDOBMatch:
		return Outcome{Status: domain.StatusWarning, Reason: domain.ReasonPatientDOBMismatch, AIProcessed: true}
	default:
		return Outcome{Status: domain.StatusValidated, Reason: domain.ReasonNone, AIProcessed: true}
	}
}

// Mutation packages the interpreted outcome as a commit for version.
func Mutation(version int, findings domain.Findings) domain.ApplyFindings {
	outcome := Interpret(findings)
	return domain.ApplyFindings{
		Version:  version,
		Findings: findings,
		Status:   outcome.Status,
		Reason:   outcome.Reason,
	}
}
