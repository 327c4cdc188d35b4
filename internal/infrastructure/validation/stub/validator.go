// Package stub is a local stand-in for the validation service.
package stub

import (
	"context"
	"time"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
)

// Validator returns the same findings for every document after Delay.
type Validator struct {
	Findings domain.Findings
	Delay    time.Duration
}

func New(delay time.Duration) *Validator {
	return &Validator{
		Findings: domain.Findings{
			PatientNameMatch: true,
			PatientDOBMatch:  true,
			KeyFindings:      []string{},
		},
		Delay: delay,
	}
}

func (v *Validator) Validate(ctx context.Context, _ domain.BlobRef, _ domain.DocumentType) (domain.Findings, error) {
	if v.Delay > 0 {
		timer := time.NewTimer(v.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.Findings{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return domain.Findings{}, err
	}

	findings := v.Findings
	findings.KeyFindings = append([]string{}, v.Findings.KeyFindings...)
	return findings, nil
}
