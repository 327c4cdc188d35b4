package domain

import (
	"strings"
	"time"
)

// DocumentFilter narrows a patient's documents. A nil or empty field means no
// constraint on that field; all set fields must match.
type DocumentFilter struct {
	Type       *DocumentType
	Status     *DocumentStatus
	DateFrom   *time.Time
	DateTo     *time.Time
	SearchTerm string
}

func (f DocumentFilter) Matches(doc *Document) bool {
	if f.Type != nil && doc.Type != *f.Type {
		return false
	}
	if f.Status != nil && doc.Status != *f.Status {
		return false
	}
	if f.DateFrom != nil && doc.UploadDate.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && doc.UploadDate.After(*f.DateTo) {
		return false
	}
	return f.matchesTerm(doc)
}

func (f DocumentFilter) matchesTerm(doc *Document) bool {
	term := strings.ToLower(strings.TrimSpace(f.SearchTerm))
	if term == "" {
		return true
	}
	if strings.Contains(strings.ToLower(doc.Title), term) {
		return true
	}
	for _, tag := range doc.Tags {
		if strings.Contains(strings.ToLower(tag), term) {
			return true
		}
	}
	return false
}
