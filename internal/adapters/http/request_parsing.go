package httpadapter

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kirillkom/clinical-document-engine/internal/core/domain"
)

const anyFilterValue = "any"

func parseDocumentFilter(values url.Values) (domain.DocumentFilter, error) {
	var filter domain.DocumentFilter

	if raw := filterValue(values, "type"); raw != "" {
		t, err := domain.ParseDocumentType(raw)
		if err != nil {
			return domain.DocumentFilter{}, err
		}
		filter.Type = &t
	}
	if raw := filterValue(values, "status"); raw != "" {
		s, err := domain.ParseDocumentStatus(raw)
		if err != nil {
			return domain.DocumentFilter{}, err
		}
		filter.Status = &s
	}
	if raw := filterValue(values, "date_from"); raw != "" {
		from, _, err := parseFilterDate(raw)
		if err != nil {
			return domain.DocumentFilter{}, domain.WrapError(domain.ErrInvalidInput, "parse date_from", err)
		}
		filter.DateFrom = &from
	}
	if raw := filterValue(values, "date_to"); raw != "" {
		to, dateOnly, err := parseFilterDate(raw)
		if err != nil {
			return domain.DocumentFilter{}, domain.WrapError(domain.ErrInvalidInput, "parse date_to", err)
		}
		if dateOnly {
			to = to.Add(24*time.Hour - time.Nanosecond)
		}
		filter.DateTo = &to
	}
	filter.SearchTerm = strings.TrimSpace(values.Get("q"))
	return filter, nil
}

// filterValue returns the trimmed value, treating "any" as unset.
func filterValue(values url.Values, key string) string {
	v := strings.TrimSpace(values.Get(key))
	if strings.EqualFold(v, anyFilterValue) {
		return ""
	}
	return v
}

// parseFilterDate accepts RFC 3339 timestamps and plain dates. Plain dates
// are read as midnight UTC and reported so the caller can widen them.
func parseFilterDate(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%q is neither RFC 3339 nor YYYY-MM-DD", raw)
	}
	return t, true, nil
}

// parseTags accepts repeated fields as well as comma separated lists.
func parseTags(fields []string) []string {
	var tags []string
	for _, field := range fields {
		for _, tag := range strings.Split(field, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
	}
	return tags
}
