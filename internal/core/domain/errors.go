package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDocumentNotFound = fmt.Errorf("document %w", ErrNotFound)
	ErrVersionNotFound  = fmt.Errorf("version %w", ErrNotFound)
	ErrBlobNotFound     = fmt.Errorf("blob %w", ErrNotFound)

	ErrInvalidInput             = errors.New("invalid input")
	ErrConflict                 = errors.New("conflict")
	ErrStorageFailure           = errors.New("storage failure")
	ErrValidationServiceFailure = errors.New("validation service failure")
	ErrTemporary                = errors.New("temporary failure")

	// ErrStaleResult marks an async result for a version that is no longer current.
	ErrStaleResult = errors.New("stale validation result")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
