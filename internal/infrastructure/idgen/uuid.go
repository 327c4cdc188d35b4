package idgen

import "github.com/google/uuid"

// UUID issues random v4 identifiers for documents and versions.
type UUID struct{}

func (UUID) NewID() string {
	return uuid.NewString()
}
