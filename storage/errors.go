package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when a version, lineage or impact-log row is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict is returned when the parent a caller intended to supersede is no
	// longer the active version of its lineage. Callers must reload and recompute.
	ErrConflict = errors.New("spec version conflict: parent is no longer active")
)
