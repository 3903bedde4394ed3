package storage

import "errors"

// Sentinel errors for the storage layer.
// Callers should use errors.Is() to map these to API responses.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates the input failed validation
	// (e.g., missing required fields).
	ErrValidation = errors.New("validation error")
)
