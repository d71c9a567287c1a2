package domain

import "errors"

var (
	// ErrNotFound is returned when a card does not exist in the workspace.
	ErrNotFound = errors.New("card not found")
	// ErrConcurrencyConflict indicates that the underlying storage rejected an
	// update because a newer version of the entity is already persisted.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrInvalidColumn       = errors.New("invalid column")
	ErrValidation          = errors.New("validation failed")
)
