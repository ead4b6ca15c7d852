package storage

import "errors"

var (
	// ErrNotFound is returned when a transaction or receipt does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrVersionConflict is returned when a conditional update lost the
	// race against a concurrent writer. Callers re-read and retry or drop
	// their now-stale computation.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrAlreadyLinked is returned when a link write would attach a
	// receipt or transaction that is already linked. This is an
	// invariant violation at the decision boundary, never overwritten.
	ErrAlreadyLinked = errors.New("storage: already linked")

	// ErrInvalidState is returned when an operation is not legal from the
	// transaction's current match state.
	ErrInvalidState = errors.New("storage: invalid state for operation")
)
