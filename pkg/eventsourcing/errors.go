package eventsourcing

import "errors"

var (
	// ErrConcurrencyConflict is returned when there's an optimistic
	// concurrency conflict: two commits raced on the same expected
	// version and this one lost. Safe to retry after re-loading.
	ErrConcurrencyConflict = errors.New("concurrency conflict: aggregate version mismatch")

	// ErrAggregateNotFound is returned when an aggregate doesn't exist
	// and the caller required one.
	ErrAggregateNotFound = errors.New("aggregate not found")

	// ErrInvalidVersion is returned when an invalid expected version is provided.
	ErrInvalidVersion = errors.New("invalid version")
)
