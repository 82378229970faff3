// Package idempotency defines the request idempotency protocol used by
// the HTTP edge. Every mutating command carries a client-supplied key;
// the store maps that key to the request's status and, once completed,
// its cached response.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// Outcome is the result of a CheckAndLock call.
type Outcome int

const (
	// OutcomeNew means the caller acquired the lock and owns the
	// request. It must eventually Complete or Release the key.
	OutcomeNew Outcome = iota

	// OutcomeInProgress means another worker holds the lock.
	OutcomeInProgress

	// OutcomeCompleted means the request already completed; the cached
	// response must be returned verbatim regardless of the new
	// request's body.
	OutcomeCompleted
)

// Status of a stored idempotency record.
type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
)

// ErrKeyNotFound is returned by Complete or Release when the key does
// not hold a live lock (expired, released, or never acquired).
var ErrKeyNotFound = errors.New("idempotency key not found")

// DefaultTTL is how long completed records are retained. The key
// namespace is global: reusing a key across endpoints returns the first
// endpoint's cached response.
const DefaultTTL = 24 * time.Hour

// Record is a stored idempotency entry.
type Record struct {
	Key         string
	Status      Status
	Response    []byte
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Store provides atomic check-and-lock semantics for request keys.
type Store interface {
	// CheckAndLock atomically claims the key. The response is non-nil
	// only for OutcomeCompleted.
	CheckAndLock(ctx context.Context, key string) (Outcome, []byte, error)

	// Complete stores the response for the key. The record keeps the TTL
	// measured from the original CreatedAt.
	Complete(ctx context.Context, key string, response []byte) error

	// Release deletes the lock so the client may retry.
	Release(ctx context.Context, key string) error
}
