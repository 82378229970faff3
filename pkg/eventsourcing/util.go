package eventsourcing

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// TimeFunc is a function that returns the current time.
// This can be overridden for testing.
var TimeFunc = time.Now

// Now returns the current time using the configured TimeFunc.
func Now() time.Time {
	return TimeFunc()
}

// NewEventID generates a lexically sortable unique event ID.
// ULIDs sort by creation time, which keeps event IDs roughly aligned
// with the global append order.
func NewEventID() string {
	return ulid.MustNew(ulid.Timestamp(Now()), rand.Reader).String()
}
