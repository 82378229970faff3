// Package saga defines the transfer saga state machine. A transfer
// moves money across two wallet aggregates; since two aggregates under
// optimistic concurrency cannot commit atomically, the transfer is a
// coordinated sequence of local changes with explicit compensation.
package saga

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status of a transfer saga. Transitions are one-way:
//
//	INITIATED -> SOURCE_DEBITED -> COMPLETED
//	INITIATED -> FAILED                        (debit failed, nothing to undo)
//	SOURCE_DEBITED -> COMPENSATING -> FAILED   (credit failed, refund applied)
//	SOURCE_DEBITED -> COMPENSATING             (refund failed too; manual action)
//
// COMPLETED and FAILED are terminal and never rewritten. A saga stuck in
// COMPENSATING requires operator attention.
type Status string

// AggregateType is the aggregate type name of transfer sagas in the
// event log. Saga lifecycle events are appended to the saga's own
// stream so the log stays the complete record of every transfer.
const AggregateType = "transfer_saga"

const (
	StatusInitiated     Status = "INITIATED"
	StatusSourceDebited Status = "SOURCE_DEBITED"
	StatusCompleted     Status = "COMPLETED"
	StatusCompensating  Status = "COMPENSATING"
	StatusFailed        Status = "FAILED"
)

// Terminal reports whether the status is terminal from the state
// machine's perspective. COMPENSATING is terminal-from-automation only
// in the sense that the forward path is closed; the recovery scanner
// may still retry the refund.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrTerminal is returned when an update would rewrite a terminal saga.
var ErrTerminal = errors.New("saga is in a terminal state")

// ErrNotFound is returned when the saga does not exist.
var ErrNotFound = errors.New("saga not found")

// TransferSaga is the persistent state of one transfer.
type TransferSaga struct {
	ID               string
	FromWalletID     string
	ToWalletID       string
	Amount           decimal.Decimal
	Status           Status
	DebitTxID        string
	CreditTxID       string
	CompensationTxID string
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store persists transfer sagas. Only the saga's owner (the command
// that created it, or the recovery scanner) writes a given row.
type Store interface {
	// Insert persists a new saga.
	Insert(ctx context.Context, s *TransferSaga) error

	// Update persists a status transition. Returns ErrTerminal if the
	// stored saga already reached COMPLETED or FAILED.
	Update(ctx context.Context, s *TransferSaga) error

	// Get loads a saga by ID.
	Get(ctx context.Context, id string) (*TransferSaga, error)

	// ListStuck returns sagas in non-terminal states not updated since
	// the given time, oldest first. These are recovery candidates.
	ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]*TransferSaga, error)
}
