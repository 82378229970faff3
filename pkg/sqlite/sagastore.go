package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/walletd/pkg/eventsourcing"
	"github.com/plaenen/walletd/pkg/saga"
)

// SagaStore is a SQLite-based implementation of saga.Store. Terminal
// states are protected in SQL: an UPDATE only applies while the stored
// status is non-terminal.
type SagaStore struct {
	db *sql.DB
	mu sync.Mutex
}

const sagaSchema = `
CREATE TABLE IF NOT EXISTS transfer_sagas (
	saga_id            TEXT PRIMARY KEY,
	from_wallet_id     TEXT    NOT NULL,
	to_wallet_id       TEXT    NOT NULL,
	amount             TEXT    NOT NULL,
	status             TEXT    NOT NULL,
	debit_tx_id        TEXT    NOT NULL DEFAULT '',
	credit_tx_id       TEXT    NOT NULL DEFAULT '',
	compensation_tx_id TEXT    NOT NULL DEFAULT '',
	error_message      TEXT    NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sagas_status ON transfer_sagas (status, updated_at);
`

// NewSagaStore creates a saga store on the given database.
func NewSagaStore(db *sql.DB) (*SagaStore, error) {
	if _, err := db.Exec(sagaSchema); err != nil {
		return nil, fmt.Errorf("failed to run saga migrations: %w", err)
	}
	return &SagaStore{db: db}, nil
}

// Insert persists a new saga.
func (s *SagaStore) Insert(ctx context.Context, ts *saga.TransferSaga) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := eventsourcing.Now()
	ts.CreatedAt = now
	ts.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfer_sagas (saga_id, from_wallet_id, to_wallet_id, amount, status, debit_tx_id, credit_tx_id, compensation_tx_id, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.ID, ts.FromWalletID, ts.ToWalletID, ts.Amount.StringFixed(2), ts.Status,
		ts.DebitTxID, ts.CreditTxID, ts.CompensationTxID, ts.ErrorMessage,
		now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert saga: %w", err)
	}
	return nil
}

// Update persists a status transition for a non-terminal saga.
func (s *SagaStore) Update(ctx context.Context, ts *saga.TransferSaga) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := eventsourcing.Now()

	res, err := s.db.ExecContext(ctx, `
		UPDATE transfer_sagas
		SET status = ?, debit_tx_id = ?, credit_tx_id = ?, compensation_tx_id = ?, error_message = ?, updated_at = ?
		WHERE saga_id = ? AND status NOT IN (?, ?)`,
		ts.Status, ts.DebitTxID, ts.CreditTxID, ts.CompensationTxID, ts.ErrorMessage, now.UnixNano(),
		ts.ID, saga.StatusCompleted, saga.StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to update saga: %w", err)
	}

	updated, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if updated == 0 {
		// Either the saga is unknown or it already reached a terminal
		// status; distinguish for the caller.
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM transfer_sagas WHERE saga_id = ?`, ts.ID).Scan(&status)
		if err == sql.ErrNoRows {
			return saga.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to read saga status: %w", err)
		}
		return saga.ErrTerminal
	}

	ts.UpdatedAt = now
	return nil
}

// Get loads a saga by ID.
func (s *SagaStore) Get(ctx context.Context, id string) (*saga.TransferSaga, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT saga_id, from_wallet_id, to_wallet_id, amount, status, debit_tx_id, credit_tx_id, compensation_tx_id, error_message, created_at, updated_at
		FROM transfer_sagas
		WHERE saga_id = ?`, id)

	ts, err := scanSaga(row)
	if err == sql.ErrNoRows {
		return nil, saga.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load saga: %w", err)
	}
	return ts, nil
}

// ListStuck returns non-terminal sagas not updated since the given time.
func (s *SagaStore) ListStuck(ctx context.Context, updatedBefore time.Time, limit int) ([]*saga.TransferSaga, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT saga_id, from_wallet_id, to_wallet_id, amount, status, debit_tx_id, credit_tx_id, compensation_tx_id, error_message, created_at, updated_at
		FROM transfer_sagas
		WHERE status NOT IN (?, ?) AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`,
		saga.StatusCompleted, saga.StatusFailed, updatedBefore.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck sagas: %w", err)
	}
	defer rows.Close()

	var sagas []*saga.TransferSaga
	for rows.Next() {
		ts, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga: %w", err)
		}
		sagas = append(sagas, ts)
	}
	return sagas, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (*saga.TransferSaga, error) {
	var (
		ts                   saga.TransferSaga
		amount               string
		createdAt, updatedAt int64
	)
	err := row.Scan(&ts.ID, &ts.FromWalletID, &ts.ToWalletID, &amount, &ts.Status,
		&ts.DebitTxID, &ts.CreditTxID, &ts.CompensationTxID, &ts.ErrorMessage,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	ts.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid saga amount %q: %w", amount, err)
	}
	ts.CreatedAt = time.Unix(0, createdAt)
	ts.UpdatedAt = time.Unix(0, updatedAt)
	return &ts, nil
}

var _ saga.Store = (*SagaStore)(nil)
