// Package projection maintains the read model: current wallet balances
// and flattened transaction history, derived from the event stream. The
// read model is disposable; Rebuild reconstructs it from the log.
package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrWalletNotFound is returned when the read model has no row for the
// requested wallet.
var ErrWalletNotFound = errors.New("wallet not found")

// TxType classifies a transaction row.
type TxType string

const (
	TxDeposit     TxType = "DEPOSIT"
	TxWithdrawal  TxType = "WITHDRAWAL"
	TxTransferIn  TxType = "TRANSFER_IN"
	TxTransferOut TxType = "TRANSFER_OUT"
	TxRefund      TxType = "REFUND"
)

// WalletView is the balance row of one wallet.
type WalletView struct {
	WalletID  string          `json:"walletId"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Transaction is one row of a wallet's history. Transfer legs carry the
// counterparty wallet in RelatedWalletID.
type Transaction struct {
	ID              string          `json:"transactionId"`
	WalletID        string          `json:"walletId"`
	Type            TxType          `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	BalanceAfter    decimal.Decimal `json:"balanceAfter"`
	RelatedWalletID string          `json:"relatedWalletId,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Store is the SQLite-backed read model.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

const readSchema = `
CREATE TABLE IF NOT EXISTS wallet_view (
	wallet_id  TEXT PRIMARY KEY,
	balance    TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	transaction_id    TEXT PRIMARY KEY,
	wallet_id         TEXT    NOT NULL,
	type              TEXT    NOT NULL,
	amount            TEXT    NOT NULL,
	balance_after     TEXT    NOT NULL,
	related_wallet_id TEXT    NOT NULL DEFAULT '',
	timestamp         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transactions_wallet ON transactions (wallet_id, timestamp DESC);
`

// NewStore creates the read model on the given database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(readSchema); err != nil {
		return nil, fmt.Errorf("failed to run read model migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// UpsertWalletBalance sets (not increments) the wallet's balance. Events
// carry the absolute balance after the change, so replays and duplicate
// deliveries converge on the same value.
func (s *Store) UpsertWalletBalance(ctx context.Context, walletID string, balance decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallet_view (wallet_id, balance, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (wallet_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		walletID, balance.StringFixed(2), at.UnixNano(), at.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert wallet balance: %w", err)
	}
	return nil
}

// InsertTransaction records one history row. Duplicate deliveries are
// no-ops: the transaction ID is the primary key and conflicts are
// ignored.
func (s *Store) InsertTransaction(ctx context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (transaction_id, wallet_id, type, amount, balance_after, related_wallet_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING`,
		tx.ID, tx.WalletID, tx.Type, tx.Amount.StringFixed(2), tx.BalanceAfter.StringFixed(2),
		tx.RelatedWalletID, tx.Timestamp.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// WalletView returns the balance row for a wallet.
func (s *Store) WalletView(ctx context.Context, walletID string) (*WalletView, error) {
	var (
		view                 WalletView
		balance              string
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT wallet_id, balance, created_at, updated_at
		FROM wallet_view
		WHERE wallet_id = ?`, walletID).
		Scan(&view.WalletID, &balance, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet view: %w", err)
	}

	view.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("invalid balance %q: %w", balance, err)
	}
	view.CreatedAt = time.Unix(0, createdAt)
	view.UpdatedAt = time.Unix(0, updatedAt)
	return &view, nil
}

// TransactionsByWallet returns a wallet's history, newest first.
func (s *Store) TransactionsByWallet(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, wallet_id, type, amount, balance_after, related_wallet_id, timestamp
		FROM transactions
		WHERE wallet_id = ?
		ORDER BY timestamp DESC, transaction_id
		LIMIT ?`, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		var (
			tx                   Transaction
			amount, balanceAfter string
			timestamp            int64
		)
		if err := rows.Scan(&tx.ID, &tx.WalletID, &tx.Type, &amount, &balanceAfter, &tx.RelatedWalletID, &timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
		}
		if tx.BalanceAfter, err = decimal.NewFromString(balanceAfter); err != nil {
			return nil, fmt.Errorf("invalid balance %q: %w", balanceAfter, err)
		}
		tx.Timestamp = time.Unix(0, timestamp)
		txs = append(txs, &tx)
	}
	return txs, rows.Err()
}

// Reset drops all read model rows ahead of a rebuild.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM transactions`); err != nil {
		return fmt.Errorf("failed to reset transactions: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM wallet_view`); err != nil {
		return fmt.Errorf("failed to reset wallet views: %w", err)
	}
	return nil
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
