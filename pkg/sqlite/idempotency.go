package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/plaenen/walletd/pkg/eventsourcing"
	"github.com/plaenen/walletd/pkg/idempotency"
)

// IdempotencyStore is a SQLite-based implementation of idempotency.Store.
// Check-and-lock is an INSERT guarded by the primary key, which makes
// the claim atomic: exactly one racing request observes a fresh insert.
type IdempotencyStore struct {
	db  *sql.DB
	ttl time.Duration
	mu  sync.Mutex
}

const idempotencySchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key          TEXT PRIMARY KEY,
	status       TEXT    NOT NULL,
	response     BLOB,
	created_at   INTEGER NOT NULL,
	completed_at INTEGER,
	expires_at   INTEGER NOT NULL
);
`

// idempotencyConfig holds internal configuration for the store.
type idempotencyConfig struct {
	ttl time.Duration
}

// IdempotencyOption configures an IdempotencyStore.
type IdempotencyOption func(*idempotencyConfig)

// WithTTL sets how long records are retained. Defaults to 24 hours.
func WithTTL(ttl time.Duration) IdempotencyOption {
	return func(c *idempotencyConfig) {
		c.ttl = ttl
	}
}

// NewIdempotencyStore creates an idempotency store on the given database.
func NewIdempotencyStore(db *sql.DB, opts ...IdempotencyOption) (*IdempotencyStore, error) {
	config := idempotencyConfig{ttl: idempotency.DefaultTTL}
	for _, opt := range opts {
		opt(&config)
	}

	if _, err := db.Exec(idempotencySchema); err != nil {
		return nil, fmt.Errorf("failed to run idempotency migrations: %w", err)
	}

	return &IdempotencyStore{db: db, ttl: config.ttl}, nil
}

// CheckAndLock atomically claims the key.
func (s *IdempotencyStore) CheckAndLock(ctx context.Context, key string) (idempotency.Outcome, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := eventsourcing.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Expired records are dead; clear them so the key can be re-claimed.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = ? AND expires_at <= ?`,
		key, now.UnixNano()); err != nil {
		return 0, nil, fmt.Errorf("failed to expire key: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, status, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO NOTHING`,
		key, idempotency.StatusInProgress, now.UnixNano(), now.Add(s.ttl).UnixNano())
	if err != nil {
		return 0, nil, fmt.Errorf("failed to claim key: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read rows affected: %w", err)
	}

	if inserted == 1 {
		return idempotency.OutcomeNew, nil, tx.Commit()
	}

	var (
		status   string
		response []byte
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, response FROM idempotency_keys WHERE key = ?`, key).
		Scan(&status, &response)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read existing key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if idempotency.Status(status) == idempotency.StatusCompleted {
		return idempotency.OutcomeCompleted, response, nil
	}
	return idempotency.OutcomeInProgress, nil, nil
}

// Complete stores the response for a held lock.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = ?, response = ?, completed_at = ?
		WHERE key = ? AND status = ?`,
		idempotency.StatusCompleted, response, eventsourcing.Now().UnixNano(),
		key, idempotency.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to complete key: %w", err)
	}

	updated, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if updated == 0 {
		return idempotency.ErrKeyNotFound
	}
	return nil
}

// Release deletes the lock so the client may retry.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = ? AND status = ?`,
		key, idempotency.StatusInProgress)
	if err != nil {
		return fmt.Errorf("failed to release key: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if deleted == 0 {
		return idempotency.ErrKeyNotFound
	}
	return nil
}

// CleanExpired removes expired records (maintenance operation).
func (s *IdempotencyStore) CleanExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at <= ?`,
		eventsourcing.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to clean expired keys: %w", err)
	}
	return res.RowsAffected()
}

var _ idempotency.Store = (*IdempotencyStore)(nil)
