package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/plaenen/walletd/pkg/eventsourcing"
)

// EventStore is a SQLite-based implementation of eventsourcing.EventStore.
// Writes per aggregate are linearized by the optimistic version check
// inside a single transaction, backed by the UNIQUE(aggregate_id, version)
// constraint.
type EventStore struct {
	db *sql.DB
	mu sync.RWMutex // Protects concurrent access to the connection pool
}

const eventsSchema = `
CREATE TABLE IF NOT EXISTS events (
	position       INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id       TEXT    NOT NULL UNIQUE,
	aggregate_id   TEXT    NOT NULL,
	aggregate_type TEXT    NOT NULL,
	event_type     TEXT    NOT NULL,
	version        INTEGER NOT NULL,
	transaction_id TEXT    NOT NULL,
	timestamp      INTEGER NOT NULL,
	data           BLOB    NOT NULL,
	metadata       TEXT    NOT NULL DEFAULT '{}',
	UNIQUE (aggregate_id, version)
);
CREATE INDEX IF NOT EXISTS idx_events_aggregate ON events (aggregate_id, version);
`

// eventStoreConfig holds internal configuration for the SQLite event store.
type eventStoreConfig struct {
	// dsn is the data source name (file path or ":memory:" for in-memory)
	dsn string

	// walMode enables write-ahead logging for better concurrency
	walMode bool
}

func defaultEventStoreConfig() eventStoreConfig {
	return eventStoreConfig{
		dsn:     "walletd.db",
		walMode: true,
	}
}

// EventStoreOption is a function that configures an EventStore.
type EventStoreOption func(*eventStoreConfig)

// WithDSN sets the data source name (file path or ":memory:" for in-memory).
func WithDSN(dsn string) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase sets the database to an in-memory database.
func WithMemoryDatabase() EventStoreOption {
	return func(c *eventStoreConfig) {
		c.dsn = ":memory:"
	}
}

// WithWALMode enables write-ahead logging. Recommended for production
// but not available for :memory: databases.
func WithWALMode(enabled bool) EventStoreOption {
	return func(c *eventStoreConfig) {
		c.walMode = enabled
	}
}

// NewEventStore creates a new SQLite event store with the given options.
//
// Example usage:
//
//	// Use defaults (walletd.db, WAL mode)
//	store, err := sqlite.NewEventStore()
//
//	// In-memory database for testing
//	store, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
func NewEventStore(opts ...EventStoreOption) (*EventStore, error) {
	config := defaultEventStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.dsn == ":memory:" {
		config.walMode = false
	}

	db, err := Open(config.dsn)
	if err != nil {
		return nil, err
	}

	if config.walMode {
		if err := enableWAL(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	if _, err := db.Exec(eventsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run event store migrations: %w", err)
	}

	return &EventStore{db: db}, nil
}

// AppendEvents appends events to an aggregate's stream atomically.
func (s *EventStore) AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*eventsourcing.Event) error {
	if len(events) == 0 {
		return nil
	}
	if expectedVersion < 0 {
		return eventsourcing.ErrInvalidVersion
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	currentVersion, err := aggregateVersionTx(ctx, tx, aggregateID)
	if err != nil {
		return fmt.Errorf("failed to check current version: %w", err)
	}
	if currentVersion != expectedVersion {
		return eventsourcing.ErrConcurrencyConflict
	}

	for i, event := range events {
		if event.Version != expectedVersion+int64(i)+1 {
			return eventsourcing.ErrInvalidVersion
		}

		metadataJSON, _ := json.Marshal(event.Metadata)

		_, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, version, transaction_id, timestamp, data, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.ID,
			event.AggregateID,
			event.AggregateType,
			event.EventType,
			event.Version,
			event.TransactionID,
			event.Timestamp.UnixNano(),
			[]byte(event.Data),
			string(metadataJSON),
		)
		if err != nil {
			// Two appends raced past the version check; the uniqueness
			// constraint on (aggregate_id, version) is the backstop.
			if isUniqueViolation(err) {
				return eventsourcing.ErrConcurrencyConflict
			}
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return eventsourcing.ErrConcurrencyConflict
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadEvents loads all events for an aggregate ordered by version ascending.
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string) ([]*eventsourcing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT position, event_id, aggregate_id, aggregate_type, event_type, version, transaction_id, timestamp, data, metadata
		FROM events
		WHERE aggregate_id = ?
		ORDER BY version ASC`, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadAllEvents loads events from all aggregates ordered by global position.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT position, event_id, aggregate_id, aggregate_type, event_type, version, transaction_id, timestamp, data, metadata
		FROM events
		WHERE position > ?
		ORDER BY position ASC
		LIMIT ?`, fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query all events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// AggregateVersion returns the current version of an aggregate (0 if unknown).
func (s *EventStore) AggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	version, err := aggregateVersionTx(ctx, tx, aggregateID)
	if err != nil {
		return 0, fmt.Errorf("failed to get aggregate version: %w", err)
	}
	return version, tx.Commit()
}

// DB returns the underlying database connection for direct SQL queries.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database is reachable.
func (s *EventStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the event store and releases resources.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func aggregateVersionTx(ctx context.Context, tx *sql.Tx, aggregateID string) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`,
		aggregateID).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func scanEvents(rows *sql.Rows) ([]*eventsourcing.Event, error) {
	var events []*eventsourcing.Event
	for rows.Next() {
		var (
			event        eventsourcing.Event
			ts           int64
			data         []byte
			metadataJSON string
		)
		if err := rows.Scan(
			&event.Position,
			&event.ID,
			&event.AggregateID,
			&event.AggregateType,
			&event.EventType,
			&event.Version,
			&event.TransactionID,
			&ts,
			&data,
			&metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Timestamp = time.Unix(0, ts)
		event.Data = json.RawMessage(data)
		json.Unmarshal([]byte(metadataJSON), &event.Metadata)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ eventsourcing.EventStore = (*EventStore)(nil)
