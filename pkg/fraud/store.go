// Package fraud analyzes the wallet event stream for suspicious
// patterns. It keeps a sliding window of recent events per wallet,
// raises deduplicated alerts, and maintains a monotonically increasing
// risk profile per wallet.
package fraud

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrProfileNotFound is returned when a wallet has no risk profile yet.
var ErrProfileNotFound = errors.New("risk profile not found")

// WindowEvent is one entry in a wallet's sliding window.
type WindowEvent struct {
	TransactionID string
	WalletID      string
	EventType     string
	Amount        decimal.Decimal
	Timestamp     time.Time
}

// Alert is one rule hit for one transaction.
type Alert struct {
	ID            string          `json:"id"`
	WalletID      string          `json:"walletId"`
	RuleID        string          `json:"ruleId"`
	RuleName      string          `json:"ruleName"`
	Severity      Severity        `json:"severity"`
	TransactionID string          `json:"transactionId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// RiskProfile is the accumulated risk of one wallet.
type RiskProfile struct {
	WalletID    string    `json:"walletId"`
	RiskScore   int       `json:"riskScore"`
	RiskLevel   Severity  `json:"riskLevel"`
	AlertCount  int       `json:"alertCount"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// Store is the SQLite-backed fraud state. It is owned exclusively by
// the fraud consumer.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

const fraudSchema = `
CREATE TABLE IF NOT EXISTS recent_events (
	transaction_id TEXT PRIMARY KEY,
	wallet_id      TEXT    NOT NULL,
	event_type     TEXT    NOT NULL,
	amount         TEXT    NOT NULL,
	timestamp      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_recent_events_wallet ON recent_events (wallet_id, timestamp);

CREATE TABLE IF NOT EXISTS alerts (
	id             TEXT PRIMARY KEY,
	wallet_id      TEXT    NOT NULL,
	rule_id        TEXT    NOT NULL,
	rule_name      TEXT    NOT NULL,
	severity       TEXT    NOT NULL,
	transaction_id TEXT    NOT NULL,
	event_type     TEXT    NOT NULL,
	payload        BLOB    NOT NULL,
	created_at     INTEGER NOT NULL,
	UNIQUE (transaction_id, rule_id)
);
CREATE INDEX IF NOT EXISTS idx_alerts_wallet ON alerts (wallet_id, created_at DESC);

CREATE TABLE IF NOT EXISTS risk_profiles (
	wallet_id    TEXT PRIMARY KEY,
	risk_score   INTEGER NOT NULL,
	risk_level   TEXT    NOT NULL,
	alert_count  INTEGER NOT NULL,
	last_updated INTEGER NOT NULL
);
`

// NewStore creates the fraud store on the given database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(fraudSchema); err != nil {
		return nil, fmt.Errorf("failed to run fraud migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// RecordEvent adds an event to the sliding window. Returns false when
// the transaction was already recorded, marking the delivery as a
// redelivery. Rule evaluation still runs in that case; the alert
// uniqueness constraint is what keeps risk from double-counting.
func (s *Store) RecordEvent(ctx context.Context, evt *WindowEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO recent_events (transaction_id, wallet_id, event_type, amount, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id) DO NOTHING`,
		evt.TransactionID, evt.WalletID, evt.EventType, evt.Amount.StringFixed(2), evt.Timestamp.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return inserted == 1, nil
}

// PruneBefore drops window entries older than the cutoff.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM recent_events WHERE timestamp < ?`, cutoff.UnixNano()); err != nil {
		return fmt.Errorf("failed to prune window: %w", err)
	}
	return nil
}

// CountEventsSince counts a wallet's window entries at or after the
// cutoff, including the event just recorded.
func (s *Store) CountEventsSince(ctx context.Context, walletID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM recent_events
		WHERE wallet_id = ? AND timestamp >= ?`,
		walletID, since.UnixNano()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count window events: %w", err)
	}
	return count, nil
}

// HasEventSince reports whether the wallet has a window entry of the
// given event type at or after the cutoff.
func (s *Store) HasEventSince(ctx context.Context, walletID, eventType string, since time.Time) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM recent_events
		WHERE wallet_id = ? AND event_type = ? AND timestamp >= ?`,
		walletID, eventType, since.UnixNano()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to query window events: %w", err)
	}
	return count > 0, nil
}

// InsertAlert records a rule hit. Returns false when an alert for the
// same (transaction, rule) pair already exists; only a true return may
// feed the risk profile.
func (s *Store) InsertAlert(ctx context.Context, alert *Alert) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, wallet_id, rule_id, rule_name, severity, transaction_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (transaction_id, rule_id) DO NOTHING`,
		alert.ID, alert.WalletID, alert.RuleID, alert.RuleName, alert.Severity,
		alert.TransactionID, alert.EventType, []byte(alert.Payload), alert.CreatedAt.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to insert alert: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return inserted == 1, nil
}

// AddRisk raises a wallet's risk score by delta, clamped to 100, and
// recomputes the level. Scores only ever go up.
func (s *Store) AddRisk(ctx context.Context, walletID string, delta int, at time.Time) (*RiskProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		score, alerts int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT risk_score, alert_count FROM risk_profiles WHERE wallet_id = ?`, walletID).
		Scan(&score, &alerts)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to load risk profile: %w", err)
	}

	score += delta
	if score > 100 {
		score = 100
	}
	alerts++
	level := LevelFor(score)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_profiles (wallet_id, risk_score, risk_level, alert_count, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (wallet_id) DO UPDATE SET
			risk_score = excluded.risk_score,
			risk_level = excluded.risk_level,
			alert_count = excluded.alert_count,
			last_updated = excluded.last_updated`,
		walletID, score, level, alerts, at.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert risk profile: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit risk update: %w", err)
	}

	return &RiskProfile{
		WalletID:    walletID,
		RiskScore:   score,
		RiskLevel:   level,
		AlertCount:  alerts,
		LastUpdated: at,
	}, nil
}

// Profile returns a wallet's risk profile.
func (s *Store) Profile(ctx context.Context, walletID string) (*RiskProfile, error) {
	var (
		p           RiskProfile
		lastUpdated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT wallet_id, risk_score, risk_level, alert_count, last_updated
		FROM risk_profiles
		WHERE wallet_id = ?`, walletID).
		Scan(&p.WalletID, &p.RiskScore, &p.RiskLevel, &p.AlertCount, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load risk profile: %w", err)
	}
	p.LastUpdated = time.Unix(0, lastUpdated)
	return &p, nil
}

// AlertsByWallet returns a wallet's alerts, newest first.
func (s *Store) AlertsByWallet(ctx context.Context, walletID string, limit int) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_id, rule_id, rule_name, severity, transaction_id, event_type, payload, created_at
		FROM alerts
		WHERE wallet_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var (
			a         Alert
			payload   []byte
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.WalletID, &a.RuleID, &a.RuleName, &a.Severity,
			&a.TransactionID, &a.EventType, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Payload = json.RawMessage(payload)
		a.CreatedAt = time.Unix(0, createdAt)
		alerts = append(alerts, &a)
	}
	return alerts, rows.Err()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
