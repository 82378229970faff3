package fraud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/plaenen/walletd/pkg/eventsourcing"
	"github.com/plaenen/walletd/pkg/wallet"
)

// ConsumerName is the durable consumer identity of the fraud analyzer.
const ConsumerName = "fraud"

// Subjects the analyzer listens on: transactional money events only,
// not the saga lifecycle.
var Subjects = []string{"wallet.money.>"}

// Consumer evaluates the fraud rules against each transactional event.
type Consumer struct {
	store  *Store
	rules  []Rule
	logger *slog.Logger
}

// NewConsumer creates a fraud consumer with the default rule set.
func NewConsumer(store *Store, logger *slog.Logger) *Consumer {
	return &Consumer{
		store:  store,
		rules:  DefaultRules(),
		logger: logger,
	}
}

// Handle processes one delivered event: record it in the sliding
// window, evaluate every rule, and raise deduplicated alerts. Rules run
// on every delivery, including redeliveries of a transaction already in
// the window: a crash between recording the window entry and writing an
// alert must not lose the alert. The (transaction, rule) uniqueness on
// alerts keeps risk from double-counting.
func (c *Consumer) Handle(ctx context.Context, env *eventsourcing.Envelope) error {
	evt, err := windowEvent(env)
	if err != nil {
		return err
	}
	if evt == nil {
		return nil
	}

	fresh, err := c.store.RecordEvent(ctx, evt)
	if err != nil {
		return err
	}
	if !fresh {
		c.logger.Debug("transaction redelivered",
			"wallet_id", evt.WalletID,
			"transaction_id", evt.TransactionID)
	}

	if err := c.store.PruneBefore(ctx, evt.Timestamp.Add(-velocityWindow)); err != nil {
		c.logger.Warn("failed to prune event window", "error", err)
	}

	for _, rule := range c.rules {
		hit, err := rule.Applies(ctx, c.store, evt)
		if err != nil {
			return fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		if !hit {
			continue
		}

		inserted, err := c.store.InsertAlert(ctx, &Alert{
			ID:            uuid.NewString(),
			WalletID:      evt.WalletID,
			RuleID:        rule.ID,
			RuleName:      rule.Name,
			Severity:      rule.Severity,
			TransactionID: evt.TransactionID,
			EventType:     evt.EventType,
			Payload:       env.Data,
			CreatedAt:     evt.Timestamp,
		})
		if err != nil {
			return err
		}
		if !inserted {
			continue
		}

		profile, err := c.store.AddRisk(ctx, evt.WalletID, rule.Severity.Score(), evt.Timestamp)
		if err != nil {
			return err
		}

		c.logger.Warn("fraud alert raised",
			"wallet_id", evt.WalletID,
			"rule_id", rule.ID,
			"severity", rule.Severity,
			"transaction_id", evt.TransactionID,
			"risk_score", profile.RiskScore,
			"risk_level", profile.RiskLevel)
	}

	return nil
}

// windowEvent extracts the window entry from a money event envelope.
// Non-transactional envelopes yield nil.
func windowEvent(env *eventsourcing.Envelope) (*WindowEvent, error) {
	switch env.EventType {
	case wallet.EventMoneyDeposited:
		var p wallet.MoneyDeposited
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", env.EventType, err)
		}
		return &WindowEvent{
			TransactionID: p.TransactionID,
			WalletID:      p.WalletID,
			EventType:     env.EventType,
			Amount:        p.Amount,
			Timestamp:     p.Timestamp,
		}, nil

	case wallet.EventMoneyWithdrawn:
		var p wallet.MoneyWithdrawn
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", env.EventType, err)
		}
		return &WindowEvent{
			TransactionID: p.TransactionID,
			WalletID:      p.WalletID,
			EventType:     env.EventType,
			Amount:        p.Amount,
			Timestamp:     p.Timestamp,
		}, nil

	case wallet.EventMoneyTransferred:
		var p wallet.MoneyTransferred
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", env.EventType, err)
		}
		return &WindowEvent{
			TransactionID: p.TransactionID,
			WalletID:      p.WalletID,
			EventType:     env.EventType,
			Amount:        p.Amount,
			Timestamp:     p.Timestamp,
		}, nil

	default:
		return nil, nil
	}
}
