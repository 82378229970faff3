package fraud

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/plaenen/walletd/pkg/wallet"
)

// Severity of an alert, doubling as the risk level scale.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Score returns the risk points one alert of this severity contributes.
func (s Severity) Score() int {
	switch s {
	case SeverityLow:
		return 5
	case SeverityMedium:
		return 15
	case SeverityHigh:
		return 30
	case SeverityCritical:
		return 50
	default:
		return 0
	}
}

// LevelFor buckets a risk score into a level.
func LevelFor(score int) Severity {
	switch {
	case score <= 25:
		return SeverityLow
	case score <= 50:
		return SeverityMedium
	case score <= 75:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Detection thresholds.
var largeTransactionThreshold = decimal.NewFromInt(10000)

const (
	velocityWindow    = 10 * time.Minute
	velocityThreshold = 5
	depositWindow     = 5 * time.Minute
)

// Rule is one fraud detection rule. Applies is evaluated against the
// sliding window after the triggering event has been recorded in it.
type Rule struct {
	ID       string
	Name     string
	Severity Severity
	Applies  func(ctx context.Context, store *Store, evt *WindowEvent) (bool, error)
}

// DefaultRules is the active rule set, evaluated in order for every
// transactional event.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:       "large-transaction",
			Name:     "Large transaction",
			Severity: SeverityHigh,
			Applies: func(ctx context.Context, store *Store, evt *WindowEvent) (bool, error) {
				return evt.Amount.GreaterThan(largeTransactionThreshold), nil
			},
		},
		{
			ID:       "high-velocity",
			Name:     "High velocity",
			Severity: SeverityMedium,
			Applies: func(ctx context.Context, store *Store, evt *WindowEvent) (bool, error) {
				count, err := store.CountEventsSince(ctx, evt.WalletID, evt.Timestamp.Add(-velocityWindow))
				if err != nil {
					return false, err
				}
				return count > velocityThreshold, nil
			},
		},
		{
			ID:       "rapid-withdrawal",
			Name:     "Rapid withdrawal after deposit",
			Severity: SeverityHigh,
			Applies: func(ctx context.Context, store *Store, evt *WindowEvent) (bool, error) {
				if evt.EventType != wallet.EventMoneyWithdrawn {
					return false, nil
				}
				return store.HasEventSince(ctx, evt.WalletID, wallet.EventMoneyDeposited, evt.Timestamp.Add(-depositWindow))
			},
		},
	}
}
