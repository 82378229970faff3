package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/plaenen/walletd/pkg/eventsourcing"
	"github.com/plaenen/walletd/pkg/wallet"
)

// ConsumerName is the durable consumer identity of the projection. The
// broker tracks its delivery cursor under this name across restarts.
const ConsumerName = "projection"

// Subjects the projection listens on.
var Subjects = []string{"wallet.>"}

// Consumer folds wallet events into the read model.
//
// Balance rows come from the money events on the wallet streams; history
// rows for transfers come from the saga lifecycle events, so each
// transfer leg appears exactly once per wallet. Everything is keyed on
// transaction IDs, which makes duplicate deliveries and full replays
// no-ops.
type Consumer struct {
	store  *Store
	logger *slog.Logger
}

// NewConsumer creates a projection consumer over the read model.
func NewConsumer(store *Store, logger *slog.Logger) *Consumer {
	return &Consumer{store: store, logger: logger}
}

// Handle processes one delivered event. An error dead-letters the
// delivery.
func (c *Consumer) Handle(ctx context.Context, env *eventsourcing.Envelope) error {
	switch env.EventType {
	case wallet.EventMoneyDeposited:
		var p wallet.MoneyDeposited
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", env.EventType, err)
		}
		if err := c.store.UpsertWalletBalance(ctx, p.WalletID, p.BalanceAfter, p.Timestamp); err != nil {
			return err
		}
		return c.store.InsertTransaction(ctx, &Transaction{
			ID:           p.TransactionID,
			WalletID:     p.WalletID,
			Type:         TxDeposit,
			Amount:       p.Amount,
			BalanceAfter: p.BalanceAfter,
			Timestamp:    p.Timestamp,
		})

	case wallet.EventMoneyWithdrawn:
		var p wallet.MoneyWithdrawn
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", env.EventType, err)
		}
		if err := c.store.UpsertWalletBalance(ctx, p.WalletID, p.BalanceAfter, p.Timestamp); err != nil {
			return err
		}
		return c.store.InsertTransaction(ctx, &Transaction{
			ID:           p.TransactionID,
			WalletID:     p.WalletID,
			Type:         TxWithdrawal,
			Amount:       p.Amount,
			BalanceAfter: p.BalanceAfter,
			Timestamp:    p.Timestamp,
		})

	case wallet.EventMoneyTransferred:
		// Balance only. The history row comes from the matching saga
		// lifecycle event.
		var p wallet.MoneyTransferred
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", env.EventType, err)
		}
		return c.store.UpsertWalletBalance(ctx, p.WalletID, p.BalanceAfter, p.Timestamp)

	case wallet.EventSourceDebited:
		var p wallet.SourceDebited
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", env.EventType, err)
		}
		return c.store.InsertTransaction(ctx, &Transaction{
			ID:              p.TransactionID + "-out",
			WalletID:        p.WalletID,
			Type:            TxTransferOut,
			Amount:          p.Amount,
			BalanceAfter:    p.BalanceAfter,
			RelatedWalletID: p.CounterpartyID,
			Timestamp:       p.Timestamp,
		})

	case wallet.EventDestinationCredited:
		var p wallet.DestinationCredited
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", env.EventType, err)
		}
		return c.store.InsertTransaction(ctx, &Transaction{
			ID:              p.TransactionID + "-in",
			WalletID:        p.WalletID,
			Type:            TxTransferIn,
			Amount:          p.Amount,
			BalanceAfter:    p.BalanceAfter,
			RelatedWalletID: p.CounterpartyID,
			Timestamp:       p.Timestamp,
		})

	case wallet.EventSourceRefunded:
		var p wallet.SourceRefunded
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", env.EventType, err)
		}
		return c.store.InsertTransaction(ctx, &Transaction{
			ID:           p.TransactionID + "-refund",
			WalletID:     p.WalletID,
			Type:         TxRefund,
			Amount:       p.Amount,
			BalanceAfter: p.BalanceAfter,
			Timestamp:    p.Timestamp,
		})

	case wallet.EventTransferInitiated, wallet.EventTransferCompleted,
		wallet.EventCompensationInitiated, wallet.EventTransferFailed:
		// Lifecycle markers; nothing to project.
		return nil

	default:
		c.logger.Warn("ignoring unknown event type", "event_type", env.EventType)
		return nil
	}
}

// Rebuild resets the read model and refolds it from the event log in
// global position order.
func (c *Consumer) Rebuild(ctx context.Context, store eventsourcing.EventStore) error {
	if err := c.store.Reset(ctx); err != nil {
		return err
	}

	const batchSize = 500
	var position int64

	for {
		events, err := store.LoadAllEvents(ctx, position, batchSize)
		if err != nil {
			return fmt.Errorf("failed to load events from position %d: %w", position, err)
		}
		if len(events) == 0 {
			return nil
		}

		for _, evt := range events {
			env := &eventsourcing.Envelope{
				EventType:   evt.EventType,
				Data:        evt.Data,
				PublishedAt: evt.Timestamp,
			}
			if err := c.Handle(ctx, env); err != nil {
				return fmt.Errorf("failed to replay event %s: %w", evt.ID, err)
			}
		}
		position = events[len(events)-1].Position
	}
}
