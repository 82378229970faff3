package command

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plaenen/walletd/pkg/eventsourcing"
	"github.com/plaenen/walletd/pkg/saga"
	"github.com/plaenen/walletd/pkg/wallet"
)

// ErrTransferFailed is returned when a transfer saga does not complete.
// The underlying cause is wrapped alongside it.
var ErrTransferFailed = errors.New("transfer failed")

// Transfer runs the transfer saga: debit the source, credit the
// destination, and compensate the debit when the credit fails. The saga
// row in the saga store is the authoritative progress record; lifecycle
// events are appended to the saga's own event stream so the log remains
// the complete account of every transfer.
func (m *Mediator) Transfer(ctx context.Context, cmd TransferCommand) (*TransferResult, error) {
	if cmd.FromWalletID == "" || cmd.ToWalletID == "" {
		return nil, fmt.Errorf("%w: fromWalletId and toWalletId are required", ErrInvalidCommand)
	}
	if cmd.Amount.IsNegative() || cmd.Amount.IsZero() {
		return nil, fmt.Errorf("%w: got %s", wallet.ErrInvalidAmount, cmd.Amount.String())
	}

	ts := &saga.TransferSaga{
		ID:           uuid.NewString(),
		FromWalletID: cmd.FromWalletID,
		ToWalletID:   cmd.ToWalletID,
		Amount:       cmd.Amount.Round(2),
		Status:       saga.StatusInitiated,
	}
	if err := m.sagas.Insert(ctx, ts); err != nil {
		return nil, fmt.Errorf("failed to initiate transfer: %w", err)
	}

	rec := eventsourcing.NewAggregateRoot(ts.ID, saga.AggregateType)
	initiatedTx := wallet.NewTransactionID()
	m.emitSagaEvent(ctx, &rec, wallet.EventTransferInitiated, initiatedTx, &wallet.TransferInitiated{
		SagaID:        ts.ID,
		FromWalletID:  ts.FromWalletID,
		ToWalletID:    ts.ToWalletID,
		Amount:        ts.Amount,
		TransactionID: initiatedTx,
		Timestamp:     eventsourcing.Now(),
	})

	// Debit leg. A failure here leaves nothing to undo.
	var debit *wallet.MoneyTransferred
	_, _, err := m.wallets.Execute(ctx, ts.FromWalletID, func(w *wallet.Wallet) error {
		p, err := w.TransferOut(ts.Amount, ts.ToWalletID, ts.ID)
		if err != nil {
			return err
		}
		debit = p
		return nil
	})
	if err != nil {
		return m.failSaga(ctx, &rec, ts, err)
	}

	ts.Status = saga.StatusSourceDebited
	ts.DebitTxID = debit.TransactionID
	m.updateSaga(ctx, ts)
	m.emitSagaEvent(ctx, &rec, wallet.EventSourceDebited, debit.TransactionID, &wallet.SourceDebited{
		SagaID:         ts.ID,
		WalletID:       ts.FromWalletID,
		CounterpartyID: ts.ToWalletID,
		Amount:         ts.Amount,
		BalanceAfter:   debit.BalanceAfter,
		TransactionID:  debit.TransactionID,
		Timestamp:      eventsourcing.Now(),
	})

	// Credit leg. A failure here triggers compensation of the debit.
	var credit *wallet.MoneyTransferred
	_, _, err = m.wallets.Execute(ctx, ts.ToWalletID, func(w *wallet.Wallet) error {
		p, err := w.TransferIn(ts.Amount, ts.FromWalletID, ts.ID)
		if err != nil {
			return err
		}
		credit = p
		return nil
	})
	if err != nil {
		return m.compensate(ctx, &rec, ts, err)
	}

	ts.Status = saga.StatusCompleted
	ts.CreditTxID = credit.TransactionID
	m.updateSaga(ctx, ts)
	m.emitSagaEvent(ctx, &rec, wallet.EventDestinationCredited, credit.TransactionID, &wallet.DestinationCredited{
		SagaID:         ts.ID,
		WalletID:       ts.ToWalletID,
		CounterpartyID: ts.FromWalletID,
		Amount:         ts.Amount,
		BalanceAfter:   credit.BalanceAfter,
		TransactionID:  credit.TransactionID,
		Timestamp:      eventsourcing.Now(),
	})
	completedTx := wallet.NewTransactionID()
	m.emitSagaEvent(ctx, &rec, wallet.EventTransferCompleted, completedTx, &wallet.TransferCompleted{
		SagaID:        ts.ID,
		FromWalletID:  ts.FromWalletID,
		ToWalletID:    ts.ToWalletID,
		Amount:        ts.Amount,
		TransactionID: completedTx,
		Timestamp:     eventsourcing.Now(),
	})

	m.logger.Info("transfer completed",
		"saga_id", ts.ID,
		"from", ts.FromWalletID,
		"to", ts.ToWalletID,
		"amount", ts.Amount.StringFixed(2))

	res := m.result(ts)
	res.FromBalance = debit.BalanceAfter
	res.ToBalance = credit.BalanceAfter
	return res, nil
}

// ResumeStuck finds sagas that stalled mid-flight (process crash, broker
// outage) and drives each to a terminal state. Returns how many sagas
// were resolved.
func (m *Mediator) ResumeStuck(ctx context.Context, updatedBefore time.Time, limit int) (int, error) {
	stuck, err := m.sagas.ListStuck(ctx, updatedBefore, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck sagas: %w", err)
	}

	resolved := 0
	for _, ts := range stuck {
		if err := m.resumeOne(ctx, ts); err != nil {
			m.logger.Error("failed to resume saga",
				"saga_id", ts.ID,
				"status", ts.Status,
				"error", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (m *Mediator) resumeOne(ctx context.Context, ts *saga.TransferSaga) error {
	version, err := m.store.AggregateVersion(ctx, ts.ID)
	if err != nil {
		return fmt.Errorf("failed to load saga stream version: %w", err)
	}
	rec := eventsourcing.NewAggregateRoot(ts.ID, saga.AggregateType)
	rec.AdvanceVersion(version)

	m.logger.Warn("resuming stuck saga",
		"saga_id", ts.ID,
		"status", ts.Status,
		"updated_at", ts.UpdatedAt)

	switch ts.Status {
	case saga.StatusInitiated:
		// No money moved; close the saga.
		_, err := m.failSaga(ctx, &rec, ts, errors.New("stalled before debit"))
		if errors.Is(err, ErrTransferFailed) {
			return nil
		}
		return err

	case saga.StatusSourceDebited:
		// The credit never confirmed; undo the debit.
		_, err := m.compensate(ctx, &rec, ts, errors.New("credit not confirmed"))
		if errors.Is(err, ErrTransferFailed) {
			return nil
		}
		return err

	case saga.StatusCompensating:
		// A previous refund attempt failed; retry it.
		return m.refund(ctx, &rec, ts)

	default:
		return fmt.Errorf("saga %s in unexpected status %s", ts.ID, ts.Status)
	}
}

// failSaga closes a saga that failed before any money moved.
func (m *Mediator) failSaga(ctx context.Context, rec *eventsourcing.AggregateRoot, ts *saga.TransferSaga, cause error) (*TransferResult, error) {
	ts.Status = saga.StatusFailed
	ts.ErrorMessage = cause.Error()
	m.updateSaga(ctx, ts)
	m.emitTransferFailed(ctx, rec, ts)

	return m.result(ts), fmt.Errorf("%w: %w", ErrTransferFailed, cause)
}

// compensate undoes the debit of a saga whose credit failed. If the
// refund itself fails the saga stays in COMPENSATING for the recovery
// scanner to retry.
func (m *Mediator) compensate(ctx context.Context, rec *eventsourcing.AggregateRoot, ts *saga.TransferSaga, cause error) (*TransferResult, error) {
	ts.Status = saga.StatusCompensating
	ts.ErrorMessage = cause.Error()
	m.updateSaga(ctx, ts)
	compensationTx := wallet.NewTransactionID()
	m.emitSagaEvent(ctx, rec, wallet.EventCompensationInitiated, compensationTx, &wallet.CompensationInitiated{
		SagaID:        ts.ID,
		WalletID:      ts.FromWalletID,
		Amount:        ts.Amount,
		Reason:        cause.Error(),
		TransactionID: compensationTx,
		Timestamp:     eventsourcing.Now(),
	})

	if err := m.refund(ctx, rec, ts); err != nil {
		m.logger.Error("refund failed; saga needs recovery",
			"saga_id", ts.ID,
			"error", err)
		return m.result(ts), fmt.Errorf("%w: %w (refund pending)", ErrTransferFailed, cause)
	}

	return m.result(ts), fmt.Errorf("%w: %w", ErrTransferFailed, cause)
}

// refund credits the debited amount back to the source wallet and closes
// the saga as FAILED.
func (m *Mediator) refund(ctx context.Context, rec *eventsourcing.AggregateRoot, ts *saga.TransferSaga) error {
	var refund *wallet.MoneyTransferred
	_, _, err := m.wallets.Execute(ctx, ts.FromWalletID, func(w *wallet.Wallet) error {
		p, err := w.TransferIn(ts.Amount, ts.ToWalletID, ts.ID)
		if err != nil {
			return err
		}
		refund = p
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refund source wallet: %w", err)
	}

	ts.CompensationTxID = refund.TransactionID
	m.emitSagaEvent(ctx, rec, wallet.EventSourceRefunded, refund.TransactionID, &wallet.SourceRefunded{
		SagaID:        ts.ID,
		WalletID:      ts.FromWalletID,
		Amount:        ts.Amount,
		BalanceAfter:  refund.BalanceAfter,
		TransactionID: refund.TransactionID,
		Timestamp:     eventsourcing.Now(),
	})

	ts.Status = saga.StatusFailed
	m.updateSaga(ctx, ts)
	m.emitTransferFailed(ctx, rec, ts)
	return nil
}

func (m *Mediator) emitTransferFailed(ctx context.Context, rec *eventsourcing.AggregateRoot, ts *saga.TransferSaga) {
	failedTx := wallet.NewTransactionID()
	m.emitSagaEvent(ctx, rec, wallet.EventTransferFailed, failedTx, &wallet.TransferFailed{
		SagaID:        ts.ID,
		FromWalletID:  ts.FromWalletID,
		ToWalletID:    ts.ToWalletID,
		Amount:        ts.Amount,
		Reason:        ts.ErrorMessage,
		TransactionID: failedTx,
		Timestamp:     eventsourcing.Now(),
	})
}

// updateSaga persists a transition. ErrTerminal means another writer
// already closed the saga; that is logged, not fatal, because the saga
// store enforces terminal-state immutability.
func (m *Mediator) updateSaga(ctx context.Context, ts *saga.TransferSaga) {
	if err := m.sagas.Update(ctx, ts); err != nil {
		m.logger.Error("failed to update saga",
			"saga_id", ts.ID,
			"status", ts.Status,
			"error", err)
	}
}

// emitSagaEvent appends one lifecycle event to the saga's stream and
// publishes it. The saga store row stays authoritative for progress, so
// a bookkeeping failure here is logged rather than aborting the money
// flow.
func (m *Mediator) emitSagaEvent(ctx context.Context, rec *eventsourcing.AggregateRoot, eventType, txID string, payload any) {
	base := rec.Version()
	if _, err := rec.Record(eventType, txID, payload, eventsourcing.EventMetadata{CorrelationID: rec.ID()}); err != nil {
		m.logger.Error("failed to record saga event",
			"saga_id", rec.ID(),
			"event_type", eventType,
			"error", err)
		return
	}

	events := rec.UncommittedEvents()
	if err := m.store.AppendEvents(ctx, rec.ID(), base, events); err != nil {
		m.logger.Error("failed to append saga event",
			"saga_id", rec.ID(),
			"event_type", eventType,
			"error", err)
		rec.ClearUncommittedEvents()
		return
	}
	rec.ClearUncommittedEvents()

	if m.bus != nil {
		if err := m.bus.Publish(ctx, events); err != nil {
			m.logger.Error("failed to publish saga event",
				"saga_id", rec.ID(),
				"event_type", eventType,
				"error", err)
		}
	}
}

func (m *Mediator) result(ts *saga.TransferSaga) *TransferResult {
	return &TransferResult{
		SagaID:           ts.ID,
		FromWalletID:     ts.FromWalletID,
		ToWalletID:       ts.ToWalletID,
		Amount:           ts.Amount,
		Status:           ts.Status,
		DebitTxID:        ts.DebitTxID,
		CreditTxID:       ts.CreditTxID,
		CompensationTxID: ts.CompensationTxID,
		ErrorMessage:     ts.ErrorMessage,
	}
}
