// Package wallet implements the wallet aggregate and its repository.
// The aggregate is pure logic with no I/O: state is a fold over the
// wallet's event stream, and operations emit new events.
package wallet

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/plaenen/walletd/pkg/eventsourcing"
)

var (
	// ErrInvalidAmount is returned for non-positive amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInsufficientFunds is returned when a debit would make the
	// balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Wallet is the wallet aggregate. A wallet exists whenever it has at
// least one event; a first deposit on an unknown id creates it. Loading
// an id with no events yields a zero balance at version 0.
type Wallet struct {
	eventsourcing.AggregateRoot
	balance decimal.Decimal
}

// New creates an empty wallet aggregate for the given id.
func New(id string) *Wallet {
	return &Wallet{
		AggregateRoot: eventsourcing.NewAggregateRoot(id, AggregateType),
		balance:       decimal.Zero,
	}
}

// Balance returns the wallet's current balance.
func (w *Wallet) Balance() decimal.Decimal {
	return w.balance
}

// Fold reconstructs the wallet's state from its event stream, in
// version order. Deterministic: same events, same state.
func (w *Wallet) Fold(events []*eventsourcing.Event) error {
	for _, evt := range events {
		if err := w.apply(evt); err != nil {
			return err
		}
		w.AdvanceVersion(evt.Version)
	}
	return nil
}

func (w *Wallet) apply(evt *eventsourcing.Event) error {
	switch evt.EventType {
	case EventMoneyDeposited:
		var p MoneyDeposited
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", evt.EventType, err)
		}
		w.balance = p.BalanceAfter

	case EventMoneyWithdrawn:
		var p MoneyWithdrawn
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", evt.EventType, err)
		}
		w.balance = p.BalanceAfter

	case EventMoneyTransferred:
		var p MoneyTransferred
		if err := json.Unmarshal(evt.Data, &p); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", evt.EventType, err)
		}
		w.balance = p.BalanceAfter

	default:
		return fmt.Errorf("unknown wallet event type %q", evt.EventType)
	}
	return nil
}

// Deposit adds money to the wallet and emits a MoneyDeposited event.
func (w *Wallet) Deposit(amount decimal.Decimal) (*MoneyDeposited, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}

	payload := &MoneyDeposited{
		WalletID:      w.ID(),
		Amount:        amount.Round(2),
		BalanceAfter:  w.balance.Add(amount).Round(2),
		TransactionID: NewTransactionID(),
		Timestamp:     eventsourcing.Now(),
	}

	if _, err := w.Record(EventMoneyDeposited, payload.TransactionID, payload, eventsourcing.EventMetadata{}); err != nil {
		return nil, err
	}
	w.balance = payload.BalanceAfter
	return payload, nil
}

// Withdraw removes money from the wallet and emits a MoneyWithdrawn
// event. The balance never goes negative.
func (w *Wallet) Withdraw(amount decimal.Decimal) (*MoneyWithdrawn, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if amount.GreaterThan(w.balance) {
		return nil, fmt.Errorf("%w: balance %s, requested %s",
			ErrInsufficientFunds, w.balance.StringFixed(2), amount.StringFixed(2))
	}

	payload := &MoneyWithdrawn{
		WalletID:      w.ID(),
		Amount:        amount.Round(2),
		BalanceAfter:  w.balance.Sub(amount).Round(2),
		TransactionID: NewTransactionID(),
		Timestamp:     eventsourcing.Now(),
	}

	if _, err := w.Record(EventMoneyWithdrawn, payload.TransactionID, payload, eventsourcing.EventMetadata{}); err != nil {
		return nil, err
	}
	w.balance = payload.BalanceAfter
	return payload, nil
}

// TransferOut debits the wallet as the source leg of a transfer.
// Same funds rules as Withdraw.
func (w *Wallet) TransferOut(amount decimal.Decimal, counterpartyID, sagaID string) (*MoneyTransferred, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	if amount.GreaterThan(w.balance) {
		return nil, fmt.Errorf("%w: balance %s, requested %s",
			ErrInsufficientFunds, w.balance.StringFixed(2), amount.StringFixed(2))
	}
	return w.transfer(amount, counterpartyID, sagaID, DirectionOut, w.balance.Sub(amount))
}

// TransferIn credits the wallet as the destination leg of a transfer,
// or as the compensating refund of a failed one.
func (w *Wallet) TransferIn(amount decimal.Decimal, counterpartyID, sagaID string) (*MoneyTransferred, error) {
	if err := validateAmount(amount); err != nil {
		return nil, err
	}
	return w.transfer(amount, counterpartyID, sagaID, DirectionIn, w.balance.Add(amount))
}

func (w *Wallet) transfer(amount decimal.Decimal, counterpartyID, sagaID string, dir Direction, after decimal.Decimal) (*MoneyTransferred, error) {
	payload := &MoneyTransferred{
		WalletID:       w.ID(),
		CounterpartyID: counterpartyID,
		Direction:      dir,
		Amount:         amount.Round(2),
		BalanceAfter:   after.Round(2),
		TransactionID:  NewTransactionID(),
		SagaID:         sagaID,
		Timestamp:      eventsourcing.Now(),
	}

	metadata := eventsourcing.EventMetadata{CorrelationID: sagaID}
	if _, err := w.Record(EventMoneyTransferred, payload.TransactionID, payload, metadata); err != nil {
		return nil, err
	}
	w.balance = payload.BalanceAfter
	return payload, nil
}

func validateAmount(amount decimal.Decimal) error {
	if amount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: got %s", ErrInvalidAmount, amount.String())
	}
	return nil
}
