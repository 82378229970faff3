package wallet

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Routing keys the service publishes. Wallet events are appended to the
// wallet's stream; transfer events are appended to the saga's stream.
// The closed set replaces runtime type dispatch: every consumer switches
// exhaustively on these tags.
const (
	EventMoneyDeposited        = "wallet.money.deposited"
	EventMoneyWithdrawn        = "wallet.money.withdrawn"
	EventMoneyTransferred      = "wallet.money.transferred"
	EventTransferInitiated     = "wallet.transfer.initiated"
	EventSourceDebited         = "wallet.transfer.source.debited"
	EventDestinationCredited   = "wallet.transfer.destination.credited"
	EventTransferCompleted     = "wallet.transfer.completed"
	EventCompensationInitiated = "wallet.transfer.compensation.initiated"
	EventSourceRefunded        = "wallet.transfer.source.refunded"
	EventTransferFailed        = "wallet.transfer.failed"
)

// AggregateType is the aggregate type name of wallets in the event log.
const AggregateType = "wallet"

// NewTransactionID generates a fresh transaction ID for one
// wallet-affecting event. Overridable for deterministic tests.
var NewTransactionID = func() string {
	return uuid.NewString()
}

// Direction of a transfer leg relative to the wallet it touches.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// MoneyDeposited is the payload of a wallet.money.deposited event.
type MoneyDeposited struct {
	WalletID      string          `json:"walletId"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	TransactionID string          `json:"transactionId"`
	Timestamp     time.Time       `json:"timestamp"`
}

// MoneyWithdrawn is the payload of a wallet.money.withdrawn event.
type MoneyWithdrawn struct {
	WalletID      string          `json:"walletId"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	TransactionID string          `json:"transactionId"`
	Timestamp     time.Time       `json:"timestamp"`
}

// MoneyTransferred is the payload of a wallet.money.transferred event,
// emitted once per transfer leg (debit, credit, refund) on the wallet
// that leg touches.
type MoneyTransferred struct {
	WalletID       string          `json:"walletId"`
	CounterpartyID string          `json:"counterpartyId"`
	Direction      Direction       `json:"direction"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter"`
	TransactionID  string          `json:"transactionId"`
	SagaID         string          `json:"sagaId"`
	Timestamp      time.Time       `json:"timestamp"`
}

// TransferInitiated is the payload of a wallet.transfer.initiated event.
type TransferInitiated struct {
	SagaID        string          `json:"sagaId"`
	FromWalletID  string          `json:"fromWalletId"`
	ToWalletID    string          `json:"toWalletId"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transactionId"`
	Timestamp     time.Time       `json:"timestamp"`
}

// SourceDebited is the payload of a wallet.transfer.source.debited event.
type SourceDebited struct {
	SagaID         string          `json:"sagaId"`
	WalletID       string          `json:"walletId"`
	CounterpartyID string          `json:"counterpartyId"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter"`
	TransactionID  string          `json:"transactionId"`
	Timestamp      time.Time       `json:"timestamp"`
}

// DestinationCredited is the payload of a
// wallet.transfer.destination.credited event.
type DestinationCredited struct {
	SagaID         string          `json:"sagaId"`
	WalletID       string          `json:"walletId"`
	CounterpartyID string          `json:"counterpartyId"`
	Amount         decimal.Decimal `json:"amount"`
	BalanceAfter   decimal.Decimal `json:"balanceAfter"`
	TransactionID  string          `json:"transactionId"`
	Timestamp      time.Time       `json:"timestamp"`
}

// TransferCompleted is the payload of a wallet.transfer.completed event.
type TransferCompleted struct {
	SagaID        string          `json:"sagaId"`
	FromWalletID  string          `json:"fromWalletId"`
	ToWalletID    string          `json:"toWalletId"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionID string          `json:"transactionId"`
	Timestamp     time.Time       `json:"timestamp"`
}

// CompensationInitiated is the payload of a
// wallet.transfer.compensation.initiated event.
type CompensationInitiated struct {
	SagaID        string          `json:"sagaId"`
	WalletID      string          `json:"walletId"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	TransactionID string          `json:"transactionId"`
	Timestamp     time.Time       `json:"timestamp"`
}

// SourceRefunded is the payload of a wallet.transfer.source.refunded event.
type SourceRefunded struct {
	SagaID        string          `json:"sagaId"`
	WalletID      string          `json:"walletId"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balanceAfter"`
	TransactionID string          `json:"transactionId"`
	Timestamp     time.Time       `json:"timestamp"`
}

// TransferFailed is the payload of a wallet.transfer.failed event.
type TransferFailed struct {
	SagaID        string          `json:"sagaId"`
	FromWalletID  string          `json:"fromWalletId"`
	ToWalletID    string          `json:"toWalletId"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	TransactionID string          `json:"transactionId"`
	Timestamp     time.Time       `json:"timestamp"`
}
