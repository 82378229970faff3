package command

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/plaenen/walletd/pkg/eventsourcing"
	"github.com/plaenen/walletd/pkg/saga"
	"github.com/plaenen/walletd/pkg/wallet"
)

// Command type tags.
const (
	CommandDeposit  = "wallet.deposit"
	CommandWithdraw = "wallet.withdraw"
	CommandTransfer = "wallet.transfer"
)

// DepositCommand adds money to a wallet, creating it on first use.
type DepositCommand struct {
	WalletID string
	Amount   decimal.Decimal
}

func (DepositCommand) CommandType() string { return CommandDeposit }

// WithdrawCommand removes money from a wallet.
type WithdrawCommand struct {
	WalletID string
	Amount   decimal.Decimal
}

func (WithdrawCommand) CommandType() string { return CommandWithdraw }

// TransferCommand moves money between two wallets via the transfer saga.
type TransferCommand struct {
	FromWalletID string
	ToWalletID   string
	Amount       decimal.Decimal
}

func (TransferCommand) CommandType() string { return CommandTransfer }

// DepositResult is the outcome of a deposit.
type DepositResult struct {
	WalletID      string          `json:"walletId"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"newBalance"`
	TransactionID string          `json:"transactionId"`
}

// WithdrawResult is the outcome of a withdrawal.
type WithdrawResult struct {
	WalletID      string          `json:"walletId"`
	Amount        decimal.Decimal `json:"amount"`
	NewBalance    decimal.Decimal `json:"newBalance"`
	TransactionID string          `json:"transactionId"`
}

// TransferResult is the outcome of a transfer saga run. FromBalance and
// ToBalance are meaningful only for COMPLETED sagas.
type TransferResult struct {
	SagaID           string          `json:"sagaId"`
	FromWalletID     string          `json:"fromWalletId"`
	ToWalletID       string          `json:"toWalletId"`
	Amount           decimal.Decimal `json:"amount"`
	Status           saga.Status     `json:"status"`
	DebitTxID        string          `json:"debitTransactionId,omitempty"`
	CreditTxID       string          `json:"creditTransactionId,omitempty"`
	CompensationTxID string          `json:"compensationTransactionId,omitempty"`
	FromBalance      decimal.Decimal `json:"fromBalance"`
	ToBalance        decimal.Decimal `json:"toBalance"`
	ErrorMessage     string          `json:"error,omitempty"`
}

// WalletRepository is the slice of the wallet repository the mediator
// needs. Satisfied by *wallet.Repository.
type WalletRepository interface {
	Load(ctx context.Context, id string) (*wallet.Wallet, error)
	Execute(ctx context.Context, id string, op func(w *wallet.Wallet) error) (*wallet.Wallet, []*eventsourcing.Event, error)
}

// Mediator executes wallet commands: single-wallet commands go straight
// through the repository, transfers run the saga.
type Mediator struct {
	wallets WalletRepository
	store   eventsourcing.EventStore
	sagas   saga.Store
	bus     eventsourcing.EventBus
	logger  *slog.Logger
}

// MediatorOption configures a Mediator.
type MediatorOption func(*Mediator)

// WithLogger sets the mediator logger.
func WithLogger(logger *slog.Logger) MediatorOption {
	return func(m *Mediator) {
		m.logger = logger
	}
}

// NewMediator creates a command mediator.
func NewMediator(wallets WalletRepository, store eventsourcing.EventStore, sagas saga.Store, bus eventsourcing.EventBus, opts ...MediatorOption) *Mediator {
	m := &Mediator{
		wallets: wallets,
		store:   store,
		sagas:   sagas,
		bus:     bus,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterHandlers registers the mediator's command handlers on the bus.
func (m *Mediator) RegisterHandlers(bus *Bus) {
	bus.Register(CommandDeposit, func(ctx context.Context, cmd Command) (any, error) {
		c, ok := cmd.(DepositCommand)
		if !ok {
			return nil, fmt.Errorf("%w: expected DepositCommand, got %T", ErrInvalidCommand, cmd)
		}
		return m.Deposit(ctx, c)
	})
	bus.Register(CommandWithdraw, func(ctx context.Context, cmd Command) (any, error) {
		c, ok := cmd.(WithdrawCommand)
		if !ok {
			return nil, fmt.Errorf("%w: expected WithdrawCommand, got %T", ErrInvalidCommand, cmd)
		}
		return m.Withdraw(ctx, c)
	})
	bus.Register(CommandTransfer, func(ctx context.Context, cmd Command) (any, error) {
		c, ok := cmd.(TransferCommand)
		if !ok {
			return nil, fmt.Errorf("%w: expected TransferCommand, got %T", ErrInvalidCommand, cmd)
		}
		return m.Transfer(ctx, c)
	})
}

// Deposit adds money to the wallet, creating it implicitly on first use.
func (m *Mediator) Deposit(ctx context.Context, cmd DepositCommand) (*DepositResult, error) {
	if cmd.WalletID == "" {
		return nil, fmt.Errorf("%w: walletId is required", ErrInvalidCommand)
	}

	var payload *wallet.MoneyDeposited
	_, _, err := m.wallets.Execute(ctx, cmd.WalletID, func(w *wallet.Wallet) error {
		p, err := w.Deposit(cmd.Amount)
		if err != nil {
			return err
		}
		payload = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &DepositResult{
		WalletID:      payload.WalletID,
		Amount:        payload.Amount,
		NewBalance:    payload.BalanceAfter,
		TransactionID: payload.TransactionID,
	}, nil
}

// Withdraw removes money from the wallet. The wallet's funds invariant
// rejects overdrafts.
func (m *Mediator) Withdraw(ctx context.Context, cmd WithdrawCommand) (*WithdrawResult, error) {
	if cmd.WalletID == "" {
		return nil, fmt.Errorf("%w: walletId is required", ErrInvalidCommand)
	}

	var payload *wallet.MoneyWithdrawn
	_, _, err := m.wallets.Execute(ctx, cmd.WalletID, func(w *wallet.Wallet) error {
		p, err := w.Withdraw(cmd.Amount)
		if err != nil {
			return err
		}
		payload = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &WithdrawResult{
		WalletID:      payload.WalletID,
		Amount:        payload.Amount,
		NewBalance:    payload.BalanceAfter,
		TransactionID: payload.TransactionID,
	}, nil
}
