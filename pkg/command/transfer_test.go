package command_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/walletd/pkg/command"
	"github.com/plaenen/walletd/pkg/saga"
	"github.com/plaenen/walletd/pkg/wallet"
)

func TestTransferSuccess(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "wA", 500)
	f.deposit(t, "wB", 500)

	res, err := f.mediator.Transfer(context.Background(), command.TransferCommand{
		FromWalletID: "wA",
		ToWalletID:   "wB",
		Amount:       decimal.NewFromInt(200),
	})
	require.NoError(t, err)

	assert.Equal(t, saga.StatusCompleted, res.Status)
	assert.NotEmpty(t, res.DebitTxID)
	assert.NotEmpty(t, res.CreditTxID)
	assert.Equal(t, "300.00", res.FromBalance.StringFixed(2))
	assert.Equal(t, "700.00", res.ToBalance.StringFixed(2))

	assert.Equal(t, "300.00", f.balance(t, "wA"))
	assert.Equal(t, "700.00", f.balance(t, "wB"))
	assert.Equal(t, saga.StatusCompleted, sagaStatus(t, f, res.SagaID))

	// The saga's own stream records the full lifecycle.
	events, err := f.store.LoadEvents(context.Background(), res.SagaID)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, evt := range events {
		types[i] = evt.EventType
		assert.Equal(t, saga.AggregateType, evt.AggregateType)
		assert.Equal(t, res.SagaID, evt.Metadata.CorrelationID)
	}
	assert.Equal(t, []string{
		wallet.EventTransferInitiated,
		wallet.EventSourceDebited,
		wallet.EventDestinationCredited,
		wallet.EventTransferCompleted,
	}, types)
}

func TestTransferConservation(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "wA", 500)
	f.deposit(t, "wB", 500)

	done := make(chan error, 2)
	go func() {
		_, err := f.mediator.Transfer(context.Background(), command.TransferCommand{
			FromWalletID: "wA", ToWalletID: "wB", Amount: decimal.NewFromInt(200),
		})
		done <- err
	}()
	go func() {
		_, err := f.mediator.Transfer(context.Background(), command.TransferCommand{
			FromWalletID: "wB", ToWalletID: "wA", Amount: decimal.NewFromInt(200),
		})
		done <- err
	}()
	<-done
	<-done

	a, err := decimal.NewFromString(f.balance(t, "wA"))
	require.NoError(t, err)
	b, err := decimal.NewFromString(f.balance(t, "wB"))
	require.NoError(t, err)

	// Money is conserved and no balance goes negative, whatever the
	// interleaving.
	assert.Equal(t, "1000.00", a.Add(b).StringFixed(2))
	assert.False(t, a.IsNegative())
	assert.False(t, b.IsNegative())
}

func TestTransferInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "wA", 100)

	res, err := f.mediator.Transfer(context.Background(), command.TransferCommand{
		FromWalletID: "wA",
		ToWalletID:   "wB",
		Amount:       decimal.NewFromInt(1000),
	})
	require.ErrorIs(t, err, command.ErrTransferFailed)
	require.ErrorIs(t, err, wallet.ErrInsufficientFunds)

	assert.Equal(t, saga.StatusFailed, res.Status)
	assert.Empty(t, res.DebitTxID)
	assert.Equal(t, "100.00", f.balance(t, "wA"))
	assert.Equal(t, saga.StatusFailed, sagaStatus(t, f, res.SagaID))
}

func TestTransferValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.mediator.Transfer(context.Background(), command.TransferCommand{
		FromWalletID: "wA",
		Amount:       decimal.NewFromInt(10),
	})
	require.ErrorIs(t, err, command.ErrInvalidCommand)

	_, err = f.mediator.Transfer(context.Background(), command.TransferCommand{
		FromWalletID: "wA",
		ToWalletID:   "wB",
		Amount:       decimal.NewFromInt(-1),
	})
	require.ErrorIs(t, err, wallet.ErrInvalidAmount)
}

func TestTransferCompensation(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "wA", 100)

	// The destination's first write fails; the debit must be refunded.
	f.repo.failCall("wB", 1)

	res, err := f.mediator.Transfer(context.Background(), command.TransferCommand{
		FromWalletID: "wA",
		ToWalletID:   "wB",
		Amount:       decimal.NewFromInt(100),
	})
	require.ErrorIs(t, err, command.ErrTransferFailed)

	assert.Equal(t, saga.StatusFailed, res.Status)
	assert.NotEmpty(t, res.DebitTxID)
	assert.NotEmpty(t, res.CompensationTxID)
	assert.Equal(t, "100.00", f.balance(t, "wA"))
	assert.Equal(t, saga.StatusFailed, sagaStatus(t, f, res.SagaID))

	events, err := f.store.LoadEvents(context.Background(), res.SagaID)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, evt := range events {
		types[i] = evt.EventType
	}
	assert.Equal(t, []string{
		wallet.EventTransferInitiated,
		wallet.EventSourceDebited,
		wallet.EventCompensationInitiated,
		wallet.EventSourceRefunded,
		wallet.EventTransferFailed,
	}, types)
}

func TestTransferStuckCompensating(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "wA", 100)

	// Credit fails, then the refund fails too: the saga parks in
	// COMPENSATING for the recovery scanner.
	f.repo.failCall("wB", 1)
	f.repo.failCall("wA", 3) // wA calls: deposit, debit, refund

	res, err := f.mediator.Transfer(context.Background(), command.TransferCommand{
		FromWalletID: "wA",
		ToWalletID:   "wB",
		Amount:       decimal.NewFromInt(100),
	})
	require.ErrorIs(t, err, command.ErrTransferFailed)

	assert.Equal(t, saga.StatusCompensating, res.Status)
	assert.Equal(t, "0.00", f.balance(t, "wA"))
	assert.Equal(t, saga.StatusCompensating, sagaStatus(t, f, res.SagaID))
}

func TestResumeStuckRetriesRefund(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "wA", 100)

	f.repo.failCall("wB", 1)
	f.repo.failCall("wA", 3)

	res, err := f.mediator.Transfer(context.Background(), command.TransferCommand{
		FromWalletID: "wA",
		ToWalletID:   "wB",
		Amount:       decimal.NewFromInt(100),
	})
	require.ErrorIs(t, err, command.ErrTransferFailed)
	require.Equal(t, saga.StatusCompensating, res.Status)

	// The failure cleared; the sweep drives the saga home.
	resolved, err := f.mediator.ResumeStuck(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	assert.Equal(t, saga.StatusFailed, sagaStatus(t, f, res.SagaID))
	assert.Equal(t, "100.00", f.balance(t, "wA"))
}

func TestResumeStuckClosesInitiated(t *testing.T) {
	f := newFixture(t)

	// A saga that crashed before its debit.
	ts := &saga.TransferSaga{
		ID:           "orphan",
		FromWalletID: "wA",
		ToWalletID:   "wB",
		Amount:       decimal.NewFromInt(50),
		Status:       saga.StatusInitiated,
	}
	require.NoError(t, f.sagas.Insert(context.Background(), ts))

	resolved, err := f.mediator.ResumeStuck(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, saga.StatusFailed, sagaStatus(t, f, "orphan"))
}

func TestResumeStuckCompensatesSourceDebited(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "wA", 100)

	f.repo.failCall("wB", 1)
	f.repo.failCall("wA", 3)

	res, err := f.mediator.Transfer(context.Background(), command.TransferCommand{
		FromWalletID: "wA",
		ToWalletID:   "wB",
		Amount:       decimal.NewFromInt(40),
	})
	require.ErrorIs(t, err, command.ErrTransferFailed)

	// Rewind the saga to SOURCE_DEBITED, as if the process died before
	// compensation started.
	ts, err := f.sagas.Get(context.Background(), res.SagaID)
	require.NoError(t, err)
	ts.Status = saga.StatusSourceDebited
	require.NoError(t, f.sagas.Update(context.Background(), ts))

	resolved, err := f.mediator.ResumeStuck(context.Background(), time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	assert.Equal(t, saga.StatusFailed, sagaStatus(t, f, res.SagaID))
	assert.Equal(t, "100.00", f.balance(t, "wA"))
}

func TestSelfTransferIsNetZero(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, "wA", 100)

	res, err := f.mediator.Transfer(context.Background(), command.TransferCommand{
		FromWalletID: "wA",
		ToWalletID:   "wA",
		Amount:       decimal.NewFromInt(30),
	})
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, res.Status)
	assert.Equal(t, "100.00", f.balance(t, "wA"))
}
