package recovery_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/walletd/pkg/recovery"
)

type stubResumer struct {
	sweeps atomic.Int32
	err    error

	gotCutoff time.Time
	gotLimit  int
}

func (r *stubResumer) ResumeStuck(ctx context.Context, updatedBefore time.Time, limit int) (int, error) {
	r.sweeps.Add(1)
	r.gotCutoff = updatedBefore
	r.gotLimit = limit
	if r.err != nil {
		return 0, r.err
	}
	return 2, nil
}

func TestSweepPassesCutoffAndBatch(t *testing.T) {
	resumer := &stubResumer{}
	scanner := recovery.New(resumer,
		recovery.WithMaxAge(time.Minute),
		recovery.WithBatchSize(7))

	before := time.Now().Add(-time.Minute)
	scanner.Sweep(context.Background())

	assert.Equal(t, int32(1), resumer.sweeps.Load())
	assert.Equal(t, 7, resumer.gotLimit)
	// Cutoff is maxAge in the past.
	assert.WithinDuration(t, before, resumer.gotCutoff, 5*time.Second)
}

func TestSweepErrorDoesNotPanic(t *testing.T) {
	resumer := &stubResumer{err: errors.New("db gone")}
	scanner := recovery.New(resumer)

	scanner.Sweep(context.Background())
	assert.Equal(t, int32(1), resumer.sweeps.Load())
}

func TestScannerLoop(t *testing.T) {
	resumer := &stubResumer{}
	scanner := recovery.New(resumer, recovery.WithInterval(10*time.Millisecond))

	require.NoError(t, scanner.Start(context.Background()))

	deadline := time.After(2 * time.Second)
	for resumer.sweeps.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("scanner never swept")
		case <-time.After(5 * time.Millisecond):
		}
	}

	require.NoError(t, scanner.Stop(context.Background()))
}

func TestStopBeforeStart(t *testing.T) {
	scanner := recovery.New(&stubResumer{})
	require.NoError(t, scanner.Stop(context.Background()))
}
