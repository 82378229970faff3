package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/walletd/pkg/eventsourcing"
	"github.com/plaenen/walletd/pkg/idempotency"
	"github.com/plaenen/walletd/pkg/sqlite"
)

func newIdempotencyStore(t *testing.T, opts ...sqlite.IdempotencyOption) *sqlite.IdempotencyStore {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := sqlite.NewIdempotencyStore(db, opts...)
	require.NoError(t, err)
	return store
}

func TestCheckAndLockNewKey(t *testing.T) {
	store := newIdempotencyStore(t)

	outcome, cached, err := store.CheckAndLock(context.Background(), "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeNew, outcome)
	assert.Nil(t, cached)
}

func TestCheckAndLockInProgress(t *testing.T) {
	store := newIdempotencyStore(t)
	ctx := context.Background()

	_, _, err := store.CheckAndLock(ctx, "k1")
	require.NoError(t, err)

	// Second claim on a live lock is refused.
	outcome, _, err := store.CheckAndLock(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeInProgress, outcome)
}

func TestCompleteThenReplay(t *testing.T) {
	store := newIdempotencyStore(t)
	ctx := context.Background()

	_, _, err := store.CheckAndLock(ctx, "k1")
	require.NoError(t, err)

	response := []byte(`{"success":true,"balance":"100.00"}`)
	require.NoError(t, store.Complete(ctx, "k1", response))

	outcome, cached, err := store.CheckAndLock(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeCompleted, outcome)
	assert.Equal(t, response, cached)
}

func TestReleaseFreesKey(t *testing.T) {
	store := newIdempotencyStore(t)
	ctx := context.Background()

	_, _, err := store.CheckAndLock(ctx, "k1")
	require.NoError(t, err)
	require.NoError(t, store.Release(ctx, "k1"))

	outcome, _, err := store.CheckAndLock(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeNew, outcome)
}

func TestReleaseCompletedKeyFails(t *testing.T) {
	store := newIdempotencyStore(t)
	ctx := context.Background()

	_, _, err := store.CheckAndLock(ctx, "k1")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "k1", []byte(`{}`)))

	// Completed records are not releasable; the cached response stands.
	require.ErrorIs(t, store.Release(ctx, "k1"), idempotency.ErrKeyNotFound)
}

func TestCompleteUnknownKeyFails(t *testing.T) {
	store := newIdempotencyStore(t)
	require.ErrorIs(t, store.Complete(context.Background(), "ghost", nil), idempotency.ErrKeyNotFound)
}

func TestExpiredKeyIsReclaimable(t *testing.T) {
	store := newIdempotencyStore(t, sqlite.WithTTL(time.Hour))
	ctx := context.Background()

	base := time.Now()
	eventsourcing.TimeFunc = func() time.Time { return base }
	t.Cleanup(func() { eventsourcing.TimeFunc = time.Now })

	_, _, err := store.CheckAndLock(ctx, "k1")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, "k1", []byte(`{}`)))

	// Within the TTL the cached response is served.
	outcome, _, err := store.CheckAndLock(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeCompleted, outcome)

	// Past the TTL the key is gone and can be claimed fresh.
	eventsourcing.TimeFunc = func() time.Time { return base.Add(time.Hour + time.Second) }

	outcome, cached, err := store.CheckAndLock(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeNew, outcome)
	assert.Nil(t, cached)
}

func TestCleanExpired(t *testing.T) {
	store := newIdempotencyStore(t, sqlite.WithTTL(time.Minute))
	ctx := context.Background()

	base := time.Now()
	eventsourcing.TimeFunc = func() time.Time { return base }
	t.Cleanup(func() { eventsourcing.TimeFunc = time.Now })

	for _, key := range []string{"a", "b", "c"} {
		_, _, err := store.CheckAndLock(ctx, key)
		require.NoError(t, err)
	}

	eventsourcing.TimeFunc = func() time.Time { return base.Add(2 * time.Minute) }

	deleted, err := store.CleanExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), deleted)
}
