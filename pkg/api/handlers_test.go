package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/walletd/pkg/api"
	"github.com/plaenen/walletd/pkg/command"
	"github.com/plaenen/walletd/pkg/eventsourcing"
	"github.com/plaenen/walletd/pkg/idempotency"
	"github.com/plaenen/walletd/pkg/projection"
	"github.com/plaenen/walletd/pkg/sqlite"
	"github.com/plaenen/walletd/pkg/wallet"
)

// silentBus satisfies the event bus without a broker; handler tests
// exercise the HTTP contract, not delivery.
type silentBus struct{}

func (b *silentBus) Publish(ctx context.Context, events []*eventsourcing.Event) error {
	return nil
}

func (b *silentBus) Subscribe(consumer string, subjects []string, handler eventsourcing.EventHandler) (eventsourcing.Subscription, error) {
	return nil, nil
}

func (b *silentBus) Close() error { return nil }

type fixture struct {
	handler   http.Handler
	reads     *projection.Store
	idemStore idempotency.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	eventStore, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { eventStore.Close() })

	stateDB, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { stateDB.Close() })

	sagas, err := sqlite.NewSagaStore(stateDB)
	require.NoError(t, err)
	idemStore, err := sqlite.NewIdempotencyStore(stateDB)
	require.NoError(t, err)

	readDB, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { readDB.Close() })
	reads, err := projection.NewStore(readDB)
	require.NoError(t, err)

	bus := &silentBus{}
	repo := wallet.NewRepository(eventStore, bus, wallet.WithConflictRetries(10))
	mediator := command.NewMediator(repo, eventStore, sagas, bus)

	commands := command.NewBus()
	mediator.RegisterHandlers(commands)

	server := api.NewServer(commands, reads, eventStore, idemStore)
	return &fixture{
		handler:   server.Handler(),
		reads:     reads,
		idemStore: idemStore,
	}
}

func (f *fixture) post(t *testing.T, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(api.IdempotencyHeader, key)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func balanceOf(t *testing.T, body map[string]any, field string) string {
	t.Helper()
	raw, ok := body[field].(string)
	require.True(t, ok, "field %s missing or not a string: %v", field, body)
	d, err := decimal.NewFromString(raw)
	require.NoError(t, err)
	return d.StringFixed(2)
}

func TestMissingIdempotencyKey(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/deposit", "", `{"walletId":"w1","amount":"100"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeBody(t, rec)["error"], api.IdempotencyHeader)
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/deposit", "key-1", `{"walletId":"w1","amount":"100"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "100.00", balanceOf(t, body, "balance"))
}

func TestIdempotentReplayIgnoresNewBody(t *testing.T) {
	f := newFixture(t)

	first := f.post(t, "/deposit", "key-1", `{"walletId":"w1","amount":"100"}`)
	require.Equal(t, http.StatusCreated, first.Code)

	// Same key, different amount: the cached response wins.
	replay := f.post(t, "/deposit", "key-1", `{"walletId":"w1","amount":"999"}`)
	require.Equal(t, http.StatusCreated, replay.Code)

	body := decodeBody(t, replay)
	assert.Equal(t, true, body["_cached"])
	assert.Equal(t, "key-1", body["_idempotencyKey"])
	assert.Equal(t, "100.00", balanceOf(t, body, "balance"))
}

func TestKeyNamespaceIsGlobal(t *testing.T) {
	f := newFixture(t)

	first := f.post(t, "/deposit", "key-1", `{"walletId":"w1","amount":"100"}`)
	require.Equal(t, http.StatusCreated, first.Code)

	// Reusing the key on a different endpoint replays the deposit's
	// cached response; no withdrawal happens.
	replay := f.post(t, "/withdraw", "key-1", `{"walletId":"w1","amount":"50"}`)
	require.Equal(t, http.StatusCreated, replay.Code)

	body := decodeBody(t, replay)
	assert.Equal(t, true, body["_cached"])
	assert.Equal(t, "deposit completed", body["message"])
	assert.Equal(t, "100.00", balanceOf(t, body, "balance"))
}

func TestInProgressKeyConflicts(t *testing.T) {
	f := newFixture(t)

	// Claim the key as another in-flight worker would.
	outcome, _, err := f.idemStore.CheckAndLock(context.Background(), "key-busy")
	require.NoError(t, err)
	require.Equal(t, idempotency.OutcomeNew, outcome)

	rec := f.post(t, "/deposit", "key-busy", `{"walletId":"w1","amount":"100"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/deposit", "key-1", `{"walletId":"w1","amount":"100"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	// A domain failure, not a protocol error: still 201.
	rec = f.post(t, "/withdraw", "key-2", `{"walletId":"w1","amount":"500"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "insufficient funds")
}

func TestValidationErrorDoesNotConsumeKey(t *testing.T) {
	f := newFixture(t)

	// Truncated JSON is rejected before any command runs.
	rec := f.post(t, "/deposit", "key-1", `{"walletId":"w1","amount":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// The corrected retry with the same key executes; the error was not
	// cached.
	rec = f.post(t, "/deposit", "key-1", `{"walletId":"w1","amount":"100"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotContains(t, body, "_cached")
	assert.Equal(t, "100.00", balanceOf(t, body, "balance"))
}

func TestDomainFailureIsCached(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusCreated, f.post(t, "/deposit", "key-1", `{"walletId":"w1","amount":"100"}`).Code)

	// Insufficient funds is a completed command (201, success:false) and
	// stays cacheable under its key.
	rec := f.post(t, "/withdraw", "key-2", `{"walletId":"w1","amount":"500"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, false, decodeBody(t, rec)["success"])

	replay := f.post(t, "/withdraw", "key-2", `{"walletId":"w1","amount":"500"}`)
	require.Equal(t, http.StatusCreated, replay.Code)

	body := decodeBody(t, replay)
	assert.Equal(t, true, body["_cached"])
	assert.Equal(t, false, body["success"])
}

func TestUnknownFieldRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/deposit", "key-1", `{"walletId":"w1","amount":"100","bogus":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInvalidAmount(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, "/deposit", "key-1", `{"walletId":"w1","amount":"-5"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransfer(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusCreated, f.post(t, "/deposit", "key-1", `{"walletId":"wA","amount":"500"}`).Code)
	require.Equal(t, http.StatusCreated, f.post(t, "/deposit", "key-2", `{"walletId":"wB","amount":"500"}`).Code)

	rec := f.post(t, "/transfer", "key-3", `{"fromWalletId":"wA","toWalletId":"wB","amount":"200"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["sagaId"])
	assert.Equal(t, "300.00", balanceOf(t, body, "fromBalance"))
	assert.Equal(t, "700.00", balanceOf(t, body, "toBalance"))
}

func TestTransferInsufficientFunds(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, http.StatusCreated, f.post(t, "/deposit", "key-1", `{"walletId":"wA","amount":"100"}`).Code)

	rec := f.post(t, "/transfer", "key-2", `{"fromWalletId":"wA","toWalletId":"wB","amount":"1000"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "transfer failed", body["message"])
	assert.NotEmpty(t, body["sagaId"])
}

func TestBalance(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.reads.UpsertWalletBalance(context.Background(), "w1", decimal.NewFromInt(250), time.Now()))

	rec := f.get(t, "/balance/w1")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "w1", body["id"])
	assert.Equal(t, "250.00", balanceOf(t, body, "balance"))
}

func TestBalanceUnknownWallet(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/balance/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTransactionsEmpty(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/transactions/ghost")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestPing(t *testing.T) {
	f := newFixture(t)

	rec := f.get(t, "/ping")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["commandService"])
	assert.Equal(t, "ok", body["queryService"])
}
