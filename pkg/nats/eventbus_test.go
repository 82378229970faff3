package nats_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/walletd/pkg/eventsourcing"
	natspkg "github.com/plaenen/walletd/pkg/nats"
)

func makeEvent(id, eventType string, payload string) *eventsourcing.Event {
	return &eventsourcing.Event{
		ID:            id,
		AggregateID:   "w1",
		AggregateType: "wallet",
		EventType:     eventType,
		Version:       1,
		Timestamp:     time.Now(),
		TransactionID: "tx-" + id,
		Data:          json.RawMessage(payload),
	}
}

func TestEventBus(t *testing.T) {
	bus, srv, err := natspkg.NewEmbeddedBus()
	require.NoError(t, err)
	defer srv.Shutdown()
	defer bus.Close()

	ctx := context.Background()

	t.Run("PublishAndSubscribe", func(t *testing.T) {
		received := make(chan *eventsourcing.Envelope, 1)

		sub, err := bus.Subscribe("roundtrip", []string{"wallet.money.deposited"},
			func(ctx context.Context, env *eventsourcing.Envelope) error {
				received <- env
				return nil
			})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		err = bus.Publish(ctx, []*eventsourcing.Event{
			makeEvent("evt-1", "wallet.money.deposited", `{"walletId":"w1","amount":"100.00"}`),
		})
		require.NoError(t, err)

		select {
		case env := <-received:
			assert.Equal(t, "wallet.money.deposited", env.EventType)
			assert.JSONEq(t, `{"walletId":"w1","amount":"100.00"}`, string(env.Data))
			assert.False(t, env.PublishedAt.IsZero())
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for event")
		}
	})

	t.Run("DuplicatePublishIsDeduplicated", func(t *testing.T) {
		received := make(chan *eventsourcing.Envelope, 4)

		sub, err := bus.Subscribe("dedup", []string{"wallet.money.withdrawn"},
			func(ctx context.Context, env *eventsourcing.Envelope) error {
				received <- env
				return nil
			})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		// Same event ID published twice: the broker drops the second.
		evt := makeEvent("evt-dup", "wallet.money.withdrawn", `{"walletId":"w1"}`)
		require.NoError(t, bus.Publish(ctx, []*eventsourcing.Event{evt}))
		require.NoError(t, bus.Publish(ctx, []*eventsourcing.Event{evt}))

		select {
		case <-received:
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for first delivery")
		}

		select {
		case <-received:
			t.Fatal("duplicate publish was delivered")
		case <-time.After(500 * time.Millisecond):
		}
	})

	t.Run("HandlerErrorDeadLetters", func(t *testing.T) {
		// Watch the dead-letter stream directly.
		nc, err := natsgo.Connect(srv.URL())
		require.NoError(t, err)
		defer nc.Close()
		js, err := nc.JetStream()
		require.NoError(t, err)
		dlqSub, err := js.SubscribeSync("dlq.failing")
		require.NoError(t, err)
		defer dlqSub.Unsubscribe()

		delivered := make(chan string, 2)
		sub, err := bus.Subscribe("failing", []string{"wallet.transfer.completed"},
			func(ctx context.Context, env *eventsourcing.Envelope) error {
				var data map[string]string
				if err := json.Unmarshal(env.Data, &data); err != nil {
					return err
				}
				delivered <- data["sagaId"]
				if data["sagaId"] == "poison" {
					return errors.New("cannot process")
				}
				return nil
			})
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, bus.Publish(ctx, []*eventsourcing.Event{
			makeEvent("evt-poison", "wallet.transfer.completed", `{"sagaId":"poison"}`),
			makeEvent("evt-ok", "wallet.transfer.completed", `{"sagaId":"ok"}`),
		}))

		// The poison message is parked, not redelivered, and the
		// consumer moves on to the next message.
		assert.Equal(t, "poison", waitFor(t, delivered))
		assert.Equal(t, "ok", waitFor(t, delivered))

		dlqMsg, err := dlqSub.NextMsg(5 * time.Second)
		require.NoError(t, err)
		var env eventsourcing.Envelope
		require.NoError(t, json.Unmarshal(dlqMsg.Data, &env))
		assert.JSONEq(t, `{"sagaId":"poison"}`, string(env.Data))
		assert.Equal(t, "wallet.transfer.completed", dlqMsg.Header.Get("Original-Subject"))
	})
}

func waitFor(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for delivery")
		return ""
	}
}

func TestServiceLifecycle(t *testing.T) {
	svc := natspkg.NewService(natspkg.WithEmbeddedServer())

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop(context.Background())

	require.NoError(t, svc.HealthCheck(context.Background()))
	require.NotNil(t, svc.Bus())

	// The service fronts the bus directly.
	err := svc.Publish(context.Background(), []*eventsourcing.Event{
		makeEvent("evt-svc", "wallet.money.deposited", `{"walletId":"w1"}`),
	})
	require.NoError(t, err)

	require.NoError(t, svc.Stop(context.Background()))
}
