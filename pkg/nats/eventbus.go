// Package nats implements the event bus on NATS JetStream: durable
// subject-routed streams with at-least-once delivery, manual
// acknowledgment, and per-consumer dead-letter subjects.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/walletd/pkg/eventsourcing"
)

// Bus is a NATS-based implementation of eventsourcing.EventBus.
type Bus struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	streamName string
	mu         sync.RWMutex
	subs       map[string]*nats.Subscription
}

// Config holds configuration for the NATS event bus.
type Config struct {
	// URL is the NATS server URL
	URL string

	// StreamName is the JetStream stream name for wallet events
	StreamName string

	// StreamSubjects are the subjects the stream captures
	StreamSubjects []string

	// DLQStreamName is the stream capturing dead-lettered messages
	DLQStreamName string

	// MaxAge is how long to retain events in the stream
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64
}

// DefaultConfig returns sensible defaults for the wallet event bus.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		StreamName:     "WALLET",
		StreamSubjects: []string{"wallet.>"},
		DLQStreamName:  "WALLET_DLQ",
		MaxAge:         7 * 24 * time.Hour,
		MaxBytes:       1024 * 1024 * 1024, // 1 GB
	}
}

// NewBus connects to NATS and ensures the event and dead-letter streams
// exist.
func NewBus(config Config) (*Bus, error) {
	nc, err := nats.Connect(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bus := &Bus{
		nc:         nc,
		js:         js,
		streamName: config.StreamName,
		subs:       make(map[string]*nats.Subscription),
	}

	if err := bus.ensureStream(&nats.StreamConfig{
		Name:      config.StreamName,
		Subjects:  config.StreamSubjects,
		Retention: nats.LimitsPolicy,
		MaxAge:    config.MaxAge,
		MaxBytes:  config.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
		// Redelivered duplicates are dropped by message ID within this
		// window; consumers still dedupe by transaction ID beyond it.
		Duplicates: 2 * time.Minute,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	if err := bus.ensureStream(&nats.StreamConfig{
		Name:      config.DLQStreamName,
		Subjects:  []string{"dlq.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    config.MaxAge,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure DLQ stream: %w", err)
	}

	return bus, nil
}

func (b *Bus) ensureStream(config *nats.StreamConfig) error {
	_, err := b.js.StreamInfo(config.Name)
	if err != nil {
		if _, err := b.js.AddStream(config); err != nil {
			return fmt.Errorf("failed to create stream %s: %w", config.Name, err)
		}
		return nil
	}

	if _, err := b.js.UpdateStream(config); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", config.Name, err)
	}
	return nil
}

// Publish publishes each event to the subject named by its event type,
// wrapped in the wire envelope. The event ID doubles as the JetStream
// message ID so redelivered publishes deduplicate server-side.
func (b *Bus) Publish(ctx context.Context, events []*eventsourcing.Event) error {
	if len(events) == 0 {
		return nil
	}

	for _, event := range events {
		env := eventsourcing.Envelope{
			EventType:   event.EventType,
			Data:        event.Data,
			PublishedAt: eventsourcing.Now(),
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal envelope for event %s: %w", event.ID, err)
		}

		_, err = b.js.Publish(event.EventType, payload,
			nats.MsgId(event.ID), nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("failed to publish event %s: %w", event.ID, err)
		}
	}

	return nil
}

// Subscribe creates (or resumes) the named durable consumer bound to the
// given subjects. Deliveries are strictly sequential per consumer: the
// next message is not delivered until the previous one is acknowledged.
// A handler error dead-letters the message to dlq.<consumer> and
// terminates the delivery; redelivery only happens when the dead-letter
// publish itself fails.
func (b *Bus) Subscribe(consumer string, subjects []string, handler eventsourcing.EventHandler) (eventsourcing.Subscription, error) {
	if len(subjects) == 0 {
		return nil, fmt.Errorf("subscribe %s: at least one subject required", consumer)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subs[consumer]; exists {
		return nil, fmt.Errorf("consumer %s already subscribed", consumer)
	}

	opts := []nats.SubOpt{
		nats.BindStream(b.streamName),
		nats.Durable(consumer),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
		nats.MaxAckPending(1),
	}
	if len(subjects) > 1 {
		opts = append(opts, nats.ConsumerFilterSubjects(subjects...))
	}

	sub, err := b.js.Subscribe(subjects[0], func(msg *nats.Msg) {
		b.dispatch(consumer, msg, handler)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe consumer %s: %w", consumer, err)
	}

	b.subs[consumer] = sub
	return &subscription{bus: b, sub: sub, consumer: consumer}, nil
}

func (b *Bus) dispatch(consumer string, msg *nats.Msg, handler eventsourcing.EventHandler) {
	var env eventsourcing.Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		// Malformed payload: no retry will fix it.
		b.deadLetter(consumer, msg)
		return
	}

	if err := handler(context.Background(), &env); err != nil {
		b.deadLetter(consumer, msg)
		return
	}

	msg.Ack()
}

// deadLetter parks the raw message on the consumer's dead-letter subject
// and terminates the delivery. If parking fails the message is nacked so
// JetStream redelivers it; the message is never silently lost.
func (b *Bus) deadLetter(consumer string, msg *nats.Msg) {
	dlqMsg := nats.NewMsg("dlq." + consumer)
	dlqMsg.Data = msg.Data
	dlqMsg.Header.Set("Original-Subject", msg.Subject)

	if _, err := b.js.PublishMsg(dlqMsg); err != nil {
		msg.Nak()
		return
	}
	msg.Term()
}

// Close unsubscribes all consumers and closes the NATS connection.
// Durable consumer state survives on the server.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		// Drain, not Unsubscribe: deleting a durable consumer would
		// discard its delivery cursor.
		sub.Drain()
	}
	b.subs = make(map[string]*nats.Subscription)

	b.nc.Close()
	return nil
}

// Flush waits for all published messages to be processed by the server.
func (b *Bus) Flush() error {
	return b.nc.Flush()
}

// Connected reports whether the underlying connection is up.
func (b *Bus) Connected() bool {
	return b.nc.IsConnected()
}

type subscription struct {
	bus      *Bus
	sub      *nats.Subscription
	consumer string
}

// Unsubscribe detaches the consumer. Server-side durable state is kept
// so a later Subscribe with the same name resumes where it left off.
func (s *subscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	delete(s.bus.subs, s.consumer)
	return s.sub.Drain()
}

var _ eventsourcing.EventBus = (*Bus)(nil)
