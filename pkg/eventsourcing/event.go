package eventsourcing

import (
	"context"
	"encoding/json"
	"time"
)

// Event represents a domain event that has occurred in the system.
// Events are immutable facts about state changes; once appended to the
// store they are never updated or deleted.
type Event struct {
	// ID is the unique, sortable identifier for this event
	ID string

	// AggregateID is the identifier of the aggregate this event belongs to
	AggregateID string

	// AggregateType is the type name of the aggregate (e.g. "wallet", "transfer_saga")
	AggregateType string

	// EventType is the routing key of the event (e.g. "wallet.money.deposited")
	EventType string

	// Version is the version of the aggregate after applying this event.
	// Versions for a given aggregate are 1..N with no gaps.
	Version int64

	// Timestamp is when the event was created
	Timestamp time.Time

	// TransactionID ties the event to a single wallet-affecting operation.
	// Projections use it for deduplication.
	TransactionID string

	// Data is the JSON payload of the event
	Data json.RawMessage

	// Metadata contains additional contextual information
	Metadata EventMetadata

	// Position is the event's global position in the log, assigned on
	// append. Zero for events not yet persisted.
	Position int64
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the command that caused this event
	CausationID string `json:"causationId,omitempty"`

	// CorrelationID traces related events across aggregates.
	// For transfer events this is the saga ID.
	CorrelationID string `json:"correlationId,omitempty"`

	// Custom allows for application-specific metadata
	Custom map[string]string `json:"custom,omitempty"`
}

// EventStore defines the interface for persisting and retrieving events.
type EventStore interface {
	// AppendEvents appends events to an aggregate's stream atomically:
	// either all events are persisted with versions expectedVersion+1..+N,
	// or none are. Returns ErrConcurrencyConflict if expectedVersion does
	// not match the aggregate's current version.
	AppendEvents(ctx context.Context, aggregateID string, expectedVersion int64, events []*Event) error

	// LoadEvents loads all events for an aggregate ordered by version
	// ascending. An unknown aggregate yields an empty slice, not an error.
	LoadEvents(ctx context.Context, aggregateID string) ([]*Event, error)

	// LoadAllEvents loads events across all aggregates ordered by global
	// position, for projection rebuilds and audit.
	LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*Event, error)

	// AggregateVersion returns the current version of an aggregate.
	// Returns 0 if the aggregate doesn't exist.
	AggregateVersion(ctx context.Context, aggregateID string) (int64, error)

	// Close closes the event store and releases resources.
	Close() error
}

// Envelope is the wire format of an event on the bus.
type Envelope struct {
	EventType   string          `json:"eventType"`
	Data        json.RawMessage `json:"data"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// EventHandler processes a delivered event. Returning an error rejects
// the delivery; the bus routes rejected messages to the consumer's
// dead-letter queue without requeueing.
type EventHandler func(ctx context.Context, env *Envelope) error

// EventBus publishes committed events to durable, subject-routed queues
// and delivers them to independent consumers with at-least-once
// semantics and manual acknowledgment.
type EventBus interface {
	// Publish publishes committed events. Publish is best-effort from the
	// caller's perspective: the events are already in the log and a
	// publish failure must not roll them back.
	Publish(ctx context.Context, events []*Event) error

	// Subscribe creates (or resumes) the named durable consumer bound to
	// the given subjects and delivers matching events one at a time.
	Subscribe(consumer string, subjects []string, handler EventHandler) (Subscription, error)

	// Close closes the event bus and releases resources.
	Close() error
}

// Subscription represents an active event subscription.
type Subscription interface {
	// Unsubscribe stops receiving events. The durable consumer state is
	// retained so a later Subscribe with the same name resumes delivery.
	Unsubscribe() error
}
