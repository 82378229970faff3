package eventsourcing

import (
	"encoding/json"
	"fmt"
)

// AggregateRoot provides base functionality for event-sourced aggregates.
// Use this as an embedded type in aggregate implementations.
type AggregateRoot struct {
	id                string
	aggregateType     string
	version           int64
	uncommittedEvents []*Event
}

// NewAggregateRoot creates a new aggregate root with the given ID and type.
func NewAggregateRoot(id, aggregateType string) AggregateRoot {
	return AggregateRoot{
		id:            id,
		aggregateType: aggregateType,
	}
}

// ID returns the aggregate's unique identifier.
func (a *AggregateRoot) ID() string {
	return a.id
}

// Type returns the aggregate's type name.
func (a *AggregateRoot) Type() string {
	return a.aggregateType
}

// Version returns the aggregate's current version.
func (a *AggregateRoot) Version() int64 {
	return a.version
}

// UncommittedEvents returns events that haven't been persisted yet.
func (a *AggregateRoot) UncommittedEvents() []*Event {
	return a.uncommittedEvents
}

// ClearUncommittedEvents clears the uncommitted events list after they
// have been persisted.
func (a *AggregateRoot) ClearUncommittedEvents() {
	a.uncommittedEvents = nil
}

// Record applies a new event produced by the aggregate. The payload is
// serialized to JSON and the aggregate's version is incremented.
func (a *AggregateRoot) Record(eventType, transactionID string, payload any, metadata EventMetadata) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	evt := &Event{
		ID:            NewEventID(),
		AggregateID:   a.id,
		AggregateType: a.aggregateType,
		EventType:     eventType,
		Version:       a.version + 1,
		Timestamp:     Now(),
		TransactionID: transactionID,
		Data:          data,
		Metadata:      metadata,
	}

	a.uncommittedEvents = append(a.uncommittedEvents, evt)
	a.version++

	return evt, nil
}

// AdvanceVersion records that an event loaded from history has been
// applied. Called by aggregates while folding their event stream.
func (a *AggregateRoot) AdvanceVersion(v int64) {
	if v > a.version {
		a.version = v
	}
}
