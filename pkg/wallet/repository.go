package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/plaenen/walletd/pkg/eventsourcing"
)

// Repository provides the load-execute-append protocol for wallets:
// replay the stream, run the operation against the folded state, append
// the new events with the expected version, and hand the committed
// events to the publisher.
type Repository struct {
	store   eventsourcing.EventStore
	bus     eventsourcing.EventBus
	logger  *slog.Logger
	retries int
}

// repositoryConfig holds internal configuration for the repository.
type repositoryConfig struct {
	// retries is the number of automatic re-executions after a
	// concurrency conflict. Default 0: the conflict surfaces to the
	// caller, which retries at its own discretion.
	retries int

	logger *slog.Logger
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*repositoryConfig)

// WithConflictRetries sets how many times Execute re-loads and re-runs
// the operation after a concurrency conflict.
func WithConflictRetries(n int) RepositoryOption {
	return func(c *repositoryConfig) {
		c.retries = n
	}
}

// WithLogger sets the repository logger.
func WithLogger(logger *slog.Logger) RepositoryOption {
	return func(c *repositoryConfig) {
		c.logger = logger
	}
}

// NewRepository creates a wallet repository over the given store and
// publisher.
func NewRepository(store eventsourcing.EventStore, bus eventsourcing.EventBus, opts ...RepositoryOption) *Repository {
	config := repositoryConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&config)
	}
	return &Repository{
		store:   store,
		bus:     bus,
		logger:  config.logger,
		retries: config.retries,
	}
}

// Load replays a wallet from its event stream. An unknown id yields a
// wallet with zero balance at version 0; existence is implicit in
// having at least one event.
func (r *Repository) Load(ctx context.Context, id string) (*Wallet, error) {
	events, err := r.store.LoadEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}

	w := New(id)
	if err := w.Fold(events); err != nil {
		return nil, fmt.Errorf("failed to replay wallet %s: %w", id, err)
	}
	return w, nil
}

// Execute loads the wallet, runs op against it, and appends the events
// op produced with optimistic concurrency. On success the committed
// events are handed to the publisher best-effort: they are already in
// the log and a publish failure must not undo them.
func (r *Repository) Execute(ctx context.Context, id string, op func(w *Wallet) error) (*Wallet, []*eventsourcing.Event, error) {
	var lastErr error

	for attempt := 0; attempt <= r.retries; attempt++ {
		w, err := r.Load(ctx, id)
		if err != nil {
			return nil, nil, err
		}
		baseVersion := w.Version()

		if err := op(w); err != nil {
			return nil, nil, err
		}

		events := w.UncommittedEvents()
		if len(events) == 0 {
			return w, nil, nil
		}

		err = r.store.AppendEvents(ctx, id, baseVersion, events)
		if errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to append events: %w", err)
		}
		w.ClearUncommittedEvents()

		r.publish(ctx, events)
		return w, events, nil
	}

	return nil, nil, lastErr
}

func (r *Repository) publish(ctx context.Context, events []*eventsourcing.Event) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, events); err != nil {
		// The events are committed; consumers converge via rebuild.
		r.logger.Error("failed to publish committed events",
			"aggregate_id", events[0].AggregateID,
			"count", len(events),
			"error", err)
	}
}
