package projection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/plaenen/walletd/pkg/eventsourcing"
)

// Service runs the projection consumer as a managed subscription.
type Service struct {
	bus      eventsourcing.EventBus
	consumer *Consumer
	sub      eventsourcing.Subscription
	logger   *slog.Logger
}

// NewService wires the consumer to the event bus under the runner
// lifecycle.
func NewService(bus eventsourcing.EventBus, consumer *Consumer, logger *slog.Logger) *Service {
	return &Service{bus: bus, consumer: consumer, logger: logger}
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return ConsumerName
}

// Start subscribes the durable projection consumer. Delivery resumes
// from the consumer's stored cursor.
func (s *Service) Start(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ConsumerName, Subjects, s.consumer.Handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe projection consumer: %w", err)
	}
	s.sub = sub
	s.logger.Info("projection consumer subscribed", "subjects", Subjects)
	return nil
}

// Stop detaches the subscription, keeping the durable cursor.
func (s *Service) Stop(ctx context.Context) error {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to unsubscribe projection consumer: %w", err)
		}
	}
	return nil
}
