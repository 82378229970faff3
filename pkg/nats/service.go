package nats

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/plaenen/walletd/pkg/eventsourcing"
)

// Service adapts the event bus (and, optionally, an embedded NATS
// server) to the runner lifecycle: the broker connection comes up before
// the consumers that depend on it and is closed after they stop.
type Service struct {
	config   Config
	embedded bool
	server   *EmbeddedServer
	bus      *Bus
	logger   *slog.Logger
	tracer   trace.Tracer
}

// ServiceOption configures the event bus service.
type ServiceOption func(*Service)

// WithConfig sets the NATS configuration.
func WithConfig(config Config) ServiceOption {
	return func(s *Service) {
		s.config = config
	}
}

// WithEmbeddedServer makes Start run an in-process NATS server and
// connect the bus to it, ignoring the configured URL.
func WithEmbeddedServer() ServiceOption {
	return func(s *Service) {
		s.embedded = true
	}
}

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// NewService creates an event bus service for use with the runner.
func NewService(opts ...ServiceOption) *Service {
	s := &Service{
		config: DefaultConfig(),
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("eventbus"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name for logging.
func (s *Service) Name() string {
	return "eventbus"
}

// Start brings up the embedded server when configured and connects the
// bus.
func (s *Service) Start(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "eventbus.Start")
	defer span.End()

	if s.embedded {
		srv, err := StartEmbeddedServer()
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		s.server = srv
		s.config.URL = srv.URL()
		s.logger.Info("embedded NATS server started", "url", srv.URL())
	}

	bus, err := NewBus(s.config)
	if err != nil {
		if s.server != nil {
			s.server.Shutdown()
		}
		return fmt.Errorf("failed to create event bus: %w", err)
	}
	s.bus = bus

	s.logger.Info("event bus connected",
		"url", s.config.URL,
		"stream", s.config.StreamName)
	return nil
}

// Stop closes the bus and shuts down the embedded server if one was
// started.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "eventbus.Stop")
	defer span.End()

	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			return fmt.Errorf("failed to close event bus: %w", err)
		}
	}
	if s.server != nil {
		s.server.Shutdown()
	}

	s.logger.Info("event bus stopped")
	return nil
}

// HealthCheck reports whether the broker connection is alive.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.bus == nil || !s.bus.Connected() {
		return fmt.Errorf("not connected to NATS")
	}
	return nil
}

// Bus returns the connected event bus. Only valid after Start.
func (s *Service) Bus() *Bus {
	return s.bus
}

// The service doubles as an eventsourcing.EventBus by delegating to the
// connected bus. This lets dependents be wired before the runner starts
// the broker.

// Publish forwards to the connected bus.
func (s *Service) Publish(ctx context.Context, events []*eventsourcing.Event) error {
	if s.bus == nil {
		return fmt.Errorf("event bus not started")
	}
	return s.bus.Publish(ctx, events)
}

// Subscribe forwards to the connected bus.
func (s *Service) Subscribe(consumer string, subjects []string, handler eventsourcing.EventHandler) (eventsourcing.Subscription, error) {
	if s.bus == nil {
		return nil, fmt.Errorf("event bus not started")
	}
	return s.bus.Subscribe(consumer, subjects, handler)
}

// Close closes the connected bus.
func (s *Service) Close() error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Close()
}

var _ eventsourcing.EventBus = (*Service)(nil)
