// Package runner manages the lifecycle of the service's long-lived
// components: broker, consumers, recovery scanner, HTTP server. It
// starts them in dependency order, stops them in reverse, and turns OS
// signals into a graceful shutdown.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Service is a component with explicit start and stop semantics.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start brings the service up. It must return once the service is
	// ready and must respect context cancellation.
	Start(ctx context.Context) error

	// Stop shuts the service down gracefully within the context deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is an optional interface services can implement.
type HealthChecker interface {
	Service

	// HealthCheck returns an error if the service is unhealthy.
	HealthCheck(ctx context.Context) error
}

// Runner starts services in order and stops them in reverse order.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	startupTimeout  time.Duration
	shutdownTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithStartupTimeout bounds each service's Start call. Default 1 minute.
func WithStartupTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = d
	}
}

// WithShutdownTimeout bounds the whole shutdown sequence. Default 30s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = d
	}
}

// New creates a Runner for the given services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		startupTimeout:  time.Minute,
		shutdownTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every service and blocks until the context is cancelled or
// a shutdown signal arrives, then stops the started services in reverse
// order. A failed Start stops the services that already started and
// returns the failure.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			r.logger.Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	var started []Service
	for _, svc := range r.services {
		r.logger.Info("starting service", "service", svc.Name())

		startCtx, startCancel := context.WithTimeout(ctx, r.startupTimeout)
		err := svc.Start(startCtx)
		startCancel()

		if err != nil {
			r.logger.Error("failed to start service", "service", svc.Name(), "error", err)
			r.stop(started)
			return fmt.Errorf("start service %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
	}

	r.logger.Info("all services started", "count", len(started))
	<-ctx.Done()

	r.logger.Info("shutting down", "timeout", r.shutdownTimeout)
	return r.stop(started)
}

// stop stops services in reverse start order, collecting errors.
func (r *Runner) stop(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		r.logger.Info("stopping service", "service", svc.Name())
		if err := svc.Stop(stopCtx); err != nil {
			r.logger.Error("error stopping service", "service", svc.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	r.logger.Info("all services stopped")
	return nil
}

// HealthCheck checks every service that implements HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, svc := range r.services {
		if hc, ok := svc.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
			}
		}
	}
	return nil
}
