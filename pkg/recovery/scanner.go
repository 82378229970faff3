// Package recovery drives stalled transfer sagas to a terminal state.
// A saga stalls when the process crashes or the broker is unreachable
// between its steps; the scanner periodically sweeps for sagas that have
// not progressed and resumes them.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Resumer resolves stuck sagas. Satisfied by *command.Mediator.
type Resumer interface {
	ResumeStuck(ctx context.Context, updatedBefore time.Time, limit int) (int, error)
}

// Scanner is a runner service sweeping for stalled sagas on a fixed
// interval.
type Scanner struct {
	resumer  Resumer
	interval time.Duration
	maxAge   time.Duration
	batch    int
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithInterval sets the sweep interval. Default 30s.
func WithInterval(d time.Duration) Option {
	return func(s *Scanner) {
		s.interval = d
	}
}

// WithMaxAge sets how long a saga may sit without progress before it is
// considered stalled. Default 1 minute.
func WithMaxAge(d time.Duration) Option {
	return func(s *Scanner) {
		s.maxAge = d
	}
}

// WithBatchSize caps how many sagas one sweep resumes. Default 50.
func WithBatchSize(n int) Option {
	return func(s *Scanner) {
		s.batch = n
	}
}

// WithLogger sets the scanner logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// New creates a recovery scanner.
func New(resumer Resumer, opts ...Option) *Scanner {
	s := &Scanner{
		resumer:  resumer,
		interval: 30 * time.Second,
		maxAge:   time.Minute,
		batch:    50,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the service name for logging.
func (s *Scanner) Name() string {
	return "recovery"
}

// Start launches the sweep loop.
func (s *Scanner) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(loopCtx)

	s.logger.Info("recovery scanner started",
		"interval", s.interval,
		"max_age", s.maxAge)
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Scanner) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("recovery scanner did not stop: %w", ctx.Err())
	}
}

func (s *Scanner) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Sweep runs one recovery pass immediately. Exposed for tests and
// operational tooling.
func (s *Scanner) Sweep(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Scanner) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.maxAge)

	resolved, err := s.resumer.ResumeStuck(ctx, cutoff, s.batch)
	if err != nil {
		s.logger.Error("recovery sweep failed", "error", err)
		return
	}
	if resolved > 0 {
		s.logger.Info("recovery sweep resolved sagas", "count", resolved)
	}
}
