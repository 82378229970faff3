// Package api is the HTTP edge: the REST contract over the command bus
// and the read model, with the idempotency protocol enforced on every
// mutating endpoint.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/plaenen/walletd/pkg/command"
	"github.com/plaenen/walletd/pkg/idempotency"
	"github.com/plaenen/walletd/pkg/projection"
)

// Pinger reports backend reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server over the command and query sides.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	commands   *command.Bus
	reads      *projection.Store
	writePing  Pinger
	idemStore  idempotency.Store
	logger     *slog.Logger
	addr       string
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAddr sets the listen address. Default ":8080".
func WithAddr(addr string) ServerOption {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer builds the router and its middleware stack.
func NewServer(commands *command.Bus, reads *projection.Store, writePing Pinger, idemStore idempotency.Store, opts ...ServerOption) *Server {
	s := &Server{
		commands:  commands,
		reads:     reads,
		writePing: writePing,
		idemStore: idemStore,
		logger:    slog.Default(),
		addr:      ":8080",
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", IdempotencyHeader},
		MaxAge:         300,
	}))

	r.Get("/ping", s.handlePing)
	r.Get("/balance/{walletId}", s.handleBalance)
	r.Get("/transactions/{walletId}", s.handleTransactions)

	r.Group(func(r chi.Router) {
		r.Use(s.idempotencyMiddleware)
		r.Post("/deposit", s.handleDeposit)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/transfer", s.handleTransfer)
	})

	s.router = r
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Name returns the service name for logging.
func (s *Server) Name() string {
	return "http"
}

// Start binds the listener and serves in the background. Bind errors
// surface here; serve errors are logged.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("http server listening", "addr", ln.Addr().String())
	return nil
}

// Stop drains in-flight requests within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
