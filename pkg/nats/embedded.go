package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer wraps an in-process NATS server with JetStream enabled.
// Used by tests and by deployments that run the broker inside the
// service process.
type EmbeddedServer struct {
	server       *server.Server
	url          string
	shutdownOnce sync.Once
}

// StartEmbeddedServer starts an embedded NATS server on a random port.
func StartEmbeddedServer() (*EmbeddedServer, error) {
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1, // random port
		JetStream: true,
		StoreDir:  "", // temp directory
	}

	s, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded server: %w", err)
	}

	go s.Start()

	if !s.ReadyForConnections(5 * time.Second) {
		s.Shutdown()
		return nil, fmt.Errorf("embedded server not ready after 5s")
	}

	return &EmbeddedServer{
		server: s,
		url:    s.ClientURL(),
	}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.url
}

// Shutdown stops the server and waits for it to exit. Safe to call
// multiple times.
func (e *EmbeddedServer) Shutdown() {
	e.shutdownOnce.Do(func() {
		if e.server != nil {
			e.server.Shutdown()
			e.server.WaitForShutdown()
		}
	})
}

// NewEmbeddedBus starts an embedded server and a bus connected to it.
// Convenience for tests.
func NewEmbeddedBus() (*Bus, *EmbeddedServer, error) {
	srv, err := StartEmbeddedServer()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded server: %w", err)
	}

	config := DefaultConfig()
	config.URL = srv.URL()
	config.MaxAge = time.Minute

	bus, err := NewBus(config)
	if err != nil {
		srv.Shutdown()
		return nil, nil, fmt.Errorf("failed to create event bus: %w", err)
	}

	return bus, srv, nil
}
