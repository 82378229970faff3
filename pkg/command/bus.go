// Package command implements the command side of the service: a typed
// command bus with middleware, the mediator that executes wallet
// commands, and the transfer saga orchestration.
package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrHandlerNotFound is returned when no handler is registered for a
	// command type.
	ErrHandlerNotFound = errors.New("no handler registered for command")

	// ErrInvalidCommand is returned for nil or malformed commands.
	ErrInvalidCommand = errors.New("invalid command")
)

// Command is a request to change system state, dispatched by type.
type Command interface {
	CommandType() string
}

// HandlerFunc executes a command and returns its result.
type HandlerFunc func(ctx context.Context, cmd Command) (any, error)

// Middleware wraps a handler with cross-cutting behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Bus is an in-memory command bus. Handlers are registered per command
// type; middleware applies to every dispatch in registration order
// (first added is outermost).
type Bus struct {
	handlers   map[string]HandlerFunc
	middleware []Middleware
	mu         sync.RWMutex
}

// NewBus creates an empty command bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register registers a handler for a command type. Registering the same
// type twice is a programming error.
func (b *Bus) Register(commandType string, handler HandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[commandType]; exists {
		panic(fmt.Sprintf("handler already registered for command type: %s", commandType))
	}
	b.handlers[commandType] = handler
}

// Use adds middleware to the dispatch pipeline.
func (b *Bus) Use(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.middleware = append(b.middleware, middleware)
}

// Dispatch routes the command to its handler through the middleware
// chain.
func (b *Bus) Dispatch(ctx context.Context, cmd Command) (any, error) {
	if cmd == nil {
		return nil, ErrInvalidCommand
	}

	b.mu.RLock()
	handler, exists := b.handlers[cmd.CommandType()]
	middleware := b.middleware
	b.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrHandlerNotFound, cmd.CommandType())
	}

	final := handler
	for i := len(middleware) - 1; i >= 0; i-- {
		final = middleware[i](final)
	}

	return final(ctx, cmd)
}
