package runner_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/walletd/pkg/runner"
)

type fakeService struct {
	name      string
	startErr  error
	healthErr error

	mu  *sync.Mutex
	log *[]string
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, "start:"+s.name)
	return s.startErr
}

func (s *fakeService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*s.log = append(*s.log, "stop:"+s.name)
	return nil
}

func (s *fakeService) HealthCheck(ctx context.Context) error {
	return s.healthErr
}

func newServices(names ...string) ([]runner.Service, *[]string) {
	var (
		mu  sync.Mutex
		log []string
	)
	services := make([]runner.Service, len(names))
	for i, name := range names {
		services[i] = &fakeService{name: name, mu: &mu, log: &log}
	}
	return services, &log
}

func TestRunStartsInOrderStopsInReverse(t *testing.T) {
	services, log := newServices("a", "b", "c")
	r := runner.New(services)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Give the services time to start, then trigger shutdown.
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	assert.Equal(t, []string{
		"start:a", "start:b", "start:c",
		"stop:c", "stop:b", "stop:a",
	}, *log)
}

func TestFailedStartStopsStartedServices(t *testing.T) {
	services, log := newServices("a", "b", "c")
	services[1].(*fakeService).startErr = errors.New("boom")

	err := runner.New(services).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b")

	// Only the service that came up gets stopped; the failed one and the
	// never-started one do not.
	assert.Equal(t, []string{"start:a", "start:b", "stop:a"}, *log)
}

func TestHealthCheck(t *testing.T) {
	services, _ := newServices("a", "b")
	r := runner.New(services)
	require.NoError(t, r.HealthCheck(context.Background()))

	services[1].(*fakeService).healthErr = errors.New("degraded")
	err := r.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b")
}
