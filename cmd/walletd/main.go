// Command walletd runs the whole wallet service in one process: event
// log, broker, command side, projection and fraud consumers, saga
// recovery, and the HTTP edge.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/plaenen/walletd/pkg/api"
	"github.com/plaenen/walletd/pkg/command"
	"github.com/plaenen/walletd/pkg/config"
	"github.com/plaenen/walletd/pkg/fraud"
	"github.com/plaenen/walletd/pkg/nats"
	"github.com/plaenen/walletd/pkg/projection"
	"github.com/plaenen/walletd/pkg/recovery"
	"github.com/plaenen/walletd/pkg/runner"
	"github.com/plaenen/walletd/pkg/sqlite"
	"github.com/plaenen/walletd/pkg/wallet"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("walletd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg := config.FromEnv()

	// Write side: event log, idempotency keys and saga state share one
	// database file.
	eventStore, err := sqlite.NewEventStore(sqlite.WithDSN(cfg.EventDBPath))
	if err != nil {
		return err
	}
	defer eventStore.Close()

	idemStore, err := sqlite.NewIdempotencyStore(eventStore.DB(), sqlite.WithTTL(cfg.IdempotencyTTL))
	if err != nil {
		return err
	}

	sagaStore, err := sqlite.NewSagaStore(eventStore.DB())
	if err != nil {
		return err
	}

	// Read side and fraud state live in their own databases; they are
	// derived and disposable.
	readDB, err := sqlite.Open(cfg.ReadDBPath)
	if err != nil {
		return err
	}
	defer readDB.Close()

	readStore, err := projection.NewStore(readDB)
	if err != nil {
		return err
	}

	fraudDB, err := sqlite.Open(cfg.FraudDBPath)
	if err != nil {
		return err
	}
	defer fraudDB.Close()

	fraudStore, err := fraud.NewStore(fraudDB)
	if err != nil {
		return err
	}

	// Broker.
	busConfig := nats.DefaultConfig()
	busConfig.URL = cfg.NATSURL
	busOpts := []nats.ServiceOption{
		nats.WithConfig(busConfig),
		nats.WithLogger(logger),
	}
	if cfg.EmbeddedNATS {
		busOpts = append(busOpts, nats.WithEmbeddedServer())
	}
	busService := nats.NewService(busOpts...)

	// Command side.
	walletRepo := wallet.NewRepository(eventStore, busService,
		wallet.WithConflictRetries(cfg.ConflictRetries),
		wallet.WithLogger(logger))
	mediator := command.NewMediator(walletRepo, eventStore, sagaStore, busService,
		command.WithLogger(logger))
	commandBus := command.NewBus()
	commandBus.Use(command.LoggingMiddleware(logger))
	mediator.RegisterHandlers(commandBus)

	// Consumers and periphery.
	projectionService := projection.NewService(busService,
		projection.NewConsumer(readStore, logger), logger)
	fraudService := fraud.NewService(busService,
		fraud.NewConsumer(fraudStore, logger), logger)
	scanner := recovery.New(mediator,
		recovery.WithInterval(cfg.RecoveryInterval),
		recovery.WithMaxAge(cfg.RecoveryMaxAge),
		recovery.WithLogger(logger))
	server := api.NewServer(commandBus, readStore, eventStore, idemStore,
		api.WithAddr(cfg.HTTPAddr),
		api.WithServerLogger(logger))

	return runner.New([]runner.Service{
		busService,
		projectionService,
		fraudService,
		scanner,
		server,
	}, runner.WithLogger(logger)).Run(context.Background())
}
