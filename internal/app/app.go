// Package app wires the wallet-hub event-distribution core together:
// configuration, telemetry, persistence, broker, publisher, dispatchers, and
// the saga coordinator.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/wallethub/wallethub/config"
	dbmigrations "github.com/wallethub/wallethub/db/migrations"
	"github.com/wallethub/wallethub/internal/dispatcher"
	"github.com/wallethub/wallethub/internal/domain/schema"
	"github.com/wallethub/wallethub/internal/infra/broker"
	"github.com/wallethub/wallethub/internal/infra/broker/kafka"
	"github.com/wallethub/wallethub/internal/infra/persistence/migrations"
	"github.com/wallethub/wallethub/internal/infra/persistence/postgres"
	"github.com/wallethub/wallethub/internal/observability"
	"github.com/wallethub/wallethub/internal/orchestrator"
	"github.com/wallethub/wallethub/internal/outbox"
	libtelemetry "github.com/wallethub/wallethub/lib/telemetry"
)

const dlqCapacity = 256

// App owns the long-running workers of the core and their shared resources.
type App struct {
	cfg         config.Settings
	pool        *pgxpool.Pool
	sink        broker.Publisher
	subscriber  broker.Subscriber
	publisher   *outbox.Publisher
	sweeper     *outbox.Sweeper
	dispatchers []*dispatcher.Dispatcher
	dlq         *observability.DeadLetterQueue

	telemetryShutdown func(context.Context) error
}

// Deps carries externally constructed dependencies, letting tests substitute
// an in-process broker or store. Nil fields are built from configuration.
type Deps struct {
	Sink       broker.Publisher
	Subscriber broker.Subscriber
}

// New builds the application: telemetry, migrations, pool, stores, broker
// clients, and workers. The caller runs it with Run and releases it with
// Close.
func New(ctx context.Context, cfg config.Settings, logger *log.Logger, deps Deps) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_, telemetryShutdown, err := libtelemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}

	if err := applyMigrations(ctx, cfg.Postgres, logger); err != nil {
		_ = telemetryShutdown(ctx)
		return nil, fmt.Errorf("app: migrate: %w", err)
	}

	pool, err := postgres.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		_ = telemetryShutdown(ctx)
		return nil, fmt.Errorf("app: connect postgres: %w", err)
	}
	postgres.ObservePoolMetrics(pool, string(cfg.Environment), "primary")

	outboxStore := postgres.NewOutboxStore(pool)
	sagaStore := postgres.NewSagaStore(pool)
	ledgerStore := postgres.NewLedgerStore(pool)

	sink := deps.Sink
	if sink == nil {
		sink, err = kafka.NewPublisher(cfg.Broker)
		if err != nil {
			pool.Close()
			_ = telemetryShutdown(ctx)
			return nil, err
		}
	}
	subscriber := deps.Subscriber
	if subscriber == nil {
		subscriber = kafka.NewSubscriber(cfg.Broker)
	}

	coordinator := orchestrator.New(sagaStore, cfg.Saga)
	handlers := make(map[string]dispatcher.Handler, len(schema.EventTypes()))
	for _, typ := range schema.EventTypes() {
		handlers[string(typ)] = coordinator.Handle
	}

	dlq := observability.NewDeadLetterQueue(dlqCapacity)
	dispatchers := make([]*dispatcher.Dispatcher, 0, len(schema.Destinations()))
	for _, destination := range schema.Destinations() {
		dispatchers = append(dispatchers,
			dispatcher.New(destination, ledgerStore, handlers, cfg.Consumer,
				dispatcher.WithDeadLetterQueue(dlq)))
	}

	return &App{
		cfg:         cfg,
		pool:        pool,
		sink:        sink,
		subscriber:  subscriber,
		publisher:   outbox.NewPublisher(outboxStore, sink, cfg.Outbox),
		sweeper: outbox.NewSweeper(outboxStore, ledgerStore,
			cfg.Outbox.RetentionSweep, cfg.Outbox.RetentionWindow, cfg.Consumer.IdempotencyRetention),
		dispatchers:       dispatchers,
		dlq:               dlq,
		telemetryShutdown: telemetryShutdown,
	}, nil
}

// applyMigrations prefers the on-disk migrations directory and falls back to
// the SQL files embedded in the binary when the directory is not shipped.
func applyMigrations(ctx context.Context, cfg config.PostgresSettings, logger *log.Logger) error {
	if _, err := os.Stat(cfg.MigrationsDir); err == nil {
		return migrations.Apply(ctx, cfg.DSN, cfg.MigrationsDir, logger)
	}
	return migrations.ApplyEmbedded(ctx, cfg.DSN, dbmigrations.Files, logger)
}

// Run starts the publisher, sweeper, and one dispatcher per destination, then
// blocks until ctx is cancelled and every worker has drained within the
// shutdown grace period.
func (a *App) Run(ctx context.Context) error {
	var workers conc.WaitGroup
	workers.Go(func() {
		if err := a.publisher.Run(ctx); err != nil && ctx.Err() == nil {
			observability.Log().Error("publisher stopped",
				observability.Field{Key: "error", Value: err.Error()})
		}
	})
	workers.Go(func() {
		if err := a.sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			observability.Log().Error("sweeper stopped",
				observability.Field{Key: "error", Value: err.Error()})
		}
	})
	for _, d := range a.dispatchers {
		d := d
		workers.Go(func() {
			if err := d.Run(ctx, a.subscriber); err != nil && ctx.Err() == nil {
				observability.Log().Error("dispatcher stopped",
					observability.Field{Key: "error", Value: err.Error()})
			}
		})
	}

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	grace := a.cfg.Consumer.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("app: workers did not drain within %s", grace)
	}
}

// DLQ exposes the poison-message queue for inspection.
func (a *App) DLQ() *observability.DeadLetterQueue {
	return a.dlq
}

// Close releases broker clients, the database pool, and telemetry exporters.
func (a *App) Close(ctx context.Context) {
	a.sink.Close()
	a.subscriber.Close()
	a.pool.Close()
	if a.telemetryShutdown != nil {
		if err := a.telemetryShutdown(ctx); err != nil {
			observability.Log().Error("telemetry shutdown failed",
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}
