// Package bootstrap assembles the settlement services from configuration.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"pg_settlement/internal/application/command"
	"pg_settlement/internal/application/reconcile"
	"pg_settlement/internal/application/settlement"
	"pg_settlement/internal/config"
	"pg_settlement/internal/infrastructure/encoding/avro"
	"pg_settlement/internal/infrastructure/http/easypay"
	kafkainfra "pg_settlement/internal/infrastructure/messaging/kafka"
	"pg_settlement/internal/infrastructure/msgauth"
	"pg_settlement/internal/infrastructure/persistence/postgres"
	"pg_settlement/pkg/logger"
)

type App struct {
	Config     *config.Config
	Pool       *pgxpool.Pool
	Settlement *settlement.Service
	Reconcile  *reconcile.Service
	Dispatcher *command.Dispatcher
	// Producer is nil when Kafka is disabled.
	Producer *kafkainfra.SettlementProducer

	log logger.Logger
}

// New connects to Postgres and, when enabled, Kafka. Migrations are not run.
func New(cfg *config.Config, log logger.Logger) (*App, error) {
	pool, err := postgres.NewPool(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	codec := msgauth.NewCodec(cfg.PG.SecretKey)
	client, err := easypay.NewClient(cfg.PG, codec, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg client: %w", err)
	}

	app := &App{Config: cfg, Pool: pool, log: log}

	deps := settlement.Deps{
		Gateway:  client,
		Verifier: codec,
		Orders:   postgres.NewOrderRepository(pool),
		Carts:    postgres.NewCartRepository(pool),
		Products: postgres.NewProductLookup(pool),
		Logger:   log,
	}
	var events reconcile.EventPublisher

	if cfg.Kafka.Enabled {
		encoder, err := avro.NewSettlementEventEncoder()
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("avro encoder: %w", err)
		}
		producer, err := kafkainfra.NewSettlementProducer(cfg.Kafka, encoder, log)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		app.Producer = producer
		deps.Events = producer
		deps.Commands = producer
		events = producer
	} else {
		log.Warn("Kafka disabled, settlement events and draft retries are not published")
	}

	app.Settlement = settlement.NewService(deps, settlement.OptionsFromConfig(cfg.Pricing, cfg.PG))
	app.Reconcile = reconcile.NewService(
		client,
		deps.Orders,
		app.Settlement,
		events,
		reconcile.OptionsFromConfig(cfg.Reconcile, cfg.PG),
		log,
	)
	app.Dispatcher = command.NewDispatcher(app.Settlement, app.Reconcile, log)
	return app, nil
}

func (a *App) Close(ctx context.Context) {
	if a.Producer != nil {
		if err := a.Producer.Close(ctx); err != nil {
			a.log.Warn("Kafka producer close failed", logger.Error(err))
		}
	}
	a.Pool.Close()
}
