package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"pg_settlement/internal/application/reconcile"
	"pg_settlement/internal/bootstrap"
	"pg_settlement/internal/config"
	ginserver "pg_settlement/internal/infrastructure/http/gin"
	kafkainfra "pg_settlement/internal/infrastructure/messaging/kafka"
	"pg_settlement/internal/infrastructure/persistence/postgres"
	"pg_settlement/internal/interfaces/http/handler"
	"pg_settlement/internal/interfaces/http/router"
	"pg_settlement/pkg/logger"
)

func main() {
	zl, err := logger.NewZapLoggerFromEnv()
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer zl.Sync()

	cfg, err := config.Load()
	if err != nil {
		zl.Fatal("load config failed", logger.Error(err))
	}
	zl = zl.WithFields(logger.String("app", cfg.App.Name), logger.String("env", cfg.App.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := postgres.Migrate(cfg.DB.DSN()); err != nil {
		zl.Fatal("migrate failed", logger.Error(err))
	}

	app, err := bootstrap.New(cfg, zl)
	if err != nil {
		zl.Fatal("bootstrap failed", logger.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Close(closeCtx)
	}()

	scheduler := reconcile.NewScheduler(app.Reconcile, cfg.Reconcile.Interval, cfg.Reconcile.RunOnStart, zl)
	go func() {
		if err := scheduler.Run(ctx); err != nil {
			zl.Error("reconcile scheduler stopped", logger.Error(err))
		}
	}()

	if cfg.Kafka.Enabled {
		consumer := kafkainfra.NewCommandConsumer(cfg.Kafka, app.Dispatcher, zl)
		go func() {
			if err := consumer.Start(ctx); err != nil {
				zl.Error("kafka consumer stopped", logger.Error(err))
			}
		}()
		defer consumer.Close()
	}

	engine := ginserver.NewEngine(cfg.App.Env, zl)
	router.RegisterRoutes(engine,
		handler.NewSettlementHandler(app.Settlement, zl),
		handler.NewAdminHandler(app.Reconcile, app.Pool, zl),
	)

	server := ginserver.NewServer(cfg.Server, engine, zl)
	if err := server.Run(ctx); err != nil {
		zl.Fatal("server run failed", logger.Error(err))
	}
}
