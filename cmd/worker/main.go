package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/restockd/restockd-backend/internal/fulfillment"
	"github.com/restockd/restockd-backend/internal/ledger"
	"github.com/restockd/restockd-backend/internal/routing"
	"github.com/restockd/restockd-backend/internal/states"
	"github.com/restockd/restockd-backend/internal/stock"
	"github.com/restockd/restockd-backend/pkg/config"
	"github.com/restockd/restockd-backend/pkg/db"
	"github.com/restockd/restockd-backend/pkg/logger"
	"github.com/restockd/restockd-backend/pkg/metrics"
	"github.com/restockd/restockd-backend/pkg/migrate"
	"github.com/restockd/restockd-backend/pkg/outbox"
	"github.com/restockd/restockd-backend/pkg/pubsub"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub client", err)
		}
	}()

	orchestrator, err := buildOrchestrator(dbClient, cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build orchestrator", err)
		os.Exit(1)
	}

	consumer, err := fulfillment.NewConsumer(orchestrator, pubsubClient.VendorReplySubscription(), logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build vendor reply consumer", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		PubSub:        pubsubClient,
		ReplyConsumer: consumer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "worker shutting down gracefully")
}

func buildOrchestrator(dbClient *db.Client, cfg *config.Config, logg *logger.Logger) (fulfillment.Service, error) {
	gormDB := dbClient.DB()
	outboxSvc := outbox.NewService(outbox.NewRepository(gormDB), logg)

	ledgerSvc, err := ledger.NewService(ledger.NewRepository(gormDB))
	if err != nil {
		return nil, err
	}
	stockSvc, err := stock.NewService(stock.NewRepository(gormDB), dbClient, logg)
	if err != nil {
		return nil, err
	}
	routingMetrics := metrics.NewRoutingMetrics(prometheus.DefaultRegisterer)
	routingSvc, err := routing.NewService(routing.NewRepository(gormDB), dbClient, outboxSvc, routingMetrics, logg)
	if err != nil {
		return nil, err
	}
	statesSvc, err := states.NewService(states.NewRepository(gormDB), dbClient, outboxSvc)
	if err != nil {
		return nil, err
	}
	return fulfillment.NewService(
		fulfillment.NewRepository(gormDB),
		dbClient,
		ledgerSvc,
		stockSvc,
		routingSvc,
		statesSvc,
		outboxSvc,
		cfg.Routing,
		logg,
	)
}
