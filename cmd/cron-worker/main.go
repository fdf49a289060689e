package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/restockd/restockd-backend/internal/cron"
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
	"github.com/restockd/restockd-backend/pkg/redis"
)

const lockKeyFormat = "restockd:cron-worker:lock:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
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

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	metricsCollector := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)
	lock, err := cron.NewRedisLock(redisClient, lockKey(cfg.App.Env), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	registry, err := buildRegistry(dbClient, cfg, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to build cron jobs", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metricsCollector,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildRegistry(dbClient *db.Client, cfg *config.Config, logg *logger.Logger) (*cron.Registry, error) {
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
	orderRepo := fulfillment.NewRepository(gormDB)
	orchestrator, err := fulfillment.NewService(
		orderRepo,
		dbClient,
		ledgerSvc,
		stockSvc,
		routingSvc,
		statesSvc,
		outboxSvc,
		cfg.Routing,
		logg,
	)
	if err != nil {
		return nil, err
	}

	routingJob, err := cron.NewRoutingTimeoutJob(cron.RoutingTimeoutJobParams{
		Logger:       logg,
		Routing:      routingSvc,
		Orchestrator: orchestrator,
	})
	if err != nil {
		return nil, err
	}
	expiryJob, err := cron.NewOrderExpiryJob(cron.OrderExpiryJobParams{
		Logger:       logg,
		Orders:       orderRepo,
		Orchestrator: orchestrator,
	})
	if err != nil {
		return nil, err
	}
	consistencyJob, err := cron.NewStockConsistencyJob(cron.StockConsistencyJobParams{
		Logger: logg,
		Stock:  stockSvc,
		Tx:     dbClient,
		Outbox: outboxSvc,
	})
	if err != nil {
		return nil, err
	}

	return cron.NewRegistry(routingJob, expiryJob, consistencyJob), nil
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
