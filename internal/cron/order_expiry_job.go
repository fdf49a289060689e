package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/restockd/restockd-backend/pkg/db/models"
	"github.com/restockd/restockd-backend/pkg/logger"
)

const orderSweepBatchSize = 100

type expiredOrderReader interface {
	ListExpiredOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
}

type orderExpiryHandler interface {
	ExpireOrder(ctx context.Context, orderID uuid.UUID) error
}

// OrderExpiryJobParams configure the order TTL sweeper.
type OrderExpiryJobParams struct {
	Logger       *logger.Logger
	Orders       expiredOrderReader
	Orchestrator orderExpiryHandler
}

// NewOrderExpiryJob builds the job that fails orders still in flight past
// their time to live.
func NewOrderExpiryJob(params OrderExpiryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Orders == nil {
		return nil, fmt.Errorf("expired order reader required")
	}
	if params.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator required")
	}
	return &orderExpiryJob{
		logg:         params.Logger,
		orders:       params.Orders,
		orchestrator: params.Orchestrator,
		now:          time.Now,
	}, nil
}

type orderExpiryJob struct {
	logg         *logger.Logger
	orders       expiredOrderReader
	orchestrator orderExpiryHandler
	now          func() time.Time
}

func (j *orderExpiryJob) Name() string { return "order-expiry" }

func (j *orderExpiryJob) Run(ctx context.Context) error {
	orders, err := j.orders.ListExpiredOrders(ctx, j.now().UTC(), orderSweepBatchSize)
	if err != nil {
		return fmt.Errorf("query expired orders: %w", err)
	}

	var errs []error
	count := 0
	for _, order := range orders {
		if err := j.orchestrator.ExpireOrder(ctx, order.ID); err != nil {
			errs = append(errs, fmt.Errorf("expire order %s: %w", order.ID, err))
			continue
		}
		count++
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{"count": count, "failed": len(errs)})
	j.logg.Info(logCtx, "order expiry sweep complete")
	return multierr.Combine(errs...)
}
