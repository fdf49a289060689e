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

const routingSweepBatchSize = 100

type routingSweeper interface {
	ListTimedOut(ctx context.Context, cutoff time.Time, limit int) ([]models.VendorRouting, error)
}

type routingExpiryHandler interface {
	HandleRoutingExpiry(ctx context.Context, routingID uuid.UUID) error
}

// RoutingTimeoutJobParams configure the routing window sweeper.
type RoutingTimeoutJobParams struct {
	Logger       *logger.Logger
	Routing      routingSweeper
	Orchestrator routingExpiryHandler
}

// NewRoutingTimeoutJob builds the job that closes routing rounds whose
// response window passed without a winning vendor.
func NewRoutingTimeoutJob(params RoutingTimeoutJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Routing == nil {
		return nil, fmt.Errorf("routing sweeper required")
	}
	if params.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator required")
	}
	return &routingTimeoutJob{
		logg:         params.Logger,
		routing:      params.Routing,
		orchestrator: params.Orchestrator,
		now:          time.Now,
	}, nil
}

type routingTimeoutJob struct {
	logg         *logger.Logger
	routing      routingSweeper
	orchestrator routingExpiryHandler
	now          func() time.Time
}

func (j *routingTimeoutJob) Name() string { return "routing-timeout" }

func (j *routingTimeoutJob) Run(ctx context.Context) error {
	rounds, err := j.routing.ListTimedOut(ctx, j.now().UTC(), routingSweepBatchSize)
	if err != nil {
		return fmt.Errorf("query timed-out routing rounds: %w", err)
	}

	var errs []error
	count := 0
	for _, round := range rounds {
		if err := j.orchestrator.HandleRoutingExpiry(ctx, round.ID); err != nil {
			// One stuck round must not stall the rest of the sweep.
			errs = append(errs, fmt.Errorf("expire routing %s: %w", round.ID, err))
			continue
		}
		count++
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{"count": count, "failed": len(errs)})
	j.logg.Info(logCtx, "routing timeout sweep complete")
	return multierr.Combine(errs...)
}
