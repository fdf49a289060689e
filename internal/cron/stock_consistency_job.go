package cron

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/restockd/restockd-backend/internal/stock"
	"github.com/restockd/restockd-backend/pkg/enums"
	"github.com/restockd/restockd-backend/pkg/logger"
	"github.com/restockd/restockd-backend/pkg/outbox"
)

type stockChecker interface {
	CheckConsistency(ctx context.Context) ([]stock.DriftReport, error)
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type driftEmitter interface {
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// StockConsistencyJobParams configure the reserved-counter audit sweep.
type StockConsistencyJobParams struct {
	Logger *logger.Logger
	Stock  stockChecker
	Tx     txRunner
	Outbox driftEmitter
}

// NewStockConsistencyJob builds the job that compares reserved counters
// against the sum of active reservations and flags every mismatch.
func NewStockConsistencyJob(params StockConsistencyJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Stock == nil {
		return nil, fmt.Errorf("stock service required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("tx runner required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox required")
	}
	return &stockConsistencyJob{
		logg:   params.Logger,
		stock:  params.Stock,
		tx:     params.Tx,
		outbox: params.Outbox,
	}, nil
}

type stockConsistencyJob struct {
	logg   *logger.Logger
	stock  stockChecker
	tx     txRunner
	outbox driftEmitter
}

func (j *stockConsistencyJob) Name() string { return "stock-consistency" }

func (j *stockConsistencyJob) Run(ctx context.Context) error {
	drifts, err := j.stock.CheckConsistency(ctx)
	if err != nil {
		return fmt.Errorf("check stock consistency: %w", err)
	}
	if len(drifts) == 0 {
		return nil
	}

	// Drift events dedupe on the observed values. A counter stuck at the
	// same mismatch alerts once; any further movement alerts again.
	err = j.tx.WithTx(ctx, func(tx *gorm.DB) error {
		for _, drift := range drifts {
			dedupe := fmt.Sprintf("stock_drift:%s:%s:%d:%d",
				drift.VendorID, drift.ItemID, drift.ReservedQty, drift.ActiveSum)
			event := outbox.DomainEvent{
				EventType:     enums.EventStockDriftDetected,
				AggregateType: enums.AggregateStockLevel,
				AggregateID:   drift.VendorID,
				DedupeKey:     &dedupe,
				Data: map[string]any{
					"vendor_id":    drift.VendorID.String(),
					"item_id":      drift.ItemID.String(),
					"reserved_qty": drift.ReservedQty,
					"active_sum":   drift.ActiveSum,
				},
				Version:    1,
				OccurredAt: time.Now().UTC(),
			}
			if err := j.outbox.EmitIfNotExists(ctx, tx, event); err != nil {
				return fmt.Errorf("emit drift event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logCtx := j.logg.WithFields(ctx, map[string]any{"drifts": len(drifts)})
	j.logg.Warn(logCtx, "stock drift detected")
	return nil
}
