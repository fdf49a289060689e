package cron

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/restockd/restockd-backend/internal/stock"
	"github.com/restockd/restockd-backend/pkg/enums"
	"github.com/restockd/restockd-backend/pkg/logger"
	"github.com/restockd/restockd-backend/pkg/outbox"
)

type fakeStockChecker struct {
	drifts []stock.DriftReport
}

func (f *fakeStockChecker) CheckConsistency(ctx context.Context) ([]stock.DriftReport, error) {
	return f.drifts, nil
}

type fakeDriftEmitter struct {
	events []outbox.DomainEvent
}

func (f *fakeDriftEmitter) EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	f.events = append(f.events, event)
	return nil
}

type fakeTxRunner struct{}

func (fakeTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func newStockConsistencyJobTest(t *testing.T, checker *fakeStockChecker, emitter *fakeDriftEmitter) Job {
	t.Helper()
	job, err := NewStockConsistencyJob(StockConsistencyJobParams{
		Logger: logger.New(logger.Options{ServiceName: "test"}),
		Stock:  checker,
		Tx:     fakeTxRunner{},
		Outbox: emitter,
	})
	if err != nil {
		t.Fatalf("NewStockConsistencyJob: %v", err)
	}
	return job
}

func TestStockConsistencyJob_emitsOneEventPerDrift(t *testing.T) {
	driftA := stock.DriftReport{VendorID: uuid.New(), ItemID: uuid.New(), ReservedQty: 5, ActiveSum: 3}
	driftB := stock.DriftReport{VendorID: uuid.New(), ItemID: uuid.New(), ReservedQty: 0, ActiveSum: 2}
	checker := &fakeStockChecker{drifts: []stock.DriftReport{driftA, driftB}}
	emitter := &fakeDriftEmitter{}
	job := newStockConsistencyJobTest(t, checker, emitter)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(emitter.events) != 2 {
		t.Fatalf("expected 2 drift events, got %d", len(emitter.events))
	}
	event := emitter.events[0]
	if event.EventType != enums.EventStockDriftDetected {
		t.Fatalf("unexpected event type: %s", event.EventType)
	}
	if event.AggregateType != enums.AggregateStockLevel {
		t.Fatalf("unexpected aggregate type: %s", event.AggregateType)
	}
	if event.AggregateID != driftA.VendorID {
		t.Fatalf("unexpected aggregate id: %s", event.AggregateID)
	}
	wantDedupe := fmt.Sprintf("stock_drift:%s:%s:5:3", driftA.VendorID, driftA.ItemID)
	if event.DedupeKey == nil || *event.DedupeKey != wantDedupe {
		t.Fatalf("unexpected dedupe key: %v", event.DedupeKey)
	}
	data, ok := event.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected map payload, got %T", event.Data)
	}
	if data["reserved_qty"] != 5 || data["active_sum"] != 3 {
		t.Fatalf("unexpected payload: %v", data)
	}
}

func TestStockConsistencyJob_noDriftNoEvents(t *testing.T) {
	checker := &fakeStockChecker{}
	emitter := &fakeDriftEmitter{}
	job := newStockConsistencyJobTest(t, checker, emitter)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(emitter.events) != 0 {
		t.Fatalf("expected no events, got %d", len(emitter.events))
	}
}
