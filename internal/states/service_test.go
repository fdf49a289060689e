package states

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/restockd/restockd-backend/pkg/db/models"
	"github.com/restockd/restockd-backend/pkg/enums"
	pkgerrors "github.com/restockd/restockd-backend/pkg/errors"
	"github.com/restockd/restockd-backend/pkg/outbox"
)

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

func setupStatesTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	orders := `
CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  retailer_id TEXT NOT NULL,
  account_pair_id TEXT NOT NULL,
  total_amount NUMERIC NOT NULL,
  status TEXT NOT NULL DEFAULT 'created',
  locked_vendor_id TEXT,
  expires_at DATETIME NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`
	orderItems := `
CREATE TABLE IF NOT EXISTS order_items (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  item_id TEXT NOT NULL,
  qty INTEGER NOT NULL,
  unit_price NUMERIC NOT NULL,
  created_at DATETIME
);`
	orderEvents := `
CREATE TABLE IF NOT EXISTS order_events (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  from_state TEXT NOT NULL,
  to_state TEXT NOT NULL,
  reason TEXT NOT NULL,
  performed_by TEXT NOT NULL,
  created_at DATETIME
);`
	outboxEvents := `
CREATE TABLE IF NOT EXISTS outbox_events (
  id TEXT PRIMARY KEY,
  event_type TEXT NOT NULL,
  aggregate_type TEXT NOT NULL,
  aggregate_id TEXT NOT NULL,
  dedupe_key TEXT UNIQUE,
  payload TEXT NOT NULL,
  created_at DATETIME,
  published_at DATETIME,
  attempt_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT
);`
	require.NoError(t, db.Exec(orders).Error)
	require.NoError(t, db.Exec(orderItems).Error)
	require.NoError(t, db.Exec(orderEvents).Error)
	require.NoError(t, db.Exec(outboxEvents).Error)
	return db
}

func newStatesService(t *testing.T, db *gorm.DB) Service {
	t.Helper()
	outboxSvc := outbox.NewService(outbox.NewRepository(db), nil)
	svc, err := NewService(NewRepository(db), gormTxRunner{db: db}, outboxSvc)
	require.NoError(t, err)
	return svc
}

func createTestOrder(t *testing.T, db *gorm.DB, status enums.OrderStatus) *models.Order {
	t.Helper()
	order := &models.Order{
		ID:            uuid.New(),
		RetailerID:    uuid.New(),
		AccountPairID: uuid.New(),
		TotalAmount:   decimal.RequireFromString("5000.00"),
		Status:        status,
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func transition(t *testing.T, svc Service, orderID uuid.UUID, to enums.OrderStatus) *models.OrderEvent {
	t.Helper()
	event, err := svc.Transition(context.Background(), TransitionInput{
		OrderID:     orderID,
		To:          to,
		Reason:      "test transition",
		PerformedBy: "test",
	})
	require.NoError(t, err)
	return event
}

func TestService_TransitionHappyPath(t *testing.T) {
	db := setupStatesTestDB(t)
	svc := newStatesService(t, db)
	order := createTestOrder(t, db, enums.OrderStatusCreated)

	chain := []enums.OrderStatus{
		enums.OrderStatusValidated,
		enums.OrderStatusCreditReserved,
		enums.OrderStatusVendorNotified,
		enums.OrderStatusVendorAccepted,
		enums.OrderStatusFulfilled,
	}
	for _, next := range chain {
		event := transition(t, svc, order.ID, next)
		assert.Equal(t, next, event.ToState)
	}

	got, err := svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusFulfilled, got.Status)

	history, err := svc.History(context.Background(), order.ID)
	require.NoError(t, err)
	require.Len(t, history, len(chain))
	assert.Equal(t, enums.OrderStatusCreated, history[0].FromState)
	for i, next := range chain {
		assert.Equal(t, next, history[i].ToState)
	}

	// Every hop also queued an outbox notification.
	var outboxCount int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).
		Where("aggregate_id = ?", order.ID).
		Count(&outboxCount).Error)
	assert.Equal(t, int64(len(chain)), outboxCount)
}

func TestService_TransitionRejectedLeavesNothingBehind(t *testing.T) {
	db := setupStatesTestDB(t)
	svc := newStatesService(t, db)
	order := createTestOrder(t, db, enums.OrderStatusCreated)

	_, err := svc.Transition(context.Background(), TransitionInput{
		OrderID:     order.ID,
		To:          enums.OrderStatusVendorAccepted,
		Reason:      "skip ahead",
		PerformedBy: "test",
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))

	typed := pkgerrors.As(err)
	details, ok := typed.Details().(map[string]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"validated", "cancelled", "failed"}, details["allowed_next"])

	got, err := svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCreated, got.Status)

	history, err := svc.History(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Empty(t, history)

	var outboxCount int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).
		Where("aggregate_id = ?", order.ID).
		Count(&outboxCount).Error)
	assert.Zero(t, outboxCount)
}

func TestService_TerminalStatesAreImmutable(t *testing.T) {
	db := setupStatesTestDB(t)
	svc := newStatesService(t, db)

	for _, terminal := range []enums.OrderStatus{
		enums.OrderStatusFulfilled,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	} {
		order := createTestOrder(t, db, terminal)
		_, err := svc.Transition(context.Background(), TransitionInput{
			OrderID:     order.ID,
			To:          enums.OrderStatusCreated,
			Reason:      "resurrect",
			PerformedBy: "test",
		})
		require.Error(t, err, "terminal state %s accepted a transition", terminal)
		assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))

		typed := pkgerrors.As(err)
		details := typed.Details().(map[string]any)
		assert.Equal(t, true, details["from_terminal"])
		assert.Empty(t, details["allowed_next"])
	}
}

func TestService_FulfillRequiresCreditReservedHistory(t *testing.T) {
	db := setupStatesTestDB(t)
	svc := newStatesService(t, db)

	// Order forced into vendor_accepted without ever reserving credit.
	order := createTestOrder(t, db, enums.OrderStatusVendorAccepted)

	_, err := svc.Transition(context.Background(), TransitionInput{
		OrderID:     order.ID,
		To:          enums.OrderStatusFulfilled,
		Reason:      "ship it",
		PerformedBy: "test",
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))

	got, err := svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusVendorAccepted, got.Status)
}

func TestService_RebroadcastLoop(t *testing.T) {
	db := setupStatesTestDB(t)
	svc := newStatesService(t, db)
	order := createTestOrder(t, db, enums.OrderStatusVendorNotified)

	transition(t, svc, order.ID, enums.OrderStatusVendorRejected)
	transition(t, svc, order.ID, enums.OrderStatusVendorNotified)
	transition(t, svc, order.ID, enums.OrderStatusVendorAccepted)

	got, err := svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusVendorAccepted, got.Status)
}

// failingOutbox aborts the transaction after the status and event writes.
type failingOutbox struct{}

func (failingOutbox) Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error {
	return pkgerrors.New(pkgerrors.CodeDependency, "outbox unavailable")
}

func TestService_TransitionAbortedMidFlightChangesNothing(t *testing.T) {
	db := setupStatesTestDB(t)
	svc, err := NewService(NewRepository(db), gormTxRunner{db: db}, failingOutbox{})
	require.NoError(t, err)
	order := createTestOrder(t, db, enums.OrderStatusCreated)

	// The status update and audit event land before the emit kills the
	// transaction; the rollback must take both down with it.
	_, err = svc.Transition(context.Background(), TransitionInput{
		OrderID:     order.ID,
		To:          enums.OrderStatusValidated,
		Reason:      "advance",
		PerformedBy: "test",
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDependency))

	got, err := svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCreated, got.Status)

	var eventCount int64
	require.NoError(t, db.Model(&models.OrderEvent{}).
		Where("order_id = ?", order.ID).
		Count(&eventCount).Error)
	assert.Zero(t, eventCount)

	var outboxCount int64
	require.NoError(t, db.Model(&models.OutboxEvent{}).
		Where("aggregate_id = ?", order.ID).
		Count(&outboxCount).Error)
	assert.Zero(t, outboxCount)
}

func TestService_TransitionUnknownOrder(t *testing.T) {
	db := setupStatesTestDB(t)
	svc := newStatesService(t, db)

	_, err := svc.Transition(context.Background(), TransitionInput{
		OrderID:     uuid.New(),
		To:          enums.OrderStatusValidated,
		Reason:      "test",
		PerformedBy: "test",
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))
}
