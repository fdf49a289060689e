package fulfillment

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

	"github.com/restockd/restockd-backend/internal/ledger"
	"github.com/restockd/restockd-backend/internal/routing"
	"github.com/restockd/restockd-backend/internal/states"
	"github.com/restockd/restockd-backend/internal/stock"
	"github.com/restockd/restockd-backend/pkg/config"
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

var fulfillmentDDL = []string{
	`CREATE TABLE IF NOT EXISTS account_pairs (
  id TEXT PRIMARY KEY,
  retailer_id TEXT NOT NULL,
  counterparty_id TEXT NOT NULL,
  credit_limit NUMERIC NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
  id TEXT PRIMARY KEY,
  account_pair_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  amount NUMERIC NOT NULL,
  order_id TEXT,
  idempotency_key TEXT NOT NULL UNIQUE,
  reversed_entry_id TEXT,
  created_at DATETIME
);`,
	`CREATE TABLE IF NOT EXISTS orders (
  id TEXT PRIMARY KEY,
  retailer_id TEXT NOT NULL,
  account_pair_id TEXT NOT NULL,
  total_amount NUMERIC NOT NULL,
  status TEXT NOT NULL DEFAULT 'created',
  locked_vendor_id TEXT,
  expires_at DATETIME NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE IF NOT EXISTS order_items (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  item_id TEXT NOT NULL,
  qty INTEGER NOT NULL,
  unit_price NUMERIC NOT NULL,
  created_at DATETIME
);`,
	`CREATE TABLE IF NOT EXISTS order_events (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  from_state TEXT NOT NULL,
  to_state TEXT NOT NULL,
  reason TEXT NOT NULL,
  performed_by TEXT NOT NULL,
  created_at DATETIME
);`,
	`CREATE TABLE IF NOT EXISTS vendor_routings (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending_responses',
  locked_vendor_id TEXT,
  respond_by DATETIME NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE IF NOT EXISTS routing_candidates (
  id TEXT PRIMARY KEY,
  routing_id TEXT NOT NULL,
  vendor_id TEXT NOT NULL,
  created_at DATETIME,
  UNIQUE (routing_id, vendor_id)
);`,
	`CREATE TABLE IF NOT EXISTS vendor_responses (
  id TEXT PRIMARY KEY,
  routing_id TEXT NOT NULL,
  vendor_id TEXT NOT NULL,
  response_type TEXT NOT NULL,
  responded_at DATETIME,
  UNIQUE (routing_id, vendor_id)
);`,
	`CREATE TABLE IF NOT EXISTS stock_levels (
  vendor_id TEXT NOT NULL,
  item_id TEXT NOT NULL,
  physical_qty INTEGER NOT NULL DEFAULT 0,
  reserved_qty INTEGER NOT NULL DEFAULT 0,
  updated_at DATETIME,
  PRIMARY KEY (vendor_id, item_id)
);`,
	`CREATE TABLE IF NOT EXISTS stock_reservations (
  id TEXT PRIMARY KEY,
  order_id TEXT NOT NULL,
  vendor_id TEXT NOT NULL,
  item_id TEXT NOT NULL,
  qty INTEGER NOT NULL,
  status TEXT NOT NULL DEFAULT 'reserved',
  resolved_qty INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
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
);`,
}

type testHarness struct {
	db        *gorm.DB
	orch      Service
	ledgerSvc ledger.Service
	stockSvc  stock.Service
}

func setupHarness(t *testing.T) *testHarness {
	t.Helper()

	dsn := "file:" + uuid.NewString() + "?mode=memory&cache=shared&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	for _, ddl := range fulfillmentDDL {
		require.NoError(t, db.Exec(ddl).Error)
	}

	runner := gormTxRunner{db: db}
	outboxSvc := outbox.NewService(outbox.NewRepository(db), nil)

	ledgerSvc, err := ledger.NewService(ledger.NewRepository(db))
	require.NoError(t, err)
	stockSvc, err := stock.NewService(stock.NewRepository(db), runner, nil)
	require.NoError(t, err)
	routingSvc, err := routing.NewService(routing.NewRepository(db), runner, outboxSvc, nil, nil)
	require.NoError(t, err)
	statesSvc, err := states.NewService(states.NewRepository(db), runner, outboxSvc)
	require.NoError(t, err)

	cfg := config.RoutingConfig{ResponseWindow: 30 * time.Minute, OrderTTL: 24 * time.Hour}
	orch, err := NewService(NewRepository(db), runner, ledgerSvc, stockSvc, routingSvc, statesSvc, outboxSvc, cfg, nil)
	require.NoError(t, err)

	return &testHarness{db: db, orch: orch, ledgerSvc: ledgerSvc, stockSvc: stockSvc}
}

func (h *testHarness) createAccountPair(t *testing.T, limit string) uuid.UUID {
	t.Helper()
	pair := &models.AccountPair{
		ID:             uuid.New(),
		RetailerID:     uuid.New(),
		CounterpartyID: uuid.New(),
		CreditLimit:    decimal.RequireFromString(limit),
	}
	require.NoError(t, h.db.Create(pair).Error)
	return pair.ID
}

func (h *testHarness) seedStock(t *testing.T, vendorID, itemID uuid.UUID, physical int) {
	t.Helper()
	require.NoError(t, h.db.Create(&models.StockLevel{
		VendorID:    vendorID,
		ItemID:      itemID,
		PhysicalQty: physical,
	}).Error)
}

// readyOrder walks a fresh order to vendor_notified with one open round.
func (h *testHarness) readyOrder(t *testing.T, pairID uuid.UUID, itemID uuid.UUID, qty int, price string, vendorIDs []uuid.UUID) (*models.Order, *models.VendorRouting) {
	t.Helper()
	ctx := context.Background()

	order, err := h.orch.CreateOrder(ctx, CreateOrderInput{
		RetailerID:    uuid.New(),
		AccountPairID: pairID,
		Lines: []OrderLineInput{
			{ItemID: itemID, Qty: qty, UnitPrice: decimal.RequireFromString(price)},
		},
	})
	require.NoError(t, err)

	_, err = h.orch.ValidateOrder(ctx, order.ID)
	require.NoError(t, err)
	_, err = h.orch.ReserveCredit(ctx, order.ID)
	require.NoError(t, err)

	round, err := h.orch.BroadcastOrder(ctx, order.ID, vendorIDs)
	require.NoError(t, err)
	return order, round
}

func TestOrchestrator_HappyPathPartialFulfillment(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	pairID := h.createAccountPair(t, "30000.00")
	itemID := uuid.New()
	vendorID := uuid.New()
	h.seedStock(t, vendorID, itemID, 100)

	order, round := h.readyOrder(t, pairID, itemID, 10, "500.00", []uuid.UUID{vendorID})
	assert.True(t, order.TotalAmount.Equal(decimal.RequireFromString("5000.00")))

	outcome, err := h.orch.HandleVendorAccept(ctx, round.ID, vendorID)
	require.NoError(t, err)
	assert.Equal(t, routing.OutcomeLocked, outcome.Outcome)
	assert.Equal(t, enums.OrderStatusVendorAccepted, outcome.Order.Status)
	require.NotNil(t, outcome.Order.LockedVendorID)
	assert.Equal(t, vendorID, *outcome.Order.LockedVendorID)

	level, err := h.stockSvc.GetLevel(ctx, vendorID, itemID)
	require.NoError(t, err)
	assert.Equal(t, 10, level.ReservedQty)

	// Vendor ships 7 of 10.
	fulfilled, err := h.orch.FulfillOrder(ctx, FulfillInput{
		OrderID:      order.ID,
		FulfilledQty: map[uuid.UUID]int{itemID: 7},
	})
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusFulfilled, fulfilled.Status)

	level, err = h.stockSvc.GetLevel(ctx, vendorID, itemID)
	require.NoError(t, err)
	assert.Equal(t, 93, level.PhysicalQty)
	assert.Equal(t, 0, level.ReservedQty)

	// The hold is gone; only the shipped amount is owed.
	balance, err := h.ledgerSvc.GetBalance(ctx, pairID)
	require.NoError(t, err)
	assert.True(t, balance.Balance.Equal(decimal.RequireFromString("3500.00")),
		"balance = %s, want 3500.00", balance.Balance)
}

func TestOrchestrator_ReserveCreditShortfall(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	pairID := h.createAccountPair(t, "30000.00")

	// Prior obligations leave only 2000 of headroom.
	_, err := h.ledgerSvc.RecordDebit(ctx, ledger.RecordEntryInput{
		AccountPairID:  pairID,
		Amount:         decimal.RequireFromString("28000.00"),
		IdempotencyKey: "prior-debit",
	})
	require.NoError(t, err)

	order, err := h.orch.CreateOrder(ctx, CreateOrderInput{
		RetailerID:    uuid.New(),
		AccountPairID: pairID,
		Lines: []OrderLineInput{
			{ItemID: uuid.New(), Qty: 10, UnitPrice: decimal.RequireFromString("500.00")},
		},
	})
	require.NoError(t, err)
	_, err = h.orch.ValidateOrder(ctx, order.ID)
	require.NoError(t, err)

	_, err = h.orch.ReserveCredit(ctx, order.ID)
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInsufficientCredit))

	typed := pkgerrors.As(err)
	details := typed.Details().(map[string]any)
	assert.Equal(t, "5000", details["requested"])
	assert.Equal(t, "2000", details["available"])
	assert.Equal(t, "3000", details["shortfall"])

	// The failed hold left the order where it was.
	got, err := h.orch.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusValidated, got.Status)
}

func TestOrchestrator_CancelReleasesEverything(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	pairID := h.createAccountPair(t, "30000.00")
	itemID := uuid.New()
	vendorID := uuid.New()
	h.seedStock(t, vendorID, itemID, 50)

	order, round := h.readyOrder(t, pairID, itemID, 5, "400.00", []uuid.UUID{vendorID})
	_, err := h.orch.HandleVendorAccept(ctx, round.ID, vendorID)
	require.NoError(t, err)

	cancelled, err := h.orch.CancelOrder(ctx, order.ID, "retailer changed their mind")
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCancelled, cancelled.Status)

	level, err := h.stockSvc.GetLevel(ctx, vendorID, itemID)
	require.NoError(t, err)
	assert.Equal(t, 50, level.PhysicalQty)
	assert.Equal(t, 0, level.ReservedQty)

	balance, err := h.ledgerSvc.GetBalance(ctx, pairID)
	require.NoError(t, err)
	assert.True(t, balance.Balance.IsZero(), "balance = %s, want 0", balance.Balance)

	// Terminal orders stay cancelled.
	_, err = h.orch.CancelOrder(ctx, order.ID, "again")
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))
}

func TestOrchestrator_AllRejectThenRebroadcast(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	pairID := h.createAccountPair(t, "30000.00")
	itemID := uuid.New()
	vendorA := uuid.New()
	vendorB := uuid.New()
	vendorC := uuid.New()
	h.seedStock(t, vendorC, itemID, 20)

	order, round := h.readyOrder(t, pairID, itemID, 3, "100.00", []uuid.UUID{vendorA, vendorB})

	require.NoError(t, h.orch.HandleVendorReject(ctx, round.ID, vendorA))
	got, err := h.orch.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusVendorNotified, got.Status)

	require.NoError(t, h.orch.HandleVendorReject(ctx, round.ID, vendorB))
	got, err = h.orch.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusVendorRejected, got.Status)

	newRound, err := h.orch.Rebroadcast(ctx, order.ID, []uuid.UUID{vendorC})
	require.NoError(t, err)
	assert.NotEqual(t, round.ID, newRound.ID)

	outcome, err := h.orch.HandleVendorAccept(ctx, newRound.ID, vendorC)
	require.NoError(t, err)
	assert.Equal(t, routing.OutcomeLocked, outcome.Outcome)
	assert.Equal(t, enums.OrderStatusVendorAccepted, outcome.Order.Status)
}

func TestOrchestrator_RoutingExpiryFailsOrder(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	pairID := h.createAccountPair(t, "30000.00")
	itemID := uuid.New()
	vendorID := uuid.New()

	order, round := h.readyOrder(t, pairID, itemID, 2, "250.00", []uuid.UUID{vendorID})

	// Push the response window into the past.
	require.NoError(t, h.db.Exec(
		"UPDATE vendor_routings SET respond_by = ? WHERE id = ?",
		time.Now().Add(-time.Minute), round.ID,
	).Error)

	require.NoError(t, h.orch.HandleRoutingExpiry(ctx, round.ID))

	got, err := h.orch.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusFailed, got.Status)

	// The hold came back.
	balance, err := h.ledgerSvc.GetBalance(ctx, pairID)
	require.NoError(t, err)
	assert.True(t, balance.Balance.IsZero(), "balance = %s, want 0", balance.Balance)

	// Replaying the expiry sweep is harmless.
	require.NoError(t, h.orch.HandleRoutingExpiry(ctx, round.ID))
}

func TestOrchestrator_AcceptWithoutStockFails(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	pairID := h.createAccountPair(t, "30000.00")
	itemID := uuid.New()
	vendorID := uuid.New()
	h.seedStock(t, vendorID, itemID, 1)

	order, round := h.readyOrder(t, pairID, itemID, 5, "100.00", []uuid.UUID{vendorID})

	_, err := h.orch.HandleVendorAccept(ctx, round.ID, vendorID)
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInsufficientStock))

	// The failed reservation took the lock and transition down with it.
	got, err := h.orch.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusVendorNotified, got.Status)
	assert.Nil(t, got.LockedVendorID)
}

func TestOrchestrator_AcceptRollbackLeavesNoTrace(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	pairID := h.createAccountPair(t, "30000.00")
	itemID := uuid.New()
	vendorID := uuid.New()
	h.seedStock(t, vendorID, itemID, 20)

	order, round := h.readyOrder(t, pairID, itemID, 5, "100.00", []uuid.UUID{vendorID})

	// Knock the order off its expected state so the transition inside the
	// accept transaction fails after stock is reserved and the lock is set.
	require.NoError(t, h.db.Exec(
		"UPDATE orders SET status = ? WHERE id = ?", enums.OrderStatusCreated, order.ID,
	).Error)

	_, err := h.orch.HandleVendorAccept(ctx, round.ID, vendorID)
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeStateConflict))

	// Everything rolled back as a unit: no reservation, no lock, no status.
	level, err := h.stockSvc.GetLevel(ctx, vendorID, itemID)
	require.NoError(t, err)
	assert.Equal(t, 0, level.ReservedQty)

	var reservations int64
	require.NoError(t, h.db.Model(&models.StockReservation{}).
		Where("order_id = ?", order.ID).
		Count(&reservations).Error)
	assert.Zero(t, reservations)

	got, err := h.orch.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.OrderStatusCreated, got.Status)
	assert.Nil(t, got.LockedVendorID)
}

func TestOrchestrator_AcceptReplayHealsStrandedRound(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	pairID := h.createAccountPair(t, "30000.00")
	itemID := uuid.New()
	vendorID := uuid.New()
	h.seedStock(t, vendorID, itemID, 20)

	order, round := h.readyOrder(t, pairID, itemID, 5, "100.00", []uuid.UUID{vendorID})

	// Round locked but the order update never landed, as after a crash
	// between the routing commit and the completion commit.
	require.NoError(t, h.db.Exec(
		"UPDATE vendor_routings SET locked_vendor_id = ?, status = ? WHERE id = ?",
		vendorID, enums.RoutingStatusLocked, round.ID,
	).Error)

	outcome, err := h.orch.HandleVendorAccept(ctx, round.ID, vendorID)
	require.NoError(t, err)
	assert.Equal(t, routing.OutcomeAlreadyAccepted, outcome.Outcome)
	assert.Equal(t, enums.OrderStatusVendorAccepted, outcome.Order.Status)
	require.NotNil(t, outcome.Order.LockedVendorID)
	assert.Equal(t, vendorID, *outcome.Order.LockedVendorID)

	level, err := h.stockSvc.GetLevel(ctx, vendorID, itemID)
	require.NoError(t, err)
	assert.Equal(t, 5, level.ReservedQty)

	_, err = h.orch.GetOrder(ctx, order.ID)
	require.NoError(t, err)
}

func TestOrchestrator_SecondAcceptLosesWithoutError(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	pairID := h.createAccountPair(t, "30000.00")
	itemID := uuid.New()
	vendorA := uuid.New()
	vendorB := uuid.New()
	h.seedStock(t, vendorA, itemID, 10)
	h.seedStock(t, vendorB, itemID, 10)

	order, round := h.readyOrder(t, pairID, itemID, 3, "100.00", []uuid.UUID{vendorA, vendorB})

	first, err := h.orch.HandleVendorAccept(ctx, round.ID, vendorA)
	require.NoError(t, err)
	assert.Equal(t, routing.OutcomeLocked, first.Outcome)

	// The loser gets a settled outcome back, not an error.
	second, err := h.orch.HandleVendorAccept(ctx, round.ID, vendorB)
	require.NoError(t, err)
	assert.Equal(t, routing.OutcomeRaceLost, second.Outcome)
	require.NotNil(t, second.Order.LockedVendorID)
	assert.Equal(t, vendorA, *second.Order.LockedVendorID)
	assert.Equal(t, enums.OrderStatusVendorAccepted, second.Order.Status)

	// The loser's stock was never touched.
	level, err := h.stockSvc.GetLevel(ctx, vendorB, itemID)
	require.NoError(t, err)
	assert.Equal(t, 0, level.ReservedQty)

	_, err = h.orch.GetOrder(ctx, order.ID)
	require.NoError(t, err)
}

func TestOrchestrator_RecordPaymentIdempotent(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()
	pairID := h.createAccountPair(t, "30000.00")
	itemID := uuid.New()
	vendorID := uuid.New()
	h.seedStock(t, vendorID, itemID, 100)

	order, round := h.readyOrder(t, pairID, itemID, 4, "1000.00", []uuid.UUID{vendorID})
	_, err := h.orch.HandleVendorAccept(ctx, round.ID, vendorID)
	require.NoError(t, err)
	_, err = h.orch.FulfillOrder(ctx, FulfillInput{OrderID: order.ID})
	require.NoError(t, err)

	input := PaymentInput{
		OrderID:        order.ID,
		Amount:         decimal.RequireFromString("4000.00"),
		IdempotencyKey: "payment:" + order.ID.String(),
	}
	first, err := h.orch.RecordPayment(ctx, input)
	require.NoError(t, err)
	second, err := h.orch.RecordPayment(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	balance, err := h.ledgerSvc.GetBalance(ctx, pairID)
	require.NoError(t, err)
	assert.True(t, balance.Balance.IsZero(), "balance = %s, want 0", balance.Balance)
}

func TestOrchestrator_CreateOrderValidation(t *testing.T) {
	h := setupHarness(t)
	ctx := context.Background()

	_, err := h.orch.CreateOrder(ctx, CreateOrderInput{
		RetailerID:    uuid.New(),
		AccountPairID: uuid.New(),
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}
