package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/restockd/restockd-backend/internal/ledger"
	"github.com/restockd/restockd-backend/internal/routing"
	"github.com/restockd/restockd-backend/internal/states"
	"github.com/restockd/restockd-backend/internal/stock"
	"github.com/restockd/restockd-backend/pkg/config"
	"github.com/restockd/restockd-backend/pkg/db/models"
	"github.com/restockd/restockd-backend/pkg/enums"
	pkgerrors "github.com/restockd/restockd-backend/pkg/errors"
	"github.com/restockd/restockd-backend/pkg/logger"
	"github.com/restockd/restockd-backend/pkg/outbox"
	"github.com/restockd/restockd-backend/pkg/validate"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service is the order orchestrator. It drives orders through validation,
// credit reservation, vendor routing, and fulfillment by composing the
// ledger, stock, routing, and state services.
type Service interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error)
	ValidateOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	ReserveCredit(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	BroadcastOrder(ctx context.Context, orderID uuid.UUID, vendorIDs []uuid.UUID) (*models.VendorRouting, error)
	HandleVendorAccept(ctx context.Context, routingID, vendorID uuid.UUID) (*AcceptOutcome, error)
	HandleVendorReject(ctx context.Context, routingID, vendorID uuid.UUID) error
	Rebroadcast(ctx context.Context, orderID uuid.UUID, vendorIDs []uuid.UUID) (*models.VendorRouting, error)
	FulfillOrder(ctx context.Context, input FulfillInput) (*models.Order, error)
	CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (*models.Order, error)
	RecordPayment(ctx context.Context, input PaymentInput) (*models.LedgerEntry, error)
	HandleRoutingExpiry(ctx context.Context, routingID uuid.UUID) error
	ExpireOrder(ctx context.Context, orderID uuid.UUID) error
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

type service struct {
	repo    Repository
	tx      txRunner
	ledger  ledger.Service
	stock   stock.Service
	routing routing.Service
	states  states.Service
	outbox  outboxPublisher
	cfg     config.RoutingConfig
	logg    *logger.Logger
}

// CreateOrderInput is the retailer's order request.
type CreateOrderInput struct {
	RetailerID    uuid.UUID        `json:"retailer_id" validate:"required"`
	AccountPairID uuid.UUID        `json:"account_pair_id" validate:"required"`
	Lines         []OrderLineInput `json:"lines" validate:"required,min=1,dive"`
}

// OrderLineInput is one requested item.
type OrderLineInput struct {
	ItemID    uuid.UUID       `json:"item_id" validate:"required"`
	Qty       int             `json:"qty" validate:"required,gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"required"`
}

// FulfillInput closes out an accepted order. FulfilledQty overrides the
// ordered quantity per item when the vendor ships short.
type FulfillInput struct {
	OrderID      uuid.UUID
	FulfilledQty map[uuid.UUID]int
}

// PaymentInput records money received against an order's account pair.
type PaymentInput struct {
	OrderID        uuid.UUID
	Amount         decimal.Decimal
	IdempotencyKey string
}

// AcceptOutcome reports what a vendor's accept attempt produced.
type AcceptOutcome struct {
	Outcome string
	Order   *models.Order
	Routing *models.VendorRouting
}

// OrderCreatedEvent is the outbox payload for a new order.
type OrderCreatedEvent struct {
	OrderID       uuid.UUID       `json:"order_id"`
	RetailerID    uuid.UUID       `json:"retailer_id"`
	AccountPairID uuid.UUID       `json:"account_pair_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	LineCount     int             `json:"line_count"`
}

// OrderFulfilledEvent is the outbox payload for a completed order.
type OrderFulfilledEvent struct {
	OrderID         uuid.UUID       `json:"order_id"`
	VendorID        uuid.UUID       `json:"vendor_id"`
	FulfilledAmount decimal.Decimal `json:"fulfilled_amount"`
	ShortShipped    bool            `json:"short_shipped"`
}

// OrderCancelledEvent is the outbox payload for a cancelled order.
type OrderCancelledEvent struct {
	OrderID uuid.UUID `json:"order_id"`
	Reason  string    `json:"reason"`
}

// PaymentRecordedEvent is the outbox payload for a recorded payment.
type PaymentRecordedEvent struct {
	OrderID uuid.UUID       `json:"order_id"`
	EntryID uuid.UUID       `json:"entry_id"`
	Amount  decimal.Decimal `json:"amount"`
}

// NewService builds the orchestrator with its collaborating services.
func NewService(
	repo Repository,
	tx txRunner,
	ledgerSvc ledger.Service,
	stockSvc stock.Service,
	routingSvc routing.Service,
	statesSvc states.Service,
	outboxSvc outboxPublisher,
	cfg config.RoutingConfig,
	logg *logger.Logger,
) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("fulfillment repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if ledgerSvc == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	if stockSvc == nil {
		return nil, fmt.Errorf("stock service required")
	}
	if routingSvc == nil {
		return nil, fmt.Errorf("routing service required")
	}
	if statesSvc == nil {
		return nil, fmt.Errorf("states service required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		repo:    repo,
		tx:      tx,
		ledger:  ledgerSvc,
		stock:   stockSvc,
		routing: routingSvc,
		states:  statesSvc,
		outbox:  outboxSvc,
		cfg:     cfg,
		logg:    logg,
	}, nil
}

func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	if err := validate.Struct(input); err != nil {
		return nil, err
	}
	total := decimal.Zero
	for _, line := range input.Lines {
		if !line.UnitPrice.IsPositive() {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "unit price must be positive")
		}
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Qty))))
	}

	order := &models.Order{
		RetailerID:    input.RetailerID,
		AccountPairID: input.AccountPairID,
		TotalAmount:   total,
		Status:        enums.OrderStatusCreated,
		ExpiresAt:     time.Now().Add(s.cfg.OrderTTL),
	}
	for _, line := range input.Lines {
		order.Items = append(order.Items, models.OrderItem{
			ItemID:    line.ItemID,
			Qty:       line.Qty,
			UnitPrice: line.UnitPrice,
		})
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if createErr := s.repo.WithTx(tx).CreateOrder(ctx, order); createErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, createErr, "create order")
		}
		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCreated,
			AggregateType: enums.AggregateOrder,
			AggregateID:   order.ID,
			Data: OrderCreatedEvent{
				OrderID:       order.ID,
				RetailerID:    order.RetailerID,
				AccountPairID: order.AccountPairID,
				TotalAmount:   order.TotalAmount,
				LineCount:     len(order.Items),
			},
			Version: 1,
		})
	})
	if err != nil {
		return nil, err
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithOrderID(ctx, order.ID.String()), "order created")
	}
	return order, nil
}

// ValidateOrder runs the pre-flight checks and moves the order forward.
func (s *service) ValidateOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.mustFindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if len(order.Items) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order has no items")
	}
	if !order.TotalAmount.IsPositive() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order total must be positive")
	}
	if time.Now().After(order.ExpiresAt) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order already expired")
	}

	if _, err := s.states.Transition(ctx, states.TransitionInput{
		OrderID:     orderID,
		To:          enums.OrderStatusValidated,
		Reason:      "order validated",
		PerformedBy: "orchestrator",
	}); err != nil {
		return nil, err
	}
	return s.mustFindOrder(ctx, orderID)
}

// ReserveCredit places the ledger hold for the order total and advances the
// order in the same transaction, so a failed hold leaves the status alone.
func (s *service) ReserveCredit(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.mustFindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	holdKey := fmt.Sprintf("credit_hold:%s", orderID)
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txLedger := s.ledger.WithRepo(ledger.NewRepository(tx))
		orderRef := orderID
		if _, holdErr := txLedger.PlaceHold(ctx, ledger.RecordEntryInput{
			AccountPairID:  order.AccountPairID,
			OrderID:        &orderRef,
			Amount:         order.TotalAmount,
			IdempotencyKey: holdKey,
		}); holdErr != nil {
			return holdErr
		}
		_, transitionErr := s.states.TransitionTx(ctx, tx, states.TransitionInput{
			OrderID:     orderID,
			To:          enums.OrderStatusCreditReserved,
			Reason:      "credit hold placed",
			PerformedBy: "orchestrator",
		})
		return transitionErr
	})
	if err != nil {
		if s.logg != nil && pkgerrors.HasCode(err, pkgerrors.CodeInsufficientCredit) {
			s.logg.Warn(s.logg.WithOrderID(ctx, orderID.String()), "credit hold rejected")
		}
		return nil, err
	}
	return s.mustFindOrder(ctx, orderID)
}

// BroadcastOrder opens a routing round and notifies the candidates.
func (s *service) BroadcastOrder(ctx context.Context, orderID uuid.UUID, vendorIDs []uuid.UUID) (*models.VendorRouting, error) {
	if _, err := s.mustFindOrder(ctx, orderID); err != nil {
		return nil, err
	}

	var round *models.VendorRouting
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		routed, routeErr := s.routing.Route(ctx, tx, routing.RouteInput{
			OrderID:   orderID,
			VendorIDs: vendorIDs,
			RespondBy: time.Now().Add(s.cfg.ResponseWindow),
		})
		if routeErr != nil {
			return routeErr
		}
		round = routed
		_, transitionErr := s.states.TransitionTx(ctx, tx, states.TransitionInput{
			OrderID:     orderID,
			To:          enums.OrderStatusVendorNotified,
			Reason:      "broadcast to candidate vendors",
			PerformedBy: "orchestrator",
		})
		return transitionErr
	})
	if err != nil {
		return nil, err
	}
	return round, nil
}

// HandleVendorAccept runs a vendor's accept attempt end to end: win the
// routing race, then reserve the vendor's stock, lock the vendor onto the
// order, and advance it to vendor_accepted in a single transaction. Losing
// the race comes back as a race_lost or routing_expired outcome, not an
// error. The winner's completion step also runs for already_accepted
// replays, so a crash between the routing lock and the order update heals
// on redelivery.
func (s *service) HandleVendorAccept(ctx context.Context, routingID, vendorID uuid.UUID) (*AcceptOutcome, error) {
	result, err := s.routing.Accept(ctx, routing.AcceptInput{
		RoutingID: routingID,
		VendorID:  vendorID,
	})
	if err != nil {
		return nil, err
	}

	orderID := result.Routing.OrderID
	order, err := s.mustFindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if result.Outcome == routing.OutcomeLocked || result.Outcome == routing.OutcomeAlreadyAccepted {
		if completeErr := s.completeAccept(ctx, order, vendorID); completeErr != nil {
			return nil, completeErr
		}
		order, err = s.mustFindOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
	}

	return &AcceptOutcome{
		Outcome: result.Outcome,
		Order:   order,
		Routing: result.Routing,
	}, nil
}

// completeAccept reserves the winner's stock, locks the vendor onto the
// order, and moves it to vendor_accepted, all in one transaction. Replays
// are harmless: active reservations come back as-is, the lock tolerates
// being already held by this vendor, and a finished order short-circuits.
func (s *service) completeAccept(ctx context.Context, order *models.Order, vendorID uuid.UUID) error {
	if order.LockedVendorID != nil && *order.LockedVendorID != vendorID {
		return pkgerrors.New(pkgerrors.CodeConflict, "order already locked to another vendor")
	}
	if order.Status == enums.OrderStatusVendorAccepted || order.Status.IsTerminal() {
		// The order already moved on; there is nothing left to redo.
		return nil
	}

	lines := make([]stock.ReserveLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, stock.ReserveLine{ItemID: item.ItemID, Qty: item.Qty})
	}
	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if _, reserveErr := s.stock.ReserveTx(ctx, tx, stock.ReserveInput{
			OrderID:  order.ID,
			VendorID: vendorID,
			Lines:    lines,
		}); reserveErr != nil {
			return reserveErr
		}
		locked, lockErr := s.repo.WithTx(tx).SetLockedVendorGuarded(ctx, order.ID, vendorID)
		if lockErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, lockErr, "lock vendor onto order")
		}
		if !locked && (order.LockedVendorID == nil || *order.LockedVendorID != vendorID) {
			return pkgerrors.New(pkgerrors.CodeConflict, "order already locked to another vendor")
		}
		_, transitionErr := s.states.TransitionTx(ctx, tx, states.TransitionInput{
			OrderID:     order.ID,
			To:          enums.OrderStatusVendorAccepted,
			Reason:      fmt.Sprintf("vendor %s accepted", vendorID),
			PerformedBy: "vendor:" + vendorID.String(),
		})
		return transitionErr
	})
}

// HandleVendorReject records the rejection. When the last candidate rejects,
// the round closes and the order waits for a rebroadcast or cancellation.
func (s *service) HandleVendorReject(ctx context.Context, routingID, vendorID uuid.UUID) error {
	if err := s.routing.Respond(ctx, routing.RespondInput{
		RoutingID: routingID,
		VendorID:  vendorID,
		Response:  enums.VendorResponseReject,
	}); err != nil {
		return err
	}

	round, err := s.routing.Get(ctx, routingID)
	if err != nil {
		return err
	}
	if round.Status != enums.RoutingStatusPendingResponses {
		return nil
	}
	rejected := make(map[uuid.UUID]struct{})
	for _, response := range round.Responses {
		if response.ResponseType == enums.VendorResponseReject {
			rejected[response.VendorID] = struct{}{}
		}
	}
	for _, candidate := range round.Candidates {
		if _, ok := rejected[candidate.VendorID]; !ok {
			return nil
		}
	}

	// Every candidate said no.
	if _, err := s.routing.Expire(ctx, routingID); err != nil {
		return err
	}
	_, err = s.states.Transition(ctx, states.TransitionInput{
		OrderID:     round.OrderID,
		To:          enums.OrderStatusVendorRejected,
		Reason:      "all candidate vendors rejected",
		PerformedBy: "orchestrator",
	})
	return err
}

// Rebroadcast reopens routing for an order whose previous round failed.
func (s *service) Rebroadcast(ctx context.Context, orderID uuid.UUID, vendorIDs []uuid.UUID) (*models.VendorRouting, error) {
	order, err := s.mustFindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != enums.OrderStatusVendorRejected {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "only rejected orders can be rebroadcast").
			WithDetails(map[string]any{"status": order.Status.String()})
	}

	var round *models.VendorRouting
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		routed, routeErr := s.routing.Route(ctx, tx, routing.RouteInput{
			OrderID:   orderID,
			VendorIDs: vendorIDs,
			RespondBy: time.Now().Add(s.cfg.ResponseWindow),
		})
		if routeErr != nil {
			return routeErr
		}
		round = routed
		_, transitionErr := s.states.TransitionTx(ctx, tx, states.TransitionInput{
			OrderID:     orderID,
			To:          enums.OrderStatusVendorNotified,
			Reason:      "rebroadcast to new candidates",
			PerformedBy: "orchestrator",
		})
		return transitionErr
	})
	if err != nil {
		return nil, err
	}
	return round, nil
}

// FulfillOrder settles the order: stock is deducted, the credit hold turns
// into a debit for what actually shipped, and the order goes terminal. All
// of it commits or none of it does.
func (s *service) FulfillOrder(ctx context.Context, input FulfillInput) (*models.Order, error) {
	order, err := s.mustFindOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if order.LockedVendorID == nil {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "order has no locked vendor")
	}
	vendorID := *order.LockedVendorID

	var fulfilled *models.Order
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		resolved, deductErr := s.stock.Deduct(ctx, tx, stock.DeductInput{
			OrderID:      input.OrderID,
			FulfilledQty: input.FulfilledQty,
		})
		if deductErr != nil {
			return deductErr
		}

		fulfilledAmount, shortShipped := settledAmount(order, resolved)

		txLedger := s.ledger.WithRepo(ledger.NewRepository(tx))
		if convertErr := s.convertHoldToDebit(ctx, txLedger, order, fulfilledAmount); convertErr != nil {
			return convertErr
		}

		if _, transitionErr := s.states.TransitionTx(ctx, tx, states.TransitionInput{
			OrderID:     input.OrderID,
			To:          enums.OrderStatusFulfilled,
			Reason:      "vendor fulfilled order",
			PerformedBy: "vendor:" + vendorID.String(),
		}); transitionErr != nil {
			return transitionErr
		}

		return s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderFulfilled,
			AggregateType: enums.AggregateOrder,
			AggregateID:   input.OrderID,
			Data: OrderFulfilledEvent{
				OrderID:         input.OrderID,
				VendorID:        vendorID,
				FulfilledAmount: fulfilledAmount,
				ShortShipped:    shortShipped,
			},
			Version: 1,
		})
	})
	if err != nil {
		return nil, err
	}

	fulfilled, err = s.mustFindOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if s.logg != nil {
		s.logg.Info(s.logg.WithOrderID(ctx, input.OrderID.String()), "order fulfilled")
	}
	return fulfilled, nil
}

// CancelOrder releases everything the order held and goes terminal.
func (s *service) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string) (*models.Order, error) {
	if reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "cancellation reason is required")
	}
	if _, err := s.mustFindOrder(ctx, orderID); err != nil {
		return nil, err
	}

	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if _, transitionErr := s.states.TransitionTx(ctx, tx, states.TransitionInput{
			OrderID:     orderID,
			To:          enums.OrderStatusCancelled,
			Reason:      reason,
			PerformedBy: "orchestrator",
		}); transitionErr != nil {
			return transitionErr
		}
		if _, releaseErr := s.stock.ReleaseTx(ctx, tx, orderID); releaseErr != nil {
			return releaseErr
		}
		txLedger := s.ledger.WithRepo(ledger.NewRepository(tx))
		if reverseErr := s.reverseOpenHold(ctx, txLedger, orderID); reverseErr != nil {
			return reverseErr
		}
		dedupeKey := fmt.Sprintf("order_cancelled:%s", orderID)
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderCancelled,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			DedupeKey:     &dedupeKey,
			Data:          OrderCancelledEvent{OrderID: orderID, Reason: reason},
			Version:       1,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.mustFindOrder(ctx, orderID)
}

// RecordPayment credits the account pair for money received.
func (s *service) RecordPayment(ctx context.Context, input PaymentInput) (*models.LedgerEntry, error) {
	if input.IdempotencyKey == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "idempotency key is required")
	}
	order, err := s.mustFindOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}

	var entry *models.LedgerEntry
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		txLedger := s.ledger.WithRepo(ledger.NewRepository(tx))
		orderRef := input.OrderID
		recorded, creditErr := txLedger.RecordCredit(ctx, ledger.RecordEntryInput{
			AccountPairID:  order.AccountPairID,
			OrderID:        &orderRef,
			Amount:         input.Amount,
			IdempotencyKey: input.IdempotencyKey,
		})
		if creditErr != nil {
			return creditErr
		}
		entry = recorded
		dedupeKey := fmt.Sprintf("payment_recorded:%s", input.IdempotencyKey)
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventPaymentRecorded,
			AggregateType: enums.AggregateLedgerEntry,
			AggregateID:   recorded.ID,
			DedupeKey:     &dedupeKey,
			Data: PaymentRecordedEvent{
				OrderID: input.OrderID,
				EntryID: recorded.ID,
				Amount:  input.Amount,
			},
			Version: 1,
		})
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// HandleRoutingExpiry fails an order whose routing round ran out the clock.
// The retailer is expected to rebroadcast or recreate the order explicitly.
func (s *service) HandleRoutingExpiry(ctx context.Context, routingID uuid.UUID) error {
	round, err := s.routing.Get(ctx, routingID)
	if err != nil {
		return err
	}
	if round.LockedVendorID != nil {
		return nil
	}
	if round.Status == enums.RoutingStatusPendingResponses {
		if _, expireErr := s.routing.Expire(ctx, routingID); expireErr != nil {
			return expireErr
		}
	}
	order, err := s.mustFindOrder(ctx, round.OrderID)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() {
		return nil
	}
	return s.failOrder(ctx, round.OrderID, "routing window expired without a winner")
}

// ExpireOrder fails an order that outlived its overall TTL.
func (s *service) ExpireOrder(ctx context.Context, orderID uuid.UUID) error {
	order, err := s.mustFindOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status.IsTerminal() {
		return nil
	}
	if time.Now().Before(order.ExpiresAt) {
		return pkgerrors.New(pkgerrors.CodeValidation, "order has not expired yet")
	}
	return s.failOrder(ctx, orderID, "order exceeded its time to live")
}

func (s *service) failOrder(ctx context.Context, orderID uuid.UUID, reason string) error {
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if _, transitionErr := s.states.TransitionTx(ctx, tx, states.TransitionInput{
			OrderID:     orderID,
			To:          enums.OrderStatusFailed,
			Reason:      reason,
			PerformedBy: "orchestrator",
		}); transitionErr != nil {
			return transitionErr
		}
		if _, releaseErr := s.stock.ReleaseTx(ctx, tx, orderID); releaseErr != nil {
			return releaseErr
		}
		txLedger := s.ledger.WithRepo(ledger.NewRepository(tx))
		if reverseErr := s.reverseOpenHold(ctx, txLedger, orderID); reverseErr != nil {
			return reverseErr
		}
		dedupeKey := fmt.Sprintf("order_expired:%s", orderID)
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventOrderExpired,
			AggregateType: enums.AggregateOrder,
			AggregateID:   orderID,
			DedupeKey:     &dedupeKey,
			Data:          OrderCancelledEvent{OrderID: orderID, Reason: reason},
			Version:       1,
		})
	})
	if err != nil && s.logg != nil {
		fields := map[string]any{"dump": pkgerrors.Dump(err)}
		s.logg.Error(s.logg.WithFields(s.logg.WithOrderID(ctx, orderID.String()), fields), "failing order did not stick", err)
	}
	return err
}

func (s *service) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	return s.mustFindOrder(ctx, orderID)
}

func (s *service) mustFindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	order, err := s.repo.FindOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

// convertHoldToDebit reverses the open credit hold and debits what actually
// shipped. Orders fulfilled in full debit the original total.
func (s *service) convertHoldToDebit(ctx context.Context, txLedger ledger.Service, order *models.Order, fulfilledAmount decimal.Decimal) error {
	entries, err := txLedger.EntriesByOrder(ctx, order.ID)
	if err != nil {
		return err
	}
	hold := openHold(entries)
	if hold == nil {
		return pkgerrors.New(pkgerrors.CodeStateConflict, "no open credit hold for order")
	}
	if _, err := txLedger.ReverseEntry(ctx, ledger.ReverseEntryInput{
		EntryID:        hold.ID,
		IdempotencyKey: fmt.Sprintf("hold_release:%s", order.ID),
	}); err != nil {
		return err
	}
	orderRef := order.ID
	_, err = txLedger.RecordDebit(ctx, ledger.RecordEntryInput{
		AccountPairID:  order.AccountPairID,
		OrderID:        &orderRef,
		Amount:         fulfilledAmount,
		IdempotencyKey: fmt.Sprintf("fulfillment_debit:%s", order.ID),
	})
	return err
}

func (s *service) reverseOpenHold(ctx context.Context, txLedger ledger.Service, orderID uuid.UUID) error {
	entries, err := txLedger.EntriesByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	hold := openHold(entries)
	if hold == nil {
		return nil
	}
	_, err = txLedger.ReverseEntry(ctx, ledger.ReverseEntryInput{
		EntryID:        hold.ID,
		IdempotencyKey: fmt.Sprintf("hold_release:%s", orderID),
	})
	return err
}

// openHold finds the hold entry that no reversal has netted out yet.
func openHold(entries []models.LedgerEntry) *models.LedgerEntry {
	reversed := make(map[uuid.UUID]struct{})
	for _, entry := range entries {
		if entry.Kind == enums.LedgerEntryKindReversal && entry.ReversedEntryID != nil {
			reversed[*entry.ReversedEntryID] = struct{}{}
		}
	}
	for i := range entries {
		if entries[i].Kind != enums.LedgerEntryKindHold {
			continue
		}
		if _, ok := reversed[entries[i].ID]; ok {
			continue
		}
		return &entries[i]
	}
	return nil
}

// settledAmount prices the resolved reservations against the order lines.
func settledAmount(order *models.Order, resolved []models.StockReservation) (decimal.Decimal, bool) {
	priceByItem := make(map[uuid.UUID]decimal.Decimal, len(order.Items))
	qtyByItem := make(map[uuid.UUID]int, len(order.Items))
	for _, item := range order.Items {
		priceByItem[item.ItemID] = item.UnitPrice
		qtyByItem[item.ItemID] = item.Qty
	}
	total := decimal.Zero
	short := false
	for _, reservation := range resolved {
		price, ok := priceByItem[reservation.ItemID]
		if !ok {
			continue
		}
		total = total.Add(price.Mul(decimal.NewFromInt(int64(reservation.ResolvedQty))))
		if reservation.ResolvedQty < qtyByItem[reservation.ItemID] {
			short = true
		}
	}
	return total, short
}
