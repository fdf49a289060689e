package states

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/restockd/restockd-backend/pkg/db/models"
	"github.com/restockd/restockd-backend/pkg/enums"
	pkgerrors "github.com/restockd/restockd-backend/pkg/errors"
	"github.com/restockd/restockd-backend/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Service moves orders through their lifecycle. Every accepted transition
// writes the new status, an audit event, and an outbox notification in one
// transaction; a rejected transition changes nothing.
type Service interface {
	Transition(ctx context.Context, input TransitionInput) (*models.OrderEvent, error)
	TransitionTx(ctx context.Context, tx *gorm.DB, input TransitionInput) (*models.OrderEvent, error)
	History(ctx context.Context, orderID uuid.UUID) ([]models.OrderEvent, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
}

type service struct {
	repo   Repository
	tx     txRunner
	outbox outboxPublisher
}

// TransitionInput carries one requested status change.
type TransitionInput struct {
	OrderID     uuid.UUID
	To          enums.OrderStatus
	Reason      string
	PerformedBy string
}

// StateChangedEvent is the outbox payload for an accepted transition.
type StateChangedEvent struct {
	OrderID   uuid.UUID         `json:"order_id"`
	FromState enums.OrderStatus `json:"from_state"`
	ToState   enums.OrderStatus `json:"to_state"`
	Reason    string            `json:"reason"`
}

// NewService builds a state service with the required dependencies.
func NewService(repo Repository, tx txRunner, outboxSvc outboxPublisher) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("states repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{repo: repo, tx: tx, outbox: outboxSvc}, nil
}

func (s *service) Transition(ctx context.Context, input TransitionInput) (*models.OrderEvent, error) {
	var event *models.OrderEvent
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		transitioned, txErr := s.TransitionTx(ctx, tx, input)
		event = transitioned
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return event, nil
}

// TransitionTx applies one status change inside a caller-owned transaction.
func (s *service) TransitionTx(ctx context.Context, tx *gorm.DB, input TransitionInput) (*models.OrderEvent, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction required for state transition")
	}
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	if !input.To.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid order status %q", input.To))
	}
	if input.Reason == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "reason is required")
	}

	repo := s.repo.WithTx(tx)
	order, err := repo.FindOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}

	from := order.Status
	if !CanTransition(from, input.To) {
		return nil, stateConflict(from, input.To)
	}
	if input.To == enums.OrderStatusFulfilled {
		if err := s.checkFulfillPrecondition(ctx, repo, input.OrderID); err != nil {
			return nil, err
		}
	}

	moved, err := repo.UpdateStatusGuarded(ctx, input.OrderID, from, input.To)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update order status")
	}
	if !moved {
		// Someone else changed the status since we read it.
		current, findErr := repo.FindOrder(ctx, input.OrderID)
		if findErr == nil && current != nil {
			return nil, stateConflict(current.Status, input.To)
		}
		return nil, stateConflict(from, input.To)
	}

	event := &models.OrderEvent{
		OrderID:     input.OrderID,
		FromState:   from,
		ToState:     input.To,
		Reason:      input.Reason,
		PerformedBy: input.PerformedBy,
	}
	if err := repo.CreateEvent(ctx, event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record order event")
	}

	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderStateChanged,
		AggregateType: enums.AggregateOrder,
		AggregateID:   input.OrderID,
		Data: StateChangedEvent{
			OrderID:   input.OrderID,
			FromState: from,
			ToState:   input.To,
			Reason:    input.Reason,
		},
		Version: 1,
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit state change event")
	}
	return event, nil
}

// Fulfillment is only legal for orders that actually reserved credit at some
// point, so the audit trail must contain a credit_reserved hop.
func (s *service) checkFulfillPrecondition(ctx context.Context, repo Repository, orderID uuid.UUID) error {
	events, err := repo.ListEvents(ctx, orderID)
	if err != nil {
		return err
	}
	for _, event := range events {
		if event.ToState == enums.OrderStatusCreditReserved {
			return nil
		}
	}
	return pkgerrors.New(pkgerrors.CodeStateConflict, "order never reserved credit").
		WithDetails(map[string]any{"order_id": orderID.String()})
}

func (s *service) History(ctx context.Context, orderID uuid.UUID) ([]models.OrderEvent, error) {
	if orderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	return s.repo.ListEvents(ctx, orderID)
}

func (s *service) GetOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
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

func stateConflict(from, to enums.OrderStatus) error {
	allowed := AllowedNext(from)
	next := make([]string, len(allowed))
	for i, status := range allowed {
		next[i] = status.String()
	}
	return pkgerrors.New(pkgerrors.CodeStateConflict,
		fmt.Sprintf("cannot move order from %s to %s", from, to)).
		WithDetails(map[string]any{
			"from":          from.String(),
			"to":            to.String(),
			"allowed_next":  next,
			"from_terminal": from.IsTerminal(),
		})
}
