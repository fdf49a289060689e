package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/restockd/restockd-backend/pkg/db/models"
	"github.com/restockd/restockd-backend/pkg/enums"
	pkgerrors "github.com/restockd/restockd-backend/pkg/errors"
	"github.com/restockd/restockd-backend/pkg/logger"
	"github.com/restockd/restockd-backend/pkg/metrics"
	"github.com/restockd/restockd-backend/pkg/outbox"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type outboxPublisher interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
	EmitIfNotExists(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) error
}

// Accept outcomes as reported to callers and metrics.
const (
	OutcomeLocked          = "locked"
	OutcomeAlreadyAccepted = "already_accepted"
	OutcomeRaceLost        = "race_lost"
	OutcomeExpired         = "routing_expired"
)

// Service coordinates broadcast rounds and the vendor accept race.
type Service interface {
	Route(ctx context.Context, tx *gorm.DB, input RouteInput) (*models.VendorRouting, error)
	Respond(ctx context.Context, input RespondInput) error
	Accept(ctx context.Context, input AcceptInput) (*AcceptResult, error)
	AutoCancellations(ctx context.Context, routingID, winnerID uuid.UUID) (int, error)
	Expire(ctx context.Context, routingID uuid.UUID) (bool, error)
	ListTimedOut(ctx context.Context, cutoff time.Time, limit int) ([]models.VendorRouting, error)
	Get(ctx context.Context, routingID uuid.UUID) (*models.VendorRouting, error)
}

type service struct {
	repo    Repository
	tx      txRunner
	outbox  outboxPublisher
	metrics *metrics.RoutingMetrics
	logg    *logger.Logger
}

// RouteInput starts one broadcast round for an order.
type RouteInput struct {
	OrderID   uuid.UUID
	VendorIDs []uuid.UUID
	RespondBy time.Time
}

// RespondInput records a vendor's declared intent. It is advisory only;
// winning the order still requires Accept. The first response per vendor
// sticks; repeats are no-ops.
type RespondInput struct {
	RoutingID uuid.UUID
	VendorID  uuid.UUID
	Response  enums.VendorResponseType
}

// AcceptInput is one vendor's attempt to win a routing round.
type AcceptInput struct {
	RoutingID uuid.UUID
	VendorID  uuid.UUID
}

// AcceptResult reports how an accept attempt settled. Losing attempts come
// back as race_lost or routing_expired outcomes, not errors.
type AcceptResult struct {
	Outcome             string
	Routing             *models.VendorRouting
	CancellationsQueued int
}

// BroadcastEvent is the outbox payload announcing a routing round.
type BroadcastEvent struct {
	OrderID   uuid.UUID   `json:"order_id"`
	RoutingID uuid.UUID   `json:"routing_id"`
	VendorIDs []uuid.UUID `json:"vendor_ids"`
	RespondBy time.Time   `json:"respond_by"`
}

// VendorLockedEvent is the outbox payload for a won accept race.
type VendorLockedEvent struct {
	OrderID   uuid.UUID `json:"order_id"`
	RoutingID uuid.UUID `json:"routing_id"`
	VendorID  uuid.UUID `json:"vendor_id"`
}

// VendorCancellationEvent tells a losing vendor to stand down.
type VendorCancellationEvent struct {
	OrderID   uuid.UUID `json:"order_id"`
	RoutingID uuid.UUID `json:"routing_id"`
	VendorID  uuid.UUID `json:"vendor_id"`
	WinnerID  uuid.UUID `json:"winner_id"`
}

// RoutingExpiredEvent is the outbox payload for a round that ran out of time.
type RoutingExpiredEvent struct {
	OrderID   uuid.UUID `json:"order_id"`
	RoutingID uuid.UUID `json:"routing_id"`
}

// NewService builds a routing service with the required dependencies.
func NewService(repo Repository, tx txRunner, outboxSvc outboxPublisher, routingMetrics *metrics.RoutingMetrics, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("routing repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if outboxSvc == nil {
		return nil, fmt.Errorf("outbox publisher required")
	}
	return &service{
		repo:    repo,
		tx:      tx,
		outbox:  outboxSvc,
		metrics: routingMetrics,
		logg:    logg,
	}, nil
}

// Route opens a broadcast round inside the caller's transaction. An order
// with a round still pending gets that round back instead of a second one.
func (s *service) Route(ctx context.Context, tx *gorm.DB, input RouteInput) (*models.VendorRouting, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction required for routing")
	}
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	if len(input.VendorIDs) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one candidate vendor is required")
	}
	if input.RespondBy.IsZero() || !input.RespondBy.After(time.Now()) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "respond-by must be in the future")
	}
	seen := make(map[uuid.UUID]struct{}, len(input.VendorIDs))
	for _, vendorID := range input.VendorIDs {
		if vendorID == uuid.Nil {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "candidate vendor id cannot be empty")
		}
		if _, dup := seen[vendorID]; dup {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "duplicate candidate vendor id")
		}
		seen[vendorID] = struct{}{}
	}

	repo := s.repo.WithTx(tx)
	existing, err := repo.FindActiveByOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	routing := &models.VendorRouting{
		OrderID:   input.OrderID,
		Status:    enums.RoutingStatusPendingResponses,
		RespondBy: input.RespondBy,
	}
	for _, vendorID := range input.VendorIDs {
		routing.Candidates = append(routing.Candidates, models.RoutingCandidate{VendorID: vendorID})
	}
	if err := repo.Create(ctx, routing); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create routing round")
	}

	if err := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
		EventType:     enums.EventOrderBroadcast,
		AggregateType: enums.AggregateVendorRouting,
		AggregateID:   routing.ID,
		Data: BroadcastEvent{
			OrderID:   input.OrderID,
			RoutingID: routing.ID,
			VendorIDs: input.VendorIDs,
			RespondBy: input.RespondBy,
		},
		Version: 1,
	}); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit broadcast event")
	}
	return routing, nil
}

func (s *service) Respond(ctx context.Context, input RespondInput) error {
	if input.RoutingID == uuid.Nil || input.VendorID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "routing id and vendor id are required")
	}
	if !input.Response.IsValid() {
		return pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid response type %q", input.Response))
	}

	routing, err := s.repo.FindByID(ctx, input.RoutingID)
	if err != nil {
		return err
	}
	if routing == nil {
		return pkgerrors.New(pkgerrors.CodeNotFound, "routing round not found")
	}
	if !isCandidate(routing, input.VendorID) {
		return pkgerrors.New(pkgerrors.CodeValidation, "vendor is not a candidate for this round")
	}
	if routing.Status == enums.RoutingStatusExpired || time.Now().After(routing.RespondBy) {
		return pkgerrors.New(pkgerrors.CodeRoutingExpired, "routing round is no longer accepting responses").
			WithDetails(map[string]any{"routing_id": routing.ID.String()})
	}

	return s.repo.InsertResponse(ctx, &models.VendorResponse{
		RoutingID:    input.RoutingID,
		VendorID:     input.VendorID,
		ResponseType: input.Response,
	})
}

// Accept decides the race. The guarded update is the only arbiter: whoever
// commits it first is locked in, every later attempt comes back with a
// race_lost or routing_expired outcome. A vendor that previously rejected
// the round may still accept; the earlier response is advisory and does not
// disqualify them, though the recorded response keeps its original value.
func (s *service) Accept(ctx context.Context, input AcceptInput) (*AcceptResult, error) {
	if input.RoutingID == uuid.Nil || input.VendorID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "routing id and vendor id are required")
	}

	routing, err := s.repo.FindByID(ctx, input.RoutingID)
	if err != nil {
		return nil, err
	}
	if routing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "routing round not found")
	}
	if !isCandidate(routing, input.VendorID) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor is not a candidate for this round")
	}
	if settled := s.resolveSettled(routing, input.VendorID); settled != nil {
		s.metrics.IncOutcome(settled.Outcome)
		return settled, nil
	}

	var result *AcceptResult
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		won, casErr := repo.AcceptGuarded(ctx, input.RoutingID, input.VendorID)
		if casErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, casErr, "accept routing round")
		}
		if !won {
			// Lost the race between our read and the update; classify below.
			return errLostGuard
		}
		if respErr := repo.InsertResponse(ctx, &models.VendorResponse{
			RoutingID:    input.RoutingID,
			VendorID:     input.VendorID,
			ResponseType: enums.VendorResponseAccept,
		}); respErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, respErr, "record accept response")
		}
		if emitErr := s.outbox.Emit(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventVendorLocked,
			AggregateType: enums.AggregateVendorRouting,
			AggregateID:   input.RoutingID,
			Data: VendorLockedEvent{
				OrderID:   routing.OrderID,
				RoutingID: input.RoutingID,
				VendorID:  input.VendorID,
			},
			Version: 1,
		}); emitErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, emitErr, "emit vendor locked event")
		}
		queued, cancelErr := s.queueCancellations(ctx, tx, routing, input.VendorID)
		if cancelErr != nil {
			return cancelErr
		}
		result = &AcceptResult{Outcome: OutcomeLocked, CancellationsQueued: queued}
		return nil
	})
	if err != nil {
		if err == errLostGuard {
			settled, findErr := s.repo.FindByID(ctx, input.RoutingID)
			if findErr != nil {
				return nil, findErr
			}
			if settled == nil {
				return nil, pkgerrors.New(pkgerrors.CodeNotFound, "routing round not found")
			}
			resolved := s.resolveSettled(settled, input.VendorID)
			if resolved == nil {
				// Guard failed yet the re-read still looks open. Treat as lost;
				// the vendor can retry against whatever settles the round.
				resolved = &AcceptResult{Outcome: OutcomeRaceLost, Routing: settled}
			}
			s.metrics.IncOutcome(resolved.Outcome)
			return resolved, nil
		}
		return nil, err
	}

	settled, err := s.repo.FindByID(ctx, input.RoutingID)
	if err != nil {
		return nil, err
	}
	result.Routing = settled
	s.metrics.IncOutcome(result.Outcome)
	if s.logg != nil {
		logCtx := s.logg.WithRoutingID(ctx, input.RoutingID.String())
		logCtx = s.logg.WithVendorID(logCtx, input.VendorID.String())
		s.logg.Info(logCtx, "vendor locked")
	}
	return result, nil
}

var errLostGuard = errors.New("accept guard failed")

// resolveSettled maps an already decided round onto the caller's outcome:
// idempotent success for the winner, race_lost or routing_expired for
// everyone else. Returns nil while the race is still open.
func (s *service) resolveSettled(routing *models.VendorRouting, vendorID uuid.UUID) *AcceptResult {
	if routing.LockedVendorID != nil && *routing.LockedVendorID == vendorID {
		return &AcceptResult{Outcome: OutcomeAlreadyAccepted, Routing: routing}
	}
	if routing.LockedVendorID != nil || routing.Status == enums.RoutingStatusLocked {
		return &AcceptResult{Outcome: OutcomeRaceLost, Routing: routing}
	}
	if routing.Status == enums.RoutingStatusExpired || time.Now().After(routing.RespondBy) {
		return &AcceptResult{Outcome: OutcomeExpired, Routing: routing}
	}
	return nil
}

// AutoCancellations re-emits the stand-down notifications for a locked
// round's losing candidates, returning how many were queued. Dedupe keys
// make a standalone or repeated call safe alongside the accept path.
func (s *service) AutoCancellations(ctx context.Context, routingID, winnerID uuid.UUID) (int, error) {
	if routingID == uuid.Nil || winnerID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "routing id and winner id are required")
	}
	routing, err := s.repo.FindByID(ctx, routingID)
	if err != nil {
		return 0, err
	}
	if routing == nil {
		return 0, pkgerrors.New(pkgerrors.CodeNotFound, "routing round not found")
	}
	if routing.LockedVendorID == nil || *routing.LockedVendorID != winnerID {
		return 0, pkgerrors.New(pkgerrors.CodeStateConflict, "round is not locked to this vendor").
			WithDetails(map[string]any{"routing_id": routingID.String()})
	}

	queued := 0
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		count, cancelErr := s.queueCancellations(ctx, tx, routing, winnerID)
		queued = count
		return cancelErr
	})
	if err != nil {
		return 0, err
	}
	return queued, nil
}

// queueCancellations emits one stand-down notification per losing candidate.
// Dedupe keys make the emission safe to repeat.
func (s *service) queueCancellations(ctx context.Context, tx *gorm.DB, routing *models.VendorRouting, winnerID uuid.UUID) (int, error) {
	queued := 0
	for _, candidate := range routing.Candidates {
		if candidate.VendorID == winnerID {
			continue
		}
		dedupeKey := fmt.Sprintf("vendor_cancellation:%s:%s", routing.ID, candidate.VendorID)
		if err := s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventVendorCancellation,
			AggregateType: enums.AggregateVendorRouting,
			AggregateID:   routing.ID,
			DedupeKey:     &dedupeKey,
			Data: VendorCancellationEvent{
				OrderID:   routing.OrderID,
				RoutingID: routing.ID,
				VendorID:  candidate.VendorID,
				WinnerID:  winnerID,
			},
			Version: 1,
		}); err != nil {
			return queued, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "queue vendor cancellation")
		}
		queued++
	}
	return queued, nil
}

// Expire closes a round whose response window passed without a winner.
// Candidates that never responded get a timeout response for the record.
func (s *service) Expire(ctx context.Context, routingID uuid.UUID) (bool, error) {
	if routingID == uuid.Nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "routing id is required")
	}
	routing, err := s.repo.FindByID(ctx, routingID)
	if err != nil {
		return false, err
	}
	if routing == nil {
		return false, pkgerrors.New(pkgerrors.CodeNotFound, "routing round not found")
	}

	expired := false
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		flipped, expireErr := repo.ExpireGuarded(ctx, routingID)
		if expireErr != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, expireErr, "expire routing round")
		}
		if !flipped {
			return nil
		}
		expired = true

		responded := make(map[uuid.UUID]struct{}, len(routing.Responses))
		for _, response := range routing.Responses {
			responded[response.VendorID] = struct{}{}
		}
		for _, candidate := range routing.Candidates {
			if _, ok := responded[candidate.VendorID]; ok {
				continue
			}
			if respErr := repo.InsertResponse(ctx, &models.VendorResponse{
				RoutingID:    routingID,
				VendorID:     candidate.VendorID,
				ResponseType: enums.VendorResponseTimeout,
			}); respErr != nil {
				return pkgerrors.Wrap(pkgerrors.CodeDependency, respErr, "record timeout response")
			}
		}

		dedupeKey := fmt.Sprintf("routing_expired:%s", routingID)
		return s.outbox.EmitIfNotExists(ctx, tx, outbox.DomainEvent{
			EventType:     enums.EventRoutingExpired,
			AggregateType: enums.AggregateVendorRouting,
			AggregateID:   routingID,
			DedupeKey:     &dedupeKey,
			Data: RoutingExpiredEvent{
				OrderID:   routing.OrderID,
				RoutingID: routingID,
			},
			Version: 1,
		})
	})
	if err != nil {
		return false, err
	}
	return expired, nil
}

func (s *service) ListTimedOut(ctx context.Context, cutoff time.Time, limit int) ([]models.VendorRouting, error) {
	return s.repo.ListExpired(ctx, cutoff, limit)
}

func (s *service) Get(ctx context.Context, routingID uuid.UUID) (*models.VendorRouting, error) {
	if routingID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "routing id is required")
	}
	routing, err := s.repo.FindByID(ctx, routingID)
	if err != nil {
		return nil, err
	}
	if routing == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "routing round not found")
	}
	return routing, nil
}

func isCandidate(routing *models.VendorRouting, vendorID uuid.UUID) bool {
	for _, candidate := range routing.Candidates {
		if candidate.VendorID == vendorID {
			return true
		}
	}
	return false
}
