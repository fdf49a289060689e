package stock

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/restockd/restockd-backend/pkg/db/models"
	"github.com/restockd/restockd-backend/pkg/enums"
	pkgerrors "github.com/restockd/restockd-backend/pkg/errors"
	"github.com/restockd/restockd-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service defines stock reservation operations. Reserve is all-or-nothing
// per order; Release and Deduct resolve each reservation at most once.
type Service interface {
	Reserve(ctx context.Context, input ReserveInput) ([]models.StockReservation, error)
	ReserveTx(ctx context.Context, tx *gorm.DB, input ReserveInput) ([]models.StockReservation, error)
	Release(ctx context.Context, orderID uuid.UUID) (int, error)
	ReleaseTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (int, error)
	Deduct(ctx context.Context, tx *gorm.DB, input DeductInput) ([]models.StockReservation, error)
	GetLevel(ctx context.Context, vendorID, itemID uuid.UUID) (*models.StockLevel, error)
	CheckConsistency(ctx context.Context) ([]DriftReport, error)
}

type service struct {
	repo Repository
	tx   txRunner
	logg *logger.Logger
}

// ReserveLine is one requested quantity of an item.
type ReserveLine struct {
	ItemID uuid.UUID
	Qty    int
}

// ReserveInput captures a reservation request against one vendor's stock.
type ReserveInput struct {
	OrderID  uuid.UUID
	VendorID uuid.UUID
	Lines    []ReserveLine
}

// DeductInput resolves reservations on fulfillment. FulfilledQty overrides
// the reserved quantity per item for partial fulfillment; items absent from
// the map deduct in full.
type DeductInput struct {
	OrderID      uuid.UUID
	FulfilledQty map[uuid.UUID]int
}

// DriftReport flags a stock level whose reserved counter disagrees with the
// sum of its active reservations.
type DriftReport struct {
	VendorID    uuid.UUID
	ItemID      uuid.UUID
	ReservedQty int
	ActiveSum   int
}

// NewService builds a stock service with the required dependencies.
func NewService(repo Repository, tx txRunner, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("stock repository required")
	}
	if tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	return &service{repo: repo, tx: tx, logg: logg}, nil
}

// Reserve takes stock for every line or none of them. Replaying an order
// that already holds active reservations returns the existing rows.
func (s *service) Reserve(ctx context.Context, input ReserveInput) ([]models.StockReservation, error) {
	var reserved []models.StockReservation
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		rows, reserveErr := s.reserveInTx(ctx, tx, input)
		reserved = rows
		return reserveErr
	})
	if err != nil {
		return nil, err
	}
	return reserved, nil
}

// ReserveTx is Reserve running inside a caller-owned transaction.
func (s *service) ReserveTx(ctx context.Context, tx *gorm.DB, input ReserveInput) ([]models.StockReservation, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock reservation")
	}
	return s.reserveInTx(ctx, tx, input)
}

func (s *service) reserveInTx(ctx context.Context, tx *gorm.DB, input ReserveInput) ([]models.StockReservation, error) {
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	if input.VendorID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor id is required")
	}
	if len(input.Lines) == 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "at least one line is required")
	}
	for _, line := range input.Lines {
		if line.ItemID == uuid.Nil || line.Qty <= 0 {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "each line needs an item id and a positive qty")
		}
	}

	repo := s.repo.WithTx(tx)
	existing, err := repo.ListReservationsByOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}
	var active []models.StockReservation
	for _, reservation := range existing {
		if reservation.Status == enums.ReservationStatusReserved && reservation.VendorID == input.VendorID {
			active = append(active, reservation)
		}
	}
	if len(active) > 0 {
		return active, nil
	}

	var shortages []map[string]any
	for _, line := range input.Lines {
		ok, reserveErr := repo.ReserveLevel(ctx, input.VendorID, line.ItemID, line.Qty)
		if reserveErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, reserveErr, "reserve stock level")
		}
		if !ok {
			level, levelErr := repo.GetLevel(ctx, input.VendorID, line.ItemID)
			available := 0
			if levelErr == nil && level != nil {
				available = level.PhysicalQty - level.ReservedQty
			}
			shortages = append(shortages, map[string]any{
				"item_id":   line.ItemID.String(),
				"requested": line.Qty,
				"available": available,
			})
		}
	}
	if len(shortages) > 0 {
		// Abort the transaction so successful lines roll back too.
		return nil, pkgerrors.New(pkgerrors.CodeInsufficientStock, "not enough free stock").
			WithDetails(map[string]any{"shortages": shortages})
	}

	var created []models.StockReservation
	for _, line := range input.Lines {
		reservation := models.StockReservation{
			OrderID:  input.OrderID,
			VendorID: input.VendorID,
			ItemID:   line.ItemID,
			Qty:      line.Qty,
			Status:   enums.ReservationStatusReserved,
		}
		if createErr := repo.CreateReservation(ctx, &reservation); createErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, createErr, "create stock reservation")
		}
		created = append(created, reservation)
	}

	if s.logg != nil {
		logCtx := s.logg.WithOrderID(ctx, input.OrderID.String())
		logCtx = s.logg.WithVendorID(logCtx, input.VendorID.String())
		s.logg.Info(logCtx, "stock reserved")
	}
	return created, nil
}

// Release returns all active reservations for an order to free stock. Calling
// it again, or after fulfillment, releases nothing and is not an error.
func (s *service) Release(ctx context.Context, orderID uuid.UUID) (int, error) {
	var released int
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		count, releaseErr := s.releaseInTx(ctx, tx, orderID)
		released = count
		return releaseErr
	})
	return released, err
}

// ReleaseTx is Release running inside a caller-owned transaction.
func (s *service) ReleaseTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (int, error) {
	if tx == nil {
		return 0, pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock release")
	}
	return s.releaseInTx(ctx, tx, orderID)
}

func (s *service) releaseInTx(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (int, error) {
	if orderID == uuid.Nil {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	repo := s.repo.WithTx(tx)
	reservations, err := repo.ListReservationsByOrder(ctx, orderID)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, reservation := range reservations {
		if reservation.Status != enums.ReservationStatusReserved {
			continue
		}
		flipped, resolveErr := repo.ResolveReservation(ctx, reservation.ID, enums.ReservationStatusReleased, 0)
		if resolveErr != nil {
			return released, pkgerrors.Wrap(pkgerrors.CodeDependency, resolveErr, "resolve reservation")
		}
		if !flipped {
			continue
		}
		ok, levelErr := repo.ReleaseLevel(ctx, reservation.VendorID, reservation.ItemID, reservation.Qty)
		if levelErr != nil {
			return released, pkgerrors.Wrap(pkgerrors.CodeDependency, levelErr, "release stock level")
		}
		if !ok {
			return released, pkgerrors.New(pkgerrors.CodeInternal, "reserved counter below reservation qty").
				WithDetails(map[string]any{
					"vendor_id": reservation.VendorID.String(),
					"item_id":   reservation.ItemID.String(),
				})
		}
		released++
	}
	return released, nil
}

// Deduct consumes reservations on fulfillment inside the caller's
// transaction. The unfulfilled remainder of a partially shipped line goes
// back to free stock.
func (s *service) Deduct(ctx context.Context, tx *gorm.DB, input DeductInput) ([]models.StockReservation, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction required for stock deduction")
	}
	if input.OrderID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	repo := s.repo.WithTx(tx)
	reservations, err := repo.ListReservationsByOrder(ctx, input.OrderID)
	if err != nil {
		return nil, err
	}

	var resolved []models.StockReservation
	for _, reservation := range reservations {
		if reservation.Status != enums.ReservationStatusReserved {
			continue
		}
		deductQty := reservation.Qty
		if override, ok := input.FulfilledQty[reservation.ItemID]; ok {
			if override < 0 || override > reservation.Qty {
				return nil, pkgerrors.New(pkgerrors.CodeValidation, "fulfilled qty out of range").
					WithDetails(map[string]any{
						"item_id":   reservation.ItemID.String(),
						"reserved":  reservation.Qty,
						"fulfilled": override,
					})
			}
			deductQty = override
		}
		flipped, resolveErr := repo.ResolveReservation(ctx, reservation.ID, enums.ReservationStatusDeducted, deductQty)
		if resolveErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, resolveErr, "resolve reservation")
		}
		if !flipped {
			continue
		}
		ok, levelErr := repo.DeductLevel(ctx, reservation.VendorID, reservation.ItemID, reservation.Qty, deductQty)
		if levelErr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, levelErr, "deduct stock level")
		}
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeInternal, "stock counters below reservation qty").
				WithDetails(map[string]any{
					"vendor_id": reservation.VendorID.String(),
					"item_id":   reservation.ItemID.String(),
				})
		}
		reservation.Status = enums.ReservationStatusDeducted
		reservation.ResolvedQty = deductQty
		resolved = append(resolved, reservation)
	}
	return resolved, nil
}

func (s *service) GetLevel(ctx context.Context, vendorID, itemID uuid.UUID) (*models.StockLevel, error) {
	if vendorID == uuid.Nil || itemID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "vendor id and item id are required")
	}
	level, err := s.repo.GetLevel(ctx, vendorID, itemID)
	if err != nil {
		return nil, err
	}
	if level == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "stock level not found")
	}
	return level, nil
}

// CheckConsistency compares each reserved counter against the sum of active
// reservations and reports every mismatch.
func (s *service) CheckConsistency(ctx context.Context) ([]DriftReport, error) {
	levels, err := s.repo.ListAllLevels(ctx)
	if err != nil {
		return nil, err
	}
	var drifts []DriftReport
	for _, level := range levels {
		sum, sumErr := s.repo.SumActiveReservations(ctx, level.VendorID, level.ItemID)
		if sumErr != nil {
			return nil, sumErr
		}
		if sum != level.ReservedQty {
			drifts = append(drifts, DriftReport{
				VendorID:    level.VendorID,
				ItemID:      level.ItemID,
				ReservedQty: level.ReservedQty,
				ActiveSum:   sum,
			})
		}
	}
	return drifts, nil
}
