package stock

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/restockd/restockd-backend/pkg/db/models"
	"github.com/restockd/restockd-backend/pkg/enums"
)

// Repository manages stock levels and reservations. Counter mutations go
// through guarded updates so callers can detect lost races by row count.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	GetLevel(ctx context.Context, vendorID, itemID uuid.UUID) (*models.StockLevel, error)
	ListLevels(ctx context.Context, vendorID uuid.UUID) ([]models.StockLevel, error)
	ListAllLevels(ctx context.Context) ([]models.StockLevel, error)
	ReserveLevel(ctx context.Context, vendorID, itemID uuid.UUID, qty int) (bool, error)
	ReleaseLevel(ctx context.Context, vendorID, itemID uuid.UUID, qty int) (bool, error)
	DeductLevel(ctx context.Context, vendorID, itemID uuid.UUID, reservedQty, deductQty int) (bool, error)
	CreateReservation(ctx context.Context, reservation *models.StockReservation) error
	ListReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.StockReservation, error)
	ResolveReservation(ctx context.Context, id uuid.UUID, to enums.ReservationStatus, resolvedQty int) (bool, error)
	SumActiveReservations(ctx context.Context, vendorID, itemID uuid.UUID) (int, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a stock repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) GetLevel(ctx context.Context, vendorID, itemID uuid.UUID) (*models.StockLevel, error) {
	var level models.StockLevel
	err := r.db.WithContext(ctx).
		Where("vendor_id = ? AND item_id = ?", vendorID, itemID).
		First(&level).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &level, nil
}

func (r *repository) ListLevels(ctx context.Context, vendorID uuid.UUID) ([]models.StockLevel, error) {
	var levels []models.StockLevel
	if err := r.db.WithContext(ctx).
		Where("vendor_id = ?", vendorID).
		Find(&levels).Error; err != nil {
		return nil, err
	}
	return levels, nil
}

func (r *repository) ListAllLevels(ctx context.Context) ([]models.StockLevel, error) {
	var levels []models.StockLevel
	if err := r.db.WithContext(ctx).Find(&levels).Error; err != nil {
		return nil, err
	}
	return levels, nil
}

// ReserveLevel bumps the reserved counter only when enough free stock exists.
// A false return means the guard failed and nothing changed.
func (r *repository) ReserveLevel(ctx context.Context, vendorID, itemID uuid.UUID, qty int) (bool, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE stock_levels
		SET reserved_qty = reserved_qty + ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE vendor_id = ? AND item_id = ? AND physical_qty - reserved_qty >= ?
	`, qty, vendorID, itemID, qty)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ReleaseLevel(ctx context.Context, vendorID, itemID uuid.UUID, qty int) (bool, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE stock_levels
		SET reserved_qty = reserved_qty - ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE vendor_id = ? AND item_id = ? AND reserved_qty >= ?
	`, qty, vendorID, itemID, qty)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// DeductLevel removes deductQty from physical stock and the full reservedQty
// from the reserved counter, covering partial fulfillment where only part of
// a reservation ships.
func (r *repository) DeductLevel(ctx context.Context, vendorID, itemID uuid.UUID, reservedQty, deductQty int) (bool, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE stock_levels
		SET physical_qty = physical_qty - ?,
			reserved_qty = reserved_qty - ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE vendor_id = ? AND item_id = ? AND reserved_qty >= ? AND physical_qty >= ?
	`, deductQty, reservedQty, vendorID, itemID, reservedQty, deductQty)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) CreateReservation(ctx context.Context, reservation *models.StockReservation) error {
	return r.db.WithContext(ctx).Create(reservation).Error
}

func (r *repository) ListReservationsByOrder(ctx context.Context, orderID uuid.UUID) ([]models.StockReservation, error) {
	var reservations []models.StockReservation
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&reservations).Error; err != nil {
		return nil, err
	}
	return reservations, nil
}

// ResolveReservation flips a reservation out of the reserved state exactly
// once. A false return means another caller resolved it first.
func (r *repository) ResolveReservation(ctx context.Context, id uuid.UUID, to enums.ReservationStatus, resolvedQty int) (bool, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE stock_reservations
		SET status = ?,
			resolved_qty = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, to, resolvedQty, id, enums.ReservationStatusReserved)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) SumActiveReservations(ctx context.Context, vendorID, itemID uuid.UUID) (int, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.StockReservation{}).
		Select("COALESCE(SUM(qty), 0)").
		Where("vendor_id = ? AND item_id = ? AND status = ?", vendorID, itemID, enums.ReservationStatusReserved).
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return int(total), nil
}
