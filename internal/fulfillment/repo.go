package fulfillment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/restockd/restockd-backend/pkg/db/models"
	"github.com/restockd/restockd-backend/pkg/enums"
)

// Repository creates and reads orders for the orchestrator. Status changes
// go through the state service, never through this repository.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateOrder(ctx context.Context, order *models.Order) error
	FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error)
	SetLockedVendorGuarded(ctx context.Context, orderID, vendorID uuid.UUID) (bool, error)
	ListExpiredOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a fulfillment repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateOrder(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("id = ?", orderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// SetLockedVendorGuarded records the winning vendor at most once.
func (r *repository) SetLockedVendorGuarded(ctx context.Context, orderID, vendorID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE orders
		SET locked_vendor_id = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND (locked_vendor_id IS NULL OR locked_vendor_id = ?)
	`, vendorID, orderID, vendorID)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ListExpiredOrders(ctx context.Context, cutoff time.Time, limit int) ([]models.Order, error) {
	terminal := []enums.OrderStatus{
		enums.OrderStatusFulfilled,
		enums.OrderStatusCancelled,
		enums.OrderStatusFailed,
	}
	var orders []models.Order
	query := r.db.WithContext(ctx).
		Where("expires_at <= ? AND status NOT IN ?", cutoff, terminal).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}
