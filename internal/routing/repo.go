package routing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/restockd/restockd-backend/pkg/db/models"
	"github.com/restockd/restockd-backend/pkg/enums"
)

// Repository manages vendor routing rounds. The locked_vendor_id column is
// written only by AcceptGuarded; everything else treats it as read-only.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, routing *models.VendorRouting) error
	FindByID(ctx context.Context, routingID uuid.UUID) (*models.VendorRouting, error)
	FindActiveByOrder(ctx context.Context, orderID uuid.UUID) (*models.VendorRouting, error)
	AcceptGuarded(ctx context.Context, routingID, vendorID uuid.UUID) (bool, error)
	ExpireGuarded(ctx context.Context, routingID uuid.UUID) (bool, error)
	InsertResponse(ctx context.Context, response *models.VendorResponse) error
	ListResponses(ctx context.Context, routingID uuid.UUID) ([]models.VendorResponse, error)
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.VendorRouting, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a routing repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, routing *models.VendorRouting) error {
	return r.db.WithContext(ctx).Create(routing).Error
}

func (r *repository) FindByID(ctx context.Context, routingID uuid.UUID) (*models.VendorRouting, error) {
	var routing models.VendorRouting
	err := r.db.WithContext(ctx).
		Preload("Candidates").
		Preload("Responses").
		Where("id = ?", routingID).
		First(&routing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &routing, nil
}

func (r *repository) FindActiveByOrder(ctx context.Context, orderID uuid.UUID) (*models.VendorRouting, error) {
	var routing models.VendorRouting
	err := r.db.WithContext(ctx).
		Preload("Candidates").
		Preload("Responses").
		Where("order_id = ? AND status = ?", orderID, enums.RoutingStatusPendingResponses).
		Order("created_at DESC").
		First(&routing).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &routing, nil
}

// AcceptGuarded is the single write that decides the accept race. Exactly
// one caller per routing round ever sees a true return; everyone after that
// fails the WHERE clause and changes nothing.
func (r *repository) AcceptGuarded(ctx context.Context, routingID, vendorID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE vendor_routings
		SET locked_vendor_id = ?,
			status = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND locked_vendor_id IS NULL AND status = ?
	`, vendorID, enums.RoutingStatusLocked, routingID, enums.RoutingStatusPendingResponses)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repository) ExpireGuarded(ctx context.Context, routingID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Exec(`
		UPDATE vendor_routings
		SET status = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`, enums.RoutingStatusExpired, routingID, enums.RoutingStatusPendingResponses)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// InsertResponse keeps at most one response row per (routing, vendor); the
// first response wins and a later write is a no-op.
func (r *repository) InsertResponse(ctx context.Context, response *models.VendorResponse) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "routing_id"}, {Name: "vendor_id"}},
			DoNothing: true,
		}).
		Create(response).Error
}

func (r *repository) ListResponses(ctx context.Context, routingID uuid.UUID) ([]models.VendorResponse, error) {
	var responses []models.VendorResponse
	if err := r.db.WithContext(ctx).
		Where("routing_id = ?", routingID).
		Order("responded_at ASC").
		Find(&responses).Error; err != nil {
		return nil, err
	}
	return responses, nil
}

func (r *repository) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.VendorRouting, error) {
	var routings []models.VendorRouting
	query := r.db.WithContext(ctx).
		Preload("Candidates").
		Preload("Responses").
		Where("status = ? AND respond_by <= ?", enums.RoutingStatusPendingResponses, cutoff).
		Order("respond_by ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&routings).Error; err != nil {
		return nil, err
	}
	return routings, nil
}
