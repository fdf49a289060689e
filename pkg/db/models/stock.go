package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/restockd/restockd-backend/pkg/enums"
)

// StockLevel tracks physical/reserved counts per (vendor, item). Both counters
// are mutated only through conditional updates that keep reserved <= physical.
type StockLevel struct {
	VendorID    uuid.UUID `gorm:"column:vendor_id;type:uuid;primaryKey"`
	ItemID      uuid.UUID `gorm:"column:item_id;type:uuid;primaryKey"`
	PhysicalQty int       `gorm:"column:physical_qty;not null;default:0"`
	ReservedQty int       `gorm:"column:reserved_qty;not null;default:0"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// StockReservation is one reserved line for an order. A row is released
// exactly once on cancellation or deducted exactly once on fulfillment,
// never both.
type StockReservation struct {
	ID          uuid.UUID               `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID     uuid.UUID               `gorm:"column:order_id;type:uuid;not null;index"`
	VendorID    uuid.UUID               `gorm:"column:vendor_id;type:uuid;not null"`
	ItemID      uuid.UUID               `gorm:"column:item_id;type:uuid;not null"`
	Qty         int                     `gorm:"column:qty;not null"`
	Status      enums.ReservationStatus `gorm:"column:status;type:reservation_status;not null;default:'reserved'"`
	ResolvedQty int                     `gorm:"column:resolved_qty;not null;default:0"`
	CreatedAt   time.Time               `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time               `gorm:"column:updated_at;autoUpdateTime"`
}
