package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/restockd/restockd-backend/pkg/enums"
)

// Order is the mutable aggregate for one retailer order. Status is only ever
// changed through the state machine; LockedVendorID is set at most once and
// never cleared.
type Order struct {
	ID             uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	RetailerID     uuid.UUID         `gorm:"column:retailer_id;type:uuid;not null"`
	AccountPairID  uuid.UUID         `gorm:"column:account_pair_id;type:uuid;not null"`
	TotalAmount    decimal.Decimal   `gorm:"column:total_amount;type:numeric(14,2);not null"`
	Status         enums.OrderStatus `gorm:"column:status;type:order_status;not null;default:'created'"`
	LockedVendorID *uuid.UUID        `gorm:"column:locked_vendor_id;type:uuid"`
	ExpiresAt      time.Time         `gorm:"column:expires_at;not null"`
	Items          []OrderItem       `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

// OrderItem is one requested line of an order.
type OrderItem struct {
	ID        uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID   uuid.UUID       `gorm:"column:order_id;type:uuid;not null;index"`
	ItemID    uuid.UUID       `gorm:"column:item_id;type:uuid;not null"`
	Qty       int             `gorm:"column:qty;not null"`
	UnitPrice decimal.Decimal `gorm:"column:unit_price;type:numeric(14,2);not null"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
}
