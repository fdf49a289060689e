package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/restockd/restockd-backend/pkg/enums"
)

// OrderEvent is the immutable audit row written alongside every accepted
// status transition. The table is the system of record for what happened and
// when; rows are never updated.
type OrderEvent struct {
	ID          uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID     uuid.UUID         `gorm:"column:order_id;type:uuid;not null;index"`
	FromState   enums.OrderStatus `gorm:"column:from_state;type:order_status;not null"`
	ToState     enums.OrderStatus `gorm:"column:to_state;type:order_status;not null"`
	Reason      string            `gorm:"column:reason;not null"`
	PerformedBy string            `gorm:"column:performed_by;not null"`
	CreatedAt   time.Time         `gorm:"column:created_at;autoCreateTime"`
}
