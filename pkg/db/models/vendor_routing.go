package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/restockd/restockd-backend/pkg/enums"
)

// VendorRouting tracks one broadcast round of an order to candidate vendors.
// LockedVendorID is only ever written by the conditional accept update; the
// row update is the mutual-exclusion mechanism for the accept race.
type VendorRouting struct {
	ID             uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	OrderID        uuid.UUID           `gorm:"column:order_id;type:uuid;not null;index"`
	Status         enums.RoutingStatus `gorm:"column:status;type:routing_status;not null;default:'pending_responses'"`
	LockedVendorID *uuid.UUID          `gorm:"column:locked_vendor_id;type:uuid"`
	RespondBy      time.Time           `gorm:"column:respond_by;not null"`
	Candidates     []RoutingCandidate  `gorm:"foreignKey:RoutingID;constraint:OnDelete:CASCADE"`
	Responses      []VendorResponse    `gorm:"foreignKey:RoutingID;constraint:OnDelete:CASCADE"`
	CreatedAt      time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

// RoutingCandidate is one vendor an order was broadcast to.
type RoutingCandidate struct {
	ID        uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	RoutingID uuid.UUID `gorm:"column:routing_id;type:uuid;not null;index"`
	VendorID  uuid.UUID `gorm:"column:vendor_id;type:uuid;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// VendorResponse records a vendor's declared intent for a routing round.
// At most one row exists per (routing, vendor); it is advisory bookkeeping,
// not the lock itself.
type VendorResponse struct {
	ID           uuid.UUID                `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	RoutingID    uuid.UUID                `gorm:"column:routing_id;type:uuid;not null;uniqueIndex:ux_vendor_responses_routing_vendor"`
	VendorID     uuid.UUID                `gorm:"column:vendor_id;type:uuid;not null;uniqueIndex:ux_vendor_responses_routing_vendor"`
	ResponseType enums.VendorResponseType `gorm:"column:response_type;type:vendor_response_type;not null"`
	RespondedAt  time.Time                `gorm:"column:responded_at;autoCreateTime"`
}
