package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/restockd/restockd-backend/pkg/enums"
)

// LedgerEntry records an immutable financial movement between a retailer and a
// counterparty. Rows are never updated or deleted; balances are derived by
// folding the entry set for an account pair.
type LedgerEntry struct {
	ID              uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	AccountPairID   uuid.UUID             `gorm:"column:account_pair_id;type:uuid;not null;index"`
	Kind            enums.LedgerEntryKind `gorm:"column:kind;type:ledger_entry_kind;not null"`
	Amount          decimal.Decimal       `gorm:"column:amount;type:numeric(14,2);not null"`
	OrderID         *uuid.UUID            `gorm:"column:order_id;type:uuid"`
	IdempotencyKey  string                `gorm:"column:idempotency_key;uniqueIndex:ux_ledger_entries_idempotency_key;not null"`
	ReversedEntryID *uuid.UUID            `gorm:"column:reversed_entry_id;type:uuid"`
	CreatedAt       time.Time             `gorm:"column:created_at;autoCreateTime"`
}

// AccountPair carries the credit exposure limit for a retailer/counterparty pair.
type AccountPair struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	RetailerID     uuid.UUID       `gorm:"column:retailer_id;type:uuid;not null"`
	CounterpartyID uuid.UUID       `gorm:"column:counterparty_id;type:uuid;not null"`
	CreditLimit    decimal.Decimal `gorm:"column:credit_limit;type:numeric(14,2);not null"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
