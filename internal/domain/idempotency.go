package domain

import "time"

// PurchaseReceipt records the result of a previously processed purchase
// request, keyed by (user_id, generation_id, key). It enables safe retries
// of POST /orders: a replayed request returns the originally created order
// instead of opening a second gateway order for the same generation.
type PurchaseReceipt struct {
	ID           string    `gorm:"type:TEXT NOT NULL;primaryKey"`
	UserID       string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_generation_key,priority:1"`
	GenerationID string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_generation_key,priority:2"`
	Key          string    `gorm:"type:TEXT NOT NULL;uniqueIndex:ux_user_generation_key,priority:3"`
	OrderID      string    `gorm:"type:TEXT NOT NULL"`
	Status       int       `gorm:"type:INTEGER NOT NULL"`
	CreatedAt    time.Time `gorm:"type:DATETIME NOT NULL;autoCreateTime"`
	ExpiresAt    time.Time `gorm:"type:DATETIME NOT NULL;index"`
}

// TableName implements the GORM tabler interface.
func (PurchaseReceipt) TableName() string { return "purchase_receipts" }
