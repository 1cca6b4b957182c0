// Package domain defines the persistence models for generations, orders, and
// payments. These types are mapped with GORM and form the core data layer
// of the Mirasi backend.
package domain

import (
	"time"
)

// GenerationStatus is the lifecycle state of a Generation.
//
// Transitions are monotonic:
//
//	pending → processing → completed
//	pending → processing → failed
//
// completed and failed are terminal; a row never leaves a terminal state.
type GenerationStatus string

const (
	StatusPending    GenerationStatus = "pending"
	StatusProcessing GenerationStatus = "processing"
	StatusCompleted  GenerationStatus = "completed"
	StatusFailed     GenerationStatus = "failed"
)

// Terminal reports whether s is a final state.
func (s GenerationStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether the edge s → to exists in the lifecycle.
func (s GenerationStatus) CanTransition(to GenerationStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// SubjectType classifies what is in the uploaded photo. It drives pipeline
// selection: human subjects must always use the identity-preserving pipeline.
type SubjectType string

const (
	SubjectHuman SubjectType = "human"
	SubjectPet   SubjectType = "pet"
)

// Valid reports whether s is one of the two recognized subject types.
func (s SubjectType) Valid() bool {
	return s == SubjectHuman || s == SubjectPet
}

// Generation represents one user request to transform a source photo into a
// styled output. It is the central entity of the application.
//
// Invariants (enforced by the repo layer's conditional updates):
//   - Status transitions follow GenerationStatus.CanTransition.
//   - GeneratedImagePath and PreviewImagePath are set together, only on the
//     transition into completed.
//   - FalRequestID is set only on the transition into processing and is
//     immutable afterwards.
type Generation struct {
	ID          string      `json:"id"           gorm:"type:char(36);primaryKey"`
	UserID      string      `json:"user_id"      gorm:"type:varchar(64);not null;index:idx_user_generations,priority:1"`
	StyleID     string      `json:"style_id"     gorm:"type:varchar(64);not null"`
	SubjectType SubjectType `json:"subject_type" gorm:"type:varchar(16);not null;check:subject_type IN ('human','pet')"`

	SourceImagePath    string  `json:"-"                              gorm:"type:text;not null"`
	GeneratedImagePath *string `json:"generated_image_path,omitempty" gorm:"type:text"`
	PreviewImagePath   *string `json:"preview_image_path,omitempty"   gorm:"type:text"`

	FalRequestID *string          `json:"-"               gorm:"type:varchar(128)"`
	Status       GenerationStatus `json:"status"          gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','processing','completed','failed');index"`
	ErrorMessage *string          `json:"error,omitempty" gorm:"type:text"`
	PromptUsed   *string          `json:"-"               gorm:"type:text"`
	DurationMS   *int64           `json:"duration_ms,omitempty"`

	CreatedAt   time.Time  `json:"created_at" gorm:"index:idx_user_generations,priority:2"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName returns the database table name for Generation.
func (Generation) TableName() string { return "generations" }

// OrderStatus is the state of a commerce attempt against a Generation.
type OrderStatus string

const (
	OrderCreated  OrderStatus = "created"
	OrderPaid     OrderStatus = "paid"
	OrderFailed   OrderStatus = "failed"
	OrderRefunded OrderStatus = "refunded"
)

// Order is one purchase attempt of a completed generation's HD image.
// At most one order per generation may reach the paid state, and paid is
// never downgraded: the failed-payment webhook races the synchronous verify
// path, and the synchronous confirmation is ground truth once observed.
type Order struct {
	ID             string      `json:"id"               gorm:"type:char(36);primaryKey"`
	UserID         string      `json:"user_id"          gorm:"type:varchar(64);not null;index"`
	GenerationID   string      `json:"generation_id"    gorm:"type:char(36);not null;index"`
	GatewayOrderID string      `json:"gateway_order_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_gateway_order"`
	AmountPaise    int64       `json:"amount_paise"     gorm:"not null"`
	Currency       string      `json:"currency"         gorm:"type:varchar(8);not null;default:'INR'"`
	Status         OrderStatus `json:"status"           gorm:"type:varchar(16);not null;default:'created';check:status IN ('created','paid','failed','refunded')"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`

	// Generation is the purchased artwork. Orders are cascade-deleted if the
	// generation row itself is removed (normal flow never deletes it).
	Generation Generation `json:"-" gorm:"foreignKey:GenerationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string { return "orders" }

// Payment records a captured gateway transaction tied to an Order. The
// gateway payment id carries a unique index so that the synchronous verify
// path and the asynchronous webhook can both attempt the insert; exactly
// one wins and the other observes a duplicate.
type Payment struct {
	ID               string    `json:"id"                 gorm:"type:char(36);primaryKey"`
	OrderID          string    `json:"order_id"           gorm:"type:char(36);not null;index"`
	GatewayPaymentID string    `json:"gateway_payment_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_gateway_payment"`
	GatewaySignature string    `json:"-"                  gorm:"type:varchar(128)"`
	AmountPaise      int64     `json:"amount_paise"       gorm:"not null"`
	CreatedAt        time.Time `json:"created_at"`

	Order Order `json:"-" gorm:"foreignKey:OrderID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Payment.
func (Payment) TableName() string { return "payments" }
