// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Payment
// model, inserted idempotently on verified capture.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mirasi-app/go-mirasi-backend/internal/domain"
)

// ErrDuplicate indicates that a payment record already exists for the given
// gateway payment id. The verify path and the webhook both attempt the
// insert; the loser observes this error and treats it as success.
var ErrDuplicate = errors.New("duplicate")

// CreatePayment inserts a captured-payment record keyed by the gateway
// payment id and returns ErrDuplicate on a unique violation.
func CreatePayment(ctx context.Context, db *gorm.DB, orderID, gatewayPaymentID, gatewaySignature string, amountPaise int64) (*domain.Payment, error) {
	p := &domain.Payment{
		ID:               uuid.NewString(),
		OrderID:          orderID,
		GatewayPaymentID: gatewayPaymentID,
		GatewaySignature: gatewaySignature,
		AmountPaise:      amountPaise,
		CreatedAt:        time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(p).Error; err != nil {
		// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return p, nil
}

// CountPaymentsForUser returns how many captured payments the user has made
// across all of their orders. A non-zero count lifts the free-tier quota.
func CountPaymentsForUser(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Payment{}).
		Joins("JOIN orders ON orders.id = payments.order_id").
		Where("orders.user_id = ?", userID).
		Count(&n).Error
	return n, err
}
