// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for the
// PurchaseReceipt model used to implement safe-retry semantics for the
// order-creation endpoint.
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

// GetPurchaseReceipt returns a non-expired receipt or ErrNotFound.
func GetPurchaseReceipt(ctx context.Context, db *gorm.DB, userID, generationID, key string, now time.Time) (*domain.PurchaseReceipt, error) {
	if strings.TrimSpace(generationID) == "" {
		return nil, ErrNotFound
	}
	var rec domain.PurchaseReceipt
	err := db.WithContext(ctx).
		Where("user_id = ? AND generation_id = ? AND key = ? AND expires_at > ?", userID, generationID, key, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &rec, err
}

// CreatePurchaseReceipt inserts a receipt and returns ErrDuplicate on a
// unique violation of (user_id, generation_id, key).
func CreatePurchaseReceipt(ctx context.Context, db *gorm.DB, userID, generationID, key, orderID string, status int, ttl time.Duration) (*domain.PurchaseReceipt, error) {
	now := time.Now().UTC()
	rec := &domain.PurchaseReceipt{
		ID:           uuid.NewString(),
		UserID:       userID,
		GenerationID: generationID,
		Key:          key,
		OrderID:      orderID,
		Status:       status,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		low := strings.ToLower(err.Error())
		if errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(low, "unique constraint failed") ||
			strings.Contains(low, "constraint failed: unique") {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}
