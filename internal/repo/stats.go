// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides lightweight aggregate queries used for
// conditional responses (weak ETags) on list endpoints.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/mirasi-app/go-mirasi-backend/internal/domain"
)

// GenerationStats returns the user's generation count and the most recent
// update timestamp. Together they form a cheap fingerprint of the gallery:
// any insert or status transition changes one of the two.
func GenerationStats(ctx context.Context, db *gorm.DB, userID string) (int64, *time.Time, error) {
	var count int64
	if err := db.WithContext(ctx).
		Model(&domain.Generation{}).
		Where("user_id = ?", userID).
		Count(&count).Error; err != nil {
		return 0, nil, err
	}

	if count == 0 {
		return 0, nil, nil
	}

	// Read the newest row through the model rather than a raw MAX() scan:
	// the sqlite driver hands datetime columns back as strings, and only the
	// schema-aware path converts them to time.Time.
	var newest domain.Generation
	err := db.WithContext(ctx).
		Select("updated_at").
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Take(&newest).Error
	if err != nil {
		return 0, nil, err
	}
	ts := newest.UpdatedAt
	return count, &ts, nil
}
