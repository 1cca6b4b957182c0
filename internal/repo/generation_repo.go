// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Generation
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// State transitions are conditional updates: every mutation of the status
// column carries a WHERE clause pinning the expected current status, so the
// database enforces the monotonic lifecycle even under concurrent polls.
// A transition whose guard does not match affects zero rows and surfaces as
// ErrStaleTransition; the caller re-reads the row to observe who won.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/mirasi-app/go-mirasi-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrStaleTransition is returned when a conditional status update matched
// zero rows: the generation was concurrently moved by another request.
var ErrStaleTransition = errors.New("stale status transition")

// CreateGeneration inserts a new pending Generation row. The caller supplies
// the id (it keys the stored source image path) and CreatedAt is set to UTC.
func CreateGeneration(ctx context.Context, db *gorm.DB, g *domain.Generation) error {
	if g.Status == "" {
		g.Status = domain.StatusPending
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}
	return db.WithContext(ctx).Create(g).Error
}

// GetGeneration fetches a generation by id regardless of owner. Callers must
// perform the ownership check themselves; keeping the fetch owner-agnostic
// lets the service distinguish not-found (404) from not-owner (403).
func GetGeneration(ctx context.Context, db *gorm.DB, id string) (*domain.Generation, error) {
	var g domain.Generation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// MarkProcessing transitions pending → processing, recording the external
// job reference and the exact prompt submitted. Returns ErrStaleTransition
// when the row was not in pending (already submitted, completed, or failed).
func MarkProcessing(ctx context.Context, db *gorm.DB, id, falRequestID, prompt string) error {
	res := db.WithContext(ctx).
		Model(&domain.Generation{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Updates(map[string]any{
			"status":         domain.StatusProcessing,
			"fal_request_id": falRequestID,
			"prompt_used":    prompt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// MarkCompleted transitions processing → completed, setting both image paths,
// the measured duration, and the completion timestamp atomically. The guard
// on the current status is what makes post-processing exactly-once: of two
// concurrent polls, only one update matches.
func MarkCompleted(ctx context.Context, db *gorm.DB, id, hdPath, previewPath string, took time.Duration, completedAt time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Generation{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Updates(map[string]any{
			"status":               domain.StatusCompleted,
			"generated_image_path": hdPath,
			"preview_image_path":   previewPath,
			"duration_ms":          took.Milliseconds(),
			"completed_at":         completedAt.UTC(),
			"error_message":        nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// MarkFailed transitions processing → failed with a user-safe message.
// Terminal rows are untouched (the guard excludes them), so a failed poll
// can never regress a completed generation.
func MarkFailed(ctx context.Context, db *gorm.DB, id, message string) error {
	res := db.WithContext(ctx).
		Model(&domain.Generation{}).
		Where("id = ? AND status = ?", id, domain.StatusProcessing).
		Updates(map[string]any{
			"status":        domain.StatusFailed,
			"error_message": message,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// CountUploadsSince returns how many generations the user created after the
// given instant, regardless of status. Backs the hourly upload cap.
func CountUploadsSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Generation{}).
		Where("user_id = ? AND created_at >= ?", userID, since).
		Count(&n).Error
	return n, err
}

// CountNonFailedSince returns the user's non-failed generations created after
// the given instant. Backs the daily generation quota (failed attempts do
// not consume it).
func CountNonFailedSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Generation{}).
		Where("user_id = ? AND created_at >= ? AND status <> ?", userID, since, domain.StatusFailed).
		Count(&n).Error
	return n, err
}

// CountActiveGenerations returns the user's generations in processing or
// completed status. Backs the lifetime free-tier quota: a candidate
// generation is still pending at submit time, so it never counts itself.
func CountActiveGenerations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Generation{}).
		Where("user_id = ? AND status IN ?", userID, []domain.GenerationStatus{domain.StatusProcessing, domain.StatusCompleted}).
		Count(&n).Error
	return n, err
}

// CountGenerations returns the total number of generations owned by userID.
func CountGenerations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Generation{}).
		Where("user_id = ?", userID).
		Count(&n).Error
	return n, err
}

// ListGenerationsPage returns a paginated slice of the user's generations,
// most recent first.
func ListGenerationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Generation, error) {
	var out []domain.Generation
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// RedactGeneration clears the stored image paths of a generation after a
// data-erasure request. Status and timestamps are preserved; the row itself
// is never deleted by normal flow.
func RedactGeneration(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Model(&domain.Generation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"source_image_path":    "",
			"generated_image_path": nil,
			"preview_image_path":   nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// FailStaleProcessing fails every generation that has sat in processing since
// before the cutoff. Used by the background sweeper for rows whose client
// stopped polling; returns the number of rows transitioned.
func FailStaleProcessing(ctx context.Context, db *gorm.DB, cutoff time.Time, message string) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Generation{}).
		Where("status = ? AND updated_at < ?", domain.StatusProcessing, cutoff).
		Updates(map[string]any{
			"status":        domain.StatusFailed,
			"error_message": message,
		})
	return res.RowsAffected, res.Error
}
