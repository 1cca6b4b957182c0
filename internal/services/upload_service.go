// Package services – UploadService
//
// This file implements the UploadService, the write path that turns an
// uploaded photo into a pending Generation row. Validation runs in a fixed
// order so every rejection is deterministic: content type first (sniffed
// from the bytes, never trusted from headers), then size, subject, the
// trailing-hour upload cap, and finally the style id. Only after all checks
// pass is the image stored and the row inserted; a failed insert removes the
// stored object again so no orphan bytes accumulate.
package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/mirasi-app/go-mirasi-backend/internal/domain"
	"github.com/mirasi-app/go-mirasi-backend/internal/styles"
)

// UploadRepo defines the repository contract required by UploadService.
type UploadRepo interface {
	// CreateGeneration inserts a new pending generation row.
	CreateGeneration(ctx context.Context, db *gorm.DB, g *domain.Generation) error

	// CountUploadsSince counts the user's generations created after since.
	CountUploadsSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) (int64, error)
}

// imageExt maps the accepted sniffed content types to storage extensions.
var imageExt = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

// UploadService validates uploaded photos, stores them in the source bucket,
// and creates the pending Generation that the submit endpoint later acts on.
type UploadService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the generation repository used by this service.
	Repo UploadRepo
	// Store is the object storage backend for source images.
	Store ObjectStore

	// Styles resolves and validates style identifiers.
	Styles *styles.Registry

	// SourceBucket is the private bucket for uploaded originals.
	SourceBucket string
	// MaxBytes caps the upload size; uploads of exactly MaxBytes pass.
	MaxBytes int64
	// HourlyCap limits uploads per user over the trailing 60 minutes.
	HourlyCap int
}

// NewUploadService constructs an UploadService with the given collaborators.
func NewUploadService(db *gorm.DB, r UploadRepo, store ObjectStore, reg *styles.Registry, sourceBucket string, maxBytes int64, hourlyCap int) *UploadService {
	return &UploadService{
		DB:           db,
		Repo:         r,
		Store:        store,
		Styles:       reg,
		SourceBucket: sourceBucket,
		MaxBytes:     maxBytes,
		HourlyCap:    hourlyCap,
	}
}

// Upload validates the photo and creates a pending generation owned by
// userID. The returned row carries the id used for all later operations.
func (s *UploadService) Upload(ctx context.Context, userID string, data []byte, subject domain.SubjectType, styleID string) (*domain.Generation, error) {
	tr := otel.Tracer("services/UploadService")
	ctx, span := tr.Start(ctx, "Upload",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("style.id", styleID),
			attribute.Int("upload.bytes", len(data)),
		),
	)
	defer span.End()

	contentType := http.DetectContentType(data)
	ext, ok := imageExt[contentType]
	if !ok {
		return nil, ErrInvalidImageType
	}
	if int64(len(data)) > s.MaxBytes {
		return nil, ErrImageTooLarge
	}
	if !subject.Valid() {
		return nil, ErrInvalidSubject
	}

	since := time.Now().UTC().Add(-time.Hour)
	recent, err := s.Repo.CountUploadsSince(ctx, s.DB, userID, since)
	if err != nil {
		return nil, err
	}
	if recent >= int64(s.HourlyCap) {
		return nil, ErrUploadRateLimited
	}

	if !s.Styles.Exists(styleID) {
		return nil, ErrStyleNotFound
	}

	id := uuid.NewString()
	path := fmt.Sprintf("%s/%s.%s", userID, id, ext)
	if err := s.Store.Upload(ctx, s.SourceBucket, path, data, contentType); err != nil {
		return nil, fmt.Errorf("%w: store upload: %v", ErrUpstream, err)
	}

	g := &domain.Generation{
		ID:              id,
		UserID:          userID,
		StyleID:         styleID,
		SubjectType:     subject,
		SourceImagePath: path,
		Status:          domain.StatusPending,
	}
	if err := s.Repo.CreateGeneration(ctx, s.DB, g); err != nil {
		// Compensate the stored object so the bucket holds no orphans.
		if rmErr := s.Store.Remove(ctx, s.SourceBucket, path); rmErr != nil {
			zerolog.Ctx(ctx).Warn().Err(rmErr).Str("path", path).
				Msg("orphaned source image after failed insert")
		}
		return nil, err
	}
	return g, nil
}
