// Package services – GenerationService
//
// This file implements the GenerationService, the heart of the application:
// submitting pending generations to the upstream queue and advancing them on
// each status poll. The service is deliberately poll-driven; there is no
// background worker racing the request path. Concurrency is resolved at the
// database instead: every lifecycle transition is a guarded update, and a
// poll that loses the completion race simply re-reads the winner's row.
//
// Terminal statuses are immutable, so completed and failed responses are
// cacheable; an optional Redis cache short-circuits repeat polls of finished
// generations before any storage or upstream call is made.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/mirasi-app/go-mirasi-backend/internal/domain"
	"github.com/mirasi-app/go-mirasi-backend/internal/falqueue"
	"github.com/mirasi-app/go-mirasi-backend/internal/repo"
	"github.com/mirasi-app/go-mirasi-backend/internal/styles"
)

// isStale reports whether err is a lost lifecycle transition race.
func isStale(err error) bool {
	return errors.Is(err, repo.ErrStaleTransition)
}

// GenerationRepo defines the repository contract required by GenerationService.
type GenerationRepo interface {
	// GetGeneration fetches a generation by id regardless of owner.
	GetGeneration(ctx context.Context, db *gorm.DB, id string) (*domain.Generation, error)

	// MarkProcessing transitions pending → processing.
	MarkProcessing(ctx context.Context, db *gorm.DB, id, falRequestID, prompt string) error

	// MarkCompleted transitions processing → completed with both image paths.
	MarkCompleted(ctx context.Context, db *gorm.DB, id, hdPath, previewPath string, took time.Duration, completedAt time.Time) error

	// MarkFailed transitions processing → failed with a user-safe message.
	MarkFailed(ctx context.Context, db *gorm.DB, id, message string) error

	// CountNonFailedSince counts non-failed generations created after since.
	CountNonFailedSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) (int64, error)

	// CountActiveGenerations counts processing and completed generations.
	CountActiveGenerations(ctx context.Context, db *gorm.DB, userID string) (int64, error)

	// CountGenerations returns the user's total generation count.
	CountGenerations(ctx context.Context, db *gorm.DB, userID string) (int64, error)

	// ListGenerationsPage returns a page of the user's generations.
	ListGenerationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Generation, error)

	// RedactGeneration clears the stored image paths of a generation.
	RedactGeneration(ctx context.Context, db *gorm.DB, id string) error
}

// PaymentCounter is the slice of the payment repository the free-tier check
// needs: any captured payment lifts the lifetime quota.
type PaymentCounter interface {
	CountPaymentsForUser(ctx context.Context, db *gorm.DB, userID string) (int64, error)
}

// StatusResponse is the poll result returned to clients. PreviewURL is set
// only for completed generations and always points at the watermarked
// preview; the clean HD image is never exposed here.
type StatusResponse struct {
	Status     domain.GenerationStatus `json:"status"`
	PreviewURL string                  `json:"preview_url,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

// GenerationService coordinates the generation lifecycle across the
// database, object storage, the upstream queue, and the watermarker.
type GenerationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the generation repository used by this service.
	Repo GenerationRepo
	// Payments answers the has-ever-paid question for the free tier.
	Payments PaymentCounter

	// Store is the object storage backend.
	Store ObjectStore
	// Queue is the upstream generation queue.
	Queue GenerationQueue
	// Marker stamps preview images.
	Marker Watermarker
	// Cache optionally caches terminal status responses. May be nil.
	Cache TerminalCache

	// Styles resolves style identifiers to generation parameters.
	Styles *styles.Registry

	// SourceBucket, OutputBucket, and PreviewBucket name the storage buckets.
	// Source and output are private; preview is public.
	SourceBucket  string
	OutputBucket  string
	PreviewBucket string

	// DefaultModel and LoraModel are the upstream endpoints per pipeline.
	DefaultModel string
	LoraModel    string

	// SignedURLTTL bounds the validity of signed source-image URLs handed to
	// the upstream queue.
	SignedURLTTL time.Duration

	// DailyCap limits non-failed generations per user per calendar day.
	DailyCap int
	// FreeLimit is the lifetime generation allowance before the first payment.
	FreeLimit int
}

// modelFor returns the upstream endpoint for a pipeline.
func (s *GenerationService) modelFor(p Pipeline) string {
	if p == PipelineLora {
		return s.LoraModel
	}
	return s.DefaultModel
}

// Submit enqueues a pending generation on the upstream queue and moves it to
// processing. Quota checks run before any upstream call; an upstream submit
// failure leaves the row pending so the user can retry without re-uploading.
func (s *GenerationService) Submit(ctx context.Context, userID, generationID string) (*domain.Generation, error) {
	tr := otel.Tracer("services/GenerationService")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("generation.id", generationID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	g, err := s.owned(ctx, userID, generationID)
	if err != nil {
		return nil, err
	}
	if g.Status != domain.StatusPending {
		return nil, ErrWrongState
	}

	if err := s.checkQuotas(ctx, userID); err != nil {
		return nil, err
	}

	style := s.Styles.Lookup(g.StyleID)
	pipeline := PipelineFor(g.SubjectType, style)
	prompt := style.PromptFor(string(g.SubjectType))

	sourceURL, err := s.Store.SignedURL(ctx, s.SourceBucket, g.SourceImagePath, s.SignedURLTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: sign source url: %v", ErrUpstream, err)
	}

	input := falqueue.SubmitInput{
		Prompt:            prompt,
		ImageURL:          sourceURL,
		GuidanceScale:     style.GuidanceScale,
		NumInferenceSteps: style.Steps,
	}
	if pipeline == PipelineLora {
		input.Loras = []falqueue.LoraWeight{{Path: style.LoraWeightsURL, Scale: 1.0}}
	}

	model := s.modelFor(pipeline)
	requestID, err := s.Queue.Submit(ctx, model, input)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("generation_id", g.ID).Str("model", model).
			Msg("queue submit failed")
		return nil, fmt.Errorf("%w: queue submit: %v", ErrUpstream, err)
	}

	genSubmitted.WithLabelValues(style.ID, pipelineLabel(pipeline)).Inc()

	if err := s.Repo.MarkProcessing(ctx, s.DB, g.ID, requestID, prompt); err != nil {
		// A lost race means another submit already moved the row; the job is
		// on the queue either way, so surface the current row instead of an
		// error.
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("generation_id", g.ID).Str("request_id", requestID).
			Msg("mark processing after submit")
	}
	return s.Repo.GetGeneration(ctx, s.DB, g.ID)
}

// Poll reports the current status of a generation, advancing it when the
// upstream queue has finished. Repeat polls of terminal generations are
// answered from the cache or the row alone, with zero upstream calls.
func (s *GenerationService) Poll(ctx context.Context, userID, generationID string) (*StatusResponse, error) {
	tr := otel.Tracer("services/GenerationService")
	ctx, span := tr.Start(ctx, "Poll",
		trace.WithAttributes(attribute.String("generation.id", generationID)),
	)
	defer span.End()

	g, err := s.owned(ctx, userID, generationID)
	if err != nil {
		return nil, err
	}

	if g.Status.Terminal() {
		var cached StatusResponse
		if s.Cache != nil && s.Cache.Get(ctx, g.ID, &cached) {
			return &cached, nil
		}
		resp := s.terminalResponse(g)
		if s.Cache != nil {
			s.Cache.Put(ctx, g.ID, resp)
		}
		return resp, nil
	}

	if g.Status == domain.StatusPending {
		return &StatusResponse{Status: domain.StatusPending}, nil
	}

	// processing: consult the upstream queue.
	if g.FalRequestID == nil || *g.FalRequestID == "" {
		// Unreachable via the normal lifecycle; fail closed instead of
		// leaving the row stuck.
		return s.fail(ctx, g, "generation lost its upstream reference", "postprocess")
	}
	model := s.modelFor(PipelineFor(g.SubjectType, s.Styles.Lookup(g.StyleID)))

	status, err := s.Queue.Status(ctx, model, *g.FalRequestID)
	if err != nil {
		// Transient upstream trouble: keep the row processing and let the
		// next poll retry.
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("generation_id", g.ID).
			Msg("upstream status poll failed")
		return nil, fmt.Errorf("%w: status poll: %v", ErrUpstream, err)
	}

	switch status {
	case falqueue.StatusInQueue, falqueue.StatusInProgress:
		return &StatusResponse{Status: domain.StatusProcessing}, nil
	case falqueue.StatusFailed:
		return s.fail(ctx, g, "generation failed upstream", "upstream")
	case falqueue.StatusCompleted:
		return s.postProcess(ctx, g, model)
	default:
		return nil, fmt.Errorf("%w: unexpected queue status %q", ErrUpstream, status)
	}
}

// postProcess runs once per completed generation: fetch the output, store
// the clean HD image, watermark and store the preview, and flip the row to
// completed. The guarded update makes the whole sequence exactly-once even
// when two polls observe upstream completion simultaneously; the loser
// re-reads the winner's row.
func (s *GenerationService) postProcess(ctx context.Context, g *domain.Generation, model string) (*StatusResponse, error) {
	log := zerolog.Ctx(ctx)

	result, err := s.Queue.Result(ctx, model, *g.FalRequestID)
	if err != nil {
		log.Error().Err(err).Str("generation_id", g.ID).Msg("fetch result payload")
		return s.fail(ctx, g, "generation output could not be retrieved", "postprocess")
	}
	if len(result.Images) == 0 {
		return s.fail(ctx, g, "generation produced no output", "postprocess")
	}

	hd, err := s.Queue.FetchImage(ctx, result.Images[0].URL)
	if err != nil {
		log.Error().Err(err).Str("generation_id", g.ID).Msg("download generated image")
		return s.fail(ctx, g, "generation output could not be retrieved", "postprocess")
	}

	hdPath := fmt.Sprintf("%s/%s-hd.jpg", g.UserID, g.ID)
	if err := s.Store.Upload(ctx, s.OutputBucket, hdPath, hd, "image/jpeg"); err != nil {
		log.Error().Err(err).Str("generation_id", g.ID).Msg("store hd image")
		return s.fail(ctx, g, "generated image could not be stored", "postprocess")
	}

	preview, err := s.Marker.Apply(hd)
	if err != nil {
		log.Error().Err(err).Str("generation_id", g.ID).Msg("watermark preview")
		return s.fail(ctx, g, "preview could not be produced", "postprocess")
	}
	// The preview bucket is public and previews carry no user association;
	// they are keyed by generation id alone.
	previewPath := fmt.Sprintf("%s-preview.jpg", g.ID)
	if err := s.Store.Upload(ctx, s.PreviewBucket, previewPath, preview, "image/jpeg"); err != nil {
		log.Error().Err(err).Str("generation_id", g.ID).Msg("store preview image")
		return s.fail(ctx, g, "preview could not be stored", "postprocess")
	}

	now := time.Now().UTC()
	took := now.Sub(g.CreatedAt)
	err = s.Repo.MarkCompleted(ctx, s.DB, g.ID, hdPath, previewPath, took, now)
	if err != nil {
		if isStale(err) {
			// Another poll finished first; its row is the truth.
			return s.refreshTerminal(ctx, g.ID)
		}
		return nil, err
	}

	genCompleted.WithLabelValues(g.StyleID).Inc()
	genDuration.Observe(took.Seconds())
	log.Info().
		Str("generation_id", g.ID).
		Dur("took", took).
		Msg("generation completed")

	resp := &StatusResponse{
		Status:     domain.StatusCompleted,
		PreviewURL: s.Store.PublicURL(s.PreviewBucket, previewPath),
	}
	if s.Cache != nil {
		s.Cache.Put(ctx, g.ID, resp)
	}
	return resp, nil
}

// fail transitions the generation to failed with a user-safe message and
// returns the failed response. A lost transition race defers to the winner.
func (s *GenerationService) fail(ctx context.Context, g *domain.Generation, message, stage string) (*StatusResponse, error) {
	if err := s.Repo.MarkFailed(ctx, s.DB, g.ID, message); err != nil {
		if isStale(err) {
			return s.refreshTerminal(ctx, g.ID)
		}
		return nil, err
	}
	genFailed.WithLabelValues(stage).Inc()
	resp := &StatusResponse{Status: domain.StatusFailed, Error: message}
	if s.Cache != nil {
		s.Cache.Put(ctx, g.ID, resp)
	}
	return resp, nil
}

// refreshTerminal re-reads a row after a lost transition race and returns
// the winner's terminal response.
func (s *GenerationService) refreshTerminal(ctx context.Context, id string) (*StatusResponse, error) {
	g, err := s.Repo.GetGeneration(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}
	if !g.Status.Terminal() {
		// Lost the race to a transition that is not terminal; report as-is.
		return &StatusResponse{Status: g.Status}, nil
	}
	return s.terminalResponse(g), nil
}

// terminalResponse builds the response for a terminal row.
func (s *GenerationService) terminalResponse(g *domain.Generation) *StatusResponse {
	resp := &StatusResponse{Status: g.Status}
	if g.Status == domain.StatusCompleted && g.PreviewImagePath != nil && *g.PreviewImagePath != "" {
		resp.PreviewURL = s.Store.PublicURL(s.PreviewBucket, *g.PreviewImagePath)
	}
	if g.Status == domain.StatusFailed && g.ErrorMessage != nil {
		resp.Error = *g.ErrorMessage
	}
	return resp
}

// ListPage returns a page of the user's generations, newest first.
// It applies defaults for invalid page/pageSize and returns total count.
func (s *GenerationService) ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Generation, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := s.Repo.CountGenerations(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Generation{}, 0, nil
	}

	items, err := s.Repo.ListGenerationsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// Redact erases the stored images of a generation on a data-erasure request.
// The row survives with cleared paths; commerce records are untouched.
func (s *GenerationService) Redact(ctx context.Context, userID, generationID string) error {
	tr := otel.Tracer("services/GenerationService")
	ctx, span := tr.Start(ctx, "Redact",
		trace.WithAttributes(attribute.String("generation.id", generationID)),
	)
	defer span.End()

	g, err := s.owned(ctx, userID, generationID)
	if err != nil {
		return err
	}

	log := zerolog.Ctx(ctx)
	remove := func(bucket, path string) {
		if path == "" {
			return
		}
		if err := s.Store.Remove(ctx, bucket, path); err != nil {
			log.Warn().Err(err).Str("bucket", bucket).Str("path", path).
				Msg("redaction object removal failed")
		}
	}
	remove(s.SourceBucket, g.SourceImagePath)
	if g.GeneratedImagePath != nil {
		remove(s.OutputBucket, *g.GeneratedImagePath)
	}
	if g.PreviewImagePath != nil {
		remove(s.PreviewBucket, *g.PreviewImagePath)
	}

	if err := s.Repo.RedactGeneration(ctx, s.DB, g.ID); err != nil {
		return err
	}
	if s.Cache != nil {
		s.Cache.Invalidate(ctx, g.ID)
	}
	log.Info().Str("generation_id", g.ID).Msg("generation redacted")
	return nil
}

// owned fetches a generation and enforces ownership, mapping persistence
// errors to service-level sentinels.
func (s *GenerationService) owned(ctx context.Context, userID, generationID string) (*domain.Generation, error) {
	g, err := s.Repo.GetGeneration(ctx, s.DB, generationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGenerationNotFound
		}
		return nil, err
	}
	if g.UserID != userID {
		return nil, ErrNotOwner
	}
	return g, nil
}

// checkQuotas enforces the daily cap and, for never-paid users, the lifetime
// free-tier allowance. Failed attempts consume neither.
func (s *GenerationService) checkQuotas(ctx context.Context, userID string) error {
	midnight := startOfDay(time.Now())
	today, err := s.Repo.CountNonFailedSince(ctx, s.DB, userID, midnight)
	if err != nil {
		return err
	}
	if today >= int64(s.DailyCap) {
		return ErrDailyQuota
	}

	paid, err := s.Payments.CountPaymentsForUser(ctx, s.DB, userID)
	if err != nil {
		return err
	}
	if paid > 0 {
		return nil
	}

	used, err := s.Repo.CountActiveGenerations(ctx, s.DB, userID)
	if err != nil {
		return err
	}
	if used >= int64(s.FreeLimit) {
		return ErrFreeTierExhausted
	}
	return nil
}

// startOfDay returns local midnight of the day containing t.
func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// pipelineLabel converts a pipeline to its metric label value.
func pipelineLabel(p Pipeline) string {
	if p == PipelineLora {
		return "lora"
	}
	return "identity"
}
