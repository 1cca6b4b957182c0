// Generation HTTP handlers.
//
// This file exposes REST endpoints for the generation lifecycle:
//   - POST   /uploads                      (upload a photo, create pending generation)
//   - POST   /generations/{id}/submit      (enqueue on the upstream pipeline)
//   - GET    /generations/{id}             (poll status / preview)
//   - GET    /generations                  (gallery, paginated, ETag support)
//   - DELETE /generations/{id}             (redact stored images)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mirasi-app/go-mirasi-backend/internal/domain"
	"github.com/mirasi-app/go-mirasi-backend/internal/repo"
	"github.com/mirasi-app/go-mirasi-backend/internal/services"
	"github.com/mirasi-app/go-mirasi-backend/internal/styles"
	"github.com/mirasi-app/go-mirasi-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// UploadService defines the upload operation consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type UploadService interface {
	// Upload validates a photo and creates a pending generation.
	Upload(ctx context.Context, userID string, data []byte, subject domain.SubjectType, styleID string) (*domain.Generation, error)
}

// GenerationService defines generation lifecycle operations.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type GenerationService interface {
	// Submit enqueues a pending generation on the upstream pipeline.
	Submit(ctx context.Context, userID, generationID string) (*domain.Generation, error)
	// Poll reports status, advancing the generation when upstream finished.
	Poll(ctx context.Context, userID, generationID string) (*services.StatusResponse, error)
	// ListPage returns a page of the user's generations and the total count.
	ListPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Generation, int64, error)
	// Redact erases the stored images of a generation.
	Redact(ctx context.Context, userID, generationID string) error
}

// OrderService defines commerce operations for purchased downloads.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type OrderService interface {
	// CreateOrder opens a payment-gateway order for a completed generation.
	// A non-empty idemKey replays the original order on safe retries.
	CreateOrder(ctx context.Context, userID, generationID, idemKey string) (*domain.Order, error)
	// VerifyPayment confirms a checkout callback and returns a download URL.
	VerifyPayment(ctx context.Context, userID, gatewayOrderID, gatewayPaymentID, signature string) (string, error)
	// HandleWebhook reconciles an asynchronous gateway event.
	HandleWebhook(ctx context.Context, body []byte, signature string) error
	// Download issues a signed URL for a purchased HD image.
	Download(ctx context.Context, userID, generationID string) (string, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for uploads, generations, styles, and orders.
// It depends on abstract service interfaces to keep transport concerns
// separate from business logic.
type Handlers struct {
	uploadSvc UploadService
	genSvc    GenerationService
	orderSvc  OrderService
	styles    *styles.Registry
}

// New constructs and returns a Handlers instance bound to the given services.
func New(uploadSvc UploadService, genSvc GenerationService, orderSvc OrderService, reg *styles.Registry) *Handlers {
	return &Handlers{uploadSvc: uploadSvc, genSvc: genSvc, orderSvc: orderSvc, styles: reg}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

// failService maps service-layer sentinel errors onto HTTP statuses and
// stable error codes. Unknown errors become opaque 500s; their detail is
// logged, never returned.
func failService(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInvalidImageType):
		fail(c, http.StatusUnsupportedMediaType, ErrCodeInvalidImage, err.Error())
	case errors.Is(err, services.ErrImageTooLarge):
		fail(c, http.StatusRequestEntityTooLarge, ErrCodeImageTooLarge, err.Error())
	case errors.Is(err, services.ErrInvalidSubject):
		fail(c, http.StatusBadRequest, ErrCodeInvalidSubject, err.Error())
	case errors.Is(err, services.ErrUploadRateLimited):
		fail(c, http.StatusTooManyRequests, ErrCodeRateLimited, err.Error())
	case errors.Is(err, services.ErrStyleNotFound):
		fail(c, http.StatusBadRequest, ErrCodeStyleNotFound, err.Error())
	case errors.Is(err, services.ErrGenerationNotFound), errors.Is(err, services.ErrOrderNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrNotOwner):
		fail(c, http.StatusForbidden, ErrCodeForbidden, "resource belongs to another user")
	case errors.Is(err, services.ErrWrongState):
		fail(c, http.StatusConflict, ErrCodeWrongState, err.Error())
	case errors.Is(err, services.ErrDailyQuota):
		fail(c, http.StatusTooManyRequests, ErrCodeDailyQuota, err.Error())
	case errors.Is(err, services.ErrFreeTierExhausted):
		fail(c, http.StatusPaymentRequired, ErrCodeFreeTierExhausted, err.Error())
	case errors.Is(err, services.ErrNotPurchasable):
		fail(c, http.StatusConflict, ErrCodeNotPurchasable, err.Error())
	case errors.Is(err, services.ErrAlreadyPurchased):
		fail(c, http.StatusConflict, ErrCodeAlreadyPurchased, err.Error())
	case errors.Is(err, services.ErrSignatureMismatch):
		fail(c, http.StatusBadRequest, ErrCodeSignatureMismatch, err.Error())
	case errors.Is(err, services.ErrOrderNotPayable):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrNotPurchased):
		fail(c, http.StatusPaymentRequired, ErrCodeNotPurchased, err.Error())
	case errors.Is(err, services.ErrDownloadUnavailable):
		fail(c, http.StatusGone, ErrCodeDownloadUnavailable, err.Error())
	case errors.Is(err, services.ErrUpstream):
		fail(c, http.StatusBadGateway, ErrCodeUpstreamFailed, "upstream service failure")
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListGenerationsResponse wraps a page of generations and pagination info.
type ListGenerationsResponse struct {
	Generations []domain.Generation `json:"generations"`
	Pagination  Pagination          `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// Upload godoc
// @ID          uploadImage
// @Summary     Upload a photo
// @Description Validates the photo and creates a pending generation for the chosen style.
// @Tags        Generations
// @Accept      multipart/form-data
// @Produce     json
//
// @Param       X-User-ID     header    string  false "User ID (demo header)" example(user123)
// @Param       image         formData  file    true  "Photo (JPEG, PNG, or WebP)"
// @Param       subject_type  formData  string  true  "Subject type" Enums(human, pet)
// @Param       style_id      formData  string  true  "Style preset id" example(warli-art)
//
// @Success     201  {object}  domain.Generation
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     413  {object}  handlers.ErrorResponse "Image too large"
// @Failure     415  {object}  handlers.ErrorResponse "Unsupported image type"
// @Failure     429  {object}  handlers.ErrorResponse "Upload rate limited"
// @Router      /uploads [post]
func (h *Handlers) Upload(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "image file required")
		return
	}
	src, err := file.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "image file unreadable")
		return
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "image file unreadable")
		return
	}

	subject := domain.SubjectType(strings.TrimSpace(c.PostForm("subject_type")))
	styleID := strings.TrimSpace(c.PostForm("style_id"))

	g, err := h.uploadSvc.Upload(c.Request.Context(), userID(c), data, subject, styleID)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusCreated, g)
}

// SubmitGeneration godoc
// @ID          submitGeneration
// @Summary     Submit a generation
// @Description Enqueues a pending generation on the upstream pipeline; quota checks apply.
// @Tags        Generations
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)" example(user123)
// @Param       id         path    string  true  "Generation ID (UUID)" format(uuid)
//
// @Success     202  {object}  domain.Generation
// @Failure     402  {object}  handlers.ErrorResponse "Free tier exhausted"
// @Failure     404  {object}  handlers.ErrorResponse "Generation not found"
// @Failure     409  {object}  handlers.ErrorResponse "Not in pending state"
// @Failure     429  {object}  handlers.ErrorResponse "Daily quota exceeded"
// @Failure     502  {object}  handlers.ErrorResponse "Upstream failure"
// @Router      /generations/{id}/submit [post]
func (h *Handlers) SubmitGeneration(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "generation id must be a UUID")
		return
	}

	g, err := h.genSvc.Submit(c.Request.Context(), userID(c), id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusAccepted, g)
}

// PollGeneration godoc
// @ID          pollGeneration
// @Summary     Poll generation status
// @Description Returns the generation's current status; completed responses carry the watermarked preview URL.
// @Tags        Generations
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)" example(user123)
// @Param       id         path    string  true  "Generation ID (UUID)" format(uuid)
//
// @Success     200  {object}  services.StatusResponse
// @Failure     403  {object}  handlers.ErrorResponse "Not the owner"
// @Failure     404  {object}  handlers.ErrorResponse "Generation not found"
// @Failure     502  {object}  handlers.ErrorResponse "Upstream failure"
// @Router      /generations/{id} [get]
func (h *Handlers) PollGeneration(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "generation id must be a UUID")
		return
	}

	resp, err := h.genSvc.Poll(c.Request.Context(), userID(c), id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, resp)
}

// ListGenerations godoc
// @ID          listGenerations
// @Summary     List generations (paginated)
// @Description Returns a page of the user's generations. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Generations
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"      example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches" example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                 minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"              minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListGenerationsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /generations [get]
func (h *Handlers) ListGenerations(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c)

	// ETag pre-check (best effort).
	var db *gorm.DB
	if svc, ok := h.genSvc.(*services.GenerationService); ok {
		db = svc.DB
	}
	if db != nil {
		count, maxTS, err := repo.GenerationStats(ctx, db, uid)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"generations:%s:%d:%d"`, uid, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.genSvc.ListPage(ctx, uid, page, pageSize)
	if err != nil {
		failService(c, err)
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	resp := ListGenerationsResponse{
		Generations: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	}
	ok(c, http.StatusOK, resp)
}

// DeleteGeneration godoc
// @ID          deleteGeneration
// @Summary     Redact a generation
// @Description Erases the stored source, HD, and preview images of a generation. The record itself is retained.
// @Tags        Generations
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)" example(user123)
// @Param       id         path    string  true  "Generation ID (UUID)" format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     403  {object} handlers.ErrorResponse "Not the owner"
// @Failure     404  {object} handlers.ErrorResponse "Generation not found"
// @Router      /generations/{id} [delete]
func (h *Handlers) DeleteGeneration(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "generation id must be a UUID")
		return
	}

	if err := h.genSvc.Redact(c.Request.Context(), userID(c), id); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}

// ListStyles godoc
// @ID          listStyles
// @Summary     List style presets
// @Description Returns the active style catalog for the upload picker.
// @Tags        Styles
// @Produce     json
//
// @Success     200  {array}  styles.Style
// @Router      /styles [get]
func (h *Handlers) ListStyles(c *gin.Context) {
	ok(c, http.StatusOK, h.styles.List())
}
