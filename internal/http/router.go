// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// CORS, security headers, idempotency, and rate limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/mirasi-app/go-mirasi-backend/internal/config"
	"github.com/mirasi-app/go-mirasi-backend/internal/domain"
	"github.com/mirasi-app/go-mirasi-backend/internal/http/handlers"
	"github.com/mirasi-app/go-mirasi-backend/internal/http/middleware"
	"github.com/mirasi-app/go-mirasi-backend/internal/repo"
	"github.com/mirasi-app/go-mirasi-backend/internal/services"
	"github.com/mirasi-app/go-mirasi-backend/internal/styles"
)

// Deps carries the external collaborators the router injects into services.
// All fields except Cache are required.
type Deps struct {
	Store   services.ObjectStore
	Queue   services.GenerationQueue
	Gateway services.PaymentGateway
	Marker  services.Watermarker
	Cache   services.TerminalCache
	Styles  *styles.Registry
}

// generationRepoShim adapts the repository free functions to the
// services.GenerationRepo and services.UploadRepo interfaces. This keeps
// services decoupled from the concrete repo package while reusing existing
// functions.
type generationRepoShim struct{}

// CreateGeneration proxies repo.CreateGeneration.
func (generationRepoShim) CreateGeneration(ctx context.Context, db *gorm.DB, g *domain.Generation) error {
	return repo.CreateGeneration(ctx, db, g)
}

// GetGeneration proxies repo.GetGeneration.
func (generationRepoShim) GetGeneration(ctx context.Context, db *gorm.DB, id string) (*domain.Generation, error) {
	return repo.GetGeneration(ctx, db, id)
}

// MarkProcessing proxies repo.MarkProcessing.
func (generationRepoShim) MarkProcessing(ctx context.Context, db *gorm.DB, id, falRequestID, prompt string) error {
	return repo.MarkProcessing(ctx, db, id, falRequestID, prompt)
}

// MarkCompleted proxies repo.MarkCompleted.
func (generationRepoShim) MarkCompleted(ctx context.Context, db *gorm.DB, id, hdPath, previewPath string, took time.Duration, completedAt time.Time) error {
	return repo.MarkCompleted(ctx, db, id, hdPath, previewPath, took, completedAt)
}

// MarkFailed proxies repo.MarkFailed.
func (generationRepoShim) MarkFailed(ctx context.Context, db *gorm.DB, id, message string) error {
	return repo.MarkFailed(ctx, db, id, message)
}

// CountUploadsSince proxies repo.CountUploadsSince.
func (generationRepoShim) CountUploadsSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) (int64, error) {
	return repo.CountUploadsSince(ctx, db, userID, since)
}

// CountNonFailedSince proxies repo.CountNonFailedSince.
func (generationRepoShim) CountNonFailedSince(ctx context.Context, db *gorm.DB, userID string, since time.Time) (int64, error) {
	return repo.CountNonFailedSince(ctx, db, userID, since)
}

// CountActiveGenerations proxies repo.CountActiveGenerations.
func (generationRepoShim) CountActiveGenerations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountActiveGenerations(ctx, db, userID)
}

// CountGenerations proxies repo.CountGenerations (pagination support).
func (generationRepoShim) CountGenerations(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountGenerations(ctx, db, userID)
}

// ListGenerationsPage proxies repo.ListGenerationsPage (pagination support).
func (generationRepoShim) ListGenerationsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.Generation, error) {
	return repo.ListGenerationsPage(ctx, db, userID, offset, limit)
}

// RedactGeneration proxies repo.RedactGeneration.
func (generationRepoShim) RedactGeneration(ctx context.Context, db *gorm.DB, id string) error {
	return repo.RedactGeneration(ctx, db, id)
}

// FailStaleProcessing proxies repo.FailStaleProcessing (sweeper support).
func (generationRepoShim) FailStaleProcessing(ctx context.Context, db *gorm.DB, cutoff time.Time, message string) (int64, error) {
	return repo.FailStaleProcessing(ctx, db, cutoff, message)
}

// orderRepoShim adapts order repository free functions to services.OrderRepo.
type orderRepoShim struct{}

// CreateOrder proxies repo.CreateOrder.
func (orderRepoShim) CreateOrder(ctx context.Context, db *gorm.DB, userID, generationID, gatewayOrderID string, amountPaise int64, currency string) (*domain.Order, error) {
	return repo.CreateOrder(ctx, db, userID, generationID, gatewayOrderID, amountPaise, currency)
}

// GetOrder proxies repo.GetOrder.
func (orderRepoShim) GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error) {
	return repo.GetOrder(ctx, db, id)
}

// GetOrderByGatewayID proxies repo.GetOrderByGatewayID.
func (orderRepoShim) GetOrderByGatewayID(ctx context.Context, db *gorm.DB, gatewayOrderID string) (*domain.Order, error) {
	return repo.GetOrderByGatewayID(ctx, db, gatewayOrderID)
}

// GetPaidOrder proxies repo.GetPaidOrder.
func (orderRepoShim) GetPaidOrder(ctx context.Context, db *gorm.DB, generationID string) (*domain.Order, error) {
	return repo.GetPaidOrder(ctx, db, generationID)
}

// HasPaidOrder proxies repo.HasPaidOrder.
func (orderRepoShim) HasPaidOrder(ctx context.Context, db *gorm.DB, generationID string) (bool, error) {
	return repo.HasPaidOrder(ctx, db, generationID)
}

// MarkOrderPaid proxies repo.MarkOrderPaid.
func (orderRepoShim) MarkOrderPaid(ctx context.Context, db *gorm.DB, id string) error {
	return repo.MarkOrderPaid(ctx, db, id)
}

// MarkOrderFailed proxies repo.MarkOrderFailed.
func (orderRepoShim) MarkOrderFailed(ctx context.Context, db *gorm.DB, id string) error {
	return repo.MarkOrderFailed(ctx, db, id)
}

// receiptRepoShim adapts receipt repository free functions to
// services.ReceiptRepo.
type receiptRepoShim struct{}

// GetPurchaseReceipt proxies repo.GetPurchaseReceipt.
func (receiptRepoShim) GetPurchaseReceipt(ctx context.Context, db *gorm.DB, userID, generationID, key string, now time.Time) (*domain.PurchaseReceipt, error) {
	return repo.GetPurchaseReceipt(ctx, db, userID, generationID, key, now)
}

// CreatePurchaseReceipt proxies repo.CreatePurchaseReceipt.
func (receiptRepoShim) CreatePurchaseReceipt(ctx context.Context, db *gorm.DB, userID, generationID, key, orderID string, status int, ttl time.Duration) (*domain.PurchaseReceipt, error) {
	return repo.CreatePurchaseReceipt(ctx, db, userID, generationID, key, orderID, status, ttl)
}

// paymentRepoShim adapts payment repository free functions to
// services.PaymentRepo and services.PaymentCounter.
type paymentRepoShim struct{}

// CreatePayment proxies repo.CreatePayment.
func (paymentRepoShim) CreatePayment(ctx context.Context, db *gorm.DB, orderID, gatewayPaymentID, gatewaySignature string, amountPaise int64) (*domain.Payment, error) {
	return repo.CreatePayment(ctx, db, orderID, gatewayPaymentID, gatewaySignature, amountPaise)
}

// CountPaymentsForUser proxies repo.CountPaymentsForUser.
func (paymentRepoShim) CountPaymentsForUser(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	return repo.CountPaymentsForUser(ctx, db, userID)
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), idempotency and rate
// limiting, CORS and security headers, health and metrics endpoints, and then
// mounts the versioned public API under /api/v*.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Idempotency validator (before rate limiter to allow bypass on replay)
//  8. Rate limiter (per user/IP, bypass on replay)
//  9. CORS, security headers, gzip
func RegisterRoutes(r *gin.Engine, db *gorm.DB, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{
			"X-Razorpay-Signature", // payment webhook HMAC
		},
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit: the image cap plus multipart overhead
	r.Use(limitBody(cfg.Quota.MaxUploadBytes + (64 << 10)))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Idempotency validation for order creation (before rate limiting)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
		},
		func(ctx context.Context, userID, generationID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetPurchaseReceipt(ctx, db, userID, generationID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))

	// 8) Token-bucket rate limiter per user/IP
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP())
	r.Use(rl.Handler())

	// 9) CORS posture (safe defaults: allow all if none configured)
	if len(cfg.CORS.AllowedOrigins) == 0 {
		// Force ACAO: * even for requests without an Origin header (helps tests and simple health checks).
		r.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowAllOrigins:  true,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false, // must remain false with AllowAllOrigins
			MaxAge:           12 * time.Hour,
		}))
	} else {
		// Echo ACAO with the request Origin when it is in the allowlist (in addition to gin-contrib/cors).
		allowed := make(map[string]struct{}, len(cfg.CORS.AllowedOrigins))
		for _, o := range cfg.CORS.AllowedOrigins {
			allowed[o] = struct{}{}
		}
		r.Use(func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		})
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORS.AllowedOrigins,
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-User-ID", middleware.HeaderIdempotencyKey},
			ExposeHeaders:    []string{"X-Request-ID", "Content-Length"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers (HSTS only when enabled and request is HTTPS)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Compress JSON responses (gallery pages in particular)
	r.Use(gzip.Gzip(gzip.DefaultCompression))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Swagger UI (explicitly opt-in)
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Dependency injection: services ← repo/db/collaborators
	uploadSvc := services.NewUploadService(db, generationRepoShim{}, deps.Store, deps.Styles,
		cfg.Storage.SourceBucket, cfg.Quota.MaxUploadBytes, cfg.Quota.HourlyUploadCap)
	genSvc := &services.GenerationService{
		DB:            db,
		Repo:          generationRepoShim{},
		Payments:      paymentRepoShim{},
		Store:         deps.Store,
		Queue:         deps.Queue,
		Marker:        deps.Marker,
		Cache:         deps.Cache,
		Styles:        deps.Styles,
		SourceBucket:  cfg.Storage.SourceBucket,
		OutputBucket:  cfg.Storage.OutputBucket,
		PreviewBucket: cfg.Storage.PreviewBucket,
		DefaultModel:  cfg.Fal.DefaultModel,
		LoraModel:     cfg.Fal.LoraModel,
		SignedURLTTL:  cfg.SignedURLTTL,
		DailyCap:      cfg.Quota.DailyGenCap,
		FreeLimit:     cfg.Quota.FreeTierLimit,
	}
	orderSvc := &services.OrderService{
		DB:             db,
		Orders:         orderRepoShim{},
		Payments:       paymentRepoShim{},
		Generations:    generationRepoShim{},
		Receipts:       receiptRepoShim{},
		Gateway:        deps.Gateway,
		Store:          deps.Store,
		OutputBucket:   cfg.Storage.OutputBucket,
		AmountPaise:    cfg.Pricing.AmountPaise,
		Currency:       cfg.Pricing.Currency,
		DownloadTTL:    cfg.DownloadTTL,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}
	h := handlers.New(uploadSvc, genSvc, orderSvc, deps.Styles)

	// Public API
	apiBase := cfg.APIBasePath // e.g. "/api/v1"
	api := groupWithPrefix(r, apiBase)

	// Gateway webhooks authenticate by signature, not user identity.
	api.POST("/webhooks/razorpay", h.RazorpayWebhook)

	// Style catalog is public read-only data.
	api.GET("/styles", h.ListStyles)

	authed := api.Group("", middleware.RequireUser())
	{
		// Uploads and generations
		authed.POST("/uploads", h.Upload)
		authed.GET("/generations", h.ListGenerations)
		authed.POST("/generations/:id/submit", h.SubmitGeneration)
		authed.GET("/generations/:id", h.PollGeneration)
		authed.DELETE("/generations/:id", h.DeleteGeneration)

		// Commerce
		authed.POST("/orders", h.CreateOrder)
		authed.POST("/orders/verify", h.VerifyPayment)
		authed.GET("/generations/:id/download", h.Download)
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
