// Package services – OrderService
//
// This file implements the OrderService, the pay-per-download commerce flow:
// creating gateway orders for completed generations, confirming payment from
// the synchronous checkout callback, reconciling asynchronous gateway
// webhooks, and issuing time-boxed HD download URLs to paying users.
//
// Confirmation arrives on two independent paths that race each other: the
// browser's verify callback and the gateway's webhook. Both funnel into the
// same guarded order transition and the same duplicate-tolerant payment
// insert, so whichever lands second observes the first's work and succeeds
// idempotently. A paid order is never downgraded by a late failure event.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/mirasi-app/go-mirasi-backend/internal/domain"
	"github.com/mirasi-app/go-mirasi-backend/internal/repo"
)

// OrderRepo defines the repository contract required by OrderService.
type OrderRepo interface {
	// CreateOrder inserts a new order in created status.
	CreateOrder(ctx context.Context, db *gorm.DB, userID, generationID, gatewayOrderID string, amountPaise int64, currency string) (*domain.Order, error)

	// GetOrder fetches an order by id.
	GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error)

	// GetOrderByGatewayID fetches an order by the gateway's order id.
	GetOrderByGatewayID(ctx context.Context, db *gorm.DB, gatewayOrderID string) (*domain.Order, error)

	// GetPaidOrder returns the paid order for a generation, or ErrNotFound.
	GetPaidOrder(ctx context.Context, db *gorm.DB, generationID string) (*domain.Order, error)

	// HasPaidOrder reports whether the generation already has a paid order.
	HasPaidOrder(ctx context.Context, db *gorm.DB, generationID string) (bool, error)

	// MarkOrderPaid transitions created or failed → paid, at most once per
	// generation.
	MarkOrderPaid(ctx context.Context, db *gorm.DB, id string) error

	// MarkOrderFailed transitions to failed unless already paid or refunded.
	MarkOrderFailed(ctx context.Context, db *gorm.DB, id string) error
}

// PaymentRepo defines the payment persistence contract.
type PaymentRepo interface {
	// CreatePayment inserts a captured payment, ErrDuplicate on replay.
	CreatePayment(ctx context.Context, db *gorm.DB, orderID, gatewayPaymentID, gatewaySignature string, amountPaise int64) (*domain.Payment, error)
}

// GenerationGetter is the slice of the generation repository the commerce
// flow needs for ownership and status checks.
type GenerationGetter interface {
	GetGeneration(ctx context.Context, db *gorm.DB, id string) (*domain.Generation, error)
}

// ReceiptRepo persists safe-retry receipts for the order-creation endpoint,
// keyed by (user, generation, Idempotency-Key).
type ReceiptRepo interface {
	// GetPurchaseReceipt returns a non-expired receipt or ErrNotFound.
	GetPurchaseReceipt(ctx context.Context, db *gorm.DB, userID, generationID, key string, now time.Time) (*domain.PurchaseReceipt, error)

	// CreatePurchaseReceipt inserts a receipt, ErrDuplicate on a retry race.
	CreatePurchaseReceipt(ctx context.Context, db *gorm.DB, userID, generationID, key, orderID string, status int, ttl time.Duration) (*domain.PurchaseReceipt, error)
}

// OrderService coordinates order creation, payment confirmation, webhook
// reconciliation, and HD downloads.
type OrderService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Orders is the order repository used by this service.
	Orders OrderRepo
	// Payments is the payment repository used by this service.
	Payments PaymentRepo
	// Generations resolves the purchased generation.
	Generations GenerationGetter
	// Receipts backs Idempotency-Key safe retries. May be nil to disable.
	Receipts ReceiptRepo

	// Gateway is the payment gateway adapter.
	Gateway PaymentGateway
	// Store signs HD download URLs.
	Store ObjectStore

	// OutputBucket is the private bucket holding clean HD images.
	OutputBucket string

	// AmountPaise and Currency price the HD download. Pricing is flat.
	AmountPaise int64
	Currency    string

	// DownloadTTL bounds signed HD download URLs.
	DownloadTTL time.Duration
	// IdempotencyTTL bounds how long a given Idempotency-Key replays.
	IdempotencyTTL time.Duration
}

// CreateOrder opens a gateway order for a completed generation owned by
// userID. Ordering an unpaid-for generation twice is allowed (earlier
// attempts may have been abandoned); ordering an already-purchased one is
// not. When idemKey is non-empty, a retry carrying the same key within the
// receipt window returns the original order instead of opening a new one.
func (s *OrderService) CreateOrder(ctx context.Context, userID, generationID, idemKey string) (*domain.Order, error) {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "CreateOrder",
		trace.WithAttributes(
			attribute.String("generation.id", generationID),
			attribute.String("user.id", userID),
		),
	)
	defer span.End()

	if idemKey != "" && s.Receipts != nil {
		rec, err := s.Receipts.GetPurchaseReceipt(ctx, s.DB, userID, generationID, idemKey, time.Now().UTC())
		if err == nil {
			return s.Orders.GetOrder(ctx, s.DB, rec.OrderID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	g, err := s.Generations.GetGeneration(ctx, s.DB, generationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGenerationNotFound
		}
		return nil, err
	}
	if g.UserID != userID {
		return nil, ErrNotOwner
	}
	if g.Status != domain.StatusCompleted {
		return nil, ErrNotPurchasable
	}

	paid, err := s.Orders.HasPaidOrder(ctx, s.DB, generationID)
	if err != nil {
		return nil, err
	}
	if paid {
		return nil, ErrAlreadyPurchased
	}

	gatewayOrderID, err := s.Gateway.CreateOrder(ctx, s.AmountPaise, s.Currency, generationID, map[string]string{
		"generation_id": generationID,
		"user_id":       userID,
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).
			Str("generation_id", generationID).
			Msg("gateway order creation failed")
		return nil, fmt.Errorf("%w: create gateway order: %v", ErrUpstream, err)
	}

	o, err := s.Orders.CreateOrder(ctx, s.DB, userID, generationID, gatewayOrderID, s.AmountPaise, s.Currency)
	if err != nil {
		return nil, err
	}

	if idemKey != "" && s.Receipts != nil {
		_, rerr := s.Receipts.CreatePurchaseReceipt(ctx, s.DB, userID, generationID, idemKey, o.ID, http.StatusCreated, s.IdempotencyTTL)
		if rerr != nil && errors.Is(rerr, repo.ErrDuplicate) {
			// A concurrent retry won the receipt race; serve its order.
			if rec, gerr := s.Receipts.GetPurchaseReceipt(ctx, s.DB, userID, generationID, idemKey, time.Now().UTC()); gerr == nil {
				return s.Orders.GetOrder(ctx, s.DB, rec.OrderID)
			}
		}
		if rerr != nil && !errors.Is(rerr, repo.ErrDuplicate) {
			zerolog.Ctx(ctx).Warn().Err(rerr).
				Str("order_id", o.ID).
				Msg("purchase receipt insert failed")
		}
	}
	return o, nil
}

// VerifyPayment handles the synchronous checkout callback: the signature is
// checked before any state is touched, the order is flipped to paid, the
// payment is recorded, and a signed HD download URL is returned. Replays of
// an already-confirmed payment succeed and return a fresh URL.
func (s *OrderService) VerifyPayment(ctx context.Context, userID, gatewayOrderID, gatewayPaymentID, signature string) (string, error) {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "VerifyPayment",
		trace.WithAttributes(attribute.String("gateway.order_id", gatewayOrderID)),
	)
	defer span.End()

	if !s.Gateway.VerifyPaymentSignature(gatewayOrderID, gatewayPaymentID, signature) {
		zerolog.Ctx(ctx).Warn().
			Str("gateway_order_id", gatewayOrderID).
			Msg("payment signature mismatch")
		return "", ErrSignatureMismatch
	}

	o, err := s.Orders.GetOrderByGatewayID(ctx, s.DB, gatewayOrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrOrderNotFound
		}
		return "", err
	}
	if o.UserID != userID {
		return "", ErrNotOwner
	}

	if err := s.Orders.MarkOrderPaid(ctx, s.DB, o.ID); err != nil {
		if !isStale(err) {
			return "", err
		}
		// A stale transition usually means the webhook (or a replay) confirmed
		// the order first, but it also covers a refunded row or a sibling that
		// already paid for the generation. Re-read and only proceed for paid.
		cur, gerr := s.Orders.GetOrder(ctx, s.DB, o.ID)
		if gerr != nil {
			return "", gerr
		}
		if cur.Status != domain.OrderPaid {
			zerolog.Ctx(ctx).Warn().
				Str("order_id", o.ID).
				Str("status", string(cur.Status)).
				Msg("verified payment against unpayable order")
			return "", ErrOrderNotPayable
		}
	}

	_, err = s.Payments.CreatePayment(ctx, s.DB, o.ID, gatewayPaymentID, signature, o.AmountPaise)
	switch {
	case err == nil:
		paymentsCaptured.Inc()
		zerolog.Ctx(ctx).Info().
			Str("order_id", o.ID).
			Str("gateway_payment_id", gatewayPaymentID).
			Msg("payment captured")
	case errors.Is(err, repo.ErrDuplicate):
		// Already recorded by the other confirmation path.
	default:
		return "", err
	}

	return s.signDownload(ctx, o.GenerationID)
}

// webhookEvent is the subset of the gateway's webhook envelope we act on.
type webhookEvent struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID      string `json:"id"`
				OrderID string `json:"order_id"`
				Amount  int64  `json:"amount"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// HandleWebhook reconciles an asynchronous gateway event. The caller has
// already read the raw body; signature verification runs against those exact
// bytes. Processing errors are logged, never returned: the HTTP boundary
// acknowledges every authentic webhook so the gateway stops retrying, and
// unhandled event types are acknowledged untouched.
func (s *OrderService) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "HandleWebhook")
	defer span.End()

	if !s.Gateway.VerifyWebhookSignature(body, signature) {
		return ErrSignatureMismatch
	}

	log := zerolog.Ctx(ctx)
	var ev webhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Warn().Err(err).Msg("undecodable webhook body")
		return nil
	}

	entity := ev.Payload.Payment.Entity
	if entity.OrderID == "" {
		log.Warn().Str("event", ev.Event).Msg("webhook without order reference")
		return nil
	}

	o, err := s.Orders.GetOrderByGatewayID(ctx, s.DB, entity.OrderID)
	if err != nil {
		log.Warn().Err(err).
			Str("gateway_order_id", entity.OrderID).
			Msg("webhook for unknown order")
		return nil
	}

	switch ev.Event {
	case "payment.captured":
		if err := s.Orders.MarkOrderPaid(ctx, s.DB, o.ID); err != nil && !isStale(err) {
			log.Error().Err(err).Str("order_id", o.ID).Msg("webhook mark paid")
			return nil
		}
		_, err := s.Payments.CreatePayment(ctx, s.DB, o.ID, entity.ID, signature, entity.Amount)
		switch {
		case err == nil:
			paymentsCaptured.Inc()
			log.Info().Str("order_id", o.ID).Msg("payment captured via webhook")
		case errors.Is(err, repo.ErrDuplicate):
			// Verify callback recorded it first.
		default:
			log.Error().Err(err).Str("order_id", o.ID).Msg("webhook payment insert")
		}
	case "payment.failed":
		// Never downgrades a paid order; the repo guard excludes paid rows.
		if err := s.Orders.MarkOrderFailed(ctx, s.DB, o.ID); err != nil && !isStale(err) {
			log.Error().Err(err).Str("order_id", o.ID).Msg("webhook mark failed")
		}
	default:
		log.Debug().Str("event", ev.Event).Msg("ignoring webhook event")
	}
	return nil
}

// Download issues a signed URL for the clean HD image of a purchased
// generation. Requires ownership and a paid order; each call logs a download
// event for audit.
func (s *OrderService) Download(ctx context.Context, userID, generationID string) (string, error) {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "Download",
		trace.WithAttributes(attribute.String("generation.id", generationID)),
	)
	defer span.End()

	g, err := s.Generations.GetGeneration(ctx, s.DB, generationID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrGenerationNotFound
		}
		return "", err
	}
	if g.UserID != userID {
		return "", ErrNotOwner
	}

	if _, err := s.Orders.GetPaidOrder(ctx, s.DB, generationID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotPurchased
		}
		return "", err
	}
	return s.signDownload(ctx, generationID)
}

// signDownload signs a short-lived URL for the generation's HD image.
func (s *OrderService) signDownload(ctx context.Context, generationID string) (string, error) {
	g, err := s.Generations.GetGeneration(ctx, s.DB, generationID)
	if err != nil {
		return "", err
	}
	if g.GeneratedImagePath == nil || *g.GeneratedImagePath == "" {
		return "", ErrDownloadUnavailable
	}

	url, err := s.Store.SignedURL(ctx, s.OutputBucket, *g.GeneratedImagePath, s.DownloadTTL)
	if err != nil {
		return "", fmt.Errorf("%w: sign download url: %v", ErrUpstream, err)
	}

	downloadsIssued.Inc()
	zerolog.Ctx(ctx).Info().
		Str("generation_id", generationID).
		Msg("hd download url issued")
	return url, nil
}
