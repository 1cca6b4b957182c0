// Order HTTP handlers.
//
// This file exposes REST endpoints for the pay-per-download flow:
//   - POST /orders                      (open a gateway order for a completed generation)
//   - POST /orders/verify               (confirm the checkout callback, get a download URL)
//   - GET  /generations/{id}/download   (re-issue a download URL for a purchased image)
//   - POST /webhooks/razorpay           (asynchronous gateway reconciliation)
//
// The webhook endpoint is an always-acknowledge boundary: once the signature
// verifies, processing outcomes never surface as HTTP errors, otherwise the
// gateway would retry events we have already acted on.
package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mirasi-app/go-mirasi-backend/internal/http/middleware"
)

//
// DTOs
//

// CreateOrderRequest is the JSON payload for opening an order.
type CreateOrderRequest struct {
	// GenerationID names the completed generation being purchased.
	GenerationID string `json:"generation_id" binding:"required" example:"141add05-4415-4938-b5a1-17e0d3171aff"`
}

// VerifyPaymentRequest is the JSON payload of the checkout callback, carrying
// the gateway's field names verbatim.
type VerifyPaymentRequest struct {
	RazorpayOrderID   string `json:"razorpay_order_id" binding:"required"`
	RazorpayPaymentID string `json:"razorpay_payment_id" binding:"required"`
	RazorpaySignature string `json:"razorpay_signature" binding:"required"`
}

// DownloadResponse carries a time-boxed URL for the clean HD image.
type DownloadResponse struct {
	DownloadURL string `json:"download_url"`
}

//
// Handlers
//

// CreateOrder godoc
// @ID          createOrder
// @Summary     Open a purchase order
// @Description Creates a payment-gateway order for the HD download of a completed generation.
// @Tags        Orders
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)" example(user123)
// @Param       Idempotency-Key  header  string  false "Safe-retry key; repeated requests return the original order"
// @Param       body             body    handlers.CreateOrderRequest  true  "Order payload"
//
// @Success     201  {object}  domain.Order
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse "Generation not found"
// @Failure     409  {object}  handlers.ErrorResponse "Not purchasable or already purchased"
// @Failure     502  {object}  handlers.ErrorResponse "Gateway failure"
// @Router      /orders [post]
func (h *Handlers) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "generation_id required")
		return
	}
	if _, err := uuid.Parse(req.GenerationID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "generation_id must be a UUID")
		return
	}

	idemKey, _ := middleware.GetIdempotencyKey(c)
	o, err := h.orderSvc.CreateOrder(c.Request.Context(), userID(c), req.GenerationID, idemKey)
	if err != nil {
		failService(c, err)
		return
	}
	status := http.StatusCreated
	if middleware.IsReplay(c) {
		status = http.StatusOK
	}
	ok(c, status, o)
}

// VerifyPayment godoc
// @ID          verifyPayment
// @Summary     Confirm a checkout payment
// @Description Verifies the gateway's callback signature, records the payment, and returns a signed HD download URL. Replays succeed.
// @Tags        Orders
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)" example(user123)
// @Param       body       body    handlers.VerifyPaymentRequest  true  "Checkout callback payload"
//
// @Success     200  {object}  handlers.DownloadResponse
// @Failure     400  {object}  handlers.ErrorResponse "Signature mismatch"
// @Failure     404  {object}  handlers.ErrorResponse "Order not found"
// @Router      /orders/verify [post]
func (h *Handlers) VerifyPayment(c *gin.Context) {
	var req VerifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "razorpay_order_id, razorpay_payment_id, and razorpay_signature required")
		return
	}

	url, err := h.orderSvc.VerifyPayment(c.Request.Context(), userID(c),
		req.RazorpayOrderID, req.RazorpayPaymentID, req.RazorpaySignature)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, DownloadResponse{DownloadURL: url})
}

// Download godoc
// @ID          downloadGeneration
// @Summary     Download a purchased HD image
// @Description Issues a fresh short-lived URL for the clean HD image of a paid generation.
// @Tags        Orders
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)" example(user123)
// @Param       id         path    string  true  "Generation ID (UUID)" format(uuid)
//
// @Success     200  {object}  handlers.DownloadResponse
// @Failure     402  {object}  handlers.ErrorResponse "Not purchased"
// @Failure     404  {object}  handlers.ErrorResponse "Generation not found"
// @Failure     410  {object}  handlers.ErrorResponse "Image redacted"
// @Router      /generations/{id}/download [get]
func (h *Handlers) Download(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "generation id must be a UUID")
		return
	}

	url, err := h.orderSvc.Download(c.Request.Context(), userID(c), id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, DownloadResponse{DownloadURL: url})
}

// RazorpayWebhook godoc
// @ID          razorpayWebhook
// @Summary     Razorpay webhook
// @Description Reconciles asynchronous payment events. Authentic events are always acknowledged with 200.
// @Tags        Orders
// @Accept      json
// @Produce     json
//
// @Param       X-Razorpay-Signature  header  string  true  "HMAC signature over the raw body"
//
// @Success     200  {string} string "OK"
// @Failure     400  {object} handlers.ErrorResponse "Signature mismatch or unreadable body"
// @Router      /webhooks/razorpay [post]
func (h *Handlers) RazorpayWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	sig := strings.TrimSpace(c.GetHeader("X-Razorpay-Signature"))
	if sig == "" {
		fail(c, http.StatusBadRequest, ErrCodeSignatureMismatch, "missing signature header")
		return
	}

	if err := h.orderSvc.HandleWebhook(c.Request.Context(), body, sig); err != nil {
		// Only signature failures surface; everything else was logged and
		// acknowledged inside the service.
		failService(c, err)
		return
	}
	c.Status(http.StatusOK)
}
