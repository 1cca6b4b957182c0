// Package services – collaborator contracts
//
// The services in this package orchestrate external systems: object storage,
// the generation queue, the payment gateway, and the watermarker. Each is
// consumed through a narrow interface defined here so that tests can swap in
// fakes and so transport packages stay decoupled from concrete clients.
package services

import (
	"context"
	"time"

	"github.com/mirasi-app/go-mirasi-backend/internal/falqueue"
)

// ObjectStore is the storage collaborator (Supabase Storage in production).
// Paths are bucket-relative; uploads overwrite existing objects.
type ObjectStore interface {
	// Upload writes object bytes at bucket/path.
	Upload(ctx context.Context, bucket, path string, data []byte, contentType string) error

	// Remove deletes the object at bucket/path.
	Remove(ctx context.Context, bucket, path string) error

	// SignedURL issues a time-boxed URL for a private object.
	SignedURL(ctx context.Context, bucket, path string, expiresIn time.Duration) (string, error)

	// PublicURL returns the stable URL of an object in a public bucket.
	PublicURL(bucket, path string) string
}

// GenerationQueue is the asynchronous image-generation collaborator
// (the fal.ai queue in production).
type GenerationQueue interface {
	// Submit enqueues a job on a model endpoint and returns its request id.
	Submit(ctx context.Context, model string, input falqueue.SubmitInput) (string, error)

	// Status polls the queue state of a request.
	Status(ctx context.Context, model, requestID string) (falqueue.JobStatus, error)

	// Result fetches the output payload of a completed request.
	Result(ctx context.Context, model, requestID string) (*falqueue.JobResult, error)

	// FetchImage downloads generated image bytes from a result URL.
	FetchImage(ctx context.Context, url string) ([]byte, error)
}

// Watermarker stamps preview images with the product watermark.
type Watermarker interface {
	Apply(src []byte) ([]byte, error)
}

// PaymentGateway is the payment collaborator (Razorpay in production).
type PaymentGateway interface {
	// CreateOrder opens a gateway order and returns the gateway order id.
	CreateOrder(ctx context.Context, amountPaise int64, currency, receipt string, notes map[string]string) (string, error)

	// VerifyPaymentSignature checks a checkout callback signature.
	VerifyPaymentSignature(gatewayOrderID, gatewayPaymentID, signature string) bool

	// VerifyWebhookSignature checks a webhook body signature.
	VerifyWebhookSignature(body []byte, signature string) bool
}

// TerminalCache caches terminal status responses (Redis in production).
// Implementations must treat every operation as best-effort.
type TerminalCache interface {
	Get(ctx context.Context, generationID string, dest any) bool
	Put(ctx context.Context, generationID string, v any)
	Invalidate(ctx context.Context, generationID string)
}
