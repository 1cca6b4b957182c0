// Package payments adapts the Razorpay SDK to the gateway contract the
// order service depends on. Keeping the SDK behind this adapter keeps
// signature details and the SDK's map-typed API out of the service layer.
package payments

import (
	"context"
	"fmt"

	razorpay "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"
)

// Gateway wraps a Razorpay client plus the secrets needed for signature
// verification. Safe for concurrent use.
type Gateway struct {
	client        *razorpay.Client
	keySecret     string
	webhookSecret string
}

// New constructs a Gateway from API credentials and the webhook secret.
func New(keyID, keySecret, webhookSecret string) *Gateway {
	return &Gateway{
		client:        razorpay.NewClient(keyID, keySecret),
		keySecret:     keySecret,
		webhookSecret: webhookSecret,
	}
}

// CreateOrder opens a gateway order for the given amount and returns the
// gateway's order id. The receipt ties the gateway order back to our
// generation for reconciliation in the dashboard.
func (g *Gateway) CreateOrder(ctx context.Context, amountPaise int64, currency, receipt string, notes map[string]string) (string, error) {
	// The SDK is not context-aware; honor cancellation before the call.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	noteMap := make(map[string]interface{}, len(notes))
	for k, v := range notes {
		noteMap[k] = v
	}
	data := map[string]interface{}{
		"amount":   amountPaise,
		"currency": currency,
		"receipt":  receipt,
		"notes":    noteMap,
	}
	body, err := g.client.Order.Create(data, nil)
	if err != nil {
		return "", fmt.Errorf("payments: create order: %w", err)
	}
	id, ok := body["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("payments: gateway order response missing id")
	}
	return id, nil
}

// VerifyPaymentSignature checks the checkout callback signature: an HMAC
// over "orderID|paymentID" with the key secret, recomputed by the SDK.
func (g *Gateway) VerifyPaymentSignature(gatewayOrderID, gatewayPaymentID, signature string) bool {
	params := map[string]interface{}{
		"razorpay_order_id":   gatewayOrderID,
		"razorpay_payment_id": gatewayPaymentID,
	}
	return utils.VerifyPaymentSignature(params, signature, g.keySecret)
}

// VerifyWebhookSignature checks the X-Razorpay-Signature header against the
// raw webhook body using the webhook secret.
func (g *Gateway) VerifyWebhookSignature(body []byte, signature string) bool {
	return utils.VerifyWebhookSignature(string(body), signature, g.webhookSecret)
}
