// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP
// responses (via the `fail()` helper in this package). These codes provide
// clients with a stable, machine-readable error taxonomy that supplements
// human-readable messages.
//
// Conventions:
//   - Codes are lowercase, snake_case, and domain-agnostic unless explicitly noted.
//   - Generic codes (e.g., bad_request, unauthorized, conflict) mirror common HTTP
//     status semantics to aid interoperability.
//   - Domain-specific codes (e.g., free_tier_exhausted, not_purchased) are
//     reserved for business outcomes that cannot be conveyed by status alone.
//   - All error responses must include both an HTTP status and one of these codes.
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Upload validation:
	ErrCodeInvalidImage   = "invalid_image"
	ErrCodeImageTooLarge  = "image_too_large"
	ErrCodeInvalidSubject = "invalid_subject"
	ErrCodeStyleNotFound  = "style_not_found"

	// Generation lifecycle:
	ErrCodeWrongState        = "wrong_state"
	ErrCodeDailyQuota        = "daily_quota_exceeded"
	ErrCodeFreeTierExhausted = "free_tier_exhausted"
	ErrCodeUpstreamFailed    = "upstream_failed"

	// Commerce:
	ErrCodeNotPurchasable      = "not_purchasable"
	ErrCodeAlreadyPurchased    = "already_purchased"
	ErrCodeSignatureMismatch   = "signature_mismatch"
	ErrCodeNotPurchased        = "not_purchased"
	ErrCodeDownloadUnavailable = "download_unavailable"

	ErrCodeMethodNotAllowed = "method_not_allowed"
)
