// Package services defines the business logic for uploads, generations, and
// orders. This file centralizes common service-level error values so that
// they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer; mapping
// to user-facing messages and HTTP status codes is performed at the handler
// layer.
package services

import "errors"

// Upload validation errors, in the order the checks run.
var (
	// ErrInvalidImageType is returned when the uploaded bytes are not one of
	// the accepted image formats (JPEG, PNG, WebP).
	ErrInvalidImageType = errors.New("unsupported image type")

	// ErrImageTooLarge is returned when the upload exceeds the size cap.
	ErrImageTooLarge = errors.New("image exceeds maximum size")

	// ErrInvalidSubject is returned when the subject type is neither
	// "human" nor "pet".
	ErrInvalidSubject = errors.New("subject type must be human or pet")

	// ErrUploadRateLimited is returned when the user exceeded the trailing
	// 60-minute upload cap.
	ErrUploadRateLimited = errors.New("too many uploads, try again later")

	// ErrStyleNotFound is returned when the style id does not name an
	// active style.
	ErrStyleNotFound = errors.New("style not found")
)

// Generation lifecycle errors.
var (
	// ErrGenerationNotFound indicates the generation does not exist.
	ErrGenerationNotFound = errors.New("generation not found")

	// ErrNotOwner indicates the caller does not own the resource.
	ErrNotOwner = errors.New("not the owner")

	// ErrWrongState is returned when an operation is invalid for the
	// generation's current status (e.g. submitting a non-pending row).
	ErrWrongState = errors.New("operation invalid for current status")

	// ErrDailyQuota is returned when the caller exceeded the daily
	// generation quota.
	ErrDailyQuota = errors.New("daily generation quota exceeded")

	// ErrFreeTierExhausted is returned when an unpaid user has used up the
	// lifetime free-tier generations.
	ErrFreeTierExhausted = errors.New("free tier exhausted")

	// ErrUpstream wraps failures of the external generation queue or the
	// payment gateway. Raw upstream detail is logged, never shown to users.
	ErrUpstream = errors.New("upstream service failure")
)

// Commerce errors.
var (
	// ErrOrderNotFound indicates the order does not exist.
	ErrOrderNotFound = errors.New("order not found")

	// ErrNotPurchasable is returned when ordering a generation that is not
	// in completed status.
	ErrNotPurchasable = errors.New("generation is not completed")

	// ErrAlreadyPurchased is returned when a paid order already exists for
	// the generation.
	ErrAlreadyPurchased = errors.New("generation already purchased")

	// ErrSignatureMismatch is returned when a payment callback's signature
	// does not verify.
	ErrSignatureMismatch = errors.New("payment signature mismatch")

	// ErrOrderNotPayable is returned when a verified payment lands on an
	// order that cannot reach paid (refunded, or a sibling already paid).
	ErrOrderNotPayable = errors.New("order can no longer be paid")

	// ErrNotPurchased is returned when a download is requested without a
	// paid order.
	ErrNotPurchased = errors.New("generation not purchased")

	// ErrDownloadUnavailable is returned when a paid generation has no HD
	// image path (e.g. after data-erasure redaction).
	ErrDownloadUnavailable = errors.New("download unavailable")
)
