package domain

import "errors"

var (
	// ErrInvalidSignature is returned when webhook signature verification fails.
	// No side effects have occurred when this error is returned.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrDuplicateEvent is returned when an event key has already been processed
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrMalformedEvent is returned when a webhook payload cannot be decoded
	// into a known event shape
	ErrMalformedEvent = errors.New("malformed event payload")

	// ErrSoldOut is returned when an artwork has no editions left
	ErrSoldOut = errors.New("artwork sold out")

	// ErrStorageConflict is returned when a uniqueness constraint is violated,
	// meaning a concurrent delivery already created the record
	ErrStorageConflict = errors.New("storage conflict")

	// ErrDeliveryFailed is returned when the download email could not be
	// delivered after all retry attempts
	ErrDeliveryFailed = errors.New("email delivery failed")

	// ErrGasPriceTooHigh is returned when the estimated gas price exceeds the
	// configured ceiling
	ErrGasPriceTooHigh = errors.New("gas price exceeds ceiling")

	// ErrTransactionReverted is returned when a submitted transaction was mined
	// but reverted. Terminal for that submission.
	ErrTransactionReverted = errors.New("transaction reverted")

	// ErrTransactionTimedOut is returned when confirmation was not observed
	// within the wait window. The transaction may still be pending on-chain;
	// callers must re-query, never resubmit.
	ErrTransactionTimedOut = errors.New("transaction confirmation timed out")

	// ErrPurchaseNotFound is returned when no purchase exists for a payment identifier
	ErrPurchaseNotFound = errors.New("purchase not found")

	// ErrArtworkNotFound is returned when an artwork is not found
	ErrArtworkNotFound = errors.New("artwork not found")

	// ErrDownloadTokenNotFound is returned for unknown download tokens
	ErrDownloadTokenNotFound = errors.New("download token not found")

	// ErrDownloadTokenExpired is returned when a download token is past its expiry
	ErrDownloadTokenExpired = errors.New("download token expired")

	// ErrDownloadTokenExhausted is returned when a download token has no uses left
	ErrDownloadTokenExhausted = errors.New("download token exhausted")

	// ErrMintAttemptNotFound is returned when a mint attempt is not found
	ErrMintAttemptNotFound = errors.New("mint attempt not found")
)
