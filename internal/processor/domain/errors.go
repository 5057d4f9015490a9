package domain

import "errors"

var (
	ErrUnknownProcessor     = errors.New("unknown_processor")
	ErrNoProcessorAvailable = errors.New("no_processor_available")
	ErrNotSupported         = errors.New("operation_not_supported")
	ErrMissingCredentials   = errors.New("missing_credentials")
	ErrInvalidRequest       = errors.New("invalid_request")
)

// Decline codes shared across adapters so receipts stay comparable
// regardless of which provider produced the failure.
const (
	CodeDeclined        = "DECLINED"
	CodeInvalidToken    = "INVALID_TOKEN"
	CodeProcessingError = "PROCESSING_ERROR"
	CodeTimeout         = "TIMEOUT"
)
