package apperrors

import "errors"

// Standardized backend/gateway errors
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("record not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNetwork            = errors.New("network error")
	ErrConflict           = errors.New("conflict")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrChannelClosed      = errors.New("realtime channel closed")
)

// IsTransient reports whether an error is worth retrying at a caller's
// discretion. Validation, auth and not-found errors never are.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrBackendUnavailable):
		return true
	default:
		return false
	}
}
