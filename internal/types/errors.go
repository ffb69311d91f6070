package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable wire-level classification of a failure. Every
// protocol response error carries exactly one kind.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation_error"
	KindInsufficientCredits ErrorKind = "insufficient_credits"
	KindStaleTransition     ErrorKind = "stale_transition"
	KindForbidden           ErrorKind = "forbidden"
	KindUnknownOperation    ErrorKind = "unknown_operation"
	KindUpstreamFailure     ErrorKind = "upstream_failure"
	KindSessionExpired      ErrorKind = "session_expired"
	KindNotFound            ErrorKind = "not_found"
	KindInternal            ErrorKind = "internal"
)

// Sentinel errors matched with errors.Is across layers.
var (
	ErrNotFound            = errors.New("not found")
	ErrStaleTransition     = errors.New("stale transition")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrForbidden           = errors.New("forbidden")
	ErrUnknownOperation    = errors.New("unknown operation")
	ErrSessionExpired      = errors.New("session expired")
	ErrValidation          = errors.New("validation failed")
	ErrUpstream            = errors.New("upstream failure")
)

// KindOf maps an error chain to its wire kind. Unrecognized errors are
// reported as internal rather than leaking their text classification.
func KindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrInsufficientCredits):
		return KindInsufficientCredits
	case errors.Is(err, ErrStaleTransition):
		return KindStaleTransition
	case errors.Is(err, ErrForbidden):
		return KindForbidden
	case errors.Is(err, ErrUnknownOperation):
		return KindUnknownOperation
	case errors.Is(err, ErrSessionExpired):
		return KindSessionExpired
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrUpstream):
		return KindUpstreamFailure
	default:
		return KindInternal
	}
}

// Validationf wraps a formatted message as a validation error.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrValidation}, args...)...)
}

// Upstreamf wraps a stage-worker failure so the retry policy can
// classify it.
func Upstreamf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrUpstream}, args...)...)
}
