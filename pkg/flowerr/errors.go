// Package flowerr defines the error taxonomy shared by every markflow
// subsystem. Errors are normalized into a single structured type so the
// reliability layer can classify failures and callers can assert on both
// the outer message and the inner kind.
package flowerr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failure. Kinds, not concrete types, drive retry
// decisions.
type Kind string

const (
	KindInvalidConfig         Kind = "INVALID_CONFIG"
	KindAuthenticationFailed  Kind = "AUTHENTICATION_FAILED"
	KindAuthorizationFailed   Kind = "AUTHORIZATION_FAILED"
	KindRateLimited           Kind = "RATE_LIMITED"
	KindNetworkError          Kind = "NETWORK_ERROR"
	KindTimeout               Kind = "TIMEOUT"
	KindProviderNotFound      Kind = "PROVIDER_NOT_FOUND"
	KindProviderConflict      Kind = "PROVIDER_CONFLICT"
	KindUnsupportedCapability Kind = "UNSUPPORTED_CAPABILITY"
	KindExpressionError       Kind = "EXPRESSION_ERROR"
	KindCircuitOpen           Kind = "CIRCUIT_OPEN"
	KindInternalError         Kind = "INTERNAL_ERROR"
)

// retryableKinds holds the kinds that the reliability layer may retry.
var retryableKinds = map[Kind]bool{
	KindRateLimited:  true,
	KindNetworkError: true,
	KindTimeout:      true,
	KindCircuitOpen:  true,
}

// Retryable reports whether failures of the given kind may be retried.
func Retryable(kind Kind) bool {
	return retryableKinds[kind]
}

// Error is the structured failure record carried through the system.
type Error struct {
	Kind       Kind
	Message    string
	Service    string
	Action     string
	RetryAfter float64 // seconds, 0 when the server gave no hint
	HTTPStatus int
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether this error may be retried.
func (e *Error) Retryable() bool {
	return Retryable(e.Kind)
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind with a wrapped cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithService returns a copy of the error annotated with a service name.
func (e *Error) WithService(service string) *Error {
	clone := *e
	clone.Service = service
	return &clone
}

// WithAction returns a copy of the error annotated with an action path.
func (e *Error) WithAction(action string) *Error {
	clone := *e
	clone.Action = action
	return &clone
}

// FromHTTPStatus maps an HTTP status code to the taxonomy.
func FromHTTPStatus(status int, message string) *Error {
	var kind Kind
	switch {
	case status == 401:
		kind = KindAuthenticationFailed
	case status == 403:
		kind = KindAuthorizationFailed
	case status == 404:
		kind = KindProviderNotFound
	case status == 408:
		kind = KindTimeout
	case status == 429:
		kind = KindRateLimited
	case status >= 500:
		kind = KindNetworkError
	default:
		kind = KindInternalError
	}
	return &Error{Kind: kind, Message: message, HTTPStatus: status}
}

// KindOf extracts the kind from any error. Non-taxonomy errors report
// INTERNAL_ERROR.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternalError
}

// IsRetryable reports whether an arbitrary error may be retried after
// normalization.
func IsRetryable(err error) bool {
	return Normalize(err, "", "").Retryable()
}

// Normalize converts any error into a taxonomy error, annotated with the
// given service and action. Taxonomy errors pass through with annotations
// filled in where missing.
func Normalize(err error, service, action string) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		out := *fe
		if out.Service == "" {
			out.Service = service
		}
		if out.Action == "" {
			out.Action = action
		}
		return &out
	}

	kind := KindInternalError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, context.Canceled):
		kind = KindTimeout
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				kind = KindTimeout
			} else {
				kind = KindNetworkError
			}
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			kind = KindNetworkError
		}
	}

	return &Error{
		Kind:    kind,
		Message: err.Error(),
		Service: service,
		Action:  action,
		Cause:   err,
	}
}
