package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies dispatch failures.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindQuotaExceeded ErrorKind = "quota_exceeded"
	KindRateLimited   ErrorKind = "rate_limited"
	KindCircuitOpen   ErrorKind = "circuit_open"
	KindBackend       ErrorKind = "backend_error"
)

// Sentinel errors matched with errors.Is against any DispatchError of the same kind.
var (
	ErrQuotaExceeded = errors.New("daily quota exceeded")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrCircuitOpen   = errors.New("circuit breaker is open")
	ErrBackend       = errors.New("backend error")
)

// DispatchError is the typed failure surfaced by the dispatcher.
type DispatchError struct {
	Kind       ErrorKind
	StatusCode int
	RetryAfter time.Duration
	CallerID   string
	Endpoint   string
	Message    string
	Err        error
}

// Error implements error.
func (e *DispatchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Endpoint != "" {
		msg = fmt.Sprintf("%s [%s]", msg, e.Endpoint)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *DispatchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *DispatchError) Is(target error) bool {
	if e == nil {
		return false
	}
	if other, ok := target.(*DispatchError); ok {
		return e.Kind == other.Kind
	}
	return sentinelFor(e.Kind) == target
}

// KindOf classifies err; unknown errors are reported as backend errors.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		return dispatchErr.Kind
	}
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	default:
		return KindBackend
	}
}

// RetryAfterOf returns the Retry-After hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var dispatchErr *DispatchError
	if errors.As(err, &dispatchErr) {
		return dispatchErr.RetryAfter
	}
	return 0
}

// NewQuotaExceeded builds a quota failure for a caller.
func NewQuotaExceeded(callerID, message string) *DispatchError {
	return &DispatchError{Kind: KindQuotaExceeded, CallerID: callerID, Message: message}
}

// NewCircuitOpen builds a breaker rejection.
func NewCircuitOpen(openFor time.Duration) *DispatchError {
	return &DispatchError{
		Kind:       KindCircuitOpen,
		RetryAfter: openFor,
		Message:    "rejecting calls while backend recovers",
	}
}

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindQuotaExceeded:
		return ErrQuotaExceeded
	case KindRateLimited:
		return ErrRateLimited
	case KindCircuitOpen:
		return ErrCircuitOpen
	case KindBackend:
		return ErrBackend
	default:
		return nil
	}
}
