package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Class buckets reasoning-service failures by how the gateway reacts to them.
type Class string

const (
	ClassUnavailable      Class = "unavailable"
	ClassInternal         Class = "internal"
	ClassDeadlineExceeded Class = "deadline_exceeded"
	ClassRateLimited      Class = "rate_limited"
	ClassInvalidRequest   Class = "invalid_request"
	ClassCanceled         Class = "canceled"
	// ClassCircuitOpen means the backend was not called because its breaker is open.
	ClassCircuitOpen Class = "circuit_open"
)

// Transient reports whether a failure of this class is worth retrying.
func (c Class) Transient() bool {
	switch c {
	case ClassUnavailable, ClassInternal, ClassDeadlineExceeded, ClassRateLimited:
		return true
	default:
		return false
	}
}

// Error is a classified reasoning failure. Attempts is set by the gateway on
// the terminal error it returns.
type Error struct {
	Class    Class
	Attempts int
	Err      error
}

// NewError wraps err with a class.
func NewError(class Class, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Errorf builds a classified error from a format string.
func Errorf(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("reasoning %s after %d attempt(s): %v", e.Class, e.Attempts, e.Err)
	}
	return fmt.Sprintf("reasoning %s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps any error to a Class. Unrecognised errors are internal.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassDeadlineExceeded
	}
	if errors.Is(err, context.Canceled) {
		return ClassCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassDeadlineExceeded
		}
		return ClassUnavailable
	}
	return ClassInternal
}

// ClassFromHTTPStatus maps a non-2xx status to a Class.
func ClassFromHTTPStatus(status int) Class {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimited
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		return ClassUnavailable
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return ClassDeadlineExceeded
	case status >= 500:
		return ClassInternal
	default:
		return ClassInvalidRequest
	}
}
