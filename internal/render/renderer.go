// Package render converts URLs to PDF bytes through a headless browser. The
// rest of the system treats the Renderer as opaque; errors carry a
// transient/permanent classification that drives the retry policy.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Renderer produces PDF bytes for a URL. Implementations must honor the
// navigation timeout and the context deadline.
type Renderer interface {
	Render(ctx context.Context, url, mode string, navTimeout time.Duration) ([]byte, error)
}

// Error is a classified render failure. Transient failures are retried by
// the worker; permanent ones fail the job immediately.
type Error struct {
	Transient bool
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// TransientError wraps err as a retryable render failure.
func TransientError(message string, err error) *Error {
	return &Error{Transient: true, Message: message, Err: err}
}

// PermanentError wraps err as a non-retryable render failure.
func PermanentError(message string, err error) *Error {
	return &Error{Transient: false, Message: message, Err: err}
}

// IsPermanent reports whether err is a render failure that must not be
// retried. Unclassified errors and deadline expiries count as transient.
func IsPermanent(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return !re.Transient
	}
	return false
}
