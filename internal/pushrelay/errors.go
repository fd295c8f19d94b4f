package pushrelay

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindNotConfigured    Kind = "not_configured"
	KindRateLimited      Kind = "rate_limited"
	KindTransientNetwork Kind = "transient_network"
	KindAPIError         Kind = "api_error"
	KindInvalidParameter Kind = "invalid_parameter"
)

// Error is the failure branch of every executor call. Expected failures are
// always returned as *Error, never panicked.
type Error struct {
	Kind       Kind
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("pushrelay %s (status %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("pushrelay %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a pushrelay error, or "" for nil and foreign errors.
func KindOf(err error) Kind {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	return ""
}

// IsTransient reports whether a later retry of the same call may succeed.
func IsTransient(err error) bool {
	var relayErr *Error
	if !errors.As(err, &relayErr) {
		return false
	}
	switch relayErr.Kind {
	case KindRateLimited, KindTransientNetwork:
		return true
	case KindAPIError:
		return relayErr.StatusCode >= 500
	default:
		return false
	}
}

func invalidParameter(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidParameter, Message: fmt.Sprintf(format, args...)}
}
