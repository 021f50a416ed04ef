package vk

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind discriminates the failure taxonomy of one API call.
type ErrorKind int

const (
	// KindTransport covers network failures, non-2xx HTTP statuses and
	// malformed bodies: the provider never produced an application answer.
	KindTransport ErrorKind = iota
	// KindProvider is an application-level error payload with a numeric code.
	KindProvider
	// KindThrottled is a provider error signalling the rate ceiling was hit.
	KindThrottled
)

// Provider codes that mean "slow down".
const (
	codeTooManyRequests = 6
	codeFloodControl    = 9
)

// Error is the tagged error for every non-success API call outcome.
type Error struct {
	Kind    ErrorKind
	Method  string
	Code    int    // provider error_code, 0 for transport failures
	Message string // provider error_msg or transport description

	retryAfter time.Duration
	hasHint    bool
	cause      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindTransport:
		if e.cause != nil {
			return fmt.Sprintf("vk: %s: transport: %v", e.Method, e.cause)
		}
		return fmt.Sprintf("vk: %s: transport: %s", e.Method, e.Message)
	case KindThrottled:
		if e.hasHint {
			return fmt.Sprintf("vk: %s: throttled (code=%d, retry_after=%s)", e.Method, e.Code, e.retryAfter)
		}
		return fmt.Sprintf("vk: %s: throttled (code=%d)", e.Method, e.Code)
	default:
		return fmt.Sprintf("vk: %s: error %d: %s", e.Method, e.Code, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.cause }

// Throttled reports whether the provider asked us to back off.
func (e *Error) Throttled() bool { return e.Kind == KindThrottled }

// RetryAfter returns the provider's throttle hint. ok is false when the
// error carried no machine-readable delay; callers must not retry then.
func (e *Error) RetryAfter() (time.Duration, bool) {
	if !e.hasHint {
		return 0, false
	}
	return e.retryAfter, true
}

// AsError extracts the tagged API error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsThrottled reports whether err (anywhere in its chain) is a throttle.
func IsThrottled(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Throttled()
	}
	return false
}

// RetryHint returns the throttle delay hint carried by err, if any.
func RetryHint(err error) (time.Duration, bool) {
	if e, ok := AsError(err); ok && e.Throttled() {
		return e.RetryAfter()
	}
	return 0, false
}

// NewTransportError tags a failure where the provider produced no
// application answer. Exported for custom Transport implementations.
func NewTransportError(method string, cause error) *Error {
	return &Error{Kind: KindTransport, Method: method, Message: "request failed", cause: cause}
}

// NewProviderError tags an application-level error payload. Throttle codes
// are classified here; hasHint marks a usable retry_after delay. Exported
// for custom Transport implementations.
func NewProviderError(method string, code int, msg string, hint time.Duration, hasHint bool) *Error {
	kind := KindProvider
	if code == codeTooManyRequests || code == codeFloodControl {
		kind = KindThrottled
	}
	return &Error{
		Kind:       kind,
		Method:     method,
		Code:       code,
		Message:    msg,
		retryAfter: hint,
		hasHint:    hasHint && kind == KindThrottled,
	}
}
