package core

import (
	"errors"
	"fmt"
	"time"
)

// Error represents a voice session error.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	// Op names the operation that failed (for example "authenticate" or "handshake").
	Op string `json:"op,omitempty"`
	// Code carries a provider close code or error type when one is known.
	Code string `json:"code,omitempty"`
	Err  error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Type, e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("%s: %s: %s", e.Type, e.Op, e.Message)
	}
	if e.Code != "" {
		msg += fmt.Sprintf(" (code: %s)", e.Code)
	}
	return msg
}

// Unwrap returns the underlying error for error wrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same Type. This lets callers
// compare against the sentinel values below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type && t.Message == "" && t.Op == ""
}

// ErrorType categorizes errors.
type ErrorType string

const (
	ErrAuthUnavailable       ErrorType = "auth_unavailable"
	ErrConnectionTimeout     ErrorType = "connection_timeout"
	ErrProviderQuotaExceeded ErrorType = "provider_quota_exceeded"
	ErrSuperseded            ErrorType = "superseded"
	ErrHandler               ErrorType = "handler_error"
	ErrConfiguration         ErrorType = "configuration_error"
	ErrTransport             ErrorType = "transport_error"
)

// Sentinels for errors.Is comparisons.
var (
	AuthUnavailable       = &Error{Type: ErrAuthUnavailable}
	ConnectionTimeout     = &Error{Type: ErrConnectionTimeout}
	ProviderQuotaExceeded = &Error{Type: ErrProviderQuotaExceeded}
	Superseded            = &Error{Type: ErrSuperseded}
	HandlerError          = &Error{Type: ErrHandler}
	ConfigurationError    = &Error{Type: ErrConfiguration}
	TransportError        = &Error{Type: ErrTransport}
)

// NewAuthUnavailableError creates an error for a missing or unusable credential.
func NewAuthUnavailableError(message string, cause error) *Error {
	return &Error{
		Type:    ErrAuthUnavailable,
		Message: message,
		Op:      "authenticate",
		Err:     cause,
	}
}

// NewConnectionTimeoutError creates an error for a handshake ack that never arrived.
func NewConnectionTimeoutError(timeout time.Duration) *Error {
	return &Error{
		Type:    ErrConnectionTimeout,
		Message: fmt.Sprintf("no handshake ack within %s", timeout),
		Op:      "handshake",
	}
}

// NewQuotaExceededError creates an error for a provider-side quota rejection.
func NewQuotaExceededError(code, reason string) *Error {
	if reason == "" {
		reason = "provider rejected session: quota exceeded"
	}
	return &Error{
		Type:    ErrProviderQuotaExceeded,
		Message: reason,
		Code:    code,
	}
}

// NewSupersededError marks an attempt invalidated by a newer connect or disconnect.
func NewSupersededError(op string) *Error {
	return &Error{
		Type:    ErrSuperseded,
		Message: "connection attempt superseded",
		Op:      op,
	}
}

// NewHandlerError wraps a failure raised by a caller-supplied message handler.
func NewHandlerError(recovered any) *Error {
	err, ok := recovered.(error)
	if !ok {
		err = fmt.Errorf("%v", recovered)
	}
	return &Error{
		Type:    ErrHandler,
		Message: err.Error(),
		Op:      "handle_message",
		Err:     err,
	}
}

// NewConfigurationError creates a fatal configuration error raised before any I/O.
func NewConfigurationError(message string) *Error {
	return &Error{
		Type:    ErrConfiguration,
		Message: message,
	}
}

// NewTransportError wraps a socket-level failure.
func NewTransportError(op string, underlying error) *Error {
	msg := "transport failure"
	if underlying != nil {
		msg = underlying.Error()
	}
	return &Error{
		Type:    ErrTransport,
		Message: msg,
		Op:      op,
		Err:     underlying,
	}
}

// IsType reports whether err (or anything it wraps) is an *Error of type t.
func IsType(err error, t ErrorType) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Type == t
}

// IsSuperseded reports whether err marks a superseded attempt. Superseded
// attempts are discarded silently and never surfaced to the user.
func IsSuperseded(err error) bool {
	return IsType(err, ErrSuperseded)
}

// IsRetryable returns true if a later connect attempt may succeed.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrConnectionTimeout, ErrProviderQuotaExceeded, ErrTransport:
		return true
	default:
		return false
	}
}
