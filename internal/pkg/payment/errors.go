package payment

import (
	"errors"
	"fmt"
)

// ErrorKind classifies payment failures so callers can decide retry vs fatal
// without inspecting provider-specific payloads.
type ErrorKind string

const (
	ErrInvalidSignature     ErrorKind = "invalid_signature"
	ErrProvider             ErrorKind = "provider_error"
	ErrCurrencyNotSupported ErrorKind = "currency_not_supported"
	ErrSubscriptionNotFound ErrorKind = "subscription_not_found"
	ErrAlreadySubscribed    ErrorKind = "already_subscribed"
)

// Error is the tagged error every adapter and orchestrator path normalizes
// into. Provider-native failure shapes never cross the adapter boundary.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("payment: %s [%s]: %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("payment: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError builds a tagged payment error.
func NewError(kind ErrorKind, provider, message string) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message}
}

// WrapError builds a tagged payment error around a cause.
func WrapError(kind ErrorKind, provider, message string, cause error) *Error {
	return &Error{Kind: kind, Provider: provider, Message: message, Cause: cause}
}

// KindOf extracts the error kind, or ErrProvider for untagged errors.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrProvider
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Kind == kind
}
