// Package errs defines the error taxonomy shared by the account, login,
// deep-link and machine-id packages.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling and reporting.
type Kind string

const (
	// KindParse is a malformed callback or URL.
	KindParse Kind = "parse_error"
	// KindCorrelationMismatch is a callback that does not match the pending login.
	KindCorrelationMismatch Kind = "correlation_mismatch"
	// KindAlreadyPending is a login started while another is in flight.
	KindAlreadyPending Kind = "already_pending"
	// KindNoPendingLogin is a completion with no login to complete.
	KindNoPendingLogin Kind = "no_pending_login"
	// KindCancelled is a login cancelled before its exchange committed.
	KindCancelled Kind = "cancelled"
	// KindExpired is a pending login or token past its deadline.
	KindExpired Kind = "expired"
	// KindProvider is a network or provider-side failure.
	KindProvider Kind = "provider_error"
	// KindGuidConflict is a machine id already bound to another account.
	KindGuidConflict Kind = "guid_conflict"
	// KindInvalidFormat is a malformed machine id or provider payload.
	KindInvalidFormat Kind = "invalid_format"
	// KindStoreIO is a persistence failure.
	KindStoreIO Kind = "store_io_error"
	// KindNotFound is an unknown account or record.
	KindNotFound Kind = "not_found"
	// KindConflict is a duplicate account id.
	KindConflict Kind = "conflict"
)

// Error is a categorized error with optional provider context.
type Error struct {
	Kind Kind

	// Message is a human-readable description.
	Message string

	// Provider names the identity provider for KindProvider errors.
	Provider string

	// Retryable reports whether the caller may retry with backoff.
	Retryable bool

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Provider != "" {
		msg = fmt.Sprintf("[%s:%s] %s", e.Provider, e.Kind, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, errs.ErrExpired)
// works for wrapped instances.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Provider creates a provider error.
func Provider(provider string, retryable bool, cause error, format string, args ...any) *Error {
	return &Error{
		Kind:      KindProvider,
		Message:   fmt.Sprintf(format, args...),
		Provider:  provider,
		Retryable: retryable,
		Cause:     cause,
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrParse               = &Error{Kind: KindParse}
	ErrCorrelationMismatch = &Error{Kind: KindCorrelationMismatch}
	ErrAlreadyPending      = &Error{Kind: KindAlreadyPending}
	ErrNoPendingLogin      = &Error{Kind: KindNoPendingLogin}
	ErrCancelled           = &Error{Kind: KindCancelled}
	ErrExpired             = &Error{Kind: KindExpired}
	ErrProvider            = &Error{Kind: KindProvider}
	ErrGuidConflict        = &Error{Kind: KindGuidConflict}
	ErrInvalidFormat       = &Error{Kind: KindInvalidFormat}
	ErrStoreIO             = &Error{Kind: KindStoreIO}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrConflict            = &Error{Kind: KindConflict}
)

// KindOf returns the kind of err, or "" for uncategorized errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a retryable provider error.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// ProviderOf extracts the provider name from err.
func ProviderOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Provider
	}
	return ""
}
