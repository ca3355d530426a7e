// Package starkerr defines the category-tagged error taxonomy shared across
// the StarkBot backend. Components wrap underlying errors with a Category so
// callers (the dispatcher, the gateway, HTTP controllers) can branch on
// "what kind of failure" without type-asserting concrete error types.
package starkerr

import (
	"errors"
	"fmt"
)

// Category tags the broad class of an error for routing/retry decisions.
type Category string

const (
	// InvalidInput marks bad params, unknown enum values, malformed addresses.
	InvalidInput Category = "invalid_input"
	// NotConfigured marks missing API keys, missing wallets, absent payment limits.
	NotConfigured Category = "not_configured"
	// LimitExceeded marks a per-asset spending cap violation.
	LimitExceeded Category = "limit_exceeded"
	// Unauthorized marks safe-mode or session validation failures.
	Unauthorized Category = "unauthorized"
	// UpstreamTransient marks network/timeout/5xx errors eligible for retry.
	UpstreamTransient Category = "upstream_transient"
	// UpstreamPermanent marks 4xx, signature mismatches, decoded on-chain reverts.
	UpstreamPermanent Category = "upstream_permanent"
	// IntegrityViolation marks unique-key conflicts or superseded-record revival.
	IntegrityViolation Category = "integrity_violation"
	// Internal marks unreachable states and serialization bugs.
	Internal Category = "internal"
)

// Error is a category-tagged error that wraps an underlying cause.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a category-tagged error with no wrapped cause.
func New(cat Category, message string) *Error {
	return &Error{Category: cat, Message: message}
}

// Wrap builds a category-tagged error around an existing error. If err is
// nil it returns a nil *Error; returned through a result of type error, that
// nil pointer is a non-nil error value.
func Wrap(cat Category, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Category: cat, Message: message, Err: err}
}

// CategoryOf extracts the Category of err, walking the unwrap chain. Returns
// Internal if err does not wrap a *Error.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return Internal
}

// Is reports whether err carries the given category anywhere in its chain.
func Is(err error, cat Category) bool {
	return CategoryOf(err) == cat
}
