// Package shared contains the error taxonomy and event contracts used across the domain packages.
// This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base error kinds that can be checked with errors.Is().
var (
	// ErrDecode: challenge image absent, malformed, or of the wrong resolution.
	ErrDecode = errors.New("captcha decode failed")

	// ErrChallengeNotFound: the login page carried no image challenge.
	ErrChallengeNotFound = errors.New("captcha challenge not found")

	// ErrCredentials: the portal rejected the login identifier or password.
	ErrCredentials = errors.New("invalid credentials")

	// ErrCaptchaMismatch: the portal rejected the captcha guess.
	ErrCaptchaMismatch = errors.New("captcha mismatch")

	// ErrTransport: network failure, timeout, or unexpected status from the portal.
	ErrTransport = errors.New("portal transport failure")

	// ErrExhausted: all retry budgets were consumed.
	ErrExhausted = errors.New("login attempts exhausted")

	// ErrNotAuthenticated: a session without an auth context was used for a portal call.
	ErrNotAuthenticated = errors.New("session not authenticated")

	// ErrInvalidInput: request validation failure.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound: missing entity or cache entry.
	ErrNotFound = errors.New("not found")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g. "captcha", "login", "session"
	Op      string // operation that failed, e.g. "Decode", "Submit"
	Kind    error  // base error for errors.Is()
	Message string // human-readable message
	Err     error  // underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching against both the kind and the cause.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// DecodeError builds an ErrDecode-kind error for the captcha domain.
func DecodeError(op, message string, err error) *DomainError {
	return WrapError("captcha", op, ErrDecode, message, err)
}

// Terminal reports whether err must stop every retry loop immediately.
func Terminal(err error) bool {
	return errors.Is(err, ErrCredentials) || errors.Is(err, ErrExhausted)
}

// Code maps an error to a stable, non-sensitive identifier for API responses and audit rows.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrExhausted):
		return "login_exhausted"
	case errors.Is(err, ErrCaptchaMismatch):
		return "captcha_mismatch"
	case errors.Is(err, ErrChallengeNotFound):
		return "challenge_not_found"
	case errors.Is(err, ErrDecode):
		return "captcha_decode_failed"
	case errors.Is(err, ErrTransport):
		return "portal_unreachable"
	case errors.Is(err, ErrNotAuthenticated):
		return "not_authenticated"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "internal_error"
	}
}
