package session

import (
	"errors"
	"fmt"
)

// ErrMalformedToken matches every DecodeError.
var ErrMalformedToken = errors.New("malformed token")

// DecodeError reports why a token could not be read.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", ErrMalformedToken, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %v", ErrMalformedToken, e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedToken}
	}
	return []error{ErrMalformedToken, e.Err}
}

// Auth error kinds. Callers match them with errors.Is.
var (
	ErrNoRefreshToken     = errors.New("no refresh token")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrValidation         = errors.New("validation failed")
	ErrSessionExpired     = errors.New("session expired")
	ErrNetwork            = errors.New("network error")
	ErrAuthInProgress     = errors.New("authentication already in progress")
)

// AuthError is surfaced to callers by sign-in, sign-up and refresh.
type AuthError struct {
	Op   string // signin, signup, refresh
	Kind error  // one of the Err* kinds above
	Err  error  // underlying cause, may be nil
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("auth %s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("auth %s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *AuthError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewAuthError is shorthand for &AuthError{...}.
func NewAuthError(op string, kind, err error) *AuthError {
	return &AuthError{Op: op, Kind: kind, Err: err}
}

// KindOf returns the AuthError kind carried by err, or nil.
func KindOf(err error) error {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return nil
}

// IsAuthKind reports whether err is an AuthError of the given kind.
func IsAuthKind(err, kind error) bool {
	k := KindOf(err)
	return k != nil && errors.Is(k, kind)
}
