package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrValidation           = errors.New("validation failed")
	ErrKeyFormat            = errors.New("unusable public key")
	ErrFetch                = errors.New("remote fetch failed")
	ErrPolicyDenied         = errors.New("denied by policy")
	ErrInteractionsDisabled = errors.New("remote interactions are disabled")
)

// ValidationError reports a malformed activity or actor document.
type ValidationError struct {
	Field  string
	Reason string
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid activity: %s", e.Reason)
	}
	return fmt.Sprintf("invalid activity: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// FetchError wraps a failed remote lookup. Status is zero for transport errors.
type FetchError struct {
	URI    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URI, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool {
	return target == ErrFetch
}

// Gone reports whether the remote answered that the resource no longer exists.
func (e *FetchError) Gone() bool {
	return e.Status == 404 || e.Status == 410
}

// KeyFormatError reports a public key that could not be normalised.
type KeyFormatError struct {
	Err error
}

func (e *KeyFormatError) Error() string {
	return fmt.Sprintf("key format: %v", e.Err)
}

func (e *KeyFormatError) Unwrap() error { return e.Err }

func (e *KeyFormatError) Is(target error) bool {
	return target == ErrKeyFormat
}

// PolicyDeniedError reports a request refused by a local policy.
type PolicyDeniedError struct {
	Policy string
	Actor  string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("%s denied by %q policy", e.Actor, e.Policy)
}

func (e *PolicyDeniedError) Is(target error) bool {
	return target == ErrPolicyDenied
}
