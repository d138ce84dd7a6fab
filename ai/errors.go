// Package ai provides a uniform request/response surface over the
// heterogeneous LLM backends the pipeline stages call. It layers retry
// with jittered backoff, per-backend rate limiting, endpoint health
// tracking, and JSON schema validation of model responses.
package ai

import (
	"errors"
	"fmt"
)

// Kind classifies an AI call failure.
type Kind string

// Failure kinds. Timeout, RateLimited, BackendUnavailable and 5xx HTTP
// errors are retryable; SchemaMismatch and other HTTP errors are not.
const (
	KindTimeout            Kind = "Timeout"
	KindRateLimited        Kind = "RateLimited"
	KindHTTPError          Kind = "HttpError"
	KindSchemaMismatch     Kind = "SchemaMismatch"
	KindBackendUnavailable Kind = "BackendUnavailable"
)

// Error is a classified AI call failure.
type Error struct {
	Kind Kind
	// Status is set for KindHTTPError.
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError builds a classified error with the retry policy for its kind.
func NewError(kind Kind, err error) *Error {
	retryable := false
	switch kind {
	case KindTimeout, KindRateLimited, KindBackendUnavailable:
		retryable = true
	}
	return &Error{Kind: kind, Retryable: retryable, Err: err}
}

// NewHTTPError classifies an HTTP status failure. 429 counts as rate
// limiting; 5xx is retryable; remaining 4xx is permanent.
func NewHTTPError(status int, err error) *Error {
	switch {
	case status == 429:
		return &Error{Kind: KindRateLimited, Status: status, Retryable: true, Err: err}
	case status >= 500:
		return &Error{Kind: KindHTTPError, Status: status, Retryable: true, Err: err}
	default:
		return &Error{Kind: KindHTTPError, Status: status, Retryable: false, Err: err}
	}
}

// IsRetryable reports whether the error may succeed on retry. Unknown
// error types default to non-retryable.
func IsRetryable(err error) bool {
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr.Retryable
	}
	return false
}

// KindOf extracts the failure kind, or empty for unclassified errors.
func KindOf(err error) Kind {
	var aiErr *Error
	if errors.As(err, &aiErr) {
		return aiErr.Kind
	}
	return ""
}
