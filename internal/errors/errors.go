// Package errors defines the categorized error taxonomy used across
// the harvest pipeline. Every failure the orchestrator can observe
// maps onto exactly one category, and the category decides the
// retry/rotate/abort behavior.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies a harvest error.
type Category string

const (
	// CategoryTransient marks network/timeout failures against the
	// upstream. Retried with linear backoff.
	CategoryTransient Category = "transient"
	// CategoryAuthVariant marks authorization failures that should
	// rotate the token variant instead of consuming a retry attempt.
	CategoryAuthVariant Category = "auth_variant"
	// CategoryUpstream marks non-timeout, non-authorization upstream
	// errors. Immediately fatal to the stage.
	CategoryUpstream Category = "upstream"
	// CategoryInsufficientCredits marks a failed pre-flight balance
	// check. No external calls are attempted.
	CategoryInsufficientCredits Category = "insufficient_credits"
	// CategoryRunTimeout marks the wall-clock limit on a whole run.
	// The job keeps a resumable checkpoint.
	CategoryRunTimeout Category = "run_timeout"
	// CategoryInternal marks everything else caught at the top level.
	CategoryInternal Category = "internal"
)

// HarvestError is an error with a category and a stable code.
type HarvestError struct {
	Category Category
	Code     string
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *HarvestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *HarvestError) Unwrap() error {
	return e.Cause
}

// NewTransient creates a transient network/timeout error.
func NewTransient(message string, cause error) *HarvestError {
	return &HarvestError{
		Category: CategoryTransient,
		Code:     "UPSTREAM_TIMEOUT",
		Message:  message,
		Cause:    cause,
	}
}

// NewAuthVariant creates an authorization-variant failure.
func NewAuthVariant(message string, cause error) *HarvestError {
	return &HarvestError{
		Category: CategoryAuthVariant,
		Code:     "AUTH_VARIANT_REJECTED",
		Message:  message,
		Cause:    cause,
	}
}

// NewUpstream creates a fatal upstream application error.
func NewUpstream(message string, cause error) *HarvestError {
	return &HarvestError{
		Category: CategoryUpstream,
		Code:     "UPSTREAM_ERROR",
		Message:  message,
		Cause:    cause,
	}
}

// NewInsufficientCredits creates a pre-flight balance failure.
func NewInsufficientCredits(tenantID string, required, available int64) *HarvestError {
	return &HarvestError{
		Category: CategoryInsufficientCredits,
		Code:     "INSUFFICIENT_CREDITS",
		Message:  fmt.Sprintf("tenant %s needs %d credits but has %d", tenantID, required, available),
	}
}

// NewRunTimeout creates the distinguished wall-clock timeout error.
// The message instructs the caller to resume rather than re-run.
func NewRunTimeout(limit string) *HarvestError {
	return &HarvestError{
		Category: CategoryRunTimeout,
		Code:     "RUN_TIMEOUT",
		Message: fmt.Sprintf(
			"job exceeded the %s run limit; progress is checkpointed, create a resume job to continue", limit),
	}
}

// NewInternal wraps an unexpected error.
func NewInternal(message string, cause error) *HarvestError {
	return &HarvestError{
		Category: CategoryInternal,
		Code:     "INTERNAL_ERROR",
		Message:  message,
		Cause:    cause,
	}
}

// Categorize returns the HarvestError for err, wrapping unknown errors
// as internal.
func Categorize(err error) *HarvestError {
	if err == nil {
		return nil
	}
	var he *HarvestError
	if errors.As(err, &he) {
		return he
	}
	return NewInternal("unexpected error", err)
}

// CategoryOf returns the category of err, CategoryInternal for
// uncategorized errors.
func CategoryOf(err error) Category {
	if he := Categorize(err); he != nil {
		return he.Category
	}
	return CategoryInternal
}

// IsTransient reports whether err is a retryable network failure.
func IsTransient(err error) bool {
	return CategoryOf(err) == CategoryTransient
}

// IsAuthVariant reports whether err should rotate the token variant.
func IsAuthVariant(err error) bool {
	return CategoryOf(err) == CategoryAuthVariant
}

// IsInsufficientCredits reports whether err is a failed balance check.
func IsInsufficientCredits(err error) bool {
	return CategoryOf(err) == CategoryInsufficientCredits
}

// IsRunTimeout reports whether err is the wall-clock run limit.
func IsRunTimeout(err error) bool {
	return CategoryOf(err) == CategoryRunTimeout
}
