package queue

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/platform"
	"postpilot/internal/post"
	"postpilot/internal/storage"
)

var (
	// ErrNotFound is returned when an operation references an unknown post id.
	ErrNotFound = storage.ErrNotFound
	// ErrInvalidPlatform signals an unregistered platform id (a caller bug).
	ErrInvalidPlatform = platform.ErrInvalidPlatform
)

// ValidationError lists every platform constraint the content violates.
// It is never retried automatically.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "content validation failed: " + strings.Join(e.Errors, "; ")
}

// RateLimitExceededError means admission was denied; retry after RetryAfter.
type RateLimitExceededError struct {
	Platform   string
	RetryAfter time.Duration
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s; retry after %s", e.Platform, e.RetryAfter.Round(time.Second))
}

// InvalidStateTransitionError carries the actual state so the caller can decide.
type InvalidStateTransitionError struct {
	ID      string
	Op      string
	Current post.Status
}

func (e *InvalidStateTransitionError) Error() string {
	if e.Op == "cancel" && e.Current == post.StatusDispatching {
		return fmt.Sprintf("post %s: cannot cancel, already dispatching", e.ID)
	}
	return fmt.Sprintf("post %s: cannot %s from state %s", e.ID, e.Op, e.Current)
}

// MaxRetriesExceededError is terminal; the post stays failed.
type MaxRetriesExceededError struct {
	ID         string
	RetryCount int
	MaxRetries int
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("post %s: retry budget exhausted (%d/%d)", e.ID, e.RetryCount, e.MaxRetries)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

// IsRateLimited reports whether err is a *RateLimitExceededError and returns its wait.
func IsRateLimited(err error) (time.Duration, bool) {
	var e *RateLimitExceededError
	if errors.As(err, &e) {
		return e.RetryAfter, true
	}
	return 0, false
}

// CurrentState extracts the state from an *InvalidStateTransitionError.
func CurrentState(err error) (post.Status, bool) {
	var e *InvalidStateTransitionError
	if errors.As(err, &e) {
		return e.Current, true
	}
	return "", false
}

func notFound(id string) error {
	return fmt.Errorf("post %s: %w", id, ErrNotFound)
}
