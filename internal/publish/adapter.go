// Package publish executes publish attempts against platform adapters,
// classifying outcomes and applying the retry/backoff policy.
package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonesrussell/gopost/internal/domain"
)

// Adapter is the per-platform publishing collaborator. Implementations
// wrap the platform's HTTP API and authentication; the core only cares
// about the outcome classification.
type Adapter interface {
	// Platform returns the platform name this adapter serves.
	Platform() string

	// Publish posts the item and returns the platform-assigned post ID.
	// Failures must be wrapped in *TransientError or *FatalError; any
	// other error is treated as transient.
	Publish(ctx context.Context, item *domain.ContentItem) (string, error)

	// DailyLimit returns the platform-imposed publish ceiling per day,
	// or 0 when the platform imposes none.
	DailyLimit() int
}

// TransientError marks a retryable failure: rate limiting, transient
// network errors, 5xx responses.
type TransientError struct {
	Reason string
	Err    error
}

func (e *TransientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient: %s: %v", e.Reason, e.Err)
	}
	return "transient: " + e.Reason
}

func (e *TransientError) Unwrap() error { return e.Err }

// FatalError marks a non-retryable failure: invalid or expired
// credentials, platform policy rejection, server-side duplicate.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return "fatal: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err carries a FatalError anywhere in its chain.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}
