package domain

import "errors"

// Common errors
var (
	// ErrNotFound is returned when an item is not found in the store
	ErrNotFound = errors.New("content item not found")

	// ErrInvalidTransition is returned when a transition's expected
	// from-status does not match the item's current status. This is the
	// optimistic concurrency check guarding against double-processing.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidItem is returned when a content item fails validation
	ErrInvalidItem = errors.New("invalid content item")

	// ErrDuplicate is returned when a fingerprint collides inside the
	// dedup lookback window. A policy skip, not a failure.
	ErrDuplicate = errors.New("duplicate content")

	// ErrQuotaExhausted is returned when the daily publish budget for a
	// platform is used up. A deferral, not a failure.
	ErrQuotaExhausted = errors.New("platform quota exhausted")
)
