// Package domain contains the core domain models for the gopost service.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a content item.
type Status string

const (
	StatusDraft         Status = "draft"
	StatusPendingReview Status = "pending_review"
	StatusQueued        Status = "queued"
	StatusScheduled     Status = "scheduled"
	StatusPosted        Status = "posted"
	StatusFailed        Status = "failed"
	StatusSkipped       Status = "skipped"
)

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusPosted || s == StatusFailed || s == StatusSkipped
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPendingReview, StatusQueued, StatusScheduled,
		StatusPosted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// allowedTransitions is the status state machine. A transition is legal
// only if the target status appears under the source status.
var allowedTransitions = map[Status][]Status{
	StatusDraft:         {StatusQueued, StatusSkipped, StatusFailed},
	StatusQueued:        {StatusPendingReview, StatusScheduled, StatusSkipped},
	StatusPendingReview: {StatusScheduled, StatusSkipped},
	StatusScheduled:     {StatusPosted, StatusFailed, StatusSkipped},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ErrorKind distinguishes why an item ended up Failed, so operators can
// tell "needs re-auth" from "needs content change" from "gave up retrying".
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindValidation     ErrorKind = "validation"
	ErrorKindFatal          ErrorKind = "fatal"
	ErrorKindRetryExhausted ErrorKind = "retry_exhausted"
)

// Skip reasons recorded on Skipped items for audit.
const (
	SkipReasonDuplicate      = "duplicate"
	SkipReasonVariantPosted  = "variant_posted"
	SkipReasonReviewRejected = "review_rejected"
	SkipReasonReviewTimeout  = "review_timeout"
	SkipReasonQuotaMaxWait   = "quota_deferred_expired"
)

// ContentItem is a single piece of generated content moving through the
// publishing pipeline. The content generator creates items in Draft; the
// store owns all subsequent mutation.
type ContentItem struct {
	ID            string     `db:"id"             json:"id"`
	Platform      string     `db:"platform"       json:"platform"`
	Body          string     `db:"body"           json:"body"`
	MediaURL      *string    `db:"media_url"      json:"media_url,omitempty"`
	VariantGroup  *string    `db:"variant_group"  json:"variant_group,omitempty"`
	EventTime     *time.Time `db:"event_time"     json:"event_time,omitempty"`
	Fingerprint   string     `db:"fingerprint"    json:"fingerprint"`
	Status        Status     `db:"status"         json:"status"`
	ScheduledTime *time.Time `db:"scheduled_time" json:"scheduled_time,omitempty"`
	NextAttemptAt *time.Time `db:"next_attempt_at" json:"next_attempt_at,omitempty"`
	Attempts      int        `db:"attempts"       json:"attempts"`
	LastError     *string    `db:"last_error"     json:"last_error,omitempty"`
	LastErrorKind ErrorKind  `db:"last_error_kind" json:"last_error_kind,omitempty"`
	ReviewedAt    *time.Time `db:"reviewed_at"    json:"reviewed_at,omitempty"`
	ReviewOutcome *string    `db:"review_outcome" json:"review_outcome,omitempty"`
	CreatedAt     time.Time  `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"     json:"updated_at"`
	PostedAt      *time.Time `db:"posted_at"      json:"posted_at,omitempty"`
}

// NewContentItem creates a Draft item with validation.
func NewContentItem(platform, body string) (*ContentItem, error) {
	if platform == "" {
		return nil, fmt.Errorf("%w: platform is required", ErrInvalidItem)
	}
	if body == "" {
		return nil, fmt.Errorf("%w: body is required", ErrInvalidItem)
	}

	now := time.Now().UTC()
	return &ContentItem{
		ID:        uuid.NewString(),
		Platform:  platform,
		Body:      body,
		Status:    StatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Validate checks the fields required before an item may be scheduled.
func (c *ContentItem) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidItem)
	}
	if c.Platform == "" {
		return fmt.Errorf("%w: platform is required", ErrInvalidItem)
	}
	if c.Body == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidItem)
	}
	return nil
}

// Due reports whether a Scheduled item is ready for a publish attempt at
// the given instant, honoring any retry backoff.
func (c *ContentItem) Due(now time.Time) bool {
	if c.Status != StatusScheduled || c.ScheduledTime == nil {
		return false
	}
	if c.ScheduledTime.After(now) {
		return false
	}
	if c.NextAttemptAt != nil && c.NextAttemptAt.After(now) {
		return false
	}
	return true
}

// PostRecord is the immutable record of one successful publish.
type PostRecord struct {
	ID             string    `db:"id"               json:"id"`
	ContentItemID  string    `db:"content_item_id"  json:"content_item_id"`
	Platform       string    `db:"platform"         json:"platform"`
	ExternalPostID string    `db:"external_post_id" json:"external_post_id"`
	PostedAt       time.Time `db:"posted_at"        json:"posted_at"`
}

// AuditEntry records one status transition. Entries are append-only and
// totally ordered per item by Seq.
type AuditEntry struct {
	Seq           int64     `db:"seq"             json:"seq"`
	ContentItemID string    `db:"content_item_id" json:"content_item_id"`
	FromStatus    Status    `db:"from_status"     json:"from_status"`
	ToStatus      Status    `db:"to_status"       json:"to_status"`
	Reason        string    `db:"reason"          json:"reason"`
	CreatedAt     time.Time `db:"created_at"      json:"created_at"`
}

// PoolStats holds per-status item counts for monitoring.
type PoolStats struct {
	Draft         int64 `db:"draft"          json:"draft"`
	PendingReview int64 `db:"pending_review" json:"pending_review"`
	Queued        int64 `db:"queued"         json:"queued"`
	Scheduled     int64 `db:"scheduled"      json:"scheduled"`
	Posted        int64 `db:"posted"         json:"posted"`
	Failed        int64 `db:"failed"         json:"failed"`
	Skipped       int64 `db:"skipped"        json:"skipped"`
}
