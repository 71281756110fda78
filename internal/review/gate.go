// Package review implements the optional human-approval gate. Items
// waiting in PendingReview are resolved by an external approve/reject
// decision, or by the configured timeout policy once the wait expires.
package review

import (
	"time"

	"github.com/jonesrussell/gopost/internal/domain"
)

// Decision outcome values recorded by the operator API.
const (
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

// Policy decides what happens to an unresolved item at timeout expiry.
type Policy string

const (
	PolicyAutoSkip    Policy = "auto_skip"
	PolicyAutoApprove Policy = "auto_approve"
)

// Resolution is what the gate tells the orchestrator to do with a
// PendingReview item right now.
type Resolution struct {
	Action Action
	Reason string
}

// Action enumerates gate outcomes.
type Action string

const (
	// ActionApprove releases the item toward scheduling.
	ActionApprove Action = "approve"
	// ActionSkip retires the item as Skipped.
	ActionSkip Action = "skip"
	// ActionWait leaves the item pending for a later cycle.
	ActionWait Action = "wait"
)

// Gate evaluates pending-review items against decisions and the timeout
// policy.
type Gate struct {
	timeout time.Duration
	policy  Policy

	// now is replaceable in tests
	now func() time.Time
}

// NewGate creates a review gate with the given timeout and expiry policy.
func NewGate(timeout time.Duration, policy Policy) *Gate {
	return &Gate{
		timeout: timeout,
		policy:  policy,
		now:     time.Now,
	}
}

// WithClock replaces the time source; intended for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Resolve decides what to do with a PendingReview item. An explicit
// decision always wins; otherwise the timeout policy applies only once
// the full timeout has elapsed since the item entered review.
func (g *Gate) Resolve(item *domain.ContentItem) Resolution {
	if item.ReviewOutcome != nil {
		switch *item.ReviewOutcome {
		case OutcomeApproved:
			return Resolution{Action: ActionApprove, Reason: "review approved"}
		case OutcomeRejected:
			return Resolution{Action: ActionSkip, Reason: domain.SkipReasonReviewRejected}
		}
	}

	// UpdatedAt is set when the item transitions into PendingReview and
	// the decision write leaves it alone, so it anchors the wait.
	if g.now().Sub(item.UpdatedAt) >= g.timeout {
		if g.policy == PolicyAutoApprove {
			return Resolution{Action: ActionApprove, Reason: "review timeout, auto-approved"}
		}
		return Resolution{Action: ActionSkip, Reason: domain.SkipReasonReviewTimeout}
	}

	return Resolution{Action: ActionWait}
}
