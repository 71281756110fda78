package publish

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonesrussell/gopost/internal/domain"
)

// DryRunAdapter simulates publishing without calling a real platform.
// It exercises the full state machine, which makes it useful both for
// the dry-run operational mode and for tests.
type DryRunAdapter struct {
	platform string
	limit    int

	// Outcomes, when non-empty, is consumed one entry per Publish call:
	// a nil entry simulates success, a non-nil one is returned as the
	// publish error. Once drained, Publish succeeds.
	Outcomes []error
}

// NewDryRunAdapter creates a simulated adapter for the platform.
func NewDryRunAdapter(platform string, dailyLimit int) *DryRunAdapter {
	return &DryRunAdapter{platform: platform, limit: dailyLimit}
}

func (a *DryRunAdapter) Platform() string { return a.platform }

func (a *DryRunAdapter) DailyLimit() int { return a.limit }

func (a *DryRunAdapter) Publish(_ context.Context, item *domain.ContentItem) (string, error) {
	if len(a.Outcomes) > 0 {
		next := a.Outcomes[0]
		a.Outcomes = a.Outcomes[1:]
		if next != nil {
			return "", next
		}
	}
	return fmt.Sprintf("dry-run-%s-%s", item.Platform, uuid.NewString()), nil
}
