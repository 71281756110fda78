// Package schedule assigns target publish times to queued content,
// respecting per-platform posting windows and event-anchored overrides.
package schedule

import (
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/jonesrussell/gopost/internal/domain"
)

const (
	// maxDaysAhead bounds the window search; beyond this the scheduler
	// falls back to "tomorrow, same time".
	maxDaysAhead = 14

	// minLeadTime is the floor applied when an event anchor or fallback
	// would land in the past.
	minLeadTime = time.Minute
)

// Scheduler computes publish times. The zero value is not usable; use New.
type Scheduler struct {
	loc        *time.Location
	leadOffset time.Duration
	jitter     time.Duration

	// now and rng are replaceable in tests
	now func() time.Time
	rng *rand.Rand
}

// New creates a Scheduler. leadOffset is how far before an event anchor
// posts go out; jitter is the maximum random offset added to window
// slots so timing is not perfectly periodic.
func New(loc *time.Location, leadOffset, jitter time.Duration) *Scheduler {
	return &Scheduler{
		loc:        loc,
		leadOffset: leadOffset,
		jitter:     jitter,
		now:        time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithClock replaces the time source and RNG; intended for tests.
func (s *Scheduler) WithClock(now func() time.Time, rng *rand.Rand) *Scheduler {
	s.now = now
	s.rng = rng
	return s
}

// PlanTime returns the publish time for item. Event-anchored items are
// placed at eventTime − leadOffset, clipped to the future. Everything
// else takes the next free window slot from the platform's ordered
// daily windows, jittered, rolling into following days when today's
// windows are taken. The returned time is always strictly in the future.
func (s *Scheduler) PlanTime(
	item *domain.ContentItem, windows []string, taken []time.Time,
) (time.Time, error) {
	now := s.now()

	if item.EventTime != nil {
		target := item.EventTime.Add(-s.leadOffset)
		if !target.After(now) {
			target = now.Add(minLeadTime)
		}
		return target.UTC(), nil
	}

	slots, err := parseWindows(windows)
	if err != nil {
		return time.Time{}, err
	}

	for dayOffset := 0; dayOffset <= maxDaysAhead; dayOffset++ {
		day := now.In(s.loc).AddDate(0, 0, dayOffset)
		for _, w := range slots {
			slot := time.Date(day.Year(), day.Month(), day.Day(), w.hour, w.minute, 0, 0, s.loc)
			if !slot.After(now) {
				continue
			}
			if slotTaken(slot, taken, s.jitter) {
				continue
			}
			return s.applyJitter(slot, now).UTC(), nil
		}
	}

	// All windows occupied for two weeks; fall back to tomorrow.
	return now.Add(24 * time.Hour).UTC(), nil
}

// applyJitter shifts a slot forward by a random offset below the
// configured jitter, keeping the result in the future.
func (s *Scheduler) applyJitter(slot, now time.Time) time.Time {
	if s.jitter <= 0 {
		return slot
	}
	target := slot.Add(time.Duration(s.rng.Int63n(int64(s.jitter))))
	if !target.After(now) {
		target = now.Add(minLeadTime)
	}
	return target
}

// slotTaken reports whether an occupied time sits close enough to the
// slot to count as the same window, jitter included.
func slotTaken(slot time.Time, taken []time.Time, jitter time.Duration) bool {
	tolerance := jitter + time.Minute
	for _, t := range taken {
		d := t.Sub(slot)
		if d < 0 {
			d = -d
		}
		if d <= tolerance {
			return true
		}
	}
	return false
}

type window struct {
	hour   int
	minute int
}

func parseWindows(windows []string) ([]window, error) {
	if len(windows) == 0 {
		return nil, fmt.Errorf("no posting windows configured")
	}

	slots := make([]window, 0, len(windows))
	for _, w := range windows {
		t, err := time.Parse("15:04", w)
		if err != nil {
			return nil, fmt.Errorf("parse window %q: %w", w, err)
		}
		slots = append(slots, window{hour: t.Hour(), minute: t.Minute()})
	}

	sort.Slice(slots, func(i, j int) bool {
		if slots[i].hour != slots[j].hour {
			return slots[i].hour < slots[j].hour
		}
		return slots[i].minute < slots[j].minute
	})
	return slots, nil
}
