// Package quota enforces per-platform, per-day publish budgets using
// atomic Redis counters.
package quota

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/gopost/internal/logger"
)

// keyTTL keeps a day's counter around past midnight so late observers
// still see it, then lets it expire.
const keyTTL = 48 * time.Hour

// reserveScript atomically increments the day's counter only if it is
// below the limit. The whole check-and-increment runs inside Redis, so
// concurrent reservers can never both succeed past the limit.
// Returns the new count, or -1 when the quota is exhausted.
var reserveScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if used >= limit then
	return -1
end
used = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[2])
return used
`)

// releaseScript decrements the counter without letting it go negative.
var releaseScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
if used <= 0 then
	return 0
end
return redis.call('DECR', KEYS[1])
`)

// Tracker reserves and releases publish capacity per (platform, day).
type Tracker struct {
	client redis.UniversalClient
	loc    *time.Location
	logger logger.Logger

	// now is replaceable in tests
	now func() time.Time
}

// NewTracker creates a quota tracker. Days roll over at midnight in loc.
func NewTracker(client redis.UniversalClient, loc *time.Location, log logger.Logger) *Tracker {
	return &Tracker{
		client: client,
		loc:    loc,
		logger: log,
		now:    time.Now,
	}
}

// WithClock replaces the time source; intended for tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

func (t *Tracker) key(platform string, day time.Time) string {
	return "quota:" + strings.ToLower(platform) + ":" + day.In(t.loc).Format("2006-01-02")
}

// Reserve claims one unit of today's budget for the platform. Returns
// false when the quota is exhausted; that is a deferral, not an error.
func (t *Tracker) Reserve(ctx context.Context, platform string, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}

	key := t.key(platform, t.now())
	res, err := reserveScript.Run(ctx, t.client, []string{key},
		limit, int(keyTTL.Seconds())).Int64()
	if err != nil {
		return false, fmt.Errorf("reserve quota: %w", err)
	}

	if res < 0 {
		t.logger.Debug("quota exhausted",
			logger.String("platform", platform),
			logger.Int("limit", limit),
		)
		return false, nil
	}

	t.logger.Debug("quota reserved",
		logger.String("platform", platform),
		logger.Int64("used", res),
		logger.Int("limit", limit),
	)
	return true, nil
}

// Release undoes a reservation when a later pipeline step aborts before
// publish (review rejection, scheduling failure). Quota is not spent
// until an actual publish attempt is made. reservedAt identifies the
// day the reservation was made on, so a release that crosses midnight
// still credits the counter it originally debited.
func (t *Tracker) Release(ctx context.Context, platform string, reservedAt time.Time) error {
	key := t.key(platform, reservedAt)
	if err := releaseScript.Run(ctx, t.client, []string{key}).Err(); err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// Used returns today's reservation count for the platform.
func (t *Tracker) Used(ctx context.Context, platform string) (int, error) {
	key := t.key(platform, t.now())
	used, err := t.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get quota usage: %w", err)
	}
	return used, nil
}
