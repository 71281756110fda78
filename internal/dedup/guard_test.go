package dedup_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/gopost/internal/dedup"
	"github.com/jonesrussell/gopost/internal/logger"
)

func TestFingerprint_Canonicalization(t *testing.T) {
	base := dedup.Fingerprint("twitter", "Big news from the team today")

	testCases := []struct {
		name string
		body string
		same bool
	}{
		{"identical body", "Big news from the team today", true},
		{"case variance", "BIG News From The Team Today", true},
		{"hashtag variance", "Big news from the team today #launch #golang", true},
		{"whitespace variance", "Big  news\tfrom the\n team today", true},
		{"different wording", "Small news from the team today", false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			fp := dedup.Fingerprint("twitter", tc.body)
			if tc.same {
				assert.Equal(t, base, fp)
			} else {
				assert.NotEqual(t, base, fp)
			}
		})
	}
}

func TestFingerprint_PlatformScoped(t *testing.T) {
	body := "same text everywhere"
	assert.NotEqual(t,
		dedup.Fingerprint("twitter", body),
		dedup.Fingerprint("linkedin", body),
	)
}

func newTestGuard(t *testing.T, window time.Duration) (*dedup.Guard, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return dedup.NewGuard(client, window, logger.NewNopLogger()), mr
}

func TestGuard_MarkAndCheck(t *testing.T) {
	guard, _ := newTestGuard(t, time.Hour)
	ctx := context.Background()

	fp := dedup.Fingerprint("twitter", "hello")
	assert.False(t, guard.IsDuplicate(ctx, "twitter", fp))

	require.NoError(t, guard.Mark(ctx, "twitter", fp))
	assert.True(t, guard.IsDuplicate(ctx, "twitter", fp))

	// Same fingerprint on another platform is independent.
	assert.False(t, guard.IsDuplicate(ctx, "linkedin", fp))
}

func TestGuard_Clear(t *testing.T) {
	guard, _ := newTestGuard(t, time.Hour)
	ctx := context.Background()

	fp := dedup.Fingerprint("twitter", "hello")
	require.NoError(t, guard.Mark(ctx, "twitter", fp))
	require.NoError(t, guard.Clear(ctx, "twitter", fp))

	assert.False(t, guard.IsDuplicate(ctx, "twitter", fp))
}

func TestGuard_WindowExpiry(t *testing.T) {
	guard, mr := newTestGuard(t, time.Hour)
	ctx := context.Background()

	fp := dedup.Fingerprint("twitter", "hello")
	require.NoError(t, guard.Mark(ctx, "twitter", fp))

	mr.FastForward(time.Hour + time.Minute)
	assert.False(t, guard.IsDuplicate(ctx, "twitter", fp))
}

func TestGuard_FailsOpen(t *testing.T) {
	guard, mr := newTestGuard(t, time.Hour)
	ctx := context.Background()

	fp := dedup.Fingerprint("twitter", "hello")
	require.NoError(t, guard.Mark(ctx, "twitter", fp))

	// With Redis down the guard must not block the pipeline.
	mr.Close()
	assert.False(t, guard.IsDuplicate(ctx, "twitter", fp))
}
