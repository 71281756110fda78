// Package dedup suppresses duplicate and near-duplicate content using
// fingerprints tracked in Redis over a rolling lookback window.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jonesrussell/gopost/internal/logger"
)

var (
	hashtagPattern    = regexp.MustCompile(`#\w+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// Fingerprint derives the dedup key for a piece of content: a SHA-256
// over the platform and the canonicalized body. Canonicalization
// lower-cases and strips hashtags and whitespace variance, so
// near-identical re-phrasings collide.
func Fingerprint(platform, body string) string {
	text := strings.ToLower(body)
	text = hashtagPattern.ReplaceAllString(text, "")
	text = whitespacePattern.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	sum := sha256.Sum256([]byte(strings.ToLower(platform) + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Guard tracks fingerprints of scheduled and posted content in Redis.
type Guard struct {
	client redis.UniversalClient
	window time.Duration
	logger logger.Logger
}

// NewGuard creates a new dedup guard. window is the rolling lookback
// span over which fingerprints are considered duplicates.
func NewGuard(client redis.UniversalClient, window time.Duration, log logger.Logger) *Guard {
	return &Guard{
		client: client,
		window: window,
		logger: log,
	}
}

func (g *Guard) key(platform, fingerprint string) string {
	return "dedup:" + strings.ToLower(platform) + ":" + fingerprint
}

// IsDuplicate reports whether the fingerprint was already marked for
// this platform inside the lookback window. Redis errors fail open: the
// item is treated as unique rather than blocking the pipeline.
func (g *Guard) IsDuplicate(ctx context.Context, platform, fingerprint string) bool {
	key := g.key(platform, fingerprint)

	exists, err := g.client.Exists(ctx, key).Result()
	if err != nil {
		g.logger.Error("redis error checking fingerprint",
			logger.String("platform", platform),
			logger.String("redis_key", key),
			logger.Error(err),
		)
		return false
	}

	if exists == 1 {
		g.logger.Debug("fingerprint already seen",
			logger.String("platform", platform),
			logger.String("redis_key", key),
		)
		return true
	}
	return false
}

// Mark records a fingerprint for the lookback window. Called when an
// item reaches Scheduled, and again on Posted to refresh the TTL.
func (g *Guard) Mark(ctx context.Context, platform, fingerprint string) error {
	key := g.key(platform, fingerprint)

	if err := g.client.Set(ctx, key, "1", g.window).Err(); err != nil {
		g.logger.Error("redis error marking fingerprint",
			logger.String("platform", platform),
			logger.String("redis_key", key),
			logger.Duration("window", g.window),
			logger.Error(err),
		)
		return err
	}
	return nil
}

// Clear removes a fingerprint, re-allowing the content. Used when a
// scheduled item is skipped or fails before posting.
func (g *Guard) Clear(ctx context.Context, platform, fingerprint string) error {
	key := g.key(platform, fingerprint)

	if err := g.client.Del(ctx, key).Err(); err != nil {
		g.logger.Error("redis error clearing fingerprint",
			logger.String("platform", platform),
			logger.String("redis_key", key),
			logger.Error(err),
		)
		return err
	}
	return nil
}
