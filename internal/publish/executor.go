package publish

import (
	"context"
	"time"

	"github.com/jonesrussell/gopost/internal/domain"
	"github.com/jonesrussell/gopost/internal/logger"
)

const defaultPublishTimeout = 30 * time.Second

// Outcome is the classified result of one publish attempt.
type Outcome string

const (
	// OutcomePosted means the item was published and recorded.
	OutcomePosted Outcome = "posted"
	// OutcomeDeferred means a transient failure re-armed the item with backoff.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeFailed means the item is terminally Failed.
	OutcomeFailed Outcome = "failed"
)

// Result is what one publish attempt produced.
type Result struct {
	Outcome    Outcome
	ErrorKind  domain.ErrorKind // set when Outcome is OutcomeFailed
	ExternalID string           // set when Outcome is OutcomePosted
}

// Store is the slice of the content pool the executor mutates through.
type Store interface {
	RecordPost(ctx context.Context, id, externalPostID string) error
	RecordAttempt(ctx context.Context, id, lastError string, nextAttemptAt time.Time) error
	MarkFailed(ctx context.Context, id, lastError string, kind domain.ErrorKind) error
}

// Config holds the executor's retry policy.
type Config struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
	PublishTimeout time.Duration
}

// DefaultConfig returns the stock retry policy: three attempts with
// exponential backoff from five minutes, capped at an hour.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		BackoffBase:    5 * time.Minute,
		BackoffCap:     time.Hour,
		PublishTimeout: defaultPublishTimeout,
	}
}

// Executor invokes platform adapters and applies the outcome to the
// content pool. Error classification happens here, once; upstream
// components only ever see the Outcome.
type Executor struct {
	adapters map[string]Adapter
	store    Store
	cfg      Config
	logger   logger.Logger

	// now is replaceable in tests
	now func() time.Time
}

// NewExecutor creates an executor over the given adapters, keyed by
// platform name.
func NewExecutor(adapters []Adapter, store Store, cfg Config, log logger.Logger) *Executor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultConfig().BackoffCap
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	byPlatform := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		byPlatform[a.Platform()] = a
	}

	return &Executor{
		adapters: byPlatform,
		store:    store,
		cfg:      cfg,
		logger:   log,
		now:      time.Now,
	}
}

// WithClock replaces the time source; intended for tests.
func (e *Executor) WithClock(now func() time.Time) *Executor {
	e.now = now
	return e
}

// Adapter returns the adapter registered for a platform, or nil.
func (e *Executor) Adapter(platform string) Adapter {
	return e.adapters[platform]
}

// Publish runs one publish attempt for a Scheduled item and applies the
// result: Posted on success, a backoff deferral on a transient failure
// with attempts remaining, Failed otherwise.
func (e *Executor) Publish(ctx context.Context, item *domain.ContentItem) (Result, error) {
	adapter, ok := e.adapters[item.Platform]
	if !ok {
		err := e.store.MarkFailed(ctx, item.ID, "no adapter for platform "+item.Platform, domain.ErrorKindFatal)
		return Result{Outcome: OutcomeFailed, ErrorKind: domain.ErrorKindFatal}, err
	}

	pubCtx, cancel := context.WithTimeout(ctx, e.cfg.PublishTimeout)
	defer cancel()

	externalID, pubErr := adapter.Publish(pubCtx, item)
	if pubErr == nil {
		if err := e.store.RecordPost(ctx, item.ID, externalID); err != nil {
			return Result{Outcome: OutcomeFailed, ErrorKind: domain.ErrorKindFatal}, err
		}
		e.logger.Info("published",
			logger.String("content_id", item.ID),
			logger.String("platform", item.Platform),
			logger.String("external_post_id", externalID),
			logger.Int("attempts", item.Attempts+1),
		)
		return Result{Outcome: OutcomePosted, ExternalID: externalID}, nil
	}

	if IsFatal(pubErr) {
		if err := e.store.MarkFailed(ctx, item.ID, pubErr.Error(), domain.ErrorKindFatal); err != nil {
			return Result{Outcome: OutcomeFailed, ErrorKind: domain.ErrorKindFatal}, err
		}
		e.logger.Error("publish failed permanently",
			logger.String("content_id", item.ID),
			logger.String("platform", item.Platform),
			logger.Error(pubErr),
		)
		return Result{Outcome: OutcomeFailed, ErrorKind: domain.ErrorKindFatal}, nil
	}

	// Transient: everything the adapter did not mark fatal.
	attempts := item.Attempts + 1
	if attempts >= e.cfg.MaxAttempts {
		if err := e.store.MarkFailed(ctx, item.ID, pubErr.Error(), domain.ErrorKindRetryExhausted); err != nil {
			return Result{Outcome: OutcomeFailed, ErrorKind: domain.ErrorKindRetryExhausted}, err
		}
		// Operator-visible alert: retries are gone.
		e.logger.Error("publish retries exhausted",
			logger.String("content_id", item.ID),
			logger.String("platform", item.Platform),
			logger.Int("attempts", attempts),
			logger.Error(pubErr),
		)
		return Result{Outcome: OutcomeFailed, ErrorKind: domain.ErrorKindRetryExhausted}, nil
	}

	next := e.now().Add(e.backoff(attempts))
	if err := e.store.RecordAttempt(ctx, item.ID, pubErr.Error(), next); err != nil {
		return Result{Outcome: OutcomeDeferred}, err
	}
	e.logger.Warn("publish deferred after transient failure",
		logger.String("content_id", item.ID),
		logger.String("platform", item.Platform),
		logger.Int("attempts", attempts),
		logger.Time("next_attempt_at", next),
		logger.Error(pubErr),
	)
	return Result{Outcome: OutcomeDeferred}, nil
}

// backoff returns the delay before the given attempt number retries:
// base × 2^(attempts−1), capped.
func (e *Executor) backoff(attempts int) time.Duration {
	delay := e.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= e.cfg.BackoffCap {
			return e.cfg.BackoffCap
		}
	}
	if delay > e.cfg.BackoffCap {
		delay = e.cfg.BackoffCap
	}
	return delay
}
