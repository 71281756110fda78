// Package orchestrator drives the content pipeline: each cycle pulls
// new drafts through dedup, quota and scheduling, resolves the review
// gate, and fires publish attempts whose time has arrived.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/jonesrussell/gopost/internal/config"
	"github.com/jonesrussell/gopost/internal/dedup"
	"github.com/jonesrussell/gopost/internal/domain"
	"github.com/jonesrussell/gopost/internal/logger"
	"github.com/jonesrussell/gopost/internal/metrics"
	"github.com/jonesrussell/gopost/internal/publish"
	"github.com/jonesrussell/gopost/internal/review"
	"github.com/jonesrussell/gopost/internal/schedule"
)

const (
	defaultBatchSize = 100
	planHorizon      = 14 * 24 * time.Hour
)

// ContentStore is the slice of the content pool the orchestrator drives.
// *store.ContentRepository implements it; tests use an in-memory fake.
type ContentStore interface {
	ListByStatus(ctx context.Context, platform string, status domain.Status, limit int) ([]domain.ContentItem, error)
	Transition(ctx context.Context, id string, from, to domain.Status, reason string) error
	SetSchedule(ctx context.Context, id string, from domain.Status, at time.Time, reason string) error
	MarkFailedValidation(ctx context.Context, id, lastError string) error
	DueScheduled(ctx context.Context, platform string, now time.Time, limit int) ([]domain.ContentItem, error)
	ScheduledTimes(ctx context.Context, platform string, from, to time.Time) ([]time.Time, error)
	VariantPosted(ctx context.Context, variantGroup string) (bool, error)
}

// Deduper answers fingerprint lookups over the rolling window.
type Deduper interface {
	IsDuplicate(ctx context.Context, platform, fingerprint string) bool
	Mark(ctx context.Context, platform, fingerprint string) error
	Clear(ctx context.Context, platform, fingerprint string) error
}

// Quota reserves and releases daily publish capacity.
type Quota interface {
	Reserve(ctx context.Context, platform string, limit int) (bool, error)
	Release(ctx context.Context, platform string, reservedAt time.Time) error
}

// Publisher executes one publish attempt and applies its outcome.
type Publisher interface {
	Publish(ctx context.Context, item *domain.ContentItem) (publish.Result, error)
	Adapter(platform string) publish.Adapter
}

// Orchestrator wires the pipeline components and runs cycles.
type Orchestrator struct {
	store     ContentStore
	guard     Deduper
	quota     Quota
	scheduler *schedule.Scheduler
	executor  Publisher
	gate      *review.Gate
	metrics   *metrics.Metrics
	logger    logger.Logger

	platforms     []config.PlatformConfig
	reviewEnabled bool
	quotaMaxWait  time.Duration
	cycleInterval time.Duration
	batchSize     int

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex

	// now is replaceable in tests
	now func() time.Time
}

// Options configures a new Orchestrator.
type Options struct {
	Store         ContentStore
	Guard         Deduper
	Quota         Quota
	Scheduler     *schedule.Scheduler
	Executor      Publisher
	Gate          *review.Gate
	Metrics       *metrics.Metrics
	Logger        logger.Logger
	Platforms     []config.PlatformConfig
	ReviewEnabled bool
	QuotaMaxWait  time.Duration
	CycleInterval time.Duration
	BatchSize     int
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.CycleInterval <= 0 {
		opts.CycleInterval = config.DefaultCycleInterval
	}
	if opts.QuotaMaxWait <= 0 {
		opts.QuotaMaxWait = config.DefaultQuotaMaxWait
	}

	return &Orchestrator{
		store:         opts.Store,
		guard:         opts.Guard,
		quota:         opts.Quota,
		scheduler:     opts.Scheduler,
		executor:      opts.Executor,
		gate:          opts.Gate,
		metrics:       opts.Metrics,
		logger:        opts.Logger,
		platforms:     opts.Platforms,
		reviewEnabled: opts.ReviewEnabled,
		quotaMaxWait:  opts.QuotaMaxWait,
		cycleInterval: opts.CycleInterval,
		batchSize:     opts.BatchSize,
		stopChan:      make(chan struct{}),
		now:           time.Now,
	}
}

// Start begins the cycle loop. A cycle runs immediately, then on every
// tick until Stop or context cancellation.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.stopChan = make(chan struct{})
	o.mu.Unlock()

	o.wg.Add(1)
	go o.run(ctx)

	o.logger.Info("orchestrator started",
		logger.Duration("cycle_interval", o.cycleInterval),
		logger.Int("platforms", len(o.platforms)),
		logger.Bool("review_enabled", o.reviewEnabled),
	)
}

// Stop gracefully stops the loop. In-flight publish attempts complete;
// no new cycle starts.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	o.mu.Unlock()

	close(o.stopChan)
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// IsRunning returns whether the cycle loop is active.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cycleInterval)
	defer ticker.Stop()

	o.RunCycle(ctx)

	for {
		select {
		case <-ticker.C:
			o.RunCycle(ctx)
		case <-o.stopChan:
			return
		case <-ctx.Done():
			// The loop dies with the context; reflect that in IsRunning
			// so the stats surface does not report a dead worker as live.
			o.mu.Lock()
			o.started = false
			o.mu.Unlock()
			return
		}
	}
}

// RunCycle processes all platforms once. Platform pipelines are
// independent and run concurrently; one item's failure never aborts the
// rest of the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) {
	start := o.now()

	var wg sync.WaitGroup
	for i := range o.platforms {
		platform := o.platforms[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runPlatform(ctx, platform)
		}()
	}
	wg.Wait()

	if o.metrics != nil {
		o.metrics.CycleDuration.Observe(o.now().Sub(start).Seconds())
	}
}

func (o *Orchestrator) runPlatform(ctx context.Context, platform config.PlatformConfig) {
	log := o.logger.With(logger.String("platform", platform.Name))

	o.processDrafts(ctx, platform, log)
	o.processQueued(ctx, platform, log)
	if o.reviewEnabled {
		o.processPendingReview(ctx, platform, log)
	}
	o.processDue(ctx, platform, log)
}

// processDrafts runs new items through validation, the variant-group
// check and the dedup guard, admitting survivors into Queued.
func (o *Orchestrator) processDrafts(ctx context.Context, platform config.PlatformConfig, log logger.Logger) {
	drafts, err := o.store.ListByStatus(ctx, platform.Name, domain.StatusDraft, o.batchSize)
	if err != nil {
		log.Error("failed to list drafts", logger.Error(err))
		return
	}

	for i := range drafts {
		item := &drafts[i]

		if err := item.Validate(); err != nil {
			if markErr := o.store.MarkFailedValidation(ctx, item.ID, err.Error()); markErr != nil {
				log.Error("failed to mark invalid draft",
					logger.String("content_id", item.ID), logger.Error(markErr))
			}
			o.countFailed(platform.Name, domain.ErrorKindValidation)
			continue
		}

		if item.VariantGroup != nil {
			posted, vErr := o.store.VariantPosted(ctx, *item.VariantGroup)
			if vErr != nil {
				log.Error("variant group check failed",
					logger.String("content_id", item.ID), logger.Error(vErr))
				continue
			}
			if posted {
				o.skip(ctx, item, domain.StatusDraft, domain.SkipReasonVariantPosted, log)
				continue
			}
		}

		if o.guard.IsDuplicate(ctx, item.Platform, o.fingerprint(item)) {
			o.skip(ctx, item, domain.StatusDraft, domain.SkipReasonDuplicate, log)
			continue
		}

		if err := o.store.Transition(ctx, item.ID, domain.StatusDraft, domain.StatusQueued, "dedup unique"); err != nil {
			log.Error("failed to queue draft",
				logger.String("content_id", item.ID), logger.Error(err))
			continue
		}

		// Claim the fingerprint at admission so an identical draft in the
		// same batch cannot slip through before this one is scheduled.
		if err := o.guard.Mark(ctx, item.Platform, o.fingerprint(item)); err != nil {
			log.Warn("failed to mark fingerprint",
				logger.String("content_id", item.ID), logger.Error(err))
		}
	}
}

// processQueued reserves quota for queued items and moves them on to
// review or directly to a schedule slot. Exhausted quota leaves the item
// Queued for a later period; waiting too long retires it.
func (o *Orchestrator) processQueued(ctx context.Context, platform config.PlatformConfig, log logger.Logger) {
	queued, err := o.store.ListByStatus(ctx, platform.Name, domain.StatusQueued, o.batchSize)
	if err != nil {
		log.Error("failed to list queued items", logger.Error(err))
		return
	}

	limit := o.effectiveLimit(platform)
	now := o.now()

	for i := range queued {
		item := &queued[i]

		if now.Sub(item.CreatedAt) > o.quotaMaxWait {
			o.skip(ctx, item, domain.StatusQueued, domain.SkipReasonQuotaMaxWait, log)
			continue
		}

		reserved, rErr := o.quota.Reserve(ctx, platform.Name, limit)
		if rErr != nil {
			log.Error("quota reservation failed",
				logger.String("content_id", item.ID), logger.Error(rErr))
			continue
		}
		if !reserved {
			if o.metrics != nil {
				o.metrics.QuotaExhausted.WithLabelValues(platform.Name).Inc()
			}
			// Remaining queued items share the same exhausted budget.
			log.Debug("quota exhausted, deferring queued items",
				logger.Int("deferred", len(queued)-i))
			return
		}

		if o.reviewEnabled {
			if err := o.store.Transition(ctx, item.ID,
				domain.StatusQueued, domain.StatusPendingReview, "awaiting review"); err != nil {
				log.Error("failed to request review",
					logger.String("content_id", item.ID), logger.Error(err))
				o.releaseQuota(ctx, platform.Name, now, log)
			}
			continue
		}

		if !o.scheduleItem(ctx, platform, item, domain.StatusQueued, log) {
			o.releaseQuota(ctx, platform.Name, now, log)
		}
	}
}

// processPendingReview applies decisions and the timeout policy to items
// waiting on a human.
func (o *Orchestrator) processPendingReview(ctx context.Context, platform config.PlatformConfig, log logger.Logger) {
	pending, err := o.store.ListByStatus(ctx, platform.Name, domain.StatusPendingReview, o.batchSize)
	if err != nil {
		log.Error("failed to list pending reviews", logger.Error(err))
		return
	}

	for i := range pending {
		item := &pending[i]
		res := o.gate.Resolve(item)

		switch res.Action {
		case review.ActionApprove:
			// Quota was reserved when the item entered review, which is
			// also when UpdatedAt was last touched. A decision landing
			// after midnight must credit that day, not today.
			if !o.scheduleItem(ctx, platform, item, domain.StatusPendingReview, log) {
				o.releaseQuota(ctx, platform.Name, item.UpdatedAt, log)
			}
		case review.ActionSkip:
			o.skip(ctx, item, domain.StatusPendingReview, res.Reason, log)
			o.releaseQuota(ctx, platform.Name, item.UpdatedAt, log)
		case review.ActionWait:
			// Blocked on the reviewer; nothing to do this cycle.
		}
	}
}

// processDue fires publish attempts for scheduled items whose time has
// arrived, in ascending scheduled-time order. Shutdown must not abort an
// attempt mid-call, so the publish context survives cancellation.
func (o *Orchestrator) processDue(ctx context.Context, platform config.PlatformConfig, log logger.Logger) {
	due, err := o.store.DueScheduled(ctx, platform.Name, o.now(), o.batchSize)
	if err != nil {
		log.Error("failed to list due items", logger.Error(err))
		return
	}

	for i := range due {
		item := &due[i]

		pubCtx := context.WithoutCancel(ctx)
		res, pubErr := o.executor.Publish(pubCtx, item)
		if pubErr != nil {
			log.Error("publish bookkeeping failed",
				logger.String("content_id", item.ID), logger.Error(pubErr))
			continue
		}

		switch res.Outcome {
		case publish.OutcomePosted:
			// Refresh the fingerprint window from the posted instant.
			if mErr := o.guard.Mark(pubCtx, item.Platform, o.fingerprint(item)); mErr != nil {
				log.Warn("failed to refresh fingerprint",
					logger.String("content_id", item.ID), logger.Error(mErr))
			}
			if o.metrics != nil {
				o.metrics.Published.WithLabelValues(platform.Name).Inc()
			}
		case publish.OutcomeDeferred:
			if o.metrics != nil {
				o.metrics.Deferred.WithLabelValues(platform.Name).Inc()
			}
		case publish.OutcomeFailed:
			// The content never went out; stop blocking re-phrasings.
			if cErr := o.guard.Clear(pubCtx, item.Platform, o.fingerprint(item)); cErr != nil {
				log.Warn("failed to clear fingerprint",
					logger.String("content_id", item.ID), logger.Error(cErr))
			}
			o.countFailed(platform.Name, res.ErrorKind)
		}

		select {
		case <-o.stopChan:
			// Shutdown: finish the in-flight attempt above, start no more.
			return
		default:
		}
	}
}

// scheduleItem plans a slot and moves the item to Scheduled. Returns
// false when the transition failed and the caller should release quota.
func (o *Orchestrator) scheduleItem(
	ctx context.Context, platform config.PlatformConfig,
	item *domain.ContentItem, from domain.Status, log logger.Logger,
) bool {
	now := o.now()
	taken, err := o.store.ScheduledTimes(ctx, platform.Name, now, now.Add(planHorizon))
	if err != nil {
		log.Error("failed to load occupied slots",
			logger.String("content_id", item.ID), logger.Error(err))
		return false
	}

	at, err := o.scheduler.PlanTime(item, platform.Windows, taken)
	if err != nil {
		log.Error("failed to plan publish time",
			logger.String("content_id", item.ID), logger.Error(err))
		return false
	}

	if err := o.store.SetSchedule(ctx, item.ID, from, at, "slot assigned"); err != nil {
		log.Error("failed to schedule item",
			logger.String("content_id", item.ID), logger.Error(err))
		return false
	}

	if err := o.guard.Mark(ctx, item.Platform, o.fingerprint(item)); err != nil {
		log.Warn("failed to mark fingerprint",
			logger.String("content_id", item.ID), logger.Error(err))
	}

	log.Info("item scheduled",
		logger.String("content_id", item.ID),
		logger.Time("scheduled_time", at),
	)
	return true
}

func (o *Orchestrator) skip(
	ctx context.Context, item *domain.ContentItem, from domain.Status, reason string, log logger.Logger,
) {
	if err := o.store.Transition(ctx, item.ID, from, domain.StatusSkipped, reason); err != nil {
		log.Error("failed to skip item",
			logger.String("content_id", item.ID), logger.Error(err))
		return
	}

	// Release the claimed fingerprint so re-phrasings are allowed again.
	// A duplicate skip shares its fingerprint with the item that beat it,
	// so clearing there would unmark the survivor.
	if reason != domain.SkipReasonDuplicate {
		if err := o.guard.Clear(ctx, item.Platform, o.fingerprint(item)); err != nil {
			log.Warn("failed to clear fingerprint",
				logger.String("content_id", item.ID), logger.Error(err))
		}
	}
	if o.metrics != nil {
		o.metrics.Skipped.WithLabelValues(item.Platform, reason).Inc()
	}
	log.Info("item skipped",
		logger.String("content_id", item.ID),
		logger.String("reason", reason),
	)
}

func (o *Orchestrator) releaseQuota(ctx context.Context, platform string, reservedAt time.Time, log logger.Logger) {
	if err := o.quota.Release(ctx, platform, reservedAt); err != nil {
		log.Error("failed to release quota", logger.Error(err))
	}
}

func (o *Orchestrator) countFailed(platform string, kind domain.ErrorKind) {
	if o.metrics != nil {
		o.metrics.Failed.WithLabelValues(platform, string(kind)).Inc()
	}
}

// effectiveLimit is the configured budget, tightened by the adapter's
// platform-imposed ceiling when one exists.
func (o *Orchestrator) effectiveLimit(platform config.PlatformConfig) int {
	limit := platform.MaxPerDay
	if adapter := o.executor.Adapter(platform.Name); adapter != nil {
		if al := adapter.DailyLimit(); al > 0 && al < limit {
			limit = al
		}
	}
	return limit
}

// fingerprint returns the stored fingerprint, deriving it on the fly for
// items enqueued before fingerprinting.
func (o *Orchestrator) fingerprint(item *domain.ContentItem) string {
	if item.Fingerprint != "" {
		return item.Fingerprint
	}
	return dedup.Fingerprint(item.Platform, item.Body)
}
