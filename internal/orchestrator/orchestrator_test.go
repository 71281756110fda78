package orchestrator_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonesrussell/gopost/internal/config"
	"github.com/jonesrussell/gopost/internal/dedup"
	"github.com/jonesrussell/gopost/internal/domain"
	"github.com/jonesrussell/gopost/internal/logger"
	"github.com/jonesrussell/gopost/internal/metrics"
	"github.com/jonesrussell/gopost/internal/orchestrator"
	"github.com/jonesrussell/gopost/internal/publish"
	"github.com/jonesrussell/gopost/internal/review"
	"github.com/jonesrussell/gopost/internal/schedule"
)

// fakeContentStore is an in-memory ContentStore mirroring the
// repository's optimistic-transition semantics.
type fakeContentStore struct {
	mu    sync.Mutex
	items map[string]*domain.ContentItem
	audit []domain.AuditEntry
}

func newFakeStore() *fakeContentStore {
	return &fakeContentStore{items: map[string]*domain.ContentItem{}}
}

func (s *fakeContentStore) add(item *domain.ContentItem) *domain.ContentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
	return item
}

func (s *fakeContentStore) get(id string) domain.ContentItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.items[id]
}

func (s *fakeContentStore) ListByStatus(
	_ context.Context, platform string, status domain.Status, limit int,
) ([]domain.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ContentItem
	for _, item := range s.items {
		if item.Status == status && (platform == "" || item.Platform == platform) {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeContentStore) Transition(
	_ context.Context, id string, from, to domain.Status, reason string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.Status != from || !domain.CanTransition(from, to) {
		return domain.ErrInvalidTransition
	}
	item.Status = to
	item.UpdatedAt = time.Now().UTC()
	s.audit = append(s.audit, domain.AuditEntry{
		ContentItemID: id, FromStatus: from, ToStatus: to, Reason: reason,
	})
	return nil
}

func (s *fakeContentStore) SetSchedule(
	_ context.Context, id string, from domain.Status, at time.Time, reason string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.Status != from {
		return domain.ErrInvalidTransition
	}
	item.Status = domain.StatusScheduled
	item.ScheduledTime = &at
	item.NextAttemptAt = nil
	item.UpdatedAt = time.Now().UTC()
	s.audit = append(s.audit, domain.AuditEntry{
		ContentItemID: id, FromStatus: from, ToStatus: domain.StatusScheduled, Reason: reason,
	})
	return nil
}

func (s *fakeContentStore) MarkFailedValidation(_ context.Context, id, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.items[id]
	item.Status = domain.StatusFailed
	item.LastError = &lastError
	item.LastErrorKind = domain.ErrorKindValidation
	return nil
}

func (s *fakeContentStore) DueScheduled(
	_ context.Context, platform string, now time.Time, limit int,
) ([]domain.ContentItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.ContentItem
	for _, item := range s.items {
		if item.Platform == platform && item.Due(now) {
			out = append(out, *item)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ScheduledTime.Before(*out[j].ScheduledTime)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeContentStore) ScheduledTimes(
	_ context.Context, platform string, from, to time.Time,
) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []time.Time
	for _, item := range s.items {
		if item.Platform != platform || item.ScheduledTime == nil {
			continue
		}
		if item.Status != domain.StatusScheduled && item.Status != domain.StatusPosted {
			continue
		}
		if !item.ScheduledTime.Before(from) && item.ScheduledTime.Before(to) {
			out = append(out, *item.ScheduledTime)
		}
	}
	return out, nil
}

func (s *fakeContentStore) VariantPosted(_ context.Context, variantGroup string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, item := range s.items {
		if item.VariantGroup != nil && *item.VariantGroup == variantGroup &&
			item.Status == domain.StatusPosted {
			return true, nil
		}
	}
	return false, nil
}

// fakeGuard is an in-memory Deduper.
type fakeGuard struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeGuard() *fakeGuard { return &fakeGuard{seen: map[string]bool{}} }

func (g *fakeGuard) IsDuplicate(_ context.Context, platform, fingerprint string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seen[platform+":"+fingerprint]
}

func (g *fakeGuard) Mark(_ context.Context, platform, fingerprint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seen[platform+":"+fingerprint] = true
	return nil
}

func (g *fakeGuard) Clear(_ context.Context, platform, fingerprint string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.seen, platform+":"+fingerprint)
	return nil
}

// fakeQuota is an in-memory Quota with release accounting.
type fakeQuota struct {
	mu       sync.Mutex
	used     map[string]int
	released []time.Time
}

func newFakeQuota() *fakeQuota { return &fakeQuota{used: map[string]int{}} }

func (q *fakeQuota) Reserve(_ context.Context, platform string, limit int) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used[platform] >= limit {
		return false, nil
	}
	q.used[platform]++
	return true, nil
}

func (q *fakeQuota) Release(_ context.Context, platform string, reservedAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.used[platform] > 0 {
		q.used[platform]--
	}
	q.released = append(q.released, reservedAt)
	return nil
}

// fakePublisher applies scripted results, mutating the fake store the
// way the real executor would.
type fakePublisher struct {
	mu       sync.Mutex
	store    *fakeContentStore
	results  map[string]publish.Result
	adapters map[string]publish.Adapter
	calls    []string
}

func newFakePublisher(store *fakeContentStore) *fakePublisher {
	return &fakePublisher{
		store:    store,
		results:  map[string]publish.Result{},
		adapters: map[string]publish.Adapter{},
	}
}

func (p *fakePublisher) Publish(_ context.Context, item *domain.ContentItem) (publish.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, item.ID)
	p.mu.Unlock()

	res, ok := p.results[item.ID]
	if !ok {
		res = publish.Result{Outcome: publish.OutcomePosted, ExternalID: "ext-" + item.ID}
	}

	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	stored := p.store.items[item.ID]
	switch res.Outcome {
	case publish.OutcomePosted:
		stored.Status = domain.StatusPosted
	case publish.OutcomeFailed:
		stored.Status = domain.StatusFailed
		stored.LastErrorKind = res.ErrorKind
	case publish.OutcomeDeferred:
		stored.Attempts++
		next := time.Now().Add(time.Hour)
		stored.NextAttemptAt = &next
	}
	return res, nil
}

func (p *fakePublisher) Adapter(platform string) publish.Adapter {
	return p.adapters[platform]
}

type testEnv struct {
	store *fakeContentStore
	guard *fakeGuard
	quota *fakeQuota
	pub   *fakePublisher
	met   *metrics.Metrics
	orch  *orchestrator.Orchestrator
}

func newTestEnv(t *testing.T, mutate func(*orchestrator.Options)) *testEnv {
	t.Helper()

	store := newFakeStore()
	guard := newFakeGuard()
	quota := newFakeQuota()
	pub := newFakePublisher(store)
	met := metrics.New(prometheus.NewRegistry())

	opts := orchestrator.Options{
		Store:     store,
		Guard:     guard,
		Quota:     quota,
		Scheduler: schedule.New(time.UTC, 15*time.Minute, 0),
		Executor:  pub,
		Gate:      review.NewGate(24*time.Hour, review.PolicyAutoSkip),
		Metrics:   met,
		Logger:    logger.NewNopLogger(),
		Platforms: []config.PlatformConfig{
			{Name: "twitter", MaxPerDay: 5, Windows: []string{"09:00", "12:00", "17:00"}},
		},
		CycleInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&opts)
	}

	return &testEnv{
		store: store,
		guard: guard,
		quota: quota,
		pub:   pub,
		met:   met,
		orch:  orchestrator.New(opts),
	}
}

func draft(platform, body string) *domain.ContentItem {
	now := time.Now().UTC()
	return &domain.ContentItem{
		ID:          uuid.NewString(),
		Platform:    platform,
		Body:        body,
		Fingerprint: dedup.Fingerprint(platform, body),
		Status:      domain.StatusDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestRunCycle_DraftReachesScheduled(t *testing.T) {
	env := newTestEnv(t, nil)
	item := env.store.add(draft("twitter", "launch announcement"))

	env.orch.RunCycle(context.Background())

	got := env.store.get(item.ID)
	assert.Equal(t, domain.StatusScheduled, got.Status)
	require.NotNil(t, got.ScheduledTime)
	assert.True(t, got.ScheduledTime.After(time.Now()), "slot must be in the future")
	assert.True(t, env.guard.IsDuplicate(context.Background(), "twitter", item.Fingerprint),
		"scheduling must mark the fingerprint")
}

func TestRunCycle_InvalidDraftFailsValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	bad := draft("twitter", "has body")
	bad.Body = ""
	env.store.add(bad)

	env.orch.RunCycle(context.Background())

	got := env.store.get(bad.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.ErrorKindValidation, got.LastErrorKind)
	assert.Equal(t, 1.0,
		testutil.ToFloat64(env.met.Failed.WithLabelValues("twitter", "validation")))
}

func TestRunCycle_DuplicateSkipped(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.store.add(draft("twitter", "big news today"))
	rephrased := env.store.add(draft("twitter", "Big News Today #launch"))
	rephrased.CreatedAt = first.CreatedAt.Add(time.Second)

	env.orch.RunCycle(context.Background())

	assert.Equal(t, domain.StatusScheduled, env.store.get(first.ID).Status)
	got := env.store.get(rephrased.ID)
	assert.Equal(t, domain.StatusSkipped, got.Status)
	assert.Equal(t, 1.0,
		testutil.ToFloat64(env.met.Skipped.WithLabelValues("twitter", domain.SkipReasonDuplicate)))
}

func TestRunCycle_QuotaBoundsScheduling(t *testing.T) {
	env := newTestEnv(t, func(o *orchestrator.Options) {
		o.Platforms = []config.PlatformConfig{
			{Name: "twitter", MaxPerDay: 3, Windows: []string{"09:00", "12:00", "17:00"}},
		}
	})

	base := time.Now().UTC()
	var ids []string
	for i := 0; i < 5; i++ {
		item := draft("twitter", "post number "+uuid.NewString())
		item.CreatedAt = base.Add(time.Duration(i) * time.Second)
		env.store.add(item)
		ids = append(ids, item.ID)
	}

	env.orch.RunCycle(context.Background())

	var scheduled, queued int
	for _, id := range ids {
		switch env.store.get(id).Status {
		case domain.StatusScheduled:
			scheduled++
		case domain.StatusQueued:
			queued++
		}
	}
	assert.Equal(t, 3, scheduled)
	assert.Equal(t, 2, queued, "items past the budget stay queued for the next day")
	assert.Equal(t, 1.0, testutil.ToFloat64(env.met.QuotaExhausted.WithLabelValues("twitter")))

	// Oldest items win the budget.
	for _, id := range ids[:3] {
		assert.Equal(t, domain.StatusScheduled, env.store.get(id).Status)
	}
}

func TestRunCycle_AdapterLimitTightensQuota(t *testing.T) {
	env := newTestEnv(t, nil)
	env.pub.adapters["twitter"] = publish.NewDryRunAdapter("twitter", 1)

	env.store.add(draft("twitter", "first post"))
	second := draft("twitter", "second post")
	second.CreatedAt = time.Now().UTC().Add(time.Second)
	env.store.add(second)

	env.orch.RunCycle(context.Background())

	// Config allows 5/day but the platform itself only allows 1.
	assert.Equal(t, domain.StatusQueued, env.store.get(second.ID).Status)
}

func TestRunCycle_QuotaMaxWaitExpires(t *testing.T) {
	env := newTestEnv(t, func(o *orchestrator.Options) {
		o.QuotaMaxWait = 48 * time.Hour
	})

	stale := draft("twitter", "stale queued item")
	stale.Status = domain.StatusQueued
	stale.CreatedAt = time.Now().UTC().Add(-49 * time.Hour)
	env.store.add(stale)

	env.orch.RunCycle(context.Background())

	got := env.store.get(stale.ID)
	assert.Equal(t, domain.StatusSkipped, got.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		env.met.Skipped.WithLabelValues("twitter", domain.SkipReasonQuotaMaxWait)))
}

func TestRunCycle_VariantAlreadyPosted(t *testing.T) {
	env := newTestEnv(t, nil)
	group := "variant-group-1"

	posted := draft("twitter", "variant a")
	posted.Status = domain.StatusPosted
	posted.VariantGroup = &group
	env.store.add(posted)

	variant := draft("twitter", "variant b")
	variant.VariantGroup = &group
	env.store.add(variant)

	env.orch.RunCycle(context.Background())

	got := env.store.get(variant.ID)
	assert.Equal(t, domain.StatusSkipped, got.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		env.met.Skipped.WithLabelValues("twitter", domain.SkipReasonVariantPosted)))
}

func TestRunCycle_ReviewGateHoldsItems(t *testing.T) {
	env := newTestEnv(t, func(o *orchestrator.Options) {
		o.ReviewEnabled = true
	})
	item := env.store.add(draft("twitter", "needs human eyes"))

	env.orch.RunCycle(context.Background())
	assert.Equal(t, domain.StatusPendingReview, env.store.get(item.ID).Status)

	// No decision yet: the item waits.
	env.orch.RunCycle(context.Background())
	assert.Equal(t, domain.StatusPendingReview, env.store.get(item.ID).Status)
}

func TestRunCycle_ReviewApproved(t *testing.T) {
	env := newTestEnv(t, func(o *orchestrator.Options) {
		o.ReviewEnabled = true
	})
	item := env.store.add(draft("twitter", "needs human eyes"))

	env.orch.RunCycle(context.Background())
	require.Equal(t, domain.StatusPendingReview, env.store.get(item.ID).Status)

	outcome := review.OutcomeApproved
	env.store.items[item.ID].ReviewOutcome = &outcome

	env.orch.RunCycle(context.Background())
	assert.Equal(t, domain.StatusScheduled, env.store.get(item.ID).Status)
}

func TestRunCycle_ReviewRejectedReleasesQuota(t *testing.T) {
	env := newTestEnv(t, func(o *orchestrator.Options) {
		o.ReviewEnabled = true
	})
	item := env.store.add(draft("twitter", "needs human eyes"))

	env.orch.RunCycle(context.Background())
	require.Equal(t, domain.StatusPendingReview, env.store.get(item.ID).Status)

	// UpdatedAt now marks the moment the item entered review, which is
	// also when its quota unit was reserved.
	enteredReview := env.store.get(item.ID).UpdatedAt

	outcome := review.OutcomeRejected
	env.store.items[item.ID].ReviewOutcome = &outcome

	env.orch.RunCycle(context.Background())

	assert.Equal(t, domain.StatusSkipped, env.store.get(item.ID).Status)
	require.Len(t, env.quota.released, 1, "rejected items must hand their quota back")
	assert.True(t, env.quota.released[0].Equal(enteredReview),
		"release must credit the reservation day, not the decision day")
}

func TestRunCycle_ReviewTimeoutAutoSkips(t *testing.T) {
	env := newTestEnv(t, func(o *orchestrator.Options) {
		o.ReviewEnabled = true
		o.Gate = review.NewGate(24*time.Hour, review.PolicyAutoSkip)
	})

	expired := draft("twitter", "forgotten in review")
	expired.Status = domain.StatusPendingReview
	expired.UpdatedAt = time.Now().UTC().Add(-25 * time.Hour)
	env.store.add(expired)

	env.orch.RunCycle(context.Background())

	got := env.store.get(expired.ID)
	assert.Equal(t, domain.StatusSkipped, got.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(
		env.met.Skipped.WithLabelValues("twitter", domain.SkipReasonReviewTimeout)))
}

func TestRunCycle_DueItemPublishes(t *testing.T) {
	env := newTestEnv(t, nil)

	due := draft("twitter", "time to go out")
	due.Status = domain.StatusScheduled
	at := time.Now().UTC().Add(-time.Minute)
	due.ScheduledTime = &at
	env.store.add(due)

	env.orch.RunCycle(context.Background())

	assert.Equal(t, domain.StatusPosted, env.store.get(due.ID).Status)
	assert.Equal(t, []string{due.ID}, env.pub.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.met.Published.WithLabelValues("twitter")))
}

func TestRunCycle_FutureItemNotPublished(t *testing.T) {
	env := newTestEnv(t, nil)

	future := draft("twitter", "not yet")
	future.Status = domain.StatusScheduled
	at := time.Now().UTC().Add(time.Hour)
	future.ScheduledTime = &at
	env.store.add(future)

	env.orch.RunCycle(context.Background())

	assert.Equal(t, domain.StatusScheduled, env.store.get(future.ID).Status)
	assert.Empty(t, env.pub.calls)
}

func TestRunCycle_FailedPublishClearsFingerprint(t *testing.T) {
	env := newTestEnv(t, nil)

	due := draft("twitter", "doomed post")
	due.Status = domain.StatusScheduled
	at := time.Now().UTC().Add(-time.Minute)
	due.ScheduledTime = &at
	env.store.add(due)
	require.NoError(t, env.guard.Mark(context.Background(), "twitter", due.Fingerprint))

	env.pub.results[due.ID] = publish.Result{
		Outcome: publish.OutcomeFailed, ErrorKind: domain.ErrorKindRetryExhausted,
	}

	env.orch.RunCycle(context.Background())

	assert.Equal(t, domain.StatusFailed, env.store.get(due.ID).Status)
	assert.False(t, env.guard.IsDuplicate(context.Background(), "twitter", due.Fingerprint),
		"failed content must stop blocking re-phrasings")
	assert.Equal(t, 1.0, testutil.ToFloat64(
		env.met.Failed.WithLabelValues("twitter", "retry_exhausted")))
}

func TestRunCycle_DeferredPublishCountsMetric(t *testing.T) {
	env := newTestEnv(t, nil)

	due := draft("twitter", "rate limited post")
	due.Status = domain.StatusScheduled
	at := time.Now().UTC().Add(-time.Minute)
	due.ScheduledTime = &at
	env.store.add(due)

	env.pub.results[due.ID] = publish.Result{Outcome: publish.OutcomeDeferred}

	env.orch.RunCycle(context.Background())

	got := env.store.get(due.ID)
	assert.Equal(t, domain.StatusScheduled, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 1.0, testutil.ToFloat64(env.met.Deferred.WithLabelValues("twitter")))
}

func TestRunCycle_EmptyPoolIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	env.orch.RunCycle(context.Background())
	env.orch.RunCycle(context.Background())

	assert.Empty(t, env.pub.calls)
	assert.Empty(t, env.store.audit)
}

func TestRunCycle_PlatformsIsolated(t *testing.T) {
	env := newTestEnv(t, func(o *orchestrator.Options) {
		o.Platforms = []config.PlatformConfig{
			{Name: "twitter", MaxPerDay: 5, Windows: []string{"09:00"}},
			{Name: "linkedin", MaxPerDay: 1, Windows: []string{"10:00"}},
		}
	})

	tw := env.store.add(draft("twitter", "tweet it"))
	li := env.store.add(draft("linkedin", "post it professionally"))

	env.orch.RunCycle(context.Background())

	assert.Equal(t, domain.StatusScheduled, env.store.get(tw.ID).Status)
	assert.Equal(t, domain.StatusScheduled, env.store.get(li.ID).Status)
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t, nil)

	assert.False(t, env.orch.IsRunning())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.orch.Start(ctx)
	assert.True(t, env.orch.IsRunning())

	env.orch.Stop()
	assert.False(t, env.orch.IsRunning())
}

func TestStartIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.orch.Start(ctx)
	env.orch.Start(ctx)
	assert.True(t, env.orch.IsRunning())
	env.orch.Stop()
}

func TestContextCancellationStopsRunning(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	env.orch.Start(ctx)
	require.True(t, env.orch.IsRunning())

	// Killing the context must not leave the stats surface claiming an
	// active loop.
	cancel()
	assert.Eventually(t, func() bool { return !env.orch.IsRunning() },
		time.Second, 10*time.Millisecond)
}
