package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/billingcore/internal/authorization"
	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
	"github.com/smallbiznis/billingcore/internal/clock"
	dunningdomain "github.com/smallbiznis/billingcore/internal/dunning/domain"
	dunningservice "github.com/smallbiznis/billingcore/internal/dunning/service"
	"github.com/smallbiznis/billingcore/internal/errs"
	obsmetrics "github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/smallbiznis/billingcore/internal/orgcontext"
	"github.com/smallbiznis/billingcore/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/internal/testutil/fixture"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testOrg = 4242

type env struct {
	*fixture.Stack
	dunning dunningdomain.Service
	sched   *Scheduler
	plan    *catalogdomain.Plan
}

func newAuthz(t *testing.T) authorization.Service {
	t.Helper()
	enforcer, err := authorization.NewEnforcer()
	require.NoError(t, err)
	return authorization.NewService(authorization.Params{Log: zap.NewNop(), Enforcer: enforcer})
}

func newEnv(t *testing.T, cfg Config, locker *ratelimit.Locker) *env {
	t.Helper()
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	t.Cleanup(restore)

	e := &env{Stack: fixture.NewStack(t)}
	e.dunning = dunningservice.NewService(dunningservice.Params{
		DB:     e.DB,
		Log:    zap.NewNop(),
		GenID:  e.Node,
		Clock:  e.Clock,
		Policy: e.Policy,
		Repo:   e.DunningRepo,
	})
	sched, err := New(Params{
		Log:           zap.NewNop(),
		Clock:         e.Clock,
		Config:        cfg,
		Authz:         newAuthz(t),
		Subscriptions: e.Subscriptions,
		Dunning:       e.dunning,
		Gateway:       e.Gateway,
		Rating:        e.Rating,
		Locker:        locker,
	})
	require.NoError(t, err)
	e.sched = sched

	fixture.Product(t, e.Catalog, catalogdomain.CreateProductRequest{
		Code:   "hosting",
		Status: string(catalogdomain.ProductActive),
	})
	e.plan = fixture.Plan(t, e.Catalog, "hosting", fixture.PlanSpec{
		Code:         "vps",
		Price:        "20.00",
		ProcessorRef: "price_vps",
	})
	return e
}

func tenantCtx() context.Context {
	return orgcontext.WithOrgID(context.Background(), testOrg)
}

func (e *env) subscribe(t *testing.T) *subscriptiondomain.Subscription {
	t.Helper()
	res, err := e.Subscriptions.Create(tenantCtx(), subscriptiondomain.CreateRequest{ProductCode: "hosting", PlanID: e.plan.ID})
	require.NoError(t, err)
	require.Len(t, res.Subscriptions, 1)
	return &res.Subscriptions[0]
}

// failPayment moves sub to past_due and schedules dunning for invoice in_100.
func (e *env) failPayment(t *testing.T, sub *subscriptiondomain.Subscription) {
	t.Helper()
	got, err := e.Subscriptions.ApplyProcessorEvent(context.Background(), subscriptiondomain.ProcessorEvent{
		EventID:                 "evt_failed",
		Kind:                    subscriptiondomain.EventPaymentFailed,
		OccurredAt:              e.Clock.Now(),
		ProcessorSubscriptionID: *sub.ProcessorSubscriptionID,
		InvoiceID:               "in_100",
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusPastDue, got.Status)
}

func (e *env) attempts(t *testing.T, sub *subscriptiondomain.Subscription) []dunningdomain.Attempt {
	t.Helper()
	items, err := e.dunning.List(context.Background(), sub.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	return items
}

func TestRunOnceCancelsAtPeriodEnd(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	sub := e.subscribe(t)
	_, err := e.Subscriptions.Cancel(tenantCtx(), sub.ID.String(), subscriptiondomain.CancelRequest{AtPeriodEnd: true})
	require.NoError(t, err)

	report, err := e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Zero(t, report.Advance.Cancelled)

	e.Clock.Advance(32 * 24 * time.Hour)
	report, err = e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Advance.Cancelled)

	got, err := e.Subscriptions.Get(tenantCtx(), sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusCancelled, got.Status)
}

func TestRunOnceRetriesDueDunning(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	sub := e.subscribe(t)
	e.failPayment(t, sub)

	e.Clock.Advance(24 * time.Hour)
	report, err := e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.DunningRetried)
	assert.Zero(t, e.Processor.PaidCount("in_100"))

	e.Clock.Advance(2*24*time.Hour + time.Hour)
	report, err = e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DunningRetried)
	assert.Equal(t, 1, e.Processor.PaidCount("in_100"))

	for _, attempt := range e.attempts(t, sub) {
		assert.Equal(t, dunningdomain.StatusSucceeded, attempt.Status)
	}

	// Collection is confirmed by the processor webhook, not by the retry.
	got, err := e.Subscriptions.Get(tenantCtx(), sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.StatusPastDue, got.Status)
}

func TestRunOnceRecordsRejectedRetry(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	sub := e.subscribe(t)
	e.failPayment(t, sub)

	e.Clock.Advance(3*24*time.Hour + time.Hour)
	e.Processor.FailNext(errors.New("card_declined"))
	report, err := e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DunningFailed)
	assert.Zero(t, report.DunningRetried)

	attempts := e.attempts(t, sub)
	assert.Equal(t, dunningdomain.StatusFailed, attempts[0].Status)
	assert.Equal(t, "card_declined", attempts[0].LastError)
	assert.Equal(t, dunningdomain.StatusScheduled, attempts[1].Status)
	assert.Equal(t, dunningdomain.StatusScheduled, attempts[2].Status)
}

func TestDunningRetryDeferredByProcessorIsNotRepeated(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	sub := e.subscribe(t)
	e.failPayment(t, sub)

	e.Clock.Advance(3*24*time.Hour + time.Hour)
	unavailable := errs.Transient(errors.New("processor_unavailable"))
	e.Processor.FailNext(unavailable, unavailable, unavailable)
	report, err := e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.DunningRetried)
	assert.Zero(t, e.Processor.PaidCount("in_100"))
	assert.Equal(t, dunningdomain.StatusScheduled, e.attempts(t, sub)[0].Status)

	// The queued operation goes out once its retry delay has passed.
	e.Clock.Advance(11 * time.Minute)
	report, err = e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.OperationsRetried)
	assert.Equal(t, 1, e.Processor.PaidCount("in_100"))

	// When the claim lapses the attempt settles on the stored result.
	e.Clock.Advance(5 * time.Minute)
	report, err = e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.DunningRetried)
	assert.Equal(t, 1, e.Processor.PaidCount("in_100"))
	assert.Equal(t, 4, e.Processor.Calls("pay_invoice"))
}

func TestRunOnceSyncsPendingSubscriptions(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	unavailable := errs.Transient(errors.New("processor_unavailable"))
	e.Processor.FailNext(unavailable, unavailable, unavailable)
	sub := e.subscribe(t)
	require.Nil(t, sub.ProcessorSubscriptionID)

	e.Clock.Advance(11 * time.Minute)
	report, err := e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.SubscriptionsSynced)

	got, err := e.Subscriptions.Get(tenantCtx(), sub.ID.String())
	require.NoError(t, err)
	require.NotNil(t, got.ProcessorSubscriptionID)
	assert.Equal(t, subscriptiondomain.SyncSynced, got.SyncStatus)
	assert.Equal(t, 1, e.Processor.SubscriptionCount())
}

func TestRunOnceClearsResolvedReviews(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	sub := e.subscribe(t)

	e.Processor.SetStatus(*sub.ProcessorSubscriptionID, "past_due")
	_, err := e.Subscriptions.Reconcile(tenantCtx(), sub.ID.String())
	require.NoError(t, err)

	e.Processor.SetStatus(*sub.ProcessorSubscriptionID, "active")
	report, err := e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ReviewsCleared)
}

func TestRunOnceRatesLateUsageInClosedWindow(t *testing.T) {
	e := newEnv(t, Config{}, nil)
	sub := e.subscribe(t)

	e.Clock.Set(sub.CurrentPeriodEnd.Add(time.Hour))
	report, err := e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Advance.Renewed)
	assert.Zero(t, report.WindowsRated)

	// Reported after the renewal, stamped into the window that closed.
	require.NoError(t, e.UsageRepo.Insert(context.Background(), e.DB, &usagedomain.UsageRecord{
		ID:             e.Node.Generate(),
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		Metric:         "bandwidth_gb",
		Quantity:       12,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		RecordedAt:     sub.CurrentPeriodEnd.Add(-time.Minute),
		CreatedAt:      e.Clock.Now(),
	}))

	report, err = e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.WindowsRated)

	charges, err := e.Rating.ListCharges(tenantCtx(), sub.ID.String())
	require.NoError(t, err)
	require.Len(t, charges, 2)
	assert.Equal(t, 1, charges[0].Sequence)
}

func TestEnabledJobsLimitTheRun(t *testing.T) {
	e := newEnv(t, Config{EnabledJobs: []string{JobAdvanceDue}}, nil)
	sub := e.subscribe(t)
	e.failPayment(t, sub)

	e.Clock.Advance(3*24*time.Hour + time.Hour)
	report, err := e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.DunningRetried)
	assert.Zero(t, e.Processor.Calls("pay_invoice"))
}

func TestRunOnceSkipsWhileAnotherReplicaHoldsTheLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := ratelimit.NewLocker(client)

	e := newEnv(t, Config{LockTTL: time.Hour}, locker)
	token, ok, err := locker.TryLock(context.Background(), runLockKey, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)

	require.NoError(t, locker.Release(context.Background(), runLockKey, token))
	report, err = e.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Skipped)
	assert.False(t, mr.Exists(runLockKey))
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	st := fixture.NewStack(t)
	_, err := New(Params{
		Log:           zap.NewNop(),
		Clock:         st.Clock,
		Config:        Config{Schedule: "every tuesday"},
		Authz:         newAuthz(t),
		Subscriptions: st.Subscriptions,
		Dunning:       dunningservice.NewService(dunningservice.Params{DB: st.DB, Log: zap.NewNop(), GenID: st.Node, Clock: st.Clock, Policy: st.Policy, Repo: st.DunningRepo}),
		Gateway:       st.Gateway,
		Rating:        st.Rating,
	})
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStartAndStop(t *testing.T) {
	e := newEnv(t, Config{Schedule: "@hourly"}, nil)
	require.NoError(t, e.sched.Start())
	assert.ErrorIs(t, e.sched.Start(), ErrAlreadyStarted)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.sched.Stop(ctx))
	require.NoError(t, e.sched.Stop(ctx))
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "billingcore",
		Environment: "test",
	})

	s := &Scheduler{
		log:   zap.NewNop(),
		cfg:   Config{JobTimeout: 5 * time.Millisecond, BatchSize: 1},
		clock: clock.NewFakeClock(fixture.Epoch),
		authz: newAuthz(t),
	}
	err := s.runJob(context.Background(), "run-1", job{
		name:     "timeout_job",
		resource: "test",
		object:   authorization.ObjectScheduler,
		action:   authorization.ActionRun,
		run: func(ctx context.Context, _ *jobRun) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "billingcore",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "billingcore_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "billingcore",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "billingcore_scheduler_job_errors_total", errorLabels))
}

func TestRunJobForbiddenObject(t *testing.T) {
	restore := swapPrometheusRegistry(prometheus.NewRegistry())
	defer restore()

	s := &Scheduler{
		log:   zap.NewNop(),
		cfg:   Config{JobTimeout: time.Second, BatchSize: 1},
		clock: clock.NewFakeClock(fixture.Epoch),
		authz: newAuthz(t),
	}
	called := false
	err := s.runJob(context.Background(), "run-1", job{
		name:     "catalog_job",
		resource: "test",
		object:   authorization.ObjectCatalog,
		action:   authorization.ActionCreate,
		run: func(context.Context, *jobRun) error {
			called = true
			return nil
		},
	})
	assert.ErrorIs(t, err, authorization.ErrForbidden)
	assert.False(t, called)
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
