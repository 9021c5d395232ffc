package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/billingcore/internal/authorization"
	"github.com/smallbiznis/billingcore/internal/clock"
	dunningdomain "github.com/smallbiznis/billingcore/internal/dunning/domain"
	"github.com/smallbiznis/billingcore/internal/errs"
	gatewaydomain "github.com/smallbiznis/billingcore/internal/gateway/domain"
	obsmetrics "github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/smallbiznis/billingcore/internal/orgcontext"
	"github.com/smallbiznis/billingcore/internal/ratelimit"
	ratingdomain "github.com/smallbiznis/billingcore/internal/rating/domain"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	ErrInvalidConfig   = errors.New("scheduler_invalid_config")
	ErrInvalidSchedule = errors.New("scheduler_invalid_schedule")
	ErrRetryRejected   = errors.New("payment_retry_rejected")
	ErrAlreadyStarted  = errors.New("scheduler_already_started")
)

const (
	JobAdvanceDue       = "advance_due"
	JobRateClosed       = "rate_closed_windows"
	JobDunningRetries   = "dunning_retries"
	JobGatewayRetries   = "gateway_retries"
	JobSyncPending      = "sync_pending"
	JobReconcileFlagged = "reconcile_flagged"
)

type Params struct {
	fx.In

	Log           *zap.Logger
	Clock         clock.Clock
	Config        Config `optional:"true"`
	Authz         authorization.Service
	Subscriptions subscriptiondomain.Service
	Dunning       dunningdomain.Service
	Gateway       gatewaydomain.Service
	Rating        ratingdomain.Service
	Locker        *ratelimit.Locker `optional:"true"`
}

type Scheduler struct {
	log           *zap.Logger
	cfg           Config
	clock         clock.Clock
	authz         authorization.Service
	subscriptions subscriptiondomain.Service
	dunning       dunningdomain.Service
	gateway       gatewaydomain.Service
	rating        ratingdomain.Service
	locker        *ratelimit.Locker

	mu      sync.Mutex
	cron    *cron.Cron
	entryID cron.EntryID
	cancel  context.CancelFunc
}

// Report summarizes one scheduler run.
type Report struct {
	RunID               string                           `json:"run_id"`
	Skipped             bool                             `json:"skipped"`
	Advance             subscriptiondomain.AdvanceReport `json:"advance"`
	WindowsRated        int                              `json:"windows_rated"`
	DunningRetried      int                              `json:"dunning_retried"`
	DunningFailed       int                              `json:"dunning_failed"`
	OperationsRetried   int                              `json:"operations_retried"`
	SubscriptionsSynced int                              `json:"subscriptions_synced"`
	ChargesSynced       int                              `json:"charges_synced"`
	ReviewsCleared      int                              `json:"reviews_cleared"`
}

type job struct {
	name     string
	resource string
	object   string
	action   string
	run      func(ctx context.Context, run *jobRun) error
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Clock == nil || p.Authz == nil || p.Subscriptions == nil || p.Dunning == nil || p.Gateway == nil || p.Rating == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	if _, err := cron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, cfg.Schedule, err)
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           cfg,
		clock:         p.Clock,
		authz:         p.Authz,
		subscriptions: p.Subscriptions,
		dunning:       p.Dunning,
		gateway:       p.Gateway,
		rating:        p.Rating,
		locker:        p.Locker,
	}, nil
}

// RunOnce runs every enabled job in order. A run is skipped when another
// replica holds the run lock.
func (s *Scheduler) RunOnce(parent context.Context) (Report, error) {
	report := Report{RunID: ulid.Make().String()}
	ctx := s.withLogContext(parent, 0)

	if err := s.authz.Authorize(ctx, authorization.ActorSystem, authorization.ObjectScheduler, authorization.ActionRun); err != nil {
		return report, err
	}

	release, ok, err := s.acquireRunLock(ctx)
	if err != nil {
		return report, err
	}
	if !ok {
		report.Skipped = true
		obsmetrics.Scheduler().IncBatchDeferred("run", "lock_held")
		s.logger(ctx).Info("scheduler.run.skipped",
			zap.String("run_id", report.RunID),
			zap.String("reason", "lock_held"),
		)
		return report, nil
	}
	defer release()

	now := s.clock.Now()
	batch := s.cfg.BatchSize
	jobs := []job{
		{JobAdvanceDue, "subscription", authorization.ObjectSubscription, "advance", func(ctx context.Context, run *jobRun) error {
			advanced, err := s.subscriptions.AdvanceDue(ctx, now, batch)
			report.Advance = advanced
			run.AddProcessed(advanced.Activated + advanced.Renewed + advanced.Cancelled + advanced.Expired + advanced.Suspended)
			return err
		}},
		{JobRateClosed, "charge", authorization.ObjectCharge, "rate", func(ctx context.Context, run *jobRun) error {
			rated, err := s.rating.RateClosedWindows(ctx, now, batch)
			report.WindowsRated = rated
			run.AddProcessed(rated)
			return err
		}},
		{JobDunningRetries, "dunning_attempt", authorization.ObjectCharge, authorization.ActionRetry, func(ctx context.Context, run *jobRun) error {
			return s.retryDunning(ctx, run, now, batch, &report)
		}},
		{JobGatewayRetries, "gateway_operation", authorization.ObjectOperation, authorization.ActionRetry, func(ctx context.Context, run *jobRun) error {
			outcomes, err := s.gateway.RetryDue(ctx, now, batch)
			for _, outcome := range outcomes {
				if outcome.Succeeded() {
					report.OperationsRetried++
				}
			}
			run.AddProcessed(len(outcomes))
			return err
		}},
		{JobSyncPending, "subscription", authorization.ObjectSubscription, "sync", func(ctx context.Context, run *jobRun) error {
			subs, subErr := s.subscriptions.SyncPending(ctx, batch)
			charges, chargeErr := s.rating.SyncPending(ctx, batch)
			report.SubscriptionsSynced = subs
			report.ChargesSynced = charges
			run.AddProcessed(subs + charges)
			return errors.Join(subErr, chargeErr)
		}},
		{JobReconcileFlagged, "subscription", authorization.ObjectSubscription, authorization.ActionReconcile, func(ctx context.Context, run *jobRun) error {
			cleared, err := s.subscriptions.ReconcileFlagged(ctx, batch)
			report.ReviewsCleared = cleared
			run.AddProcessed(cleared)
			return err
		}},
	}

	var runErr error
	for _, j := range jobs {
		if s.isJobEnabled(j.name) {
			runErr = errors.Join(runErr, s.runJob(ctx, report.RunID, j))
		}
	}
	return report, runErr
}

func (s *Scheduler) runJob(parent context.Context, runID string, j job) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	run := &jobRun{
		job:       j.name,
		runID:     runID,
		batchSize: s.cfg.BatchSize,
		startedAt: time.Now(),
	}
	s.logJobStart(ctx, run)
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(j.name)

	err := s.authz.Authorize(ctx, authorization.ActorSystem, j.object, j.action)
	if err == nil {
		err = j.run(ctx, run)
	}
	schedMetrics.ObserveJobDuration(j.name, time.Since(run.startedAt))
	schedMetrics.AddBatchProcessed(j.name, j.resource, run.processedCount)
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next run picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(j.name)
	}
	schedMetrics.IncJobError(j.name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", j.name),
			zap.String("run_id", runID),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", j.name, err)
}

// retryDunning asks the processor to collect each due attempt's invoice again.
// Attempts left pending by the gateway stay claimed until their lease runs
// out and are picked up again under the same idempotency key.
func (s *Scheduler) retryDunning(ctx context.Context, run *jobRun, now time.Time, limit int, report *Report) error {
	attempts, err := s.dunning.Due(ctx, now, limit)
	if err != nil {
		return err
	}

	var jobErr error
	for _, attempt := range attempts {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		settled, err := s.retryAttempt(ctx, attempt, report)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "scheduler.dunning.retry_failed", attempt.OrgID, err,
				zap.String("subscription_id", idString(attempt.SubscriptionID)),
				zap.String("invoice_id", attempt.ProcessorInvoiceID),
				zap.Int("attempt", attempt.Attempt),
			)
			continue
		}
		if settled {
			run.AddProcessed(1)
		}
	}
	return jobErr
}

func (s *Scheduler) retryAttempt(ctx context.Context, attempt dunningdomain.Attempt, report *Report) (bool, error) {
	orgCtx := orgcontext.WithOrgID(ctx, int64(attempt.OrgID))
	sub, err := s.subscriptions.Get(orgCtx, attempt.SubscriptionID.String())
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return true, s.dunning.Record(ctx, attempt.ID, err)
		}
		return false, err
	}

	outcome, err := s.gateway.RetryPayment(ctx, gatewaydomain.RetryPaymentCommand{
		OrgID:          attempt.OrgID,
		SubscriptionID: attempt.SubscriptionID,
		ProductID:      sub.ProductID,
		InvoiceID:      attempt.ProcessorInvoiceID,
		Attempt:        attempt.Attempt,
	})
	if err != nil {
		return false, err
	}

	switch {
	case outcome.Pending:
		return false, nil
	case outcome.Failed:
		report.DunningFailed++
		cause := outcome.Err
		if cause == nil {
			cause = ErrRetryRejected
		}
		return true, s.dunning.Record(ctx, attempt.ID, cause)
	default:
		report.DunningRetried++
		if err := s.dunning.Record(ctx, attempt.ID, nil); err != nil {
			return true, err
		}
		_, err := s.dunning.Resolve(ctx, attempt.SubscriptionID)
		return true, err
	}
}

func (s *Scheduler) isJobEnabled(name string) bool {
	// an empty list runs every job
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, name) {
			return true
		}
	}
	return false
}

// Start registers the run on the cron schedule and starts the cron loop.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return ErrAlreadyStarted
	}

	cronLog := cron.PrintfLogger(zap.NewStdLog(s.log))
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	id, err := c.AddFunc(s.cfg.Schedule, func() { s.tick(ctx) })
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	s.cron = c
	s.entryID = id
	s.cancel = cancel
	c.Start()
	s.log.Info("scheduler started", zap.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop cancels the in-flight run and waits for it until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.cron, s.cancel
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	cancel()
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	c, id := s.cron, s.entryID
	s.mu.Unlock()
	if c != nil {
		if prev := c.Entry(id).Prev; !prev.IsZero() {
			if lag := time.Since(prev); lag > 0 {
				obsmetrics.Scheduler().ObserveRunLoopLag(lag)
			}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTTL)
	defer cancel()
	report, err := s.RunOnce(runCtx)
	if err != nil {
		s.log.Warn("scheduler run failed", zap.String("run_id", report.RunID), zap.Error(err))
		return
	}
	s.log.Info("scheduler run finished",
		zap.String("run_id", report.RunID),
		zap.Bool("skipped", report.Skipped),
		zap.Int("renewed", report.Advance.Renewed),
		zap.Int("suspended", report.Advance.Suspended),
		zap.Int("dunning_retried", report.DunningRetried),
		zap.Int("operations_retried", report.OperationsRetried),
	)
}
