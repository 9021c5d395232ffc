package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/errs"
	obsmetrics "github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/smallbiznis/billingcore/internal/orgcontext"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       usagedomain.Repository
	SubRepo    subscriptiondomain.Repository
	Catalog    catalogdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	repo       usagedomain.Repository
	subRepo    subscriptiondomain.Repository
	catalog    catalogdomain.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		subRepo:    p.SubRepo,
		catalog:    p.Catalog,
		obsMetrics: p.ObsMetrics,
	}
}

// RecordUsage appends one measurement to the window its timestamp falls in.
// The insert takes no row lock; rating owns the subscription lock.
func (s *Service) RecordUsage(ctx context.Context, req usagedomain.RecordRequest) (*usagedomain.UsageRecord, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok || orgID == 0 {
		return nil, errs.Validation(usagedomain.ErrInvalidOrganization, "organization_id")
	}
	if req.SubscriptionID == 0 {
		return nil, errs.Validation(usagedomain.ErrInvalidSubscription, "subscription_id")
	}

	metric := strings.TrimSpace(req.Metric)
	if metric == "" {
		return nil, errs.Validation(usagedomain.ErrInvalidMetric, "metric")
	}
	if req.Quantity < 0 {
		return nil, errs.Validation(usagedomain.ErrInvalidQuantity, "quantity")
	}
	if req.UnitPrice != nil && req.UnitPrice.IsNegative() {
		return nil, errs.Validation(usagedomain.ErrInvalidUnitPrice, "unit_price")
	}

	sub, err := s.subRepo.FindByID(ctx, s.db, orgID, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, errs.NotFound(usagedomain.ErrSubscriptionNotFound)
	}
	if sub.Status != subscriptiondomain.StatusActive && sub.Status != subscriptiondomain.StatusTrial {
		return nil, errs.Validation(usagedomain.ErrSubscriptionNotActive, "subscription_id")
	}

	plan, err := s.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	if _, declared := declaredMetrics(sub, plan)[metric]; !declared {
		return nil, errs.Validation(usagedomain.ErrUndeclaredMetric, "metric")
	}

	now := s.clock.Now().UTC()
	recordedAt := req.Timestamp.UTC()
	if req.Timestamp.IsZero() {
		recordedAt = now
	}
	periodStart, periodEnd, ok := windowFor(sub, plan.BillingInterval, recordedAt)
	if !ok {
		return nil, errs.Validation(usagedomain.ErrOutsidePeriod, "timestamp")
	}

	record := &usagedomain.UsageRecord{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		SubscriptionID: sub.ID,
		Metric:         metric,
		Quantity:       req.Quantity,
		Unit:           strings.TrimSpace(req.Unit),
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		RecordedAt:     recordedAt,
		CreatedAt:      now,
	}
	if req.UnitPrice != nil {
		record.UnitPrice = decimal.NewNullDecimal(*req.UnitPrice)
	}

	if err := s.repo.Insert(ctx, s.db, record); err != nil {
		return nil, err
	}

	s.obsMetrics.RecordUsage(ctx, metric)
	s.log.Debug("usage recorded",
		zap.String("org_id", orgID.String()),
		zap.String("subscription_id", sub.ID.String()),
		zap.String("metric", metric),
		zap.Int64("quantity", req.Quantity),
	)
	return record, nil
}

// CurrentUsage sums unbilled quantities per metric billed with the current
// period, including usage carried over from earlier windows.
// Every declared metric is listed, including ones with no usage yet.
func (s *Service) CurrentUsage(ctx context.Context, subscriptionID string) (*usagedomain.Summary, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok && !orgcontext.IsOperator(ctx) {
		return nil, errs.Validation(usagedomain.ErrInvalidOrganization, "organization_id")
	}

	subID, err := snowflake.ParseString(strings.TrimSpace(subscriptionID))
	if err != nil || subID == 0 {
		return nil, errs.Validation(usagedomain.ErrInvalidSubscription, "subscription_id")
	}

	sub, err := s.subRepo.FindByID(ctx, s.db, orgID, subID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, errs.NotFound(usagedomain.ErrSubscriptionNotFound)
	}
	plan, err := s.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	totals, err := s.repo.SumUnbilled(ctx, s.db, sub.ID, sub.CurrentPeriodEnd)
	if err != nil {
		return nil, err
	}

	metrics := declaredMetrics(sub, plan)
	for metric := range totals {
		metrics[metric] = struct{}{}
	}
	names := make([]string, 0, len(metrics))
	for metric := range metrics {
		names = append(names, metric)
	}
	sort.Strings(names)

	summary := &usagedomain.Summary{
		SubscriptionID: sub.ID,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		Metrics:        make([]usagedomain.MetricUsage, 0, len(names)),
	}
	for _, metric := range names {
		summary.Metrics = append(summary.Metrics, summarize(metric, totals[metric], sub.UsageLimit[metric]))
	}
	return summary, nil
}

// maxWindowsAhead bounds how far past the current period a timestamp may land.
const maxWindowsAhead = 24

// windowFor places at among the subscription's windows. Usage stamped before
// the current period is carried in the current one. Usage at or after the
// current end goes to the window the next roll opens, so it is accepted even
// when the scheduler has not advanced the subscription yet.
func windowFor(sub *subscriptiondomain.Subscription, interval catalogdomain.BillingInterval, at time.Time) (time.Time, time.Time, bool) {
	start, end := sub.CurrentPeriodStart, sub.CurrentPeriodEnd
	for i := 0; !at.Before(end); i++ {
		if i == maxWindowsAhead {
			return time.Time{}, time.Time{}, false
		}
		start, end = end, interval.Advance(end).UTC()
	}
	return start, end, true
}

// declaredMetrics is the union of the subscription limits and the plan's metric set.
func declaredMetrics(sub *subscriptiondomain.Subscription, plan *catalogdomain.Plan) map[string]struct{} {
	out := map[string]struct{}{}
	for metric := range sub.UsageLimit {
		out[metric] = struct{}{}
	}
	if plan == nil {
		return out
	}
	for metric := range plan.UsageLimits {
		out[metric] = struct{}{}
	}
	for metric := range plan.OverageRates {
		out[metric] = struct{}{}
	}
	return out
}

func summarize(metric string, quantity, limit int64) usagedomain.MetricUsage {
	usage := usagedomain.MetricUsage{Metric: metric, Quantity: quantity, Limit: limit}
	if quantity > limit {
		usage.Overage = quantity - limit
	} else {
		usage.Remaining = limit - quantity
	}
	return usage
}
