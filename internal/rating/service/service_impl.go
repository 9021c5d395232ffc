package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/errs"
	gatewaydomain "github.com/smallbiznis/billingcore/internal/gateway/domain"
	"github.com/smallbiznis/billingcore/internal/orgcontext"
	"github.com/smallbiznis/billingcore/internal/pricing"
	ratingdomain "github.com/smallbiznis/billingcore/internal/rating/domain"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"github.com/smallbiznis/billingcore/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Repo      ratingdomain.Repository
	UsageRepo usagedomain.Repository
	SubRepo   subscriptiondomain.Repository
	Catalog   catalogdomain.Service
	Gateway   gatewaydomain.Service
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID     *snowflake.Node
	clock     clock.Clock
	repo      ratingdomain.Repository
	usageRepo usagedomain.Repository
	subRepo   subscriptiondomain.Repository
	catalog   catalogdomain.Service
	gateway   gatewaydomain.Service
}

func NewService(p ServiceParam) ratingdomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("rating.service"),

		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		usageRepo: p.UsageRepo,
		subRepo:   p.SubRepo,
		catalog:   p.Catalog,
		gateway:   p.Gateway,
	}
}

// RatePeriod satisfies the lifecycle's period-close hook.
func (s *Service) RatePeriod(ctx context.Context, sub *subscriptiondomain.Subscription, periodStart, periodEnd time.Time) error {
	_, err := s.Rate(ctx, sub, periodStart, periodEnd)
	return err
}

func (s *Service) Rate(ctx context.Context, sub *subscriptiondomain.Subscription, start, end time.Time) (*ratingdomain.Charge, error) {
	if sub == nil || sub.ID == 0 {
		return nil, errs.Validation(ratingdomain.ErrInvalidSubscription, "subscription_id")
	}
	start, end = start.UTC(), end.UTC()
	if !end.After(start) {
		return nil, errs.Validation(ratingdomain.ErrInvalidPeriod, "period_end")
	}

	plan, err := s.catalog.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	product, err := s.catalog.GetProductByID(ctx, plan.ProductID)
	if err != nil {
		return nil, err
	}

	var charge *ratingdomain.Charge
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithTenant(tx, int64(sub.OrgID)); err != nil {
			return err
		}

		locked, err := s.subRepo.FindByIDForUpdate(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return errs.NotFound(ratingdomain.ErrSubscriptionNotFound)
		}

		records, err := s.usageRepo.ListUnbilled(ctx, tx, sub.ID, end)
		if err != nil {
			return err
		}
		prior, err := s.repo.ListWindowCharges(ctx, tx, sub.ID, start, end)
		if err != nil {
			return err
		}
		if len(prior) > 0 && len(records) == 0 {
			charge, err = s.loadCharge(ctx, tx, sub.ID, start, end)
			return err
		}

		consumed, err := s.consumedAllowance(ctx, tx, prior)
		if err != nil {
			return err
		}
		charge = s.buildCharge(locked, plan, product.BillingType, records, consumed, start, end)
		charge.Sequence = len(prior)
		inserted, err := s.repo.InsertCharge(ctx, tx, charge)
		if err != nil {
			return err
		}
		if !inserted {
			charge, err = s.loadCharge(ctx, tx, sub.ID, start, end)
			return err
		}

		ids := make([]snowflake.ID, 0, len(records))
		for _, record := range records {
			ids = append(ids, record.ID)
		}
		stamped, err := s.usageRepo.MarkBilled(ctx, tx, ids, charge.ID)
		if err != nil {
			return err
		}
		if stamped != int64(len(ids)) {
			return errs.Conflict(fmt.Errorf("usage stamped concurrently: %d of %d", stamped, len(ids)))
		}

		s.log.Info("period rated",
			zap.String("subscription_id", sub.ID.String()),
			zap.Time("period_start", start),
			zap.Time("period_end", end),
			zap.Int("sequence", charge.Sequence),
			zap.Int("records", len(records)),
			zap.String("total", charge.Total.String()),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.push(ctx, sub, charge)
	return charge, nil
}

// consumedAllowance sums the quantities earlier charges of a window already
// counted, so a follow-up charge only grants what is left of the allowance.
func (s *Service) consumedAllowance(ctx context.Context, db *gorm.DB, prior []ratingdomain.Charge) (map[string]int64, error) {
	consumed := map[string]int64{}
	for _, charge := range prior {
		lines, err := s.repo.ListLines(ctx, db, charge.ID)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			consumed[line.Metric] += line.TotalQuantity
		}
	}
	return consumed, nil
}

// buildCharge prices one window. Only metered billing types bill usage
// above the included quantity; fixed and per-seat plans still get lines.
func (s *Service) buildCharge(
	sub *subscriptiondomain.Subscription,
	plan *catalogdomain.Plan,
	billingType catalogdomain.BillingType,
	records []usagedomain.UsageRecord,
	consumed map[string]int64,
	start, end time.Time,
) *ratingdomain.Charge {
	currency := strings.ToUpper(plan.Currency)
	charge := &ratingdomain.Charge{
		ID:             s.genID.Generate(),
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		PeriodStart:    start,
		PeriodEnd:      end,
		Currency:       currency,
		Total:          decimal.Zero,
		CreatedAt:      s.clock.Now().UTC(),
	}

	byMetric := map[string][]usagedomain.UsageRecord{}
	for _, record := range records {
		byMetric[record.Metric] = append(byMetric[record.Metric], record)
	}
	metrics := make([]string, 0, len(byMetric))
	for metric := range byMetric {
		metrics = append(metrics, metric)
	}
	sort.Strings(metrics)

	for _, metric := range metrics {
		group := byMetric[metric]
		var total int64
		for _, record := range group {
			total += record.Quantity
		}
		included := sub.UsageLimit[metric] - consumed[metric]
		if included < 0 {
			included = 0
		}

		var billable int64
		if billingType.Metered() && total > included {
			billable = total - included
		}
		unitPrice := agreedUnitPrice(group, plan.OverageRates[metric])

		line := ratingdomain.ChargeLine{
			ID:               s.genID.Generate(),
			ChargeID:         charge.ID,
			Metric:           metric,
			TotalQuantity:    total,
			IncludedQuantity: included,
			BillableQuantity: billable,
			UnitPrice:        unitPrice,
			Amount:           pricing.Round(unitPrice.Mul(decimal.NewFromInt(billable)), currency),
		}
		charge.Lines = append(charge.Lines, line)
		charge.Total = charge.Total.Add(line.Amount)
	}

	charge.SyncStatus = ratingdomain.ChargeSyncPending
	if !charge.Total.IsPositive() {
		charge.SyncStatus = ratingdomain.ChargeSyncNotRequired
	}
	return charge
}

// agreedUnitPrice returns the records' own price when every record carries
// the same one, otherwise the plan rate.
func agreedUnitPrice(records []usagedomain.UsageRecord, planRate decimal.Decimal) decimal.Decimal {
	if len(records) == 0 || !records[0].UnitPrice.Valid {
		return planRate
	}
	price := records[0].UnitPrice.Decimal
	for _, record := range records[1:] {
		if !record.UnitPrice.Valid || !record.UnitPrice.Decimal.Equal(price) {
			return planRate
		}
	}
	return price
}

func (s *Service) loadCharge(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, start, end time.Time) (*ratingdomain.Charge, error) {
	charge, err := s.repo.FindCharge(ctx, db, subscriptionID, start, end)
	if err != nil || charge == nil {
		return charge, err
	}
	charge.Lines, err = s.repo.ListLines(ctx, db, charge.ID)
	if err != nil {
		return nil, err
	}
	return charge, nil
}

// push hands a pending charge to the processor as an invoice item. Failures
// leave the charge pending for SyncPending; rating itself already committed.
func (s *Service) push(ctx context.Context, sub *subscriptiondomain.Subscription, charge *ratingdomain.Charge) {
	if charge == nil || charge.SyncStatus != ratingdomain.ChargeSyncPending {
		return
	}
	log := s.log.With(
		zap.String("subscription_id", sub.ID.String()),
		zap.String("charge_id", charge.ID.String()),
	)

	customerID := deref(sub.ProcessorCustomerID)
	if customerID == "" {
		id, outcome, err := s.gateway.EnsureCustomer(ctx, sub.OrgID)
		if err != nil || id == "" || (outcome != nil && !outcome.Succeeded()) {
			log.Warn("charge left pending, processor customer unavailable", zap.Error(firstErr(err, outcome)))
			return
		}
		customerID = id
	}

	outcome, err := s.gateway.CreateCharge(ctx, gatewaydomain.CreateChargeCommand{
		OrgID:                   sub.OrgID,
		SubscriptionID:          sub.ID,
		ProductID:               sub.ProductID,
		ChargeID:                charge.ID,
		CustomerID:              customerID,
		ProcessorSubscriptionID: deref(sub.ProcessorSubscriptionID),
		Amount:                  charge.Total,
		Currency:                charge.Currency,
		Description:             describe(charge),
		PeriodStart:             charge.PeriodStart,
	})
	if err != nil {
		log.Error("charge push failed", zap.Error(err))
		return
	}

	switch {
	case outcome.Succeeded():
		itemID := outcome.ExternalID
		if err := s.repo.UpdateSync(ctx, s.db, charge.ID, ratingdomain.ChargeSyncSynced, &itemID); err != nil {
			log.Error("failed to record charge sync", zap.Error(err))
			return
		}
		charge.SyncStatus = ratingdomain.ChargeSyncSynced
		charge.ProcessorInvoiceItemID = &itemID
	case outcome.Failed:
		if err := s.repo.UpdateSync(ctx, s.db, charge.ID, ratingdomain.ChargeSyncFailed, nil); err != nil {
			log.Error("failed to record charge sync", zap.Error(err))
			return
		}
		charge.SyncStatus = ratingdomain.ChargeSyncFailed
		log.Error("processor rejected charge", zap.Error(outcome.Err))
	default:
		log.Warn("charge push pending", zap.Error(outcome.Err))
	}
}

func (s *Service) ListCharges(ctx context.Context, subscriptionID string) ([]ratingdomain.Charge, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok && !orgcontext.IsOperator(ctx) {
		return nil, errs.Validation(ratingdomain.ErrInvalidOrganization, "organization_id")
	}
	subID, err := snowflake.ParseString(strings.TrimSpace(subscriptionID))
	if err != nil || subID == 0 {
		return nil, errs.Validation(ratingdomain.ErrInvalidSubscription, "subscription_id")
	}
	sub, err := s.subRepo.FindByID(ctx, s.db, orgID, subID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, errs.NotFound(ratingdomain.ErrSubscriptionNotFound)
	}

	charges, err := s.repo.ListBySubscription(ctx, s.db, orgID, subID)
	if err != nil {
		return nil, err
	}
	for i := range charges {
		charges[i].Lines, err = s.repo.ListLines(ctx, s.db, charges[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return charges, nil
}

func (s *Service) SyncPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	charges, err := s.repo.ListPendingSync(ctx, s.db, limit)
	if err != nil {
		return 0, err
	}

	synced := 0
	for i := range charges {
		charge := &charges[i]
		sub, err := s.subRepo.FindByID(ctx, s.db, 0, charge.SubscriptionID)
		if err != nil {
			return synced, err
		}
		if sub == nil {
			continue
		}
		s.push(ctx, sub, charge)
		if charge.SyncStatus == ratingdomain.ChargeSyncSynced {
			synced++
		}
	}
	return synced, nil
}

// RateClosedWindows bills usage left in windows that already ended: records
// written after their window was charged, and windows the lifecycle closed
// without a rating pass.
func (s *Service) RateClosedWindows(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	windows, err := s.usageRepo.ListClosedWindows(ctx, s.db, now.UTC(), limit)
	if err != nil {
		return 0, err
	}

	rated := 0
	var failures []error
	for _, window := range windows {
		sub, err := s.subRepo.FindByID(ctx, s.db, 0, window.SubscriptionID)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if sub == nil {
			continue
		}
		if _, err := s.Rate(ctx, sub, window.PeriodStart, window.PeriodEnd); err != nil {
			s.log.Error("closed window rating failed",
				zap.String("subscription_id", sub.ID.String()),
				zap.Time("period_start", window.PeriodStart),
				zap.Time("period_end", window.PeriodEnd),
				zap.Error(err),
			)
			failures = append(failures, err)
			continue
		}
		rated++
	}
	return rated, errors.Join(failures...)
}

func describe(charge *ratingdomain.Charge) string {
	text := fmt.Sprintf("Usage %s to %s",
		charge.PeriodStart.Format(time.DateOnly),
		charge.PeriodEnd.Format(time.DateOnly),
	)
	if charge.Sequence > 0 {
		text += fmt.Sprintf(" (late usage #%d)", charge.Sequence)
	}
	return text
}

func firstErr(err error, outcome *gatewaydomain.Outcome) error {
	if err != nil {
		return err
	}
	if outcome != nil {
		return outcome.Err
	}
	return nil
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
