package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/errs"
	"github.com/smallbiznis/billingcore/internal/orgcontext"
	gatewaydomain "github.com/smallbiznis/billingcore/internal/gateway/domain"
	gatewayrepo "github.com/smallbiznis/billingcore/internal/gateway/repository"
	"github.com/smallbiznis/billingcore/internal/gateway/sandbox"
	gatewayservice "github.com/smallbiznis/billingcore/internal/gateway/service"
	ratingdomain "github.com/smallbiznis/billingcore/internal/rating/domain"
	"github.com/smallbiznis/billingcore/internal/rating/repository"
	"github.com/smallbiznis/billingcore/internal/rating/service"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/billingcore/internal/subscription/repository"
	"github.com/smallbiznis/billingcore/internal/testutil/dbtest"
	"github.com/smallbiznis/billingcore/internal/testutil/fixture"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	usagerepo "github.com/smallbiznis/billingcore/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type harness struct {
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	catalog   catalogdomain.Service
	processor *sandbox.Processor
	gateway   gatewaydomain.Service
	usage     usagedomain.Repository
	repo      ratingdomain.Repository
	svc       ratingdomain.Service
	orgID     snowflake.ID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	policy := config.DefaultBillingPolicy()
	policy.Gateway.Timeout = time.Second
	policy.Gateway.MaxAttempts = 3
	policy.Gateway.BaseBackoff = time.Millisecond
	policy.Gateway.MaxBackoff = 2 * time.Millisecond

	h := &harness{
		db:    dbtest.Open(t),
		node:  fixture.Node(t),
		clock: clock.NewFakeClock(fixture.Epoch),
		usage: usagerepo.Provide(),
		repo:  repository.Provide(),
		orgID: snowflake.ID(777),
	}
	h.catalog = fixture.Catalog(t, h.db, h.node, h.clock)
	h.processor = sandbox.New(h.clock)
	h.gateway = gatewayservice.NewService(gatewayservice.Params{
		DB:        h.db,
		Log:       zap.NewNop(),
		GenID:     h.node,
		Clock:     h.clock,
		Policy:    config.NewStaticBillingPolicyHolder(policy),
		Repo:      gatewayrepo.Provide(),
		Processor: h.processor,
	})
	h.svc = service.NewService(service.ServiceParam{
		DB:        h.db,
		Log:       zap.NewNop(),
		GenID:     h.node,
		Clock:     h.clock,
		Repo:      h.repo,
		UsageRepo: h.usage,
		SubRepo:   subscriptionrepo.Provide(),
		Catalog:   h.catalog,
		Gateway:   h.gateway,
	})
	return h
}

func (h *harness) plan(t *testing.T, billingType catalogdomain.BillingType) *catalogdomain.Plan {
	t.Helper()
	fixture.Product(t, h.catalog, catalogdomain.CreateProductRequest{
		Code:        "api",
		BillingType: string(billingType),
		Status:      string(catalogdomain.ProductActive),
	})
	return fixture.Plan(t, h.catalog, "api", fixture.PlanSpec{
		Code:    "pro",
		Price:   "49.00",
		Limits:  map[string]int64{"api_calls": 1000},
		Overage: map[string]string{"api_calls": "0.01"},
	})
}

func (h *harness) record(t *testing.T, sub *subscriptiondomain.Subscription, metric string, qty int64, offset time.Duration, unitPrice string) usagedomain.UsageRecord {
	t.Helper()
	record := usagedomain.UsageRecord{
		ID:             h.node.Generate(),
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		Metric:         metric,
		Quantity:       qty,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		RecordedAt:     sub.CurrentPeriodStart.Add(offset),
		CreatedAt:      sub.CurrentPeriodStart.Add(offset),
	}
	if unitPrice != "" {
		record.UnitPrice = decimal.NewNullDecimal(decimal.RequireFromString(unitPrice))
	}
	require.NoError(t, h.usage.Insert(context.Background(), h.db, &record))
	return record
}

func decimalEq(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), "want %s got %s", want, got)
}

func TestRateBillsUsageAboveIncludedQuantity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := h.plan(t, catalogdomain.BillingUsageBased)
	sub := fixture.Subscription(t, h.db, h.node, h.orgID, plan, subscriptiondomain.StatusActive, fixture.Epoch)

	for i := 0; i < 3; i++ {
		h.record(t, sub, "api_calls", 500, time.Duration(i+1)*time.Hour, "")
	}

	charge, err := h.svc.Rate(ctx, sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err)
	require.Len(t, charge.Lines, 1)

	line := charge.Lines[0]
	assert.Equal(t, "api_calls", line.Metric)
	assert.Equal(t, int64(1500), line.TotalQuantity)
	assert.Equal(t, int64(1000), line.IncludedQuantity)
	assert.Equal(t, int64(500), line.BillableQuantity)
	decimalEq(t, "0.01", line.UnitPrice)
	decimalEq(t, "5.00", line.Amount)
	decimalEq(t, "5.00", charge.Total)
	assert.Equal(t, "USD", charge.Currency)

	records, err := h.usage.ListBySubscription(ctx, h.db, sub.ID)
	require.NoError(t, err)
	require.Len(t, records, 3)
	var stamped int64
	for _, record := range records {
		assert.True(t, record.Billed)
		require.NotNil(t, record.ChargeID)
		assert.Equal(t, charge.ID, *record.ChargeID)
		stamped += record.Quantity
	}
	assert.Equal(t, int64(1500), stamped)

	assert.Equal(t, ratingdomain.ChargeSyncSynced, charge.SyncStatus)
	require.NotNil(t, charge.ProcessorInvoiceItemID)
	item, ok := h.processor.InvoiceItem(*charge.ProcessorInvoiceItemID)
	require.True(t, ok)
	decimalEq(t, "5.00", item.Amount)
	assert.Equal(t, "USD", item.Currency)
}

func TestRateBillsLateUsageAsFollowUpCharge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := h.plan(t, catalogdomain.BillingUsageBased)
	sub := fixture.Subscription(t, h.db, h.node, h.orgID, plan, subscriptiondomain.StatusActive, fixture.Epoch)
	h.record(t, sub, "api_calls", 1200, time.Hour, "")

	first, err := h.svc.Rate(ctx, sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err)
	assert.Zero(t, first.Sequence)
	decimalEq(t, "2.00", first.Total)

	late := h.record(t, sub, "api_calls", 300, 2*time.Hour, "")

	second, err := h.svc.Rate(ctx, sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, second.Sequence)
	require.Len(t, second.Lines, 1)
	// The allowance went to the first charge.
	assert.Zero(t, second.Lines[0].IncludedQuantity)
	assert.Equal(t, int64(300), second.Lines[0].BillableQuantity)
	decimalEq(t, "3.00", second.Total)

	third, err := h.svc.Rate(ctx, sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err)
	assert.Equal(t, second.ID, third.ID)
	assert.Equal(t, 2, h.processor.Calls("create_invoice_item"))

	records, err := h.usage.ListBySubscription(ctx, h.db, sub.ID)
	require.NoError(t, err)
	for _, record := range records {
		assert.True(t, record.Billed)
		require.NotNil(t, record.ChargeID)
		if record.ID == late.ID {
			assert.Equal(t, second.ID, *record.ChargeID)
		}
	}

	charges, err := h.svc.ListCharges(orgcontext.WithOperator(ctx), sub.ID.String())
	require.NoError(t, err)
	require.Len(t, charges, 2)
	assert.Equal(t, second.ID, charges[0].ID)
}

func TestRateWithoutNewUsageReturnsExistingCharge(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := h.plan(t, catalogdomain.BillingUsageBased)
	sub := fixture.Subscription(t, h.db, h.node, h.orgID, plan, subscriptiondomain.StatusActive, fixture.Epoch)
	h.record(t, sub, "api_calls", 1200, time.Hour, "")

	first, err := h.svc.Rate(ctx, sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err)
	second, err := h.svc.Rate(ctx, sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	decimalEq(t, "2.00", second.Total)
	assert.Equal(t, 1, h.processor.Calls("create_invoice_item"))

	var charges int64
	require.NoError(t, h.db.Raw(`SELECT COUNT(*) FROM billing.charges`).Scan(&charges).Error)
	assert.Equal(t, int64(1), charges)
}

func TestRateClosedWindowsSweepsLateUsage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := h.plan(t, catalogdomain.BillingUsageBased)
	sub := fixture.Subscription(t, h.db, h.node, h.orgID, plan, subscriptiondomain.StatusActive, fixture.Epoch)
	h.record(t, sub, "api_calls", 1100, time.Hour, "")

	// Nothing is closed while the window is open.
	rated, err := h.svc.RateClosedWindows(ctx, sub.CurrentPeriodEnd.Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, rated)

	rated, err = h.svc.RateClosedWindows(ctx, sub.CurrentPeriodEnd, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rated)

	// Usage arriving after the window was charged.
	h.record(t, sub, "api_calls", 50, 3*time.Hour, "")
	rated, err = h.svc.RateClosedWindows(ctx, sub.CurrentPeriodEnd.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rated)

	charges, err := h.svc.ListCharges(orgcontext.WithOperator(ctx), sub.ID.String())
	require.NoError(t, err)
	require.Len(t, charges, 2)
	assert.Equal(t, 1, charges[0].Sequence)
	decimalEq(t, "0.50", charges[0].Total)
	decimalEq(t, "1.00", charges[1].Total)

	rated, err = h.svc.RateClosedWindows(ctx, sub.CurrentPeriodEnd.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, rated)
}

func TestRateFixedPlanRecordsLinesWithoutBilling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := h.plan(t, catalogdomain.BillingFixed)
	sub := fixture.Subscription(t, h.db, h.node, h.orgID, plan, subscriptiondomain.StatusActive, fixture.Epoch)
	h.record(t, sub, "api_calls", 5000, time.Hour, "")

	charge, err := h.svc.Rate(ctx, sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err)
	require.Len(t, charge.Lines, 1)
	assert.Equal(t, int64(5000), charge.Lines[0].TotalQuantity)
	assert.Zero(t, charge.Lines[0].BillableQuantity)
	assert.True(t, charge.Total.IsZero())
	assert.Equal(t, ratingdomain.ChargeSyncNotRequired, charge.SyncStatus)
	assert.Zero(t, h.processor.Calls("create_invoice_item"))

	records, err := h.usage.ListBySubscription(ctx, h.db, sub.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Billed)
}

func TestRateUsesRecordPriceOnlyWhenAllAgree(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := h.plan(t, catalogdomain.BillingHybrid)

	agreed := fixture.Subscription(t, h.db, h.node, h.orgID, plan, subscriptiondomain.StatusActive, fixture.Epoch)
	h.record(t, agreed, "api_calls", 1000, time.Hour, "0.05")
	h.record(t, agreed, "api_calls", 100, 2*time.Hour, "0.05")

	charge, err := h.svc.Rate(ctx, agreed, agreed.CurrentPeriodStart, agreed.CurrentPeriodEnd)
	require.NoError(t, err)
	decimalEq(t, "0.05", charge.Lines[0].UnitPrice)
	decimalEq(t, "5.00", charge.Total)

	mixed := fixture.Subscription(t, h.db, h.node, h.node.Generate(), plan, subscriptiondomain.StatusActive, fixture.Epoch)
	h.record(t, mixed, "api_calls", 1000, time.Hour, "0.05")
	h.record(t, mixed, "api_calls", 100, 2*time.Hour, "")

	charge, err = h.svc.Rate(ctx, mixed, mixed.CurrentPeriodStart, mixed.CurrentPeriodEnd)
	require.NoError(t, err)
	decimalEq(t, "0.01", charge.Lines[0].UnitPrice)
	decimalEq(t, "1.00", charge.Total)
}

func TestRateIgnoresUsageOutsideWindow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := h.plan(t, catalogdomain.BillingUsageBased)
	sub := fixture.Subscription(t, h.db, h.node, h.orgID, plan, subscriptiondomain.StatusActive, fixture.Epoch)
	h.record(t, sub, "api_calls", 1100, time.Hour, "")
	next := h.record(t, sub, "api_calls", 900, sub.CurrentPeriodEnd.Sub(sub.CurrentPeriodStart), "")
	require.NoError(t, h.db.Exec(
		`UPDATE billing.usage_records SET period_start = ?, period_end = ? WHERE id = ?`,
		sub.CurrentPeriodEnd, sub.CurrentPeriodEnd.AddDate(0, 1, 0), next.ID,
	).Error)

	charge, err := h.svc.Rate(ctx, sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err)
	assert.Equal(t, int64(1100), charge.Lines[0].TotalQuantity)
	decimalEq(t, "1.00", charge.Total)
}

func TestPendingChargeIsPushedBySyncPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	plan := h.plan(t, catalogdomain.BillingUsageBased)
	sub := fixture.Subscription(t, h.db, h.node, h.orgID, plan, subscriptiondomain.StatusActive, fixture.Epoch)
	h.record(t, sub, "api_calls", 1500, time.Hour, "")

	_, _, err := h.gateway.EnsureCustomer(ctx, h.orgID)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		h.processor.FailNext(errs.Transient(fmt.Errorf("processor unavailable %d", i)))
	}

	charge, err := h.svc.Rate(ctx, sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err)
	assert.Equal(t, ratingdomain.ChargeSyncPending, charge.SyncStatus)

	synced, err := h.svc.SyncPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)

	stored, err := h.repo.FindCharge(ctx, h.db, sub.ID, sub.CurrentPeriodStart, sub.CurrentPeriodEnd)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, ratingdomain.ChargeSyncSynced, stored.SyncStatus)
	require.NotNil(t, stored.ProcessorInvoiceItemID)

	synced, err = h.svc.SyncPending(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, synced)
}

func TestRateRejectsEmptyWindow(t *testing.T) {
	h := newHarness(t)
	plan := h.plan(t, catalogdomain.BillingUsageBased)
	sub := fixture.Subscription(t, h.db, h.node, h.orgID, plan, subscriptiondomain.StatusActive, fixture.Epoch)

	_, err := h.svc.Rate(context.Background(), sub, sub.CurrentPeriodEnd, sub.CurrentPeriodStart)
	require.Error(t, err)
	assert.Equal(t, "period_end", errs.FieldOf(err))
}
