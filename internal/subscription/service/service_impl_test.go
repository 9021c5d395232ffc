package service_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
	dunningdomain "github.com/smallbiznis/billingcore/internal/dunning/domain"
	"github.com/smallbiznis/billingcore/internal/errs"
	"github.com/smallbiznis/billingcore/internal/orgcontext"
	"github.com/smallbiznis/billingcore/internal/subscription/domain"
	"github.com/smallbiznis/billingcore/internal/testutil/fixture"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orgID = snowflake.ID(9001)

type env struct {
	*fixture.Stack
	basic *catalogdomain.Plan
	pro   *catalogdomain.Plan
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{Stack: fixture.NewStack(t)}
	fixture.Product(t, e.Catalog, catalogdomain.CreateProductRequest{
		Code:        "crm",
		BillingType: string(catalogdomain.BillingUsageBased),
		Status:      string(catalogdomain.ProductActive),
	})
	e.basic = fixture.Plan(t, e.Catalog, "crm", fixture.PlanSpec{
		Code:    "basic",
		Price:   "19.00",
		Limits:  map[string]int64{"contacts": 100},
		Overage: map[string]string{"contacts": "0.10"},
	})
	e.pro = fixture.Plan(t, e.Catalog, "crm", fixture.PlanSpec{
		Code:         "pro",
		Price:        "49.00",
		Limits:       map[string]int64{"contacts": 1000},
		Overage:      map[string]string{"contacts": "0.05"},
		ProcessorRef: "price_crm_pro",
	})
	return e
}

func ctx() context.Context {
	return orgcontext.WithOrgID(context.Background(), int64(orgID))
}

func (e *env) create(t *testing.T, plan *catalogdomain.Plan) *domain.Subscription {
	t.Helper()
	res, err := e.Subscriptions.Create(ctx(), domain.CreateRequest{ProductCode: "crm", PlanID: plan.ID})
	require.NoError(t, err)
	require.Len(t, res.Subscriptions, 1)
	return &res.Subscriptions[0]
}

func (e *env) get(t *testing.T, sub *domain.Subscription) *domain.Subscription {
	t.Helper()
	got, err := e.Subscriptions.Get(ctx(), sub.ID.String())
	require.NoError(t, err)
	return got
}

func (e *env) history(t *testing.T, sub *domain.Subscription) []domain.StatusHistory {
	t.Helper()
	items, err := e.Subscriptions.History(ctx(), sub.ID.String())
	require.NoError(t, err)
	return items
}

func (e *env) dunning(t *testing.T, sub *domain.Subscription) []dunningdomain.Attempt {
	t.Helper()
	items, err := e.DunningRepo.ListBySubscription(context.Background(), e.DB, sub.ID)
	require.NoError(t, err)
	return items
}

func TestCreateOpensActivePeriod(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.basic)

	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Equal(t, domain.SyncSynced, sub.SyncStatus)
	assert.WithinDuration(t, fixture.Epoch, sub.CurrentPeriodStart, 0)
	assert.WithinDuration(t, fixture.Epoch.AddDate(0, 1, 0), sub.CurrentPeriodEnd, 0)
	assert.Equal(t, int64(100), sub.UsageLimit["contacts"])
	assert.Nil(t, sub.ProcessorSubscriptionID)
	assert.Zero(t, e.Processor.SubscriptionCount())

	history := e.history(t, sub)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusActive, history[0].ToStatus)
	assert.Equal(t, domain.SourceAPI, history[0].Source)
}

func TestCreateWithTrial(t *testing.T) {
	e := newEnv(t)
	trial := fixture.Plan(t, e.Catalog, "crm", fixture.PlanSpec{
		Code:      "starter",
		Price:     "9.00",
		Limits:    map[string]int64{"contacts": 50},
		TrialDays: fixture.Int(14),
	})
	sub := e.create(t, trial)

	assert.Equal(t, domain.StatusTrial, sub.Status)
	require.NotNil(t, sub.TrialEnd)
	assert.WithinDuration(t, fixture.Epoch.AddDate(0, 0, 14), *sub.TrialEnd, 0)
	assert.WithinDuration(t, *sub.TrialEnd, sub.CurrentPeriodEnd, 0)
}

func TestCreateReplayAndConflict(t *testing.T) {
	e := newEnv(t)
	first := e.create(t, e.basic)

	res, err := e.Subscriptions.Create(ctx(), domain.CreateRequest{ProductCode: "crm", PlanID: e.basic.ID})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, first.ID, res.Subscriptions[0].ID)

	_, err = e.Subscriptions.Create(ctx(), domain.CreateRequest{ProductCode: "crm", PlanID: e.pro.ID})
	require.ErrorIs(t, err, errs.ErrConflict)
	require.ErrorIs(t, err, domain.ErrAlreadySubscribed)
}

func TestCreateValidatesInput(t *testing.T) {
	e := newEnv(t)
	cases := []struct {
		name  string
		ctx   context.Context
		req   domain.CreateRequest
		field string
	}{
		{"no tenant", context.Background(), domain.CreateRequest{ProductCode: "crm", PlanID: e.basic.ID}, "organization_id"},
		{"other tenant", ctx(), domain.CreateRequest{OrganizationID: 7, ProductCode: "crm", PlanID: e.basic.ID}, "organization_id"},
		{"no product", ctx(), domain.CreateRequest{PlanID: e.basic.ID}, "product_code"},
		{"no plan", ctx(), domain.CreateRequest{ProductCode: "crm"}, "plan_id"},
		{"negative trial", ctx(), domain.CreateRequest{ProductCode: "crm", PlanID: e.basic.ID, TrialDays: fixture.Int(-1)}, "trial_days"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.Subscriptions.Create(tc.ctx, tc.req)
			require.ErrorIs(t, err, errs.ErrValidation)
			assert.Equal(t, tc.field, errs.FieldOf(err))
		})
	}
}

func TestCreatePushesToProcessorOnce(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.pro)

	assert.Equal(t, domain.SyncSynced, sub.SyncStatus)
	require.NotNil(t, sub.ProcessorSubscriptionID)
	require.NotNil(t, sub.ProcessorCustomerID)
	assert.Equal(t, 1, e.Processor.SubscriptionCount())

	res, err := e.Subscriptions.Create(ctx(), domain.CreateRequest{ProductCode: "crm", PlanID: e.pro.ID})
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.False(t, res.Pending)
	assert.Equal(t, 1, e.Processor.SubscriptionCount())
}

func TestCreateStaysPendingWhenProcessorUnavailable(t *testing.T) {
	e := newEnv(t)
	for i := 0; i < 3; i++ {
		e.Processor.FailNext(errs.Transient(fmt.Errorf("processor unavailable %d", i)))
	}

	res, err := e.Subscriptions.Create(ctx(), domain.CreateRequest{ProductCode: "crm", PlanID: e.pro.ID})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.Pending)
	sub := res.Subscriptions[0]
	assert.Equal(t, domain.SyncPending, sub.SyncStatus)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Zero(t, e.Processor.SubscriptionCount())

	synced, err := e.Subscriptions.SyncPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, synced)
	got := e.get(t, &sub)
	assert.Equal(t, domain.SyncSynced, got.SyncStatus)
	require.NotNil(t, got.ProcessorSubscriptionID)
	assert.Equal(t, 1, e.Processor.SubscriptionCount())

	synced, err = e.Subscriptions.SyncPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, synced)
}

func TestCreateFromBundle(t *testing.T) {
	e := newEnv(t)
	fixture.Product(t, e.Catalog, catalogdomain.CreateProductRequest{Code: "mail", Status: string(catalogdomain.ProductActive)})
	mail := fixture.Plan(t, e.Catalog, "mail", fixture.PlanSpec{Code: "mail-basic", Price: "11.00"})
	bundle, err := e.Catalog.CreateBundle(context.Background(), catalogdomain.CreateBundleRequest{
		Code:            "suite",
		Name:            "Suite",
		DiscountType:    "percentage",
		DiscountValue:   decimal.NewFromInt(10),
		Currency:        "USD",
		BillingInterval: string(catalogdomain.IntervalMonthly),
		Components: []catalogdomain.BundleComponentRequest{
			{PlanID: e.basic.ID},
			{PlanID: mail.ID},
		},
	})
	require.NoError(t, err)

	res, err := e.Subscriptions.Create(ctx(), domain.CreateRequest{BundleID: bundle.ID})
	require.NoError(t, err)
	require.NotNil(t, res.BundleOrder)
	require.Len(t, res.Subscriptions, 2)
	assert.True(t, res.BundleOrder.Subtotal.Equal(decimal.RequireFromString("30.00")))
	assert.True(t, res.BundleOrder.Total.Equal(decimal.RequireFromString("27.00")))
	for _, sub := range res.Subscriptions {
		require.NotNil(t, sub.BundleOrderID)
		assert.Equal(t, res.BundleOrder.ID, *sub.BundleOrderID)
		assert.Equal(t, domain.StatusActive, sub.Status)
	}

	_, err = e.Subscriptions.Create(ctx(), domain.CreateRequest{BundleID: bundle.ID})
	require.ErrorIs(t, err, domain.ErrAlreadySubscribed)
}

func TestApproveOpensPendingSubscription(t *testing.T) {
	e := newEnv(t)
	fixture.Product(t, e.Catalog, catalogdomain.CreateProductRequest{
		Code:             "erp",
		Status:           string(catalogdomain.ProductActive),
		RequiresApproval: true,
	})
	plan := fixture.Plan(t, e.Catalog, "erp", fixture.PlanSpec{Code: "erp-std", Price: "99.00"})

	res, err := e.Subscriptions.Create(ctx(), domain.CreateRequest{ProductCode: "erp", PlanID: plan.ID})
	require.NoError(t, err)
	sub := res.Subscriptions[0]
	assert.Equal(t, domain.StatusPendingApproval, sub.Status)
	assert.False(t, res.Pending)

	e.Clock.Advance(48 * time.Hour)
	out, err := e.Subscriptions.Approve(orgcontext.WithOperator(context.Background()), sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, out.Subscription.Status)
	assert.Equal(t, domain.SyncSynced, out.Subscription.SyncStatus)
	assert.WithinDuration(t, e.Clock.Now(), out.Subscription.CurrentPeriodStart, 0)

	_, err = e.Subscriptions.Approve(orgcontext.WithOperator(context.Background()), sub.ID.String())
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestCancelAtPeriodEndThenAdvance(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.basic)

	out, err := e.Subscriptions.Cancel(ctx(), sub.ID.String(), domain.CancelRequest{AtPeriodEnd: true, Reason: "switching vendor"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, out.Subscription.Status)
	assert.True(t, out.Subscription.CancelAtPeriodEnd)

	e.Clock.Set(sub.CurrentPeriodEnd.Add(time.Hour))
	report, err := e.Subscriptions.AdvanceDue(context.Background(), e.Clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cancelled)

	got := e.get(t, sub)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, "switching vendor", got.CancellationReason)
	require.NotNil(t, got.CancelledAt)
	assert.WithinDuration(t, sub.CurrentPeriodEnd, *got.CancelledAt, 0)
	assert.False(t, got.CancelAtPeriodEnd)

	// A second sweep finds nothing due.
	report, err = e.Subscriptions.AdvanceDue(context.Background(), e.Clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, report.Cancelled)
}

func TestCancelImmediatelyClosesDunning(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.basic)

	_, err := e.Subscriptions.ApplyProcessorEvent(context.Background(), domain.ProcessorEvent{
		EventID:        "evt_fail_1",
		Kind:           domain.EventPaymentFailed,
		OccurredAt:     e.Clock.Now(),
		SubscriptionID: sub.ID,
		InvoiceID:      "in_1",
	})
	require.NoError(t, err)
	require.Len(t, e.dunning(t, sub), 3)

	out, err := e.Subscriptions.Cancel(ctx(), sub.ID.String(), domain.CancelRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, out.Subscription.Status)
	assert.Equal(t, domain.DefaultCancellationReason, out.Subscription.CancellationReason)
	assert.Nil(t, out.Subscription.GraceUntil)
	for _, attempt := range e.dunning(t, sub) {
		assert.Equal(t, dunningdomain.StatusCancelled, attempt.Status)
	}

	// Cancelling again is a no-op.
	again, err := e.Subscriptions.Cancel(ctx(), sub.ID.String(), domain.CancelRequest{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, again.Subscription.Status)
	assert.Len(t, e.history(t, sub), 3)
}

func TestCancelPushesToProcessor(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.pro)

	out, err := e.Subscriptions.Cancel(ctx(), sub.ID.String(), domain.CancelRequest{AtPeriodEnd: true})
	require.NoError(t, err)
	assert.False(t, out.Pending)
	assert.Equal(t, 1, e.Processor.Calls("cancel_subscription"))
}

func TestReactivate(t *testing.T) {
	t.Run("clears scheduled cancellation", func(t *testing.T) {
		e := newEnv(t)
		sub := e.create(t, e.basic)
		_, err := e.Subscriptions.Cancel(ctx(), sub.ID.String(), domain.CancelRequest{AtPeriodEnd: true})
		require.NoError(t, err)

		out, err := e.Subscriptions.Reactivate(ctx(), sub.ID.String())
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, out.Subscription.Status)
		assert.False(t, out.Subscription.CancelAtPeriodEnd)
		assert.Empty(t, out.Subscription.CancellationReason)
	})

	t.Run("restores cancelled within period", func(t *testing.T) {
		e := newEnv(t)
		sub := e.create(t, e.basic)
		_, err := e.Subscriptions.Cancel(ctx(), sub.ID.String(), domain.CancelRequest{})
		require.NoError(t, err)

		e.Clock.Advance(24 * time.Hour)
		out, err := e.Subscriptions.Reactivate(ctx(), sub.ID.String())
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, out.Subscription.Status)
		assert.Nil(t, out.Subscription.CancelledAt)
		assert.True(t, out.Subscription.AutoRenew)
	})

	t.Run("rejects after period end", func(t *testing.T) {
		e := newEnv(t)
		sub := e.create(t, e.basic)
		_, err := e.Subscriptions.Cancel(ctx(), sub.ID.String(), domain.CancelRequest{})
		require.NoError(t, err)

		e.Clock.Set(sub.CurrentPeriodEnd)
		_, err = e.Subscriptions.Reactivate(ctx(), sub.ID.String())
		require.ErrorIs(t, err, errs.ErrConflict)
		require.ErrorIs(t, err, domain.ErrReactivationExpired)
	})
}

func TestUpgradeConvertsTrial(t *testing.T) {
	e := newEnv(t)
	trial := fixture.Plan(t, e.Catalog, "crm", fixture.PlanSpec{
		Code:      "starter",
		Price:     "9.00",
		Limits:    map[string]int64{"contacts": 50},
		TrialDays: fixture.Int(14),
	})
	sub := e.create(t, trial)
	require.Equal(t, domain.StatusTrial, sub.Status)

	e.Clock.Advance(72 * time.Hour)
	out, err := e.Subscriptions.Upgrade(ctx(), sub.ID.String(), domain.UpgradeRequest{PlanID: e.basic.ID})
	require.NoError(t, err)
	got := out.Subscription
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Equal(t, e.basic.ID, got.PlanID)
	assert.Nil(t, got.TrialEnd)
	assert.Equal(t, int64(100), got.UsageLimit["contacts"])
	assert.WithinDuration(t, e.Clock.Now(), got.CurrentPeriodStart, 0)

	_, err = e.Subscriptions.Upgrade(ctx(), sub.ID.String(), domain.UpgradeRequest{PlanID: e.basic.ID})
	require.ErrorIs(t, err, domain.ErrSamePlan)
	assert.Equal(t, "plan_id", errs.FieldOf(err))
}

func TestUpgradeRejectsOtherProduct(t *testing.T) {
	e := newEnv(t)
	fixture.Product(t, e.Catalog, catalogdomain.CreateProductRequest{Code: "mail", Status: string(catalogdomain.ProductActive)})
	mail := fixture.Plan(t, e.Catalog, "mail", fixture.PlanSpec{Code: "mail-basic", Price: "11.00"})
	sub := e.create(t, e.basic)

	_, err := e.Subscriptions.Upgrade(ctx(), sub.ID.String(), domain.UpgradeRequest{PlanID: mail.ID})
	require.ErrorIs(t, err, domain.ErrPlanProductMismatch)
}

func TestProcessorEventsDriveLifecycle(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.pro)
	processorID := *sub.ProcessorSubscriptionID

	failed := domain.ProcessorEvent{
		EventID:                 "evt_failed",
		Kind:                    domain.EventPaymentFailed,
		OccurredAt:              e.Clock.Now(),
		ProcessorSubscriptionID: processorID,
		InvoiceID:               "in_100",
	}
	got, err := e.Subscriptions.ApplyProcessorEvent(context.Background(), failed)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.StatusPastDue, got.Status)
	require.NotNil(t, got.GraceUntil)
	assert.WithinDuration(t, e.Clock.Now().AddDate(0, 0, 14), *got.GraceUntil, 0)
	require.Len(t, e.dunning(t, sub), 3)

	// Replays change nothing.
	got, err = e.Subscriptions.ApplyProcessorEvent(context.Background(), failed)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPastDue, got.Status)
	assert.Len(t, e.dunning(t, sub), 3)
	assert.Len(t, e.history(t, sub), 2)

	e.Clock.Advance(2 * 24 * time.Hour)
	got, err = e.Subscriptions.ApplyProcessorEvent(context.Background(), domain.ProcessorEvent{
		EventID:                 "evt_paid",
		Kind:                    domain.EventPaymentSucceeded,
		OccurredAt:              e.Clock.Now(),
		ProcessorSubscriptionID: processorID,
		InvoiceID:               "in_100",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Nil(t, got.GraceUntil)
	for _, attempt := range e.dunning(t, sub) {
		assert.Equal(t, dunningdomain.StatusSucceeded, attempt.Status)
	}

	history := e.history(t, sub)
	require.Len(t, history, 3)
	assert.Equal(t, domain.StatusPastDue, history[1].ToStatus)
	assert.Equal(t, domain.SourceWebhook, history[1].Source)
	assert.Equal(t, "evt_failed", history[1].EventID)
	assert.Equal(t, domain.StatusActive, history[2].ToStatus)
}

func TestRepeatedPaymentFailureExtendsGrace(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.basic)

	first, err := e.Subscriptions.ApplyProcessorEvent(context.Background(), domain.ProcessorEvent{
		EventID: "evt_f1", Kind: domain.EventPaymentFailed, SubscriptionID: sub.ID, InvoiceID: "in_1",
	})
	require.NoError(t, err)
	e.Clock.Advance(5 * 24 * time.Hour)
	second, err := e.Subscriptions.ApplyProcessorEvent(context.Background(), domain.ProcessorEvent{
		EventID: "evt_f2", Kind: domain.EventPaymentFailed, SubscriptionID: sub.ID, InvoiceID: "in_1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusPastDue, second.Status)
	assert.True(t, second.GraceUntil.After(*first.GraceUntil))
	assert.Len(t, e.dunning(t, sub), 3)
}

func TestDelayedPaymentFailureCountsGraceFromFailure(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.basic)
	failedAt := e.Clock.Now()

	first, err := e.Subscriptions.ApplyProcessorEvent(context.Background(), domain.ProcessorEvent{
		EventID: "evt_f1", Kind: domain.EventPaymentFailed, OccurredAt: failedAt, SubscriptionID: sub.ID, InvoiceID: "in_1",
	})
	require.NoError(t, err)
	require.NotNil(t, first.GraceUntil)
	deadline := *first.GraceUntil

	// A retried failure from the same moment arrives days later under a new id.
	e.Clock.Advance(6 * 24 * time.Hour)
	second, err := e.Subscriptions.ApplyProcessorEvent(context.Background(), domain.ProcessorEvent{
		EventID: "evt_f1_retry", Kind: domain.EventPaymentFailed, OccurredAt: failedAt, SubscriptionID: sub.ID, InvoiceID: "in_1",
	})
	require.NoError(t, err)
	assert.WithinDuration(t, deadline, *second.GraceUntil, 0)

	// A failure stamped ahead of the local clock counts from now.
	third, err := e.Subscriptions.ApplyProcessorEvent(context.Background(), domain.ProcessorEvent{
		EventID: "evt_f3", Kind: domain.EventPaymentFailed, OccurredAt: e.Clock.Now().AddDate(0, 1, 0), SubscriptionID: sub.ID, InvoiceID: "in_1",
	})
	require.NoError(t, err)
	assert.WithinDuration(t, e.Clock.Now().AddDate(0, 0, 14), *third.GraceUntil, 0)
}

func TestProcessorEventForUnknownSubscription(t *testing.T) {
	e := newEnv(t)
	got, err := e.Subscriptions.ApplyProcessorEvent(context.Background(), domain.ProcessorEvent{
		EventID:                 "evt_x",
		Kind:                    domain.EventSubscriptionSynced,
		ProcessorSubscriptionID: "sub_unknown",
		Status:                  "active",
	})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestProcessorDeleteCancels(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.pro)

	got, err := e.Subscriptions.ApplyProcessorEvent(context.Background(), domain.ProcessorEvent{
		EventID:                 "evt_del",
		Kind:                    domain.EventSubscriptionDeleted,
		ProcessorSubscriptionID: *sub.ProcessorSubscriptionID,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, "Cancelled by payment processor", got.CancellationReason)
	require.NotNil(t, got.CancelledAt)
}

func TestDisallowedProcessorStatusFlagsReview(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.basic)
	_, err := e.Subscriptions.Cancel(ctx(), sub.ID.String(), domain.CancelRequest{})
	require.NoError(t, err)

	got, err := e.Subscriptions.ApplyProcessorEvent(context.Background(), domain.ProcessorEvent{
		EventID:        "evt_pd",
		Kind:           domain.EventSubscriptionSynced,
		SubscriptionID: sub.ID,
		Status:         "past_due",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.True(t, got.NeedsReview)
}

func TestGraceExpirySuspends(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.basic)
	_, err := e.Subscriptions.ApplyProcessorEvent(context.Background(), domain.ProcessorEvent{
		EventID: "evt_f1", Kind: domain.EventPaymentFailed, SubscriptionID: sub.ID, InvoiceID: "in_1",
	})
	require.NoError(t, err)

	e.Clock.Advance(13 * 24 * time.Hour)
	report, err := e.Subscriptions.AdvanceDue(context.Background(), e.Clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, report.Suspended)

	e.Clock.Advance(2 * 24 * time.Hour)
	report, err = e.Subscriptions.AdvanceDue(context.Background(), e.Clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Suspended)
	assert.Equal(t, domain.StatusSuspended, e.get(t, sub).Status)
}

func TestTrialEndActivates(t *testing.T) {
	e := newEnv(t)
	trial := fixture.Plan(t, e.Catalog, "crm", fixture.PlanSpec{
		Code:      "starter",
		Price:     "9.00",
		Limits:    map[string]int64{"contacts": 50},
		TrialDays: fixture.Int(14),
	})
	sub := e.create(t, trial)

	e.Clock.Set(sub.TrialEnd.Add(time.Minute))
	report, err := e.Subscriptions.AdvanceDue(context.Background(), e.Clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Activated)

	got := e.get(t, sub)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.WithinDuration(t, *sub.TrialEnd, got.CurrentPeriodStart, 0)
	assert.WithinDuration(t, sub.TrialEnd.AddDate(0, 1, 0), got.CurrentPeriodEnd, 0)
}

func TestRenewalRatesClosedPeriod(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.basic)
	require.NoError(t, e.UsageRepo.Insert(context.Background(), e.DB, &usagedomain.UsageRecord{
		ID:             e.Node.Generate(),
		OrgID:          orgID,
		SubscriptionID: sub.ID,
		Metric:         "contacts",
		Quantity:       130,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		RecordedAt:     fixture.Epoch.Add(time.Hour),
		CreatedAt:      fixture.Epoch.Add(time.Hour),
	}))

	// Two periods overdue are closed in one sweep.
	e.Clock.Set(sub.CurrentPeriodEnd.AddDate(0, 1, 0).Add(time.Hour))
	report, err := e.Subscriptions.AdvanceDue(context.Background(), e.Clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Renewed)

	got := e.get(t, sub)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.WithinDuration(t, sub.CurrentPeriodEnd.AddDate(0, 1, 0), got.CurrentPeriodStart, 0)

	charges, err := e.Rating.ListCharges(ctx(), sub.ID.String())
	require.NoError(t, err)
	require.Len(t, charges, 2)
	totals := []string{charges[0].Total.StringFixed(2), charges[1].Total.StringFixed(2)}
	assert.ElementsMatch(t, []string{"3.00", "0.00"}, totals)
}

func TestProcessorRenewalRatesClosingPeriod(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.basic)
	require.NoError(t, e.UsageRepo.Insert(context.Background(), e.DB, &usagedomain.UsageRecord{
		ID:             e.Node.Generate(),
		OrgID:          orgID,
		SubscriptionID: sub.ID,
		Metric:         "contacts",
		Quantity:       150,
		PeriodStart:    sub.CurrentPeriodStart,
		PeriodEnd:      sub.CurrentPeriodEnd,
		RecordedAt:     fixture.Epoch.Add(time.Hour),
		CreatedAt:      fixture.Epoch.Add(time.Hour),
	}))

	oldEnd := sub.CurrentPeriodEnd
	e.Clock.Set(oldEnd.Add(time.Minute))
	got, err := e.Subscriptions.ApplyProcessorEvent(context.Background(), domain.ProcessorEvent{
		EventID:            "evt_renewed",
		Kind:               domain.EventSubscriptionSynced,
		SubscriptionID:     sub.ID,
		Status:             "active",
		CurrentPeriodStart: oldEnd,
		CurrentPeriodEnd:   oldEnd.AddDate(0, 1, 0),
	})
	require.NoError(t, err)
	assert.WithinDuration(t, oldEnd, got.CurrentPeriodStart, 0)

	charges, err := e.Rating.ListCharges(ctx(), sub.ID.String())
	require.NoError(t, err)
	require.Len(t, charges, 1)
	assert.WithinDuration(t, sub.CurrentPeriodStart, charges[0].PeriodStart, 0)
	assert.WithinDuration(t, oldEnd, charges[0].PeriodEnd, 0)
	assert.Equal(t, "5.00", charges[0].Total.StringFixed(2))

	records, err := e.UsageRepo.ListBySubscription(context.Background(), e.DB, sub.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Billed)

	// The sweep finds nothing left to close for the old window.
	report, err := e.Subscriptions.AdvanceDue(context.Background(), oldEnd.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, report.Renewed)
	charges, err = e.Rating.ListCharges(ctx(), sub.ID.String())
	require.NoError(t, err)
	assert.Len(t, charges, 1)
}

func TestReconcileFlagsAndClearsDrift(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.pro)
	processorID := *sub.ProcessorSubscriptionID

	e.Processor.SetStatus(processorID, "past_due")
	res, err := e.Subscriptions.Reconcile(ctx(), sub.ID.String())
	require.NoError(t, err)
	require.Len(t, res.Drifts, 1)
	assert.Equal(t, "status", res.Drifts[0].Field)
	assert.Equal(t, "active", res.Drifts[0].LocalValue)
	assert.Equal(t, "past_due", res.Drifts[0].ProcessorValue)
	assert.True(t, res.Subscription.NeedsReview)
	// Drift is reported, never applied.
	assert.Equal(t, domain.StatusActive, res.Subscription.Status)

	e.Processor.SetStatus(processorID, "active")
	cleared, err := e.Subscriptions.ReconcileFlagged(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)
	assert.False(t, e.get(t, sub).NeedsReview)
}

func TestReconcileRequiresProcessorReference(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.basic)
	_, err := e.Subscriptions.Reconcile(ctx(), sub.ID.String())
	require.True(t, errors.Is(err, domain.ErrNotReconcilable))
}

func TestGetScopesToTenant(t *testing.T) {
	e := newEnv(t)
	sub := e.create(t, e.basic)

	other := orgcontext.WithOrgID(context.Background(), 12345)
	_, err := e.Subscriptions.Get(other, sub.ID.String())
	require.ErrorIs(t, err, errs.ErrNotFound)

	got, err := e.Subscriptions.Get(orgcontext.WithOperator(context.Background()), sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)

	_, err = e.Subscriptions.Get(ctx(), "nope")
	assert.Equal(t, "id", errs.FieldOf(err))
}
