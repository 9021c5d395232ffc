package service

import (
	"context"
	"errors"
	"time"

	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
	"github.com/smallbiznis/billingcore/internal/errs"
	gatewaydomain "github.com/smallbiznis/billingcore/internal/gateway/domain"
	"github.com/smallbiznis/billingcore/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// push creates the processor side of sub. The command token is derived from
// the subscription's creation time, so a later re-push reuses it.
func (s *Service) push(ctx context.Context, sub *domain.Subscription, plan *catalogdomain.Plan) (*domain.Subscription, error) {
	if plan.ProcessorPriceID == "" {
		return s.updateSync(ctx, sub, func(locked *domain.Subscription) {
			locked.SyncStatus = domain.SyncSynced
		})
	}

	customerID, customerOutcome, err := s.gateway.EnsureCustomer(ctx, sub.OrgID)
	if err != nil {
		return nil, err
	}
	if customerOutcome != nil && !customerOutcome.Succeeded() {
		return s.applyOutcome(ctx, sub, "", customerOutcome)
	}

	var trialEnd *time.Time
	if sub.Status == domain.StatusTrial {
		trialEnd = sub.TrialEnd
	}
	outcome, err := s.gateway.CreateSubscription(ctx, gatewaydomain.CreateSubscriptionCommand{
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		ProductID:      sub.ProductID,
		CustomerID:     customerID,
		PriceID:        plan.ProcessorPriceID,
		PeriodStart:    sub.CreatedAt,
		TrialEnd:       trialEnd,
	})
	if err != nil {
		return nil, err
	}
	return s.applyOutcome(ctx, sub, customerID, outcome)
}

func (s *Service) applyOutcome(ctx context.Context, sub *domain.Subscription, customerID string, outcome *gatewaydomain.Outcome) (*domain.Subscription, error) {
	switch {
	case outcome.Succeeded():
		return s.updateSync(ctx, sub, func(locked *domain.Subscription) {
			externalID := outcome.ExternalID
			locked.ProcessorSubscriptionID = &externalID
			if customerID != "" {
				locked.ProcessorCustomerID = &customerID
			}
			locked.SyncStatus = domain.SyncSynced
		})
	case outcome.Pending:
		s.log.Warn("processor sync pending",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(outcome.Err),
		)
		return s.updateSync(ctx, sub, func(locked *domain.Subscription) {
			locked.SyncStatus = domain.SyncPending
		})
	default:
		s.log.Error("processor rejected subscription",
			zap.String("subscription_id", sub.ID.String()),
			zap.Error(outcome.Err),
		)
		return s.updateSync(ctx, sub, func(locked *domain.Subscription) {
			locked.SyncStatus = domain.SyncFailed
		})
	}
}

func (s *Service) updateSync(ctx context.Context, sub *domain.Subscription, apply func(*domain.Subscription)) (*domain.Subscription, error) {
	var out *domain.Subscription
	err := s.withTenantTx(ctx, sub.OrgID, func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, sub)
		if err != nil {
			return err
		}
		apply(locked)
		locked.UpdatedAt = s.clock.Now()
		out = locked
		return s.repo.Update(ctx, tx, locked)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) SyncPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	subs, err := s.repo.ListPendingSync(ctx, s.db, limit)
	if err != nil {
		return 0, err
	}

	synced := 0
	var failures []error
	for _, sub := range subs {
		plan, err := s.catalog.GetPlan(ctx, sub.PlanID)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		updated, err := s.push(ctx, sub, plan)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if updated.SyncStatus == domain.SyncSynced {
			synced++
		}
	}
	return synced, errors.Join(failures...)
}

func (s *Service) Reconcile(ctx context.Context, id string) (*domain.ReconcileResult, error) {
	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, sub)
}

func (s *Service) reconcile(ctx context.Context, sub *domain.Subscription) (*domain.ReconcileResult, error) {
	if sub.ProcessorSubscriptionID == nil {
		return nil, errs.Conflict(domain.ErrNotReconcilable)
	}
	drifts, err := s.gateway.Reconcile(ctx, gatewaydomain.ReconcileInput{
		OrgID:                   sub.OrgID,
		SubscriptionID:          sub.ID,
		ProcessorSubscriptionID: *sub.ProcessorSubscriptionID,
		LocalStatus:             string(sub.Status),
		LocalPeriodEnd:          sub.CurrentPeriodEnd,
		LocalCancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	})
	if err != nil {
		return nil, err
	}

	flag := len(drifts) > 0
	if sub.NeedsReview != flag {
		sub, err = s.updateSync(ctx, sub, func(locked *domain.Subscription) {
			locked.NeedsReview = flag
		})
		if err != nil {
			return nil, err
		}
	}

	result := &domain.ReconcileResult{Subscription: sub, Drifts: make([]domain.DriftView, 0, len(drifts))}
	for _, d := range drifts {
		result.Drifts = append(result.Drifts, domain.DriftView{
			Field:          d.Field,
			LocalValue:     d.LocalValue,
			ProcessorValue: d.ProcessorValue,
		})
	}
	return result, nil
}

// ReconcileFlagged re-checks subscriptions marked for review and clears the
// flag on those that agree with the processor again.
func (s *Service) ReconcileFlagged(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	subs, err := s.repo.ListFlagged(ctx, s.db, limit)
	if err != nil {
		return 0, err
	}
	cleared := 0
	var failures []error
	for _, sub := range subs {
		result, err := s.reconcile(ctx, sub)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if len(result.Drifts) == 0 {
			cleared++
		}
	}
	return cleared, errors.Join(failures...)
}

func cancelCommand(sub *domain.Subscription, atPeriodEnd bool, scope string) gatewaydomain.CancelSubscriptionCommand {
	return gatewaydomain.CancelSubscriptionCommand{
		OrgID:                   sub.OrgID,
		SubscriptionID:          sub.ID,
		ProductID:               sub.ProductID,
		ProcessorSubscriptionID: deref(sub.ProcessorSubscriptionID),
		AtPeriodEnd:             atPeriodEnd,
		Scope:                   scope,
	}
}

func reactivateCommand(sub *domain.Subscription, scope string) gatewaydomain.ReactivateSubscriptionCommand {
	return gatewaydomain.ReactivateSubscriptionCommand{
		OrgID:                   sub.OrgID,
		SubscriptionID:          sub.ID,
		ProductID:               sub.ProductID,
		ProcessorSubscriptionID: deref(sub.ProcessorSubscriptionID),
		Scope:                   scope,
	}
}

func updateCommand(sub *domain.Subscription, priceID, scope string) gatewaydomain.UpdateSubscriptionCommand {
	return gatewaydomain.UpdateSubscriptionCommand{
		OrgID:                   sub.OrgID,
		SubscriptionID:          sub.ID,
		ProductID:               sub.ProductID,
		ProcessorSubscriptionID: deref(sub.ProcessorSubscriptionID),
		PriceID:                 priceID,
		Scope:                   scope,
	}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
