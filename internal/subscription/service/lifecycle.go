package service

import (
	"context"
	"strings"
	"time"

	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
	"github.com/smallbiznis/billingcore/internal/errs"
	"github.com/smallbiznis/billingcore/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type transitionInput struct {
	to      domain.Status
	source  domain.Source
	eventID string
	reason  string
	now     time.Time
}

// transition moves a locked subscription to in.to and records the history row.
func (s *Service) transition(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, in transitionInput) error {
	from := sub.Status
	if !domain.CanTransition(from, in.to) {
		return errs.Conflict(domain.ErrInvalidTransition)
	}
	if _, err := s.repo.InsertHistory(ctx, tx, &domain.StatusHistory{
		ID:             s.genID.Generate(),
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		FromStatus:     from,
		ToStatus:       in.to,
		Reason:         in.reason,
		Source:         in.source,
		EventID:        in.eventID,
		CreatedAt:      in.now,
	}); err != nil {
		return err
	}
	sub.Status = in.to
	sub.UpdatedAt = in.now
	s.metrics.RecordTransition(ctx, string(from), string(in.to), string(in.source))
	return nil
}

func (s *Service) requestToken() string {
	return "api:" + s.genID.Generate().String()
}

func (s *Service) Cancel(ctx context.Context, id string, req domain.CancelRequest) (*domain.MutationResult, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = domain.DefaultCancellationReason
	}
	token := s.requestToken()

	var (
		sub     *domain.Subscription
		changed bool
	)
	err = s.withTenantTx(ctx, current.OrgID, func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, current)
		if err != nil {
			return err
		}
		sub = locked
		now := s.clock.Now()

		if locked.Status == domain.StatusCancelled {
			return nil
		}
		if !domain.CanTransition(locked.Status, domain.StatusCancelled) {
			return errs.Conflict(domain.ErrInvalidTransition)
		}

		if req.AtPeriodEnd && locked.Status != domain.StatusPendingApproval {
			if locked.CancelAtPeriodEnd {
				return nil
			}
			locked.CancelAtPeriodEnd = true
			locked.CancellationReason = reason
			locked.UpdatedAt = now
			changed = true
			return s.repo.Update(ctx, tx, locked)
		}

		if err := s.transition(ctx, tx, locked, transitionInput{
			to:      domain.StatusCancelled,
			source:  domain.SourceAPI,
			eventID: token,
			reason:  reason,
			now:     now,
		}); err != nil {
			return err
		}
		locked.CancelledAt = &now
		locked.CancellationReason = reason
		locked.CancelAtPeriodEnd = false
		locked.GraceUntil = nil
		if err := s.repo.Update(ctx, tx, locked); err != nil {
			return err
		}
		changed = true
		closed, err := s.dunning.WithTx(tx).Cancel(ctx, locked.ID)
		if err != nil {
			return err
		}
		if closed > 0 {
			s.log.Info("dunning attempts cancelled",
				zap.String("subscription_id", locked.ID.String()),
				zap.Int64("attempts", closed),
			)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &domain.MutationResult{Subscription: sub}
	if changed && sub.ProcessorSubscriptionID != nil {
		outcome, err := s.gateway.CancelSubscription(ctx, cancelCommand(sub, req.AtPeriodEnd, token))
		if err != nil {
			return nil, err
		}
		result.Pending = !outcome.Succeeded()
	}
	return result, nil
}

func (s *Service) Reactivate(ctx context.Context, id string) (*domain.MutationResult, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	token := s.requestToken()

	var (
		sub     *domain.Subscription
		changed bool
	)
	err = s.withTenantTx(ctx, current.OrgID, func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, current)
		if err != nil {
			return err
		}
		sub = locked
		now := s.clock.Now()

		switch locked.Status {
		case domain.StatusActive, domain.StatusTrial:
			if !locked.CancelAtPeriodEnd {
				return nil
			}
		case domain.StatusCancelled:
			if !now.Before(locked.CurrentPeriodEnd) {
				return errs.Conflict(domain.ErrReactivationExpired)
			}
			live, err := s.repo.FindLive(ctx, tx, locked.OrgID, locked.ProductID)
			if err != nil {
				return err
			}
			if live != nil {
				return errs.Conflict(domain.ErrAlreadySubscribed)
			}
			if err := s.transition(ctx, tx, locked, transitionInput{
				to: domain.StatusActive, source: domain.SourceAPI, eventID: token, reason: "reactivated", now: now,
			}); err != nil {
				return err
			}
		case domain.StatusPastDue:
			if err := s.transition(ctx, tx, locked, transitionInput{
				to: domain.StatusActive, source: domain.SourceAPI, eventID: token, reason: "reactivated", now: now,
			}); err != nil {
				return err
			}
		default:
			return errs.Conflict(domain.ErrInvalidTransition)
		}

		locked.CancelAtPeriodEnd = false
		locked.CancelledAt = nil
		locked.CancellationReason = ""
		locked.GraceUntil = nil
		locked.AutoRenew = true
		locked.UpdatedAt = now
		changed = true
		return s.repo.Update(ctx, tx, locked)
	})
	if err != nil {
		return nil, err
	}

	result := &domain.MutationResult{Subscription: sub}
	if changed && sub.ProcessorSubscriptionID != nil {
		outcome, err := s.gateway.ReactivateSubscription(ctx, reactivateCommand(sub, token))
		if err != nil {
			return nil, err
		}
		result.Pending = !outcome.Succeeded()
	}
	return result, nil
}

// Upgrade moves a subscription to another plan of the same product. A trial
// converts to a paid period immediately; otherwise the new limits apply from
// the next period.
func (s *Service) Upgrade(ctx context.Context, id string, req domain.UpgradeRequest) (*domain.MutationResult, error) {
	if req.PlanID == 0 {
		return nil, errs.Validation(domain.ErrInvalidRequest, "plan_id")
	}
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	plan, err := s.catalog.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.ProductID != current.ProductID {
		return nil, errs.Validation(domain.ErrPlanProductMismatch, "plan_id")
	}
	if !plan.Active {
		return nil, errs.Validation(domain.ErrPlanInactive, "plan_id")
	}
	if plan.ID == current.PlanID {
		return nil, errs.Validation(domain.ErrSamePlan, "plan_id")
	}
	token := s.requestToken()

	var sub *domain.Subscription
	err = s.withTenantTx(ctx, current.OrgID, func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, current)
		if err != nil {
			return err
		}
		sub = locked
		if !locked.Status.Live() {
			return errs.Conflict(domain.ErrInvalidTransition)
		}
		now := s.clock.Now()
		locked.PlanID = plan.ID
		locked.UpdatedAt = now
		if locked.Status == domain.StatusTrial {
			if err := s.transition(ctx, tx, locked, transitionInput{
				to: domain.StatusActive, source: domain.SourceAPI, eventID: token, reason: "upgraded", now: now,
			}); err != nil {
				return err
			}
			locked.TrialEnd = nil
			locked.CurrentPeriodStart = now
			locked.CurrentPeriodEnd = plan.BillingInterval.Advance(now)
			locked.NextBillingDate = locked.CurrentPeriodEnd
			locked.UsageLimit = plan.UsageLimits.Clone()
		}
		return s.repo.Update(ctx, tx, locked)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription plan changed",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("plan_id", plan.ID.String()),
	)

	result := &domain.MutationResult{Subscription: sub}
	if sub.ProcessorSubscriptionID != nil && plan.ProcessorPriceID != "" {
		outcome, err := s.gateway.UpdateSubscription(ctx, updateCommand(sub, plan.ProcessorPriceID, token))
		if err != nil {
			return nil, err
		}
		result.Pending = !outcome.Succeeded()
	}
	return result, nil
}

// Approve opens a subscription that was waiting on operator approval.
func (s *Service) Approve(ctx context.Context, id string) (*domain.MutationResult, error) {
	current, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status != domain.StatusPendingApproval {
		return nil, errs.Conflict(domain.ErrInvalidTransition)
	}
	plan, err := s.catalog.GetPlan(ctx, current.PlanID)
	if err != nil {
		return nil, err
	}
	product, err := s.catalog.GetProductByID(ctx, current.ProductID)
	if err != nil {
		return nil, err
	}
	trialDays := s.trialDays(nil, plan, product)
	token := s.requestToken()

	var sub *domain.Subscription
	err = s.withTenantTx(ctx, current.OrgID, func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, current)
		if err != nil {
			return err
		}
		sub = locked
		if locked.Status != domain.StatusPendingApproval {
			return errs.Conflict(domain.ErrInvalidTransition)
		}
		now := s.clock.Now()
		target := domain.StatusActive
		if trialDays > 0 {
			target = domain.StatusTrial
		}
		if err := s.transition(ctx, tx, locked, transitionInput{
			to: target, source: domain.SourceAPI, eventID: token, reason: "approved", now: now,
		}); err != nil {
			return err
		}
		s.startPeriod(locked, plan, trialDays, now)
		return s.repo.Update(ctx, tx, locked)
	})
	if err != nil {
		return nil, err
	}

	synced, err := s.push(ctx, sub, plan)
	if err != nil {
		return nil, err
	}
	return &domain.MutationResult{Subscription: synced, Pending: synced.SyncStatus != domain.SyncSynced}, nil
}

// lock re-reads current under a row lock inside tx.
func (s *Service) lock(ctx context.Context, tx *gorm.DB, current *domain.Subscription) (*domain.Subscription, error) {
	locked, err := s.repo.FindByIDForUpdate(ctx, tx, current.ID)
	if err != nil {
		return nil, err
	}
	if locked == nil {
		return nil, errs.NotFound(domain.ErrSubscriptionNotFound)
	}
	return locked, nil
}

func planLimits(plan *catalogdomain.Plan) catalogdomain.Quantities {
	if plan == nil {
		return catalogdomain.Quantities{}
	}
	return plan.UsageLimits.Clone()
}
