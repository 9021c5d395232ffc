package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
	"github.com/smallbiznis/billingcore/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxCatchUp bounds how many overdue periods one sweep closes per subscription.
const maxCatchUp = 24

type dueAction int

const (
	actionNone dueAction = iota
	actionTrialEnd
	actionSuspend
	actionPeriodEnd
)

func (a dueAction) String() string {
	switch a {
	case actionTrialEnd:
		return "trial_end"
	case actionSuspend:
		return "grace_end"
	case actionPeriodEnd:
		return "period_end"
	}
	return "none"
}

func nextAction(sub *domain.Subscription, now time.Time) dueAction {
	switch sub.Status {
	case domain.StatusTrial:
		if sub.TrialEnd != nil && !sub.TrialEnd.After(now) {
			return actionTrialEnd
		}
	case domain.StatusPastDue:
		if sub.GraceUntil != nil && !sub.GraceUntil.After(now) {
			return actionSuspend
		}
		if !sub.CurrentPeriodEnd.After(now) {
			return actionPeriodEnd
		}
	case domain.StatusActive:
		if !sub.CurrentPeriodEnd.After(now) {
			return actionPeriodEnd
		}
	}
	return actionNone
}

func (s *Service) AdvanceDue(ctx context.Context, now time.Time, limit int) (domain.AdvanceReport, error) {
	var report domain.AdvanceReport
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.repo.ListDueIDs(ctx, s.db, now, limit)
	if err != nil {
		return report, err
	}

	var failures []error
	for _, id := range ids {
		sub, err := s.repo.FindByID(ctx, s.db, 0, id)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if sub == nil {
			continue
		}
		if err := s.advance(ctx, sub, now, &report); err != nil {
			s.log.Error("advance subscription failed",
				zap.String("subscription_id", id.String()),
				zap.Error(err),
			)
			failures = append(failures, err)
		}
	}
	return report, errors.Join(failures...)
}

// advance applies every due step of one subscription. Period usage is rated
// before the lifecycle transaction so the rater can take its own lock.
func (s *Service) advance(ctx context.Context, sub *domain.Subscription, now time.Time, report *domain.AdvanceReport) error {
	for step := 0; step < maxCatchUp; step++ {
		action := nextAction(sub, now)
		if action == actionNone {
			return nil
		}

		if action != actionSuspend && s.rater != nil {
			if err := s.rater.RatePeriod(ctx, sub, sub.CurrentPeriodStart, sub.CurrentPeriodEnd); err != nil {
				return fmt.Errorf("rate period: %w", err)
			}
		}
		plan, err := s.catalog.GetPlan(ctx, sub.PlanID)
		if err != nil {
			return err
		}

		var (
			next    *domain.Subscription
			skipped bool
		)
		err = s.withTenantTx(ctx, sub.OrgID, func(tx *gorm.DB) error {
			locked, err := s.repo.FindByIDSkipLocked(ctx, tx, sub.ID)
			if err != nil {
				return err
			}
			if locked == nil || nextAction(locked, now) != action {
				skipped = true
				return nil
			}
			next = locked
			if err := s.step(ctx, tx, locked, action, plan, now, report); err != nil {
				return err
			}
			locked.UpdatedAt = s.clock.Now()
			return s.repo.Update(ctx, tx, locked)
		})
		if err != nil {
			return err
		}
		if skipped {
			report.Skipped++
			return nil
		}
		sub = next
	}
	return nil
}

func (s *Service) step(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, action dueAction, plan *catalogdomain.Plan, now time.Time, report *domain.AdvanceReport) error {
	eventID := fmt.Sprintf("scheduler:%s:%s", action, sub.CurrentPeriodEnd.UTC().Format(time.RFC3339))
	move := func(to domain.Status, reason string) error {
		return s.transition(ctx, tx, sub, transitionInput{
			to:      to,
			source:  domain.SourceScheduler,
			eventID: eventID,
			reason:  reason,
			now:     now,
		})
	}

	switch action {
	case actionTrialEnd:
		switch {
		case sub.CancelAtPeriodEnd:
			report.Cancelled++
			return s.cancelAtBoundary(ctx, tx, sub, move, *sub.TrialEnd)
		case !sub.AutoRenew:
			report.Expired++
			return move(domain.StatusExpired, "trial ended")
		}
		if err := move(domain.StatusActive, "trial ended"); err != nil {
			return err
		}
		s.roll(sub, plan, *sub.TrialEnd)
		report.Activated++
		return nil

	case actionSuspend:
		report.Suspended++
		return move(domain.StatusSuspended, "grace period elapsed")

	case actionPeriodEnd:
		switch {
		case sub.CancelAtPeriodEnd:
			report.Cancelled++
			return s.cancelAtBoundary(ctx, tx, sub, move, sub.CurrentPeriodEnd)
		case !sub.AutoRenew && sub.Status == domain.StatusActive:
			report.Expired++
			return move(domain.StatusExpired, "period ended without renewal")
		case !sub.AutoRenew:
			report.Cancelled++
			return s.cancelAtBoundary(ctx, tx, sub, move, sub.CurrentPeriodEnd)
		}
		s.roll(sub, plan, sub.CurrentPeriodEnd)
		report.Renewed++
		return nil
	}
	return nil
}

func (s *Service) cancelAtBoundary(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, move func(domain.Status, string) error, at time.Time) error {
	reason := sub.CancellationReason
	if reason == "" {
		reason = domain.DefaultCancellationReason
	}
	if err := move(domain.StatusCancelled, reason); err != nil {
		return err
	}
	cancelledAt := at.UTC()
	sub.CancelledAt = &cancelledAt
	sub.CancellationReason = reason
	sub.CancelAtPeriodEnd = false
	sub.GraceUntil = nil
	_, err := s.dunning.WithTx(tx).Cancel(ctx, sub.ID)
	return err
}

// roll opens the next period at start with the plan's current limits.
func (s *Service) roll(sub *domain.Subscription, plan *catalogdomain.Plan, start time.Time) {
	start = start.UTC()
	sub.CurrentPeriodStart = start
	sub.CurrentPeriodEnd = plan.BillingInterval.Advance(start)
	sub.NextBillingDate = sub.CurrentPeriodEnd
	sub.UsageLimit = planLimits(plan)
}
