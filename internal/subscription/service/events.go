package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	dunningdomain "github.com/smallbiznis/billingcore/internal/dunning/domain"
	"github.com/smallbiznis/billingcore/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const deletedByProcessorReason = "Cancelled by payment processor"

func (s *Service) ApplyProcessorEvent(ctx context.Context, ev domain.ProcessorEvent) (*domain.Subscription, error) {
	if ev.Kind == domain.EventPaymentMethodChanged {
		return nil, s.applyPaymentMethod(ctx, ev)
	}

	current, err := s.locate(ctx, ev)
	if err != nil {
		return nil, err
	}
	if current == nil {
		s.log.Info("processor event for unknown subscription ignored",
			zap.String("event_id", ev.EventID),
			zap.String("kind", string(ev.Kind)),
			zap.String("processor_subscription_id", ev.ProcessorSubscriptionID),
		)
		return nil, nil
	}

	// A renewal reported by the processor closes the local window. It is
	// rated first, outside the lifecycle transaction, as the sweep does.
	if s.rater != nil && closesPeriod(current, ev) {
		if err := s.rater.RatePeriod(ctx, current, current.CurrentPeriodStart, current.CurrentPeriodEnd); err != nil {
			return nil, fmt.Errorf("rate period: %w", err)
		}
	}

	var sub *domain.Subscription
	err = s.withTenantTx(ctx, current.OrgID, func(tx *gorm.DB) error {
		locked, err := s.lock(ctx, tx, current)
		if err != nil {
			return err
		}
		sub = locked
		if locked.LastProcessorEventID != nil && *locked.LastProcessorEventID == ev.EventID {
			return nil
		}
		seen, err := s.repo.HistoryExists(ctx, tx, locked.ID, ev.EventID)
		if err != nil {
			return err
		}
		if seen {
			return nil
		}

		now := s.clock.Now()
		switch ev.Kind {
		case domain.EventSubscriptionSynced:
			err = s.syncFromProcessor(ctx, tx, locked, ev, now)
		case domain.EventSubscriptionDeleted:
			err = s.cancelFromProcessor(ctx, tx, locked, ev, now)
		case domain.EventPaymentSucceeded:
			err = s.paymentSucceeded(ctx, tx, locked, ev, now)
		case domain.EventPaymentFailed:
			err = s.paymentFailed(ctx, tx, locked, ev, now)
		}
		if err != nil {
			return err
		}

		if locked.ProcessorSubscriptionID == nil && ev.ProcessorSubscriptionID != "" {
			processorID := ev.ProcessorSubscriptionID
			locked.ProcessorSubscriptionID = &processorID
			locked.SyncStatus = domain.SyncSynced
		}
		eventID := ev.EventID
		locked.LastProcessorEventID = &eventID
		locked.UpdatedAt = now
		return s.repo.Update(ctx, tx, locked)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// closesPeriod reports whether ev moves sub into a window that starts at or
// after the end of its current one.
func closesPeriod(sub *domain.Subscription, ev domain.ProcessorEvent) bool {
	if ev.Kind != domain.EventSubscriptionSynced || ev.CurrentPeriodStart.IsZero() {
		return false
	}
	if sub.Status == domain.StatusPendingApproval {
		return false
	}
	return !ev.CurrentPeriodStart.Before(sub.CurrentPeriodEnd)
}

func (s *Service) locate(ctx context.Context, ev domain.ProcessorEvent) (*domain.Subscription, error) {
	if ev.ProcessorSubscriptionID != "" {
		sub, err := s.repo.FindByProcessorID(ctx, s.db, ev.ProcessorSubscriptionID)
		if err != nil || sub != nil {
			return sub, err
		}
	}
	if ev.SubscriptionID != 0 {
		return s.repo.FindByID(ctx, s.db, 0, ev.SubscriptionID)
	}
	return nil, nil
}

// apply moves sub to status when the lifecycle allows it. A disallowed
// processor-driven change flags the subscription for review instead.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, to domain.Status, ev domain.ProcessorEvent, reason string, now time.Time) (bool, error) {
	if sub.Status == to {
		return false, nil
	}
	if !domain.CanTransition(sub.Status, to) {
		sub.NeedsReview = true
		s.log.Warn("processor status change not allowed locally",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("event_id", ev.EventID),
			zap.String("from", string(sub.Status)),
			zap.String("to", string(to)),
		)
		return false, nil
	}
	err := s.transition(ctx, tx, sub, transitionInput{
		to:      to,
		source:  domain.SourceWebhook,
		eventID: ev.EventID,
		reason:  reason,
		now:     now,
	})
	return err == nil, err
}

func (s *Service) syncFromProcessor(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, ev domain.ProcessorEvent, now time.Time) error {
	if !ev.CurrentPeriodStart.IsZero() && !ev.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodStart = ev.CurrentPeriodStart.UTC()
		sub.CurrentPeriodEnd = ev.CurrentPeriodEnd.UTC()
		sub.NextBillingDate = sub.CurrentPeriodEnd
	}
	sub.CancelAtPeriodEnd = ev.CancelAtPeriodEnd
	if ev.TrialEnd != nil {
		trialEnd := ev.TrialEnd.UTC()
		sub.TrialEnd = &trialEnd
	}
	if ev.CustomerID != "" && sub.ProcessorCustomerID == nil {
		customerID := ev.CustomerID
		sub.ProcessorCustomerID = &customerID
	}

	target, ok := domain.MapProcessorStatus(ev.Status)
	if !ok {
		return nil
	}
	from := sub.Status
	moved, err := s.apply(ctx, tx, sub, target, ev, "processor status "+ev.Status, now)
	if err != nil || !moved {
		return err
	}
	return s.afterTransition(ctx, tx, sub, from, ev, now)
}

func (s *Service) cancelFromProcessor(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, ev domain.ProcessorEvent, now time.Time) error {
	if sub.Status == domain.StatusCancelled || sub.Status == domain.StatusExpired {
		return nil
	}
	reason := strings.TrimSpace(ev.Reason)
	if reason == "" {
		reason = deletedByProcessorReason
	}
	from := sub.Status
	moved, err := s.apply(ctx, tx, sub, domain.StatusCancelled, ev, reason, now)
	if err != nil || !moved {
		return err
	}
	sub.CancellationReason = reason
	return s.afterTransition(ctx, tx, sub, from, ev, now)
}

func (s *Service) paymentSucceeded(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, ev domain.ProcessorEvent, now time.Time) error {
	if sub.Status == domain.StatusPastDue || sub.Status == domain.StatusSuspended {
		from := sub.Status
		moved, err := s.apply(ctx, tx, sub, domain.StatusActive, ev, "payment succeeded", now)
		if err != nil {
			return err
		}
		if moved {
			return s.afterTransition(ctx, tx, sub, from, ev, now)
		}
	}
	_, err := s.dunning.WithTx(tx).Resolve(ctx, sub.ID)
	return err
}

func (s *Service) paymentFailed(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, ev domain.ProcessorEvent, now time.Time) error {
	switch sub.Status {
	case domain.StatusActive, domain.StatusTrial:
		from := sub.Status
		moved, err := s.apply(ctx, tx, sub, domain.StatusPastDue, ev, "payment failed", now)
		if err != nil {
			return err
		}
		if moved {
			if err := s.afterTransition(ctx, tx, sub, from, ev, now); err != nil {
				return err
			}
		}
	case domain.StatusPastDue:
		s.extendGrace(sub, failedAt(ev, now))
	default:
		return nil
	}
	return s.scheduleDunning(ctx, tx, sub, ev, now)
}

// afterTransition applies the side effects of a processor-driven status change.
func (s *Service) afterTransition(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, from domain.Status, ev domain.ProcessorEvent, now time.Time) error {
	switch sub.Status {
	case domain.StatusPastDue:
		s.extendGrace(sub, failedAt(ev, now))
	case domain.StatusActive:
		sub.GraceUntil = nil
		if from == domain.StatusPastDue || from == domain.StatusSuspended {
			if _, err := s.dunning.WithTx(tx).Resolve(ctx, sub.ID); err != nil {
				return err
			}
		}
	case domain.StatusCancelled:
		sub.CancelledAt = &now
		sub.GraceUntil = nil
		if sub.CancellationReason == "" {
			sub.CancellationReason = deletedByProcessorReason
		}
		if _, err := s.dunning.WithTx(tx).Cancel(ctx, sub.ID); err != nil {
			return err
		}
	}
	return nil
}

// extendGrace sets grace_until to the failure time plus the grace window,
// never earlier than an existing deadline.
func (s *Service) extendGrace(sub *domain.Subscription, failed time.Time) {
	until := failed.AddDate(0, 0, s.policy.Get().GraceDays)
	if sub.GraceUntil != nil && sub.GraceUntil.After(until) {
		return
	}
	sub.GraceUntil = &until
}

func (s *Service) scheduleDunning(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, ev domain.ProcessorEvent, now time.Time) error {
	if ev.InvoiceID == "" {
		return nil
	}
	_, err := s.dunning.WithTx(tx).Schedule(ctx, dunningdomain.ScheduleInput{
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		InvoiceID:      ev.InvoiceID,
		FailedAt:       failedAt(ev, now),
	})
	return err
}

// failedAt is when the processor saw the failure. Events without a time, or
// stamped ahead of the local clock, count from now.
func failedAt(ev domain.ProcessorEvent, now time.Time) time.Time {
	if ev.OccurredAt.IsZero() || ev.OccurredAt.After(now) {
		return now
	}
	return ev.OccurredAt.UTC()
}

func (s *Service) applyPaymentMethod(ctx context.Context, ev domain.ProcessorEvent) error {
	if ev.PaymentMethod == "" {
		return nil
	}
	now := s.clock.Now()
	var (
		rows int64
		err  error
	)
	if ev.Detached {
		rows, err = s.repo.ClearPaymentMethod(ctx, s.db, ev.PaymentMethod, now)
	} else if ev.CustomerID != "" {
		rows, err = s.repo.SetPaymentMethod(ctx, s.db, ev.CustomerID, ev.PaymentMethod, now)
	}
	if err != nil {
		return err
	}
	s.log.Debug("default payment method updated",
		zap.String("event_id", ev.EventID),
		zap.Bool("detached", ev.Detached),
		zap.Int64("subscriptions", rows),
	)
	return nil
}
