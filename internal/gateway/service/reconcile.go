package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/billingcore/internal/errs"
	"github.com/smallbiznis/billingcore/internal/gateway/domain"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"go.uber.org/zap"
)

func (s *Service) Reconcile(ctx context.Context, in domain.ReconcileInput) ([]domain.Drift, error) {
	if in.ProcessorSubscriptionID == "" {
		return nil, errs.Validation(domain.ErrMissingProcessorRef, "processor_subscription_id")
	}
	remote, err := s.fetchSubscription(ctx, in.ProcessorSubscriptionID)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	var drifts []domain.Drift
	compare := func(field, local, processor string) {
		if local == processor {
			return
		}
		drifts = append(drifts, domain.Drift{
			ID:             s.genID.Generate(),
			OrgID:          in.OrgID,
			SubscriptionID: in.SubscriptionID,
			Field:          field,
			LocalValue:     local,
			ProcessorValue: processor,
			DetectedAt:     now,
		})
	}

	remoteStatus := remote.Status
	if mapped, ok := subscriptiondomain.MapProcessorStatus(remote.Status); ok {
		remoteStatus = string(mapped)
	}
	compare("status", in.LocalStatus, remoteStatus)
	compare("current_period_end", formatPeriod(in.LocalPeriodEnd), formatPeriod(remote.CurrentPeriodEnd))
	compare("cancel_at_period_end", strconv.FormatBool(in.LocalCancelAtPeriodEnd), strconv.FormatBool(remote.CancelAtPeriodEnd))

	for i := range drifts {
		inserted, err := s.repo.InsertDrift(ctx, s.db, &drifts[i])
		if err != nil {
			return nil, err
		}
		if inserted {
			s.log.Warn("reconciliation drift",
				zap.String("subscription_id", in.SubscriptionID.String()),
				zap.String("field", drifts[i].Field),
				zap.String("local", drifts[i].LocalValue),
				zap.String("processor", drifts[i].ProcessorValue),
			)
		}
	}
	return drifts, nil
}

func (s *Service) fetchSubscription(ctx context.Context, processorSubscriptionID string) (*domain.ProcessorSubscription, error) {
	policy := s.policy.Get().Gateway
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.BaseBackoff
	eb.MaxInterval = policy.MaxBackoff

	sub, err := backoff.Retry(ctx, func() (*domain.ProcessorSubscription, error) {
		callCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
		sub, err := s.processor.GetSubscription(callCtx, processorSubscriptionID)
		switch {
		case err == nil:
			return sub, nil
		case errors.Is(err, errs.ErrTransientGateway):
			return nil, err
		case callCtx.Err() != nil:
			return nil, errs.Transient(fmt.Errorf("%w: %v", domain.ErrProcessorTimeout, err))
		default:
			return nil, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(policy.MaxAttempts)))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errs.Transient(err)
		}
		return nil, err
	}
	return sub, nil
}

func formatPeriod(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
