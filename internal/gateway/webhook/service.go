// Package webhook verifies, deduplicates and dispatches inbound processor events.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/errs"
	obsmetrics "github.com/smallbiznis/billingcore/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	stripego "github.com/stripe/stripe-go/v76"
	stripewebhook "github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const SignatureHeader = "Stripe-Signature"

const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrSecretMissing    = errors.New("webhook_secret_not_configured")
)

type Result struct {
	EventID       string `json:"event_id"`
	Type          string `json:"type"`
	Outcome       string `json:"outcome"`
	CorrelationID string `json:"correlation_id"`
}

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Cfg           config.Config
	Policy        *config.BillingPolicyHolder
	Repo          Repository
	Subscriptions subscriptiondomain.Service
	Metrics       *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	provider      string
	secret        string
	policy        *config.BillingPolicyHolder
	repo          Repository
	subscriptions subscriptiondomain.Service
	metrics       *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	provider := strings.ToLower(strings.TrimSpace(p.Cfg.Processor.Provider))
	if provider == "" {
		provider = "stripe"
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("gateway.webhook"),
		genID:         p.GenID,
		clock:         p.Clock,
		provider:      provider,
		secret:        p.Cfg.Processor.WebhookSecret,
		policy:        p.Policy,
		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		metrics:       p.Metrics,
	}
}

// Handle processes one delivery. A nil error means the event is durably
// processed and the processor may stop retrying it.
func (s *Service) Handle(ctx context.Context, payload []byte, signature string) (*Result, error) {
	correlationID := ulid.Make().String()
	log := s.log.With(zap.String("correlation_id", correlationID))

	if s.secret == "" {
		log.Error("webhook rejected, signing secret not configured")
		return nil, errs.Signature(ErrSecretMissing)
	}
	tolerance := s.policy.Get().WebhookTolerance
	if err := stripewebhook.ValidatePayloadWithTolerance(payload, signature, s.secret, tolerance); err != nil {
		log.Warn("security: webhook signature verification failed",
			zap.String("provider", s.provider),
			zap.Int("payload_bytes", len(payload)),
			zap.Error(err),
		)
		s.metrics.RecordWebhookEvent(ctx, s.provider, "", OutcomeRejected)
		return nil, errs.Signature(ErrInvalidSignature)
	}

	var raw stripego.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errs.Validation(fmt.Errorf("%w: %v", ErrInvalidPayload, err), "body")
	}
	ev, err := Parse(raw)
	if err != nil {
		return nil, errs.Validation(err, "body")
	}
	meta := ev.meta()
	result := &Result{EventID: meta.ID, Type: meta.Type, CorrelationID: correlationID}
	log = log.With(zap.String("event_id", meta.ID), zap.String("event_type", meta.Type))

	now := s.clock.Now().UTC()
	record := &ProcessedEvent{
		ID:         s.genID.Generate(),
		Provider:   s.provider,
		EventID:    meta.ID,
		EventType:  meta.Type,
		Payload:    datatypes.JSON(payload),
		ReceivedAt: now,
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		stored, err := s.repo.FindEvent(ctx, s.db, s.provider, meta.ID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, fmt.Errorf("processor event %s vanished after conflict", meta.ID)
		}
		if stored.ProcessedAt != nil {
			log.Debug("duplicate webhook delivery skipped")
			s.metrics.RecordWebhookEvent(ctx, s.provider, meta.Type, OutcomeDuplicate)
			result.Outcome = OutcomeDuplicate
			return result, nil
		}
		record = stored
	}

	outcome, err := s.dispatch(ctx, ev)
	if err != nil {
		log.Error("webhook dispatch failed", zap.Error(err))
		s.metrics.RecordWebhookEvent(ctx, s.provider, meta.Type, OutcomeFailed)
		return nil, err
	}

	if err := s.repo.MarkProcessed(ctx, s.db, record.ID, s.clock.Now().UTC()); err != nil {
		return nil, err
	}
	s.metrics.RecordWebhookEvent(ctx, s.provider, meta.Type, outcome)
	log.Info("webhook processed", zap.String("outcome", outcome))
	result.Outcome = outcome
	return result, nil
}

func (s *Service) dispatch(ctx context.Context, ev Event) (string, error) {
	pe, ok := toProcessorEvent(ev)
	if !ok {
		return OutcomeIgnored, nil
	}
	sub, err := s.subscriptions.ApplyProcessorEvent(ctx, pe)
	if err != nil {
		return "", err
	}
	if sub == nil && pe.Kind != subscriptiondomain.EventPaymentMethodChanged {
		return OutcomeIgnored, nil
	}
	return OutcomeProcessed, nil
}

// toProcessorEvent reports false for variants without a lifecycle effect.
func toProcessorEvent(ev Event) (subscriptiondomain.ProcessorEvent, bool) {
	meta := ev.meta()
	out := subscriptiondomain.ProcessorEvent{EventID: meta.ID, OccurredAt: meta.OccurredAt}

	switch e := ev.(type) {
	case SubscriptionSynced:
		out.Kind = subscriptiondomain.EventSubscriptionSynced
		out.ProcessorSubscriptionID = e.ProcessorSubscriptionID
		out.SubscriptionID = e.SubscriptionID
		out.CustomerID = e.CustomerID
		out.Status = e.Status
		out.CurrentPeriodStart = e.CurrentPeriodStart
		out.CurrentPeriodEnd = e.CurrentPeriodEnd
		out.CancelAtPeriodEnd = e.CancelAtPeriodEnd
		out.TrialEnd = e.TrialEnd
	case SubscriptionDeleted:
		out.Kind = subscriptiondomain.EventSubscriptionDeleted
		out.ProcessorSubscriptionID = e.ProcessorSubscriptionID
		out.SubscriptionID = e.SubscriptionID
		out.Reason = e.Reason
	case PaymentSucceeded:
		out.Kind = subscriptiondomain.EventPaymentSucceeded
		out.ProcessorSubscriptionID = e.ProcessorSubscriptionID
		out.CustomerID = e.CustomerID
		out.InvoiceID = e.InvoiceID
	case PaymentFailed:
		out.Kind = subscriptiondomain.EventPaymentFailed
		out.ProcessorSubscriptionID = e.ProcessorSubscriptionID
		out.CustomerID = e.CustomerID
		out.InvoiceID = e.InvoiceID
	case PaymentMethodChanged:
		out.Kind = subscriptiondomain.EventPaymentMethodChanged
		out.PaymentMethod = e.PaymentMethodID
		out.CustomerID = e.CustomerID
		out.Detached = e.Detached
	case Unhandled:
		return out, false
	default:
		panic(fmt.Sprintf("webhook: unhandled event variant %T", ev))
	}
	return out, true
}
