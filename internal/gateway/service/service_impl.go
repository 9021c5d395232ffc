package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/errs"
	"github.com/smallbiznis/billingcore/internal/gateway/domain"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// claimLease hides claimed operations from other runners while they execute.
const claimLease = 5 * time.Minute

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Policy    *config.BillingPolicyHolder
	Repo      domain.Repository
	Processor domain.Processor
	Metrics   *metrics.Metrics `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	policy    *config.BillingPolicyHolder
	repo      domain.Repository
	processor domain.Processor
	metrics   *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("gateway.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		policy:    p.Policy,
		repo:      p.Repo,
		processor: p.Processor,
		metrics:   p.Metrics,
	}
}

func (s *Service) Provider() string {
	return s.processor.Name()
}

func (s *Service) EnsureCustomer(ctx context.Context, orgID snowflake.ID) (string, *domain.Outcome, error) {
	provider := s.processor.Name()
	existing, err := s.repo.FindCustomer(ctx, s.db, orgID, provider)
	if err != nil {
		return "", nil, err
	}
	if existing != nil {
		return existing.ProcessorCustomerID, nil, nil
	}

	key := domain.Token(orgID, 0, domain.OpCreateCustomer, provider)
	outcome, err := s.submit(ctx, domain.OpCreateCustomer, orgID, nil, key, domain.CreateCustomerPayload(orgID))
	if err != nil {
		return "", nil, err
	}
	if !outcome.Succeeded() {
		return "", outcome, nil
	}

	stored, err := s.repo.FindCustomer(ctx, s.db, orgID, provider)
	if err != nil {
		return "", nil, err
	}
	if stored == nil {
		return outcome.ExternalID, outcome, nil
	}
	return stored.ProcessorCustomerID, outcome, nil
}

func (s *Service) CreateSubscription(ctx context.Context, cmd domain.CreateSubscriptionCommand) (*domain.Outcome, error) {
	key := domain.Token(cmd.OrgID, cmd.ProductID, domain.OpCreateSubscription, cmd.PeriodStart.UTC().Format(time.RFC3339))
	return s.submit(ctx, domain.OpCreateSubscription, cmd.OrgID, &cmd.SubscriptionID, key, cmd)
}

func (s *Service) UpdateSubscription(ctx context.Context, cmd domain.UpdateSubscriptionCommand) (*domain.Outcome, error) {
	if cmd.ProcessorSubscriptionID == "" {
		return nil, errs.Validation(domain.ErrMissingProcessorRef, "processor_subscription_id")
	}
	key := domain.Token(cmd.OrgID, cmd.ProductID, domain.OpUpdateSubscription, cmd.Scope)
	return s.submit(ctx, domain.OpUpdateSubscription, cmd.OrgID, &cmd.SubscriptionID, key, cmd)
}

func (s *Service) CancelSubscription(ctx context.Context, cmd domain.CancelSubscriptionCommand) (*domain.Outcome, error) {
	if cmd.ProcessorSubscriptionID == "" {
		return nil, errs.Validation(domain.ErrMissingProcessorRef, "processor_subscription_id")
	}
	key := domain.Token(cmd.OrgID, cmd.ProductID, domain.OpCancelSubscription, cmd.Scope)
	return s.submit(ctx, domain.OpCancelSubscription, cmd.OrgID, &cmd.SubscriptionID, key, cmd)
}

func (s *Service) ReactivateSubscription(ctx context.Context, cmd domain.ReactivateSubscriptionCommand) (*domain.Outcome, error) {
	if cmd.ProcessorSubscriptionID == "" {
		return nil, errs.Validation(domain.ErrMissingProcessorRef, "processor_subscription_id")
	}
	key := domain.Token(cmd.OrgID, cmd.ProductID, domain.OpReactivateSubscription, cmd.Scope)
	return s.submit(ctx, domain.OpReactivateSubscription, cmd.OrgID, &cmd.SubscriptionID, key, cmd)
}

func (s *Service) CreateCharge(ctx context.Context, cmd domain.CreateChargeCommand) (*domain.Outcome, error) {
	if cmd.CustomerID == "" {
		return nil, errs.Validation(domain.ErrMissingProcessorRef, "customer_id")
	}
	period := cmd.PeriodStart.UTC().Format(time.RFC3339) + "/" + cmd.ChargeID.String()
	key := domain.Token(cmd.OrgID, cmd.ProductID, domain.OpCreateCharge, period)
	return s.submit(ctx, domain.OpCreateCharge, cmd.OrgID, &cmd.SubscriptionID, key, cmd)
}

func (s *Service) RetryPayment(ctx context.Context, cmd domain.RetryPaymentCommand) (*domain.Outcome, error) {
	if cmd.InvoiceID == "" {
		return nil, errs.Validation(domain.ErrMissingProcessorRef, "invoice_id")
	}
	period := fmt.Sprintf("%s/%d", cmd.InvoiceID, cmd.Attempt)
	key := domain.Token(cmd.OrgID, cmd.ProductID, domain.OpRetryPayment, period)
	return s.submit(ctx, domain.OpRetryPayment, cmd.OrgID, &cmd.SubscriptionID, key, cmd)
}

func (s *Service) GetOperation(ctx context.Context, id snowflake.ID) (*domain.Operation, error) {
	op, err := s.repo.FindOperationByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if op == nil {
		return nil, errs.NotFound(domain.ErrOperationNotFound)
	}
	return op, nil
}

func (s *Service) ListFailed(ctx context.Context, limit int) ([]domain.Operation, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListFailed(ctx, s.db, limit)
}

func (s *Service) Retry(ctx context.Context, id snowflake.ID) (*domain.Outcome, error) {
	op, err := s.GetOperation(ctx, id)
	if err != nil {
		return nil, err
	}
	if op.Status == domain.OperationSucceeded {
		return nil, errs.Conflict(domain.ErrOperationSucceeded)
	}
	s.log.Info("operator retry",
		zap.String("operation_id", op.ID.String()),
		zap.String("operation", string(op.Operation)),
		zap.Int("attempts", op.Attempts),
	)
	return s.run(ctx, op)
}

func (s *Service) RetryDue(ctx context.Context, now time.Time, limit int) ([]*domain.Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	policy := s.policy.Get().Gateway
	ops, err := s.repo.ClaimDue(ctx, s.db, now, policy.MaxQueueAttempts, limit, claimLease)
	if err != nil {
		return nil, err
	}

	outcomes := make([]*domain.Outcome, 0, len(ops))
	var errsOut []error
	for i := range ops {
		outcome, err := s.run(ctx, &ops[i])
		if err != nil {
			errsOut = append(errsOut, err)
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, errors.Join(errsOut...)
}

// submit records the command under key and runs it, unless a previous
// submission under the same key already succeeded.
func (s *Service) submit(ctx context.Context, kind domain.OperationKind, orgID snowflake.ID, subscriptionID *snowflake.ID, key string, payload any) (*domain.Outcome, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	next := now.Add(s.policy.Get().Gateway.RetryDelay)
	op := &domain.Operation{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		SubscriptionID: subscriptionID,
		IdempotencyKey: key,
		Operation:      kind,
		Payload:        datatypes.JSON(raw),
		Status:         domain.OperationPending,
		NextAttemptAt:  &next,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	inserted, err := s.repo.InsertOperation(ctx, s.db, op)
	if err != nil {
		return nil, err
	}
	if !inserted {
		existing, err := s.repo.FindOperationByKey(ctx, s.db, key)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, errs.NotFound(domain.ErrOperationNotFound)
		}
		if existing.Status == domain.OperationSucceeded {
			outcome := &domain.Outcome{Operation: existing}
			if err := decodeResult(existing, outcome); err != nil {
				return nil, err
			}
			return outcome, nil
		}
		op = existing
	}
	return s.run(ctx, op)
}

// run executes op with bounded per-attempt timeouts and exponential backoff,
// then persists the result.
func (s *Service) run(ctx context.Context, op *domain.Operation) (*domain.Outcome, error) {
	policy := s.policy.Get().Gateway

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.BaseBackoff
	eb.MaxInterval = policy.MaxBackoff
	eb.Multiplier = 2

	attempts := 0
	result, err := backoff.Retry(ctx, func() (json.RawMessage, error) {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		defer cancel()

		out, err := s.dispatch(callCtx, op)
		switch {
		case err == nil:
			s.metrics.RecordGatewayCall(ctx, string(op.Operation), "succeeded")
			return out, nil
		case errors.Is(err, errs.ErrTransientGateway):
			s.metrics.RecordGatewayCall(ctx, string(op.Operation), "transient")
			return nil, err
		case callCtx.Err() != nil:
			s.metrics.RecordGatewayCall(ctx, string(op.Operation), "timeout")
			return nil, errs.Transient(fmt.Errorf("%w: %v", domain.ErrProcessorTimeout, err))
		default:
			s.metrics.RecordGatewayCall(ctx, string(op.Operation), "rejected")
			return nil, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(uint(policy.MaxAttempts)))

	// The outcome is stored even when the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	now := s.clock.Now()
	op.Attempts += attempts
	op.UpdatedAt = now
	outcome := &domain.Outcome{Operation: op}

	switch {
	case err == nil:
		op.Status = domain.OperationSucceeded
		op.Result = datatypes.JSON(result)
		op.LastError = ""
		op.NextAttemptAt = nil
		if err := decodeResult(op, outcome); err != nil {
			return nil, err
		}
	case errors.Is(err, errs.ErrTransientGateway) || ctx.Err() != nil:
		op.Status = domain.OperationFailed
		op.LastError = err.Error()
		op.NextAttemptAt = nil
		if op.Attempts < policy.MaxQueueAttempts {
			next := now.Add(policy.RetryDelay)
			op.NextAttemptAt = &next
		}
		outcome.Pending = true
		outcome.Err = errs.Transient(err)
		s.log.Warn("processor call deferred",
			zap.String("operation", string(op.Operation)),
			zap.String("operation_id", op.ID.String()),
			zap.Int("attempts", op.Attempts),
			zap.Error(err),
		)
	default:
		op.Status = domain.OperationFailed
		op.LastError = err.Error()
		op.NextAttemptAt = nil
		outcome.Failed = true
		outcome.Err = err
		s.log.Error("processor rejected command",
			zap.String("operation", string(op.Operation)),
			zap.String("operation_id", op.ID.String()),
			zap.Error(err),
		)
	}

	if err := s.repo.UpdateOperation(persistCtx, s.db, op); err != nil {
		return nil, err
	}
	if outcome.Succeeded() {
		if err := s.afterSuccess(persistCtx, op, outcome); err != nil {
			return nil, err
		}
	}
	return outcome, nil
}

func (s *Service) afterSuccess(ctx context.Context, op *domain.Operation, outcome *domain.Outcome) error {
	if op.Operation != domain.OpCreateCustomer || outcome.ExternalID == "" {
		return nil
	}
	return s.repo.InsertCustomer(ctx, s.db, &domain.ProcessorCustomer{
		OrgID:               op.OrgID,
		Provider:            s.processor.Name(),
		ProcessorCustomerID: outcome.ExternalID,
		CreatedAt:           s.clock.Now(),
	})
}

type externalRef struct {
	ID string `json:"id"`
}

func (s *Service) dispatch(ctx context.Context, op *domain.Operation) (json.RawMessage, error) {
	key := op.IdempotencyKey
	switch op.Operation {
	case domain.OpCreateCustomer:
		var cmd struct {
			OrgID snowflake.ID `json:"org_id"`
		}
		if err := json.Unmarshal(op.Payload, &cmd); err != nil {
			return nil, err
		}
		id, err := s.processor.CreateCustomer(ctx, key, domain.CustomerInput{
			OrgID:    cmd.OrgID.String(),
			Metadata: map[string]string{"org_id": cmd.OrgID.String()},
		})
		return marshalResult(externalRef{ID: id}, err)

	case domain.OpCreateSubscription:
		var cmd domain.CreateSubscriptionCommand
		if err := json.Unmarshal(op.Payload, &cmd); err != nil {
			return nil, err
		}
		sub, err := s.processor.CreateSubscription(ctx, key, domain.SubscriptionInput{
			CustomerID: cmd.CustomerID,
			PriceID:    cmd.PriceID,
			TrialEnd:   cmd.TrialEnd,
			Metadata: map[string]string{
				"org_id":          cmd.OrgID.String(),
				"subscription_id": cmd.SubscriptionID.String(),
			},
		})
		return marshalResult(sub, err)

	case domain.OpUpdateSubscription:
		var cmd domain.UpdateSubscriptionCommand
		if err := json.Unmarshal(op.Payload, &cmd); err != nil {
			return nil, err
		}
		sub, err := s.processor.UpdateSubscription(ctx, key, cmd.ProcessorSubscriptionID, cmd.PriceID)
		return marshalResult(sub, err)

	case domain.OpCancelSubscription:
		var cmd domain.CancelSubscriptionCommand
		if err := json.Unmarshal(op.Payload, &cmd); err != nil {
			return nil, err
		}
		sub, err := s.processor.CancelSubscription(ctx, key, cmd.ProcessorSubscriptionID, cmd.AtPeriodEnd)
		return marshalResult(sub, err)

	case domain.OpReactivateSubscription:
		var cmd domain.ReactivateSubscriptionCommand
		if err := json.Unmarshal(op.Payload, &cmd); err != nil {
			return nil, err
		}
		sub, err := s.processor.ReactivateSubscription(ctx, key, cmd.ProcessorSubscriptionID)
		return marshalResult(sub, err)

	case domain.OpCreateCharge:
		var cmd domain.CreateChargeCommand
		if err := json.Unmarshal(op.Payload, &cmd); err != nil {
			return nil, err
		}
		id, err := s.processor.CreateInvoiceItem(ctx, key, domain.InvoiceItemInput{
			CustomerID:              cmd.CustomerID,
			ProcessorSubscriptionID: cmd.ProcessorSubscriptionID,
			Amount:                  cmd.Amount,
			Currency:                cmd.Currency,
			Description:             cmd.Description,
			Metadata: map[string]string{
				"org_id":    cmd.OrgID.String(),
				"charge_id": cmd.ChargeID.String(),
			},
		})
		return marshalResult(externalRef{ID: id}, err)

	case domain.OpRetryPayment:
		var cmd domain.RetryPaymentCommand
		if err := json.Unmarshal(op.Payload, &cmd); err != nil {
			return nil, err
		}
		err := s.processor.PayInvoice(ctx, key, cmd.InvoiceID)
		return marshalResult(externalRef{ID: cmd.InvoiceID}, err)
	}
	return nil, domain.ErrUnknownOperation
}

func marshalResult(v any, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func decodeResult(op *domain.Operation, outcome *domain.Outcome) error {
	if len(op.Result) == 0 {
		return nil
	}
	switch op.Operation {
	case domain.OpCreateSubscription, domain.OpUpdateSubscription, domain.OpCancelSubscription, domain.OpReactivateSubscription:
		var sub domain.ProcessorSubscription
		if err := json.Unmarshal(op.Result, &sub); err != nil {
			return err
		}
		outcome.Subscription = &sub
		outcome.ExternalID = sub.ID
	default:
		var ref externalRef
		if err := json.Unmarshal(op.Result, &ref); err != nil {
			return err
		}
		outcome.ExternalID = ref.ID
	}
	return nil
}
