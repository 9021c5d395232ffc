package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/dunning/domain"
	"github.com/smallbiznis/billingcore/internal/errs"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// claimLease keeps claimed attempts away from other runners while a retry is in flight.
const claimLease = 15 * time.Minute

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Policy *config.BillingPolicyHolder
	Repo   domain.Repository
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	genID  *snowflake.Node
	clock  clock.Clock
	policy *config.BillingPolicyHolder
	repo   domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("dunning.service"),
		genID:  p.GenID,
		clock:  p.Clock,
		policy: p.Policy,
		repo:   p.Repo,
	}
}

func (s *Service) WithTx(tx *gorm.DB) domain.Service {
	bound := *s
	bound.db = tx
	return &bound
}

func (s *Service) Schedule(ctx context.Context, input domain.ScheduleInput) ([]domain.Attempt, error) {
	invoiceID := strings.TrimSpace(input.InvoiceID)
	if invoiceID == "" {
		return nil, errs.Validation(domain.ErrMissingInvoice, "invoice_id")
	}
	failedAt := input.FailedAt
	if failedAt.IsZero() {
		failedAt = s.clock.Now()
	}

	attempts := domain.PlanAttempts(s.genID, input.OrgID, input.SubscriptionID, invoiceID, failedAt.UTC(), s.policy.Get().DunningOffsetsDays)
	inserted, err := s.repo.Insert(ctx, s.db, attempts)
	if err != nil {
		return nil, err
	}
	if inserted > 0 {
		s.log.Info("dunning scheduled",
			zap.String("subscription_id", input.SubscriptionID.String()),
			zap.String("invoice_id", invoiceID),
			zap.Int64("attempts", inserted),
		)
	}
	return s.repo.ListBySubscription(ctx, s.db, input.SubscriptionID)
}

func (s *Service) Due(ctx context.Context, now time.Time, limit int) ([]domain.Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ClaimDue(ctx, s.db, now, limit, claimLease)
}

func (s *Service) Record(ctx context.Context, id snowflake.ID, retryErr error) error {
	status := domain.StatusSucceeded
	lastError := ""
	if retryErr != nil {
		status = domain.StatusFailed
		lastError = retryErr.Error()
	}
	return s.repo.MarkResult(ctx, s.db, id, status, lastError, s.clock.Now())
}

func (s *Service) Cancel(ctx context.Context, subscriptionID snowflake.ID) (int64, error) {
	return s.repo.CloseScheduled(ctx, s.db, subscriptionID, domain.StatusCancelled, s.clock.Now())
}

func (s *Service) Resolve(ctx context.Context, subscriptionID snowflake.ID) (int64, error) {
	return s.repo.CloseScheduled(ctx, s.db, subscriptionID, domain.StatusSucceeded, s.clock.Now())
}

func (s *Service) List(ctx context.Context, subscriptionID snowflake.ID) ([]domain.Attempt, error) {
	return s.repo.ListBySubscription(ctx, s.db, subscriptionID)
}
