package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	dunningdomain "github.com/smallbiznis/billingcore/internal/dunning/domain"
	"github.com/smallbiznis/billingcore/internal/errs"
	gatewaydomain "github.com/smallbiznis/billingcore/internal/gateway/domain"
	"github.com/smallbiznis/billingcore/internal/observability/metrics"
	"github.com/smallbiznis/billingcore/internal/orgcontext"
	"github.com/smallbiznis/billingcore/internal/subscription/domain"
	pkgdb "github.com/smallbiznis/billingcore/pkg/db"
	"github.com/smallbiznis/billingcore/pkg/db/pagination"
	"github.com/smallbiznis/billingcore/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Policy      *config.BillingPolicyHolder
	Repo        domain.Repository
	Catalog     catalogdomain.Service
	Gateway     gatewaydomain.Service
	Dunning     dunningdomain.Service
	Rater       domain.PeriodRater `optional:"true"`
	Metrics     *metrics.Metrics   `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	policy      *config.BillingPolicyHolder
	repo        domain.Repository
	catalog     catalogdomain.Service
	gateway     gatewaydomain.Service
	dunning     dunningdomain.Service
	rater       domain.PeriodRater
	metrics     *metrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("subscription.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		policy:      p.Policy,
		repo:        p.Repo,
		catalog:     p.Catalog,
		gateway:     p.Gateway,
		dunning:     p.Dunning,
		rater:       p.Rater,
		metrics:     p.Metrics,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.CreateResult, error) {
	orgID, err := tenantForWrite(ctx, req.OrganizationID)
	if err != nil {
		return nil, err
	}
	if req.TrialDays != nil && *req.TrialDays < 0 {
		return nil, errs.Validation(domain.ErrInvalidRequest, "trial_days")
	}
	if req.BundleID != 0 {
		return s.createFromBundle(ctx, orgID, req)
	}
	if strings.TrimSpace(req.ProductCode) == "" {
		return nil, errs.Validation(domain.ErrInvalidRequest, "product_code")
	}
	if req.PlanID == 0 {
		return nil, errs.Validation(domain.ErrInvalidRequest, "plan_id")
	}

	product, err := s.catalog.GetProduct(ctx, req.ProductCode)
	if err != nil {
		return nil, err
	}
	plan, err := s.catalog.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if err := checkSubscribable(product, plan); err != nil {
		return nil, err
	}
	if !plan.AvailableStandalone {
		return nil, errs.Validation(domain.ErrPlanNotStandalone, "plan_id")
	}

	existing, err := s.repo.FindLive(ctx, s.db, orgID, product.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.PlanID != plan.ID {
			return nil, errs.Conflict(domain.ErrAlreadySubscribed)
		}
		return &domain.CreateResult{
			Subscriptions: []domain.Subscription{*existing},
			Pending:       existing.SyncStatus != domain.SyncSynced,
		}, nil
	}

	now := s.clock.Now()
	sub := s.newSubscription(orgID, product, plan, req.TrialDays, nil, now)
	if err := s.withTenantTx(ctx, orgID, func(tx *gorm.DB) error {
		return s.insert(ctx, tx, sub, now)
	}); err != nil {
		return nil, err
	}

	s.log.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("org_id", orgID.String()),
		zap.String("product", product.Code),
		zap.String("status", string(sub.Status)),
	)

	result := &domain.CreateResult{Created: true}
	pending := false
	if sub.Status != domain.StatusPendingApproval {
		synced, err := s.push(ctx, sub, plan)
		if err != nil {
			return nil, err
		}
		sub = synced
		pending = sub.SyncStatus != domain.SyncSynced
	}
	result.Subscriptions = []domain.Subscription{*sub}
	result.Pending = pending
	return result, nil
}

func (s *Service) createFromBundle(ctx context.Context, orgID snowflake.ID, req domain.CreateRequest) (*domain.CreateResult, error) {
	bundle, err := s.catalog.GetBundle(ctx, req.BundleID)
	if err != nil {
		return nil, err
	}
	if !bundle.Active {
		return nil, errs.Validation(domain.ErrInvalidRequest, "bundle_id")
	}
	quote, err := s.catalog.Preview(ctx, bundle.ID)
	if err != nil {
		return nil, err
	}

	type component struct {
		product *catalogdomain.Product
		plan    *catalogdomain.Plan
	}
	components := make([]component, 0, len(bundle.Components))
	for _, c := range bundle.Components {
		plan, err := s.catalog.GetPlan(ctx, c.PlanID)
		if err != nil {
			return nil, err
		}
		product, err := s.catalog.GetProductByID(ctx, c.ProductID)
		if err != nil {
			return nil, err
		}
		if err := checkSubscribable(product, plan); err != nil {
			return nil, err
		}
		live, err := s.repo.FindLive(ctx, s.db, orgID, product.ID)
		if err != nil {
			return nil, err
		}
		if live != nil {
			return nil, errs.Conflict(domain.ErrAlreadySubscribed)
		}
		components = append(components, component{product: product, plan: plan})
	}

	now := s.clock.Now()
	order := &domain.BundleOrder{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		BundleID:  bundle.ID,
		Subtotal:  quote.Subtotal,
		Discount:  quote.Discount,
		Total:     quote.Total,
		Currency:  quote.Currency,
		CreatedAt: now,
	}
	subs := make([]*domain.Subscription, 0, len(components))
	for _, c := range components {
		subs = append(subs, s.newSubscription(orgID, c.product, c.plan, req.TrialDays, &order.ID, now))
	}

	if err := s.withTenantTx(ctx, orgID, func(tx *gorm.DB) error {
		if err := s.repo.InsertBundleOrder(ctx, tx, order); err != nil {
			return err
		}
		for _, sub := range subs {
			if err := s.insert(ctx, tx, sub, now); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}

	s.log.Info("bundle subscriptions created",
		zap.String("bundle_order_id", order.ID.String()),
		zap.String("org_id", orgID.String()),
		zap.Int("subscriptions", len(subs)),
		zap.String("total", quote.Total.String()),
	)

	result := &domain.CreateResult{BundleOrder: order, Created: true}
	for i, sub := range subs {
		if sub.Status != domain.StatusPendingApproval {
			synced, err := s.push(ctx, sub, components[i].plan)
			if err != nil {
				return nil, err
			}
			sub = synced
			if sub.SyncStatus != domain.SyncSynced {
				result.Pending = true
			}
		}
		result.Subscriptions = append(result.Subscriptions, *sub)
	}
	return result, nil
}

func (s *Service) newSubscription(orgID snowflake.ID, product *catalogdomain.Product, plan *catalogdomain.Plan, trialOverride *int, orderID *snowflake.ID, now time.Time) *domain.Subscription {
	sub := &domain.Subscription{
		ID:            s.genID.Generate(),
		OrgID:         orgID,
		ProductID:     product.ID,
		PlanID:        plan.ID,
		BundleOrderID: orderID,
		AutoRenew:     true,
		SyncStatus:    domain.SyncPending,
		UsageLimit:    plan.UsageLimits.Clone(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if product.RequiresApproval {
		sub.Status = domain.StatusPendingApproval
		s.startPeriod(sub, plan, 0, now)
		return sub
	}
	s.startPeriod(sub, plan, s.trialDays(trialOverride, plan, product), now)
	return sub
}

// startPeriod opens the first period at now, as a trial when trialDays > 0.
func (s *Service) startPeriod(sub *domain.Subscription, plan *catalogdomain.Plan, trialDays int, now time.Time) {
	sub.CurrentPeriodStart = now
	if trialDays > 0 {
		trialEnd := now.AddDate(0, 0, trialDays)
		sub.TrialEnd = &trialEnd
		sub.CurrentPeriodEnd = trialEnd
		if sub.Status != domain.StatusPendingApproval {
			sub.Status = domain.StatusTrial
		}
	} else {
		sub.TrialEnd = nil
		sub.CurrentPeriodEnd = plan.BillingInterval.Advance(now)
		if sub.Status != domain.StatusPendingApproval {
			sub.Status = domain.StatusActive
		}
	}
	sub.NextBillingDate = sub.CurrentPeriodEnd
}

func (s *Service) trialDays(override *int, plan *catalogdomain.Plan, product *catalogdomain.Product) int {
	days := catalogdomain.EffectiveTrialDays(override, plan, product)
	if override == nil && plan.TrialDays == nil && product.TrialDays == 0 {
		days = s.policy.Get().DefaultTrialDays
	}
	return days
}

func (s *Service) insert(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, now time.Time) error {
	if err := s.repo.Insert(ctx, tx, sub); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return errs.Conflict(domain.ErrAlreadySubscribed)
		}
		return err
	}
	_, err := s.repo.InsertHistory(ctx, tx, &domain.StatusHistory{
		ID:             s.genID.Generate(),
		OrgID:          sub.OrgID,
		SubscriptionID: sub.ID,
		ToStatus:       sub.Status,
		Source:         domain.SourceAPI,
		EventID:        "create:" + sub.ID.String(),
		CreatedAt:      now,
	})
	return err
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Subscription, error) {
	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	usage, err := s.repo.SumUnbilledUsage(ctx, s.db, sub.ID, sub.CurrentPeriodEnd)
	if err != nil {
		return nil, err
	}
	sub.CurrentUsage = catalogdomain.Quantities(usage)
	return sub, nil
}

func (s *Service) List(ctx context.Context, req domain.ListRequest) (domain.ListResponse, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		return domain.ListResponse{}, errs.Validation(domain.ErrInvalidOrganization, "organization_id")
	}

	filter := domain.ListFilter{OrgID: orgID, Limit: req.Limit() + 1}
	if status := domain.Status(strings.TrimSpace(req.Status)); status != "" {
		if !status.Valid() {
			return domain.ListResponse{}, errs.Validation(domain.ErrInvalidRequest, "status")
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(req.ProductID); raw != "" {
		productID, err := snowflake.ParseString(raw)
		if err != nil {
			return domain.ListResponse{}, errs.Validation(domain.ErrInvalidRequest, "product_id")
		}
		filter.ProductID = productID
	}

	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return domain.ListResponse{}, errs.Validation(err, "page_token")
	}
	if cursor != nil {
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return domain.ListResponse{}, errs.Validation(pagination.ErrInvalidPageToken, "page_token")
		}
		cursorID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return domain.ListResponse{}, errs.Validation(pagination.ErrInvalidPageToken, "page_token")
		}
		filter.CursorCreatedAt = &createdAt
		filter.CursorID = cursorID
	}

	items, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return domain.ListResponse{}, err
	}
	page, info := pagination.BuildCursorPageInfo(items, req.Limit(), func(sub *domain.Subscription) pagination.Cursor {
		return pagination.Cursor{ID: sub.ID.String(), CreatedAt: sub.CreatedAt.UTC().Format(time.RFC3339Nano)}
	})

	resp := domain.ListResponse{Subscriptions: make([]domain.Subscription, 0, len(page))}
	for _, sub := range page {
		resp.Subscriptions = append(resp.Subscriptions, *sub)
	}
	if info != nil {
		resp.PageInfo = *info
	}
	return resp, nil
}

func (s *Service) History(ctx context.Context, id string) ([]domain.StatusHistory, error) {
	sub, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.repo.ListHistory(ctx, s.db, sub.ID)
}

// load resolves id within the caller's tenant. Operators see every tenant.
func (s *Service) load(ctx context.Context, id string) (*domain.Subscription, error) {
	orgID, err := tenantForRead(ctx)
	if err != nil {
		return nil, err
	}
	subID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || subID == 0 {
		return nil, errs.Validation(domain.ErrInvalidSubscription, "id")
	}
	sub, err := s.repo.FindByID(ctx, s.db, orgID, subID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, errs.NotFound(domain.ErrSubscriptionNotFound)
	}
	return sub, nil
}

func (s *Service) withTenantTx(ctx context.Context, orgID snowflake.ID, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := rls.WithTenant(tx, int64(orgID)); err != nil {
			return err
		}
		return fn(tx)
	})
}

func tenantForWrite(ctx context.Context, requested snowflake.ID) (snowflake.ID, error) {
	orgID, ok := orgcontext.OrgIDFromContext(ctx)
	if !ok {
		if requested != 0 && orgcontext.IsOperator(ctx) {
			return requested, nil
		}
		return 0, errs.Validation(domain.ErrInvalidOrganization, "organization_id")
	}
	if requested != 0 && requested != orgID {
		return 0, errs.Validation(domain.ErrInvalidOrganization, "organization_id")
	}
	return orgID, nil
}

// tenantForRead returns 0 for operators, meaning no tenant filter.
func tenantForRead(ctx context.Context) (snowflake.ID, error) {
	if orgID, ok := orgcontext.OrgIDFromContext(ctx); ok {
		return orgID, nil
	}
	if orgcontext.IsOperator(ctx) {
		return 0, nil
	}
	return 0, errs.Validation(domain.ErrInvalidOrganization, "organization_id")
}

func checkSubscribable(product *catalogdomain.Product, plan *catalogdomain.Plan) error {
	if !product.Status.Subscribable() {
		return errs.Validation(domain.ErrProductNotSubscribable, "product_code")
	}
	if plan.ProductID != product.ID {
		return errs.Validation(domain.ErrPlanProductMismatch, "plan_id")
	}
	if !plan.Active {
		return errs.Validation(domain.ErrPlanInactive, "plan_id")
	}
	return nil
}
