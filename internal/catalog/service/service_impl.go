package service

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/billingcore/internal/cache"
	"github.com/smallbiznis/billingcore/internal/catalog/domain"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/errs"
	"github.com/smallbiznis/billingcore/internal/pricing"
	"github.com/smallbiznis/billingcore/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     domain.Repository
	genID    *snowflake.Node
	clock    clock.Clock
	validate *validator.Validate

	products *cache.Cache[domain.Product]
	plans    *cache.Cache[domain.Plan]
	bundles  *cache.Cache[domain.Bundle]
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("catalog.service"),
		repo:     p.Repo,
		genID:    p.GenID,
		clock:    p.Clock,
		validate: newValidator(),
		products: cache.New[domain.Product](cache.DefaultMaxEntries, cache.DefaultTTL),
		plans:    cache.New[domain.Plan](cache.DefaultMaxEntries, cache.DefaultTTL),
		bundles:  cache.New[domain.Bundle](cache.DefaultMaxEntries, cache.DefaultTTL),
	}
}

func (s *Service) CreateProduct(ctx context.Context, req domain.CreateProductRequest) (*domain.Product, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	code := slug.Make(req.Code)
	if code == "" {
		return nil, errs.Validation(domain.ErrInvalidCode, "code")
	}
	status := domain.ProductStatus(req.Status)
	if status == "" {
		status = domain.ProductActive
	}

	now := s.clock.Now()
	product := &domain.Product{
		ID:               s.genID.Generate(),
		Code:             code,
		Name:             strings.TrimSpace(req.Name),
		Description:      strings.TrimSpace(req.Description),
		Category:         strings.TrimSpace(req.Category),
		BillingType:      domain.BillingType(req.BillingType),
		Status:           status,
		RequiresApproval: req.RequiresApproval,
		TrialDays:        req.TrialDays,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.InsertProduct(ctx, s.db, product); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, errs.Conflict(domain.ErrDuplicateCode)
		}
		return nil, err
	}
	s.products.Invalidate(cache.Key("product", code))

	s.log.Info("product created",
		zap.String("code", product.Code),
		zap.String("product_id", product.ID.String()),
		zap.String("billing_type", string(product.BillingType)),
	)
	return product, nil
}

func (s *Service) GetProduct(ctx context.Context, code string) (*domain.Product, error) {
	code = slug.Make(code)
	if code == "" {
		return nil, errs.Validation(domain.ErrInvalidCode, "product_code")
	}
	product, err := s.products.GetOrLoad(ctx, cache.Key("product", code), func(ctx context.Context) (domain.Product, error) {
		item, err := s.repo.FindProductByCode(ctx, s.db, code)
		if err != nil {
			return domain.Product{}, err
		}
		if item == nil {
			return domain.Product{}, errs.NotFound(domain.ErrProductNotFound)
		}
		return *item, nil
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Service) GetProductByID(ctx context.Context, id snowflake.ID) (*domain.Product, error) {
	product, err := s.products.GetOrLoad(ctx, cache.Key("product_id", id.String()), func(ctx context.Context) (domain.Product, error) {
		item, err := s.repo.FindProductByID(ctx, s.db, id)
		if err != nil {
			return domain.Product{}, err
		}
		if item == nil {
			return domain.Product{}, errs.NotFound(domain.ErrProductNotFound)
		}
		return *item, nil
	})
	if err != nil {
		return nil, err
	}
	return &product, nil
}

func (s *Service) ListProducts(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	filter.Category = strings.TrimSpace(filter.Category)
	return s.repo.ListProducts(ctx, s.db, filter)
}

func (s *Service) CreatePlan(ctx context.Context, productCode string, req domain.CreatePlanRequest) (*domain.Plan, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	product, err := s.GetProduct(ctx, productCode)
	if err != nil {
		return nil, err
	}
	if req.Price.IsNegative() {
		return nil, errs.Validation(domain.ErrNegativePrice, "price")
	}
	code := slug.Make(req.Code)
	if code == "" {
		return nil, errs.Validation(domain.ErrInvalidCode, "code")
	}

	limits := domain.Quantities(req.UsageLimits).Clone()
	rates := domain.Rates{}
	for metric, rate := range req.OverageRates {
		if !limits.Has(metric) {
			return nil, errs.Validation(domain.ErrOverageRateUnknown, "overage_rates."+metric)
		}
		if rate.IsNegative() {
			return nil, errs.Validation(domain.ErrNegativePrice, "overage_rates."+metric)
		}
		rates[metric] = rate
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	now := s.clock.Now()
	plan := &domain.Plan{
		ID:                  s.genID.Generate(),
		ProductID:           product.ID,
		Code:                code,
		Name:                strings.TrimSpace(req.Name),
		Price:               pricing.Round(req.Price, currency),
		Currency:            currency,
		BillingInterval:     domain.BillingInterval(req.BillingInterval),
		UsageLimits:         limits,
		OverageRates:        rates,
		TrialDays:           req.TrialDays,
		AvailableStandalone: boolOr(req.AvailableStandalone, true),
		AllowedInBundle:     boolOr(req.AllowedInBundle, true),
		ProcessorPriceID:    strings.TrimSpace(req.ProcessorPriceID),
		Active:              true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.repo.InsertPlan(ctx, s.db, plan); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, errs.Conflict(domain.ErrDuplicateCode)
		}
		return nil, err
	}

	s.log.Info("plan created",
		zap.String("product_code", product.Code),
		zap.String("plan_id", plan.ID.String()),
		zap.String("price", plan.Price.String()),
		zap.String("currency", plan.Currency),
	)
	return plan, nil
}

func (s *Service) GetPlan(ctx context.Context, id snowflake.ID) (*domain.Plan, error) {
	if id == 0 {
		return nil, errs.Validation(domain.ErrPlanNotFound, "plan_id")
	}
	plan, err := s.plans.GetOrLoad(ctx, cache.Key("plan", id.String()), func(ctx context.Context) (domain.Plan, error) {
		item, err := s.repo.FindPlanByID(ctx, s.db, id)
		if err != nil {
			return domain.Plan{}, err
		}
		if item == nil {
			return domain.Plan{}, errs.NotFound(domain.ErrPlanNotFound)
		}
		return *item, nil
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *Service) ListPlans(ctx context.Context, productCode string) ([]domain.Plan, error) {
	product, err := s.GetProduct(ctx, productCode)
	if err != nil {
		return nil, err
	}
	return s.repo.ListPlans(ctx, s.db, product.ID, true)
}

func (s *Service) CreateBundle(ctx context.Context, req domain.CreateBundleRequest) (*domain.Bundle, error) {
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	code := slug.Make(req.Code)
	if code == "" {
		return nil, errs.Validation(domain.ErrInvalidCode, "code")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	interval := domain.BillingInterval(req.BillingInterval)

	planIDs := make([]snowflake.ID, 0, len(req.Components))
	for _, c := range req.Components {
		planIDs = append(planIDs, c.PlanID)
	}
	plans, err := s.repo.FindPlansByIDs(ctx, s.db, planIDs)
	if err != nil {
		return nil, err
	}
	planByID := make(map[snowflake.ID]domain.Plan, len(plans))
	for _, p := range plans {
		planByID[p.ID] = p
	}

	seen := make(map[snowflake.ID]struct{}, len(req.Components))
	components := make([]domain.BundleComponent, 0, len(req.Components))
	for i, c := range req.Components {
		plan, ok := planByID[c.PlanID]
		if !ok {
			return nil, errs.Validation(domain.ErrPlanNotFound, "components.plan_id")
		}
		if err := checkBundlePlan(plan, currency, interval); err != nil {
			return nil, err
		}
		if _, dup := seen[plan.ProductID]; dup {
			return nil, errs.Validation(domain.ErrDuplicateProduct, "components")
		}
		seen[plan.ProductID] = struct{}{}

		sortOrder := c.SortOrder
		if sortOrder == 0 {
			sortOrder = i + 1
		}
		components = append(components, domain.BundleComponent{
			ProductID: plan.ProductID,
			PlanID:    plan.ID,
			Required:  boolOr(c.Required, true),
			SortOrder: sortOrder,
		})
	}

	now := s.clock.Now()
	bundle := &domain.Bundle{
		ID:              s.genID.Generate(),
		Code:            code,
		Name:            strings.TrimSpace(req.Name),
		Description:     strings.TrimSpace(req.Description),
		DiscountType:    req.DiscountType,
		DiscountValue:   req.DiscountValue,
		IncludedSeats:   req.IncludedSeats,
		Currency:        currency,
		BillingInterval: interval,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
		Components:      components,
	}
	// The discount policy must price cleanly before the bundle is stored.
	if _, err := pricing.Price(toPricingBundle(bundle, planByID)); err != nil {
		return nil, err
	}

	if err := s.repo.InsertBundle(ctx, s.db, bundle); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, errs.Conflict(domain.ErrDuplicateCode)
		}
		return nil, err
	}

	s.log.Info("bundle created",
		zap.String("code", bundle.Code),
		zap.String("bundle_id", bundle.ID.String()),
		zap.Int("components", len(bundle.Components)),
	)
	return bundle, nil
}

func checkBundlePlan(plan domain.Plan, currency string, interval domain.BillingInterval) error {
	if !plan.AllowedInBundle || !plan.Active {
		return errs.Validation(domain.ErrPlanNotBundleEligible, "components.plan_id")
	}
	if !strings.EqualFold(plan.Currency, currency) {
		return errs.Validation(domain.ErrPlanCurrencyMismatch, "components.plan_id")
	}
	if plan.BillingInterval != interval {
		return errs.Validation(domain.ErrPlanIntervalMismatch, "components.plan_id")
	}
	return nil
}

func (s *Service) GetBundle(ctx context.Context, id snowflake.ID) (*domain.Bundle, error) {
	bundle, err := s.bundles.GetOrLoad(ctx, cache.Key("bundle", id.String()), func(ctx context.Context) (domain.Bundle, error) {
		item, err := s.repo.FindBundleByID(ctx, s.db, id)
		if err != nil {
			return domain.Bundle{}, err
		}
		if item == nil {
			return domain.Bundle{}, errs.NotFound(domain.ErrBundleNotFound)
		}
		return *item, nil
	})
	if err != nil {
		return nil, err
	}
	return &bundle, nil
}

func (s *Service) ListBundles(ctx context.Context) ([]domain.Bundle, error) {
	return s.repo.ListBundles(ctx, s.db, true)
}

func (s *Service) Preview(ctx context.Context, bundleID snowflake.ID) (*pricing.Quote, error) {
	bundle, err := s.GetBundle(ctx, bundleID)
	if err != nil {
		return nil, err
	}
	planByID := make(map[snowflake.ID]domain.Plan, len(bundle.Components))
	for _, c := range bundle.Components {
		plan, err := s.GetPlan(ctx, c.PlanID)
		if err != nil {
			return nil, err
		}
		planByID[plan.ID] = *plan
	}
	quote, err := pricing.Price(toPricingBundle(bundle, planByID))
	if err != nil {
		return nil, err
	}
	return &quote, nil
}

func toPricingBundle(bundle *domain.Bundle, plans map[snowflake.ID]domain.Plan) pricing.Bundle {
	out := pricing.Bundle{
		Code:          bundle.Code,
		Currency:      bundle.Currency,
		DiscountType:  pricing.DiscountType(bundle.DiscountType),
		DiscountValue: bundle.DiscountValue,
		Components:    make([]pricing.Component, 0, len(bundle.Components)),
	}
	for _, c := range bundle.Components {
		plan := plans[c.PlanID]
		out.Components = append(out.Components, pricing.Component{
			ProductID: c.ProductID,
			PlanID:    c.PlanID,
			Name:      plan.Name,
			Price:     plan.Price,
			Currency:  plan.Currency,
		})
	}
	return out
}

func (s *Service) validateRequest(req any) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var field string
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		field = verrs[0].Field()
	}
	return errs.Validation(domain.ErrInvalidRequest, field)
}

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func boolOr(value *bool, def bool) bool {
	if value == nil {
		return def
	}
	return *value
}

