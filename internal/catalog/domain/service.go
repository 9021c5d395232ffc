package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billingcore/internal/pricing"
)

// Service is the shared, tenant-agnostic catalog. Writes are operator only.
type Service interface {
	CreateProduct(ctx context.Context, req CreateProductRequest) (*Product, error)
	GetProduct(ctx context.Context, code string) (*Product, error)
	GetProductByID(ctx context.Context, id snowflake.ID) (*Product, error)
	ListProducts(ctx context.Context, filter ProductFilter) ([]Product, error)

	CreatePlan(ctx context.Context, productCode string, req CreatePlanRequest) (*Plan, error)
	GetPlan(ctx context.Context, id snowflake.ID) (*Plan, error)
	ListPlans(ctx context.Context, productCode string) ([]Plan, error)

	CreateBundle(ctx context.Context, req CreateBundleRequest) (*Bundle, error)
	GetBundle(ctx context.Context, id snowflake.ID) (*Bundle, error)
	ListBundles(ctx context.Context) ([]Bundle, error)

	// Preview prices a bundle without side effects.
	Preview(ctx context.Context, bundleID snowflake.ID) (*pricing.Quote, error)
}

type CreateProductRequest struct {
	Code             string `json:"code" validate:"required,max=64"`
	Name             string `json:"name" validate:"required,max=200"`
	Description      string `json:"description"`
	Category         string `json:"category" validate:"max=64"`
	BillingType      string `json:"billing_type" validate:"required,oneof=fixed per_seat usage_based hybrid"`
	Status           string `json:"status" validate:"omitempty,oneof=active beta deprecated coming_soon"`
	RequiresApproval bool   `json:"requires_approval"`
	TrialDays        int    `json:"trial_days" validate:"gte=0,lte=365"`
}

type CreatePlanRequest struct {
	Code                string                     `json:"code" validate:"required,max=64"`
	Name                string                     `json:"name" validate:"required,max=200"`
	Price               decimal.Decimal            `json:"price"`
	Currency            string                     `json:"currency" validate:"required,len=3,alpha"`
	BillingInterval     string                     `json:"billing_interval" validate:"required,oneof=monthly quarterly annual"`
	UsageLimits         map[string]int64           `json:"usage_limits" validate:"dive,keys,required,max=64,endkeys,gte=0"`
	OverageRates        map[string]decimal.Decimal `json:"overage_rates"`
	TrialDays           *int                       `json:"trial_days" validate:"omitempty,gte=0,lte=365"`
	AvailableStandalone *bool                      `json:"available_standalone"`
	AllowedInBundle     *bool                      `json:"allowed_in_bundle"`
	ProcessorPriceID    string                     `json:"processor_price_id"`
}

type CreateBundleRequest struct {
	Code            string                   `json:"code" validate:"required,max=64"`
	Name            string                   `json:"name" validate:"required,max=200"`
	Description     string                   `json:"description"`
	DiscountType    string                   `json:"discount_type" validate:"required,oneof=percentage fixed"`
	DiscountValue   decimal.Decimal          `json:"discount_value"`
	IncludedSeats   int                      `json:"included_seats" validate:"gte=0"`
	Currency        string                   `json:"currency" validate:"required,len=3,alpha"`
	BillingInterval string                   `json:"billing_interval" validate:"required,oneof=monthly quarterly annual"`
	Components      []BundleComponentRequest `json:"components" validate:"required,min=1,dive"`
}

type BundleComponentRequest struct {
	PlanID    snowflake.ID `json:"plan_id" validate:"required"`
	Required  *bool        `json:"required"`
	SortOrder int          `json:"sort_order"`
}

var (
	ErrInvalidCode           = errors.New("invalid_code")
	ErrInvalidRequest        = errors.New("invalid_request")
	ErrProductNotFound       = errors.New("product_not_found")
	ErrPlanNotFound          = errors.New("plan_not_found")
	ErrBundleNotFound        = errors.New("bundle_not_found")
	ErrDuplicateCode         = errors.New("duplicate_code")
	ErrNegativePrice         = errors.New("negative_price")
	ErrPlanNotBundleEligible = errors.New("plan_not_bundle_eligible")
	ErrPlanCurrencyMismatch  = errors.New("plan_currency_mismatch")
	ErrPlanIntervalMismatch  = errors.New("plan_interval_mismatch")
	ErrDuplicateProduct      = errors.New("duplicate_bundle_product")
	ErrOverageRateUnknown    = errors.New("overage_rate_for_undeclared_metric")
)
