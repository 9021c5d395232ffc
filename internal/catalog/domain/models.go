package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type BillingType string

const (
	BillingFixed      BillingType = "fixed"
	BillingPerSeat    BillingType = "per_seat"
	BillingUsageBased BillingType = "usage_based"
	BillingHybrid     BillingType = "hybrid"
)

// Metered reports whether usage above the plan limits is billable.
func (t BillingType) Metered() bool {
	return t == BillingUsageBased || t == BillingHybrid
}

type ProductStatus string

const (
	ProductActive     ProductStatus = "active"
	ProductBeta       ProductStatus = "beta"
	ProductDeprecated ProductStatus = "deprecated"
	ProductComingSoon ProductStatus = "coming_soon"
)

// Subscribable reports whether new subscriptions may be opened.
func (s ProductStatus) Subscribable() bool {
	return s == ProductActive || s == ProductBeta
}

type BillingInterval string

const (
	IntervalMonthly   BillingInterval = "monthly"
	IntervalQuarterly BillingInterval = "quarterly"
	IntervalAnnual    BillingInterval = "annual"
)

// Months returns the length of one billing period.
func (i BillingInterval) Months() int {
	switch i {
	case IntervalQuarterly:
		return 3
	case IntervalAnnual:
		return 12
	case IntervalMonthly:
		return 1
	default:
		return 0
	}
}

// Advance returns start moved forward by one period.
func (i BillingInterval) Advance(start time.Time) time.Time {
	if i == IntervalAnnual {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, i.Months(), 0)
}

func (i BillingInterval) Valid() bool {
	return i.Months() > 0
}

type Product struct {
	ID               snowflake.ID  `gorm:"primaryKey" json:"id"`
	Code             string        `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name             string        `gorm:"type:text;not null" json:"name"`
	Description      string        `gorm:"type:text" json:"description,omitempty"`
	Category         string        `gorm:"type:text" json:"category,omitempty"`
	BillingType      BillingType   `gorm:"type:text;not null" json:"billing_type"`
	Status           ProductStatus `gorm:"type:text;not null" json:"status"`
	RequiresApproval bool          `gorm:"not null" json:"requires_approval"`
	TrialDays        int           `gorm:"not null;default:0" json:"trial_days"`
	CreatedAt        time.Time     `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time     `gorm:"not null" json:"updated_at"`
}

func (Product) TableName() string { return "catalog.products" }

type Plan struct {
	ID                  snowflake.ID    `gorm:"primaryKey" json:"id"`
	ProductID           snowflake.ID    `gorm:"not null" json:"product_id"`
	Code                string          `gorm:"type:text;not null" json:"code"`
	Name                string          `gorm:"type:text;not null" json:"name"`
	Price               decimal.Decimal `gorm:"type:numeric;not null" json:"price"`
	Currency            string          `gorm:"type:text;not null" json:"currency"`
	BillingInterval     BillingInterval `gorm:"type:text;not null" json:"billing_interval"`
	UsageLimits         Quantities      `gorm:"type:jsonb;not null" json:"usage_limits"`
	OverageRates        Rates           `gorm:"type:jsonb;not null" json:"overage_rates"`
	TrialDays           *int            `json:"trial_days,omitempty"`
	AvailableStandalone bool            `gorm:"not null" json:"available_standalone"`
	AllowedInBundle     bool            `gorm:"not null" json:"allowed_in_bundle"`
	ProcessorPriceID    string          `gorm:"type:text" json:"processor_price_id,omitempty"`
	Active              bool            `gorm:"not null" json:"active"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (Plan) TableName() string { return "catalog.plans" }

type Bundle struct {
	ID              snowflake.ID    `gorm:"primaryKey" json:"id"`
	Code            string          `gorm:"type:text;not null;uniqueIndex" json:"code"`
	Name            string          `gorm:"type:text;not null" json:"name"`
	Description     string          `gorm:"type:text" json:"description,omitempty"`
	DiscountType    string          `gorm:"type:text;not null" json:"discount_type"`
	DiscountValue   decimal.Decimal `gorm:"type:numeric;not null" json:"discount_value"`
	IncludedSeats   int             `gorm:"not null;default:0" json:"included_seats"`
	Currency        string          `gorm:"type:text;not null" json:"currency"`
	BillingInterval BillingInterval `gorm:"type:text;not null" json:"billing_interval"`
	Active          bool            `gorm:"not null" json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`

	Components []BundleComponent `gorm:"-" json:"components"`
}

func (Bundle) TableName() string { return "catalog.bundles" }

type BundleComponent struct {
	BundleID  snowflake.ID `gorm:"primaryKey" json:"bundle_id"`
	ProductID snowflake.ID `gorm:"primaryKey" json:"product_id"`
	PlanID    snowflake.ID `gorm:"not null" json:"plan_id"`
	Required  bool         `gorm:"not null" json:"required"`
	SortOrder int          `gorm:"not null;default:0" json:"sort_order"`
}

func (BundleComponent) TableName() string { return "catalog.bundle_components" }

// EffectiveTrialDays resolves trial length: explicit override, then plan, then product.
func EffectiveTrialDays(override *int, plan *Plan, product *Product) int {
	if override != nil {
		return *override
	}
	if plan != nil && plan.TrialDays != nil {
		return *plan.TrialDays
	}
	if product != nil {
		return product.TrialDays
	}
	return 0
}
