// Package domain holds tenant-scoped subscription records and the lifecycle rules over them.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
)

type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusTrial           Status = "trial"
	StatusActive          Status = "active"
	StatusPastDue         Status = "past_due"
	StatusCancelled       Status = "cancelled"
	StatusSuspended       Status = "suspended"
	StatusExpired         Status = "expired"
)

// Live statuses count against the one-per-product rule.
func (s Status) Live() bool {
	return s == StatusTrial || s == StatusActive || s == StatusPastDue
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Source names what caused a transition.
type Source string

const (
	SourceAPI       Source = "api"
	SourceWebhook   Source = "webhook"
	SourceScheduler Source = "scheduler"
)

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncFailed  SyncStatus = "failed"
)

const DefaultCancellationReason = "User requested cancellation"

type Subscription struct {
	ID                      snowflake.ID  `gorm:"primaryKey" json:"id"`
	OrgID                   snowflake.ID  `gorm:"not null" json:"organization_id"`
	ProductID               snowflake.ID  `gorm:"not null" json:"product_id"`
	PlanID                  snowflake.ID  `gorm:"not null" json:"plan_id"`
	BundleOrderID           *snowflake.ID `json:"bundle_order_id,omitempty"`
	Status                  Status        `gorm:"type:text;not null" json:"status"`
	CurrentPeriodStart      time.Time     `gorm:"not null" json:"current_period_start"`
	CurrentPeriodEnd        time.Time     `gorm:"not null" json:"current_period_end"`
	NextBillingDate         time.Time     `gorm:"not null" json:"next_billing_date"`
	TrialEnd                *time.Time    `json:"trial_end,omitempty"`
	AutoRenew               bool          `gorm:"not null" json:"auto_renew"`
	CancelAtPeriodEnd       bool          `gorm:"not null" json:"cancel_at_period_end"`
	CancellationReason      string        `gorm:"type:text" json:"cancellation_reason,omitempty"`
	CancelledAt             *time.Time    `json:"cancelled_at,omitempty"`
	GraceUntil              *time.Time    `json:"grace_until,omitempty"`
	ProcessorSubscriptionID *string       `json:"processor_subscription_id,omitempty"`
	ProcessorCustomerID     *string       `json:"processor_customer_id,omitempty"`
	DefaultPaymentMethod    *string       `json:"default_payment_method,omitempty"`
	SyncStatus              SyncStatus    `gorm:"type:text;not null" json:"sync_status"`
	NeedsReview             bool          `gorm:"not null" json:"needs_review"`
	LastProcessorEventID    *string       `json:"-"`

	UsageLimit   catalogdomain.Quantities `gorm:"type:jsonb;not null" json:"usage_limit"`
	CurrentUsage catalogdomain.Quantities `gorm:"-" json:"current_usage"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Subscription) TableName() string { return "billing.subscriptions" }

// BundleOrder groups the subscriptions opened by one bundle purchase.
type BundleOrder struct {
	ID        snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID     snowflake.ID    `gorm:"not null" json:"organization_id"`
	BundleID  snowflake.ID    `gorm:"not null" json:"bundle_id"`
	Subtotal  decimal.Decimal `gorm:"type:numeric;not null" json:"subtotal"`
	Discount  decimal.Decimal `gorm:"type:numeric;not null" json:"discount"`
	Total     decimal.Decimal `gorm:"type:numeric;not null" json:"total"`
	Currency  string          `gorm:"type:text;not null" json:"currency"`
	CreatedAt time.Time       `json:"created_at"`
}

func (BundleOrder) TableName() string { return "billing.bundle_orders" }

type StatusHistory struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID `gorm:"not null" json:"organization_id"`
	SubscriptionID snowflake.ID `gorm:"not null" json:"subscription_id"`
	FromStatus     Status       `gorm:"type:text;not null" json:"from_status"`
	ToStatus       Status       `gorm:"type:text;not null" json:"to_status"`
	Reason         string       `gorm:"type:text" json:"reason,omitempty"`
	Source         Source       `gorm:"type:text;not null" json:"source"`
	EventID        string       `gorm:"type:text;not null" json:"event_id"`
	CreatedAt      time.Time    `json:"created_at"`
}

func (StatusHistory) TableName() string { return "billing.subscription_status_history" }
