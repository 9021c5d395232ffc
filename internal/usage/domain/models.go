// Package domain holds append-only usage records measured against a subscription period.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// UsageRecord is immutable once written. The only later change is the
// one-time billed stamp applied by rating.
type UsageRecord struct {
	ID             snowflake.ID        `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID        `gorm:"not null" json:"organization_id"`
	SubscriptionID snowflake.ID        `gorm:"not null" json:"subscription_id"`
	Metric         string              `gorm:"type:text;not null" json:"metric"`
	Quantity       int64               `gorm:"not null" json:"quantity"`
	Unit           string              `gorm:"type:text" json:"unit,omitempty"`
	UnitPrice      decimal.NullDecimal `gorm:"type:numeric" json:"unit_price"`
	PeriodStart    time.Time           `gorm:"not null" json:"period_start"`
	PeriodEnd      time.Time           `gorm:"not null" json:"period_end"`
	RecordedAt     time.Time           `gorm:"not null" json:"recorded_at"`
	Billed         bool                `gorm:"not null" json:"billed"`
	ChargeID       *snowflake.ID       `json:"charge_id,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

func (UsageRecord) TableName() string { return "billing.usage_records" }

// Window is a billing window that still holds unbilled usage.
type Window struct {
	SubscriptionID snowflake.ID
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

// MetricUsage is the unbilled total of one metric inside the current period.
type MetricUsage struct {
	Metric    string `json:"metric"`
	Quantity  int64  `json:"quantity"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Overage   int64  `json:"overage"`
}

type Summary struct {
	SubscriptionID snowflake.ID  `json:"subscription_id"`
	PeriodStart    time.Time     `json:"period_start"`
	PeriodEnd      time.Time     `json:"period_end"`
	Metrics        []MetricUsage `json:"metrics"`
}
