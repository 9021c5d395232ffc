package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Service interface {
	RecordUsage(ctx context.Context, req RecordRequest) (*UsageRecord, error)
	CurrentUsage(ctx context.Context, subscriptionID string) (*Summary, error)
}

type RecordRequest struct {
	SubscriptionID snowflake.ID     `json:"subscription_id"`
	Metric         string           `json:"metric"`
	Quantity       int64            `json:"quantity"`
	Timestamp      time.Time        `json:"timestamp"`
	Unit           string           `json:"unit,omitempty"`
	UnitPrice      *decimal.Decimal `json:"unit_price,omitempty"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *UsageRecord) error
	SumUnbilled(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, end time.Time) (map[string]int64, error)
	ListUnbilled(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, end time.Time) ([]UsageRecord, error)
	ListClosedWindows(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Window, error)
	MarkBilled(ctx context.Context, db *gorm.DB, ids []snowflake.ID, chargeID snowflake.ID) (int64, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]UsageRecord, error)
}

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrInvalidSubscription   = errors.New("invalid_subscription")
	ErrSubscriptionNotFound  = errors.New("subscription_not_found")
	ErrSubscriptionNotActive = errors.New("subscription_not_billable")
	ErrInvalidMetric         = errors.New("invalid_metric")
	ErrUndeclaredMetric      = errors.New("metric_not_declared")
	ErrInvalidQuantity       = errors.New("invalid_quantity")
	ErrInvalidUnitPrice      = errors.New("invalid_unit_price")
	ErrOutsidePeriod         = errors.New("timestamp_too_far_ahead")
)
