package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"gorm.io/gorm"
)

type Service interface {
	subscriptiondomain.PeriodRater

	// Rate closes [start, end) for a subscription and returns the stored charge.
	// Rating a charged window again returns the latest charge unchanged unless
	// unbilled usage remains, which is billed on a follow-up charge.
	Rate(ctx context.Context, sub *subscriptiondomain.Subscription, start, end time.Time) (*Charge, error)
	// RateClosedWindows bills unbilled usage whose window ended at or before now.
	RateClosedWindows(ctx context.Context, now time.Time, limit int) (int, error)
	ListCharges(ctx context.Context, subscriptionID string) ([]Charge, error)
	// SyncPending hands charges that never reached the processor back to the gateway.
	SyncPending(ctx context.Context, limit int) (int, error)
}

type Repository interface {
	FindCharge(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, start, end time.Time) (*Charge, error)
	ListWindowCharges(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, start, end time.Time) ([]Charge, error)
	InsertCharge(ctx context.Context, db *gorm.DB, charge *Charge) (bool, error)
	ListLines(ctx context.Context, db *gorm.DB, chargeID snowflake.ID) ([]ChargeLine, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) ([]Charge, error)
	ListPendingSync(ctx context.Context, db *gorm.DB, limit int) ([]Charge, error)
	UpdateSync(ctx context.Context, db *gorm.DB, id snowflake.ID, status SyncStatus, invoiceItemID *string) error
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidPeriod        = errors.New("invalid_period")
)
