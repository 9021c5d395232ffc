package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Attempt is one scheduled payment retry for a failed processor invoice.
type Attempt struct {
	ID                 snowflake.ID `gorm:"primaryKey"`
	OrgID              snowflake.ID `gorm:"not null"`
	SubscriptionID     snowflake.ID `gorm:"not null"`
	ProcessorInvoiceID string       `gorm:"type:text;not null"`
	Attempt            int          `gorm:"not null"`
	ScheduledAt        time.Time    `gorm:"not null"`
	Status             Status       `gorm:"type:text;not null"`
	LastError          string       `gorm:"type:text"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (Attempt) TableName() string { return "billing.dunning_attempts" }

// PlanAttempts lays out one attempt per offset, counted in days from failedAt.
func PlanAttempts(node *snowflake.Node, orgID, subscriptionID snowflake.ID, invoiceID string, failedAt time.Time, offsetsDays []int) []Attempt {
	attempts := make([]Attempt, 0, len(offsetsDays))
	for i, offset := range offsetsDays {
		attempts = append(attempts, Attempt{
			ID:                 node.Generate(),
			OrgID:              orgID,
			SubscriptionID:     subscriptionID,
			ProcessorInvoiceID: invoiceID,
			Attempt:            i + 1,
			ScheduledAt:        failedAt.AddDate(0, 0, offset),
			Status:             StatusScheduled,
			CreatedAt:          failedAt,
			UpdatedAt:          failedAt,
		})
	}
	return attempts
}

type Repository interface {
	// Insert stores attempts, skipping ones already scheduled. It returns the number inserted.
	Insert(ctx context.Context, db *gorm.DB, attempts []Attempt) (int64, error)
	ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, limit int, lease time.Duration) ([]Attempt, error)
	MarkResult(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, lastError string, now time.Time) error
	// CloseScheduled moves every scheduled attempt of a subscription to status.
	CloseScheduled(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, status Status, now time.Time) (int64, error)
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Attempt, error)
}

type ScheduleInput struct {
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	InvoiceID      string
	FailedAt       time.Time
}

type Service interface {
	// WithTx binds the service to tx so lifecycle changes and their dunning
	// effects commit together.
	WithTx(tx *gorm.DB) Service
	Schedule(ctx context.Context, input ScheduleInput) ([]Attempt, error)
	// Due claims scheduled attempts whose time has come.
	Due(ctx context.Context, now time.Time, limit int) ([]Attempt, error)
	Record(ctx context.Context, id snowflake.ID, retryErr error) error
	Cancel(ctx context.Context, subscriptionID snowflake.ID) (int64, error)
	Resolve(ctx context.Context, subscriptionID snowflake.ID) (int64, error)
	List(ctx context.Context, subscriptionID snowflake.ID) ([]Attempt, error)
}

var (
	ErrMissingInvoice = errors.New("missing_processor_invoice")
)
