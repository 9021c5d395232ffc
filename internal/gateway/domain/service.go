package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Outcome is the caller-facing result of an outbound command.
type Outcome struct {
	Operation *Operation
	// Pending means the processor did not answer in time; the command stays
	// queued under the same idempotency key.
	Pending bool
	// Failed means the processor rejected the command.
	Failed bool
	Err    error

	Subscription *ProcessorSubscription
	ExternalID   string
}

func (o *Outcome) Succeeded() bool {
	return o != nil && !o.Pending && !o.Failed
}

type CreateSubscriptionCommand struct {
	OrgID          snowflake.ID `json:"org_id"`
	SubscriptionID snowflake.ID `json:"subscription_id"`
	ProductID      snowflake.ID `json:"product_id"`
	CustomerID     string       `json:"customer_id"`
	PriceID        string       `json:"price_id"`
	PeriodStart    time.Time    `json:"period_start"`
	TrialEnd       *time.Time   `json:"trial_end,omitempty"`
}

type UpdateSubscriptionCommand struct {
	OrgID                   snowflake.ID `json:"org_id"`
	SubscriptionID          snowflake.ID `json:"subscription_id"`
	ProductID               snowflake.ID `json:"product_id"`
	ProcessorSubscriptionID string       `json:"processor_subscription_id"`
	PriceID                 string       `json:"price_id"`
	Scope                   string       `json:"scope"`
}

type CancelSubscriptionCommand struct {
	OrgID                   snowflake.ID `json:"org_id"`
	SubscriptionID          snowflake.ID `json:"subscription_id"`
	ProductID               snowflake.ID `json:"product_id"`
	ProcessorSubscriptionID string       `json:"processor_subscription_id"`
	AtPeriodEnd             bool         `json:"at_period_end"`
	Scope                   string       `json:"scope"`
}

type ReactivateSubscriptionCommand struct {
	OrgID                   snowflake.ID `json:"org_id"`
	SubscriptionID          snowflake.ID `json:"subscription_id"`
	ProductID               snowflake.ID `json:"product_id"`
	ProcessorSubscriptionID string       `json:"processor_subscription_id"`
	Scope                   string       `json:"scope"`
}

type CreateChargeCommand struct {
	OrgID                   snowflake.ID    `json:"org_id"`
	SubscriptionID          snowflake.ID    `json:"subscription_id"`
	ProductID               snowflake.ID    `json:"product_id"`
	ChargeID                snowflake.ID    `json:"charge_id"`
	CustomerID              string          `json:"customer_id"`
	ProcessorSubscriptionID string          `json:"processor_subscription_id,omitempty"`
	Amount                  decimal.Decimal `json:"amount"`
	Currency                string          `json:"currency"`
	Description             string          `json:"description"`
	PeriodStart             time.Time       `json:"period_start"`
}

type RetryPaymentCommand struct {
	OrgID          snowflake.ID `json:"org_id"`
	SubscriptionID snowflake.ID `json:"subscription_id"`
	ProductID      snowflake.ID `json:"product_id"`
	InvoiceID      string       `json:"invoice_id"`
	Attempt        int          `json:"attempt"`
}

type createCustomerCommand struct {
	OrgID snowflake.ID `json:"org_id"`
}

// CreateCustomerPayload builds the stored payload of a create_customer operation.
func CreateCustomerPayload(orgID snowflake.ID) any {
	return createCustomerCommand{OrgID: orgID}
}

type ReconcileInput struct {
	OrgID                   snowflake.ID
	SubscriptionID          snowflake.ID
	ProcessorSubscriptionID string
	LocalStatus             string
	LocalPeriodEnd          time.Time
	LocalCancelAtPeriodEnd  bool
}

type Service interface {
	Provider() string
	// EnsureCustomer returns the processor customer of an organization,
	// creating it on first use.
	EnsureCustomer(ctx context.Context, orgID snowflake.ID) (string, *Outcome, error)
	CreateSubscription(ctx context.Context, cmd CreateSubscriptionCommand) (*Outcome, error)
	UpdateSubscription(ctx context.Context, cmd UpdateSubscriptionCommand) (*Outcome, error)
	CancelSubscription(ctx context.Context, cmd CancelSubscriptionCommand) (*Outcome, error)
	ReactivateSubscription(ctx context.Context, cmd ReactivateSubscriptionCommand) (*Outcome, error)
	CreateCharge(ctx context.Context, cmd CreateChargeCommand) (*Outcome, error)
	RetryPayment(ctx context.Context, cmd RetryPaymentCommand) (*Outcome, error)

	GetOperation(ctx context.Context, id snowflake.ID) (*Operation, error)
	ListFailed(ctx context.Context, limit int) ([]Operation, error)
	// Retry re-runs one queued operation now, under its original key.
	Retry(ctx context.Context, id snowflake.ID) (*Outcome, error)
	// RetryDue re-runs queued operations whose next attempt time has passed.
	RetryDue(ctx context.Context, now time.Time, limit int) ([]*Outcome, error)

	// Reconcile compares local state to a fresh processor read and records
	// every disagreement. It never writes to either side.
	Reconcile(ctx context.Context, in ReconcileInput) ([]Drift, error)
}

type Repository interface {
	// InsertOperation stores op unless its idempotency key exists; it reports whether it inserted.
	InsertOperation(ctx context.Context, db *gorm.DB, op *Operation) (bool, error)
	FindOperationByKey(ctx context.Context, db *gorm.DB, key string) (*Operation, error)
	FindOperationByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Operation, error)
	UpdateOperation(ctx context.Context, db *gorm.DB, op *Operation) error
	ListFailed(ctx context.Context, db *gorm.DB, limit int) ([]Operation, error)
	ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int, lease time.Duration) ([]Operation, error)

	FindCustomer(ctx context.Context, db *gorm.DB, orgID snowflake.ID, provider string) (*ProcessorCustomer, error)
	InsertCustomer(ctx context.Context, db *gorm.DB, customer *ProcessorCustomer) error

	InsertDrift(ctx context.Context, db *gorm.DB, drift *Drift) (bool, error)
	ListOpenDrifts(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Drift, error)
}

var (
	ErrOperationNotFound   = errors.New("operation_not_found")
	ErrOperationSucceeded  = errors.New("operation_already_succeeded")
	ErrUnknownOperation    = errors.New("unknown_operation")
	ErrMissingProcessorRef = errors.New("missing_processor_reference")
	ErrProcessorRejected   = errors.New("processor_rejected")
	ErrProcessorTimeout    = errors.New("processor_timeout")
	ErrProcessorDisabled   = errors.New("processor_disabled")
)
