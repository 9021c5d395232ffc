package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Processor is the external payment processor. Every mutating call carries
// an idempotency key.
type Processor interface {
	Name() string
	CreateCustomer(ctx context.Context, key string, in CustomerInput) (string, error)
	CreateSubscription(ctx context.Context, key string, in SubscriptionInput) (*ProcessorSubscription, error)
	UpdateSubscription(ctx context.Context, key string, processorSubscriptionID, priceID string) (*ProcessorSubscription, error)
	CancelSubscription(ctx context.Context, key string, processorSubscriptionID string, atPeriodEnd bool) (*ProcessorSubscription, error)
	ReactivateSubscription(ctx context.Context, key string, processorSubscriptionID string) (*ProcessorSubscription, error)
	CreateInvoiceItem(ctx context.Context, key string, in InvoiceItemInput) (string, error)
	PayInvoice(ctx context.Context, key string, invoiceID string) error
	GetSubscription(ctx context.Context, processorSubscriptionID string) (*ProcessorSubscription, error)
}

type CustomerInput struct {
	OrgID    string
	Metadata map[string]string
}

type SubscriptionInput struct {
	CustomerID string
	PriceID    string
	TrialEnd   *time.Time
	Metadata   map[string]string
}

type InvoiceItemInput struct {
	CustomerID              string
	ProcessorSubscriptionID string
	Amount                  decimal.Decimal
	Currency                string
	Description             string
	Metadata                map[string]string
}

// ProcessorSubscription is the processor's view of a subscription, with the
// status still in processor vocabulary.
type ProcessorSubscription struct {
	ID                 string     `json:"id"`
	CustomerID         string     `json:"customer_id"`
	Status             string     `json:"status"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	CancelAtPeriodEnd  bool       `json:"cancel_at_period_end"`
	TrialEnd           *time.Time `json:"trial_end,omitempty"`
}
