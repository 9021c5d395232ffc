// Package stripe adapts the Stripe API to the gateway Processor contract.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billingcore/internal/errs"
	"github.com/smallbiznis/billingcore/internal/gateway/domain"
	"github.com/smallbiznis/billingcore/internal/pricing"
	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

const ProviderName = "stripe"

type Config struct {
	APIKey  string
	BaseURL string
	// HTTPClient overrides the transport. Timeouts come from the caller's
	// context, so it should not set its own.
	HTTPClient *http.Client
}

type Processor struct {
	api *client.API
}

var _ domain.Processor = (*Processor)(nil)

// New builds a Stripe processor. Network retries are disabled on the SDK
// backend because the gateway service owns the retry policy.
func New(cfg Config) *Processor {
	backendConfig := &stripego.BackendConfig{
		MaxNetworkRetries: stripego.Int64(0),
		HTTPClient:        cfg.HTTPClient,
	}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		backendConfig.URL = stripego.String(base)
	}
	api := client.New(cfg.APIKey, &stripego.Backends{
		API:     stripego.GetBackendWithConfig(stripego.APIBackend, backendConfig),
		Connect: stripego.GetBackend(stripego.ConnectBackend),
		Uploads: stripego.GetBackend(stripego.UploadsBackend),
	})
	return &Processor{api: api}
}

func (p *Processor) Name() string { return ProviderName }

func (p *Processor) CreateCustomer(ctx context.Context, key string, in domain.CustomerInput) (string, error) {
	params := &stripego.CustomerParams{
		Description: stripego.String("org " + in.OrgID),
	}
	prepare(ctx, &params.Params, key, in.Metadata)
	cust, err := p.api.Customers.New(params)
	if err != nil {
		return "", classify(err)
	}
	return cust.ID, nil
}

func (p *Processor) CreateSubscription(ctx context.Context, key string, in domain.SubscriptionInput) (*domain.ProcessorSubscription, error) {
	params := &stripego.SubscriptionParams{
		Customer: stripego.String(in.CustomerID),
		Items: []*stripego.SubscriptionItemsParams{
			{Price: stripego.String(in.PriceID)},
		},
	}
	if in.TrialEnd != nil {
		params.TrialEnd = stripego.Int64(in.TrialEnd.Unix())
	}
	prepare(ctx, &params.Params, key, in.Metadata)
	sub, err := p.api.Subscriptions.New(params)
	if err != nil {
		return nil, classify(err)
	}
	return toSubscription(sub), nil
}

// UpdateSubscription swaps the price on the subscription's single item and
// ends any trial immediately.
func (p *Processor) UpdateSubscription(ctx context.Context, key string, id, priceID string) (*domain.ProcessorSubscription, error) {
	getParams := &stripego.SubscriptionParams{}
	getParams.Context = ctx
	current, err := p.api.Subscriptions.Get(id, getParams)
	if err != nil {
		return nil, classify(err)
	}

	item := &stripego.SubscriptionItemsParams{Price: stripego.String(priceID)}
	if current.Items != nil && len(current.Items.Data) > 0 {
		item.ID = stripego.String(current.Items.Data[0].ID)
	}
	params := &stripego.SubscriptionParams{
		Items:             []*stripego.SubscriptionItemsParams{item},
		ProrationBehavior: stripego.String("create_prorations"),
	}
	if current.Status == stripego.SubscriptionStatusTrialing {
		params.TrialEndNow = stripego.Bool(true)
	}
	prepare(ctx, &params.Params, key, nil)
	sub, err := p.api.Subscriptions.Update(id, params)
	if err != nil {
		return nil, classify(err)
	}
	return toSubscription(sub), nil
}

func (p *Processor) CancelSubscription(ctx context.Context, key string, id string, atPeriodEnd bool) (*domain.ProcessorSubscription, error) {
	if atPeriodEnd {
		params := &stripego.SubscriptionParams{CancelAtPeriodEnd: stripego.Bool(true)}
		prepare(ctx, &params.Params, key, nil)
		sub, err := p.api.Subscriptions.Update(id, params)
		if err != nil {
			return nil, classify(err)
		}
		return toSubscription(sub), nil
	}

	params := &stripego.SubscriptionCancelParams{}
	prepare(ctx, &params.Params, key, nil)
	sub, err := p.api.Subscriptions.Cancel(id, params)
	if err != nil {
		return nil, classify(err)
	}
	return toSubscription(sub), nil
}

func (p *Processor) ReactivateSubscription(ctx context.Context, key string, id string) (*domain.ProcessorSubscription, error) {
	params := &stripego.SubscriptionParams{CancelAtPeriodEnd: stripego.Bool(false)}
	prepare(ctx, &params.Params, key, nil)
	sub, err := p.api.Subscriptions.Update(id, params)
	if err != nil {
		return nil, classify(err)
	}
	return toSubscription(sub), nil
}

func (p *Processor) CreateInvoiceItem(ctx context.Context, key string, in domain.InvoiceItemInput) (string, error) {
	currency := strings.ToLower(in.Currency)
	params := &stripego.InvoiceItemParams{
		Customer:    stripego.String(in.CustomerID),
		Amount:      stripego.Int64(MinorAmount(in.Amount, in.Currency)),
		Currency:    stripego.String(currency),
		Description: stripego.String(in.Description),
	}
	if in.ProcessorSubscriptionID != "" {
		params.Subscription = stripego.String(in.ProcessorSubscriptionID)
	}
	prepare(ctx, &params.Params, key, in.Metadata)
	item, err := p.api.InvoiceItems.New(params)
	if err != nil {
		return "", classify(err)
	}
	return item.ID, nil
}

func (p *Processor) PayInvoice(ctx context.Context, key string, invoiceID string) error {
	params := &stripego.InvoicePayParams{}
	prepare(ctx, &params.Params, key, nil)
	if _, err := p.api.Invoices.Pay(invoiceID, params); err != nil {
		return classify(err)
	}
	return nil
}

func (p *Processor) GetSubscription(ctx context.Context, id string) (*domain.ProcessorSubscription, error) {
	params := &stripego.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Get(id, params)
	if err != nil {
		return nil, classify(err)
	}
	return toSubscription(sub), nil
}

func prepare(ctx context.Context, params *stripego.Params, key string, metadata map[string]string) {
	params.Context = ctx
	if key != "" {
		params.SetIdempotencyKey(key)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
}

// MinorAmount converts a decimal amount to the currency's smallest unit.
func MinorAmount(amount decimal.Decimal, currency string) int64 {
	return pricing.Round(amount, currency).Shift(pricing.MinorUnits(currency)).IntPart()
}

// classify splits Stripe failures into transient ones, which the gateway
// retries, and rejections, which it records as failed.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var stripeErr *stripego.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode == http.StatusTooManyRequests || stripeErr.HTTPStatusCode >= 500 {
			return errs.Transient(fmt.Errorf("stripe %d: %s", stripeErr.HTTPStatusCode, stripeErr.Msg))
		}
		return fmt.Errorf("%w: stripe %d %s: %s", domain.ErrProcessorRejected, stripeErr.HTTPStatusCode, stripeErr.Code, stripeErr.Msg)
	}
	// Anything that never produced an API response is a network failure.
	return errs.Transient(err)
}

func toSubscription(sub *stripego.Subscription) *domain.ProcessorSubscription {
	if sub == nil {
		return nil
	}
	out := &domain.ProcessorSubscription{
		ID:                 sub.ID,
		Status:             string(sub.Status),
		CurrentPeriodStart: unix(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unix(sub.CurrentPeriodEnd),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.TrialEnd > 0 {
		end := unix(sub.TrialEnd)
		out.TrialEnd = &end
	}
	return out
}

func unix(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
