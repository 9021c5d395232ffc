// Package sandbox is an in-memory processor. It honors idempotency keys the
// way a real processor does, which makes it usable in development and tests.
package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/gateway/domain"
)

const ProviderName = "sandbox"

type Processor struct {
	clock clock.Clock

	mu            sync.Mutex
	seq           atomic.Int64
	byKey         map[string]any
	subscriptions map[string]*domain.ProcessorSubscription
	invoiceItems  map[string]domain.InvoiceItemInput
	paidInvoices  map[string]int
	failures      []error
	calls         map[string]int
}

func New(clk clock.Clock) *Processor {
	return &Processor{
		clock:         clk,
		byKey:         map[string]any{},
		subscriptions: map[string]*domain.ProcessorSubscription{},
		invoiceItems:  map[string]domain.InvoiceItemInput{},
		paidInvoices:  map[string]int{},
		calls:         map[string]int{},
	}
}

var _ domain.Processor = (*Processor)(nil)

func (p *Processor) Name() string { return ProviderName }

// FailNext makes the next len(errs) calls return the given errors in order.
func (p *Processor) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

// Calls reports how many requests reached the processor for an operation.
func (p *Processor) Calls(op string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[op]
}

// SubscriptionCount reports how many distinct subscriptions exist.
func (p *Processor) SubscriptionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscriptions)
}

// SetStatus changes a subscription on the processor side only.
func (p *Processor) SetStatus(id, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sub, ok := p.subscriptions[id]; ok {
		sub.Status = status
	}
}

func (p *Processor) InvoiceItem(id string) (domain.InvoiceItemInput, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	item, ok := p.invoiceItems[id]
	return item, ok
}

func (p *Processor) PaidCount(invoiceID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paidInvoices[invoiceID]
}

// begin counts the call and returns an injected failure, if any.
func (p *Processor) begin(ctx context.Context, op string) error {
	p.calls[op]++
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		return err
	}
	return nil
}

func (p *Processor) nextID(prefix string) string {
	return fmt.Sprintf("%s_%06d", prefix, p.seq.Add(1))
}

func (p *Processor) CreateCustomer(ctx context.Context, key string, in domain.CustomerInput) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, "create_customer"); err != nil {
		return "", err
	}
	if prior, ok := p.byKey[key]; ok {
		return prior.(string), nil
	}
	id := p.nextID("cus")
	p.byKey[key] = id
	return id, nil
}

func (p *Processor) CreateSubscription(ctx context.Context, key string, in domain.SubscriptionInput) (*domain.ProcessorSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, "create_subscription"); err != nil {
		return nil, err
	}
	if prior, ok := p.byKey[key]; ok {
		return copySub(prior.(*domain.ProcessorSubscription)), nil
	}

	now := p.clock.Now()
	sub := &domain.ProcessorSubscription{
		ID:                 p.nextID("sub"),
		CustomerID:         in.CustomerID,
		Status:             "active",
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}
	if in.TrialEnd != nil && in.TrialEnd.After(now) {
		end := *in.TrialEnd
		sub.Status = "trialing"
		sub.TrialEnd = &end
	}
	p.subscriptions[sub.ID] = sub
	p.byKey[key] = sub
	return copySub(sub), nil
}

func (p *Processor) mutate(ctx context.Context, op, key, id string, apply func(*domain.ProcessorSubscription)) (*domain.ProcessorSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, op); err != nil {
		return nil, err
	}
	if prior, ok := p.byKey[key]; ok {
		return copySub(prior.(*domain.ProcessorSubscription)), nil
	}
	sub, ok := p.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such subscription %s", domain.ErrProcessorRejected, id)
	}
	apply(sub)
	snapshot := copySub(sub)
	p.byKey[key] = snapshot
	return copySub(snapshot), nil
}

func (p *Processor) UpdateSubscription(ctx context.Context, key string, id, priceID string) (*domain.ProcessorSubscription, error) {
	return p.mutate(ctx, "update_subscription", key, id, func(sub *domain.ProcessorSubscription) {
		if sub.Status == "trialing" {
			sub.Status = "active"
			sub.TrialEnd = nil
		}
	})
}

func (p *Processor) CancelSubscription(ctx context.Context, key string, id string, atPeriodEnd bool) (*domain.ProcessorSubscription, error) {
	return p.mutate(ctx, "cancel_subscription", key, id, func(sub *domain.ProcessorSubscription) {
		if atPeriodEnd {
			sub.CancelAtPeriodEnd = true
			return
		}
		sub.Status = "canceled"
	})
}

func (p *Processor) ReactivateSubscription(ctx context.Context, key string, id string) (*domain.ProcessorSubscription, error) {
	return p.mutate(ctx, "reactivate_subscription", key, id, func(sub *domain.ProcessorSubscription) {
		sub.CancelAtPeriodEnd = false
		sub.Status = "active"
	})
}

func (p *Processor) CreateInvoiceItem(ctx context.Context, key string, in domain.InvoiceItemInput) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, "create_invoice_item"); err != nil {
		return "", err
	}
	if prior, ok := p.byKey[key]; ok {
		return prior.(string), nil
	}
	id := p.nextID("ii")
	p.invoiceItems[id] = in
	p.byKey[key] = id
	return id, nil
}

func (p *Processor) PayInvoice(ctx context.Context, key string, invoiceID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, "pay_invoice"); err != nil {
		return err
	}
	if _, ok := p.byKey[key]; ok {
		return nil
	}
	p.byKey[key] = invoiceID
	p.paidInvoices[invoiceID]++
	return nil
}

func (p *Processor) GetSubscription(ctx context.Context, id string) (*domain.ProcessorSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.begin(ctx, "get_subscription"); err != nil {
		return nil, err
	}
	sub, ok := p.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: no such subscription %s", domain.ErrProcessorRejected, id)
	}
	return copySub(sub), nil
}

func copySub(sub *domain.ProcessorSubscription) *domain.ProcessorSubscription {
	out := *sub
	if sub.TrialEnd != nil {
		end := *sub.TrialEnd
		out.TrialEnd = &end
	}
	return &out
}
