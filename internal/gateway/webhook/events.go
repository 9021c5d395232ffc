package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	stripego "github.com/stripe/stripe-go/v76"
)

// Event is the closed set of inbound deliveries the core understands.
// Only types in this file implement it.
type Event interface {
	meta() envelope
}

type envelope struct {
	ID         string
	Type       string
	OccurredAt time.Time
}

func (e envelope) meta() envelope { return e }

type SubscriptionSynced struct {
	envelope
	ProcessorSubscriptionID string
	SubscriptionID          snowflake.ID
	CustomerID              string
	Status                  string
	CurrentPeriodStart      time.Time
	CurrentPeriodEnd        time.Time
	CancelAtPeriodEnd       bool
	TrialEnd                *time.Time
}

type SubscriptionDeleted struct {
	envelope
	ProcessorSubscriptionID string
	SubscriptionID          snowflake.ID
	Reason                  string
}

type PaymentSucceeded struct {
	envelope
	InvoiceID               string
	ProcessorSubscriptionID string
	CustomerID              string
}

type PaymentFailed struct {
	envelope
	InvoiceID               string
	ProcessorSubscriptionID string
	CustomerID              string
	AttemptCount            int64
}

type PaymentMethodChanged struct {
	envelope
	PaymentMethodID string
	CustomerID      string
	Detached        bool
}

// Unhandled is a verified delivery of a type with no lifecycle effect.
type Unhandled struct {
	envelope
}

const deletedReason = "Cancelled by payment processor"

// Parse maps a processor event to its variant. Unknown types become Unhandled.
func Parse(ev stripego.Event) (Event, error) {
	env := envelope{
		ID:         strings.TrimSpace(ev.ID),
		Type:       string(ev.Type),
		OccurredAt: unixTime(ev.Created),
	}
	if env.ID == "" || env.Type == "" {
		return nil, ErrInvalidPayload
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing data.object", ErrInvalidPayload)
	}

	switch env.Type {
	case "customer.subscription.created", "customer.subscription.updated":
		var sub stripego.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out := SubscriptionSynced{
			envelope:                env,
			ProcessorSubscriptionID: sub.ID,
			SubscriptionID:          metadataID(sub.Metadata),
			CustomerID:              customerID(sub.Customer),
			Status:                  string(sub.Status),
			CurrentPeriodStart:      unixTime(sub.CurrentPeriodStart),
			CurrentPeriodEnd:        unixTime(sub.CurrentPeriodEnd),
			CancelAtPeriodEnd:       sub.CancelAtPeriodEnd,
		}
		if sub.TrialEnd > 0 {
			trialEnd := unixTime(sub.TrialEnd)
			out.TrialEnd = &trialEnd
		}
		return out, nil

	case "customer.subscription.deleted":
		var sub stripego.Subscription
		if err := json.Unmarshal(ev.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return SubscriptionDeleted{
			envelope:                env,
			ProcessorSubscriptionID: sub.ID,
			SubscriptionID:          metadataID(sub.Metadata),
			Reason:                  deletedReason,
		}, nil

	case "invoice.payment_succeeded", "invoice.paid":
		var inv stripego.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return PaymentSucceeded{
			envelope:                env,
			InvoiceID:               inv.ID,
			ProcessorSubscriptionID: invoiceSubscription(&inv),
			CustomerID:              customerID(inv.Customer),
		}, nil

	case "invoice.payment_failed":
		var inv stripego.Invoice
		if err := json.Unmarshal(ev.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return PaymentFailed{
			envelope:                env,
			InvoiceID:               inv.ID,
			ProcessorSubscriptionID: invoiceSubscription(&inv),
			CustomerID:              customerID(inv.Customer),
			AttemptCount:            inv.AttemptCount,
		}, nil

	case "payment_method.attached", "payment_method.detached":
		var pm stripego.PaymentMethod
		if err := json.Unmarshal(ev.Data.Raw, &pm); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		out := PaymentMethodChanged{
			envelope:        env,
			PaymentMethodID: pm.ID,
			CustomerID:      customerID(pm.Customer),
			Detached:        env.Type == "payment_method.detached",
		}
		if out.CustomerID == "" && ev.Data.PreviousAttributes != nil {
			if prev, ok := ev.Data.PreviousAttributes["customer"].(string); ok {
				out.CustomerID = prev
			}
		}
		return out, nil
	}

	return Unhandled{envelope: env}, nil
}

func customerID(c *stripego.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func invoiceSubscription(inv *stripego.Invoice) string {
	if inv.Subscription == nil {
		return ""
	}
	return inv.Subscription.ID
}

func metadataID(metadata map[string]string) snowflake.ID {
	id, err := snowflake.ParseString(strings.TrimSpace(metadata["subscription_id"]))
	if err != nil {
		return 0
	}
	return id
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
