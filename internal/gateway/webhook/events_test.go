package webhook

import (
	"encoding/json"
	"testing"
	"time"

	stripego "github.com/stripe/stripe-go/v76"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(t *testing.T, raw string) stripego.Event {
	t.Helper()
	var ev stripego.Event
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))
	return ev
}

func TestParseSubscriptionUpdated(t *testing.T) {
	ev := event(t, `{
		"id": "evt_1", "type": "customer.subscription.updated", "created": 1772355600,
		"data": {"object": {
			"id": "sub_9", "object": "subscription", "customer": "cus_4", "status": "past_due",
			"current_period_start": 1772355600, "current_period_end": 1775034000,
			"cancel_at_period_end": true, "metadata": {"subscription_id": "123456", "org_id": "77"}
		}}
	}`)
	parsed, err := Parse(ev)
	require.NoError(t, err)
	synced, ok := parsed.(SubscriptionSynced)
	require.True(t, ok)
	assert.Equal(t, "evt_1", synced.ID)
	assert.Equal(t, "sub_9", synced.ProcessorSubscriptionID)
	assert.Equal(t, "cus_4", synced.CustomerID)
	assert.Equal(t, "past_due", synced.Status)
	assert.EqualValues(t, 123456, synced.SubscriptionID)
	assert.True(t, synced.CancelAtPeriodEnd)
	assert.Equal(t, time.Unix(1775034000, 0).UTC(), synced.CurrentPeriodEnd)
	assert.Nil(t, synced.TrialEnd)
}

func TestParseInvoiceEvents(t *testing.T) {
	failed, err := Parse(event(t, `{
		"id": "evt_2", "type": "invoice.payment_failed", "created": 1772355600,
		"data": {"object": {"id": "in_7", "object": "invoice", "subscription": "sub_9", "customer": "cus_4", "attempt_count": 2}}
	}`))
	require.NoError(t, err)
	pf, ok := failed.(PaymentFailed)
	require.True(t, ok)
	assert.Equal(t, "in_7", pf.InvoiceID)
	assert.Equal(t, "sub_9", pf.ProcessorSubscriptionID)
	assert.EqualValues(t, 2, pf.AttemptCount)

	paid, err := Parse(event(t, `{
		"id": "evt_3", "type": "invoice.paid", "created": 1772355600,
		"data": {"object": {"id": "in_7", "object": "invoice", "subscription": "sub_9"}}
	}`))
	require.NoError(t, err)
	assert.IsType(t, PaymentSucceeded{}, paid)
}

func TestParseDetachedPaymentMethodUsesPreviousCustomer(t *testing.T) {
	parsed, err := Parse(event(t, `{
		"id": "evt_4", "type": "payment_method.detached", "created": 1772355600,
		"data": {"object": {"id": "pm_1", "object": "payment_method", "customer": null},
		         "previous_attributes": {"customer": "cus_4"}}
	}`))
	require.NoError(t, err)
	pm := parsed.(PaymentMethodChanged)
	assert.True(t, pm.Detached)
	assert.Equal(t, "cus_4", pm.CustomerID)
	assert.Equal(t, "pm_1", pm.PaymentMethodID)
}

func TestParseUnknownAndInvalid(t *testing.T) {
	parsed, err := Parse(event(t, `{"id": "evt_5", "type": "charge.refunded", "data": {"object": {"id": "ch_1"}}}`))
	require.NoError(t, err)
	assert.IsType(t, Unhandled{}, parsed)
	_, ok := toProcessorEvent(parsed)
	assert.False(t, ok)

	_, err = Parse(event(t, `{"type": "invoice.paid", "data": {"object": {"id": "in_1"}}}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Parse(event(t, `{"id": "evt_6", "type": "invoice.paid"}`))
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
