package stripe

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billingcore/internal/errs"
	"github.com/smallbiznis/billingcore/internal/gateway/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	key    string
	form   url.Values
}

type fakeAPI struct {
	mu       sync.Mutex
	requests []recorded
	status   int
	body     string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(raw))
	f.mu.Lock()
	f.requests = append(f.requests, recorded{
		method: r.Method,
		path:   r.URL.Path,
		key:    r.Header.Get("Idempotency-Key"),
		form:   form,
	})
	status, body := f.status, f.body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func newFake(t *testing.T, status int, body string) (*fakeAPI, *Processor) {
	t.Helper()
	fake := &fakeAPI{status: status, body: body}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return fake, New(Config{APIKey: "sk_test_123", BaseURL: srv.URL, HTTPClient: srv.Client()})
}

func TestCreateSubscriptionSendsIdempotencyKey(t *testing.T) {
	fake, p := newFake(t, http.StatusOK, `{
		"id": "sub_123",
		"object": "subscription",
		"customer": "cus_9",
		"status": "trialing",
		"current_period_start": 1772355600,
		"current_period_end": 1775034000,
		"trial_end": 1773565200
	}`)

	trialEnd := time.Unix(1773565200, 0).UTC()
	sub, err := p.CreateSubscription(context.Background(), "key-abc", domain.SubscriptionInput{
		CustomerID: "cus_9",
		PriceID:    "price_basic",
		TrialEnd:   &trialEnd,
		Metadata:   map[string]string{"org_id": "42"},
	})
	require.NoError(t, err)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/v1/subscriptions", req.path)
	assert.Equal(t, "key-abc", req.key)
	assert.Equal(t, "cus_9", req.form.Get("customer"))
	assert.Equal(t, "price_basic", req.form.Get("items[0][price]"))
	assert.Equal(t, "1773565200", req.form.Get("trial_end"))
	assert.Equal(t, "42", req.form.Get("metadata[org_id]"))

	assert.Equal(t, "sub_123", sub.ID)
	assert.Equal(t, "cus_9", sub.CustomerID)
	assert.Equal(t, "trialing", sub.Status)
	assert.Equal(t, time.Unix(1775034000, 0).UTC(), sub.CurrentPeriodEnd)
	require.NotNil(t, sub.TrialEnd)
	assert.Equal(t, trialEnd, *sub.TrialEnd)
}

func TestServerErrorIsTransient(t *testing.T) {
	_, p := newFake(t, http.StatusInternalServerError, `{"error":{"type":"api_error","message":"boom"}}`)

	_, err := p.CreateCustomer(context.Background(), "key-1", domain.CustomerInput{OrgID: "1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrTransientGateway))
	assert.False(t, errors.Is(err, domain.ErrProcessorRejected))
}

func TestRateLimitIsTransient(t *testing.T) {
	_, p := newFake(t, http.StatusTooManyRequests, `{"error":{"type":"invalid_request_error","message":"slow down","code":"rate_limit"}}`)

	err := p.PayInvoice(context.Background(), "key-2", "in_1")
	assert.True(t, errors.Is(err, errs.ErrTransientGateway))
}

func TestBadRequestIsRejected(t *testing.T) {
	_, p := newFake(t, http.StatusBadRequest, `{"error":{"type":"invalid_request_error","message":"No such price","code":"resource_missing"}}`)

	_, err := p.CreateSubscription(context.Background(), "key-3", domain.SubscriptionInput{CustomerID: "cus_1", PriceID: "nope"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrProcessorRejected))
	assert.False(t, errors.Is(err, errs.ErrTransientGateway))
}

func TestCreateInvoiceItemUsesMinorUnits(t *testing.T) {
	fake, p := newFake(t, http.StatusOK, `{"id":"ii_1","object":"invoiceitem"}`)

	id, err := p.CreateInvoiceItem(context.Background(), "key-4", domain.InvoiceItemInput{
		CustomerID:  "cus_1",
		Amount:      decimal.RequireFromString("12.345"),
		Currency:    "USD",
		Description: "api_calls overage",
	})
	require.NoError(t, err)
	assert.Equal(t, "ii_1", id)
	require.Len(t, fake.requests, 1)
	assert.Equal(t, "1234", fake.requests[0].form.Get("amount"))
	assert.Equal(t, "usd", fake.requests[0].form.Get("currency"))
	assert.Equal(t, "key-4", fake.requests[0].key)
}

func TestMinorAmount(t *testing.T) {
	assert.Equal(t, int64(1500), MinorAmount(decimal.RequireFromString("15"), "USD"))
	assert.Equal(t, int64(858), MinorAmount(decimal.RequireFromString("858"), "JPY"))
	assert.Equal(t, int64(1250), MinorAmount(decimal.RequireFromString("1.25"), "KWD"))
}
