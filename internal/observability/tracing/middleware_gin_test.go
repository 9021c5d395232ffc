package tracing

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/billingcore/internal/observability/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTracedEngine(t *testing.T) (*gin.Engine, *tracetest.SpanRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	r := gin.New()
	r.Use(GinMiddleware(HTTPConfig{SkipPaths: []string{"/health"}, Provider: provider}))
	// Stands in for tenant resolution, which runs after the tracer.
	r.Use(func(c *gin.Context) {
		if org := c.GetHeader("X-Org-Id"); org != "" {
			ctx := obscontext.WithOrgID(c.Request.Context(), org)
			ctx = obscontext.WithActor(ctx, "tenant", org)
			c.Request = c.Request.WithContext(ctx)
		}
		c.Next()
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/subscriptions/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/usage/:subscription_id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/webhooks/processor", func(c *gin.Context) {
		c.Set(KeyEventType, "invoice.payment_failed")
		_ = c.Error(errors.New("dispatch: card pm_1 declined"))
		c.Status(http.StatusInternalServerError)
	})
	return r, recorder
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestGinMiddlewareTagsBillingIdentifiers(t *testing.T) {
	r, recorder := newTracedEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/api/subscriptions/1234", nil)
	req.Header.Set("X-Org-Id", "42")
	r.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/api/usage/5678", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "HTTP GET /api/subscriptions/:id", spans[0].Name())
	attrs := spanAttrs(spans[0])
	assert.Equal(t, "42", attrs["billing.org_id"].AsString())
	assert.Equal(t, "tenant", attrs["billing.actor"].AsString())
	assert.Equal(t, "1234", attrs["billing.subscription_id"].AsString())
	assert.Equal(t, int64(200), attrs["http.status_code"].AsInt64())

	attrs = spanAttrs(spans[1])
	assert.Equal(t, "5678", attrs["billing.subscription_id"].AsString())
	_, hasOrg := attrs["billing.org_id"]
	assert.False(t, hasOrg)
}

func TestGinMiddlewareRecordsWebhookFailureSafely(t *testing.T) {
	r, recorder := newTracedEngine(t)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/webhooks/processor", nil))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "invoice.payment_failed", spanAttrs(span)["billing.processor_event_type"].AsString())

	require.Len(t, span.Events(), 1)
	for _, kv := range span.Events()[0].Attributes {
		if kv.Key == "exception.message" {
			assert.Equal(t, "dispatch", kv.Value.AsString())
		}
	}
}

func TestGinMiddlewareSkipsConfiguredPaths(t *testing.T) {
	r, recorder := newTracedEngine(t)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, recorder.Ended())
}
