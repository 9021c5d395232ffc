package tracing

import (
	"errors"
	"fmt"
	"testing"

	"github.com/smallbiznis/billingcore/internal/errs"
	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsSecrets(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("http.route", "/usage"),
		attribute.String("payment_method", "pm_123"),
	)
	assert.Len(t, attrs, 1)
	assert.Equal(t, attribute.Key("http.route"), attrs[0].Key)
}

func TestSafeErrorKeepsCodeOnly(t *testing.T) {
	err := fmt.Errorf("apply event: %w", errs.Signature(errors.New("invalid_signature")))
	assert.EqualError(t, SafeError(err), "invalid_signature")
	assert.EqualError(t, SafeError(errors.New("stripe: card pm_123 declined")), "stripe")
	assert.NoError(t, SafeError(nil))
}
