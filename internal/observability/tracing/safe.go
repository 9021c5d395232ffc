package tracing

import (
	"context"
	"errors"
	"strings"

	"github.com/smallbiznis/billingcore/internal/errs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

var blockedAttributeKeys = map[attribute.Key]struct{}{
	"payment_method":    {},
	"api_key":           {},
	"webhook_secret":    {},
	"http.request.body": {},
}

// ExtractContext pulls the remote span context and baggage from carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// SafeAttributes drops values that must never leave the process.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, blocked := blockedAttributeKeys[attr.Key]; blocked {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError reduces err to its classified code so processor payloads are not recorded on spans.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	if kind := errs.KindOf(err); kind != nil {
		return errors.New(errs.CodeOf(err))
	}
	msg := err.Error()
	if idx := strings.Index(msg, ":"); idx > 0 {
		msg = msg[:idx]
	}
	return errors.New(strings.TrimSpace(msg))
}
