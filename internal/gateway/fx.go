package gateway

import (
	"errors"
	"strings"

	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	"github.com/smallbiznis/billingcore/internal/gateway/domain"
	"github.com/smallbiznis/billingcore/internal/gateway/repository"
	"github.com/smallbiznis/billingcore/internal/gateway/sandbox"
	"github.com/smallbiznis/billingcore/internal/gateway/service"
	"github.com/smallbiznis/billingcore/internal/gateway/stripe"
	"github.com/smallbiznis/billingcore/internal/gateway/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gateway.service",
	fx.Provide(NewProcessor),
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	webhook.Module,
)

// NewProcessor selects the processor adapter. Without an API key the
// in-memory sandbox answers, which keeps local environments self-contained.
func NewProcessor(cfg config.Config, clk clock.Clock, log *zap.Logger) (domain.Processor, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Processor.Provider))
	if provider == stripe.ProviderName && cfg.Processor.APIKey != "" {
		return stripe.New(stripe.Config{
			APIKey:  cfg.Processor.APIKey,
			BaseURL: cfg.Processor.BaseURL,
		}), nil
	}
	if cfg.IsProduction() {
		return nil, errors.New("PROCESSOR_API_KEY is required in production")
	}
	log.Named("gateway").Warn("processor api key not configured, using sandbox processor",
		zap.String("provider", provider),
	)
	return sandbox.New(clk), nil
}
