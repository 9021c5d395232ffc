package webhook

import "go.uber.org/fx"

var Module = fx.Module("gateway.webhook",
	fx.Provide(ProvideRepository),
	fx.Provide(NewService),
)
