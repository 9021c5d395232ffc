package dunning

import (
	"github.com/smallbiznis/billingcore/internal/dunning/repository"
	"github.com/smallbiznis/billingcore/internal/dunning/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dunning.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
