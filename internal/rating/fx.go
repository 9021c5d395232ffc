package rating

import (
	"github.com/smallbiznis/billingcore/internal/rating/domain"
	"github.com/smallbiznis/billingcore/internal/rating/repository"
	"github.com/smallbiznis/billingcore/internal/rating/service"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("rating.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(svc domain.Service) subscriptiondomain.PeriodRater { return svc }),
)
