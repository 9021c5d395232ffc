package fixture

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/smallbiznis/billingcore/internal/config"
	dunningdomain "github.com/smallbiznis/billingcore/internal/dunning/domain"
	dunningrepo "github.com/smallbiznis/billingcore/internal/dunning/repository"
	dunningservice "github.com/smallbiznis/billingcore/internal/dunning/service"
	gatewaydomain "github.com/smallbiznis/billingcore/internal/gateway/domain"
	gatewayrepo "github.com/smallbiznis/billingcore/internal/gateway/repository"
	"github.com/smallbiznis/billingcore/internal/gateway/sandbox"
	gatewayservice "github.com/smallbiznis/billingcore/internal/gateway/service"
	ratingdomain "github.com/smallbiznis/billingcore/internal/rating/domain"
	ratingrepo "github.com/smallbiznis/billingcore/internal/rating/repository"
	ratingservice "github.com/smallbiznis/billingcore/internal/rating/service"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/billingcore/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/billingcore/internal/subscription/service"
	"github.com/smallbiznis/billingcore/internal/testutil/dbtest"
	usagedomain "github.com/smallbiznis/billingcore/internal/usage/domain"
	usagerepo "github.com/smallbiznis/billingcore/internal/usage/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Stack wires the billing services over one in-memory database and the
// sandbox processor.
type Stack struct {
	DB        *gorm.DB
	Node      *snowflake.Node
	Clock     *clock.FakeClock
	Policy    *config.BillingPolicyHolder
	Catalog   catalogdomain.Service
	Processor *sandbox.Processor

	GatewayRepo      gatewaydomain.Repository
	Gateway          gatewaydomain.Service
	DunningRepo      dunningdomain.Repository
	Dunning          dunningdomain.Service
	SubscriptionRepo subscriptiondomain.Repository
	Subscriptions    subscriptiondomain.Service
	UsageRepo        usagedomain.Repository
	Rating           ratingdomain.Service
}

// TestPolicy keeps retries fast: three attempts a millisecond apart.
func TestPolicy() config.BillingPolicy {
	policy := config.DefaultBillingPolicy()
	policy.Gateway.Timeout = time.Second
	policy.Gateway.MaxAttempts = 3
	policy.Gateway.BaseBackoff = time.Millisecond
	policy.Gateway.MaxBackoff = 2 * time.Millisecond
	policy.Gateway.MaxQueueAttempts = 6
	policy.Gateway.RetryDelay = 10 * time.Minute
	return policy
}

func NewStack(t testing.TB) *Stack {
	t.Helper()
	s := &Stack{
		DB:               dbtest.Open(t),
		Node:             Node(t),
		Clock:            clock.NewFakeClock(Epoch),
		Policy:           config.NewStaticBillingPolicyHolder(TestPolicy()),
		GatewayRepo:      gatewayrepo.Provide(),
		DunningRepo:      dunningrepo.Provide(),
		SubscriptionRepo: subscriptionrepo.Provide(),
		UsageRepo:        usagerepo.Provide(),
	}
	log := zap.NewNop()
	s.Catalog = Catalog(t, s.DB, s.Node, s.Clock)
	s.Processor = sandbox.New(s.Clock)
	s.Gateway = gatewayservice.NewService(gatewayservice.Params{
		DB:        s.DB,
		Log:       log,
		GenID:     s.Node,
		Clock:     s.Clock,
		Policy:    s.Policy,
		Repo:      s.GatewayRepo,
		Processor: s.Processor,
	})
	s.Rating = ratingservice.NewService(ratingservice.ServiceParam{
		DB:        s.DB,
		Log:       log,
		GenID:     s.Node,
		Clock:     s.Clock,
		Repo:      ratingrepo.Provide(),
		UsageRepo: s.UsageRepo,
		SubRepo:   s.SubscriptionRepo,
		Catalog:   s.Catalog,
		Gateway:   s.Gateway,
	})
	s.Dunning = dunningservice.NewService(dunningservice.Params{
		DB:     s.DB,
		Log:    log,
		GenID:  s.Node,
		Clock:  s.Clock,
		Policy: s.Policy,
		Repo:   s.DunningRepo,
	})
	s.Subscriptions = subscriptionservice.NewService(subscriptionservice.Params{
		DB:          s.DB,
		Log:         log,
		GenID:       s.Node,
		Clock:       s.Clock,
		Policy:      s.Policy,
		Repo:        s.SubscriptionRepo,
		Catalog:     s.Catalog,
		Gateway:     s.Gateway,
		Dunning:     s.Dunning,
		Rater:       s.Rating,
	})
	return s
}
