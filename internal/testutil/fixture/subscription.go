package fixture

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/billingcore/internal/subscription/repository"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// Subscription inserts a synced subscription whose current period starts at start.
func Subscription(t testing.TB, db *gorm.DB, node *snowflake.Node, orgID snowflake.ID, plan *catalogdomain.Plan, status subscriptiondomain.Status, start time.Time) *subscriptiondomain.Subscription {
	t.Helper()
	end := plan.BillingInterval.Advance(start)
	sub := &subscriptiondomain.Subscription{
		ID:                 node.Generate(),
		OrgID:              orgID,
		ProductID:          plan.ProductID,
		PlanID:             plan.ID,
		Status:             status,
		CurrentPeriodStart: start,
		CurrentPeriodEnd:   end,
		NextBillingDate:    end,
		AutoRenew:          true,
		SyncStatus:         subscriptiondomain.SyncSynced,
		UsageLimit:         plan.UsageLimits.Clone(),
		CreatedAt:          start,
		UpdatedAt:          start,
	}
	require.NoError(t, subscriptionrepo.Provide().Insert(context.Background(), db, sub))
	return sub
}

func Str(v string) *string { return &v }
