// Package fixture seeds catalog rows for package tests.
package fixture

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	catalogdomain "github.com/smallbiznis/billingcore/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/billingcore/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/billingcore/internal/catalog/service"
	"github.com/smallbiznis/billingcore/internal/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Epoch is the fixed start time used by lifecycle tests.
var Epoch = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

func Node(t testing.TB) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return node
}

func Catalog(t testing.TB, db *gorm.DB, node *snowflake.Node, clk clock.Clock) catalogdomain.Service {
	t.Helper()
	return catalogservice.NewService(catalogservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  catalogrepo.Provide(),
	})
}

type PlanSpec struct {
	Code         string
	Price        string
	Limits       map[string]int64
	Overage      map[string]string
	TrialDays    *int
	Standalone   *bool
	InBundle     *bool
	Interval     string
	Currency     string
	ProcessorRef string
}

func Product(t testing.TB, svc catalogdomain.Service, req catalogdomain.CreateProductRequest) *catalogdomain.Product {
	t.Helper()
	if req.Name == "" {
		req.Name = req.Code
	}
	if req.BillingType == "" {
		req.BillingType = string(catalogdomain.BillingFixed)
	}
	product, err := svc.CreateProduct(context.Background(), req)
	require.NoError(t, err)
	return product
}

func Plan(t testing.TB, svc catalogdomain.Service, productCode string, spec PlanSpec) *catalogdomain.Plan {
	t.Helper()
	price, err := decimal.NewFromString(spec.Price)
	require.NoError(t, err)
	rates := map[string]decimal.Decimal{}
	for metric, raw := range spec.Overage {
		rate, err := decimal.NewFromString(raw)
		require.NoError(t, err)
		rates[metric] = rate
	}
	interval := spec.Interval
	if interval == "" {
		interval = string(catalogdomain.IntervalMonthly)
	}
	currency := spec.Currency
	if currency == "" {
		currency = "USD"
	}
	plan, err := svc.CreatePlan(context.Background(), productCode, catalogdomain.CreatePlanRequest{
		Code:                spec.Code,
		Name:                spec.Code,
		Price:               price,
		Currency:            currency,
		BillingInterval:     interval,
		UsageLimits:         spec.Limits,
		OverageRates:        rates,
		TrialDays:           spec.TrialDays,
		AvailableStandalone: spec.Standalone,
		AllowedInBundle:     spec.InBundle,
		ProcessorPriceID:    spec.ProcessorRef,
	})
	require.NoError(t, err)
	return plan
}

func Int(v int) *int { return &v }

func Bool(v bool) *bool { return &v }
