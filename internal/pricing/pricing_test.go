package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billingcore/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func twoPlanBundle(t *testing.T, kind DiscountType, value string) Bundle {
	return Bundle{
		Code:          "growth",
		Currency:      "usd",
		DiscountType:  kind,
		DiscountValue: dec(t, value),
		Components: []Component{
			{ProductID: 1, PlanID: 11, Name: "CRM Pro", Price: dec(t, "50"), Currency: "USD"},
			{ProductID: 2, PlanID: 21, Name: "Helpdesk", Price: dec(t, "30"), Currency: "USD"},
		},
	}
}

func TestPricePercentageScenario(t *testing.T) {
	quote, err := Price(twoPlanBundle(t, DiscountPercentage, "20"))
	require.NoError(t, err)

	assert.Equal(t, "USD", quote.Currency)
	assert.True(t, quote.Subtotal.Equal(dec(t, "80")), quote.Subtotal.String())
	assert.True(t, quote.Discount.Equal(dec(t, "16")), quote.Discount.String())
	assert.True(t, quote.Total.Equal(dec(t, "64")), quote.Total.String())
	require.Len(t, quote.LineItems, 2)
	assert.Equal(t, "CRM Pro", quote.LineItems[0].Name)
}

func TestPriceIsDeterministic(t *testing.T) {
	b := twoPlanBundle(t, DiscountPercentage, "33.335")
	first, err := Price(b)
	require.NoError(t, err)
	second, err := Price(b)
	require.NoError(t, err)
	assert.True(t, first.Total.Equal(second.Total))
	assert.True(t, first.Discount.Equal(second.Discount))
}

func TestPriceFixedDiscountCapsAtSubtotal(t *testing.T) {
	quote, err := Price(twoPlanBundle(t, DiscountFixed, "500"))
	require.NoError(t, err)
	assert.True(t, quote.Discount.Equal(dec(t, "80")))
	assert.True(t, quote.Total.IsZero())
	assert.False(t, quote.Total.IsNegative())
}

func TestPriceRoundsHalfToEven(t *testing.T) {
	b := Bundle{
		Currency:      "USD",
		DiscountType:  DiscountPercentage,
		DiscountValue: dec(t, "50"),
		Components:    []Component{{Name: "a", Price: dec(t, "0.05")}},
	}
	quote, err := Price(b)
	require.NoError(t, err)
	// 0.025 rounds to 0.02, not 0.03.
	assert.Equal(t, "0.02", quote.Discount.StringFixed(2))
	assert.Equal(t, "0.03", quote.Total.StringFixed(2))
}

func TestPriceZeroDecimalCurrency(t *testing.T) {
	b := Bundle{
		Currency:      "JPY",
		DiscountType:  DiscountPercentage,
		DiscountValue: dec(t, "15"),
		Components:    []Component{{Name: "a", Price: dec(t, "1010")}},
	}
	quote, err := Price(b)
	require.NoError(t, err)
	// 151.5 rounds to 152.
	assert.Equal(t, "152", quote.Discount.String())
	assert.Equal(t, "858", quote.Total.String())
}

func TestPriceValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Bundle)
		want   error
	}{
		{"empty", func(b *Bundle) { b.Components = nil }, ErrEmptyBundle},
		{"currency", func(b *Bundle) { b.Currency = "" }, ErrMissingCurrency},
		{"mixed currency", func(b *Bundle) { b.Components[1].Currency = "EUR" }, ErrCurrencyMismatch},
		{"negative price", func(b *Bundle) { b.Components[0].Price = dec(t, "-1") }, ErrNegativePrice},
		{"percentage above 100", func(b *Bundle) { b.DiscountValue = dec(t, "120") }, ErrInvalidDiscountValue},
		{"negative discount", func(b *Bundle) { b.DiscountValue = dec(t, "-5") }, ErrInvalidDiscountValue},
		{"unknown type", func(b *Bundle) { b.DiscountType = "bogo" }, ErrInvalidDiscountType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := twoPlanBundle(t, DiscountPercentage, "20")
			tc.mutate(&b)
			_, err := Price(b)
			require.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int32(0), MinorUnits("jpy"))
	assert.Equal(t, int32(3), MinorUnits("KWD"))
	assert.Equal(t, int32(2), MinorUnits("USD"))
}
