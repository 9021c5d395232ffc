// Package pricing computes bundle quotes. It performs no I/O: the same input
// always produces the same quote, so previews and order creation share it.
package pricing

import (
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billingcore/internal/errs"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

var (
	ErrEmptyBundle          = errors.New("bundle_has_no_components")
	ErrCurrencyMismatch     = errors.New("currency_mismatch")
	ErrNegativePrice        = errors.New("negative_price")
	ErrInvalidDiscountType  = errors.New("invalid_discount_type")
	ErrInvalidDiscountValue = errors.New("invalid_discount_value")
	ErrMissingCurrency      = errors.New("missing_currency")
)

var hundred = decimal.NewFromInt(100)

// Component is one priced plan inside a bundle.
type Component struct {
	ProductID snowflake.ID
	PlanID    snowflake.ID
	Name      string
	Price     decimal.Decimal
	Currency  string
}

type Bundle struct {
	Code          string
	Currency      string
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	Components    []Component
}

type LineItem struct {
	ProductID snowflake.ID    `json:"product_id"`
	PlanID    snowflake.ID    `json:"plan_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
}

type Quote struct {
	Currency  string          `json:"currency"`
	LineItems []LineItem      `json:"line_items"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Discount  decimal.Decimal `json:"discount"`
	Total     decimal.Decimal `json:"total"`
}

// Price sums component prices and applies the bundle discount. Every monetary
// output is rounded half-to-even at the currency's minor unit.
func Price(b Bundle) (Quote, error) {
	currency := strings.ToUpper(strings.TrimSpace(b.Currency))
	if currency == "" {
		return Quote{}, errs.Validation(ErrMissingCurrency, "currency")
	}
	if len(b.Components) == 0 {
		return Quote{}, errs.Validation(ErrEmptyBundle, "components")
	}

	quote := Quote{
		Currency:  currency,
		LineItems: make([]LineItem, 0, len(b.Components)),
		Subtotal:  decimal.Zero,
	}
	for _, c := range b.Components {
		if c.Currency != "" && !strings.EqualFold(c.Currency, currency) {
			return Quote{}, errs.Validation(ErrCurrencyMismatch, "components.currency")
		}
		if c.Price.IsNegative() {
			return Quote{}, errs.Validation(ErrNegativePrice, "components.price")
		}
		price := Round(c.Price, currency)
		quote.LineItems = append(quote.LineItems, LineItem{
			ProductID: c.ProductID,
			PlanID:    c.PlanID,
			Name:      c.Name,
			Price:     price,
		})
		quote.Subtotal = quote.Subtotal.Add(price)
	}

	discount, err := discountFor(b.DiscountType, b.DiscountValue, quote.Subtotal)
	if err != nil {
		return Quote{}, err
	}
	quote.Discount = Round(discount, currency)
	if quote.Discount.GreaterThan(quote.Subtotal) {
		quote.Discount = quote.Subtotal
	}
	quote.Total = quote.Subtotal.Sub(quote.Discount)
	return quote, nil
}

func discountFor(kind DiscountType, value, subtotal decimal.Decimal) (decimal.Decimal, error) {
	if value.IsNegative() {
		return decimal.Zero, errs.Validation(ErrInvalidDiscountValue, "discount_value")
	}
	switch kind {
	case DiscountPercentage:
		if value.GreaterThan(hundred) {
			return decimal.Zero, errs.Validation(ErrInvalidDiscountValue, "discount_value")
		}
		return subtotal.Mul(value).Div(hundred), nil
	case DiscountFixed:
		return decimal.Min(value, subtotal), nil
	case "":
		if value.IsZero() {
			return decimal.Zero, nil
		}
	}
	return decimal.Zero, errs.Validation(ErrInvalidDiscountType, "discount_type")
}

// ValidDiscountType reports whether kind is a supported discount policy.
func ValidDiscountType(kind DiscountType) bool {
	return kind == DiscountPercentage || kind == DiscountFixed
}
