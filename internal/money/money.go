// Package money converts between POS decimal amounts and the remote
// service's integer-cents wire representation.
package money

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ariefcatur/go-pos-sync/internal/orders"
)

var hundred = decimal.NewFromInt(100)

// ToCents renders d as whole cents. Fractions of a cent are truncated toward
// zero, so 1.799 becomes "179" and -0.639 becomes "-63".
func ToCents(d decimal.Decimal) string {
	return d.Mul(hundred).Truncate(0).String()
}

// FromCents parses a cents string from the wire.
func FromCents(s string) (decimal.Decimal, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return decimal.Zero, nil
	}
	n, err := strconv.ParseInt(t, 10, 64)
	if err != nil {
		return decimal.Zero, orders.Validation(orders.EntityProduct, "", "currency amount is not a whole number of cents", s)
	}
	return decimal.New(n, -2), nil
}

// MustFromCents is for constants and tests.
func MustFromCents(s string) decimal.Decimal {
	d, err := FromCents(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Parse reads a POS-side decimal string such as "12.50".
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, orders.Validation(orders.EntityProduct, "", "currency amount is not parseable", s)
	}
	return d, nil
}
