package referral

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported code discount strategies.
type DiscountType string

const (
	// DiscountPercent applies a percentage of the subtotal.
	DiscountPercent DiscountType = "percent"
	// DiscountFixed applies a fixed monetary amount capped at the subtotal.
	DiscountFixed DiscountType = "fixed"
)

var hundred = decimal.NewFromInt(100)

// Discounter computes the discount a code grants for a given subtotal.
// Each discount type is its own variant; call sites never branch on the
// type tag.
type Discounter interface {
	Compute(subtotal decimal.Decimal) decimal.Decimal
}

type percentDiscount struct {
	pct decimal.Decimal
}

func (d percentDiscount) Compute(subtotal decimal.Decimal) decimal.Decimal {
	amount := subtotal.Mul(d.pct).Div(hundred).Round(2)
	return decimal.Min(subtotal, amount)
}

type fixedDiscount struct {
	amount decimal.Decimal
}

func (d fixedDiscount) Compute(subtotal decimal.Decimal) decimal.Decimal {
	return decimal.Min(subtotal, d.amount.Round(2))
}

// Discounter returns the computation variant for this code.
func (c *Code) Discounter() (Discounter, error) {
	switch c.DiscountType {
	case DiscountPercent:
		return percentDiscount{pct: c.DiscountValue}, nil
	case DiscountFixed:
		return fixedDiscount{amount: c.DiscountValue}, nil
	default:
		return nil, errors.Errorf("unsupported discount type: %q", c.DiscountType)
	}
}
