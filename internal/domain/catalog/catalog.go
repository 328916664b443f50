package catalog

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrVariantNotFound is returned when a requested (product, variant) pair
// does not exist in the catalog.
var ErrVariantNotFound = errors.New("variant not found")

// VariantKey identifies a sellable (product, variant) pair.
type VariantKey struct {
	ProductID    string
	VariantLabel string
}

// PricingTier is one advertised quantity break for a variant.
// BundlePrice is the price of the whole bundle, not per unit.
type PricingTier struct {
	Quantity    int
	BundlePrice decimal.Decimal
}

// Variant is a sellable product variant with its authoritative price tiers.
// Tiers are ordered by ascending quantity.
type Variant struct {
	ProductID string
	Label     string
	Tiers     []PricingTier
}

// Product represents a catalog item available for purchase.
type Product struct {
	ID       string
	Name     string
	Category string
}

// Repository defines read operations for the product catalog.
type Repository interface {
	// GetVariants fetches the given variants with their pricing tiers.
	// A key with no matching variant yields ErrVariantNotFound.
	GetVariants(ctx context.Context, keys []VariantKey) (map[VariantKey]Variant, error)
}

// TierFor returns the tier with exactly the given quantity, or false.
func (v Variant) TierFor(quantity int) (PricingTier, bool) {
	for _, t := range v.Tiers {
		if t.Quantity == quantity {
			return t, true
		}
	}
	return PricingTier{}, false
}
