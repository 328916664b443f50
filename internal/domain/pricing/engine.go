// Package pricing recomputes cart totals server-side from the catalog's
// authoritative quantity-break tiers. Client-declared totals are never
// trusted; they are only compared against the recomputed subtotal to detect
// tampering or stale carts.
package pricing

import (
	"sort"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/strandworks/storefront/internal/domain/catalog"
)

// UnknownTierError indicates a cart line references a quantity break the
// catalog does not list for its variant.
type UnknownTierError struct {
	ProductID    string
	VariantLabel string
	TierQuantity int
}

func (e *UnknownTierError) Error() string {
	return errors.Errorf("no %d-unit tier for %s/%s", e.TierQuantity, e.ProductID, e.VariantLabel).Error()
}

// LineItem is a cart entry as submitted for pricing. Key uniquely identifies
// the (product, variant, tier) selection within the cart.
type LineItem struct {
	Key          string
	ProductID    string
	VariantLabel string
	TierQuantity int
	Count        int
}

// Units returns the number of physical units this entry represents.
func (li LineItem) Units() int {
	return li.TierQuantity * li.Count
}

// Quote is the authoritative pricing result for a cart.
type Quote struct {
	Subtotal   decimal.Decimal
	LineTotals map[string]decimal.Decimal
	TotalUnits int
}

// Config controls the quantity-break table and the pooled-discount exemption.
// Both are catalog-specific and therefore configuration, not constants.
type Config struct {
	// Breaks are the canonical break sizes advertised to customers,
	// e.g. [1, 5, 10]. Must contain 1.
	Breaks []int
	// PoolingExemptProductID names the one product that always prices at
	// its single-unit rate regardless of pooled volume. Empty disables
	// the exemption.
	PoolingExemptProductID string
}

// DefaultBreaks is the break table the storefront has always advertised.
var DefaultBreaks = []int{1, 5, 10}

// Engine applies tiered volume pricing to carts. It is pure: all state is
// configuration and all inputs arrive per call.
type Engine struct {
	breaks []int // descending
	exempt string
}

// NewEngine creates an Engine from cfg, defaulting the break table when unset.
func NewEngine(cfg Config) *Engine {
	breaks := cfg.Breaks
	if len(breaks) == 0 {
		breaks = DefaultBreaks
	}
	sorted := make([]int, len(breaks))
	copy(sorted, breaks)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	return &Engine{
		breaks: sorted,
		exempt: cfg.PoolingExemptProductID,
	}
}

// Quote prices the cart against the given catalog variants.
//
// Entries are grouped per (product, variant). Pack entries (tier quantity
// above one) price at their own listed bundle price times count, with no
// further discounting. Single-unit entries in a group are pooled: the
// combined unit count selects the highest break the pool clears, and every
// pooled unit prices at that break's per-unit rate.
func (e *Engine) Quote(items []LineItem, variants map[catalog.VariantKey]catalog.Variant) (Quote, error) {
	q := Quote{
		Subtotal:   decimal.Zero,
		LineTotals: make(map[string]decimal.Decimal, len(items)),
	}
	if len(items) == 0 {
		return q, nil
	}

	groups := make(map[catalog.VariantKey][]LineItem)
	for _, item := range items {
		if item.Count <= 0 {
			continue
		}
		key := catalog.VariantKey{ProductID: item.ProductID, VariantLabel: item.VariantLabel}
		groups[key] = append(groups[key], item)
	}

	for key, group := range groups {
		variant, ok := variants[key]
		if !ok {
			return Quote{}, errors.Wrapf(catalog.ErrVariantNotFound, "%s/%s", key.ProductID, key.VariantLabel)
		}

		var singles []LineItem
		poolUnits := 0

		for _, item := range group {
			if item.TierQuantity > 1 {
				// Pack entry: priced at its own listed tier, no pooling.
				tier, ok := variant.TierFor(item.TierQuantity)
				if !ok {
					return Quote{}, &UnknownTierError{
						ProductID:    item.ProductID,
						VariantLabel: item.VariantLabel,
						TierQuantity: item.TierQuantity,
					}
				}
				total := tier.BundlePrice.Mul(decimal.NewFromInt(int64(item.Count))).Round(2)
				q.LineTotals[item.Key] = total
				q.Subtotal = q.Subtotal.Add(total)
				q.TotalUnits += item.Units()
				continue
			}
			singles = append(singles, item)
			poolUnits += item.Units()
		}

		if len(singles) == 0 {
			continue
		}

		perUnit, err := e.pooledUnitPrice(variant, poolUnits)
		if err != nil {
			return Quote{}, err
		}

		for _, item := range singles {
			total := perUnit.Mul(decimal.NewFromInt(int64(item.Units()))).Round(2)
			q.LineTotals[item.Key] = total
			q.Subtotal = q.Subtotal.Add(total)
			q.TotalUnits += item.Units()
		}
	}

	q.Subtotal = q.Subtotal.Round(2)
	return q, nil
}

// pooledUnitPrice picks the per-unit rate for a variant's pooled single
// entries: the highest configured break the pool total clears, looked up on
// the variant's tier table. A missing or zero-priced break falls back to the
// cheapest observed per-unit price. The exempt product always prices at the
// single-unit rate.
func (e *Engine) pooledUnitPrice(variant catalog.Variant, poolUnits int) (decimal.Decimal, error) {
	if variant.ProductID == e.exempt {
		return e.unitPriceAtBreak(variant, 1)
	}
	for _, b := range e.breaks {
		if poolUnits >= b {
			return e.unitPriceAtBreak(variant, b)
		}
	}
	return e.unitPriceAtBreak(variant, 1)
}

func (e *Engine) unitPriceAtBreak(variant catalog.Variant, breakQty int) (decimal.Decimal, error) {
	if tier, ok := variant.TierFor(breakQty); ok && tier.BundlePrice.IsPositive() {
		return tier.BundlePrice.Div(decimal.NewFromInt(int64(tier.Quantity))), nil
	}
	return cheapestUnitPrice(variant)
}

// cheapestUnitPrice returns the lowest per-unit price among the variant's
// listed tiers, excluding zero-priced tiers.
func cheapestUnitPrice(variant catalog.Variant) (decimal.Decimal, error) {
	var cheapest decimal.Decimal
	found := false
	for _, t := range variant.Tiers {
		if t.Quantity <= 0 || !t.BundlePrice.IsPositive() {
			continue
		}
		unit := t.BundlePrice.Div(decimal.NewFromInt(int64(t.Quantity)))
		if !found || unit.LessThan(cheapest) {
			cheapest = unit
			found = true
		}
	}
	if !found {
		return decimal.Zero, errors.Errorf("variant %s/%s has no priced tiers", variant.ProductID, variant.Label)
	}
	return cheapest, nil
}

// centTolerance is the maximum allowed drift between a client-declared
// subtotal and the recomputed one.
var centTolerance = decimal.New(1, -2)

// WithinTolerance reports whether declared matches computed to the cent.
func WithinTolerance(declared, computed decimal.Decimal) bool {
	return declared.Sub(computed).Abs().LessThanOrEqual(centTolerance)
}
