// Package inventory tracks per-variant stock and plans reservations for
// submitted orders. Reservations are all-or-nothing: if any line lacks
// stock, nothing is deducted. The atomic read-modify-write on stock values
// belongs to the Store implementation; this package owns aggregation and
// the failure contract.
package inventory

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/strandworks/storefront/internal/domain/catalog"
)

// ErrUnknownVariant is returned when a demand names a (product, variant)
// pair with no inventory row.
var ErrUnknownVariant = errors.New("no inventory record for variant")

// InsufficientStockError identifies the first line that could not be
// reserved and how much stock remains for it.
type InsufficientStockError struct {
	ProductID    string
	VariantLabel string
	Requested    int
	Remaining    int
}

func (e *InsufficientStockError) Error() string {
	if e.Remaining == 0 {
		return fmt.Sprintf("%s/%s is out of stock", e.ProductID, e.VariantLabel)
	}
	return fmt.Sprintf("%s/%s: requested %d units, only %d in stock",
		e.ProductID, e.VariantLabel, e.Requested, e.Remaining)
}

// Record is one stock row per (product, variant) pair.
type Record struct {
	ProductID    string
	VariantLabel string
	StockUnits   int
}

// Demand is the unit quantity an order requires (or returns) for one variant.
type Demand struct {
	ProductID    string
	VariantLabel string
	Units        int
}

// Key returns the catalog key for this demand.
func (d Demand) Key() catalog.VariantKey {
	return catalog.VariantKey{ProductID: d.ProductID, VariantLabel: d.VariantLabel}
}

// Store owns the stock rows and their atomicity guarantees.
type Store interface {
	// Reserve deducts every demand within one transaction. When any
	// variant lacks stock it returns *InsufficientStockError for the
	// offending item and deducts nothing.
	Reserve(ctx context.Context, demands []Demand) error
	// Restock adds every demand's units back. Additive, not a snapshot
	// restore: safe even if stock moved since the original reservation.
	Restock(ctx context.Context, demands []Demand) error
	// GetStock reads current stock; missing rows are absent from the map.
	GetStock(ctx context.Context, keys []catalog.VariantKey) (map[catalog.VariantKey]int, error)
	// AdjustStock sets or creates a stock row (admin operation).
	AdjustStock(ctx context.Context, productID, variantLabel string, stockUnits int) error
}

// Ledger plans and executes reservations against a Store.
type Ledger struct {
	store Store
}

// NewLedger creates a Ledger backed by the given store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// DemandsFor aggregates line items into one demand per variant, summing
// tierQuantity * count. Non-positive counts contribute nothing.
func DemandsFor(items []Item) []Demand {
	totals := make(map[catalog.VariantKey]int)
	order := make([]catalog.VariantKey, 0, len(items))
	for _, it := range items {
		if it.Count <= 0 || it.TierQuantity <= 0 {
			continue
		}
		key := catalog.VariantKey{ProductID: it.ProductID, VariantLabel: it.VariantLabel}
		if _, seen := totals[key]; !seen {
			order = append(order, key)
		}
		totals[key] += it.TierQuantity * it.Count
	}

	demands := make([]Demand, 0, len(order))
	for _, key := range order {
		demands = append(demands, Demand{
			ProductID:    key.ProductID,
			VariantLabel: key.VariantLabel,
			Units:        totals[key],
		})
	}
	return demands
}

// Item is the slice of a cart line the ledger cares about.
type Item struct {
	ProductID    string
	VariantLabel string
	TierQuantity int
	Count        int
}

// Reserve aggregates the items into per-variant demands and deducts them
// atomically. On success it returns the demand set so the caller can mirror
// it back via Restock if a later pipeline stage fails.
func (l *Ledger) Reserve(ctx context.Context, items []Item) ([]Demand, error) {
	demands := DemandsFor(items)
	if len(demands) == 0 {
		return nil, nil
	}
	if err := l.store.Reserve(ctx, demands); err != nil {
		return nil, err
	}
	return demands, nil
}

// Restock returns previously reserved units to stock.
func (l *Ledger) Restock(ctx context.Context, demands []Demand) error {
	if len(demands) == 0 {
		return nil
	}
	return l.store.Restock(ctx, demands)
}
