package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/strandworks/storefront/internal/domain/catalog"
)

const getVariantTiersSQL = `SELECT pt.product_id, pt.variant_label, pt.quantity, pt.bundle_price
	FROM pricing_tiers pt
	WHERE (pt.product_id, pt.variant_label) IN (
		SELECT unnest($1::text[]), unnest($2::text[])
	)
	ORDER BY pt.product_id, pt.variant_label, pt.quantity`

var _ catalog.Repository = (*CatalogRepository)(nil)

// CatalogRepository implements catalog.Repository backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// GetVariants fetches the requested variants with their pricing tiers in a
// single query. Any key without at least one tier row yields
// catalog.ErrVariantNotFound.
func (r *CatalogRepository) GetVariants(ctx context.Context, keys []catalog.VariantKey) (map[catalog.VariantKey]catalog.Variant, error) {
	if len(keys) == 0 {
		return map[catalog.VariantKey]catalog.Variant{}, nil
	}

	productIDs := make([]string, len(keys))
	labels := make([]string, len(keys))
	for i, k := range keys {
		productIDs[i] = k.ProductID
		labels[i] = k.VariantLabel
	}

	rows, err := r.pool.Query(ctx, getVariantTiersSQL, productIDs, labels)
	if err != nil {
		return nil, fmt.Errorf("querying variant tiers: %w", err)
	}
	defer rows.Close()

	out := make(map[catalog.VariantKey]catalog.Variant, len(keys))
	for rows.Next() {
		var (
			key      catalog.VariantKey
			quantity int
			price    decimal.Decimal
		)
		if err := rows.Scan(&key.ProductID, &key.VariantLabel, &quantity, &price); err != nil {
			return nil, fmt.Errorf("scanning variant tier: %w", err)
		}

		v, ok := out[key]
		if !ok {
			v = catalog.Variant{ProductID: key.ProductID, Label: key.VariantLabel}
		}
		v.Tiers = append(v.Tiers, catalog.PricingTier{Quantity: quantity, BundlePrice: price})
		out[key] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading variant tiers: %w", err)
	}

	for _, k := range keys {
		if _, ok := out[k]; !ok {
			return nil, errors.Wrapf(catalog.ErrVariantNotFound, "%s/%s", k.ProductID, k.VariantLabel)
		}
	}
	return out, nil
}
