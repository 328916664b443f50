package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/strandworks/storefront/internal/domain/catalog"
	"github.com/strandworks/storefront/internal/domain/inventory"
)

const (
	// The WHERE clause is the oversell guard: the decrement only lands
	// when enough stock remains, so concurrent reservations for the same
	// variant serialize on the row and the loser matches zero rows.
	reserveStockSQL = `UPDATE inventory
		SET stock_units = stock_units - $3, updated_at = now()
		WHERE product_id = $1 AND variant_label = $2 AND stock_units >= $3`

	restockSQL = `UPDATE inventory
		SET stock_units = stock_units + $3, updated_at = now()
		WHERE product_id = $1 AND variant_label = $2`

	currentStockSQL = `SELECT stock_units FROM inventory
		WHERE product_id = $1 AND variant_label = $2`

	adjustStockSQL = `INSERT INTO inventory (product_id, variant_label, stock_units)
		VALUES ($1, $2, $3)
		ON CONFLICT (product_id, variant_label)
		DO UPDATE SET stock_units = EXCLUDED.stock_units, updated_at = now()`

	getStockSQL = `SELECT product_id, variant_label, stock_units FROM inventory
		WHERE (product_id, variant_label) IN (
			SELECT unnest($1::text[]), unnest($2::text[])
		)`
)

var _ inventory.Store = (*InventoryStore)(nil)

// InventoryStore implements inventory.Store backed by PostgreSQL.
type InventoryStore struct {
	pool *pgxpool.Pool
}

// NewInventoryStore returns an InventoryStore that uses the given pool.
func NewInventoryStore(pool *pgxpool.Pool) *InventoryStore {
	return &InventoryStore{pool: pool}
}

// Reserve deducts every demand inside one transaction. The first variant
// that cannot satisfy its demand aborts the transaction with
// *inventory.InsufficientStockError, leaving all stock untouched.
func (s *InventoryStore) Reserve(ctx context.Context, demands []inventory.Demand) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin reservation: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	for _, d := range demands {
		tag, err := tx.Exec(ctx, reserveStockSQL, d.ProductID, d.VariantLabel, d.Units)
		if err != nil {
			return fmt.Errorf("reserving %s/%s: %w", d.ProductID, d.VariantLabel, err)
		}
		if tag.RowsAffected() == 1 {
			continue
		}

		// Either the row is missing or stock fell short; look to report.
		var remaining int
		err = tx.QueryRow(ctx, currentStockSQL, d.ProductID, d.VariantLabel).Scan(&remaining)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return inventory.ErrUnknownVariant
		case err != nil:
			return fmt.Errorf("reading stock for %s/%s: %w", d.ProductID, d.VariantLabel, err)
		}
		return &inventory.InsufficientStockError{
			ProductID:    d.ProductID,
			VariantLabel: d.VariantLabel,
			Requested:    d.Units,
			Remaining:    remaining,
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reservation: %w", err)
	}
	return nil
}

// Restock adds units back. Additive rather than snapshot-based, so it stays
// correct even when stock moved since the original reservation.
func (s *InventoryStore) Restock(ctx context.Context, demands []inventory.Demand) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin restock: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, d := range demands {
		if _, err := tx.Exec(ctx, restockSQL, d.ProductID, d.VariantLabel, d.Units); err != nil {
			return fmt.Errorf("restocking %s/%s: %w", d.ProductID, d.VariantLabel, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit restock: %w", err)
	}
	return nil
}

// GetStock reads current stock for the given keys; missing rows are simply
// absent from the result.
func (s *InventoryStore) GetStock(ctx context.Context, keys []catalog.VariantKey) (map[catalog.VariantKey]int, error) {
	if len(keys) == 0 {
		return map[catalog.VariantKey]int{}, nil
	}

	productIDs := make([]string, len(keys))
	labels := make([]string, len(keys))
	for i, k := range keys {
		productIDs[i] = k.ProductID
		labels[i] = k.VariantLabel
	}

	rows, err := s.pool.Query(ctx, getStockSQL, productIDs, labels)
	if err != nil {
		return nil, fmt.Errorf("querying stock: %w", err)
	}
	defer rows.Close()

	out := make(map[catalog.VariantKey]int, len(keys))
	for rows.Next() {
		var (
			key   catalog.VariantKey
			units int
		)
		if err := rows.Scan(&key.ProductID, &key.VariantLabel, &units); err != nil {
			return nil, fmt.Errorf("scanning stock: %w", err)
		}
		out[key] = units
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading stock: %w", err)
	}
	return out, nil
}

// AdjustStock sets (or creates) a stock row at an absolute level. Admin use.
func (s *InventoryStore) AdjustStock(ctx context.Context, productID, variantLabel string, stockUnits int) error {
	if _, err := s.pool.Exec(ctx, adjustStockSQL, productID, variantLabel, stockUnits); err != nil {
		return fmt.Errorf("adjusting stock for %s/%s: %w", productID, variantLabel, err)
	}
	return nil
}
