package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/strandworks/storefront/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders
		(id, order_number, status, customer_name, customer_email, customer_phone,
		 items, shipping, referral, subtotal, discount, total_units, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`

	selectOrderSQL = `SELECT id, order_number, status, customer_name, customer_email, customer_phone,
		items, shipping, referral, subtotal, discount, total_units,
		carrier, tracking_number, created_at, updated_at
		FROM orders`

	getOrderByIDSQL     = selectOrderSQL + ` WHERE id = $1`
	getOrderByNumberSQL = selectOrderSQL + ` WHERE order_number = $1`

	listOrdersSQL = selectOrderSQL + ` WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC LIMIT $2`

	updateOrderStatusSQL = `UPDATE orders
		SET status = $2, carrier = $3, tracking_number = $4, updated_at = now()
		WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. Items, shipping address and referral context
// are serialized to JSON for storage in JSONB columns. A colliding order
// number surfaces as order.ErrNumberTaken so the caller can retry with a
// fresh one.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}
	shippingJSON, err := json.Marshal(o.Shipping)
	if err != nil {
		return fmt.Errorf("marshaling shipping address: %w", err)
	}
	var referralJSON []byte
	if o.Referral != nil {
		if referralJSON, err = json.Marshal(o.Referral); err != nil {
			return fmt.Errorf("marshaling referral context: %w", err)
		}
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.Number, string(o.Status),
		o.Customer.Name, o.Customer.Email, o.Customer.Phone,
		itemsJSON, shippingJSON, referralJSON,
		o.Subtotal, o.Discount, o.TotalUnits, o.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "orders_order_number_key") {
			return order.ErrNumberTaken
		}
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}

	return nil
}

// GetByID fetches a single order by its internal id.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return r.getOne(ctx, getOrderByIDSQL, id)
}

// GetByNumber fetches a single order by its customer-facing number.
func (r *OrderRepository) GetByNumber(ctx context.Context, number string) (*order.Order, error) {
	return r.getOne(ctx, getOrderByNumberSQL, number)
}

func (r *OrderRepository) getOne(ctx context.Context, query, arg string) (*order.Order, error) {
	row := r.pool.QueryRow(ctx, query, arg)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("fetching order: %w", err)
	}
	return o, nil
}

// List returns the most recent orders, optionally filtered by status.
func (r *OrderRepository) List(ctx context.Context, status *order.Status, limit int) ([]order.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	var statusArg *string
	if status != nil {
		s := string(*status)
		statusArg = &s
	}

	rows, err := r.pool.Query(ctx, listOrdersSQL, statusArg, limit)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		out = append(out, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading orders: %w", err)
	}
	return out, nil
}

// UpdateStatus persists a status change, including shipment details when the
// transition recorded them on the order. The carrier columns are NOT NULL
// with empty-string defaults, so a nil shipment writes empty strings.
func (r *OrderRepository) UpdateStatus(ctx context.Context, o *order.Order) error {
	var carrier, tracking string
	if o.Shipment != nil {
		carrier = o.Shipment.Carrier
		tracking = o.Shipment.TrackingNumber
	}

	tag, err := r.pool.Exec(ctx, updateOrderStatusSQL, o.ID, string(o.Status), carrier, tracking)
	if err != nil {
		return fmt.Errorf("updating order %q status: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o            order.Order
		status       string
		itemsJSON    []byte
		shippingJSON []byte
		referralJSON []byte
		subtotal     decimal.Decimal
		discount     decimal.Decimal
		carrier      string
		tracking     string
		createdAt    time.Time
		updatedAt    time.Time
	)
	err := row.Scan(
		&o.ID, &o.Number, &status,
		&o.Customer.Name, &o.Customer.Email, &o.Customer.Phone,
		&itemsJSON, &shippingJSON, &referralJSON,
		&subtotal, &discount, &o.TotalUnits,
		&carrier, &tracking, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Status = order.Status(status)
	o.Subtotal = subtotal
	o.Discount = discount
	o.CreatedAt = createdAt
	o.UpdatedAt = updatedAt

	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling order items: %w", err)
	}
	if err := json.Unmarshal(shippingJSON, &o.Shipping); err != nil {
		return nil, fmt.Errorf("unmarshaling shipping address: %w", err)
	}
	if len(referralJSON) > 0 {
		o.Referral = &order.ReferralContext{}
		if err := json.Unmarshal(referralJSON, o.Referral); err != nil {
			return nil, fmt.Errorf("unmarshaling referral context: %w", err)
		}
	}
	// Unshipped orders hold empty-string defaults, not a shipment.
	if carrier != "" {
		o.Shipment = &order.Shipment{Carrier: carrier, TrackingNumber: tracking}
	}

	return &o, nil
}
