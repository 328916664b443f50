package order

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for order persistence.
var (
	// ErrNotFound is returned when no order matches the lookup.
	ErrNotFound = errors.New("order not found")
	// ErrNumberTaken is returned when the generated order number collides
	// with an existing order; callers regenerate and retry.
	ErrNumberTaken = errors.New("order number already taken")
)

// Item is a priced line item on a persisted order.
type Item struct {
	Key          string          `json:"key"`
	ProductID    string          `json:"product_id"`
	VariantLabel string          `json:"variant_label"`
	TierQuantity int             `json:"tier_quantity"`
	Count        int             `json:"count"`
	LineTotal    decimal.Decimal `json:"line_total"`
}

// Customer holds the identity fields captured at checkout.
type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

// ShippingAddress is the destination captured at checkout.
type ShippingAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// ReferralContext records the referral applied to an order, when any.
type ReferralContext struct {
	PartnerID string          `json:"partner_id"`
	CodeID    string          `json:"code_id,omitempty"`
	Code      string          `json:"code,omitempty"`
	Discount  decimal.Decimal `json:"discount"`
}

// Shipment holds carrier details, required atomically with the SHIPPED
// transition.
type Shipment struct {
	Carrier        string
	TrackingNumber string
}

// Order is the persisted result of a successful intake. It is created
// exactly once; afterwards only status transitions mutate it.
type Order struct {
	ID         string
	Number     string
	Status     Status
	Customer   Customer
	Shipping   ShippingAddress
	Items      []Item
	Subtotal   decimal.Decimal
	Discount   decimal.Decimal
	TotalUnits int
	Referral   *ReferralContext
	Shipment   *Shipment
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create persists a new order. Returns ErrNumberTaken on an order
	// number collision.
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	GetByNumber(ctx context.Context, number string) (*Order, error)
	// List returns orders newest first, optionally filtered by status.
	List(ctx context.Context, status *Status, limit int) ([]Order, error)
	// UpdateStatus persists a status transition together with any
	// shipment details.
	UpdateStatus(ctx context.Context, o *Order) error
}

// NewNumber generates a human-quotable 6-digit order number. Uniqueness is
// enforced by storage; collisions surface as ErrNumberTaken and callers
// regenerate.
func NewNumber() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", errors.Wrap(err, "generate order number")
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
