package referral

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrPartnerNotFound is returned by admin lookups for unknown partner ids.
var ErrPartnerNotFound = errors.New("referral partner not found")

// PartnerStats aggregates a partner's attribution totals for reporting.
type PartnerStats struct {
	Customers       int
	TotalOrders     int
	LifetimeRevenue decimal.Decimal
}

// AdminRepository provides the management operations for partners and codes.
type AdminRepository interface {
	// CreatePartner inserts a new partner.
	CreatePartner(ctx context.Context, p *Partner) error
	// CreateCode mints a code for a partner. The code string must already
	// be normalized; a duplicate code fails the insert.
	CreateCode(ctx context.Context, c *Code) error
	// GetPartner fetches a partner with its codes and aggregate stats.
	// Returns ErrPartnerNotFound when the id is unknown.
	GetPartner(ctx context.Context, partnerID string) (*Partner, []*Code, *PartnerStats, error)
}
