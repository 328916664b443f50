package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/strandworks/storefront/internal/domain/referral"
)

const (
	findAttributionSQL = `SELECT id, partner_id, COALESCE(code_id, ''), customer_email,
		customer_user_id, first_order_id, lifetime_revenue, total_orders, last_order_at
		FROM referral_attributions
		WHERE customer_email = $1 OR ($2 <> '' AND customer_user_id = $2)
		LIMIT 1`

	findCodeSQL = `SELECT c.id, c.partner_id, c.code, c.discount_type, c.discount_value,
		c.starts_at, c.expires_at, c.max_redemptions, c.redemptions, c.active,
		p.id, p.name, p.active, p.default_discount, p.created_at
		FROM referral_codes c
		JOIN referral_partners p ON p.id = c.partner_id
		WHERE c.code = $1`

	// ON CONFLICT DO NOTHING makes the unique email index the arbiter for
	// two first orders racing; RowsAffected tells the caller who won.
	createAttributionSQL = `INSERT INTO referral_attributions
		(id, partner_id, code_id, customer_email, customer_user_id,
		 first_order_id, lifetime_revenue, total_orders, last_order_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (customer_email) DO NOTHING`

	accumulateSQL = `UPDATE referral_attributions
		SET lifetime_revenue = lifetime_revenue + $2,
		    total_orders = total_orders + 1,
		    last_order_at = $3
		WHERE id = $1`

	incrementRedemptionsSQL = `UPDATE referral_codes
		SET redemptions = redemptions + 1 WHERE id = $1`

	createPartnerSQL = `INSERT INTO referral_partners (id, name, active, default_discount, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	createCodeSQL = `INSERT INTO referral_codes
		(id, partner_id, code, discount_type, discount_value,
		 starts_at, expires_at, max_redemptions, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	getPartnerSQL = `SELECT id, name, active, default_discount, created_at
		FROM referral_partners WHERE id = $1`

	listPartnerCodesSQL = `SELECT id, partner_id, code, discount_type, discount_value,
		starts_at, expires_at, max_redemptions, redemptions, active
		FROM referral_codes WHERE partner_id = $1 ORDER BY code`

	partnerStatsSQL = `SELECT COUNT(*), COALESCE(SUM(total_orders), 0),
		COALESCE(SUM(lifetime_revenue), 0)
		FROM referral_attributions WHERE partner_id = $1`
)

var (
	_ referral.Repository      = (*ReferralStore)(nil)
	_ referral.AdminRepository = (*ReferralStore)(nil)
)

// ReferralStore implements referral.Repository and referral.AdminRepository
// backed by PostgreSQL.
type ReferralStore struct {
	pool *pgxpool.Pool
}

// NewReferralStore returns a ReferralStore that uses the given pool.
func NewReferralStore(pool *pgxpool.Pool) *ReferralStore {
	return &ReferralStore{pool: pool}
}

// FindAttribution looks up an attribution by normalized email or account id.
func (s *ReferralStore) FindAttribution(ctx context.Context, id referral.Identity) (*referral.Attribution, error) {
	var a referral.Attribution
	err := s.pool.QueryRow(ctx, findAttributionSQL, id.Email, id.UserID).Scan(
		&a.ID, &a.PartnerID, &a.CodeID, &a.CustomerEmail, &a.CustomerUserID,
		&a.FirstOrderID, &a.LifetimeRevenue, &a.TotalOrders, &a.LastOrderAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, referral.ErrNoAttribution
		}
		return nil, fmt.Errorf("finding attribution: %w", err)
	}
	return &a, nil
}

// FindCode looks up a normalized code together with its owning partner.
func (s *ReferralStore) FindCode(ctx context.Context, code string) (*referral.Code, *referral.Partner, error) {
	var (
		c referral.Code
		p referral.Partner
	)
	err := s.pool.QueryRow(ctx, findCodeSQL, code).Scan(
		&c.ID, &c.PartnerID, &c.Code, &c.DiscountType, &c.DiscountValue,
		&c.StartsAt, &c.ExpiresAt, &c.MaxRedemptions, &c.Redemptions, &c.Active,
		&p.ID, &p.Name, &p.Active, &p.DefaultDiscount, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, referral.ErrCodeNotFound
		}
		return nil, nil, fmt.Errorf("finding referral code %q: %w", code, err)
	}
	return &c, &p, nil
}

// CreateAttribution inserts the attribution unless the customer already has
// one. Reports whether this call created the row.
func (s *ReferralStore) CreateAttribution(ctx context.Context, a *referral.Attribution) (bool, error) {
	var codeID *string
	if a.CodeID != "" {
		codeID = &a.CodeID
	}

	tag, err := s.pool.Exec(ctx, createAttributionSQL,
		a.ID, a.PartnerID, codeID, a.CustomerEmail, a.CustomerUserID,
		a.FirstOrderID, a.LifetimeRevenue, a.TotalOrders, a.LastOrderAt,
	)
	if err != nil {
		return false, fmt.Errorf("creating attribution for %q: %w", a.CustomerEmail, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Accumulate adds one order's revenue to an existing attribution.
func (s *ReferralStore) Accumulate(ctx context.Context, attributionID string, revenue decimal.Decimal, at time.Time) error {
	tag, err := s.pool.Exec(ctx, accumulateSQL, attributionID, revenue, at)
	if err != nil {
		return fmt.Errorf("accumulating attribution %q: %w", attributionID, err)
	}
	if tag.RowsAffected() == 0 {
		return referral.ErrNoAttribution
	}
	return nil
}

// IncrementRedemptions bumps a code's redemption counter.
func (s *ReferralStore) IncrementRedemptions(ctx context.Context, codeID string) error {
	if _, err := s.pool.Exec(ctx, incrementRedemptionsSQL, codeID); err != nil {
		return fmt.Errorf("incrementing redemptions for code %q: %w", codeID, err)
	}
	return nil
}

// CreatePartner inserts a new partner.
func (s *ReferralStore) CreatePartner(ctx context.Context, p *referral.Partner) error {
	_, err := s.pool.Exec(ctx, createPartnerSQL,
		p.ID, p.Name, p.Active, p.DefaultDiscount, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating partner %q: %w", p.Name, err)
	}
	return nil
}

// CreateCode mints a code for a partner.
func (s *ReferralStore) CreateCode(ctx context.Context, c *referral.Code) error {
	_, err := s.pool.Exec(ctx, createCodeSQL,
		c.ID, c.PartnerID, c.Code, string(c.DiscountType), c.DiscountValue,
		c.StartsAt, c.ExpiresAt, c.MaxRedemptions, c.Active,
	)
	if err != nil {
		return fmt.Errorf("creating code %q: %w", c.Code, err)
	}
	return nil
}

// GetPartner fetches a partner with its codes and aggregate attribution stats.
func (s *ReferralStore) GetPartner(ctx context.Context, partnerID string) (*referral.Partner, []*referral.Code, *referral.PartnerStats, error) {
	var p referral.Partner
	err := s.pool.QueryRow(ctx, getPartnerSQL, partnerID).Scan(
		&p.ID, &p.Name, &p.Active, &p.DefaultDiscount, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, nil, referral.ErrPartnerNotFound
		}
		return nil, nil, nil, fmt.Errorf("fetching partner %q: %w", partnerID, err)
	}

	rows, err := s.pool.Query(ctx, listPartnerCodesSQL, partnerID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("listing partner codes: %w", err)
	}
	defer rows.Close()

	var codes []*referral.Code
	for rows.Next() {
		var c referral.Code
		err := rows.Scan(
			&c.ID, &c.PartnerID, &c.Code, &c.DiscountType, &c.DiscountValue,
			&c.StartsAt, &c.ExpiresAt, &c.MaxRedemptions, &c.Redemptions, &c.Active,
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("scanning partner code: %w", err)
		}
		codes = append(codes, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("reading partner codes: %w", err)
	}

	var stats referral.PartnerStats
	err = s.pool.QueryRow(ctx, partnerStatsSQL, partnerID).Scan(
		&stats.Customers, &stats.TotalOrders, &stats.LifetimeRevenue,
	)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("aggregating partner stats: %w", err)
	}

	return &p, codes, &stats, nil
}
