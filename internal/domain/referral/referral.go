// Package referral resolves partner codes into discounts and maintains the
// lifetime customer-to-partner attribution that drives partner commission.
// A customer is bound to at most one partner, forever: the attribution is
// created on their first successful referred order and only accumulated
// afterwards.
package referral

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNoAttribution is returned by Repository lookups when the
	// customer has never been attributed.
	ErrNoAttribution = errors.New("no attribution for customer")
	// ErrCodeNotFound is returned when a normalized code has no row.
	ErrCodeNotFound = errors.New("referral code not found")
)

// Partner is a referral partner who earns commission on referred customers.
type Partner struct {
	ID              string
	Name            string
	Active          bool
	DefaultDiscount decimal.Decimal // percent, used when minting codes
	CreatedAt       time.Time
}

// Code is a redeemable referral code owned by a partner. The code string is
// stored in normalized form.
type Code struct {
	ID             string
	PartnerID      string
	Code           string
	DiscountType   DiscountType
	DiscountValue  decimal.Decimal
	StartsAt       *time.Time
	ExpiresAt      *time.Time
	MaxRedemptions int // 0 means unbounded
	Redemptions    int
	Active         bool
}

// Attribution is the permanent binding of a customer to a partner, created
// on the customer's first referred order and accumulated on every order
// after that.
type Attribution struct {
	ID              string
	PartnerID       string
	CodeID          string // empty when attributed without a specific code
	CustomerEmail   string // normalized; the uniqueness key
	CustomerUserID  string
	FirstOrderID    string
	LifetimeRevenue decimal.Decimal
	TotalOrders     int
	LastOrderAt     time.Time
}

// Identity is the customer identity used for attribution lookups.
type Identity struct {
	Email  string
	UserID string
}

// Normalized returns the identity with the email in canonical form.
func (id Identity) Normalized() Identity {
	id.Email = NormalizeEmail(id.Email)
	return id
}

// Repository provides partner, code, and attribution storage.
type Repository interface {
	// FindAttribution looks up an attribution by normalized email or
	// account id. Returns ErrNoAttribution when none exists.
	FindAttribution(ctx context.Context, id Identity) (*Attribution, error)
	// FindCode looks up a code (already normalized) with its partner.
	// Returns ErrCodeNotFound when absent.
	FindCode(ctx context.Context, code string) (*Code, *Partner, error)
	// CreateAttribution inserts the attribution unless one already exists
	// for the customer. Reports whether this call created the row, so a
	// lost race is distinguishable from success.
	CreateAttribution(ctx context.Context, a *Attribution) (created bool, err error)
	// Accumulate atomically adds one order's revenue to the attribution.
	Accumulate(ctx context.Context, attributionID string, revenue decimal.Decimal, at time.Time) error
	// IncrementRedemptions atomically bumps a code's redemption counter.
	IncrementRedemptions(ctx context.Context, codeID string) error
}

// NormalizeCode uppercases the code and strips everything that is not an
// ASCII letter or digit, so "save-10" and "SAVE 10" match the same row.
func NormalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range code {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(unicode.ToUpper(r))
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeEmail lowercases and trims an email for identity matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
