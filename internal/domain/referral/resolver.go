package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RejectReason is the specific validation failure for a submitted code.
type RejectReason string

const (
	ReasonNotFound        RejectReason = "code not found"
	ReasonPartnerInactive RejectReason = "partner is inactive"
	ReasonCodeInactive    RejectReason = "code is inactive"
	ReasonNotStarted      RejectReason = "code is not active yet"
	ReasonExpired         RejectReason = "code has expired"
	ReasonExhausted       RejectReason = "code redemption limit reached"
	ReasonNoDiscount      RejectReason = "code carries no discount"
	ReasonNotApplicable   RejectReason = "code does not apply to current cart"
)

// RejectedCodeError is returned when an explicitly submitted code fails
// validation. It is always surfaced verbatim to the customer.
type RejectedCodeError struct {
	Code   string
	Reason RejectReason
}

func (e *RejectedCodeError) Error() string {
	return fmt.Sprintf("referral code %q rejected: %s", e.Code, e.Reason)
}

// DecisionKind discriminates the resolver outcome.
type DecisionKind string

const (
	// DecisionNone: no prior attribution and no code; proceed unattributed.
	DecisionNone DecisionKind = "none"
	// DecisionApplied: a valid first-time code; discount applies and a
	// pending attribution must be finalized after the order persists.
	DecisionApplied DecisionKind = "applied"
	// DecisionAlreadyAttributed: the customer is permanently bound to a
	// partner; no discount, but revenue accumulates on finalize.
	DecisionAlreadyAttributed DecisionKind = "already_attributed"
)

// PendingAttribution carries everything needed to create the attribution
// once the order is durably persisted. Validation alone must never create
// it, or a never-placed order would consume a redemption slot.
type PendingAttribution struct {
	PartnerID      string
	CodeID         string
	CustomerEmail  string
	CustomerUserID string
}

// Decision is the resolver outcome the orchestrator acts on.
type Decision struct {
	Kind     DecisionKind
	Partner  *Partner
	Code     *Code
	Discount decimal.Decimal
	Pending  *PendingAttribution
	Existing *Attribution
}

// Resolver implements the referral decision tree.
type Resolver struct {
	repo Repository
	now  func() time.Time
}

// NewResolver creates a Resolver backed by the given repository.
func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo, now: time.Now}
}

// Resolve evaluates the decision tree for one submission.
//
// The existing-attribution check runs first, and runs even when no code was
// submitted: subsequent orders from an attributed customer must still count
// toward the bound partner's lifetime totals. A newly submitted code from an
// already-attributed customer is ignored; the discount only ever applied on
// their first referred order.
func (r *Resolver) Resolve(ctx context.Context, id Identity, submittedCode string, subtotal decimal.Decimal) (*Decision, error) {
	id = id.Normalized()

	existing, err := r.repo.FindAttribution(ctx, id)
	switch {
	case err == nil:
		return &Decision{
			Kind:     DecisionAlreadyAttributed,
			Discount: decimal.Zero,
			Existing: existing,
		}, nil
	case !errors.Is(err, ErrNoAttribution):
		return nil, errors.Wrap(err, "lookup attribution")
	}

	if submittedCode == "" {
		return &Decision{Kind: DecisionNone, Discount: decimal.Zero}, nil
	}

	normalized := NormalizeCode(submittedCode)
	code, partner, err := r.repo.FindCode(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrCodeNotFound) {
			return nil, &RejectedCodeError{Code: normalized, Reason: ReasonNotFound}
		}
		return nil, errors.Wrapf(err, "lookup code %q", normalized)
	}

	if reason, ok := r.validate(code, partner); !ok {
		return nil, &RejectedCodeError{Code: normalized, Reason: reason}
	}

	discounter, err := code.Discounter()
	if err != nil {
		return nil, errors.Wrap(err, "build discounter")
	}
	discount := discounter.Compute(subtotal)
	if !discount.IsPositive() {
		return nil, &RejectedCodeError{Code: normalized, Reason: ReasonNotApplicable}
	}

	return &Decision{
		Kind:     DecisionApplied,
		Partner:  partner,
		Code:     code,
		Discount: discount,
		Pending: &PendingAttribution{
			PartnerID:      partner.ID,
			CodeID:         code.ID,
			CustomerEmail:  id.Email,
			CustomerUserID: id.UserID,
		},
	}, nil
}

// validate runs the ordered validation chain; the first failing check wins.
func (r *Resolver) validate(code *Code, partner *Partner) (RejectReason, bool) {
	now := r.now()

	if !partner.Active {
		return ReasonPartnerInactive, false
	}
	if !code.Active {
		return ReasonCodeInactive, false
	}
	if code.StartsAt != nil && now.Before(*code.StartsAt) {
		return ReasonNotStarted, false
	}
	if code.ExpiresAt != nil && now.After(*code.ExpiresAt) {
		return ReasonExpired, false
	}
	if code.MaxRedemptions > 0 && code.Redemptions >= code.MaxRedemptions {
		return ReasonExhausted, false
	}
	if !code.DiscountValue.IsPositive() {
		return ReasonNoDiscount, false
	}
	return "", true
}

// Finalize applies the decision's side effects after the order is durably
// created. For an applied code it creates the attribution and increments
// the redemption counter; for an attributed customer it accumulates the
// order's revenue. Two concurrent first orders racing here resolve to one
// surviving attribution: the loser folds into accumulation and its order
// still succeeds.
func (r *Resolver) Finalize(ctx context.Context, d *Decision, orderID string, orderRevenue decimal.Decimal) error {
	switch d.Kind {
	case DecisionNone:
		return nil

	case DecisionAlreadyAttributed:
		if err := r.repo.Accumulate(ctx, d.Existing.ID, orderRevenue, r.now()); err != nil {
			return errors.Wrap(err, "accumulate attribution")
		}
		return nil

	case DecisionApplied:
		a := &Attribution{
			ID:              uuid.New().String(),
			PartnerID:       d.Pending.PartnerID,
			CodeID:          d.Pending.CodeID,
			CustomerEmail:   d.Pending.CustomerEmail,
			CustomerUserID:  d.Pending.CustomerUserID,
			FirstOrderID:    orderID,
			LifetimeRevenue: orderRevenue,
			TotalOrders:     1,
			LastOrderAt:     r.now(),
		}
		created, err := r.repo.CreateAttribution(ctx, a)
		if err != nil {
			return errors.Wrap(err, "create attribution")
		}
		if !created {
			// Lost the race to a concurrent first order. The customer
			// is bound to whichever partner won; fold this order into
			// that attribution's totals.
			winner, err := r.repo.FindAttribution(ctx, Identity{Email: d.Pending.CustomerEmail, UserID: d.Pending.CustomerUserID})
			if err != nil {
				return errors.Wrap(err, "lookup winning attribution")
			}
			if err := r.repo.Accumulate(ctx, winner.ID, orderRevenue, r.now()); err != nil {
				return errors.Wrap(err, "accumulate winning attribution")
			}
			return nil
		}
		if err := r.repo.IncrementRedemptions(ctx, d.Pending.CodeID); err != nil {
			return errors.Wrap(err, "increment redemptions")
		}
		return nil

	default:
		return errors.Errorf("unknown decision kind: %q", d.Kind)
	}
}
