// Package intake runs the order submission pipeline: rate limiting,
// server-side repricing, referral resolution, inventory reservation, order
// persistence, and post-commit side effects. Each stage short-circuits with
// a typed Failure and leaves no partial writes from later stages behind.
package intake

import (
	"context"
	"fmt"
	"net/mail"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/strandworks/storefront/internal/domain/catalog"
	"github.com/strandworks/storefront/internal/domain/inventory"
	"github.com/strandworks/storefront/internal/domain/order"
	"github.com/strandworks/storefront/internal/domain/pricing"
	"github.com/strandworks/storefront/internal/domain/referral"
	"github.com/strandworks/storefront/internal/notify"
	"github.com/strandworks/storefront/pkg/ratelimit"
)

// numberAttempts bounds order number regeneration on collisions.
const numberAttempts = 5

// CartItem is one submitted cart entry.
type CartItem struct {
	Key          string
	ProductID    string
	VariantLabel string
	TierQuantity int
	Count        int
}

// SubmitRequest is a full checkout submission. DeclaredSubtotal is the
// client's idea of the cart subtotal, used only for tamper detection.
type SubmitRequest struct {
	Items            []CartItem
	Customer         order.Customer
	Shipping         order.ShippingAddress
	ReferralCode     string
	ClientIP         string
	DeclaredSubtotal decimal.Decimal
}

// Service orchestrates order intake.
type Service struct {
	catalog  catalog.Repository
	pricer   *pricing.Engine
	limiter  *ratelimit.Limiter
	resolver *referral.Resolver
	ledger   *inventory.Ledger
	orders   order.Repository
	notifier notify.Notifier
	lg       *zap.Logger
}

// NewService creates the intake Service with its collaborators.
func NewService(
	catalogRepo catalog.Repository,
	pricer *pricing.Engine,
	limiter *ratelimit.Limiter,
	resolver *referral.Resolver,
	ledger *inventory.Ledger,
	orders order.Repository,
	notifier notify.Notifier,
	lg *zap.Logger,
) *Service {
	return &Service{
		catalog:  catalogRepo,
		pricer:   pricer,
		limiter:  limiter,
		resolver: resolver,
		ledger:   ledger,
		orders:   orders,
		notifier: notifier,
		lg:       lg,
	}
}

// Submit runs the intake pipeline. On success the returned order is durably
// persisted in PENDING_PAYMENT; on failure the error is a *Failure and no
// state from later stages has been written. Referral side effects and
// notifications happen after persistence and never reverse it.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*order.Order, error) {
	// 1. Structural validation.
	if f := validateRequest(req); f != nil {
		return nil, f
	}

	// 2. Rate limit on both IP and normalized email so neither a single
	// flooding source nor a distributed attack on one victim email slips
	// through.
	email := referral.NormalizeEmail(req.Customer.Email)
	ipCheck := s.limiter.Check("ip", req.ClientIP)
	emailCheck := s.limiter.Check("email", email)
	if !ipCheck.Allowed || !emailCheck.Allowed {
		retryAfter := ipCheck.RetryAfter
		if emailCheck.RetryAfter > retryAfter {
			retryAfter = emailCheck.RetryAfter
		}
		return nil, &Failure{
			Code:       CodeRateLimited,
			Message:    "too many order attempts, please wait before retrying",
			RetryAfter: retryAfter,
		}
	}

	// 3. Recompute pricing server-side and compare with the client's
	// declared subtotal.
	quote, err := s.reprice(ctx, req.Items)
	if err != nil {
		return nil, err
	}
	if !pricing.WithinTolerance(req.DeclaredSubtotal, quote.Subtotal) {
		return nil, failValidation(fmt.Sprintf(
			"cart subtotal mismatch: submitted %s, recalculated %s; please refresh your cart",
			req.DeclaredSubtotal.StringFixed(2), quote.Subtotal.StringFixed(2),
		))
	}

	// 4. Resolve the referral. A hard rejection of an explicitly
	// submitted code fails the whole order; it is never silently dropped.
	identity := referral.Identity{Email: email}
	decision, err := s.resolver.Resolve(ctx, identity, req.ReferralCode, quote.Subtotal)
	if err != nil {
		var rejErr *referral.RejectedCodeError
		if errors.As(err, &rejErr) {
			return nil, &Failure{
				Code:    CodeReferralRejected,
				Message: string(rejErr.Reason),
				cause:   rejErr,
			}
		}
		return nil, failUnknown(errors.Wrap(err, "resolve referral"))
	}

	// 5. Reserve inventory. All-or-nothing; a failed batch mutates
	// nothing.
	demands, err := s.ledger.Reserve(ctx, ledgerItems(req.Items))
	if err != nil {
		var isErr *inventory.InsufficientStockError
		if errors.As(err, &isErr) {
			return nil, &Failure{Code: CodeOutOfStock, Message: isErr.Error(), cause: isErr}
		}
		if errors.Is(err, inventory.ErrUnknownVariant) {
			return nil, failValidation("cart references an unknown product variant")
		}
		return nil, failUnknown(errors.Wrap(err, "reserve inventory"))
	}

	// 6. Persist the order. A persistence failure returns the reserved
	// units before surfacing.
	o, err := s.persistOrder(ctx, req, quote, decision)
	if err != nil {
		if restockErr := s.ledger.Restock(ctx, demands); restockErr != nil {
			s.lg.Error("restock after failed order persist",
				zap.Error(restockErr),
				zap.NamedError("persist_error", err),
			)
		}
		return nil, failUnknown(errors.Wrap(err, "persist order"))
	}

	// 7. Referral side effects only after order durability, so a
	// validated-but-never-placed order never consumes a redemption slot.
	// The order is committed; a failure here is logged, not surfaced.
	if err := s.resolver.Finalize(ctx, decision, o.ID, o.Subtotal); err != nil {
		s.lg.Error("finalize referral side effects",
			zap.String("order_id", o.ID),
			zap.Error(err),
		)
	}

	// 8. Fire-and-forget notifications.
	s.dispatchNotifications(o)

	return o, nil
}

func (s *Service) reprice(ctx context.Context, items []CartItem) (pricing.Quote, error) {
	keys := make([]catalog.VariantKey, 0, len(items))
	seen := make(map[catalog.VariantKey]bool, len(items))
	lines := make([]pricing.LineItem, len(items))
	for i, item := range items {
		key := catalog.VariantKey{ProductID: item.ProductID, VariantLabel: item.VariantLabel}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
		lines[i] = pricing.LineItem{
			Key:          item.Key,
			ProductID:    item.ProductID,
			VariantLabel: item.VariantLabel,
			TierQuantity: item.TierQuantity,
			Count:        item.Count,
		}
	}

	variants, err := s.catalog.GetVariants(ctx, keys)
	if err != nil {
		if errors.Is(err, catalog.ErrVariantNotFound) {
			return pricing.Quote{}, failValidation("cart references an unknown product variant")
		}
		return pricing.Quote{}, failUnknown(errors.Wrap(err, "load catalog variants"))
	}

	quote, err := s.pricer.Quote(lines, variants)
	if err != nil {
		var utErr *pricing.UnknownTierError
		if errors.As(err, &utErr) || errors.Is(err, catalog.ErrVariantNotFound) {
			return pricing.Quote{}, failValidation(err.Error())
		}
		return pricing.Quote{}, failUnknown(errors.Wrap(err, "price cart"))
	}
	return quote, nil
}

func (s *Service) persistOrder(ctx context.Context, req SubmitRequest, quote pricing.Quote, decision *referral.Decision) (*order.Order, error) {
	items := make([]order.Item, len(req.Items))
	for i, item := range req.Items {
		items[i] = order.Item{
			Key:          item.Key,
			ProductID:    item.ProductID,
			VariantLabel: item.VariantLabel,
			TierQuantity: item.TierQuantity,
			Count:        item.Count,
			LineTotal:    quote.LineTotals[item.Key],
		}
	}

	subtotal := quote.Subtotal.Sub(decision.Discount)
	if subtotal.IsNegative() {
		subtotal = decimal.Zero
	}
	subtotal = subtotal.Round(2)

	var refCtx *order.ReferralContext
	switch decision.Kind {
	case referral.DecisionApplied:
		refCtx = &order.ReferralContext{
			PartnerID: decision.Partner.ID,
			CodeID:    decision.Code.ID,
			Code:      decision.Code.Code,
			Discount:  decision.Discount.Round(2),
		}
	case referral.DecisionAlreadyAttributed:
		refCtx = &order.ReferralContext{
			PartnerID: decision.Existing.PartnerID,
			Discount:  decimal.Zero,
		}
	}

	o := &order.Order{
		ID:         uuid.New().String(),
		Status:     order.StatusPendingPayment,
		Customer:   req.Customer,
		Shipping:   req.Shipping,
		Items:      items,
		Subtotal:   subtotal,
		Discount:   decision.Discount.Round(2),
		TotalUnits: quote.TotalUnits,
		Referral:   refCtx,
		CreatedAt:  time.Now(),
	}
	o.UpdatedAt = o.CreatedAt

	// 6-digit numbers collide eventually; regenerate and retry.
	for attempt := 0; attempt < numberAttempts; attempt++ {
		number, err := order.NewNumber()
		if err != nil {
			return nil, err
		}
		o.Number = number

		err = s.orders.Create(ctx, o)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, order.ErrNumberTaken) {
			return nil, err
		}
	}
	return nil, errors.Errorf("exhausted %d order number attempts", numberAttempts)
}

func (s *Service) dispatchNotifications(o *order.Order) {
	notify.Detach(s.lg, "order_receipt", func(ctx context.Context) error {
		return s.notifier.OrderReceipt(ctx, o)
	})
	notify.Detach(s.lg, "admin_alert", func(ctx context.Context) error {
		return s.notifier.AdminAlert(ctx, "new order", o)
	})
}

func ledgerItems(items []CartItem) []inventory.Item {
	out := make([]inventory.Item, len(items))
	for i, item := range items {
		out[i] = inventory.Item{
			ProductID:    item.ProductID,
			VariantLabel: item.VariantLabel,
			TierQuantity: item.TierQuantity,
			Count:        item.Count,
		}
	}
	return out
}

func validateRequest(req SubmitRequest) *Failure {
	if len(req.Items) == 0 {
		return failValidation("cart is empty")
	}
	for _, item := range req.Items {
		if item.ProductID == "" || item.VariantLabel == "" {
			return failValidation("cart item is missing product or variant")
		}
		if item.TierQuantity <= 0 || item.Count <= 0 {
			return failValidation(fmt.Sprintf("invalid quantity for %s/%s", item.ProductID, item.VariantLabel))
		}
	}

	if req.Customer.Name == "" {
		return failValidation("customer name is required")
	}
	if _, err := mail.ParseAddress(req.Customer.Email); err != nil {
		return failValidation("a valid email address is required")
	}
	if req.Customer.Phone != "" && !validPhone(req.Customer.Phone) {
		return failValidation("phone number is malformed")
	}

	ship := req.Shipping
	if ship.Line1 == "" || ship.City == "" || ship.PostalCode == "" || ship.Country == "" {
		return failValidation("shipping address is incomplete")
	}
	return nil
}

// validPhone accepts international formats loosely: at least seven digits,
// with an optional leading + and common separators.
func validPhone(phone string) bool {
	digits := 0
	for i, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return false
		}
	}
	return digits >= 7 && digits <= 15
}
