package intake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strandworks/storefront/internal/domain/catalog"
	"github.com/strandworks/storefront/internal/domain/inventory"
	"github.com/strandworks/storefront/internal/domain/order"
	"github.com/strandworks/storefront/internal/domain/pricing"
	"github.com/strandworks/storefront/internal/domain/referral"
	"github.com/strandworks/storefront/pkg/ratelimit"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// --- Mock implementations ---

type mockCatalog struct {
	variants map[catalog.VariantKey]catalog.Variant
}

func (m *mockCatalog) GetVariants(_ context.Context, keys []catalog.VariantKey) (map[catalog.VariantKey]catalog.Variant, error) {
	out := make(map[catalog.VariantKey]catalog.Variant, len(keys))
	for _, k := range keys {
		v, ok := m.variants[k]
		if !ok {
			return nil, errors.Wrapf(catalog.ErrVariantNotFound, "%s/%s", k.ProductID, k.VariantLabel)
		}
		out[k] = v
	}
	return out, nil
}

type memInventory struct {
	mu    sync.Mutex
	stock map[catalog.VariantKey]int
}

func (m *memInventory) Reserve(_ context.Context, demands []inventory.Demand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range demands {
		current, ok := m.stock[d.Key()]
		if !ok {
			return inventory.ErrUnknownVariant
		}
		if current < d.Units {
			return &inventory.InsufficientStockError{
				ProductID:    d.ProductID,
				VariantLabel: d.VariantLabel,
				Requested:    d.Units,
				Remaining:    current,
			}
		}
	}
	for _, d := range demands {
		m.stock[d.Key()] -= d.Units
	}
	return nil
}

func (m *memInventory) Restock(_ context.Context, demands []inventory.Demand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range demands {
		m.stock[d.Key()] += d.Units
	}
	return nil
}

func (m *memInventory) GetStock(_ context.Context, keys []catalog.VariantKey) (map[catalog.VariantKey]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[catalog.VariantKey]int, len(keys))
	for _, k := range keys {
		if v, ok := m.stock[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memInventory) AdjustStock(_ context.Context, productID, variantLabel string, stockUnits int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stock[catalog.VariantKey{ProductID: productID, VariantLabel: variantLabel}] = stockUnits
	return nil
}

func (m *memInventory) at(p, v string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[catalog.VariantKey{ProductID: p, VariantLabel: v}]
}

type memReferralRepo struct {
	mu           sync.Mutex
	code         *referral.Code
	partner      *referral.Partner
	attributions map[string]*referral.Attribution // by normalized email
	redemptions  int
}

func (m *memReferralRepo) FindAttribution(_ context.Context, id referral.Identity) (*referral.Attribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.attributions[id.Email]; ok {
		return a, nil
	}
	return nil, referral.ErrNoAttribution
}

func (m *memReferralRepo) FindCode(_ context.Context, code string) (*referral.Code, *referral.Partner, error) {
	if m.code == nil || m.code.Code != code {
		return nil, nil, referral.ErrCodeNotFound
	}
	return m.code, m.partner, nil
}

func (m *memReferralRepo) CreateAttribution(_ context.Context, a *referral.Attribution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attributions == nil {
		m.attributions = make(map[string]*referral.Attribution)
	}
	if _, exists := m.attributions[a.CustomerEmail]; exists {
		return false, nil
	}
	m.attributions[a.CustomerEmail] = a
	return true, nil
}

func (m *memReferralRepo) Accumulate(_ context.Context, id string, revenue decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attributions {
		if a.ID == id {
			a.LifetimeRevenue = a.LifetimeRevenue.Add(revenue)
			a.TotalOrders++
			a.LastOrderAt = at
			return nil
		}
	}
	return errors.New("attribution not found")
}

func (m *memReferralRepo) IncrementRedemptions(_ context.Context, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.redemptions++
	return nil
}

type mockOrderRepo struct {
	mu         sync.Mutex
	created    []*order.Order
	createErr  error
	takenFirst int // return ErrNumberTaken this many times before succeeding
}

func (m *mockOrderRepo) Create(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if m.takenFirst > 0 {
		m.takenFirst--
		return order.ErrNumberTaken
	}
	copied := *o
	m.created = append(m.created, &copied)
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, _ string) (*order.Order, error) {
	return nil, order.ErrNotFound
}

func (m *mockOrderRepo) GetByNumber(_ context.Context, _ string) (*order.Order, error) {
	return nil, order.ErrNotFound
}

func (m *mockOrderRepo) List(_ context.Context, _ *order.Status, _ int) ([]order.Order, error) {
	return nil, nil
}

func (m *mockOrderRepo) UpdateStatus(_ context.Context, _ *order.Order) error {
	return nil
}

type mockNotifier struct {
	receipts chan string
	alerts   chan string
	err      error
}

func newMockNotifier() *mockNotifier {
	return &mockNotifier{
		receipts: make(chan string, 8),
		alerts:   make(chan string, 8),
	}
}

func (m *mockNotifier) OrderReceipt(_ context.Context, o *order.Order) error {
	m.receipts <- o.ID
	return m.err
}

func (m *mockNotifier) AdminAlert(_ context.Context, subject string, o *order.Order) error {
	m.alerts <- subject
	return m.err
}

// --- Fixtures ---

// fixtureVariant: $12 single, $50 per five, $90 per ten.
func fixtureVariant(productID, label string) catalog.Variant {
	return catalog.Variant{
		ProductID: productID,
		Label:     label,
		Tiers: []catalog.PricingTier{
			{Quantity: 1, BundlePrice: dec("12.00")},
			{Quantity: 5, BundlePrice: dec("50.00")},
			{Quantity: 10, BundlePrice: dec("90.00")},
		},
	}
}

type fixture struct {
	svc      *Service
	inv      *memInventory
	orders   *mockOrderRepo
	refs     *memReferralRepo
	notifier *mockNotifier
	limiter  *ratelimit.Limiter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	v := fixtureVariant("dna", "blue")
	cat := &mockCatalog{variants: map[catalog.VariantKey]catalog.Variant{
		{ProductID: "dna", VariantLabel: "blue"}: v,
	}}
	inv := &memInventory{stock: map[catalog.VariantKey]int{
		{ProductID: "dna", VariantLabel: "blue"}: 100,
	}}
	orders := &mockOrderRepo{}
	refs := &memReferralRepo{}
	notifier := newMockNotifier()
	limiter := ratelimit.New(ratelimit.Config{Name: "checkout", Max: 100, Window: time.Minute})

	svc := NewService(
		cat,
		pricing.NewEngine(pricing.Config{}),
		limiter,
		referral.NewResolver(refs),
		inventory.NewLedger(inv),
		orders,
		notifier,
		zap.NewNop(),
	)
	return &fixture{svc: svc, inv: inv, orders: orders, refs: refs, notifier: notifier, limiter: limiter}
}

func validRequest(declared string, items ...CartItem) SubmitRequest {
	if len(items) == 0 {
		items = []CartItem{{Key: "a", ProductID: "dna", VariantLabel: "blue", TierQuantity: 1, Count: 10}}
	}
	return SubmitRequest{
		Items: items,
		Customer: order.Customer{
			Name:  "Ada Lovelace",
			Email: "ada@example.com",
			Phone: "+44 20 7946 0123",
		},
		Shipping: order.ShippingAddress{
			Line1:      "1 Analytical Way",
			City:       "London",
			Region:     "LDN",
			PostalCode: "EC1A",
			Country:    "GB",
		},
		ClientIP:         "10.0.0.1",
		DeclaredSubtotal: dec(declared),
	}
}

func requireFailure(t *testing.T, err error, code FailureCode) *Failure {
	t.Helper()
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, code, f.Code)
	return f
}

// --- Tests ---

func TestSubmit_NoCodeSuccess(t *testing.T) {
	fx := newFixture(t)

	// 10 singles pool to the ten-break: 10 × $9.
	o, err := fx.svc.Submit(context.Background(), validRequest("90.00"))
	require.NoError(t, err)

	assert.Equal(t, order.StatusPendingPayment, o.Status)
	assert.True(t, dec("90.00").Equal(o.Subtotal), "got %s", o.Subtotal)
	assert.True(t, o.Discount.IsZero())
	assert.Equal(t, 10, o.TotalUnits)
	assert.Len(t, o.Number, 6)
	assert.Nil(t, o.Referral)

	assert.Equal(t, 90, fx.inv.at("dna", "blue"))
	assert.Empty(t, fx.refs.attributions)
	require.Len(t, fx.orders.created, 1)
}

func TestSubmit_EmptyCart(t *testing.T) {
	fx := newFixture(t)

	req := validRequest("0")
	req.Items = nil

	_, err := fx.svc.Submit(context.Background(), req)
	requireFailure(t, err, CodeValidation)
}

func TestSubmit_MalformedEmail(t *testing.T) {
	fx := newFixture(t)

	req := validRequest("90.00")
	req.Customer.Email = "not-an-email"

	_, err := fx.svc.Submit(context.Background(), req)
	requireFailure(t, err, CodeValidation)
}

func TestSubmit_IncompleteShipping(t *testing.T) {
	fx := newFixture(t)

	req := validRequest("90.00")
	req.Shipping.PostalCode = ""

	_, err := fx.svc.Submit(context.Background(), req)
	requireFailure(t, err, CodeValidation)
}

func TestSubmit_SubtotalMismatchRejected(t *testing.T) {
	fx := newFixture(t)

	// Client claims the 1-unit rate for a 10-unit pool.
	_, err := fx.svc.Submit(context.Background(), validRequest("120.00"))

	f := requireFailure(t, err, CodeValidation)
	assert.Contains(t, f.Message, "subtotal mismatch")
	// No inventory touched.
	assert.Equal(t, 100, fx.inv.at("dna", "blue"))
}

func TestSubmit_RateLimited(t *testing.T) {
	fx := newFixture(t)
	fx.svc.limiter = ratelimit.New(ratelimit.Config{Name: "checkout", Max: 1, Window: time.Minute})

	require.NoError(t, errFrom(fx.svc.Submit(context.Background(), validRequest("90.00"))))

	// The first submission exhausted both the ip and email buckets.
	_, err := fx.svc.Submit(context.Background(), validRequest("90.00"))
	f := requireFailure(t, err, CodeRateLimited)
	assert.Greater(t, f.RetryAfter, time.Duration(0))
}

func TestSubmit_EmailBucketCatchesDistributedAttempts(t *testing.T) {
	fx := newFixture(t)
	fx.svc.limiter = ratelimit.New(ratelimit.Config{Name: "checkout", Max: 2, Window: time.Minute})

	// Two submissions from different IPs against the same victim email.
	req1 := validRequest("90.00")
	req1.ClientIP = "10.0.0.1"
	require.NoError(t, errFrom(fx.svc.Submit(context.Background(), req1)))

	req2 := validRequest("90.00")
	req2.ClientIP = "10.0.0.2"
	require.NoError(t, errFrom(fx.svc.Submit(context.Background(), req2)))

	req3 := validRequest("90.00")
	req3.ClientIP = "10.0.0.3"
	_, err := fx.svc.Submit(context.Background(), req3)
	requireFailure(t, err, CodeRateLimited)
}

func TestSubmit_OutOfStock(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.inv.AdjustStock(context.Background(), "dna", "blue", 4))

	_, err := fx.svc.Submit(context.Background(), validRequest("90.00"))

	f := requireFailure(t, err, CodeOutOfStock)
	assert.Contains(t, f.Message, "only 4 in stock")
	// Rejected reservation mutated nothing.
	assert.Equal(t, 4, fx.inv.at("dna", "blue"))
	assert.Empty(t, fx.orders.created)
}

func TestSubmit_ReferralRejectedFailsOrder(t *testing.T) {
	fx := newFixture(t)

	req := validRequest("90.00")
	req.ReferralCode = "BOGUS"

	_, err := fx.svc.Submit(context.Background(), req)

	f := requireFailure(t, err, CodeReferralRejected)
	assert.Equal(t, string(referral.ReasonNotFound), f.Message)
	// Rejection happens before any reservation.
	assert.Equal(t, 100, fx.inv.at("dna", "blue"))
	assert.Empty(t, fx.orders.created)
}

func TestSubmit_ValidCodeFirstOrder(t *testing.T) {
	fx := newFixture(t)
	fx.refs.partner = &referral.Partner{ID: "p1", Name: "Lab Supply Co", Active: true}
	fx.refs.code = &referral.Code{
		ID:            "c1",
		PartnerID:     "p1",
		Code:          "SAVE20",
		DiscountType:  referral.DiscountPercent,
		DiscountValue: dec("20"),
		Active:        true,
	}

	// $90 quote, 20% off -> $18 discount, $72 stored subtotal.
	req := validRequest("90.00")
	req.ReferralCode = "save-20"

	o, err := fx.svc.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, dec("18.00").Equal(o.Discount), "got %s", o.Discount)
	assert.True(t, dec("72.00").Equal(o.Subtotal), "got %s", o.Subtotal)
	require.NotNil(t, o.Referral)
	assert.Equal(t, "p1", o.Referral.PartnerID)
	assert.Equal(t, "SAVE20", o.Referral.Code)

	a := fx.refs.attributions["ada@example.com"]
	require.NotNil(t, a)
	assert.Equal(t, o.ID, a.FirstOrderID)
	assert.True(t, dec("72.00").Equal(a.LifetimeRevenue), "got %s", a.LifetimeRevenue)
	assert.Equal(t, 1, a.TotalOrders)
	assert.Equal(t, 1, fx.refs.redemptions)
}

func TestSubmit_AttributedCustomerGetsNoSecondDiscount(t *testing.T) {
	fx := newFixture(t)
	fx.refs.partner = &referral.Partner{ID: "p1", Name: "Lab Supply Co", Active: true}
	fx.refs.code = &referral.Code{
		ID: "c1", PartnerID: "p1", Code: "SAVE20",
		DiscountType: referral.DiscountPercent, DiscountValue: dec("20"), Active: true,
	}

	first := validRequest("90.00")
	first.ReferralCode = "SAVE20"
	_, err := fx.svc.Submit(context.Background(), first)
	require.NoError(t, err)

	// Same customer, same code, second order: no discount, one
	// attribution row, totals accumulate by exactly one order.
	second := validRequest("90.00")
	second.ReferralCode = "SAVE20"
	o2, err := fx.svc.Submit(context.Background(), second)
	require.NoError(t, err)

	assert.True(t, o2.Discount.IsZero())
	assert.True(t, dec("90.00").Equal(o2.Subtotal))

	require.Len(t, fx.refs.attributions, 1)
	a := fx.refs.attributions["ada@example.com"]
	assert.Equal(t, 2, a.TotalOrders)
	assert.True(t, dec("162.00").Equal(a.LifetimeRevenue), "got %s", a.LifetimeRevenue)
	// The second order consumed no redemption slot.
	assert.Equal(t, 1, fx.refs.redemptions)
}

func TestSubmit_PersistFailureRestocks(t *testing.T) {
	fx := newFixture(t)
	fx.orders.createErr = errors.New("db down")

	_, err := fx.svc.Submit(context.Background(), validRequest("90.00"))

	requireFailure(t, err, CodeUnknown)
	// Reserved units were returned.
	assert.Equal(t, 100, fx.inv.at("dna", "blue"))
	assert.Empty(t, fx.refs.attributions)
}

func TestSubmit_OrderNumberCollisionRetries(t *testing.T) {
	fx := newFixture(t)
	fx.orders.takenFirst = 2

	o, err := fx.svc.Submit(context.Background(), validRequest("90.00"))
	require.NoError(t, err)
	assert.Len(t, o.Number, 6)
	require.Len(t, fx.orders.created, 1)
}

func TestSubmit_NotifierFailureDoesNotAffectResult(t *testing.T) {
	fx := newFixture(t)
	fx.notifier.err = errors.New("smtp down")

	o, err := fx.svc.Submit(context.Background(), validRequest("90.00"))
	require.NoError(t, err)
	require.NotNil(t, o)

	// Both notifications were attempted despite failing.
	select {
	case id := <-fx.notifier.receipts:
		assert.Equal(t, o.ID, id)
	case <-time.After(time.Second):
		t.Fatal("receipt notification never dispatched")
	}
	select {
	case <-fx.notifier.alerts:
	case <-time.After(time.Second):
		t.Fatal("admin alert never dispatched")
	}
}

func TestSubmit_ConcurrentLastUnit(t *testing.T) {
	fx := newFixture(t)
	require.NoError(t, fx.inv.AdjustStock(context.Background(), "dna", "blue", 1))

	item := CartItem{Key: "a", ProductID: "dna", VariantLabel: "blue", TierQuantity: 1, Count: 1}

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := validRequest("12.00", item)
			// Distinct identities so the rate limiter is not the arbiter.
			req.ClientIP = "10.0.1." + string(rune('1'+i))
			_, results[i] = fx.svc.Submit(context.Background(), req)
		}()
	}
	wg.Wait()

	var oks, stockouts int
	for _, err := range results {
		switch {
		case err == nil:
			oks++
		default:
			requireFailure(t, err, CodeOutOfStock)
			stockouts++
		}
	}
	assert.Equal(t, 1, oks)
	assert.Equal(t, 1, stockouts)
	assert.Equal(t, 0, fx.inv.at("dna", "blue"))
}

func errFrom(_ *order.Order, err error) error {
	return err
}
