package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strandworks/storefront/internal/domain/auth"
	"github.com/strandworks/storefront/internal/domain/catalog"
	"github.com/strandworks/storefront/internal/domain/inventory"
	"github.com/strandworks/storefront/internal/domain/order"
	"github.com/strandworks/storefront/internal/domain/pricing"
	"github.com/strandworks/storefront/internal/domain/referral"
	"github.com/strandworks/storefront/internal/intake"
	"github.com/strandworks/storefront/internal/notify"
	"github.com/strandworks/storefront/pkg/ratelimit"
)

// --- Mock implementations ---

type mockCatalog struct {
	variants map[catalog.VariantKey]catalog.Variant
}

func (m *mockCatalog) GetVariants(_ context.Context, keys []catalog.VariantKey) (map[catalog.VariantKey]catalog.Variant, error) {
	out := make(map[catalog.VariantKey]catalog.Variant)
	for _, k := range keys {
		if v, ok := m.variants[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

type memStock struct {
	mu     sync.Mutex
	levels map[catalog.VariantKey]int
}

func (m *memStock) Reserve(_ context.Context, demands []inventory.Demand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range demands {
		key := catalog.VariantKey{ProductID: d.ProductID, VariantLabel: d.VariantLabel}
		have, ok := m.levels[key]
		if !ok {
			return inventory.ErrUnknownVariant
		}
		if have < d.Units {
			return &inventory.InsufficientStockError{
				ProductID:    d.ProductID,
				VariantLabel: d.VariantLabel,
				Requested:    d.Units,
				Remaining:    have,
			}
		}
	}
	for _, d := range demands {
		m.levels[catalog.VariantKey{ProductID: d.ProductID, VariantLabel: d.VariantLabel}] -= d.Units
	}
	return nil
}

func (m *memStock) Restock(_ context.Context, demands []inventory.Demand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range demands {
		m.levels[catalog.VariantKey{ProductID: d.ProductID, VariantLabel: d.VariantLabel}] += d.Units
	}
	return nil
}

func (m *memStock) GetStock(_ context.Context, keys []catalog.VariantKey) (map[catalog.VariantKey]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[catalog.VariantKey]int)
	for _, k := range keys {
		if units, ok := m.levels[k]; ok {
			out[k] = units
		}
	}
	return out, nil
}

func (m *memStock) AdjustStock(_ context.Context, productID, variantLabel string, stockUnits int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.levels[catalog.VariantKey{ProductID: productID, VariantLabel: variantLabel}] = stockUnits
	return nil
}

func (m *memStock) at(productID, variantLabel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.levels[catalog.VariantKey{ProductID: productID, VariantLabel: variantLabel}]
}

type memOrderRepo struct {
	mu     sync.Mutex
	orders map[string]*order.Order
}

func newMemOrderRepo() *memOrderRepo {
	return &memOrderRepo{orders: make(map[string]*order.Order)}
}

func (m *memOrderRepo) Create(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *memOrderRepo) GetByID(_ context.Context, id string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memOrderRepo) GetByNumber(_ context.Context, number string) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.Number == number {
			cp := *o
			return &cp, nil
		}
	}
	return nil, order.ErrNotFound
}

func (m *memOrderRepo) List(_ context.Context, status *order.Status, _ int) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []order.Order
	for _, o := range m.orders {
		if status == nil || o.Status == *status {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *memOrderRepo) UpdateStatus(_ context.Context, o *order.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.orders[o.ID]
	if !ok {
		return order.ErrNotFound
	}
	stored.Status = o.Status
	stored.Shipment = o.Shipment
	return nil
}

type memReferralRepo struct {
	mu           sync.Mutex
	codes        map[string]*referral.Code
	partners     map[string]*referral.Partner
	attributions map[string]*referral.Attribution
}

func newMemReferralRepo() *memReferralRepo {
	return &memReferralRepo{
		codes:        make(map[string]*referral.Code),
		partners:     make(map[string]*referral.Partner),
		attributions: make(map[string]*referral.Attribution),
	}
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
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, nil, referral.ErrCodeNotFound
	}
	return c, m.partners[c.PartnerID], nil
}

func (m *memReferralRepo) CreateAttribution(_ context.Context, a *referral.Attribution) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.attributions[a.CustomerEmail]; exists {
		return false, nil
	}
	m.attributions[a.CustomerEmail] = a
	return true, nil
}

func (m *memReferralRepo) Accumulate(_ context.Context, attributionID string, revenue decimal.Decimal, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.attributions {
		if a.ID == attributionID {
			a.LifetimeRevenue = a.LifetimeRevenue.Add(revenue)
			a.TotalOrders++
			a.LastOrderAt = at
			return nil
		}
	}
	return referral.ErrNoAttribution
}

func (m *memReferralRepo) IncrementRedemptions(_ context.Context, codeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.codes {
		if c.ID == codeID {
			c.Redemptions++
			return nil
		}
	}
	return referral.ErrCodeNotFound
}

type memPartnerRepo struct {
	mu       sync.Mutex
	partners map[string]*referral.Partner
	codes    map[string][]*referral.Code
}

func newMemPartnerRepo() *memPartnerRepo {
	return &memPartnerRepo{
		partners: make(map[string]*referral.Partner),
		codes:    make(map[string][]*referral.Code),
	}
}

func (m *memPartnerRepo) CreatePartner(_ context.Context, p *referral.Partner) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.partners[p.ID] = p
	return nil
}

func (m *memPartnerRepo) CreateCode(_ context.Context, c *referral.Code) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[c.PartnerID] = append(m.codes[c.PartnerID], c)
	return nil
}

func (m *memPartnerRepo) GetPartner(_ context.Context, partnerID string) (*referral.Partner, []*referral.Code, *referral.PartnerStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partners[partnerID]
	if !ok {
		return nil, nil, nil, referral.ErrPartnerNotFound
	}
	return p, m.codes[partnerID], &referral.PartnerStats{}, nil
}

type mockAPIKeyRepo struct {
	byHash map[string]*auth.APIKeyInfo
}

func (m *mockAPIKeyRepo) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	if info, ok := m.byHash[hash]; ok {
		return info, nil
	}
	return nil, auth.ErrKeyNotFound
}

// --- Fixture ---

const (
	testPepper = "test-pepper"
	adminKey   = "admin-raw-key"
	ordersKey  = "orders-only-key"
)

type fixture struct {
	handler *Handler
	server  *httptest.Server
	orders  *memOrderRepo
	stock   *memStock
	partner *memPartnerRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cat := &mockCatalog{variants: map[catalog.VariantKey]catalog.Variant{
		{ProductID: "waffle", VariantLabel: "berry"}: {
			ProductID: "waffle",
			Label:     "berry",
			Tiers: []catalog.PricingTier{
				{Quantity: 1, BundlePrice: decimal.NewFromInt(10)},
				{Quantity: 5, BundlePrice: decimal.NewFromInt(45)},
			},
		},
	}}
	stock := &memStock{levels: map[catalog.VariantKey]int{
		{ProductID: "waffle", VariantLabel: "berry"}: 50,
	}}
	orders := newMemOrderRepo()
	refRepo := newMemReferralRepo()

	lg := zap.NewNop()
	ledger := inventory.NewLedger(stock)
	svc := intake.NewService(
		cat,
		pricing.NewEngine(pricing.Config{}),
		ratelimit.New(ratelimit.Config{Name: "checkout", Max: 100, Window: time.Minute}),
		referral.NewResolver(refRepo),
		ledger,
		orders,
		notify.NewLogNotifier(lg),
		lg,
	)

	partner := newMemPartnerRepo()
	adminHash := HashKey([]byte(testPepper), adminKey)
	ordersHash := HashKey([]byte(testPepper), ordersKey)
	apikeys := &mockAPIKeyRepo{byHash: map[string]*auth.APIKeyInfo{
		adminHash:  {ID: "key-1", KeyHash: adminHash, Name: "ops"},
		ordersHash: {ID: "key-2", KeyHash: ordersHash, Name: "fulfillment", Scopes: []string{auth.ScopeOrders}},
	}}

	h := NewHandler(svc, orders, ledger, partner, stock, apikeys, []byte(testPepper), lg)
	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	return &fixture{handler: h, server: srv, orders: orders, stock: stock, partner: partner}
}

func (f *fixture) do(t *testing.T, method, path string, body any, admin bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if admin {
		req.Header.Set(apiKeyHeader, adminKey)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func checkoutBody(count int) placeOrderRequest {
	return placeOrderRequest{
		Items: []cartItemRequest{{
			Key:          "waffle-berry-1",
			ProductID:    "waffle",
			VariantLabel: "berry",
			TierQuantity: 1,
			Count:        count,
		}},
		Customer: order.Customer{Name: "Dana Smith", Email: "dana@example.com"},
		Shipping: order.ShippingAddress{
			Line1:      "1 Main St",
			City:       "Springfield",
			PostalCode: "12345",
			Country:    "US",
		},
		Subtotal: decimal.NewFromInt(int64(10 * count)),
	}
}

// --- Tests ---

func TestPlaceOrder_Success(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/orders", checkoutBody(2), false)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	got := decode[orderResponse](t, resp)
	assert.Equal(t, "PENDING_PAYMENT", got.Status)
	assert.Len(t, got.Number, 6)
	assert.True(t, got.Subtotal.Equal(decimal.NewFromInt(20)), "subtotal %s", got.Subtotal)
	assert.Equal(t, 2, got.TotalUnits)
	assert.Equal(t, 48, f.stock.at("waffle", "berry"))
}

func TestPlaceOrder_ValidationFailure(t *testing.T) {
	f := newFixture(t)

	body := checkoutBody(1)
	body.Customer.Email = "not-an-email"
	resp := f.do(t, http.MethodPost, "/api/orders", body, false)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	got := decode[errorResponse](t, resp)
	assert.Equal(t, "VALIDATION_ERROR", got.Code)
}

func TestPlaceOrder_OutOfStock(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/orders", checkoutBody(51), false)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	got := decode[errorResponse](t, resp)
	assert.Equal(t, "OUT_OF_STOCK", got.Code)
	assert.Equal(t, 50, f.stock.at("waffle", "berry"))
}

func TestPlaceOrder_InvalidJSON(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/orders", bytes.NewBufferString("{nope"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetOrder_EmailMustMatch(t *testing.T) {
	f := newFixture(t)

	created := decode[orderResponse](t, f.do(t, http.MethodPost, "/api/orders", checkoutBody(1), false))

	resp := f.do(t, http.MethodGet, "/api/orders/"+created.Number+"?email=dana@example.com", nil, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[orderResponse](t, resp)
	assert.Equal(t, created.ID, got.ID)

	// Wrong email answers not-found, indistinguishable from a bad number.
	resp = f.do(t, http.MethodGet, "/api/orders/"+created.Number+"?email=other@example.com", nil, false)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/orders/"+created.Number, nil, false)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdmin_RequiresAPIKey(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/api/admin/orders", nil, false)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/admin/orders", nil)
	require.NoError(t, err)
	req.Header.Set(apiKeyHeader, "wrong-key")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/api/admin/orders", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAdmin_ScopeEnforcement(t *testing.T) {
	f := newFixture(t)

	doAs := func(key, method, path string, body any) *http.Response {
		var buf bytes.Buffer
		if body != nil {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
		req, err := http.NewRequest(method, f.server.URL+path, &buf)
		require.NoError(t, err)
		req.Header.Set(apiKeyHeader, key)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	// An orders-scoped key can work the fulfillment queue.
	resp := doAs(ordersKey, http.MethodGet, "/api/admin/orders", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// The same key cannot touch partners or inventory.
	resp = doAs(ordersKey, http.MethodPost, "/api/admin/partners",
		createPartnerRequest{Name: "Sneaky"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", decode[errorResponse](t, resp).Code)

	resp = doAs(ordersKey, http.MethodPost, "/api/admin/inventory/waffle/berry",
		adjustStockRequest{StockUnits: 1})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// A key with no scope restriction reaches everything.
	resp = doAs(adminKey, http.MethodPost, "/api/admin/partners",
		createPartnerRequest{Name: "Legit", DefaultDiscount: decimal.NewFromInt(5)})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestUpdateOrderStatus_Lifecycle(t *testing.T) {
	f := newFixture(t)

	created := decode[orderResponse](t, f.do(t, http.MethodPost, "/api/orders", checkoutBody(1), false))

	resp := f.do(t, http.MethodPatch, "/api/admin/orders/"+created.ID+"/status",
		updateStatusRequest{Status: "PAID"}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PAID", decode[orderResponse](t, resp).Status)

	// Shipping without carrier details is rejected.
	resp = f.do(t, http.MethodPatch, "/api/admin/orders/"+created.ID+"/status",
		updateStatusRequest{Status: "SHIPPED"}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = f.do(t, http.MethodPatch, "/api/admin/orders/"+created.ID+"/status",
		updateStatusRequest{Status: "SHIPPED", Carrier: "UPS", TrackingNumber: "1Z999"}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	shipped := decode[orderResponse](t, resp)
	assert.Equal(t, "SHIPPED", shipped.Status)
	assert.Equal(t, "UPS", shipped.Carrier)

	// Shipped is terminal.
	resp = f.do(t, http.MethodPatch, "/api/admin/orders/"+created.ID+"/status",
		updateStatusRequest{Status: "CANCELLED"}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestUpdateOrderStatus_CancelRestocks(t *testing.T) {
	f := newFixture(t)

	created := decode[orderResponse](t, f.do(t, http.MethodPost, "/api/orders", checkoutBody(3), false))
	require.Equal(t, 47, f.stock.at("waffle", "berry"))

	resp := f.do(t, http.MethodPatch, "/api/admin/orders/"+created.ID+"/status",
		updateStatusRequest{Status: "CANCELLED"}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "CANCELLED", decode[orderResponse](t, resp).Status)
	assert.Equal(t, 50, f.stock.at("waffle", "berry"))
}

func TestUpdateOrderStatus_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPatch, "/api/admin/orders/nope/status",
		updateStatusRequest{Status: "PAID"}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListOrders_StatusFilter(t *testing.T) {
	f := newFixture(t)

	first := decode[orderResponse](t, f.do(t, http.MethodPost, "/api/orders", checkoutBody(1), false))
	second := checkoutBody(1)
	second.Customer.Email = "erin@example.com"
	decode[orderResponse](t, f.do(t, http.MethodPost, "/api/orders", second, false))

	resp := f.do(t, http.MethodPatch, "/api/admin/orders/"+first.ID+"/status",
		updateStatusRequest{Status: "PAID"}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/admin/orders?status=PAID", nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[[]orderResponse](t, resp)
	require.Len(t, got, 1)
	assert.Equal(t, first.ID, got[0].ID)

	resp = f.do(t, http.MethodGet, "/api/admin/orders?status=BOGUS", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPartnerManagement(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/admin/partners",
		createPartnerRequest{Name: "Fitness Collective", DefaultDiscount: decimal.NewFromInt(15)}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decode[partnerResponse](t, resp)
	assert.True(t, p.Active)

	// Code inherits the partner default discount when none is given.
	resp = f.do(t, http.MethodPost, fmt.Sprintf("/api/admin/partners/%s/codes", p.ID),
		createCodeRequest{Code: "fit-15"}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	c := decode[codeResponse](t, resp)
	assert.Equal(t, "FIT15", c.Code)
	assert.Equal(t, "percent", c.DiscountType)
	assert.True(t, c.DiscountValue.Equal(decimal.NewFromInt(15)))

	resp = f.do(t, http.MethodGet, "/api/admin/partners/"+p.ID, nil, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	detail := decode[partnerDetailResponse](t, resp)
	require.Len(t, detail.Codes, 1)
	assert.Equal(t, "FIT15", detail.Codes[0].Code)

	resp = f.do(t, http.MethodGet, "/api/admin/partners/nope", nil, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateCode_Validation(t *testing.T) {
	f := newFixture(t)

	p := decode[partnerResponse](t, f.do(t, http.MethodPost, "/api/admin/partners",
		createPartnerRequest{Name: "Partner"}, true))

	// Partner default is zero and no explicit value: rejected.
	resp := f.do(t, http.MethodPost, "/api/admin/partners/"+p.ID+"/codes",
		createCodeRequest{Code: "zero"}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/api/admin/partners/"+p.ID+"/codes",
		createCodeRequest{Code: "bad", DiscountType: "bogus"}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAdjustStock(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/api/admin/inventory/waffle/berry",
		adjustStockRequest{StockUnits: 7}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[stockResponse](t, resp)
	assert.Equal(t, 7, got.StockUnits)
	assert.Equal(t, 7, f.stock.at("waffle", "berry"))

	resp = f.do(t, http.MethodPost, "/api/admin/inventory/waffle/berry",
		adjustStockRequest{StockUnits: -1}, true)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}
