package httpapi

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/strandworks/storefront/internal/domain/inventory"
	"github.com/strandworks/storefront/internal/domain/order"
	"github.com/strandworks/storefront/internal/domain/referral"
	"github.com/strandworks/storefront/internal/intake"
)

type cartItemRequest struct {
	Key          string `json:"key"`
	ProductID    string `json:"product_id"`
	VariantLabel string `json:"variant_label"`
	TierQuantity int    `json:"tier_quantity"`
	Count        int    `json:"count"`
}

type placeOrderRequest struct {
	Items        []cartItemRequest     `json:"items"`
	Customer     order.Customer        `json:"customer"`
	Shipping     order.ShippingAddress `json:"shipping"`
	ReferralCode string                `json:"referral_code,omitempty"`
	Subtotal     decimal.Decimal       `json:"subtotal"`
}

type orderResponse struct {
	ID         string                 `json:"id"`
	Number     string                 `json:"number"`
	Status     string                 `json:"status"`
	Customer   order.Customer         `json:"customer"`
	Shipping   order.ShippingAddress  `json:"shipping"`
	Items      []order.Item           `json:"items"`
	Subtotal   decimal.Decimal        `json:"subtotal"`
	Discount   decimal.Decimal        `json:"discount"`
	TotalUnits int                    `json:"total_units"`
	Referral   *order.ReferralContext `json:"referral,omitempty"`
	Carrier    string                 `json:"carrier,omitempty"`
	Tracking   string                 `json:"tracking_number,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

func toOrderResponse(o *order.Order) orderResponse {
	resp := orderResponse{
		ID:         o.ID,
		Number:     o.Number,
		Status:     string(o.Status),
		Customer:   o.Customer,
		Shipping:   o.Shipping,
		Items:      o.Items,
		Subtotal:   o.Subtotal,
		Discount:   o.Discount,
		TotalUnits: o.TotalUnits,
		Referral:   o.Referral,
		CreatedAt:  o.CreatedAt,
	}
	if o.Shipment != nil {
		resp.Carrier = o.Shipment.Carrier
		resp.Tracking = o.Shipment.TrackingNumber
	}
	return resp
}

// placeOrder runs the full intake pipeline for a checkout submission.
func (h *Handler) placeOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	items := make([]intake.CartItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = intake.CartItem{
			Key:          it.Key,
			ProductID:    it.ProductID,
			VariantLabel: it.VariantLabel,
			TierQuantity: it.TierQuantity,
			Count:        it.Count,
		}
	}

	o, err := h.intake.Submit(r.Context(), intake.SubmitRequest{
		Items:            items,
		Customer:         req.Customer,
		Shipping:         req.Shipping,
		ReferralCode:     req.ReferralCode,
		ClientIP:         clientIP(r),
		DeclaredSubtotal: req.Subtotal,
	})
	if err != nil {
		var f *intake.Failure
		if errors.As(err, &f) {
			h.writeFailure(w, f)
			return
		}
		h.internalError(w, "place order", err)
		return
	}

	writeJSON(w, http.StatusCreated, toOrderResponse(o))
}

// getOrder is the customer-facing lookup. The caller must present the
// matching email; a mismatch answers not-found so order numbers alone leak
// nothing.
func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	number := chi.URLParam(r, "number")
	email := referral.NormalizeEmail(r.URL.Query().Get("email"))
	if email == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "email query parameter required")
		return
	}

	o, err := h.orders.GetByNumber(r.Context(), number)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "order not found")
			return
		}
		h.internalError(w, "get order", err)
		return
	}
	if referral.NormalizeEmail(o.Customer.Email) != email {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "order not found")
		return
	}

	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

// listOrders returns the fulfillment queue, optionally filtered by status.
func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	var status *order.Status
	if s := r.URL.Query().Get("status"); s != "" {
		st := order.Status(s)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown status "+s)
			return
		}
		status = &st
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}

	out, err := h.orders.List(r.Context(), status, limit)
	if err != nil {
		h.internalError(w, "list orders", err)
		return
	}

	resp := make([]orderResponse, len(out))
	for i := range out {
		resp[i] = toOrderResponse(&out[i])
	}
	writeJSON(w, http.StatusOK, resp)
}

type updateStatusRequest struct {
	Status         string `json:"status"`
	Carrier        string `json:"carrier,omitempty"`
	TrackingNumber string `json:"tracking_number,omitempty"`
}

// updateOrderStatus applies a lifecycle transition. Cancelling a not-yet
// shipped order returns its reserved units to stock.
func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}

	next := order.Status(req.Status)
	if !next.Valid() {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown status "+req.Status)
		return
	}
	var shipment *order.Shipment
	if req.Carrier != "" || req.TrackingNumber != "" {
		shipment = &order.Shipment{Carrier: req.Carrier, TrackingNumber: req.TrackingNumber}
	}

	o, err := h.orders.GetByID(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "order not found")
			return
		}
		h.internalError(w, "get order", err)
		return
	}

	if err := o.TransitionTo(next, shipment); err != nil {
		var (
			invalid *order.InvalidTransitionError
			missing *order.ShipmentRequiredError
		)
		if errors.As(err, &invalid) || errors.As(err, &missing) {
			writeError(w, http.StatusUnprocessableEntity, "INVALID_TRANSITION", err.Error())
			return
		}
		h.internalError(w, "transition order", err)
		return
	}

	if err := h.orders.UpdateStatus(r.Context(), o); err != nil {
		h.internalError(w, "update order status", err)
		return
	}

	// A cancelled order releases its reservation. The status change is
	// already durable; a restock failure is logged for manual follow-up
	// rather than unwinding the cancellation.
	if next == order.StatusCancelled {
		if err := h.ledger.Restock(r.Context(), restockDemands(o)); err != nil {
			h.lg.Error("restock after cancellation",
				zap.String("order_id", o.ID), zap.Error(err))
		}
	}

	writeJSON(w, http.StatusOK, toOrderResponse(o))
}

func restockDemands(o *order.Order) []inventory.Demand {
	items := make([]inventory.Item, len(o.Items))
	for i, it := range o.Items {
		items[i] = inventory.Item{
			ProductID:    it.ProductID,
			VariantLabel: it.VariantLabel,
			TierQuantity: it.TierQuantity,
			Count:        it.Count,
		}
	}
	return inventory.DemandsFor(items)
}

// clientIP trusts RemoteAddr, which upstream middleware rewrites from
// forwarding headers when deployed behind a proxy.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
