// Package httpapi exposes the storefront over HTTP: a public checkout and
// order-lookup surface, and an API-key protected admin subtree for order
// fulfillment, referral-partner management, and stock adjustment.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/strandworks/storefront/internal/domain/auth"
	"github.com/strandworks/storefront/internal/domain/inventory"
	"github.com/strandworks/storefront/internal/domain/order"
	"github.com/strandworks/storefront/internal/domain/referral"
	"github.com/strandworks/storefront/internal/intake"
)

// Handler serves the public and admin HTTP surfaces, delegating business
// logic to the injected domain collaborators.
type Handler struct {
	intake   *intake.Service
	orders   order.Repository
	ledger   *inventory.Ledger
	partners referral.AdminRepository
	stock    inventory.Store
	security *Security
	lg       *zap.Logger
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	intakeSvc *intake.Service,
	orders order.Repository,
	ledger *inventory.Ledger,
	partners referral.AdminRepository,
	stock inventory.Store,
	apikeys auth.Repository,
	pepper []byte,
	lg *zap.Logger,
) *Handler {
	return &Handler{
		intake:   intakeSvc,
		orders:   orders,
		ledger:   ledger,
		partners: partners,
		stock:    stock,
		security: NewSecurity(apikeys, pepper),
		lg:       lg,
	}
}

// Routes mounts all endpoints on a fresh chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/api", func(r chi.Router) {
		r.Post("/orders", h.placeOrder)
		r.Get("/orders/{number}", h.getOrder)

		r.Route("/admin", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(h.security.RequireAPIKey(auth.ScopeOrders))
				r.Get("/orders", h.listOrders)
				r.Patch("/orders/{id}/status", h.updateOrderStatus)
			})

			r.Group(func(r chi.Router) {
				r.Use(h.security.RequireAPIKey(auth.ScopePartners))
				r.Post("/partners", h.createPartner)
				r.Post("/partners/{id}/codes", h.createCode)
				r.Get("/partners/{id}", h.getPartner)
			})

			r.Group(func(r chi.Router) {
				r.Use(h.security.RequireAPIKey(auth.ScopeInventory))
				r.Post("/inventory/{product}/{variant}", h.adjustStock)
			})
		})
	})

	return r
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

// writeFailure maps a typed intake failure onto an HTTP response. Unknown
// failures are logged with their cause and answered generically.
func (h *Handler) writeFailure(w http.ResponseWriter, f *intake.Failure) {
	switch f.Code {
	case intake.CodeRateLimited:
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(f)))
		writeError(w, http.StatusTooManyRequests, string(f.Code), f.Message)
	case intake.CodeValidation, intake.CodeReferralRejected:
		writeError(w, http.StatusUnprocessableEntity, string(f.Code), f.Message)
	case intake.CodeOutOfStock:
		writeError(w, http.StatusConflict, string(f.Code), f.Message)
	default:
		h.lg.Error("intake failed", zap.Error(f))
		writeError(w, http.StatusInternalServerError, string(intake.CodeUnknown), f.Message)
	}
}

// retryAfterSeconds rounds the failure's retry window up to whole seconds,
// never below one.
func retryAfterSeconds(f *intake.Failure) int {
	secs := int(f.RetryAfter.Seconds())
	if f.RetryAfter > 0 && secs == 0 {
		secs = 1
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (h *Handler) internalError(w http.ResponseWriter, msg string, err error) {
	h.lg.Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid json body")
		return false
	}
	return true
}

func isNotFound(err error) bool {
	return errors.Is(err, order.ErrNotFound) ||
		errors.Is(err, referral.ErrPartnerNotFound)
}
