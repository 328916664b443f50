package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/strandworks/storefront/internal/domain/referral"
)

type createPartnerRequest struct {
	Name            string          `json:"name"`
	DefaultDiscount decimal.Decimal `json:"default_discount"`
}

type partnerResponse struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Active          bool            `json:"active"`
	DefaultDiscount decimal.Decimal `json:"default_discount"`
	CreatedAt       time.Time       `json:"created_at"`
}

func toPartnerResponse(p *referral.Partner) partnerResponse {
	return partnerResponse{
		ID:              p.ID,
		Name:            p.Name,
		Active:          p.Active,
		DefaultDiscount: p.DefaultDiscount,
		CreatedAt:       p.CreatedAt,
	}
}

func (h *Handler) createPartner(w http.ResponseWriter, r *http.Request) {
	var req createPartnerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "partner name required")
		return
	}

	p := &referral.Partner{
		ID:              uuid.New().String(),
		Name:            req.Name,
		Active:          true,
		DefaultDiscount: req.DefaultDiscount,
		CreatedAt:       time.Now().UTC(),
	}
	if err := h.partners.CreatePartner(r.Context(), p); err != nil {
		h.internalError(w, "create partner", err)
		return
	}

	writeJSON(w, http.StatusCreated, toPartnerResponse(p))
}

type createCodeRequest struct {
	Code           string           `json:"code"`
	DiscountType   string           `json:"discount_type"`
	DiscountValue  *decimal.Decimal `json:"discount_value,omitempty"`
	StartsAt       *time.Time       `json:"starts_at,omitempty"`
	ExpiresAt      *time.Time       `json:"expires_at,omitempty"`
	MaxRedemptions int              `json:"max_redemptions"`
}

type codeResponse struct {
	ID             string          `json:"id"`
	PartnerID      string          `json:"partner_id"`
	Code           string          `json:"code"`
	DiscountType   string          `json:"discount_type"`
	DiscountValue  decimal.Decimal `json:"discount_value"`
	StartsAt       *time.Time      `json:"starts_at,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	MaxRedemptions int             `json:"max_redemptions"`
	Redemptions    int             `json:"redemptions"`
	Active         bool            `json:"active"`
}

func toCodeResponse(c *referral.Code) codeResponse {
	return codeResponse{
		ID:             c.ID,
		PartnerID:      c.PartnerID,
		Code:           c.Code,
		DiscountType:   string(c.DiscountType),
		DiscountValue:  c.DiscountValue,
		StartsAt:       c.StartsAt,
		ExpiresAt:      c.ExpiresAt,
		MaxRedemptions: c.MaxRedemptions,
		Redemptions:    c.Redemptions,
		Active:         c.Active,
	}
}

// createCode mints a code for a partner. When discount_value is omitted the
// partner's default percentage discount is used.
func (h *Handler) createCode(w http.ResponseWriter, r *http.Request) {
	partnerID := chi.URLParam(r, "id")
	var req createCodeRequest
	if !decodeBody(w, r, &req) {
		return
	}

	normalized := referral.NormalizeCode(req.Code)
	if normalized == "" {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "code required")
		return
	}

	p, _, _, err := h.partners.GetPartner(r.Context(), partnerID)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "partner not found")
			return
		}
		h.internalError(w, "get partner", err)
		return
	}

	discountType := referral.DiscountType(req.DiscountType)
	if discountType == "" {
		discountType = referral.DiscountPercent
	}
	switch discountType {
	case referral.DiscountPercent, referral.DiscountFixed:
	default:
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"unknown discount type "+req.DiscountType)
		return
	}

	value := p.DefaultDiscount
	if req.DiscountValue != nil {
		value = *req.DiscountValue
	}
	if !value.IsPositive() {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"discount value must be positive")
		return
	}

	c := &referral.Code{
		ID:             uuid.New().String(),
		PartnerID:      p.ID,
		Code:           normalized,
		DiscountType:   discountType,
		DiscountValue:  value,
		StartsAt:       req.StartsAt,
		ExpiresAt:      req.ExpiresAt,
		MaxRedemptions: req.MaxRedemptions,
		Active:         true,
	}
	if err := h.partners.CreateCode(r.Context(), c); err != nil {
		h.internalError(w, "create code", err)
		return
	}

	writeJSON(w, http.StatusCreated, toCodeResponse(c))
}

type partnerDetailResponse struct {
	partnerResponse
	Codes []codeResponse       `json:"codes"`
	Stats partnerStatsResponse `json:"stats"`
}

type partnerStatsResponse struct {
	Customers       int             `json:"customers"`
	TotalOrders     int             `json:"total_orders"`
	LifetimeRevenue decimal.Decimal `json:"lifetime_revenue"`
}

func (h *Handler) getPartner(w http.ResponseWriter, r *http.Request) {
	p, codes, stats, err := h.partners.GetPartner(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "partner not found")
			return
		}
		h.internalError(w, "get partner", err)
		return
	}

	resp := partnerDetailResponse{
		partnerResponse: toPartnerResponse(p),
		Codes:           make([]codeResponse, len(codes)),
		Stats: partnerStatsResponse{
			Customers:       stats.Customers,
			TotalOrders:     stats.TotalOrders,
			LifetimeRevenue: stats.LifetimeRevenue,
		},
	}
	for i, c := range codes {
		resp.Codes[i] = toCodeResponse(c)
	}
	writeJSON(w, http.StatusOK, resp)
}
