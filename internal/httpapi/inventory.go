package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/strandworks/storefront/internal/domain/catalog"
)

type adjustStockRequest struct {
	StockUnits int `json:"stock_units"`
}

type stockResponse struct {
	ProductID    string `json:"product_id"`
	VariantLabel string `json:"variant_label"`
	StockUnits   int    `json:"stock_units"`
}

// adjustStock sets a variant's stock to an absolute level. Restocks and
// corrections both land here; order flow adjusts stock only through
// reservations.
func (h *Handler) adjustStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "product")
	variantLabel := chi.URLParam(r, "variant")

	var req adjustStockRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.StockUnits < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR",
			"stock_units must not be negative")
		return
	}

	if err := h.stock.AdjustStock(r.Context(), productID, variantLabel, req.StockUnits); err != nil {
		h.internalError(w, "adjust stock", err)
		return
	}

	// Read back so the response reflects what storage holds.
	levels, err := h.stock.GetStock(r.Context(), []catalog.VariantKey{
		{ProductID: productID, VariantLabel: variantLabel},
	})
	if err != nil {
		h.internalError(w, "read stock", err)
		return
	}

	writeJSON(w, http.StatusOK, stockResponse{
		ProductID:    productID,
		VariantLabel: variantLabel,
		StockUnits:   levels[catalog.VariantKey{ProductID: productID, VariantLabel: variantLabel}],
	})
}
