package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/yieldsim/backend/internal/models"
)

type CatalogReader interface {
	ListPlans(ctx context.Context) ([]*models.Plan, error)
	ListTraders(ctx context.Context) ([]*models.Trader, error)
}

// CatalogHandler serves the public plan and trader listings.
type CatalogHandler struct {
	Catalog CatalogReader
	Logger  *slog.Logger
}

// GET /api/v1/plans
func (h *CatalogHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.Catalog.ListPlans(r.Context())
	if err != nil {
		h.Logger.Error("list plans", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if plans == nil {
		plans = []*models.Plan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

// GET /api/v1/traders
func (h *CatalogHandler) ListTraders(w http.ResponseWriter, r *http.Request) {
	traders, err := h.Catalog.ListTraders(r.Context())
	if err != nil {
		h.Logger.Error("list traders", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if traders == nil {
		traders = []*models.Trader{}
	}
	writeJSON(w, http.StatusOK, traders)
}
