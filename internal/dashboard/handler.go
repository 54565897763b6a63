package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/middleware"
	"github.com/yieldsim/backend/internal/models"
	"github.com/yieldsim/backend/internal/repository"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type PositionLister interface {
	ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]models.Position, error)
}

type LedgerLister interface {
	ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

type NotificationStore interface {
	ListByAccountID(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Notification, error)
	MarkRead(ctx context.Context, accountID, id uuid.UUID) error
}

// Handler serves the investor's own account views.
type Handler struct {
	positions     PositionLister
	ledger        LedgerLister
	notifications NotificationStore
	log           *slog.Logger
}

func NewHandler(positions PositionLister, ledger LedgerLister, notifications NotificationStore, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		positions:     positions,
		ledger:        ledger,
		notifications: notifications,
		log:           log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func limitFromQuery(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, true
}

type positionSummary struct {
	Active         int             `json:"active"`
	TotalPrincipal decimal.Decimal `json:"total_principal"`
	TotalEarned    decimal.Decimal `json:"total_earned"`
}

// GET /api/v1/account/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	list, err := h.positions.ListByAccountID(r.Context(), acc.ID)
	if err != nil {
		h.log.Error("list positions failed", "account_id", acc.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	summary := positionSummary{TotalPrincipal: decimal.Zero, TotalEarned: decimal.Zero}
	for _, p := range list {
		if !p.Active {
			continue
		}
		summary.Active++
		summary.TotalPrincipal = summary.TotalPrincipal.Add(p.Principal)
		summary.TotalEarned = summary.TotalEarned.Add(p.CumulativeEarned)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           acc.ID,
		"email":        acc.Email,
		"display_name": acc.DisplayName,
		"balance":      acc.Balance,
		"positions":    summary,
		"created_at":   acc.CreatedAt,
	})
}

// GET /api/v1/account/ledger
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit, ok := limitFromQuery(r)
	if !ok {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	entries, err := h.ledger.ListByAccountID(r.Context(), acc.ID, limit)
	if err != nil {
		h.log.Error("list ledger failed", "account_id", acc.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// GET /api/v1/account/notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	limit, ok := limitFromQuery(r)
	if !ok {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	list, err := h.notifications.ListByAccountID(r.Context(), acc.ID, limit)
	if err != nil {
		h.log.Error("list notifications failed", "account_id", acc.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Notification{}
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /api/v1/account/notifications/{id}/read
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid notification ID", http.StatusBadRequest)
		return
	}
	if err := h.notifications.MarkRead(r.Context(), acc.ID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "notification not found", http.StatusNotFound)
			return
		}
		h.log.Error("mark notification read failed", "notification_id", id, "error", err)
		http.Error(w, "update failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
