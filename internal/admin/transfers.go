package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/yieldsim/backend/internal/models"
	"github.com/yieldsim/backend/internal/transfers"
)

// TransferReviewer settles pending deposit and withdrawal requests.
type TransferReviewer interface {
	Pending(ctx context.Context, limit int) ([]*models.Transfer, error)
	Approve(ctx context.Context, id uuid.UUID, operator string) (*models.Transfer, error)
	Reject(ctx context.Context, id uuid.UUID, operator, reason string) (*models.Transfer, error)
}

// GET /api/v1/admin/transfers
func (h *Handler) ListPendingTransfers(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := h.transfers.Pending(r.Context(), limit)
	if err != nil {
		h.log.Error("list pending transfers failed", "error", err)
		http.Error(w, "list failed", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Transfer{}
	}
	writeJSON(w, http.StatusOK, list)
}

// POST /api/v1/admin/transfers/{id}/approve
func (h *Handler) ApproveTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid transfer id", http.StatusBadRequest)
		return
	}
	t, err := h.transfers.Approve(r.Context(), id, operator(r))
	h.writeDecision(w, id, t, err)
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

// POST /api/v1/admin/transfers/{id}/reject
func (h *Handler) RejectTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid transfer id", http.StatusBadRequest)
		return
	}
	var req RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	t, err := h.transfers.Reject(r.Context(), id, operator(r), req.Reason)
	h.writeDecision(w, id, t, err)
}

func (h *Handler) writeDecision(w http.ResponseWriter, id uuid.UUID, t *models.Transfer, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, t)
	case errors.Is(err, transfers.ErrNotFound):
		http.Error(w, "transfer not found", http.StatusNotFound)
	case errors.Is(err, transfers.ErrAlreadyDecided):
		http.Error(w, "transfer already decided", http.StatusConflict)
	default:
		h.log.Error("transfer decision failed", "transfer_id", id, "error", err)
		http.Error(w, "decision failed", http.StatusInternalServerError)
	}
}

func operator(r *http.Request) string {
	if c := FromContext(r.Context()); c != nil {
		return c.Subject
	}
	return ""
}
