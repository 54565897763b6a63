package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/ledger"
	"github.com/yieldsim/backend/internal/lifecycle"
	"github.com/yieldsim/backend/internal/middleware"
	"github.com/yieldsim/backend/internal/models"
)

// PositionManager opens and stops positions.
type PositionManager interface {
	Open(ctx context.Context, req lifecycle.OpenRequest) (*models.Position, error)
	Stop(ctx context.Context, accountID, positionID uuid.UUID) (*lifecycle.Settlement, error)
}

// RequestValidator checks an open request body against the schema of its kind.
type RequestValidator interface {
	ValidateOpen(kind string, body json.RawMessage) error
}

type PositionLister interface {
	ListByAccountID(ctx context.Context, accountID uuid.UUID) ([]models.Position, error)
}

// PositionHandler serves /api/v1/positions endpoints.
type PositionHandler struct {
	Manager   PositionManager
	Positions PositionLister
	Validator RequestValidator
	Logger    *slog.Logger
}

// --- POST /api/v1/positions ---

type openPositionRequest struct {
	Kind      string          `json:"kind"`
	PlanID    string          `json:"plan_id"`
	TraderID  string          `json:"trader_id"`
	Amount    json.RawMessage `json:"amount"`
	CopyRatio string          `json:"copy_ratio"`
}

// OpenPosition handles POST /api/v1/positions.
// Auth -> Amount (via middleware) -> Schema -> Validate -> Debit principal -> 201.
func (h *PositionHandler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, `{"error":"failed to read body"}`, http.StatusBadRequest)
		return
	}
	var body openPositionRequest
	if err := json.Unmarshal(raw, &body); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	kind, err := models.ParseKind(body.Kind)
	if err != nil {
		http.Error(w, `{"error":"unknown kind"}`, http.StatusBadRequest)
		return
	}
	if h.Validator != nil {
		if err := h.Validator.ValidateOpen(string(kind), raw); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	req := lifecycle.OpenRequest{AccountID: acc.ID, Kind: kind}

	amount, ok := middleware.AmountFromCtx(r.Context())
	if !ok {
		var s string
		if json.Unmarshal(body.Amount, &s) != nil {
			s = string(body.Amount)
		}
		amount, err = decimal.NewFromString(s)
		if err != nil {
			http.Error(w, `{"error":"invalid amount"}`, http.StatusBadRequest)
			return
		}
	}
	req.Amount = amount

	if body.PlanID != "" {
		id, err := uuid.Parse(body.PlanID)
		if err != nil {
			http.Error(w, `{"error":"invalid plan_id"}`, http.StatusBadRequest)
			return
		}
		req.PlanID = &id
	}
	if body.TraderID != "" {
		id, err := uuid.Parse(body.TraderID)
		if err != nil {
			http.Error(w, `{"error":"invalid trader_id"}`, http.StatusBadRequest)
			return
		}
		req.TraderID = &id
	}
	if body.CopyRatio != "" {
		ratio, err := decimal.NewFromString(body.CopyRatio)
		if err != nil {
			http.Error(w, `{"error":"invalid copy_ratio"}`, http.StatusBadRequest)
			return
		}
		req.CopyRatio = ratio
	}

	pos, err := h.Manager.Open(r.Context(), req)
	if err != nil {
		h.writeLifecycleError(w, "open position", err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// --- GET /api/v1/positions ---

func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	list, err := h.Positions.ListByAccountID(r.Context(), acc.ID)
	if err != nil {
		h.Logger.Error("list positions", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []models.Position{}
	}
	writeJSON(w, http.StatusOK, list)
}

// --- POST /api/v1/positions/{id}/stop ---

func (h *PositionHandler) StopPosition(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, `{"error":"invalid position id"}`, http.StatusBadRequest)
		return
	}
	s, err := h.Manager.Stop(r.Context(), acc.ID, id)
	if err != nil {
		h.writeLifecycleError(w, "stop position", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *PositionHandler) writeLifecycleError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrAmountOutOfRange):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, lifecycle.ErrUnavailable):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "product unavailable"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		http.Error(w, `{"error":"insufficient funds"}`, http.StatusPaymentRequired)
	case errors.Is(err, lifecycle.ErrNotFound):
		http.Error(w, `{"error":"position not found"}`, http.StatusNotFound)
	case errors.Is(err, lifecycle.ErrNotStoppable):
		http.Error(w, `{"error":"this position cannot be stopped"}`, http.StatusConflict)
	case errors.Is(err, lifecycle.ErrAlreadyClosed):
		http.Error(w, `{"error":"position already closed"}`, http.StatusConflict)
	default:
		h.Logger.Error(op, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
