package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/ledger"
	"github.com/yieldsim/backend/internal/middleware"
	"github.com/yieldsim/backend/internal/models"
	"github.com/yieldsim/backend/internal/transfers"
)

// TransferRequester files deposit and withdrawal requests for an account.
type TransferRequester interface {
	RequestWithdrawal(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, address string) (*models.Transfer, error)
	RequestDeposit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, reference string) (*models.Transfer, error)
	ListForAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Transfer, error)
}

// TransferHandler serves /api/v1/account/{withdrawals,deposits,transfers}.
type TransferHandler struct {
	Transfers TransferRequester
	Logger    *slog.Logger
}

type withdrawalRequest struct {
	Amount  json.RawMessage `json:"amount"`
	Address string          `json:"address"`
}

type depositRequest struct {
	Amount          json.RawMessage `json:"amount"`
	TransactionHash string          `json:"transaction_hash"`
}

// POST /api/v1/account/withdrawals
func (h *TransferHandler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var body withdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	amount, ok := requestAmount(r, body.Amount)
	if !ok {
		http.Error(w, `{"error":"invalid amount"}`, http.StatusBadRequest)
		return
	}
	t, err := h.Transfers.RequestWithdrawal(r.Context(), acc.ID, amount, body.Address)
	if err != nil {
		h.writeTransferError(w, "request withdrawal", err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// POST /api/v1/account/deposits
func (h *TransferHandler) RequestDeposit(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	var body depositRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	amount, ok := requestAmount(r, body.Amount)
	if !ok {
		http.Error(w, `{"error":"invalid amount"}`, http.StatusBadRequest)
		return
	}
	t, err := h.Transfers.RequestDeposit(r.Context(), acc.ID, amount, body.TransactionHash)
	if err != nil {
		h.writeTransferError(w, "request deposit", err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GET /api/v1/account/transfers
func (h *TransferHandler) ListTransfers(w http.ResponseWriter, r *http.Request) {
	acc := middleware.AccountFromCtx(r.Context())
	if acc == nil {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := h.Transfers.ListForAccount(r.Context(), acc.ID, limit)
	if err != nil {
		h.Logger.Error("list transfers", "account_id", acc.ID, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Transfer{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *TransferHandler) writeTransferError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, transfers.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, transfers.ErrBelowMinimum):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		http.Error(w, `{"error":"insufficient funds"}`, http.StatusPaymentRequired)
	default:
		h.Logger.Error(op, "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}
}

// requestAmount prefers the amount AmountCheck already parsed.
func requestAmount(r *http.Request, raw json.RawMessage) (decimal.Decimal, bool) {
	if amount, ok := middleware.AmountFromCtx(r.Context()); ok {
		return amount, true
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		s = string(raw)
	}
	amount, err := decimal.NewFromString(s)
	if err != nil || !amount.IsPositive() {
		return decimal.Zero, false
	}
	return amount, true
}
