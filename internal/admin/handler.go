package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/accrual"
	"github.com/yieldsim/backend/internal/ledger"
	"github.com/yieldsim/backend/internal/models"
	"github.com/yieldsim/backend/internal/repository"
)

type Ticker interface {
	RunTick(ctx context.Context) (accrual.TickReport, error)
}

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type AccountLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

type Notifier interface {
	Notify(ctx context.Context, tx pgx.Tx, n models.Notification) error
}

type HandlerDeps struct {
	Gate      *Gate
	Ticker    Ticker
	DB        TxBeginner
	Ledger    ledger.Service
	Accounts  AccountLookup
	Notifier  Notifier
	Transfers TransferReviewer
	Log       *slog.Logger
}

type Handler struct {
	gate      *Gate
	ticker    Ticker
	db        TxBeginner
	ledger    ledger.Service
	accounts  AccountLookup
	notifier  Notifier
	transfers TransferReviewer
	log       *slog.Logger
}

func NewHandler(d HandlerDeps) *Handler {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	return &Handler{
		gate:      d.Gate,
		ticker:    d.Ticker,
		db:        d.DB,
		ledger:    d.Ledger,
		accounts:  d.Accounts,
		notifier:  d.Notifier,
		transfers: d.Transfers,
		log:       d.Log,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type ActivateRequest struct {
	Code    string   `json:"code"`
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

type ActivateResponse struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expires_at"`
}

// POST /api/v1/admin/activate
func (h *Handler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	token, c, err := h.gate.Activate(req.Code, req.Subject, req.Scopes)
	switch {
	case errors.Is(err, ErrInvalidCode):
		h.log.Warn("admin activation rejected", "remote", r.RemoteAddr)
		http.Error(w, "invalid activation code", http.StatusUnauthorized)
		return
	case errors.Is(err, ErrUnknownScope):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		h.log.Error("admin activation failed", "error", err)
		http.Error(w, "activation failed", http.StatusInternalServerError)
		return
	}
	h.log.Info("admin capability issued", "subject", c.Subject, "scopes", c.Scopes, "expires_at", c.ExpiresAt)
	writeJSON(w, http.StatusOK, ActivateResponse{Token: token, Subject: c.Subject, Scopes: c.Scopes, ExpiresAt: c.ExpiresAt})
}

// POST /api/v1/admin/accrual/ticks
func (h *Handler) RunTick(w http.ResponseWriter, r *http.Request) {
	subject := ""
	if c := FromContext(r.Context()); c != nil {
		subject = c.Subject
	}
	h.log.Info("manual accrual tick", "subject", subject)
	report, err := h.ticker.RunTick(r.Context())
	if err != nil {
		h.log.Error("manual accrual tick failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// DepositRequest accepts the amount as a JSON string or number.
type DepositRequest struct {
	Amount json.RawMessage `json:"amount"`
	Memo   string          `json:"memo"`
}

type DepositResponse struct {
	AccountID uuid.UUID `json:"account_id"`
	Amount    string    `json:"amount"`
	Balance   string    `json:"balance"`
}

// POST /api/v1/admin/accounts/{id}/deposits
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	amount, err := decimal.NewFromString(strings.Trim(string(req.Amount), `"`))
	if err != nil || !amount.IsPositive() {
		http.Error(w, "amount must be a positive decimal", http.StatusBadRequest)
		return
	}
	if _, err := h.accounts.GetByID(r.Context(), accountID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "account not found", http.StatusNotFound)
			return
		}
		h.log.Error("deposit lookup failed", "account_id", accountID, "error", err)
		http.Error(w, "deposit failed", http.StatusInternalServerError)
		return
	}

	balance, err := h.deposit(r.Context(), accountID, amount, req.Memo)
	if err != nil {
		h.log.Error("deposit failed", "account_id", accountID, "error", err)
		http.Error(w, "deposit failed", http.StatusInternalServerError)
		return
	}
	h.log.Info("deposit applied", "account_id", accountID, "amount", amount.String())
	writeJSON(w, http.StatusCreated, DepositResponse{AccountID: accountID, Amount: amount.String(), Balance: balance.String()})
}

func (h *Handler) deposit(ctx context.Context, accountID uuid.UUID, amount decimal.Decimal, memo string) (decimal.Decimal, error) {
	tx, err := h.db.Begin(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer tx.Rollback(ctx)

	balance, err := h.ledger.Apply(ctx, tx, ledger.Mutation{
		AccountID: accountID,
		Amount:    amount,
		Kind:      models.EntryDeposit,
		Memo:      memo,
	})
	if err != nil {
		return decimal.Zero, err
	}
	if h.notifier != nil {
		n := models.Notification{
			AccountID: accountID,
			Title:     "Deposit received",
			Message:   amount.StringFixed(2) + " USDT was added to your balance.",
			Level:     models.LevelSuccess,
		}
		if err := h.notifier.Notify(ctx, tx, n); err != nil {
			h.log.Warn("deposit notification dropped", "account_id", accountID, "error", err)
		}
	}
	return balance, tx.Commit(ctx)
}

// GET /api/v1/admin/accounts/{id}/verify
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	accountID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid account id", http.StatusBadRequest)
		return
	}
	err = h.ledger.Verify(r.Context(), accountID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "consistent": true})
	case errors.Is(err, ledger.ErrLedgerMismatch):
		writeJSON(w, http.StatusConflict, map[string]any{"account_id": accountID, "consistent": false, "detail": err.Error()})
	case errors.Is(err, repository.ErrNotFound):
		http.Error(w, "account not found", http.StatusNotFound)
	default:
		h.log.Error("ledger verify failed", "account_id", accountID, "error", err)
		http.Error(w, "verify failed", http.StatusInternalServerError)
	}
}
