package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yieldsim/backend/internal/memstore"
	"github.com/yieldsim/backend/internal/middleware"
	"github.com/yieldsim/backend/internal/models"
)

type dashEnv struct {
	store   *memstore.Store
	account models.Account
	router  http.Handler
}

func newDashEnv(t *testing.T) *dashEnv {
	t.Helper()
	store := memstore.New()
	acc := store.PutAccount(models.Account{Email: "investor@example.com", DisplayName: "Ada"})
	store.Fund(acc.ID, decimal.NewFromInt(500))

	h := NewHandler(store.Positions(), store.Ledger(), store.Notifications(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	r := chi.NewRouter()
	r.Get("/account/me", h.GetMe)
	r.Get("/account/ledger", h.ListLedger)
	r.Get("/account/notifications", h.ListNotifications)
	r.Post("/account/notifications/{id}/read", h.MarkNotificationRead)
	return &dashEnv{store: store, account: acc, router: r}
}

func (e *dashEnv) get(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	acc := e.store.Account(e.account.ID)
	req = req.WithContext(middleware.WithAccount(req.Context(), &acc))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *dashEnv) notify(t *testing.T, accountID uuid.UUID, title string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	tx, err := e.store.Begin(ctx)
	require.NoError(t, err)
	n := &models.Notification{AccountID: accountID, Title: title, Level: models.LevelInfo}
	require.NoError(t, e.store.Notifications().CreateTx(ctx, tx, n))
	require.NoError(t, tx.Commit(ctx))
	return n.ID
}

func TestGetMe_SummarisesActivePositions(t *testing.T) {
	e := newDashEnv(t)
	e.store.PutPosition(models.Position{
		AccountID: e.account.ID, Kind: models.KindStaking, Active: true,
		Principal: decimal.NewFromInt(1000), CumulativeEarned: decimal.RequireFromString("2.5"),
	})
	e.store.PutPosition(models.Position{
		AccountID: e.account.ID, Kind: models.KindROI, Active: true,
		Principal: decimal.NewFromInt(200), CumulativeEarned: decimal.NewFromInt(4),
	})
	e.store.PutPosition(models.Position{
		AccountID: e.account.ID, Kind: models.KindFrozen, Status: models.StatusExpired,
		Principal: decimal.NewFromInt(9000),
	})

	rec := e.get(http.MethodGet, "/account/me")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Email     string          `json:"email"`
		Balance   decimal.Decimal `json:"balance"`
		Positions positionSummary `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "investor@example.com", body.Email)
	assert.True(t, decimal.NewFromInt(500).Equal(body.Balance))
	assert.Equal(t, 2, body.Positions.Active)
	assert.True(t, decimal.NewFromInt(1200).Equal(body.Positions.TotalPrincipal))
	assert.True(t, decimal.RequireFromString("6.5").Equal(body.Positions.TotalEarned))
}

func TestListLedger(t *testing.T) {
	e := newDashEnv(t)
	e.store.Fund(e.account.ID, decimal.NewFromInt(25))

	rec := e.get(http.MethodGet, "/account/ledger?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []models.LedgerEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.True(t, decimal.NewFromInt(525).Equal(entries[0].BalanceAfter))

	assert.Equal(t, http.StatusBadRequest, e.get(http.MethodGet, "/account/ledger?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, e.get(http.MethodGet, "/account/ledger?limit=x").Code)
}

func TestNotifications_ListAndMarkRead(t *testing.T) {
	e := newDashEnv(t)
	mine := e.notify(t, e.account.ID, "Deposit received")
	other := e.notify(t, uuid.New(), "Not yours")

	rec := e.get(http.MethodGet, "/account/notifications")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.False(t, list[0].IsRead)

	assert.Equal(t, http.StatusOK, e.get(http.MethodPost, "/account/notifications/"+mine.String()+"/read").Code)
	assert.Equal(t, http.StatusNotFound, e.get(http.MethodPost, "/account/notifications/"+other.String()+"/read").Code)
	assert.Equal(t, http.StatusBadRequest, e.get(http.MethodPost, "/account/notifications/nope/read").Code)

	rec = e.get(http.MethodGet, "/account/notifications")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.True(t, list[0].IsRead)
}

func TestUnauthenticated(t *testing.T) {
	e := newDashEnv(t)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/account/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
