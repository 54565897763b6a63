package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yieldsim/backend/internal/ledger"
	"github.com/yieldsim/backend/internal/lifecycle"
	"github.com/yieldsim/backend/internal/memstore"
	"github.com/yieldsim/backend/internal/middleware"
	"github.com/yieldsim/backend/internal/models"
	"github.com/yieldsim/backend/internal/notify"
	"github.com/yieldsim/backend/internal/transfers"
	"github.com/yieldsim/backend/internal/validate"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type env struct {
	store   *memstore.Store
	account models.Account
	router  http.Handler
}

func newEnv(t *testing.T, balance int64) *env {
	t.Helper()
	store := memstore.New()
	acc := store.PutAccount(models.Account{Email: "investor@example.com"})
	if balance > 0 {
		store.Fund(acc.ID, decimal.NewFromInt(balance))
	}
	led := ledger.NewService(store.Accounts(), store.Ledger(), nil)
	notifier := notify.New(store.Notifications(), nil, notify.WithBackoff(func(int) time.Duration { return 0 }))
	mgr := lifecycle.NewManager(lifecycle.Deps{
		DB:        store,
		Positions: store.Positions(),
		Catalog:   store.Catalog(),
		Ledger:    led,
		Notifier:  notifier,
	})
	ph := &PositionHandler{Manager: mgr, Positions: store.Positions(), Validator: validate.MustNew(), Logger: discardLogger()}
	ch := &CatalogHandler{Catalog: store.Catalog(), Logger: discardLogger()}
	th := &TransferHandler{
		Transfers: transfers.NewService(transfers.Deps{DB: store, Transfers: store.Transfers(), Ledger: led, Notifier: notifier}),
		Logger:    discardLogger(),
	}

	r := chi.NewRouter()
	r.Get("/plans", ch.ListPlans)
	r.Get("/traders", ch.ListTraders)
	r.Post("/positions", ph.OpenPosition)
	r.Get("/positions", ph.ListPositions)
	r.Post("/positions/{id}/stop", ph.StopPosition)
	r.Post("/withdrawals", th.RequestWithdrawal)
	r.Post("/deposits", th.RequestDeposit)
	r.Get("/transfers", th.ListTransfers)
	return &env{store: store, account: acc, router: r}
}

func (e *env) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		acc := e.store.Account(e.account.ID)
		req = req.WithContext(middleware.WithAccount(req.Context(), &acc))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestOpenPosition_TradingBot(t *testing.T) {
	e := newEnv(t, 2000)
	plan := e.store.PutPlan(models.Plan{
		Kind: models.KindTradingBot, Name: "Grid Bot", MinAmount: decimal.NewFromInt(100),
		MaxAmount: decimal.NewFromInt(5000), Rate: decimal.RequireFromString("0.025"), DurationDays: 30, Active: true,
	})

	rec := e.do(http.MethodPost, "/positions",
		`{"kind":"trading_bot","plan_id":"`+plan.ID.String()+`","amount":"1000"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var pos models.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pos))
	assert.Equal(t, models.KindTradingBot, pos.Kind)
	assert.True(t, decimal.NewFromInt(25).Equal(pos.DailyProfit))
	assert.True(t, decimal.NewFromInt(1000).Equal(e.store.Account(e.account.ID).Balance))

	rec = e.do(http.MethodGet, "/positions", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []models.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, pos.ID, list[0].ID)
}

func TestOpenPosition_Errors(t *testing.T) {
	e := newEnv(t, 50)
	plan := e.store.PutPlan(models.Plan{
		Kind: models.KindROI, Name: "Starter", MinAmount: decimal.NewFromInt(10),
		MaxAmount: decimal.NewFromInt(1000), Rate: decimal.RequireFromString("0.01"), DurationDays: 7, Active: true,
	})
	planID := plan.ID.String()

	tests := []struct {
		name string
		body string
		want int
	}{
		{"unknown kind", `{"kind":"lottery","amount":"10"}`, http.StatusBadRequest},
		{"bad amount", `{"kind":"roi","plan_id":"` + planID + `","amount":"ten"}`, http.StatusBadRequest},
		{"bad plan id", `{"kind":"roi","plan_id":"x","amount":"10"}`, http.StatusBadRequest},
		{"missing plan", `{"kind":"roi","amount":"10"}`, http.StatusBadRequest},
		{"unexpected field", `{"kind":"roi","plan_id":"` + planID + `","amount":"10","bonus":true}`, http.StatusBadRequest},
		{"unknown plan", `{"kind":"roi","plan_id":"` + uuid.NewString() + `","amount":"10"}`, http.StatusUnprocessableEntity},
		{"below minimum", `{"kind":"roi","plan_id":"` + planID + `","amount":5}`, http.StatusUnprocessableEntity},
		{"insufficient funds", `{"kind":"roi","plan_id":"` + planID + `","amount":"500"}`, http.StatusPaymentRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(http.MethodPost, "/positions", tt.body, true)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodPost, "/positions", `{}`, false).Code)
	assert.True(t, decimal.NewFromInt(50).Equal(e.store.Account(e.account.ID).Balance))
}

func TestStopPosition(t *testing.T) {
	e := newEnv(t, 1000)
	trader := e.store.PutTrader(models.Trader{
		Name: "Alice", MonthlyReturn: decimal.NewFromInt(24), MinCopyAmount: decimal.NewFromInt(100),
		MaxCopyAmount: decimal.NewFromInt(10000), Active: true,
	})
	rec := e.do(http.MethodPost, "/positions",
		`{"kind":"copy_trade","trader_id":"`+trader.ID.String()+`","amount":"600","copy_ratio":"0.5"}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var pos models.Position
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pos))

	rec = e.do(http.MethodPost, "/positions/"+pos.ID.String()+"/stop", "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var s lifecycle.Settlement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, models.StatusStopped, s.Status)
	assert.True(t, decimal.NewFromInt(1000).Equal(e.store.Account(e.account.ID).Balance))

	rec = e.do(http.MethodPost, "/positions/"+pos.ID.String()+"/stop", "", true)
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec = e.do(http.MethodPost, "/positions/"+uuid.NewString()+"/stop", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(http.MethodPost, "/positions/abc/stop", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatalogListings(t *testing.T) {
	e := newEnv(t, 0)
	e.store.PutPlan(models.Plan{Kind: models.KindStaking, Name: "Stake", Active: true})
	e.store.PutPlan(models.Plan{Kind: models.KindStaking, Name: "Retired"})

	rec := e.do(http.MethodGet, "/plans", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var plans []models.Plan
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &plans))
	require.Len(t, plans, 1)
	assert.Equal(t, "Stake", plans[0].Name)

	rec = e.do(http.MethodGet, "/traders", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}
