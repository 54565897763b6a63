package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"

	"github.com/yieldsim/backend/internal/admin"
	"github.com/yieldsim/backend/internal/auth"
	"github.com/yieldsim/backend/internal/dashboard"
	"github.com/yieldsim/backend/internal/handlers"
	"github.com/yieldsim/backend/internal/metrics"
	"github.com/yieldsim/backend/internal/middleware"
)

// Deps carries the handlers and collaborators the API is assembled from.
type Deps struct {
	Auth      *auth.Handler
	Dashboard *dashboard.Handler
	Positions *handlers.PositionHandler
	Catalog   *handlers.CatalogHandler
	Transfers *handlers.TransferHandler
	Admin     *admin.Handler

	Tokens       middleware.TokenValidator
	Accounts     middleware.AccountLookup
	Capabilities middleware.CapabilityParser

	Metrics     *metrics.Metrics
	CORSOrigins []string
	MaxAmount   decimal.Decimal
	// Health reports storage reachability for /healthz. Nil means always healthy.
	Health func(ctx context.Context) error
	Now    func() time.Time
}

// New returns an http.Handler that serves the API under /api/v1.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(d.Metrics.Middleware)

	r.Get("/healthz", healthz(d.Health))
	r.Method(http.MethodGet, "/metrics", d.Metrics.Handler())

	amount := middleware.AmountCheck(d.MaxAmount)
	capability := func(scope string) func(http.Handler) http.Handler {
		return middleware.RequireCapability(d.Capabilities, scope, d.Now)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/register", d.Auth.Register)
		r.Post("/auth/login", d.Auth.Login)

		r.Get("/plans", d.Catalog.ListPlans)
		r.Get("/traders", d.Catalog.ListTraders)

		r.Group(func(r chi.Router) {
			r.Use(middleware.AccountAuth(d.Tokens, d.Accounts))

			r.Get("/account/me", d.Dashboard.GetMe)
			r.Get("/account/ledger", d.Dashboard.ListLedger)
			r.Get("/account/notifications", d.Dashboard.ListNotifications)
			r.Post("/account/notifications/{id}/read", d.Dashboard.MarkNotificationRead)
			r.Get("/account/transfers", d.Transfers.ListTransfers)
			r.With(amount).Post("/account/withdrawals", d.Transfers.RequestWithdrawal)
			r.With(amount).Post("/account/deposits", d.Transfers.RequestDeposit)

			r.Get("/positions", d.Positions.ListPositions)
			r.With(amount).Post("/positions", d.Positions.OpenPosition)
			r.Post("/positions/{id}/stop", d.Positions.StopPosition)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/activate", d.Admin.Activate)
			r.With(capability(admin.ScopeAccrualRun)).Post("/accrual/ticks", d.Admin.RunTick)
			r.With(capability(admin.ScopeLedgerWrite), amount).Post("/accounts/{id}/deposits", d.Admin.Deposit)
			r.With(capability(admin.ScopeLedgerRead)).Get("/accounts/{id}/verify", d.Admin.Verify)
			r.With(capability(admin.ScopeLedgerRead)).Get("/transfers", d.Admin.ListPendingTransfers)
			r.With(capability(admin.ScopeLedgerWrite)).Post("/transfers/{id}/approve", d.Admin.ApproveTransfer)
			r.With(capability(admin.ScopeLedgerWrite)).Post("/transfers/{id}/reject", d.Admin.RejectTransfer)
		})
	})

	return cors.New(cors.Options{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: true,
	}).Handler(r)
}

func healthz(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}
}
