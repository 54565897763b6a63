// Package app assembles the service from configuration. Both the API server
// and yieldctl build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/yieldsim/backend/internal/accrual"
	"github.com/yieldsim/backend/internal/admin"
	"github.com/yieldsim/backend/internal/auth"
	"github.com/yieldsim/backend/internal/cache"
	"github.com/yieldsim/backend/internal/config"
	"github.com/yieldsim/backend/internal/dashboard"
	"github.com/yieldsim/backend/internal/database"
	"github.com/yieldsim/backend/internal/events"
	"github.com/yieldsim/backend/internal/execution"
	"github.com/yieldsim/backend/internal/handlers"
	"github.com/yieldsim/backend/internal/idgen"
	"github.com/yieldsim/backend/internal/ledger"
	"github.com/yieldsim/backend/internal/lifecycle"
	"github.com/yieldsim/backend/internal/metrics"
	"github.com/yieldsim/backend/internal/notify"
	"github.com/yieldsim/backend/internal/positions"
	"github.com/yieldsim/backend/internal/repository"
	"github.com/yieldsim/backend/internal/router"
	"github.com/yieldsim/backend/internal/transfers"
	"github.com/yieldsim/backend/internal/validate"
)

type App struct {
	Config  *config.Config
	Log     *slog.Logger
	Pool    *pgxpool.Pool
	Metrics *metrics.Metrics

	Accounts      *repository.AccountRepo
	Entries       *repository.LedgerRepo
	Positions     *repository.PositionRepo
	Notifications *repository.NotificationRepo
	TransferRepo  *repository.TransferRepo
	Catalog       cache.Catalog

	Ledger    ledger.Service
	Notifier  *notify.Notifier
	Lifecycle *lifecycle.Manager
	Engine    *accrual.Engine
	Transfers *transfers.Service
	Auth      auth.Service
	Gate      *admin.Gate
	Publisher events.Publisher
	Validator *validate.Validator

	rdb *redis.Client
}

// New connects to PostgreSQL and wires every service. Redis and Kafka are
// optional and only used when configured.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	policies, err := lifecycle.LoadPolicies(cfg.PolicyFile)
	if err != nil {
		pool.Close()
		return nil, err
	}
	validator, err := validate.New()
	if err != nil {
		pool.Close()
		return nil, err
	}

	a := &App{
		Config:        cfg,
		Log:           log,
		Pool:          pool,
		Metrics:       metrics.New(),
		Accounts:      repository.NewAccountRepo(pool),
		Entries:       repository.NewLedgerRepo(pool),
		Positions:     repository.NewPositionRepo(pool),
		Notifications: repository.NewNotificationRepo(pool),
		TransferRepo:  repository.NewTransferRepo(pool),
		Publisher:     events.NopPublisher{},
		Validator:     validator,
	}

	var traders lifecycle.TraderInvalidator
	a.Catalog = repository.NewCatalogRepo(pool)
	if cfg.Redis.Enabled {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unreachable, trader cache will fall back to postgres", "addr", cfg.Redis.Addr, "error", err)
		}
		cached := cache.NewCachedCatalog(a.Catalog, a.rdb, cfg.Redis.CacheTTL, log)
		a.Catalog = cached
		traders = cached
	}
	if len(cfg.Kafka.Brokers) > 0 {
		a.Publisher = events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		log.Info("publishing accrual events", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	}

	a.Ledger = ledger.NewService(a.Accounts, a.Entries, idgen.New())
	a.Notifier = notify.New(a.Notifications, log,
		notify.WithAttempts(cfg.Accrual.NotifyAttempts),
		notify.WithFailureCounter(a.Metrics),
	)
	a.Lifecycle = lifecycle.NewManager(lifecycle.Deps{
		DB:        pool,
		Positions: a.Positions,
		Catalog:   a.Catalog,
		Ledger:    a.Ledger,
		Notifier:  a.Notifier,
		Policies:  policies,
		Traders:   traders,
		Log:       log,
	})
	a.Engine = accrual.NewEngine(accrual.Deps{
		DB:          pool,
		Scanner:     positions.NewScanner(a.Positions),
		Positions:   a.Positions,
		Ledger:      a.Ledger,
		Notifier:    a.Notifier,
		Lifecycle:   a.Lifecycle,
		Publisher:   a.Publisher,
		Metrics:     a.Metrics,
		Log:         log,
		MaxAttempts: cfg.Accrual.MaxAttempts,
		BackoffBase: cfg.Accrual.BackoffBase,
		Workers:     cfg.Accrual.Workers,
	})
	a.Transfers = transfers.NewService(transfers.Deps{
		DB:        pool,
		Transfers: a.TransferRepo,
		Ledger:    a.Ledger,
		Notifier:  a.Notifier,
		Publisher: a.Publisher,
		MinAmount: cfg.Transfers.Minimum(),
		Log:       log,
	})
	a.Auth = auth.NewService(a.Accounts, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	a.Gate = admin.NewGate(cfg.Admin.ActivationCodeHash, admin.NewIssuer(cfg.Admin.CapabilitySecret, cfg.Admin.CapabilityTTL))
	return a, nil
}

// Migrate applies the application schema and river's job tables.
func (a *App) Migrate(ctx context.Context) error {
	if err := database.Migrate(ctx, a.Pool, a.Log); err != nil {
		return err
	}
	migrator, err := rivermigrate.New(riverpgxv5.New(a.Pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("river migrate up: %w", err)
	}
	a.Log.Info("migrations applied")
	return nil
}

// RiverClient returns a client that runs the periodic accrual tick.
func (a *App) RiverClient() (*river.Client[pgx.Tx], error) {
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewAccrualTickWorker(a.Engine, a.Log))

	return river.NewClient(riverpgxv5.New(a.Pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 2},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{execution.PeriodicAccrualTick(a.Config.Accrual.Interval, nil)},
		Logger:       a.Log,
	})
}

// Handler builds the HTTP API.
func (a *App) Handler() http.Handler {
	return router.New(router.Deps{
		Auth:      auth.NewHandler(a.Auth, a.Log),
		Dashboard: dashboard.NewHandler(a.Positions, a.Entries, a.Notifications, a.Log),
		Positions: &handlers.PositionHandler{Manager: a.Lifecycle, Positions: a.Positions, Validator: a.Validator, Logger: a.Log},
		Catalog:   &handlers.CatalogHandler{Catalog: a.Catalog, Logger: a.Log},
		Transfers: &handlers.TransferHandler{Transfers: a.Transfers, Logger: a.Log},
		Admin: admin.NewHandler(admin.HandlerDeps{
			Gate:      a.Gate,
			Ticker:    a.Engine,
			DB:        a.Pool,
			Ledger:    a.Ledger,
			Accounts:  a.Accounts,
			Notifier:  a.Notifier,
			Transfers: a.Transfers,
			Log:       a.Log,
		}),
		Tokens:       a.Auth,
		Accounts:     a.Accounts,
		Capabilities: a.Gate.Issuer(),
		Metrics:      a.Metrics,
		CORSOrigins:  a.Config.HTTP.CORSOrigins,
		MaxAmount:    a.Config.HTTP.AmountLimit(),
		Health:       a.Pool.Ping,
	})
}

func (a *App) Close() {
	if err := a.Publisher.Close(); err != nil {
		a.Log.Warn("close event publisher", "error", err)
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.Pool.Close()
}
