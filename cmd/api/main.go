package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yieldsim/backend/internal/app"
	"github.com/yieldsim/backend/internal/config"
	"github.com/yieldsim/backend/internal/logging"
)

func main() {
	cfg, err := config.Load(os.Getenv("YIELDSIM_CONFIG"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	defer a.Close()
	logger.Info("Connected to PostgreSQL database successfully!")

	if err := a.Migrate(ctx); err != nil {
		logger.Error("Migrations failed", "error", err)
		os.Exit(1)
	}

	riverClient, err := a.RiverClient()
	if err != nil {
		logger.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := riverClient.Start(gctx); err != nil {
			return err
		}
		logger.Info("River client started", "accrual_interval", cfg.Accrual.Interval)
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return riverClient.Stop(stopCtx)
	})
	g.Go(func() error {
		logger.Info("Starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("Server stopped")
}
