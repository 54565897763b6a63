package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/yieldsim/backend/internal/app"
	"github.com/yieldsim/backend/internal/config"
	"github.com/yieldsim/backend/internal/logging"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "yieldctl",
		Short: "Operate the yieldsim accrual engine and ledger",
		Long: `yieldctl runs operator tasks against the yieldsim database.

Examples:
  yieldctl migrate
  yieldctl tick
  yieldctl verify 2f1c0a9e-6c1f-4f7e-9d55-2b0f3e7a1c11
  yieldctl admin-token --scope accrual:run --ttl 30m`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (env YIELDSIM_* always applies)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override app.log_level")

	cmd.AddCommand(
		newMigrateCmd(opts),
		newTickCmd(opts),
		newVerifyCmd(opts),
		newAdminTokenCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.App.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	return cfg, logging.NewLogger(level, "yieldctl", cfg.App.Env), nil
}

// withApp loads configuration, connects and runs fn with the wired app.
func (o *rootOptions) withApp(ctx context.Context, fn func(a *app.App) error) error {
	cfg, log, err := o.load()
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
