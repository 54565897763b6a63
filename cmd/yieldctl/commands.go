package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yieldsim/backend/internal/admin"
	"github.com/yieldsim/backend/internal/app"
	"github.com/yieldsim/backend/internal/ledger"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema and river migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				return a.Migrate(cmd.Context())
			})
		},
	}
}

func newTickCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one accrual tick now and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				report, err := a.Engine.RunTick(cmd.Context())
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(report); encErr != nil {
					return encErr
				}
				return err
			})
		},
	}
}

func newVerifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <account-id>",
		Short: "Check that an account balance equals the sum of its ledger entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid account id %q: %w", args[0], err)
			}
			return opts.withApp(cmd.Context(), func(a *app.App) error {
				err := a.Ledger.Verify(cmd.Context(), id)
				if errors.Is(err, ledger.ErrLedgerMismatch) {
					fmt.Fprintf(cmd.OutOrStdout(), "MISMATCH %s\n", err)
					return err
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "OK %s\n", id)
				return nil
			})
		},
	}
}

type adminTokenOptions struct {
	subject string
	scopes  []string
	ttl     time.Duration
}

func newAdminTokenCmd(opts *rootOptions) *cobra.Command {
	t := &adminTokenOptions{}
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint an admin capability token signed with admin.capability_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			issuer := admin.NewIssuer(cfg.Admin.CapabilitySecret, cfg.Admin.CapabilityTTL)
			token, c, err := issuer.Mint(t.subject, t.scopes, t.ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "scopes=%v expires_at=%s\n", c.Scopes, c.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&t.subject, "subject", "yieldctl", "capability subject")
	cmd.Flags().StringSliceVar(&t.scopes, "scope", nil, "scope to grant (repeatable, default all)")
	cmd.Flags().DurationVar(&t.ttl, "ttl", 0, "token lifetime (default admin.capability_ttl)")
	return cmd
}
