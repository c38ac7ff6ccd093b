package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/exflow/pkg/exflow/event"
)

func replayCmd(cfgPath func() string) *cobra.Command {
	var tenant, exceptionID string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild exception projections from the event log",
		Long: `Re-fold projections from their event logs and store the result.

Examples:
  exflow replay --tenant acme --exception INV-1042
  exflow replay --tenant acme`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if tenant == "" {
				return errors.New("--tenant is required")
			}
			a, err := newApp(cfgPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			if exceptionID != "" {
				exc, err := a.svc.Rebuild(cmd.Context(), event.NewKey(tenant, exceptionID))
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), exc)
			}
			n, err := a.svc.RebuildTenant(cmd.Context(), tenant)
			if err != nil {
				return fmt.Errorf("rebuilt %d exceptions before failing: %w", n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebuilt %d exceptions for %s\n", n, tenant)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant id")
	cmd.Flags().StringVarP(&exceptionID, "exception", "e", "", "exception id (default: every exception of the tenant)")
	return cmd
}
