package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/exflow/pkg/exflow/deadletter"
)

func dlqCmd(cfgPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and resolve dead-lettered events",
		Long: `Inspect and resolve dead-lettered events in a durable store.

Examples:
  exflow dlq list --status pending
  exflow dlq redrive --group playbook-runner 5f1c...
  exflow dlq discard --group playbook-matcher 5f1c...`,
	}
	cmd.AddCommand(
		dlqListCmd(cfgPath),
		dlqResolveCmd(cfgPath, "redrive", "Re-execute an entry through its stage"),
		dlqResolveCmd(cfgPath, "discard", "Resolve an entry without re-execution"),
	)
	return cmd
}

func dlqListCmd(cfgPath func() string) *cobra.Command {
	var (
		filter deadletter.ListFilter
		status string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter entries, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = deadletter.Status(status)
			if filter.Status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			a, err := newApp(cfgPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			entries, err := a.svc.ListDeadLetters(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				if entries == nil {
					entries = []*deadletter.Entry{}
				}
				return writeJSON(cmd.OutOrStdout(), entries)
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVarP(&filter.ConsumerGroup, "group", "g", "", "consumer group")
	cmd.Flags().StringVarP(&filter.TenantID, "tenant", "t", "", "tenant id")
	cmd.Flags().StringVar(&status, "status", "", "pending, retrying, succeeded or discarded")
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "maximum entries")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "entries to skip")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "output as JSON")
	return cmd
}

func dlqResolveCmd(cfgPath func() string, action, short string) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   action + " <event-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfgPath(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			var entry *deadletter.Entry
			if action == "redrive" {
				entry, err = a.svc.RedriveDeadLetter(cmd.Context(), group, args[0])
			} else {
				entry, err = a.svc.DiscardDeadLetter(cmd.Context(), group, args[0])
			}
			if err != nil {
				return fmt.Errorf("%s %s: %w", action, args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s (retry_count=%d)\n", entry.ConsumerGroup, entry.EventID, entry.Status, entry.RetryCount)
			return nil
		},
	}
	cmd.Flags().StringVarP(&group, "group", "g", "", "consumer group holding the entry")
	_ = cmd.MarkFlagRequired("group")
	return cmd
}

func printEntries(w io.Writer, entries []*deadletter.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tGROUP\tEXCEPTION\tTYPE\tCATEGORY\tRETRIES\tSTATUS\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			e.EventID, e.ConsumerGroup, e.Key(), e.EventType, e.Category, e.RetryCount, e.Status,
			e.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
