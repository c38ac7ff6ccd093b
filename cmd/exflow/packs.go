package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/exflow/pkg/exflow/pack"
)

func packsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "packs",
		Short: "Work with tenant packs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <dir>",
		Short: "Load and validate every pack in a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := pack.LoadDir(args[0])
			if err != nil {
				return err
			}
			initial := src.InitialVersions()
			tenants := make([]string, 0, len(initial))
			for t := range initial {
				tenants = append(tenants, t)
			}
			sort.Strings(tenants)

			out := cmd.OutOrStdout()
			for _, t := range tenants {
				for _, v := range src.Versions(t) {
					p, err := src.Load(cmd.Context(), t, v)
					if err != nil {
						return err
					}
					marker := ""
					if v == initial[t] {
						marker = " (active)"
					}
					fmt.Fprintf(out, "%s v%d%s: %d playbooks\n", t, v, marker, len(p.Playbooks))
				}
			}
			fmt.Fprintf(out, "ok: %d tenants\n", len(tenants))
			return nil
		},
	})
	return cmd
}
