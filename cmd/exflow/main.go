// Command exflow runs the exception resolution service and its operator
// tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "exflow",
		Short:         "Event-sourced exception resolution with tenant playbooks",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("EXFLOW_CONFIG"), "config file (.yaml, .yml or .json)")

	cfgPath := func() string { return configPath }
	root.AddCommand(serveCmd(cfgPath))
	root.AddCommand(workerCmd(cfgPath))
	root.AddCommand(dlqCmd(cfgPath))
	root.AddCommand(replayCmd(cfgPath))
	root.AddCommand(packsCmd())
	return root
}
