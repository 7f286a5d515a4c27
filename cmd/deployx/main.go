// Command deployx is the fleet control tool: it runs the controller,
// runs the endpoint agent, and drives both from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // set via -ldflags at build time

func main() {
	root := &cobra.Command{
		Use:           "deployx",
		Short:         "Remote fleet control: commands, rollbacks, schedules",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("config", "", "path to config file (default deployx.yaml if present)")

	root.AddCommand(
		newControllerCmd(),
		newAgentCmd(),
		newExecCmd(),
		newBatchCmd(),
		newRollbackCmd(),
		newTaskCmd(),
		newNodesCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
