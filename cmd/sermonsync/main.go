package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCommand creates the root command
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sermonsync",
		Short:         "Keep sermons in sync with capacity-bounded remote lists",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newReconcileCommand())
	cmd.AddCommand(newRetryCommand())

	return cmd
}
