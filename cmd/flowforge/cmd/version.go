package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version metadata, set at build time via -ldflags.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flowforge %s (commit %s, built %s, %s)\n",
				Version, Commit, BuildDate, runtime.Version())
		},
	}
}
