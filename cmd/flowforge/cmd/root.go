// Package cmd provides the CLI commands for FlowForge.
package cmd

import (
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = newRootCmd()

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// NewRootCmd builds a fresh command tree, used by tests.
func NewRootCmd() *cobra.Command {
	return newRootCmd()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flowforge",
		Short: "FlowForge durable workflow orchestrator",
		Long: `FlowForge is a saga-pattern workflow orchestrator. It runs
multi-step business workflows as chains of persisted events, and rolls
completed steps back in reverse order when a later step fails.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(newServerCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}
