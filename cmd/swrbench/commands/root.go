// Package commands implements the swrbench command line.
package commands

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

// CLI is the swrbench command tree.
type CLI struct {
	rootCmd *cobra.Command
}

// New builds the command tree.
func New() *CLI {
	rootCmd := &cobra.Command{
		Use:           "swrbench",
		Short:         "Synthetic workload for the stale-while-revalidate cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.InitDefaultHelpFlag()
	rootCmd.Flags().Lookup("help").Usage = "Show help for command"

	c := &CLI{rootCmd: rootCmd}
	rootCmd.AddCommand(c.newRunCmd())
	rootCmd.AddCommand(c.newRulesCmd())
	return c
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput sets the output and error streams for the root command.
func (c *CLI) SetOutput(out, err io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(err)
}
