// Package cli implements the derive command line.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds the flags shared by every command.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // path to a YAML config file; empty for defaults
}

// ValidFormats lists the accepted --format values.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the derive root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "derive",
		Short: "derive - dependency-tracked cache with cross-agent invalidation",
		Long: `derive keeps computed values consistent across agents.

Commands that change state commit operations to a shared log. Every agent
follows the log and invalidates the cached values those operations name.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "path to config file")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewHubCommand(opts))
	cmd.AddCommand(NewLogCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))

	return cmd
}
