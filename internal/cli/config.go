package cli

import (
	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults applied",
		Long: `Print the effective configuration with defaults applied.

Example:
  derive config show --config ./derive.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(rootOpts, cmd.OutOrStdout(), cmd.ErrOrStderr())
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
			}
			if rootOpts.Format == "json" {
				return f.Success(cfg)
			}
			data, err := cfg.YAML()
			if err != nil {
				return f.Fail(ExitFailure, ErrCodeConfig, "failed to render config", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})

	return cmd
}
