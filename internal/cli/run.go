package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/derive/internal/host"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Agent string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an agent that follows the operation log",
		Long: `Run an agent until interrupted.

The agent subscribes to the wake topic, polls the log as a fallback and
invalidates its cache for every operation other agents commit.

Example:
  derive run --config ./derive.yaml
  derive run --config ./derive.yaml --agent worker-1 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Agent, "agent", "", "agent id (overrides agent.id)")

	return cmd
}

// AgentStarted is reported once the agent is open and about to run.
type AgentStarted struct {
	Agent string `json:"agent"`
	Host  string `json:"host"`
	Oplog string `json:"oplog"`
	Wake  string `json:"wake"`
	Topic string `json:"topic"`
}

func (a AgentStarted) renderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Agent %s started. Following %s log on topic %q...\nPress Ctrl-C to stop.\n",
		a.Agent, a.Oplog, a.Topic)
	return err
}

func runAgent(opts *RunOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	if opts.Agent != "" {
		cfg.Agent.ID = opts.Agent
	}
	logger := newLogger(opts.RootOptions, cfg, cmd.ErrOrStderr())

	ctx, cancel := shutdownContext(cmd)
	defer cancel()

	h, err := host.Open(ctx, cfg, logger)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeOpenLog, "failed to open agent", err)
	}
	defer func() {
		if closeErr := h.Close(); closeErr != nil {
			slog.Error("error closing agent", "error", closeErr)
		}
	}()

	started := AgentStarted{
		Agent: h.Agent().String(),
		Host:  h.Info().Host,
		Oplog: cfg.Oplog.Driver,
		Wake:  cfg.Wake.Driver,
		Topic: cfg.Wake.Topic,
	}
	if err := f.Success(started); err != nil {
		return err
	}

	if err := h.Run(ctx); err != nil {
		return f.Fail(ExitFailure, ErrCodeAgentRun, "agent error", err)
	}
	return nil
}
