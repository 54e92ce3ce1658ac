package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/derive/internal/computed"
	"github.com/roach88/derive/internal/loop"
	"github.com/roach88/derive/internal/operation"
)

// NewLogCommand creates the log command group.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect the operation log",
	}
	cmd.AddCommand(NewLogTailCommand(rootOpts))
	cmd.AddCommand(NewLogKeyCommand(rootOpts))
	return cmd
}

// LogTailOptions holds flags for the log tail command.
type LogTailOptions struct {
	*RootOptions
	Since  int64
	Limit  int
	Follow bool
}

// NewLogTailCommand creates the log tail command.
func NewLogTailCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogTailOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print committed operations",
		Long: `Print the operations committed after a log position.

Examples:
  derive log tail --config ./derive.yaml
  derive log tail --since 120 --limit 10 --format json
  derive log tail --follow`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogTail(opts, cmd)
		},
	}

	cmd.Flags().Int64Var(&opts.Since, "since", 0, "print operations after this position")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum operations per batch (0 for no limit)")
	cmd.Flags().BoolVarP(&opts.Follow, "follow", "f", false, "keep printing new operations")

	return cmd
}

// OperationView is the printed form of an operation.
type OperationView struct {
	Position    int64     `json:"position"`
	ID          string    `json:"id"`
	Agent       string    `json:"agent"`
	CommandType string    `json:"command_type"`
	StartTime   time.Time `json:"start_time"`
	CommitTime  time.Time `json:"commit_time"`
	Hints       []string  `json:"hints"`
	PayloadSize int       `json:"payload_size"`
}

func viewOf(op *operation.Operation) OperationView {
	hints := make([]string, 0, len(op.Hints))
	for _, k := range op.Hints {
		hints = append(hints, k.String())
	}
	return OperationView{
		Position:    op.Position,
		ID:          op.ID,
		Agent:       string(op.AgentID),
		CommandType: op.CommandType,
		StartTime:   op.StartTime,
		CommitTime:  op.CommitTime,
		Hints:       hints,
		PayloadSize: len(op.Payload),
	}
}

// TailResult is one batch printed by log tail.
type TailResult struct {
	Operations []OperationView `json:"operations"`
	Cursor     int64           `json:"cursor"`
}

func (r TailResult) renderText(w io.Writer) error {
	if len(r.Operations) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, op := range r.Operations {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			op.Position,
			op.CommitTime.UTC().Format(time.RFC3339Nano),
			op.Agent,
			op.CommandType,
			strings.Join(op.Hints, " "))
	}
	return tw.Flush()
}

func runLogTail(opts *LogTailOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	if opts.Since < 0 {
		return f.Fail(ExitCommandError, ErrCodeReadLog, "--since must not be negative", nil)
	}

	ctx, cancel := shutdownContext(cmd)
	defer cancel()

	log, err := openLog(ctx, cfg)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeOpenLog, "failed to open log", err)
	}
	defer log.Close()

	read := func(ctx context.Context, cursor int64) (int64, error) {
		ops, err := log.ReadSince(ctx, cursor, opts.Limit)
		if err != nil {
			return cursor, err
		}
		result := TailResult{Operations: make([]OperationView, 0, len(ops)), Cursor: cursor}
		for _, op := range ops {
			result.Operations = append(result.Operations, viewOf(op))
			result.Cursor = op.Position
		}
		if len(ops) > 0 || !opts.Follow {
			if err := f.Success(result); err != nil {
				return cursor, err
			}
		}
		return result.Cursor, nil
	}

	if !opts.Follow {
		if _, err := read(ctx, opts.Since); err != nil {
			return f.Fail(ExitFailure, ErrCodeReadLog, "failed to read log", err)
		}
		return nil
	}

	interval := cfg.TrackerSettings().PollInterval
	_, err = loop.Start(ctx, opts.Since, func(ctx context.Context, cursor int64) (int64, loop.Next) {
		next, err := read(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return cursor, loop.Break(nil)
			}
			f.VerboseLog("read log: %v", err)
			return cursor, loop.Continue(cfg.TrackerSettings().RetryDelay)
		}
		if opts.Limit > 0 && next-cursor >= int64(opts.Limit) {
			return next, loop.Continue(0)
		}
		return next, loop.Continue(interval)
	})
	if err != nil && ctx.Err() == nil {
		return f.Fail(ExitFailure, ErrCodeReadLog, "failed to follow log", err)
	}
	return nil
}

// NewLogKeyCommand creates the log key command.
func NewLogKeyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key <method> [arg...]",
		Short: "Show a cache key and the operations that invalidated it",
		Long: `Show the canonical form and digest of a cache key, and the log
positions of the operations that named it as a hint.

Arguments are parsed as JSON; anything that is not valid JSON is taken
as a string.

Examples:
  derive log key user 42
  derive log key search '{"q":"go","page":1}'`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogKey(rootOpts, cmd, args[0], args[1:])
		},
	}
	return cmd
}

// KeyResult is printed by log key.
type KeyResult struct {
	Key       string  `json:"key"`
	Digest    string  `json:"digest"`
	Positions []int64 `json:"positions"`
}

func (r KeyResult) renderText(w io.Writer) error {
	fmt.Fprintf(w, "key:       %s\n", r.Key)
	fmt.Fprintf(w, "digest:    %s\n", r.Digest)
	positions := make([]string, len(r.Positions))
	for i, p := range r.Positions {
		positions[i] = fmt.Sprint(p)
	}
	if len(positions) == 0 {
		positions = []string{"(none)"}
	}
	_, err := fmt.Fprintf(w, "positions: %s\n", strings.Join(positions, " "))
	return err
}

// parseKeyArgs decodes each argument as JSON, falling back to the raw
// string.
func parseKeyArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		dec := json.NewDecoder(strings.NewReader(s))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil || dec.More() {
			args[i] = s
			continue
		}
		args[i] = v
	}
	return args
}

func runLogKey(opts *RootOptions, cmd *cobra.Command, method string, rawArgs []string) error {
	f := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	key, err := computed.NewKey(method, parseKeyArgs(rawArgs)...)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeBadKey, "invalid key", err)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	log, err := openLog(ctx, cfg)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeOpenLog, "failed to open log", err)
	}
	defer log.Close()

	positions, err := log.ReadByKey(ctx, key)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeReadLog, "failed to read log", err)
	}
	if positions == nil {
		positions = []int64{}
	}

	return f.Success(KeyResult{
		Key:       key.String(),
		Digest:    key.Digest().String(),
		Positions: positions,
	})
}
