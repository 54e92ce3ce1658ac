package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/derive/internal/wake"
)

// HubOptions holds flags for the hub command.
type HubOptions struct {
	*RootOptions
	Listen string
}

// NewHubCommand creates the hub command.
func NewHubCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HubOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Serve the websocket wake hub",
		Long: `Serve a websocket hub that relays wake signals between agents.

Agents configured with the websocket wake driver connect to /ws.

Example:
  derive hub --listen :7070`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHub(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides hub.listen)")

	return cmd
}

// HubStarted is reported once the hub is listening.
type HubStarted struct {
	Addr string `json:"addr"`
}

func (h HubStarted) renderText(w io.Writer) error {
	_, err := fmt.Fprintf(w, "Hub listening on %s\n", h.Addr)
	return err
}

func runHub(opts *HubOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}
	if opts.Listen != "" {
		cfg.Hub.Listen = opts.Listen
	}
	logger := newLogger(opts.RootOptions, cfg, cmd.ErrOrStderr())

	ctx, cancel := shutdownContext(cmd)
	defer cancel()

	ln, err := net.Listen("tcp", cfg.Hub.Listen)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeListen, "failed to listen", err)
	}

	hub := wake.NewHub(wake.DefaultWebSocketSettings(), logger)
	mux := http.NewServeMux()
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	if err := f.Success(HubStarted{Addr: ln.Addr().String()}); err != nil {
		ln.Close()
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	select {
	case err := <-serveErr:
		hub.Close()
		return f.Fail(ExitFailure, ErrCodeListen, "hub error", err)
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	// Hijacked websocket connections are not tracked by Shutdown.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return f.Fail(ExitFailure, ErrCodeListen, "hub shutdown", err)
	}
	if err := <-serveErr; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return f.Fail(ExitFailure, ErrCodeListen, "hub error", err)
	}
	slog.Info("hub stopped")
	return nil
}
