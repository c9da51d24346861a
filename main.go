package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"convopipe/internal/bootstrap"
	"convopipe/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "convopipe",
		Short:        "Record conversations and follow their analysis",
		Long:         `convopipe records or imports conversation audio, uploads it for analysis, and watches each session until the analysis is archived, fails, or times out.`,
		SilenceUsage: true,
	}
	root.AddCommand(
		newRecordCmd(),
		newImportCmd(),
		newResumeCmd(),
		newBurnCmd(),
		newListCmd(),
		newRelayCmd(),
		newMCPCmd(),
	)
	return root
}

func newRecordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "record",
		Short: "Record from the microphone until Enter, then analyze",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return app.Record(ctx, waitForEnter(cmd.InOrStdin()))
			})
		},
	}
}

func newImportCmd() *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Upload an existing audio file for analysis",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return app.Import(ctx, args[0], title)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Session title")
	return cmd
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Keep watching analyses left running by an earlier run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return app.Resume(ctx)
			})
		},
	}
}

func newBurnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "burn <session-id>",
		Short: "Discard an archived session on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return app.Burn(ctx, args[0])
			})
		},
	}
}

func newListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return app.List(ctx, status)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	return cmd
}

func newRelayCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Serve session events to websocket observers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				if addr == "" {
					addr = app.services.Config.Relay.Addr
				}
				return app.ServeRelay(ctx, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	return cmd
}

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve sessions and analyses as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return app.ServeMCP(ctx)
			})
		},
	}
}

// withApp builds the service graph for one command and tears it down afterwards.
func withApp(cmd *cobra.Command, run func(ctx context.Context, app *App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: cfg.Log.SlogLevel()}))
	slog.SetDefault(logger)
	if cfg.Source != "" {
		logger.Debug("loaded config file", "path", cfg.Source)
	}

	services, err := bootstrap.BuildWithConfig(cfg, bootstrap.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.Warn("shutdown", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, NewApp(services, cmd.OutOrStdout(), logger))
}

// waitForEnter closes the returned channel once a line is read from r.
func waitForEnter(r io.Reader) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		reader := bufio.NewReader(r)
		_, _ = reader.ReadString('\n')
		close(done)
	}()
	return done
}
