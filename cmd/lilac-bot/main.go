// Command lilac-bot is the build-orchestration engine's own CLI: it
// loads the recipe tree and global configuration, runs the
// version-check → plan → schedule pipeline, and publishes artifacts.
//
// Modeled on a command structure with addXFlags-style helper functions
// registering a per-subcommand Flags struct onto a pflag.FlagSet, and
// a standard logger/signal-context setup.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
)

func main() {
	logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := clog.WithLogger(context.Background(), logger)
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := rootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		clog.FromContext(ctx).Errorf("%v", err)
		os.Exit(exitCodeFor(err))
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lilac-bot",
		Short: "Build-orchestration engine for an Arch-derivative recipe tree",
	}
	cmd.PersistentFlags().String("config", "/etc/lilac-bot.yaml", "path to lilac-bot.yaml")

	cmd.AddCommand(batchCmd())
	cmd.AddCommand(buildCmd())
	cmd.AddCommand(checkCmd())
	cmd.AddCommand(serveCmd())
	return cmd
}

// exitCodeFor maps an error to the process's exit codes: 1 for
// configuration errors, 2 for scheduler-internal errors.
func exitCodeFor(err error) int {
	if ce, ok := err.(*configError); ok && ce != nil {
		return 1
	}
	return 2
}

// configError wraps an error that occurred loading or validating
// configuration, so main can distinguish it from a scheduler failure.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }
