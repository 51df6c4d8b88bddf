// Command lilac-worker is the per-build subprocess launched once per
// package: it reads an Input document from stdin, loads the package's
// recipe, runs its hooks, drives the external build command under
// resource accounting, and writes a Result document to the path named in
// its Input.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/chainguard-dev/clog"

	"github.com/archlinuxcn/lilac-bot/internal/buildlock"
	"github.com/archlinuxcn/lilac-bot/internal/buildworker"
	"github.com/archlinuxcn/lilac-bot/internal/pacmandb"
	"github.com/archlinuxcn/lilac-bot/internal/recipe"
	"github.com/archlinuxcn/lilac-bot/internal/rusage"
)

var (
	repodir     = flag.String("repodir", ".", "recipe tree root")
	dataRoot    = flag.String("data-root", os.ExpandEnv("$HOME/.lilac"), "private data root (pacmandb, post_build.lock)")
	unitPrefix  = flag.String("unit-prefix", "lilac-build", "systemd-run transient unit name prefix")
	buildArgvRaw = flag.String("build-argv", "makepkg -s --noconfirm", "space-separated external build command")
)

func main() {
	flag.Parse()

	logger := clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx := clog.WithLogger(context.Background(), logger)
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		clog.FromContext(ctx).Errorf("error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var input buildworker.Input
	if err := json.NewDecoder(os.Stdin).Decode(&input); err != nil {
		return fmt.Errorf("decoding input: %w", err)
	}

	info, err := recipe.LoadOne(*repodir, input.Pkgbase, recipe.Options{})
	if err != nil {
		return fmt.Errorf("loading recipe %s: %w", input.Pkgbase, err)
	}

	supervisor := rusage.NewSupervisor(*unitPrefix)
	builder := &buildworker.CommandBuilder{
		Supervisor: supervisor,
		Argv:       strings.Fields(*buildArgvRaw),
		Env:        buildEnv(input),
		WorkerName: input.WorkerMan,
		WorkerNo:   input.WorkerNo,
	}

	repo := pacmandb.New(filepath.Join(*dataRoot, "pacmandb"))
	lock := buildlock.New(filepath.Join(*dataRoot, "post_build.lock"))

	result := buildworker.Run(ctx, input, buildworker.Options{
		Recipe:   info,
		Builder:  builder,
		Repo:     repo,
		PostLock: lock,
		LogFile:  os.Stderr,
	})

	data, err := buildworker.MarshalResult(result)
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	// An empty ResultPath means the parent is reading the result off our
	// stdout instead of a shared filesystem path, as an SSH-dispatched
	// worker's caller does.
	if input.ResultPath == "" {
		if _, err := os.Stdout.Write(data); err != nil {
			return fmt.Errorf("writing result to stdout: %w", err)
		}
	} else if err := os.WriteFile(input.ResultPath, data, 0o644); err != nil {
		return fmt.Errorf("writing result to %s: %w", input.ResultPath, err)
	}
	if result.Status == buildworker.StatusFailed {
		os.Exit(2)
	}
	return nil
}

func buildEnv(input buildworker.Input) []string {
	env := os.Environ()
	for k, v := range input.BuildArgs {
		env = append(env, k+"="+v)
	}
	return env
}
