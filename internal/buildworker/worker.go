package buildworker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/archlinuxcn/lilac-bot/internal/pkgver"
	"github.com/archlinuxcn/lilac-bot/internal/recipe"
)

// ExternalBuilder runs the actual package builder against a prepared
// recipe directory and returns the produced artifacts.
type ExternalBuilder interface {
	Build(ctx context.Context, pkgdir string, deadline time.Time, logWriter io.Writer) ([]Artifact, error)
}

// Locker serializes post_build across every worker on the host.
type Locker interface {
	Lock(ctx context.Context) (unlock func(), err error)
}

// Options configures one Build invocation.
type Options struct {
	Recipe   *recipe.RecipeInfo
	Builder  ExternalBuilder
	Repo     OfficialRepo
	PostLock Locker
	LogFile  io.Writer
}

// Run executes the full per-build protocol against a single recipe
// and returns the wire Result to write to Input.ResultPath.
func Run(ctx context.Context, input Input, opts Options) Result {
	log := clog.FromContext(ctx)
	info := opts.Recipe

	version := pkgver.PkgVers{}
	hookEnv := HookEnv{Pkgbase: info.Pkgbase, Pkgdir: info.Dir, Version: version, BuildArgs: mergeArgs(info.BuildArgs, input.BuildArgs)}

	// Step 2: prepare(); a non-empty stdout means Skipped(reason).
	if reason, err := RunHook(ctx, info.Hooks.Prepare, hookEnv, opts.LogFile); err != nil {
		return Result{Status: StatusFailed, Msg: fmt.Sprintf("prepare hook failed: %v", err)}
	} else if reason != "" {
		return Result{Status: StatusSkipped, Msg: reason}
	}

	before, err := snapshotVersion(info.Dir)
	if err != nil {
		log.Warnf("%s: reading version before pre_build: %v", info.Pkgbase, err)
	}

	// Step 3: pre_build() may bump pkgrel if pkgver didn't move.
	if _, err := RunHook(ctx, info.Hooks.PreBuild, hookEnv, opts.LogFile); err != nil {
		return Result{Status: StatusFailed, Msg: fmt.Sprintf("pre_build hook failed: %v", err)}
	}
	after, err := snapshotVersion(info.Dir)
	if err == nil && before.PkgVer == after.PkgVer && !pkgverAdvanced(before, after) {
		if bumped := pkgver.NextPkgrel(after.PkgRel); bumped != after.PkgRel {
			if err := writeBumpedPkgrel(info.Dir, bumped); err != nil {
				log.Warnf("%s: bumping pkgrel: %v", info.Pkgbase, err)
			} else {
				after.PkgRel = bumped
			}
		}
	}

	// Step 4: invoke the external builder under its wall-clock deadline.
	artifacts, buildErr := opts.Builder.Build(ctx, info.Dir, input.Deadline, opts.LogFile)
	defer runPostBuildAlways(ctx, info, hookEnv, opts, buildErr == nil, log)

	if buildErr != nil {
		return Result{Status: StatusFailed, Msg: buildErr.Error(), Version: after.String()}
	}
	if len(artifacts) == 0 {
		return Result{Status: StatusFailed, Msg: "build produced no artifacts", Version: after.String()}
	}

	// Step 5: post_build() under the host-wide advisory lock.
	if opts.PostLock != nil {
		unlock, err := opts.PostLock.Lock(ctx)
		if err != nil {
			return Result{Status: StatusFailed, Msg: fmt.Sprintf("acquiring post_build lock: %v", err)}
		}
		_, hookErr := RunHook(ctx, info.Hooks.PostBuild, hookEnv, opts.LogFile)
		unlock()
		if hookErr != nil {
			return Result{Status: StatusFailed, Msg: fmt.Sprintf("post_build hook failed: %v", hookErr), Version: after.String()}
		}
	}

	// Step 6: fatal artifact policy checks.
	if opts.Repo != nil {
		for _, a := range artifacts {
			if err := CheckPolicy(a, opts.Repo); err != nil {
				return Result{
					Status:  StatusFailed,
					Msg:     err.Error(),
					Version: after.String(),
					Report:  &MaintainerReport{Subject: fmt.Sprintf("%s: artifact policy violation", info.Pkgbase), Body: err.Error()},
				}
			}
		}
	}

	return Result{Status: StatusDone, Version: after.String()}
}

func runPostBuildAlways(ctx context.Context, info *recipe.RecipeInfo, env HookEnv, opts Options, success bool, log *clog.Logger) {
	env.BuildArgs["LILAC_BUILD_SUCCESS"] = fmt.Sprintf("%v", success)
	if _, err := RunHook(ctx, info.Hooks.PostBuildAlways, env, opts.LogFile); err != nil {
		log.Warnf("%s: post_build_always hook failed: %v", info.Pkgbase, err)
	}
}

func mergeArgs(recipeArgs, inputArgs map[string]string) map[string]string {
	out := make(map[string]string, len(recipeArgs)+len(inputArgs))
	for k, v := range recipeArgs {
		out[k] = v
	}
	for k, v := range inputArgs {
		out[k] = v
	}
	return out
}

func pkgverAdvanced(before, after pkgver.PkgVers) bool {
	return pkgver.Less(before, after)
}

// snapshotVersion reads pkgver/pkgrel from the recipe's build metadata
// file (PKGBUILD-equivalent), read as plain "key=value" lines since the
// actual authoring format is out of scope here.
func snapshotVersion(dir string) (pkgver.PkgVers, error) {
	data, err := os.ReadFile(filepath.Join(dir, "PKGBUILD"))
	if err != nil {
		return pkgver.PkgVers{}, err
	}
	return parsePkgverPkgrel(data)
}

func parsePkgverPkgrel(data []byte) (pkgver.PkgVers, error) {
	var v pkgver.PkgVers
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		switch {
		case bytes.HasPrefix(line, []byte("pkgver=")):
			v.PkgVer = string(bytes.TrimPrefix(line, []byte("pkgver=")))
		case bytes.HasPrefix(line, []byte("pkgrel=")):
			v.PkgRel = string(bytes.TrimPrefix(line, []byte("pkgrel=")))
		}
	}
	return v, nil
}

func writeBumpedPkgrel(dir, newPkgrel string) error {
	path := filepath.Join(dir, "PKGBUILD")
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("pkgrel=")) {
			lines[i] = []byte("pkgrel=" + newPkgrel)
			break
		}
	}
	return os.WriteFile(path, bytes.Join(lines, []byte("\n")), 0o644)
}
