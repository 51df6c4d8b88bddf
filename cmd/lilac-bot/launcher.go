package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
	"github.com/archlinuxcn/lilac-bot/internal/buildworker"
	"github.com/archlinuxcn/lilac-bot/internal/recipe"
	"github.com/archlinuxcn/lilac-bot/internal/scheduler"
	"github.com/archlinuxcn/lilac-bot/internal/workerpool"
)

// subprocessLauncher implements scheduler.Launcher by running
// cmd/lilac-worker as a child process per build; the worker
// subprocess reads its Input as JSON from stdin.
type subprocessLauncher struct {
	pool       *workerpool.Manager
	recipes    map[string]*recipe.RecipeInfo
	sched      *scheduler.Scheduler
	resultDir  string
	timeLimitH float64
}

func (l *subprocessLauncher) Launch(ctx context.Context, pkgbase, worker string, reason buildtypes.BuildReason, onBuildVers map[string]string) error {
	w := l.pool.Worker(worker)
	if w == nil {
		return fmt.Errorf("no such worker %s", worker)
	}
	argv, err := w.WorkerCmd(pkgbase)
	if err != nil {
		return fmt.Errorf("building command for %s: %w", pkgbase, err)
	}

	info := l.recipes[pkgbase]
	deadline := time.Now().Add(timeLimitFor(info, l.timeLimitH))

	// Remote workers have no filesystem shared with the scheduler host,
	// so they report their Result over the SSH session's stdout instead
	// of a path on disk.
	var resultPath string
	runner, remote := w.(workerpool.RemoteRunner)
	if !remote {
		resultPath = filepath.Join(l.resultDir, pkgbase+".json")
	}

	var buildArgs map[string]string
	if info != nil {
		buildArgs = info.BuildArgs
	}
	input := buildworker.Input{
		Pkgbase:     pkgbase,
		OnBuildVers: onBuildVers,
		WorkerMan:   worker,
		Deadline:    deadline,
		ResultPath:  resultPath,
		BuildArgs:   buildArgs,
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("marshaling input for %s: %w", pkgbase, err)
	}

	go func() {
		start := time.Now()
		var result buildtypes.BuildResult
		if remote {
			result = l.runRemote(ctx, runner, pkgbase, deadline, data)
		} else {
			result = l.run(ctx, argv, data, resultPath)
		}
		result.Elapsed = time.Since(start)
		l.sched.Complete(scheduler.Completion{Pkgbase: pkgbase, Worker: worker, Result: result})
	}()
	return nil
}

func (l *subprocessLauncher) run(ctx context.Context, argv []string, input []byte, resultPath string) buildtypes.BuildResult {
	log := clog.FromContext(ctx)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		log.Errorf("worker process failed: %v", err)
	}

	data, err := os.ReadFile(resultPath)
	if err != nil {
		return buildtypes.BuildResult{Kind: buildtypes.ResultFailed, Error: fmt.Sprintf("reading result file: %v", err)}
	}
	var res buildworker.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return buildtypes.BuildResult{Kind: buildtypes.ResultFailed, Error: fmt.Sprintf("decoding result file: %v", err)}
	}
	return res.ToBuildResult(0)
}

// runRemote drives one build through a RemoteRunner (an SSH worker)
// instead of a local subprocess, reading the Result back from what the
// runner wrote to the remote worker's stdout.
func (l *subprocessLauncher) runRemote(ctx context.Context, runner workerpool.RemoteRunner, pkgbase string, deadline time.Time, input []byte) buildtypes.BuildResult {
	log := clog.FromContext(ctx)

	data, err := runner.RunRemote(ctx, pkgbase, deadline, 0, input)
	if err != nil {
		log.Errorf("remote worker failed: %v", err)
		return buildtypes.BuildResult{Kind: buildtypes.ResultFailed, Error: fmt.Sprintf("remote build: %v", err)}
	}
	var res buildworker.Result
	if err := json.Unmarshal(data, &res); err != nil {
		return buildtypes.BuildResult{Kind: buildtypes.ResultFailed, Error: fmt.Sprintf("decoding remote result: %v", err)}
	}
	return res.ToBuildResult(0)
}

func timeLimitFor(info *recipe.RecipeInfo, defaultHours float64) time.Duration {
	hours := defaultHours
	if info != nil && info.TimeLimitHours > 0 {
		hours = info.TimeLimitHours
	}
	if hours <= 0 {
		hours = 2
	}
	return time.Duration(hours * float64(time.Hour))
}
