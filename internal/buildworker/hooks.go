package buildworker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/archlinuxcn/lilac-bot/internal/pkgver"
)

// HookEnv is the variable set exposed to a recipe hook script, mirroring
// the fields the Python source injected into the hook's module namespace.
type HookEnv struct {
	Pkgbase  string
	Pkgdir   string
	Version  pkgver.PkgVers
	BuildArgs map[string]string
}

// RunHook interprets a recipe hook's script body as POSIX shell in a
// restricted namespace rooted at env.Pkgdir, confined to the child's own
// working directory (no network or privileged builtins are wired in —
// anything the hook needs beyond shell builtins it execs as a real
// subprocess, same as the external package builder it coordinates).
//
// Returns the hook's captured stdout, trimmed, as its return value
// (a non-empty prepare result means the build is a Skipped(reason)).
func RunHook(ctx context.Context, script string, env HookEnv, stderr io.Writer) (string, error) {
	if script == "" {
		return "", nil
	}

	file, err := syntax.NewParser().Parse(bytesReader(script), "hook")
	if err != nil {
		return "", fmt.Errorf("parsing hook script: %w", err)
	}

	var stdout bytes.Buffer
	runner, err := interp.New(
		interp.Dir(env.Pkgdir),
		interp.Env(hookEnviron(env)),
		interp.StdIO(nil, &stdout, stderr),
	)
	if err != nil {
		return "", fmt.Errorf("creating hook interpreter: %w", err)
	}

	if err := runner.Run(ctx, file); err != nil {
		return "", fmt.Errorf("running hook: %w", err)
	}

	return trimTrailingNewline(stdout.String()), nil
}

// hookEnviron builds the hook's environment starting from the worker
// process's own (so PATH and friends resolve external commands the hook
// shells out to, e.g. updpkgsums), overlaid with the per-build variables.
func hookEnviron(env HookEnv) expand.Environ {
	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	vars["PKGBASE"] = env.Pkgbase
	vars["PKGDIR"] = env.Pkgdir
	vars["PKGVER"] = env.Version.PkgVer
	vars["PKGREL"] = env.Version.PkgRel
	for k, v := range env.BuildArgs {
		vars["LILAC_ARG_"+k] = v
	}
	return expand.ListEnviron(toEnvList(vars)...)
}

func toEnvList(vars map[string]string) []string {
	out := make([]string, 0, len(vars))
	for k, v := range vars {
		out = append(out, k+"="+v)
	}
	return out
}

func trimTrailingNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func bytesReader(s string) *bytes.Reader { return bytes.NewReader([]byte(s)) }
