package buildworker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/archlinuxcn/lilac-bot/internal/pkgver"
	"github.com/archlinuxcn/lilac-bot/internal/rusage"
)

// CommandBuilder is the ExternalBuilder grounded on the resource
// accountant: it runs the recipe's build command under the supervisor's
// deadline/cgroup enforcement, then scans pkgdir for the .pkg.tar.zst
// artifacts the command is expected to have produced there.
type CommandBuilder struct {
	Supervisor *rusage.Supervisor
	Argv       []string
	Env        []string
	WorkerName string
	WorkerNo   int
}

var artifactNamePattern = regexp.MustCompile(`^(?P<name>.+)-(?P<epoch>\d+:)?(?P<ver>[^-]+)-(?P<rel>[^-]+)-[^-]+\.pkg\.tar\.zst$`)

// Build runs the configured command to completion under deadline
// enforcement and scans the directory for produced artifacts.
func (b *CommandBuilder) Build(ctx context.Context, pkgdir string, deadline time.Time, logWriter io.Writer) ([]Artifact, error) {
	outcome, err := b.Supervisor.Run(ctx, b.Argv, pkgdir, b.Env, logWriter, deadline, b.WorkerName, b.WorkerNo)
	if err != nil {
		return nil, fmt.Errorf("running build command: %w", err)
	}
	if outcome.TimedOut {
		return nil, fmt.Errorf("build exceeded its deadline")
	}
	if outcome.ExitErr != nil {
		return nil, fmt.Errorf("build command failed: %w", outcome.ExitErr)
	}

	entries, err := os.ReadDir(pkgdir)
	if err != nil {
		return nil, fmt.Errorf("scanning %s for artifacts: %w", pkgdir, err)
	}

	var artifacts []Artifact
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		a, ok, err := parseArtifact(pkgdir, e.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			artifacts = append(artifacts, a)
		}
	}
	return artifacts, nil
}

func parseArtifact(pkgdir, name string) (Artifact, bool, error) {
	m := artifactNamePattern.FindStringSubmatch(name)
	if m == nil {
		return Artifact{}, false, nil
	}
	version, err := pkgver.Parse(m[2] + m[3] + "-" + m[4])
	if err != nil {
		return Artifact{}, false, fmt.Errorf("parsing version from artifact %s: %w", name, err)
	}

	a := Artifact{Pkgname: m[1], Version: version}
	if pkginfo, err := readPkginfo(filepath.Join(pkgdir, name+".info")); err == nil {
		a.Provides = pkginfo["provides"]
		a.Replaces = pkginfo["replaces"]
		a.Groups = pkginfo["groups"]
	}
	return a, true, nil
}

// readPkginfo reads an optional sidecar metadata file the build command
// may drop next to each artifact, one "key = value" pair per line,
// repeated keys accumulating into a slice.
func readPkginfo(path string) (map[string][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string][]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, val, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		out[key] = append(out[key], val)
	}
	return out, scanner.Err()
}
