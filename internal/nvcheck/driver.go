package nvcheck

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/pelletier/go-toml/v2"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
	"github.com/archlinuxcn/lilac-bot/internal/recipe"
)

// Driver runs the external version checker and aggregates its output.
type Driver struct {
	// CheckerPath is the nvchecker-compatible binary to invoke.
	CheckerPath string
	// NvtakePath is the nvtake-compatible companion binary that commits
	// checked versions into the oldver state file. If empty, it is
	// derived from CheckerPath's directory.
	NvtakePath string
	// StateDir holds the oldver/newver state files (~/.lilac/ by default).
	StateDir string
	// Proxy, if set, is forwarded as the checker's HTTP proxy.
	Proxy string

	// recipes and careSet cache the input of the most recent Check call,
	// so Commit can regenerate the same config nvtake needs to know
	// which entries exist, without the caller having to pass recipes
	// twice.
	recipes map[string]*recipe.RecipeInfo
	careSet map[string]bool
}

// Report is the result of one Check call.
type Report struct {
	Results map[string]NvResults
	Unknown map[string]bool
	Rebuild map[string]bool
	Errors  map[string]*ErrorBundle
}

// Check flattens every recipe's update_on entries into the checker's TOML
// config, runs it, and aggregates its JSON-line event stream.
//
// careSet, if non-nil, restricts which pkgbases are included in the run
// (used for targeted re-checks); nil means "all managed recipes".
func (d *Driver) Check(ctx context.Context, recipes map[string]*recipe.RecipeInfo, careSet map[string]bool) (*Report, error) {
	log := clog.FromContext(ctx)

	d.recipes = recipes
	d.careSet = careSet

	cfg, _, keyToPkgbase, entryIndex := buildConfig(recipes, careSet)

	oldver := filepath.Join(d.StateDir, "oldver")
	newver := filepath.Join(d.StateDir, "newver")
	cfg["__config__"] = map[string]any{
		"oldver": oldver,
		"newver": newver,
	}
	if d.Proxy != "" {
		cm := cfg["__config__"].(map[string]any)
		cm["proxy"] = d.Proxy
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshaling nvchecker config: %w", err)
	}

	tmpFile, err := os.CreateTemp("", "lilac-nvchecker-*.toml")
	if err != nil {
		return nil, fmt.Errorf("creating nvchecker config: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("writing nvchecker config: %w", err)
	}
	tmpFile.Close()

	cmd := exec.CommandContext(ctx, d.CheckerPath, "-c", tmpFile.Name(), "--logger", "json")
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening nvchecker stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting nvchecker: %w", err)
	}

	report := &Report{
		Results: make(map[string]NvResults),
		Unknown: make(map[string]bool),
		Rebuild: make(map[string]bool),
		Errors:  make(map[string]*ErrorBundle),
	}
	for pkgbase, info := range recipes {
		if careSet != nil && !careSet[pkgbase] {
			continue
		}
		report.Results[pkgbase] = make(NvResults, len(info.UpdateOn))
		report.Unknown[pkgbase] = true
	}

	raw := make(map[string]map[int]NvResult) // pkgbase -> entryIndex -> result

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var ev event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			log.Warnf("nvchecker: unparseable log line: %v", err)
			continue
		}

		pkgbase, ok := keyToPkgbase[ev.Name]
		if !ok {
			continue
		}
		idx := entryIndex[ev.Name]

		if raw[pkgbase] == nil {
			raw[pkgbase] = make(map[int]NvResult)
		}

		switch ev.Event {
		case "updated":
			old := ev.OldVersion
			nw := ev.Version
			raw[pkgbase][idx] = NvResult{OldVer: &old, NewVer: &nw}
			delete(report.Unknown, pkgbase)
		case "up-to-date":
			v := ev.Version
			raw[pkgbase][idx] = NvResult{OldVer: &v, NewVer: &v}
			delete(report.Unknown, pkgbase)
		case "warning", "error":
			bundle := report.Errors[pkgbase]
			if bundle == nil {
				bundle = &ErrorBundle{Pkgbase: pkgbase}
				report.Errors[pkgbase] = bundle
			}
			bundle.Entries = append(bundle.Entries, EntryError{EntryIndex: idx, Level: ev.Level, Message: ev.Msg})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading nvchecker output: %w", err)
	}

	if err := cmd.Wait(); err != nil {
		log.Errorf("nvchecker exited with error: %v", err)
	}

	for pkgbase, info := range recipes {
		if careSet != nil && !careSet[pkgbase] {
			continue
		}
		results := make(NvResults, len(info.UpdateOn))
		errored := make(map[int]bool)
		if bundle, ok := report.Errors[pkgbase]; ok {
			for _, e := range bundle.Entries {
				if e.Level == "error" {
					errored[e.EntryIndex] = true
				}
			}
		}
		changedNonHeadline := false
		for i := range info.UpdateOn {
			if r, ok := raw[pkgbase][i]; ok {
				results[i] = r
			}
			if i > 0 && results[i].Changed() && !errored[i] {
				changedNonHeadline = true
			}
		}
		report.Results[pkgbase] = results

		if changedNonHeadline && len(errored) == 0 {
			report.Rebuild[pkgbase] = true
		}
	}

	return report, nil
}

// Commit advances the oldver->newver state file for the given pkgbases
// (the caller invokes this once a batch's builds reach a terminal
// state). Only pkgbases that reached a terminal non-failed state should
// be passed in.
//
// It regenerates the same TOML config the preceding Check call used (so
// nvtake resolves each pkgbase's per-entry keys identically) and shells
// out to the nvtake companion binary with the names to commit.
func (d *Driver) Commit(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if d.recipes == nil {
		return fmt.Errorf("nvcheck: Commit called before a successful Check")
	}
	sort.Strings(names)

	cfg, _, _, _ := buildConfig(d.recipes, d.careSet)
	oldver := filepath.Join(d.StateDir, "oldver")
	newver := filepath.Join(d.StateDir, "newver")
	cfg["__config__"] = map[string]any{
		"oldver": oldver,
		"newver": newver,
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling nvtake config: %w", err)
	}
	tmpFile, err := os.CreateTemp("", "lilac-nvtake-*.toml")
	if err != nil {
		return fmt.Errorf("creating nvtake config: %w", err)
	}
	defer os.Remove(tmpFile.Name())
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing nvtake config: %w", err)
	}
	tmpFile.Close()

	nvtakePath := d.NvtakePath
	if nvtakePath == "" {
		nvtakePath = filepath.Join(filepath.Dir(d.CheckerPath), "nvtake")
	}

	args := append([]string{"-c", tmpFile.Name()}, names...)
	cmd := exec.CommandContext(ctx, nvtakePath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running nvtake: %w", err)
	}
	return nil
}

// buildConfig flattens recipes' update_on entries into the TOML config
// map, keyed "pkgbase" for the first entry and "pkgbase:i" for i>=1.
func buildConfig(recipes map[string]*recipe.RecipeInfo, careSet map[string]bool) (map[string]any, []string, map[string]string, map[string]int) {
	cfg := make(map[string]any)
	keyToPkgbase := make(map[string]string)
	entryIndex := make(map[string]int)
	var keyOrder []string

	var pkgbases []string
	for pkgbase := range recipes {
		if careSet != nil && !careSet[pkgbase] {
			continue
		}
		pkgbases = append(pkgbases, pkgbase)
	}
	sort.Strings(pkgbases)

	for _, pkgbase := range pkgbases {
		info := recipes[pkgbase]
		for i, entry := range info.UpdateOn {
			key := pkgbase
			if i > 0 {
				key = fmt.Sprintf("%s:%d", pkgbase, i)
			}
			section := make(map[string]any, len(entry))
			for k, v := range entry {
				if k == "alias" {
					continue
				}
				section[k] = v
			}
			cfg[key] = section
			keyToPkgbase[key] = pkgbase
			entryIndex[key] = i
			keyOrder = append(keyOrder, key)
		}
	}

	return cfg, keyOrder, keyToPkgbase, entryIndex
}

// EntryLabel renders a human-readable label for a changed entry, used by
// the planner to populate BuildReason.Items.
func EntryLabel(pkgbase string, idx int, entries []recipe.UpdateOnEntry) string {
	if idx < 0 || idx >= len(entries) {
		return fmt.Sprintf("%s:%d", pkgbase, idx)
	}
	if alias, ok := entries[idx].Alias(); ok {
		return fmt.Sprintf("%s(%s)", alias, strings.TrimPrefix(fmt.Sprintf("%d", idx), "0"))
	}
	return fmt.Sprintf("%s:%d", pkgbase, idx)
}

var _ = buildtypes.ReasonNvChecker
