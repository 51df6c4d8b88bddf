package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// LoadError records why one recipe directory failed to load.
type LoadError struct {
	Pkgbase string
	Err     error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Pkgbase, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// MaintainerFallback looks up a fallback maintainer list for a pkgbase
// with no declared maintainers (e.g. via VCS blame). Optional; nil
// disables the fallback.
type MaintainerFallback func(pkgbase, dir string) ([]Maintainer, error)

// Options configures a Load call.
type Options struct {
	Aliases    AliasTable
	Substitute map[string]string // {pacman_db_dir}, {repo_name}, ...
	Fallback   MaintainerFallback
}

// Load walks repodir, parsing each subdirectory containing a
// RecipeFileName into a RecipeInfo. Per-pkgbase errors are collected
// rather than aborting the batch. The mapping pkgname -> pkgbase is also
// validated to be a function across the whole result set; a violation is
// recorded against every pkgbase claiming the conflicting pkgname.
func Load(repodir string, opts Options) (map[string]*RecipeInfo, map[string]*LoadError) {
	if opts.Aliases == nil {
		opts.Aliases = DefaultAliases()
	}

	entries, err := os.ReadDir(repodir)
	if err != nil {
		return nil, map[string]*LoadError{
			"": {Pkgbase: "", Err: fmt.Errorf("reading repodir %s: %w", repodir, err)},
		}
	}

	recipes := make(map[string]*RecipeInfo)
	errs := make(map[string]*LoadError)

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		dir := filepath.Join(repodir, name)
		path := filepath.Join(dir, RecipeFileName)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				// No recipe file: not a recipe directory, silently skip.
				continue
			}
			errs[name] = &LoadError{Pkgbase: name, Err: fmt.Errorf("reading %s: %w", path, err)}
			continue
		}

		info, err := parseOne(name, dir, data, opts)
		if err != nil {
			errs[name] = &LoadError{Pkgbase: name, Err: err}
			continue
		}

		if len(info.Maintainers) == 0 && opts.Fallback != nil {
			fallback, ferr := opts.Fallback(name, dir)
			if ferr == nil {
				info.Maintainers = fallback
			}
		}

		recipes[name] = info
	}

	validatePkgnameUniqueness(recipes, errs)

	return recipes, errs
}

// LoadOne parses a single recipe directory without scanning the rest of
// repodir, used by the build worker (which only needs its own pkgbase)
// and the "build one recipe locally" CLI subcommand.
func LoadOne(repodir, pkgbase string, opts Options) (*RecipeInfo, error) {
	if opts.Aliases == nil {
		opts.Aliases = DefaultAliases()
	}
	dir := filepath.Join(repodir, pkgbase)
	path := filepath.Join(dir, RecipeFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	info, err := parseOne(pkgbase, dir, data, opts)
	if err != nil {
		return nil, err
	}
	if len(info.Maintainers) == 0 && opts.Fallback != nil {
		if fallback, ferr := opts.Fallback(pkgbase, dir); ferr == nil {
			info.Maintainers = fallback
		}
	}
	return info, nil
}

func parseOne(pkgbase, dir string, data []byte, opts Options) (*RecipeInfo, error) {
	rf, err := parseRawFile(data)
	if err != nil {
		return nil, err
	}

	info := &RecipeInfo{
		Pkgbase:         pkgbase,
		Dir:             dir,
		Maintainers:     rf.Maintainers,
		UpdateOnBuild:   rf.UpdateOnBuild,
		RepoDepends:     convertDepends(rf.RepoDepends),
		RepoMakedepends: convertDepends(rf.RepoMakedepends),
		Staging:         rf.Staging,
		Managed:         true,
		AllowedWorkers:  rf.AllowedWorkers,
		PinWorker:       rf.PinWorker,
		BuildArgs:       rf.BuildArgs,
		Hooks: Hooks{
			Prepare:         rf.PrepareScript,
			PreBuild:        rf.PreBuildScript,
			PostBuild:       rf.PostBuildScript,
			PostBuildAlways: rf.PostBuildAlwaysScript,
		},
	}
	if rf.Managed != nil {
		info.Managed = *rf.Managed
	}
	if rf.TimeLimitHours != nil {
		info.TimeLimitHours = *rf.TimeLimitHours
	}

	for _, e := range rf.UpdateOn {
		info.UpdateOn = append(info.UpdateOn, expandAlias(e, opts.Aliases, opts.Substitute))
	}

	throttle, err := toThrottleIntervals(rf.ThrottleInfo, len(info.UpdateOn))
	if err != nil {
		return nil, err
	}
	info.ThrottleInfo = throttle

	if err := validate(info); err != nil {
		return nil, err
	}

	return info, nil
}

func convertDepends(raw []rawDepend) []Depend {
	out := make([]Depend, 0, len(raw))
	for _, d := range raw {
		out = append(out, Depend{Pkgbase: d.Pkgbase, Pkgname: d.Pkgname})
	}
	return out
}

// validatePkgnameUniqueness checks that the pkgname -> pkgbase mapping
// implied by every recipe's repo_depends/repo_makedepends references is a
// function: two recipes must not claim the same pkgname points at
// different pkgbases.
func validatePkgnameUniqueness(recipes map[string]*RecipeInfo, errs map[string]*LoadError) {
	owner := make(map[string]string) // pkgname -> pkgbase
	claimants := make(map[string][]string)

	for _, info := range recipes {
		for _, d := range append(append([]Depend{}, info.RepoDepends...), info.RepoMakedepends...) {
			if existing, ok := owner[d.Pkgname]; ok {
				if existing != d.Pkgbase {
					claimants[d.Pkgname] = append(claimants[d.Pkgname], existing, d.Pkgbase)
				}
			} else {
				owner[d.Pkgname] = d.Pkgbase
			}
		}
	}

	for pkgname, pkgbases := range claimants {
		for _, pkgbase := range pkgbases {
			if _, ok := recipes[pkgbase]; !ok {
				continue
			}
			errs[pkgbase] = &LoadError{
				Pkgbase: pkgbase,
				Err:     fmt.Errorf("pkgname %q claimed by multiple pkgbases: %v", pkgname, pkgbases),
			}
		}
	}
}
