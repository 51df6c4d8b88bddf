// Package planner turns version-check results, recipe-VCS change data,
// and build history into the scheduler's initial ready set, attaching a
// BuildReason to each admitted pkgbase, evaluated in a fixed rule order.
//
// Modeled on an "evaluate rules in priority order, first match wins"
// shape, generalized from a single build-trigger condition to six
// ordered rules plus
// throttling.
package planner

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
	"github.com/archlinuxcn/lilac-bot/internal/history"
	"github.com/archlinuxcn/lilac-bot/internal/nvcheck"
	"github.com/archlinuxcn/lilac-bot/internal/recipe"
)

// Inputs bundles everything the planner needs for one pass.
type Inputs struct {
	Recipes      map[string]*recipe.RecipeInfo
	NvResults    map[string]nvcheck.NvResults
	Rebuild      map[string]bool // from nvcheck.Report.Rebuild
	ChangedFiles map[string]bool // pkgbases with changed recipe-tree files since last pass
	PkgrelChanged map[string]bool // pkgbases whose PKGBUILD pkgrel changed between revisions
	Requested    map[string]string // pkgbase -> requester, for cmdline-triggered builds
}

// Result is the planner's output: the initial ready set plus the
// resolved (old, new) version pairs for any OnBuild-triggered reasons,
// used later to render trigger messages.
type Result struct {
	Ready       map[string]buildtypes.BuildReason
	OnBuildVers map[string]map[string]string // pkgbase -> trigger pkgbase -> new version
}

// Plan evaluates the six admission rules, in order, for every managed
// recipe, then applies throttling.
func Plan(ctx context.Context, store history.Store, in Inputs) (*Result, error) {
	out := &Result{
		Ready:       make(map[string]buildtypes.BuildReason),
		OnBuildVers: make(map[string]map[string]string),
	}

	for pkgbase, info := range in.Recipes {
		if !info.Managed {
			continue
		}

		reason, onBuildVers, matched, err := evaluate(ctx, store, pkgbase, info, in)
		if err != nil {
			return nil, fmt.Errorf("evaluating %s: %w", pkgbase, err)
		}
		if !matched {
			continue
		}

		if throttled, err := isThrottled(ctx, store, pkgbase, info, reason, in); err != nil {
			return nil, fmt.Errorf("checking throttle for %s: %w", pkgbase, err)
		} else if throttled {
			continue
		}

		out.Ready[pkgbase] = reason
		if len(onBuildVers) > 0 {
			out.OnBuildVers[pkgbase] = onBuildVers
		}
	}

	return out, nil
}

func evaluate(ctx context.Context, store history.Store, pkgbase string, info *recipe.RecipeInfo, in Inputs) (buildtypes.BuildReason, map[string]string, bool, error) {
	results := in.NvResults[pkgbase]

	// Rule 1: any entry in rebuild (non-headline change).
	if in.Rebuild[pkgbase] {
		return buildtypes.BuildReason{Kind: buildtypes.ReasonNvChecker, Items: changedItems(pkgbase, results)}, nil, true, nil
	}

	// Rule 2: headline version changed.
	if results.HeadlineChanged() {
		return buildtypes.BuildReason{Kind: buildtypes.ReasonNvChecker, Items: changedItems(pkgbase, results)}, nil, true, nil
	}

	// Rule 3: previously failed and any entry changed.
	if results.AnyChanged() {
		lastFailed, err := store.IsLastFailed(ctx, pkgbase)
		if err != nil {
			return buildtypes.BuildReason{}, nil, false, err
		}
		if lastFailed {
			return buildtypes.BuildReason{Kind: buildtypes.ReasonUpdatedFailed}, nil, true, nil
		}
	}

	// Rule 4: pkgrel changed between VCS revisions.
	if in.PkgrelChanged[pkgbase] {
		return buildtypes.BuildReason{Kind: buildtypes.ReasonUpdatedPkgrel}, nil, true, nil
	}

	// Rule 5: update_on_build triggers with a version delta after
	// pattern rewriting.
	if len(info.UpdateOnBuild) > 0 {
		var fired []buildtypes.OnBuildTrigger
		vers := make(map[string]string)
		for _, trig := range info.UpdateOnBuild {
			latest, previous, ok, err := store.LastTwoVersions(ctx, trig.Pkgbase)
			if err != nil {
				return buildtypes.BuildReason{}, nil, false, err
			}
			if !ok {
				// No history ⇒ no trigger (open question #2): a blind
				// trigger's new-version payload would be meaningless.
				continue
			}
			var oldV, newV string
			if trig.FromPattern == "" {
				// No from_pattern: any new build of the trigger
				// pkgbase fires this one, unconditionally.
				oldV, newV = previous, latest
			} else {
				var err error
				oldV, newV, err = RewritePair(previous, latest, trig.FromPattern, trig.ToPattern)
				if err != nil {
					return buildtypes.BuildReason{}, nil, false, fmt.Errorf("update_on_build pattern for %s: %w", trig.Pkgbase, err)
				}
				if oldV == newV {
					continue
				}
			}
			fired = append(fired, buildtypes.OnBuildTrigger{TriggerPkgbase: trig.Pkgbase, OldVersion: oldV, NewVersion: newV})
			vers[trig.Pkgbase] = newV
		}
		if len(fired) > 0 {
			return buildtypes.BuildReason{Kind: buildtypes.ReasonOnBuild, Triggers: fired}, vers, true, nil
		}
	}

	// Rule 6: requested by command line.
	if requester, ok := in.Requested[pkgbase]; ok {
		return buildtypes.BuildReason{Kind: buildtypes.ReasonCmdline, Requester: requester}, nil, true, nil
	}

	return buildtypes.BuildReason{}, nil, false, nil
}

// RewritePair applies a from_pattern/to_pattern regex substitution to
// both the previous and latest version strings of an update_on_build
// trigger, so the comparison ignores parts of the version that the
// pattern is meant to normalize away (e.g. a date suffix neither side
// cares about). Shared with the scheduler's mid-batch cascade, which
// must apply the identical rewrite to a dependency that just finished
// building in the same batch.
func RewritePair(previous, latest, fromPattern, toPattern string) (oldV, newV string, err error) {
	re, err := regexp.Compile(fromPattern)
	if err != nil {
		return "", "", fmt.Errorf("invalid from_pattern %q: %w", fromPattern, err)
	}
	return re.ReplaceAllString(previous, toPattern), re.ReplaceAllString(latest, toPattern), nil
}

func changedItems(pkgbase string, results nvcheck.NvResults) []string {
	indices := results.ChangedIndices()
	items := make([]string, len(indices))
	for i, idx := range indices {
		if idx == 0 {
			items[i] = pkgbase
		} else {
			items[i] = fmt.Sprintf("%s:%d", pkgbase, idx)
		}
	}
	return items
}

// isThrottled reports whether any changed entry driving this build has
// a configured throttle interval that has not elapsed since the last
// success.
func isThrottled(ctx context.Context, store history.Store, pkgbase string, info *recipe.RecipeInfo, reason buildtypes.BuildReason, in Inputs) (bool, error) {
	if reason.Kind != buildtypes.ReasonNvChecker || len(info.ThrottleInfo) == 0 {
		return false, nil
	}

	results := in.NvResults[pkgbase]
	changedIdx := make(map[int]bool)
	for _, idx := range results.ChangedIndices() {
		changedIdx[idx] = true
	}
	if len(changedIdx) == 0 {
		return false, nil
	}

	cur, ok, err := store.Current(ctx, pkgbase)
	if err != nil {
		return false, err
	}
	if !ok || cur.LastSuccessAt == nil {
		return false, nil
	}

	for _, t := range info.ThrottleInfo {
		if !changedIdx[t.EntryIndex] {
			continue
		}
		if time.Since(*cur.LastSuccessAt) < t.Interval {
			return true, nil
		}
	}
	return false, nil
}
