// Package scheduler implements the build orchestration engine's tick
// loop: it moves pkgbases through ready/building/done/failed/skipped as
// worker subprocesses report completions, cascades dependency failures,
// evaluates update_on_build triggers, and enforces batch concurrency.
//
// Modeled as a ticker-driven loop with a semaphore-style concurrency
// gate and a recursive cascade-failure walk, generalized to a
// five-set state machine over a pkgbase dependency graph with a
// priority-ranked, multi-worker admission step.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
	"github.com/archlinuxcn/lilac-bot/internal/depgraph"
	"github.com/archlinuxcn/lilac-bot/internal/history"
	"github.com/archlinuxcn/lilac-bot/internal/planner"
	"github.com/archlinuxcn/lilac-bot/internal/recipe"
	"github.com/archlinuxcn/lilac-bot/internal/workerpool"
)

// ReevaluationInterval is the periodic timer the tick loop uses to
// re-check worker resource usage when nothing else wakes it.
const ReevaluationInterval = 10 * time.Second

// GracePeriod is how long the scheduler waits for in-flight builds to
// report a result after a cancellation request before force-terminating.
const GracePeriod = 30 * time.Second

// Completion is delivered by a build worker when a pkgbase build ends.
type Completion struct {
	Pkgbase string
	Worker  string
	Result  buildtypes.BuildResult
}

// Launcher starts one build asynchronously; it must deliver exactly one
// Completion for pkgbase on the scheduler's completions channel (either
// by returning promptly after queuing the async work, or by running it
// in its own goroutine).
type Launcher interface {
	Launch(ctx context.Context, pkgbase, worker string, reason buildtypes.BuildReason, onBuildVers map[string]string) error
}

// onBuildWatch is one recipe's update_on_build entry, indexed by the
// trigger pkgbase it watches so a mid-batch completion can look up every
// dependent that cares about it in O(1), regardless of whether that
// dependent was part of the planner's initial ready set.
type onBuildWatch struct {
	Dependent   string
	FromPattern string
	ToPattern   string
}

// Scheduler drives one batch (one full pass over a ready set) to
// completion.
type Scheduler struct {
	graph   *depgraph.Graph
	pool    *workerpool.Manager
	store   history.Store
	launch  Launcher
	batchID int64
	recipes map[string]*recipe.RecipeInfo

	// directRuntimeDependents maps a pkgbase to the pkgbases with a direct
	// (non-transitive) repo_depends edge onto it, used by cascadeDepended.
	directRuntimeDependents map[string][]string
	// triggerIndex maps a pkgbase to every managed recipe's update_on_build
	// entry that watches it, used by cascadeOnBuild.
	triggerIndex map[string][]onBuildWatch

	mu       sync.Mutex
	ready    map[string]buildtypes.BuildReason
	onBuild  map[string]map[string]string
	pending  map[string]buildtypes.BuildReason
	building map[string]string // pkgbase -> worker
	done     map[string]bool
	failed   map[string]bool
	skipped  map[string]bool

	completions chan Completion
}

// New constructs a Scheduler for one batch. ready is the planner's
// initial output; recipes is the full managed-and-unmanaged recipe set
// (needed so a mid-batch cascade can reach a dependent that the planner
// did not itself select at batch start).
func New(graph *depgraph.Graph, pool *workerpool.Manager, store history.Store, launch Launcher, batchID int64, recipes map[string]*recipe.RecipeInfo, ready map[string]buildtypes.BuildReason, onBuild map[string]map[string]string) *Scheduler {
	s := &Scheduler{
		graph:       graph,
		pool:        pool,
		store:       store,
		launch:      launch,
		batchID:     batchID,
		recipes:     recipes,
		ready:       make(map[string]buildtypes.BuildReason),
		onBuild:     onBuild,
		pending:     make(map[string]buildtypes.BuildReason),
		building:    make(map[string]string),
		done:        make(map[string]bool),
		failed:      make(map[string]bool),
		skipped:     make(map[string]bool),
		completions: make(chan Completion, 64),
	}
	if s.onBuild == nil {
		s.onBuild = make(map[string]map[string]string)
	}
	for pkgbase, reason := range ready {
		s.ready[pkgbase] = reason
	}

	s.directRuntimeDependents = make(map[string][]string)
	s.triggerIndex = make(map[string][]onBuildWatch)
	for pkgbase, info := range recipes {
		for _, dep := range info.RepoDepends {
			s.directRuntimeDependents[dep.Pkgbase] = append(s.directRuntimeDependents[dep.Pkgbase], pkgbase)
		}
		if !info.Managed {
			continue
		}
		for _, trig := range info.UpdateOnBuild {
			s.triggerIndex[trig.Pkgbase] = append(s.triggerIndex[trig.Pkgbase], onBuildWatch{
				Dependent:   pkgbase,
				FromPattern: trig.FromPattern,
				ToPattern:   trig.ToPattern,
			})
		}
	}
	for pkgbase, dependents := range s.directRuntimeDependents {
		sort.Strings(dependents)
		s.directRuntimeDependents[pkgbase] = dependents
	}

	return s
}

// isManaged reports whether pkgbase is a known, managed recipe — the
// only kind eligible to be added to the batch by a mid-batch cascade.
func (s *Scheduler) isManaged(pkgbase string) bool {
	info, ok := s.recipes[pkgbase]
	return ok && info.Managed
}

// alreadyScheduled reports whether pkgbase has already been admitted to
// this batch in some form (ready, pending, building, or terminal), so a
// mid-batch cascade must not duplicate or clobber its existing reason.
// Must be called with s.mu held.
func (s *Scheduler) alreadyScheduled(pkgbase string) bool {
	if _, ok := s.ready[pkgbase]; ok {
		return true
	}
	if _, ok := s.pending[pkgbase]; ok {
		return true
	}
	if _, ok := s.building[pkgbase]; ok {
		return true
	}
	return s.done[pkgbase] || s.failed[pkgbase] || s.skipped[pkgbase]
}

// Complete is how a build worker reports a finished build back to the
// scheduler; safe to call from any goroutine.
func (s *Scheduler) Complete(c Completion) {
	s.completions <- c
}

// Done returns the pkgbases that reached ResultSuccessful or
// ResultStaged by the time Run returned. Safe to call only after Run
// has returned.
func (s *Scheduler) Done() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.done))
	for pkgbase := range s.done {
		out[pkgbase] = true
	}
	return out
}

// Failed returns the pkgbases that ended in ResultFailed, either
// directly or via dependency cascade, by the time Run returned. Safe
// to call only after Run has returned.
func (s *Scheduler) Failed() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.failed))
	for pkgbase := range s.failed {
		out[pkgbase] = true
	}
	return out
}

// Run drives the tick loop until every tracked pkgbase reaches a
// terminal state or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log := clog.FromContext(ctx)

	if err := s.pool.PrepareBatch(ctx); err != nil {
		return fmt.Errorf("preparing batch: %w", err)
	}
	defer func() {
		if err := s.pool.FinishBatch(ctx); err != nil {
			log.Errorf("finishing batch: %v", err)
		}
	}()

	timer := time.NewTicker(ReevaluationInterval)
	defer timer.Stop()

	for {
		s.drainCompletions(ctx)
		s.promotePending(ctx)

		if err := s.dispatch(ctx); err != nil {
			return err
		}

		s.mu.Lock()
		readyLen, buildingLen, pendingLen := len(s.ready), len(s.building), len(s.pending)
		s.mu.Unlock()

		if readyLen == 0 && buildingLen == 0 && pendingLen == 0 {
			return nil
		}

		if readyLen > 0 && buildingLen == 0 {
			// Step 5: nothing admitted and nothing in flight — deadlock guard.
			s.failDeadlocked(ctx)
			continue
		}

		select {
		case <-ctx.Done():
			return s.cancel(ctx)
		case c := <-s.completions:
			s.handleCompletion(ctx, c)
		case <-timer.C:
			// Wake for re-evaluation; refreshUsage caches will have expired.
		}
	}
}

// drainCompletions processes every completion already queued, without
// blocking for more.
func (s *Scheduler) drainCompletions(ctx context.Context) {
	for {
		select {
		case c := <-s.completions:
			s.handleCompletion(ctx, c)
		default:
			return
		}
	}
}

func (s *Scheduler) handleCompletion(ctx context.Context, c Completion) {
	log := clog.FromContext(ctx)

	s.mu.Lock()
	delete(s.building, c.Pkgbase)
	s.mu.Unlock()

	s.pool.Release(c.Worker, c.Result.Truthy())

	entry := history.LogEntry{
		Pkgbase:    c.Pkgbase,
		BatchID:    s.batchID,
		FinishedAt: time.Now(),
		Result:     c.Result.Kind,
		Version:    c.Result.Version,
		Error:      c.Result.Error,
		RUsage:     c.Result.RUsage,
	}
	if err := s.store.Record(ctx, entry); err != nil {
		log.Errorf("recording history for %s: %v", c.Pkgbase, err)
	}

	s.mu.Lock()
	switch c.Result.Kind {
	case buildtypes.ResultSuccessful, buildtypes.ResultStaged:
		delete(s.ready, c.Pkgbase)
		s.done[c.Pkgbase] = true
		s.mu.Unlock()
		s.cascadeOnBuild(ctx, c.Pkgbase)
		s.cascadeDepended(ctx, c.Pkgbase)
	case buildtypes.ResultSkipped:
		delete(s.ready, c.Pkgbase)
		s.skipped[c.Pkgbase] = true
		s.mu.Unlock()
	default:
		delete(s.ready, c.Pkgbase)
		s.failed[c.Pkgbase] = true
		s.mu.Unlock()
		s.cascadeFailure(ctx, c.Pkgbase, []string{c.Pkgbase})
	}
}

// cascadeFailure eagerly drains every transitive dependent of failedPkgbase
// out of ready/pending and into failed; failed only ever grows within
// a batch. chain accumulates the dependency path for the
// FailedByDeps reason.
func (s *Scheduler) cascadeFailure(ctx context.Context, failedPkgbase string, chain []string) {
	for _, dependent := range s.graph.ReverseDependents(failedPkgbase) {
		s.mu.Lock()
		_, inReady := s.ready[dependent]
		_, inPending := s.pending[dependent]
		alreadyFailed := s.failed[dependent]
		if alreadyFailed || (!inReady && !inPending) {
			s.mu.Unlock()
			continue
		}
		delete(s.ready, dependent)
		delete(s.pending, dependent)
		s.failed[dependent] = true
		s.mu.Unlock()

		entry := history.LogEntry{
			Pkgbase:    dependent,
			BatchID:    s.batchID,
			FinishedAt: time.Now(),
			Result:     buildtypes.ResultFailed,
			Reason:     buildtypes.BuildReason{Kind: buildtypes.ReasonFailedByDeps, Deps: append(append([]string{}, chain...), dependent)},
			Error:      fmt.Sprintf("dependency %s failed", failedPkgbase),
		}
		_ = s.store.Record(ctx, entry)

		s.cascadeFailure(ctx, dependent, append(chain, dependent))
	}
}

// cascadeOnBuild evaluates every managed recipe's update_on_build entry
// that watches builtPkgbase — not just the ones the planner already put
// in the initial ready set — and moves any dependent whose rewritten
// old/new version pair actually differs into pending, per tick step 1.
// Unlike the planner's pre-batch rule 5, the "latest" version here is
// the one this very batch just produced for builtPkgbase.
func (s *Scheduler) cascadeOnBuild(ctx context.Context, builtPkgbase string) {
	log := clog.FromContext(ctx)

	for _, watch := range s.triggerIndex[builtPkgbase] {
		dependent := watch.Dependent

		latest, previous, ok, err := s.store.LastTwoVersions(ctx, builtPkgbase)
		if err != nil {
			log.Errorf("update_on_build: loading versions of %s for %s: %v", builtPkgbase, dependent, err)
			continue
		}
		if !ok {
			// No history ⇒ no trigger (open question #2): a blind
			// trigger's new-version payload would be meaningless.
			continue
		}

		oldV, newV := previous, latest
		if watch.FromPattern != "" {
			oldV, newV, err = planner.RewritePair(previous, latest, watch.FromPattern, watch.ToPattern)
			if err != nil {
				log.Errorf("update_on_build pattern for %s: %v", dependent, err)
				continue
			}
			if oldV == newV {
				continue
			}
		}

		s.mu.Lock()
		if s.alreadyScheduled(dependent) {
			s.mu.Unlock()
			continue
		}
		s.pending[dependent] = buildtypes.BuildReason{
			Kind:     buildtypes.ReasonOnBuild,
			Triggers: []buildtypes.OnBuildTrigger{{TriggerPkgbase: builtPkgbase, OldVersion: oldV, NewVersion: newV}},
		}
		if s.onBuild[dependent] == nil {
			s.onBuild[dependent] = make(map[string]string)
		}
		s.onBuild[dependent][builtPkgbase] = newV
		s.mu.Unlock()
	}
}

// cascadeDepended moves any managed, not-yet-scheduled pkgbase that
// directly runtime-depends on builtPkgbase into pending with reason
// Depended, per spec.md's dependency-fan-out scenario: a plain runtime
// dependent of a package that just built in this batch is scheduled
// even when it has no update/on_build trigger of its own.
func (s *Scheduler) cascadeDepended(ctx context.Context, builtPkgbase string) {
	for _, dependent := range s.directRuntimeDependents[builtPkgbase] {
		if !s.isManaged(dependent) {
			continue
		}
		s.mu.Lock()
		if s.alreadyScheduled(dependent) {
			s.mu.Unlock()
			continue
		}
		s.pending[dependent] = buildtypes.BuildReason{
			Kind: buildtypes.ReasonDepended,
			Deps: []string{builtPkgbase},
		}
		s.mu.Unlock()
	}
}

// failDeadlocked handles tick step 5: a ready-but-stuck batch, which
// should only happen from an implementation bug since the graph is
// acyclic by construction.
func (s *Scheduler) failDeadlocked(ctx context.Context) {
	log := clog.FromContext(ctx)
	s.mu.Lock()
	stuck := make([]string, 0, len(s.ready))
	for pkgbase := range s.ready {
		stuck = append(stuck, pkgbase)
	}
	sort.Strings(stuck)
	for _, pkgbase := range stuck {
		delete(s.ready, pkgbase)
		s.failed[pkgbase] = true
	}
	s.mu.Unlock()

	for _, pkgbase := range stuck {
		log.Errorf("scheduler deadlock: %s was ready but no worker accepted it", pkgbase)
		_ = s.store.Record(ctx, history.LogEntry{
			Pkgbase:    pkgbase,
			BatchID:    s.batchID,
			FinishedAt: time.Now(),
			Result:     buildtypes.ResultFailed,
			Error:      "MissingDependencies: scheduler deadlock",
		})
	}
}

// promotePending moves entries out of pending and into ready once every
// element of their build-input closure is done — pending holds pkgbases
// inserted by an update_on_build cascade whose dependencies may not yet
// be built.
func (s *Scheduler) promotePending(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pkgbase, reason := range s.pending {
		ready := true
		for dep := range s.graph.BuildInputClosure[pkgbase] {
			if !s.done[dep] {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		delete(s.pending, pkgbase)
		s.ready[pkgbase] = reason
	}
}

// dispatch implements tick steps 2-4: offer the unassigned ready subset
// to every worker in stable order.
func (s *Scheduler) dispatch(ctx context.Context) error {
	s.mu.Lock()
	unassigned := make(map[string]bool)
	for pkgbase := range s.ready {
		if _, building := s.building[pkgbase]; !building {
			unassigned[pkgbase] = true
		}
	}
	s.mu.Unlock()

	if len(unassigned) == 0 {
		return nil
	}

	rusages, err := s.store.LastRUsages(ctx, 5)
	if err != nil {
		return fmt.Errorf("loading resource usage history: %w", err)
	}

	checkBuildability := func(pkgbase string) bool {
		for dep := range s.graph.BuildInputClosure[pkgbase] {
			s.mu.Lock()
			ok := s.done[dep]
			s.mu.Unlock()
			if !ok {
				return false
			}
		}
		return true
	}

	priority := func(pkgbase string) int {
		return -len(s.pendingDependentsOf(pkgbase))
	}

	// allowedOn applies a recipe's allowed_workers (or pin_worker) list.
	allowedOn := func(pkgbase, workerName string) bool {
		info := s.recipes[pkgbase]
		if info == nil || len(info.EffectiveAllowedWorkers()) == 0 {
			return true
		}
		for _, name := range info.EffectiveAllowedWorkers() {
			if name == workerName {
				return true
			}
		}
		return false
	}

	for _, workerName := range s.pool.Names() {
		s.mu.Lock()
		candidates := make(map[string]bool, len(unassigned))
		for pkgbase := range unassigned {
			if _, building := s.building[pkgbase]; !building && allowedOn(pkgbase, workerName) {
				candidates[pkgbase] = true
			}
		}
		s.mu.Unlock()
		if len(candidates) == 0 {
			continue
		}

		accepted, err := s.pool.TryAcceptPackage(ctx, workerName, candidates, rusages, priority, checkBuildability)
		if err != nil {
			clog.FromContext(ctx).Errorf("admission error for worker %s: %v", workerName, err)
			continue
		}

		for _, pkg := range accepted {
			reason := s.ready[pkg.Pkgbase]
			s.mu.Lock()
			s.building[pkg.Pkgbase] = workerName
			s.mu.Unlock()
			delete(unassigned, pkg.Pkgbase)

			if err := s.launch.Launch(ctx, pkg.Pkgbase, workerName, reason, s.onBuild[pkg.Pkgbase]); err != nil {
				s.Complete(Completion{
					Pkgbase: pkg.Pkgbase,
					Worker:  workerName,
					Result:  buildtypes.BuildResult{Kind: buildtypes.ResultFailed, Error: err.Error()},
				})
			}
		}
	}

	return nil
}

// pendingDependentsOf counts pkgbases in pending∪ready that transitively
// depend on pkgbase, for the priority function's primary key.
func (s *Scheduler) pendingDependentsOf(pkgbase string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, dependent := range s.graph.ReverseDependents(pkgbase) {
		if s.ready[dependent].Kind != "" || s.pending[dependent].Kind != "" {
			out = append(out, dependent)
		}
	}
	return out
}

// cancel implements the cooperative-stop-then-grace-period-then-force
// cancellation semantics: stop admitting new work, wait for in-flight
// completions up to GracePeriod, then mark the rest failed.
func (s *Scheduler) cancel(ctx context.Context) error {
	log := clog.FromContext(ctx)
	log.Info("scheduler: cancellation requested, draining in-flight builds")

	deadline := time.NewTimer(GracePeriod)
	defer deadline.Stop()

	for {
		s.mu.Lock()
		remaining := len(s.building)
		s.mu.Unlock()
		if remaining == 0 {
			return context.Canceled
		}

		select {
		case c := <-s.completions:
			s.handleCompletion(context.WithoutCancel(ctx), c)
		case <-deadline.C:
			s.mu.Lock()
			stuck := make([]string, 0, len(s.building))
			for pkgbase := range s.building {
				stuck = append(stuck, pkgbase)
			}
			s.mu.Unlock()
			for _, pkgbase := range stuck {
				s.handleCompletion(context.WithoutCancel(ctx), Completion{
					Pkgbase: pkgbase,
					Result:  buildtypes.BuildResult{Kind: buildtypes.ResultFailed, Error: "cancelled: grace period exceeded"},
				})
			}
			return context.Canceled
		}
	}
}
