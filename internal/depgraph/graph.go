// Package depgraph builds the two dependency DAGs the scheduler needs: a
// runtime-closure graph (transitive runtime dependencies) and a
// build-input graph (direct runtime deps plus direct build-time deps and
// their runtime closures), both keyed by pkgbase.
//
// Modeled on Kahn's-algorithm topological sort with lexicographic
// tie-breaking, where the nodes the sort cannot order are treated as
// cyclic, generalized from a single
// dependency list per node to two
// distinct closures and reverse-dependency lookup.
package depgraph

import (
	"fmt"
	"sort"

	"github.com/archlinuxcn/lilac-bot/internal/recipe"
)

// Dependency is a weak reference to another recipe: it does not own the
// target and its lifetime ends with the containing Graph.
type Dependency struct {
	Pkgbase string
	Pkgname string
}

// Graph holds both the runtime-closure and build-input closures, plus
// the reverse of the runtime-closure graph (used to cascade failures and
// update_on_build triggers) and the set of recipes excluded due to a
// dependency cycle.
type Graph struct {
	RuntimeClosure   map[string]map[string]Dependency
	BuildInputClosure map[string]map[string]Dependency
	// ReverseRuntime maps pkgbase -> the set of pkgbases that transitively
	// depend on it at runtime.
	ReverseRuntime map[string]map[string]bool
	// Cyclic is the set of pkgbases in a dependency cycle or depending,
	// directly or transitively, on one;
	// they are excluded from BuildInputClosure/scheduling but remain keys
	// in the direct maps for reverse-dependency lookup.
	Cyclic map[string]bool

	direct     map[string][]Dependency // direct runtime edges
	directMake map[string][]Dependency // direct make edges
}

// CycleError reports a detected dependency cycle.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Cycle)
}

// Build constructs the runtime and build-input closures for the given
// recipe set. Cycles are reported as load errors keyed by every pkgbase
// in the cycle and every pkgbase that depends on it; the returned Graph
// still contains
// those pkgbases in its direct/reverse maps so reverse-dependency lookup
// keeps working, but they are excluded from BuildInputClosure and thus
// from scheduling.
func Build(recipes map[string]*recipe.RecipeInfo) (*Graph, map[string]*CycleError) {
	g := &Graph{
		RuntimeClosure:    make(map[string]map[string]Dependency),
		BuildInputClosure: make(map[string]map[string]Dependency),
		ReverseRuntime:    make(map[string]map[string]bool),
		Cyclic:            make(map[string]bool),
		direct:            make(map[string][]Dependency),
		directMake:        make(map[string][]Dependency),
	}

	// First pass: direct runtime edges (repo_depends only).
	for pkgbase, info := range recipes {
		for _, d := range info.RepoDepends {
			if _, ok := recipes[d.Pkgbase]; !ok {
				continue // unresolved: handled as MissingDependencies by the planner/scheduler
			}
			g.direct[pkgbase] = append(g.direct[pkgbase], Dependency{Pkgbase: d.Pkgbase, Pkgname: d.Pkgname})
		}
		for _, d := range info.RepoMakedepends {
			if _, ok := recipes[d.Pkgbase]; !ok {
				continue
			}
			g.directMake[pkgbase] = append(g.directMake[pkgbase], Dependency{Pkgbase: d.Pkgbase, Pkgname: d.Pkgname})
		}
	}

	order, cycleErrs := g.topoSort(recipes)

	// Second pass: transitive runtime closure, walked in topological order
	// so every dependency is already resolved when we reach its dependent.
	for _, pkgbase := range order {
		closure := make(map[string]Dependency)
		for _, dep := range g.direct[pkgbase] {
			closure[dep.Pkgbase] = dep
			for _, transitive := range g.RuntimeClosure[dep.Pkgbase] {
				if _, exists := closure[transitive.Pkgbase]; !exists {
					closure[transitive.Pkgbase] = transitive
				}
			}
		}
		g.RuntimeClosure[pkgbase] = closure

		for depPkgbase := range closure {
			if g.ReverseRuntime[depPkgbase] == nil {
				g.ReverseRuntime[depPkgbase] = make(map[string]bool)
			}
			g.ReverseRuntime[depPkgbase][pkgbase] = true
		}
	}

	// Third pass: build-input closure = own runtime closure plus every
	// direct make-dependency and its runtime closure.
	for pkgbase := range recipes {
		if g.Cyclic[pkgbase] {
			continue
		}
		closure := make(map[string]Dependency)
		for k, v := range g.RuntimeClosure[pkgbase] {
			closure[k] = v
		}
		for _, dep := range g.directMake[pkgbase] {
			closure[dep.Pkgbase] = dep
			for _, transitive := range g.RuntimeClosure[dep.Pkgbase] {
				if _, exists := closure[transitive.Pkgbase]; !exists {
					closure[transitive.Pkgbase] = transitive
				}
			}
		}
		g.BuildInputClosure[pkgbase] = closure
	}

	return g, cycleErrs
}

// topoSort returns pkgbases in dependency order (deps before dependents),
// lexicographic tie-break for determinism, using Kahn's algorithm over
// the direct runtime+make edges combined (a cycle through either kind of
// edge must exclude the recipe from scheduling). Every pkgbase left
// unordered (cycle members and their dependents) is recorded in
// g.Cyclic and gets a CycleError listing all of them.
func (g *Graph) topoSort(recipes map[string]*recipe.RecipeInfo) ([]string, map[string]*CycleError) {
	inDegree := make(map[string]int)
	edgesOf := make(map[string][]Dependency)
	for pkgbase := range recipes {
		inDegree[pkgbase] = 0
		edgesOf[pkgbase] = append(append([]Dependency{}, g.direct[pkgbase]...), g.directMake[pkgbase]...)
	}
	for pkgbase := range recipes {
		inDegree[pkgbase] = len(edgesOf[pkgbase])
	}

	// rdeps[dep] = pkgbases that have an edge to dep, needed to decrement
	// in-degree as nodes are resolved.
	rdeps := make(map[string][]string)
	for pkgbase, edges := range edgesOf {
		for _, e := range edges {
			rdeps[e.Pkgbase] = append(rdeps[e.Pkgbase], pkgbase)
		}
	}

	var queue []string
	for pkgbase, d := range inDegree {
		if d == 0 {
			queue = append(queue, pkgbase)
		}
	}
	sort.Strings(queue)

	var order []string
	resolved := make(map[string]bool)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		resolved[name] = true

		var newlyReady []string
		for _, dependent := range rdeps[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				newlyReady = append(newlyReady, dependent)
			}
		}
		sort.Strings(newlyReady)
		queue = append(queue, newlyReady...)
		sort.Strings(queue)
	}

	cycleErrs := make(map[string]*CycleError)
	if len(order) != len(recipes) {
		var cyclic []string
		for pkgbase := range recipes {
			if !resolved[pkgbase] {
				cyclic = append(cyclic, pkgbase)
			}
		}
		sort.Strings(cyclic)
		for _, pkgbase := range cyclic {
			g.Cyclic[pkgbase] = true
			cycleErrs[pkgbase] = &CycleError{Cycle: cyclic}
		}
		// Append the cyclic pkgbases in deterministic order so every
		// recipe still gets a RuntimeClosure entry (even if incomplete)
		// and remains visible to reverse-dependency lookup.
		order = append(order, cyclic...)
	}

	return order, cycleErrs
}

// ReverseDependents returns the pkgbases that transitively depend (at
// runtime) on pkgbase.
func (g *Graph) ReverseDependents(pkgbase string) []string {
	set := g.ReverseRuntime[pkgbase]
	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
