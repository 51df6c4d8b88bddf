// Package workerpool manages the pool of local and remote build workers:
// admission control, load-aware selection, and a circuit breaker that
// excludes a worker for a recovery window after consecutive builds on it
// did not succeed.
//
// Modeled on a backend pool with
// atomic CAS-based slot acquisition and a consecutive-failure circuit
// breaker), generalized from BuildKit daemon backends to local/SSH build
// workers and from a single load-aware Select to the five-step
// try_accept_package admission algorithm.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
)

// Default configuration values for the pool's circuit breaker.
const (
	DefaultFailureThreshold = 3
	DefaultRecoveryTimeout  = 30 * time.Second
	DefaultUsageCacheTTL    = 5 * time.Second
)

// Kind distinguishes a worker that runs builds on the local host from
// one reached over SSH.
type Kind string

const (
	KindLocal     Kind = "local"
	KindRemoteSSH Kind = "remote_ssh"
)

var ErrNoCapacity = errors.New("worker pool: no worker has spare capacity")

// Worker is the abstract per-worker interface both local and remote
// implementations satisfy.
type Worker interface {
	Name() string
	Kind() Kind
	MaxConcurrency() int

	// WorkerCmd returns the argv that, given the worker input JSON on
	// stdin, performs one build.
	WorkerCmd(pkgbase string) ([]string, error)

	// ResourceUsage is a cheap (<=1s) poll of current load. For remote
	// workers this is a short SSH call; callers should rely on the
	// pool's cache rather than invoking it on every admission decision.
	ResourceUsage(ctx context.Context) (cpuRatio float64, memAvailBytes uint64, err error)

	// SyncDependedPackages makes the listed artifact paths available on
	// the worker's filesystem (no-op for local workers).
	SyncDependedPackages(ctx context.Context, paths []string) error

	PrepareBatch(ctx context.Context) error
	FinishBatch(ctx context.Context) error
}

// RemoteRunner is implemented by remote workers: it drives one build
// over an interactive SSH session.
type RemoteRunner interface {
	RunRemote(ctx context.Context, pkgbase string, deadline time.Time, workerNo int, input []byte) ([]byte, error)
}

type workerState struct {
	activeJobs atomic.Int32

	failures    atomic.Int32
	circuitOpen atomic.Bool

	mu            sync.Mutex
	lastFailure   time.Time
	cachedCPU     float64
	cachedMemAvail uint64
	cachedAt      time.Time
}

// Manager tracks admission state for a fixed set of workers.
type Manager struct {
	mu      sync.RWMutex
	workers map[string]Worker
	state   map[string]*workerState

	failureThreshold int
	recoveryTimeout  time.Duration
	usageCacheTTL    time.Duration
}

// NewManager builds a Manager over the given workers using the
// package's default circuit-breaker thresholds.
func NewManager(workers []Worker) (*Manager, error) {
	if len(workers) == 0 {
		return nil, errors.New("at least one worker is required")
	}
	m := &Manager{
		workers:          make(map[string]Worker, len(workers)),
		state:            make(map[string]*workerState, len(workers)),
		failureThreshold: DefaultFailureThreshold,
		recoveryTimeout:  DefaultRecoveryTimeout,
		usageCacheTTL:    DefaultUsageCacheTTL,
	}
	for _, w := range workers {
		if _, exists := m.workers[w.Name()]; exists {
			return nil, fmt.Errorf("duplicate worker name %q", w.Name())
		}
		m.workers[w.Name()] = w
		m.state[w.Name()] = &workerState{}
	}
	return m, nil
}

// Names returns every registered worker name, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.workers))
	for n := range m.workers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// refreshUsage polls (and caches) a worker's current load.
func (m *Manager) refreshUsage(ctx context.Context, name string) (float64, uint64, error) {
	m.mu.RLock()
	w := m.workers[name]
	st := m.state[name]
	m.mu.RUnlock()
	if w == nil {
		return 0, 0, fmt.Errorf("unknown worker %q", name)
	}

	st.mu.Lock()
	if time.Since(st.cachedAt) < m.usageCacheTTL {
		cpu, mem := st.cachedCPU, st.cachedMemAvail
		st.mu.Unlock()
		return cpu, mem, nil
	}
	st.mu.Unlock()

	cpu, mem, err := w.ResourceUsage(ctx)
	if err != nil {
		return 0, 0, err
	}

	st.mu.Lock()
	st.cachedCPU = cpu
	st.cachedMemAvail = mem
	st.cachedAt = time.Now()
	st.mu.Unlock()
	return cpu, mem, nil
}

// circuitClosed reports whether name is currently eligible for
// admission (circuit closed, or recovery timeout elapsed for a
// half-open retry).
func (m *Manager) circuitClosed(name string, st *workerState) bool {
	if !st.circuitOpen.Load() {
		return true
	}
	st.mu.Lock()
	lastFailure := st.lastFailure
	st.mu.Unlock()
	return time.Since(lastFailure) >= m.recoveryTimeout
}

// PriorityFunc ranks a candidate pkgbase for scheduling order; lower
// values are scheduled first.
type PriorityFunc func(pkgbase string) int

// CheckBuildabilityFunc is the scheduler's final admission gate, e.g.
// rejecting a pkgbase whose build-input dependencies are not yet done.
type CheckBuildabilityFunc func(pkgbase string) bool

type candidate struct {
	pkgbase   string
	priority  int
	intensity float64
	memBytes  uint64
}

// TryAcceptPackage implements the five-step admission algorithm for
// one worker, once its circuit is closed: concurrency limit, hot-worker
// guard, candidate ordering by priority and intensity, memory headroom,
// and the caller's buildability gate. It does not check a recipe's
// allowed workers; the caller leaves ineligible pkgbases out of ready.
func (m *Manager) TryAcceptPackage(
	ctx context.Context,
	workerName string,
	ready map[string]bool,
	rusages buildtypes.Rusages,
	priority PriorityFunc,
	checkBuildability CheckBuildabilityFunc,
) ([]buildtypes.PkgToBuild, error) {
	m.mu.RLock()
	w := m.workers[workerName]
	st := m.state[workerName]
	m.mu.RUnlock()
	if w == nil {
		return nil, fmt.Errorf("unknown worker %q", workerName)
	}

	if !m.circuitClosed(workerName, st) {
		return nil, nil
	}

	maxConcurrency := w.MaxConcurrency()
	active := int(st.activeJobs.Load())

	// Step 1.
	if active >= maxConcurrency {
		return nil, nil
	}

	cpuRatio, memAvail, err := m.refreshUsage(ctx, workerName)
	if err != nil {
		return nil, err
	}

	// Step 2: never pile onto an already-hot worker.
	if cpuRatio > 1.0 && active > 0 {
		return nil, nil
	}

	// Step 3: build the sorted candidate list.
	candidates := make([]candidate, 0, len(ready))
	for pkgbase := range ready {
		intensity := 1.0
		if perWorker, ok := rusages[pkgbase]; ok {
			if u, ok := perWorker[workerName]; ok {
				intensity = u.Intensity()
			}
		}
		var memBytes uint64
		if perWorker, ok := rusages[pkgbase]; ok {
			if u, ok := perWorker[workerName]; ok {
				memBytes = u.PeakMemoryByte
			}
		}
		candidates = append(candidates, candidate{
			pkgbase:   pkgbase,
			priority:  priority(pkgbase),
			intensity: intensity,
			memBytes:  memBytes,
		})
	}

	cool := cpuRatio < 0.9
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if cool {
			// Cool: prefer higher priority even if more intensive.
			if a.priority != b.priority {
				return a.priority < b.priority
			}
			return a.intensity < b.intensity
		}
		// Hot: prefer low intensity first, then priority.
		if a.intensity != b.intensity {
			return a.intensity < b.intensity
		}
		return a.priority < b.priority
	})

	// Step 4: greedily admit within concurrency and memory headroom.
	var accepted []buildtypes.PkgToBuild
	headroom := memAvail
	for _, c := range candidates {
		if active+len(accepted) >= maxConcurrency {
			break
		}
		if c.memBytes > 0 && c.memBytes > headroom {
			continue
		}

		// Step 5: scheduler's final gate.
		if checkBuildability != nil && !checkBuildability(c.pkgbase) {
			continue
		}

		accepted = append(accepted, buildtypes.PkgToBuild{
			Pkgbase:        c.pkgbase,
			AssignedWorker: workerName,
		})
		if c.memBytes > 0 {
			headroom -= c.memBytes
		}
	}

	// Atomically reserve the slots we just decided to use.
	for range accepted {
		st.activeJobs.Add(1)
	}

	return accepted, nil
}

// Release returns a slot to the pool and updates the circuit breaker.
func (m *Manager) Release(workerName string, success bool) {
	m.mu.RLock()
	st := m.state[workerName]
	m.mu.RUnlock()
	if st == nil {
		return
	}

	st.activeJobs.Add(-1)

	if success {
		st.failures.Store(0)
		st.circuitOpen.Store(false)
		return
	}

	failures := st.failures.Add(1)
	st.mu.Lock()
	st.lastFailure = time.Now()
	st.mu.Unlock()
	if int(failures) >= m.failureThreshold {
		st.circuitOpen.Store(true)
	}
}

// Worker returns the named worker, or nil if unregistered.
func (m *Manager) Worker(name string) Worker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.workers[name]
}

// PrepareBatch runs every worker's PrepareBatch hook before a scheduler
// pass begins: a no-op for local workers and a reachability check for
// SSH workers.
func (m *Manager) PrepareBatch(ctx context.Context) error {
	for _, name := range m.Names() {
		if err := m.workers[name].PrepareBatch(ctx); err != nil {
			return fmt.Errorf("preparing worker %s: %w", name, err)
		}
	}
	return nil
}

// FinishBatch runs every worker's FinishBatch hook after a scheduler
// pass ends; the local and SSH hooks both do nothing.
func (m *Manager) FinishBatch(ctx context.Context) error {
	var firstErr error
	for _, name := range m.Names() {
		if err := m.workers[name].FinishBatch(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("finishing worker %s: %w", name, err)
		}
	}
	return firstErr
}
