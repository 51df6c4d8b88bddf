package workerpool

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// LocalWorker runs builds as subprocesses of the scheduler's own host via
// cmd/lilac-worker, one process per package. Load is sampled from
// /proc/loadavg and /proc/meminfo — the same stdlib-over-cgroup-client
// tradeoff internal/rusage documents, since no pack example wires a
// system-metrics client library.
type LocalWorker struct {
	name           string
	maxConcurrency int
	workerArgv     []string // cmd/lilac-worker plus its flags; pkgbase is appended by the caller via stdin, not argv
	numCPU         float64
}

// NewLocalWorker returns a LocalWorker named name, running workerArgv
// (the lilac-worker binary and its flags) with up to maxConcurrency
// concurrent builds. Load is normalized against runtime.NumCPU().
func NewLocalWorker(name string, maxConcurrency int, workerArgv []string) *LocalWorker {
	return &LocalWorker{name: name, maxConcurrency: maxConcurrency, workerArgv: workerArgv, numCPU: float64(runtime.NumCPU())}
}

func (w *LocalWorker) Name() string      { return w.name }
func (w *LocalWorker) Kind() Kind        { return KindLocal }
func (w *LocalWorker) MaxConcurrency() int { return w.maxConcurrency }

// WorkerCmd returns the lilac-worker invocation; pkgbase travels via the
// Input JSON written to its stdin, not argv, so it is unused here beyond
// documenting the call shape callers expect.
func (w *LocalWorker) WorkerCmd(pkgbase string) ([]string, error) {
	return w.workerArgv, nil
}

// ResourceUsage reads the 1-minute load average (normalized by CPU
// count) and currently available memory.
func (w *LocalWorker) ResourceUsage(ctx context.Context) (float64, uint64, error) {
	cpuRatio, err := readLoadRatio(w.numCPU)
	if err != nil {
		return 0, 0, fmt.Errorf("reading loadavg: %w", err)
	}
	memAvail, err := readMemAvailable()
	if err != nil {
		return 0, 0, fmt.Errorf("reading meminfo: %w", err)
	}
	return cpuRatio, memAvail, nil
}

// SyncDependedPackages is a no-op: local workers share the build host's
// filesystem with the scheduler.
func (w *LocalWorker) SyncDependedPackages(ctx context.Context, paths []string) error { return nil }

func (w *LocalWorker) PrepareBatch(ctx context.Context) error { return nil }
func (w *LocalWorker) FinishBatch(ctx context.Context) error  { return nil }

func readLoadRatio(numCPU float64) (float64, error) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return 0, fmt.Errorf("unexpected /proc/loadavg format")
	}
	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, err
	}
	if numCPU <= 0 {
		numCPU = 1
	}
	return load1 / numCPU, nil
}

func readMemAvailable() (uint64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "MemAvailable:") {
			fields := strings.Fields(line)
			if len(fields) < 2 {
				return 0, fmt.Errorf("unexpected /proc/meminfo MemAvailable line")
			}
			kb, err := strconv.ParseUint(fields[1], 10, 64)
			if err != nil {
				return 0, err
			}
			return kb * 1024, nil
		}
	}
	return 0, fmt.Errorf("MemAvailable not found in /proc/meminfo")
}
