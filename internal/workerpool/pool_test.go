package workerpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
)

type fakeWorker struct {
	name           string
	maxConcurrency int
	cpuRatio       float64
	memAvail       uint64
	usageCalls     int
}

func (w *fakeWorker) Name() string           { return w.name }
func (w *fakeWorker) Kind() Kind             { return KindLocal }
func (w *fakeWorker) MaxConcurrency() int    { return w.maxConcurrency }
func (w *fakeWorker) WorkerCmd(pkgbase string) ([]string, error) { return []string{"true"}, nil }
func (w *fakeWorker) ResourceUsage(ctx context.Context) (float64, uint64, error) {
	w.usageCalls++
	return w.cpuRatio, w.memAvail, nil
}
func (w *fakeWorker) SyncDependedPackages(ctx context.Context, paths []string) error { return nil }
func (w *fakeWorker) PrepareBatch(ctx context.Context) error                        { return nil }
func (w *fakeWorker) FinishBatch(ctx context.Context) error                         { return nil }

func alwaysBuildable(string) bool { return true }
func zeroPriority(string) int     { return 0 }

func TestTryAcceptPackageRespectsMaxConcurrency(t *testing.T) {
	w := &fakeWorker{name: "local", maxConcurrency: 0, memAvail: 1 << 30}
	m, err := NewManager([]Worker{w})
	require.NoError(t, err)

	accepted, err := m.TryAcceptPackage(context.Background(), "local", map[string]bool{"foo": true}, nil, zeroPriority, alwaysBuildable)
	require.NoError(t, err)
	assert.Empty(t, accepted)
}

func TestTryAcceptPackageNeverPilesOntoHotWorker(t *testing.T) {
	w := &fakeWorker{name: "local", maxConcurrency: 4, cpuRatio: 1.5, memAvail: 1 << 30}
	m, err := NewManager([]Worker{w})
	require.NoError(t, err)

	// No active jobs yet: a hot worker with nothing running may still
	// accept the first job.
	accepted, err := m.TryAcceptPackage(context.Background(), "local", map[string]bool{"foo": true}, nil, zeroPriority, alwaysBuildable)
	require.NoError(t, err)
	require.Len(t, accepted, 1)

	// Now one job is active and the worker is still hot: refuse more.
	accepted, err = m.TryAcceptPackage(context.Background(), "local", map[string]bool{"bar": true}, nil, zeroPriority, alwaysBuildable)
	require.NoError(t, err)
	assert.Empty(t, accepted)
}

func TestTryAcceptPackageMemoryHeadroom(t *testing.T) {
	w := &fakeWorker{name: "local", maxConcurrency: 4, memAvail: 100}
	m, err := NewManager([]Worker{w})
	require.NoError(t, err)

	rusages := buildtypes.Rusages{
		"big":   {"local": {PeakMemoryByte: 200, Elapsed: time.Second}},
		"small": {"local": {PeakMemoryByte: 10, Elapsed: time.Second}},
	}
	accepted, err := m.TryAcceptPackage(context.Background(), "local", map[string]bool{"big": true, "small": true}, rusages, zeroPriority, alwaysBuildable)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, "small", accepted[0].Pkgbase)
}

func TestTryAcceptPackageCheckBuildabilityGate(t *testing.T) {
	w := &fakeWorker{name: "local", maxConcurrency: 4, memAvail: 1 << 30}
	m, err := NewManager([]Worker{w})
	require.NoError(t, err)

	buildable := func(pkgbase string) bool { return pkgbase != "blocked" }
	accepted, err := m.TryAcceptPackage(context.Background(), "local", map[string]bool{"blocked": true, "ready": true}, nil, zeroPriority, buildable)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	assert.Equal(t, "ready", accepted[0].Pkgbase)
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	w := &fakeWorker{name: "local", maxConcurrency: 4, memAvail: 1 << 30}
	m, err := NewManager([]Worker{w})
	require.NoError(t, err)
	m.failureThreshold = 2

	for i := 0; i < 2; i++ {
		accepted, err := m.TryAcceptPackage(context.Background(), "local", map[string]bool{"foo": true}, nil, zeroPriority, alwaysBuildable)
		require.NoError(t, err)
		require.Len(t, accepted, 1)
		m.Release("local", false)
	}

	accepted, err := m.TryAcceptPackage(context.Background(), "local", map[string]bool{"foo": true}, nil, zeroPriority, alwaysBuildable)
	require.NoError(t, err)
	assert.Empty(t, accepted, "circuit should be open after consecutive failures")
}

func TestCircuitBreakerClosesOnSuccess(t *testing.T) {
	w := &fakeWorker{name: "local", maxConcurrency: 4, memAvail: 1 << 30}
	m, err := NewManager([]Worker{w})
	require.NoError(t, err)

	accepted, err := m.TryAcceptPackage(context.Background(), "local", map[string]bool{"foo": true}, nil, zeroPriority, alwaysBuildable)
	require.NoError(t, err)
	require.Len(t, accepted, 1)
	m.Release("local", true)

	accepted, err = m.TryAcceptPackage(context.Background(), "local", map[string]bool{"foo": true}, nil, zeroPriority, alwaysBuildable)
	require.NoError(t, err)
	assert.Len(t, accepted, 1)
}

func TestUsageIsCached(t *testing.T) {
	w := &fakeWorker{name: "local", maxConcurrency: 4, memAvail: 1 << 30}
	m, err := NewManager([]Worker{w})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := m.TryAcceptPackage(context.Background(), "local", map[string]bool{"foo": true}, nil, zeroPriority, alwaysBuildable)
		require.NoError(t, err)
		m.Release("local", true)
	}
	assert.Equal(t, 1, w.usageCalls, "repeated admission checks within the TTL should reuse the cached reading")
}

func TestDuplicateWorkerNameRejected(t *testing.T) {
	w1 := &fakeWorker{name: "local", maxConcurrency: 1}
	w2 := &fakeWorker{name: "local", maxConcurrency: 1}
	_, err := NewManager([]Worker{w1, w2})
	assert.Error(t, err)
}
