package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
)

// MemoryStore is an in-memory Store, used by tests and whenever the
// configuration sets no dsn, so no Postgres is available.
type MemoryStore struct {
	mu        sync.RWMutex
	log       []LogEntry
	current   map[string]CurrentState
	batches   map[int64]*Batch
	nextBatch int64
	listeners []Listener
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		current: make(map[string]CurrentState),
		batches: make(map[int64]*Batch),
	}
}

func (s *MemoryStore) Record(ctx context.Context, entry LogEntry) error {
	s.mu.Lock()
	entry.ID = int64(len(s.log)) + 1
	s.log = append(s.log, entry)

	cur := s.current[entry.Pkgbase]
	cur.Pkgbase = entry.Pkgbase
	if entry.Result == buildtypes.ResultSuccessful || entry.Result == buildtypes.ResultStaged {
		if cur.LastVersion != entry.Version {
			cur.PrevVersion = cur.LastVersion
		}
		cur.LastVersion = entry.Version
		t := entry.FinishedAt
		cur.LastSuccessAt = &t
		cur.ConsecutiveFailures = 0
	} else if entry.Result == buildtypes.ResultFailed {
		cur.ConsecutiveFailures++
	}
	cur.LastResult = entry.Result
	cur.LastAttemptAt = entry.FinishedAt
	s.current[entry.Pkgbase] = cur

	listeners := append([]Listener{}, s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		if l != nil {
			l(entry.Pkgbase, entry)
		}
	}
	return nil
}

func (s *MemoryStore) IsLastFailed(ctx context.Context, pkgbase string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.current[pkgbase]
	if !ok {
		return false, nil
	}
	return cur.LastResult == buildtypes.ResultFailed, nil
}

func (s *MemoryStore) LastTwoVersions(ctx context.Context, pkgbase string) (string, string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.current[pkgbase]
	if !ok || cur.PrevVersion == "" {
		return cur.LastVersion, "", false, nil
	}
	return cur.LastVersion, cur.PrevVersion, true, nil
}

func (s *MemoryStore) LastSuccessTimes(ctx context.Context) (map[string]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]time.Time, len(s.current))
	for pkgbase, cur := range s.current {
		if cur.LastSuccessAt != nil {
			out[pkgbase] = *cur.LastSuccessAt
		}
	}
	return out, nil
}

func (s *MemoryStore) LastRUsages(ctx context.Context, n int) (buildtypes.Rusages, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPkgbase := make(map[string][]LogEntry)
	for _, e := range s.log {
		if e.Result == buildtypes.ResultSuccessful || e.Result == buildtypes.ResultStaged || e.Result == buildtypes.ResultFailed {
			byPkgbase[e.Pkgbase] = append(byPkgbase[e.Pkgbase], e)
		}
	}

	out := make(buildtypes.Rusages)
	for pkgbase, entries := range byPkgbase {
		sort.Slice(entries, func(i, j int) bool { return entries[i].FinishedAt.After(entries[j].FinishedAt) })
		if len(entries) > n {
			entries = entries[:n]
		}
		perVersion := make(map[string]buildtypes.UsedResource)
		for _, e := range entries {
			perVersion[e.Version] = buildtypes.UsedResource{
				CPUSeconds:     e.RUsage.CPUSeconds,
				PeakMemoryByte: e.RUsage.PeakMemoryByte,
				Elapsed:        e.FinishedAt.Sub(e.StartedAt),
			}
		}
		out[pkgbase] = perVersion
	}
	return out, nil
}

func (s *MemoryStore) Current(ctx context.Context, pkgbase string) (CurrentState, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.current[pkgbase]
	return cur, ok, nil
}

func (s *MemoryStore) CreateBatch(ctx context.Context, pkgbases []string, startedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBatch++
	id := s.nextBatch
	s.batches[id] = &Batch{ID: id, StartedAt: startedAt, Pkgbases: append([]string{}, pkgbases...)}
	return id, nil
}

func (s *MemoryStore) CloseBatch(ctx context.Context, batchID int64, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil
	}
	t := endedAt
	b.EndedAt = &t
	return nil
}

func (s *MemoryStore) Subscribe(listener Listener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
	idx := len(s.listeners) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.listeners) {
			s.listeners[idx] = nil
		}
	}
}
