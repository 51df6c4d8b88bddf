// Package history persists build outcomes: the per-build pkglog, the
// latest known state of each pkgbase (pkgcurrent), and batch summaries.
// Modeled as a store interface plus matching Memory/Postgres
// implementations.
package history

import (
	"context"
	"time"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
)

// LogEntry is one row of the pkglog: a single build attempt's outcome.
type LogEntry struct {
	ID         int64
	Pkgbase    string
	BatchID    int64
	StartedAt  time.Time
	FinishedAt time.Time
	Result     buildtypes.BuildResultKind
	Version    string
	Error      string
	Reason     buildtypes.BuildReason
	RUsage     buildtypes.RUsage
}

// CurrentState is the latest known terminal state of a pkgbase, used by
// the planner's is_last_failed/last_two_versions queries.
type CurrentState struct {
	Pkgbase        string
	LastVersion    string
	PrevVersion    string
	LastResult     buildtypes.BuildResultKind
	LastSuccessAt  *time.Time
	LastAttemptAt  time.Time
	ConsecutiveFailures int
}

// Batch groups the set of pkgbases built together in one scheduler run.
type Batch struct {
	ID        int64
	StartedAt time.Time
	EndedAt   *time.Time
	Pkgbases  []string
}

// Listener receives a notification whenever a build reaches a terminal
// state; the batch command uses it to publish artifacts and to mail
// maintainers about failures.
type Listener func(pkgbase string, entry LogEntry)

// Store is the build-history persistence contract. Implementations must
// be safe for concurrent use by the scheduler's single dispatch loop and
// any number of build workers reporting results concurrently.
type Store interface {
	// Record appends a completed build's outcome to the pkglog and
	// updates pkgcurrent for its pkgbase. It is the single write path
	// through which "mark" and "notify_listeners" both happen.
	Record(ctx context.Context, entry LogEntry) error

	// IsLastFailed reports whether pkgbase's most recent recorded
	// attempt ended in BuildResultFailed.
	IsLastFailed(ctx context.Context, pkgbase string) (bool, error)

	// LastTwoVersions returns the two most recent distinct versions
	// recorded for pkgbase (newest first); ok is false if fewer than
	// two distinct versions exist.
	LastTwoVersions(ctx context.Context, pkgbase string) (latest, previous string, ok bool, err error)

	// LastSuccessTimes returns the last-successful-build timestamp for
	// every pkgbase that has one.
	LastSuccessTimes(ctx context.Context) (map[string]time.Time, error)

	// LastRUsages returns, for each pkgbase, the accounted resource
	// usage of its last N terminal builds (newest first), used by the
	// worker pool's admission cost model.
	LastRUsages(ctx context.Context, n int) (buildtypes.Rusages, error)

	// Current returns the latest known state of pkgbase, or ok=false if
	// it has never been built.
	Current(ctx context.Context, pkgbase string) (CurrentState, bool, error)

	// CreateBatch opens a new batch covering the given pkgbases.
	CreateBatch(ctx context.Context, pkgbases []string, startedAt time.Time) (int64, error)

	// CloseBatch marks a batch as finished.
	CloseBatch(ctx context.Context, batchID int64, endedAt time.Time) error

	// Subscribe registers a listener invoked synchronously from Record.
	// Returns an unsubscribe function.
	Subscribe(listener Listener) (unsubscribe func())
}
