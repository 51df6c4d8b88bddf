package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
)

// setupTestPostgres brings up a disposable PostgreSQL container, applies
// migrations, and returns a ready Store plus its cleanup function.
func setupTestPostgres(t *testing.T) (*PostgresStore, func()) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "lilac_test",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/lilac_test?sslmode=disable", host, port.Port())

	require.NoError(t, RunMigrations(dsn))

	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)

	cleanup := func() {
		store.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}
	return store, cleanup
}

func TestPostgresStore_RecordAndCurrent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL test in short mode")
	}
	store, cleanup := setupTestPostgres(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Record(ctx, LogEntry{
		Pkgbase:    "foo",
		StartedAt:  now,
		FinishedAt: now,
		Result:     buildtypes.ResultSuccessful,
		Version:    "1.0-1",
	}))

	cur, ok, err := store.Current(ctx, "foo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1.0-1", cur.LastVersion)
	assert.Equal(t, "", cur.PrevVersion)
	assert.Equal(t, buildtypes.ResultSuccessful, cur.LastResult)
	require.NotNil(t, cur.LastSuccessAt)

	failed, err := store.IsLastFailed(ctx, "foo")
	require.NoError(t, err)
	assert.False(t, failed)
}

func TestPostgresStore_FailedBuildDoesNotClobberPrevVersion(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL test in short mode")
	}
	store, cleanup := setupTestPostgres(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Record(ctx, LogEntry{
		Pkgbase: "foo", StartedAt: now, FinishedAt: now,
		Result: buildtypes.ResultSuccessful, Version: "1.0-1",
	}))
	require.NoError(t, store.Record(ctx, LogEntry{
		Pkgbase: "foo", StartedAt: now, FinishedAt: now,
		Result: buildtypes.ResultSuccessful, Version: "2.0-1",
	}))

	// A failed attempt at yet another version must not overwrite
	// prev_version: it never reaches a terminal state.
	require.NoError(t, store.Record(ctx, LogEntry{
		Pkgbase: "foo", StartedAt: now, FinishedAt: now,
		Result: buildtypes.ResultFailed, Version: "3.0-1",
	}))

	latest, previous, ok, err := store.LastTwoVersions(ctx, "foo")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2.0-1", latest)
	assert.Equal(t, "1.0-1", previous)

	failed, err := store.IsLastFailed(ctx, "foo")
	require.NoError(t, err)
	assert.True(t, failed)
}

func TestPostgresStore_ConsecutiveFailuresResetsOnSuccess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL test in short mode")
	}
	store, cleanup := setupTestPostgres(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(ctx, LogEntry{
			Pkgbase: "bar", StartedAt: now, FinishedAt: now,
			Result: buildtypes.ResultFailed, Version: "1.0-1",
		}))
	}
	cur, ok, err := store.Current(ctx, "bar")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, cur.ConsecutiveFailures)

	require.NoError(t, store.Record(ctx, LogEntry{
		Pkgbase: "bar", StartedAt: now, FinishedAt: now,
		Result: buildtypes.ResultSuccessful, Version: "1.0-1",
	}))
	cur, ok, err = store.Current(ctx, "bar")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, cur.ConsecutiveFailures)
}

func TestPostgresStore_BatchLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL test in short mode")
	}
	store, cleanup := setupTestPostgres(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	id, err := store.CreateBatch(ctx, []string{"foo", "bar"}, now)
	require.NoError(t, err)
	assert.NotZero(t, id)
	require.NoError(t, store.CloseBatch(ctx, id, now.Add(time.Minute)))
}

func TestPostgresStore_SubscribeNotifiesOnRecord(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL test in short mode")
	}
	store, cleanup := setupTestPostgres(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	var got LogEntry
	unsubscribe := store.Subscribe(func(pkgbase string, entry LogEntry) { got = entry })
	defer unsubscribe()

	require.NoError(t, store.Record(ctx, LogEntry{
		Pkgbase: "foo", StartedAt: now, FinishedAt: now,
		Result: buildtypes.ResultSuccessful, Version: "1.0-1",
	}))
	assert.Equal(t, "foo", got.Pkgbase)
	assert.Equal(t, "1.0-1", got.Version)
}

func TestPostgresStore_LastRUsages(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping PostgreSQL test in short mode")
	}
	store, cleanup := setupTestPostgres(t)
	defer cleanup()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.Record(ctx, LogEntry{
		Pkgbase: "foo", StartedAt: now, FinishedAt: now.Add(10 * time.Second),
		Result: buildtypes.ResultSuccessful, Version: "1.0-1",
		RUsage: buildtypes.RUsage{CPUSeconds: 4.5, PeakMemoryByte: 1 << 20},
	}))

	usages, err := store.LastRUsages(ctx, 1)
	require.NoError(t, err)
	require.Contains(t, usages, "foo")
	require.Contains(t, usages["foo"], "1.0-1")
	assert.Equal(t, 4.5, usages["foo"]["1.0-1"].CPUSeconds)
}
