package history

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/archlinuxcn/lilac-bot/internal/buildtypes"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresConfig configures the PostgreSQL-backed Store.
type PostgresConfig struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// PostgresStore implements Store using PostgreSQL, grounded on the
// teacher's pkg/service/store.PostgresBuildStore.
type PostgresStore struct {
	pool   *pgxpool.Pool
	config PostgresConfig

	mu        sync.Mutex
	listeners []Listener
}

// RunMigrations applies all pending schema migrations.
func RunMigrations(dsn string) error {
	d, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, dsn)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// NewPostgresStore connects to dsn and returns a ready-to-use Store.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	if poolConfig.MaxConns == 0 {
		poolConfig.MaxConns = 10
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresStore{pool: pool, config: PostgresConfig{DSN: dsn}}, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) Record(ctx context.Context, entry LogEntry) error {
	reasonJSON, err := json.Marshal(entry.Reason)
	if err != nil {
		return fmt.Errorf("marshaling build reason: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO pkglog (pkgbase, batch_id, started_at, finished_at, result, version, error, reason, cpu_seconds, peak_memory_byte)
		VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.Pkgbase, entry.BatchID, entry.StartedAt, entry.FinishedAt, string(entry.Result), entry.Version, entry.Error,
		reasonJSON, entry.RUsage.CPUSeconds, entry.RUsage.PeakMemoryByte)
	if err != nil {
		return fmt.Errorf("inserting pkglog row: %w", err)
	}

	terminal := entry.Result == buildtypes.ResultSuccessful || entry.Result == buildtypes.ResultStaged
	_, err = tx.Exec(ctx, `
		INSERT INTO pkgcurrent (pkgbase, last_version, prev_version, last_result, last_success_at, last_attempt_at, consecutive_failures)
		VALUES ($1, $2, '', $3, CASE WHEN $4 THEN $5 ELSE NULL END, $5,
			CASE WHEN $6 THEN 1 ELSE 0 END)
		ON CONFLICT (pkgbase) DO UPDATE SET
			prev_version = CASE WHEN $4 AND $2 <> pkgcurrent.last_version THEN pkgcurrent.last_version ELSE pkgcurrent.prev_version END,
			last_version = CASE WHEN $4 THEN $2 ELSE pkgcurrent.last_version END,
			last_result = $3,
			last_success_at = CASE WHEN $4 THEN $5 ELSE pkgcurrent.last_success_at END,
			last_attempt_at = $5,
			consecutive_failures = CASE WHEN $4 THEN 0 ELSE pkgcurrent.consecutive_failures + 1 END
	`, entry.Pkgbase, entry.Version, string(entry.Result), terminal, entry.FinishedAt, entry.Result == buildtypes.ResultFailed)
	if err != nil {
		return fmt.Errorf("upserting pkgcurrent: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.mu.Lock()
	listeners := append([]Listener{}, s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		if l != nil {
			l(entry.Pkgbase, entry)
		}
	}
	return nil
}

func (s *PostgresStore) IsLastFailed(ctx context.Context, pkgbase string) (bool, error) {
	var result string
	err := s.pool.QueryRow(ctx, `SELECT last_result FROM pkgcurrent WHERE pkgbase = $1`, pkgbase).Scan(&result)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying pkgcurrent: %w", err)
	}
	return result == string(buildtypes.ResultFailed), nil
}

func (s *PostgresStore) LastTwoVersions(ctx context.Context, pkgbase string) (string, string, bool, error) {
	var last, prev string
	err := s.pool.QueryRow(ctx, `SELECT last_version, prev_version FROM pkgcurrent WHERE pkgbase = $1`, pkgbase).Scan(&last, &prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", false, nil
	}
	if err != nil {
		return "", "", false, fmt.Errorf("querying pkgcurrent: %w", err)
	}
	return last, prev, prev != "", nil
}

func (s *PostgresStore) LastSuccessTimes(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.pool.Query(ctx, `SELECT pkgbase, last_success_at FROM pkgcurrent WHERE last_success_at IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("querying pkgcurrent: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var pkgbase string
		var t time.Time
		if err := rows.Scan(&pkgbase, &t); err != nil {
			return nil, fmt.Errorf("scanning pkgcurrent row: %w", err)
		}
		out[pkgbase] = t
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastRUsages(ctx context.Context, n int) (buildtypes.Rusages, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pkgbase, version, cpu_seconds, peak_memory_byte, finished_at - started_at
		FROM (
			SELECT pkgbase, version, cpu_seconds, peak_memory_byte, finished_at, started_at,
				ROW_NUMBER() OVER (PARTITION BY pkgbase ORDER BY finished_at DESC) AS rn
			FROM pkglog
			WHERE result IN ('successful', 'staged', 'failed')
		) ranked
		WHERE rn <= $1
	`, n)
	if err != nil {
		return nil, fmt.Errorf("querying pkglog: %w", err)
	}
	defer rows.Close()

	out := make(buildtypes.Rusages)
	for rows.Next() {
		var pkgbase, version string
		var cpuSeconds float64
		var peakMemory int64
		var elapsed time.Duration
		if err := rows.Scan(&pkgbase, &version, &cpuSeconds, &peakMemory, &elapsed); err != nil {
			return nil, fmt.Errorf("scanning pkglog row: %w", err)
		}
		if out[pkgbase] == nil {
			out[pkgbase] = make(map[string]buildtypes.UsedResource)
		}
		out[pkgbase][version] = buildtypes.UsedResource{
			CPUSeconds:     cpuSeconds,
			PeakMemoryByte: uint64(peakMemory),
			Elapsed:        elapsed,
		}
	}
	return out, rows.Err()
}

func (s *PostgresStore) Current(ctx context.Context, pkgbase string) (CurrentState, bool, error) {
	var cur CurrentState
	cur.Pkgbase = pkgbase
	var lastSuccessAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT last_version, prev_version, last_result, last_success_at, last_attempt_at, consecutive_failures
		FROM pkgcurrent WHERE pkgbase = $1
	`, pkgbase).Scan(&cur.LastVersion, &cur.PrevVersion, &cur.LastResult, &lastSuccessAt, &cur.LastAttemptAt, &cur.ConsecutiveFailures)
	if errors.Is(err, pgx.ErrNoRows) {
		return CurrentState{}, false, nil
	}
	if err != nil {
		return CurrentState{}, false, fmt.Errorf("querying pkgcurrent: %w", err)
	}
	cur.LastSuccessAt = lastSuccessAt
	return cur, true, nil
}

func (s *PostgresStore) CreateBatch(ctx context.Context, pkgbases []string, startedAt time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO batches (started_at, pkgbases) VALUES ($1, $2) RETURNING id
	`, startedAt, pkgbases).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting batch: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) CloseBatch(ctx context.Context, batchID int64, endedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE batches SET ended_at = $1 WHERE id = $2`, endedAt, batchID)
	if err != nil {
		return fmt.Errorf("closing batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) Subscribe(listener Listener) func() {
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
