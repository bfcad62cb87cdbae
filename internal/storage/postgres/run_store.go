// Package postgres provides the Postgres-backed run history repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/ecfr-mirror/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	RunsTable       string
	TitlesTable     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository on Postgres.
type RunStore struct {
	pool   pgxPool
	runs   string
	titles string
}

// NewRunStore connects a pool using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewRunStoreWithPool(pool, cfg.RunsTable, cfg.TitlesTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRunStoreWithPool(pool pgxPool, runsTable, titlesTable string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if runsTable == "" {
		runsTable = "ingest_runs"
	}
	if titlesTable == "" {
		titlesTable = "ingest_run_titles"
	}
	for _, name := range []string{runsTable, titlesTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &RunStore{pool: pool, runs: runsTable, titles: titlesTable}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the run tables when they do not exist.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id uuid PRIMARY KEY,
	started_at timestamptz NOT NULL,
	finished_at timestamptz,
	status text NOT NULL,
	succeeded integer NOT NULL DEFAULT 0,
	failed integer NOT NULL DEFAULT 0,
	skipped integer NOT NULL DEFAULT 0,
	error_message text
);`, s.runs),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_started_at_idx ON %s (started_at DESC);`, s.runs, s.runs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	run_id uuid NOT NULL,
	title text NOT NULL,
	status text NOT NULL,
	bytes bigint NOT NULL DEFAULT 0,
	duration_ms bigint NOT NULL DEFAULT 0,
	error_message text,
	recorded_at timestamptz NOT NULL,
	PRIMARY KEY (run_id, title)
);`, s.titles),
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// StartRun inserts a running run; an existing row is left untouched.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, started_at, status)
		VALUES ($1::uuid, $2, $3)
		ON CONFLICT (id) DO NOTHING;`, s.runs)
	if _, err := s.pool.Exec(ctx, query, runID.String(), startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// FinishRun records the final status and counts, inserting the row when the
// start event never arrived.
func (s *RunStore) FinishRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	counts store.RunCounts,
	errMsg *string,
) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, started_at, finished_at, status, succeeded, failed, skipped, error_message)
		VALUES ($1::uuid, $2, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET finished_at = EXCLUDED.finished_at,
			status = EXCLUDED.status,
			succeeded = EXCLUDED.succeeded,
			failed = EXCLUDED.failed,
			skipped = EXCLUDED.skipped,
			error_message = EXCLUDED.error_message;`, s.runs)
	_, err := s.pool.Exec(ctx, query,
		runID.String(),
		finishedAt,
		string(status),
		counts.Succeeded,
		counts.Failed,
		counts.Skipped,
		errMsg,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// RecordTitles upserts per-title outcomes.
func (s *RunStore) RecordTitles(ctx context.Context, outcomes []store.TitleOutcome) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (run_id, title, status, bytes, duration_ms, error_message, recorded_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, title) DO UPDATE
		SET status = EXCLUDED.status,
			bytes = EXCLUDED.bytes,
			duration_ms = EXCLUDED.duration_ms,
			error_message = EXCLUDED.error_message,
			recorded_at = EXCLUDED.recorded_at;`, s.titles)
	for _, o := range outcomes {
		_, err := s.pool.Exec(ctx, query,
			o.RunID.String(),
			o.Title,
			string(o.Status),
			o.Bytes,
			o.Duration.Milliseconds(),
			o.ErrorMessage,
			o.At,
		)
		if err != nil {
			return fmt.Errorf("failed to record title %s: %w", o.Title, err)
		}
	}
	return nil
}

const runColumns = `id::text, started_at, finished_at, status, succeeded, failed, skipped, error_message`

// GetRun loads a single run.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1::uuid;`, runColumns, s.runs)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Run{}, store.ErrNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`, runColumns, s.runs)
	var filter *string
	if status != nil {
		value := string(*status)
		filter = &value
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []store.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListRunTitles returns the outcomes of one run. Numeric titles sort numerically.
func (s *RunStore) ListRunTitles(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.TitleOutcome, error) {
	query := fmt.Sprintf(`
		SELECT title, status, bytes, duration_ms, error_message, recorded_at
		FROM %s
		WHERE run_id = $1::uuid
		ORDER BY length(title), title
		LIMIT $2 OFFSET $3;`, s.titles)
	rows, err := s.pool.Query(ctx, query, runID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run titles: %w", err)
	}
	defer rows.Close()

	outcomes := []store.TitleOutcome{}
	for rows.Next() {
		var (
			o          store.TitleOutcome
			status     string
			durationMS int64
		)
		if err := rows.Scan(&o.Title, &status, &o.Bytes, &durationMS, &o.ErrorMessage, &o.At); err != nil {
			return nil, fmt.Errorf("failed to scan run title row: %w", err)
		}
		o.RunID = runID
		o.Status = store.TitleStatus(status)
		o.Duration = time.Duration(durationMS) * time.Millisecond
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run titles: %w", err)
	}
	return outcomes, nil
}

func scanRun(row pgx.Row) (store.Run, error) {
	var (
		run    store.Run
		id     string
		status string
	)
	err := row.Scan(
		&id,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Succeeded,
		&run.Failed,
		&run.Skipped,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.Run{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.Run{}, fmt.Errorf("parse run id %q: %w", id, err)
	}
	run.ID = parsed
	run.Status = store.RunStatus(status)
	return run, nil
}
