// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlsearch/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const jobColumns = `id, status, scope, caller_id, created_at, started_at, finished_at,
	frontier_remaining, in_flight, attempted, pages_indexed, failure_count, reason, error_text`

// JobStoreConfig controls the Postgres connection pool used for job rows.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore persists crawl jobs in Postgres.
type JobStore struct {
	pool  pool
	table string
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_jobs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the jobs table when it does not exist yet.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id                 TEXT PRIMARY KEY,
	status             TEXT NOT NULL,
	scope              JSONB NOT NULL,
	caller_id          TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	started_at         TIMESTAMPTZ,
	finished_at        TIMESTAMPTZ,
	frontier_remaining INTEGER NOT NULL DEFAULT 0,
	in_flight          INTEGER NOT NULL DEFAULT 0,
	attempted          INTEGER NOT NULL DEFAULT 0,
	pages_indexed      INTEGER NOT NULL DEFAULT 0,
	failure_count      INTEGER NOT NULL DEFAULT 0,
	reason             TEXT NOT NULL DEFAULT '',
	error_text         TEXT NOT NULL DEFAULT ''
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job crawler.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is required")
	}
	scope, err := json.Marshal(job.Scope)
	if err != nil {
		return fmt.Errorf("marshal scope: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		s.table, jobColumns)
	if _, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Status),
		scope,
		job.CallerID,
		job.CreatedAt,
		job.StartedAt,
		job.FinishedAt,
		job.FrontierRemaining,
		job.InFlight,
		job.Attempted,
		job.PagesIndexed,
		job.FailureCount,
		string(job.Reason),
		job.ErrorText,
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJob overwrites the mutable columns of an existing job row.
func (s *JobStore) UpdateJob(ctx context.Context, job crawler.Job) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	status = $2,
	started_at = $3,
	finished_at = $4,
	frontier_remaining = $5,
	in_flight = $6,
	attempted = $7,
	pages_indexed = $8,
	failure_count = $9,
	reason = $10,
	error_text = $11
WHERE id = $1`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Status),
		job.StartedAt,
		job.FinishedAt,
		job.FrontierRemaining,
		job.InFlight,
		job.Attempted,
		job.PagesIndexed,
		job.FailureCount,
		string(job.Reason),
		job.ErrorText,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update job %s: %w", job.ID, crawler.ErrNotFound)
	}
	return nil
}

// GetJob loads a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, jobColumns, s.table)
	job, err := scanJob(s.pool.QueryRow(ctx, query, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return job, nil
}

// ListJobs returns jobs in any of statuses (all jobs when none are given),
// oldest first.
func (s *JobStore) ListJobs(ctx context.Context, statuses ...crawler.JobStatus) ([]crawler.Job, error) {
	var (
		where string
		args  []any
	)
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = string(st)
		}
		where = " WHERE status = ANY($1)"
		args = append(args, names)
	}
	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY created_at, id`, jobColumns, s.table, where)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []crawler.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row pgx.Row) (crawler.Job, error) {
	var (
		job    crawler.Job
		status string
		reason string
		scope  []byte
	)
	if err := row.Scan(
		&job.ID,
		&status,
		&scope,
		&job.CallerID,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
		&job.FrontierRemaining,
		&job.InFlight,
		&job.Attempted,
		&job.PagesIndexed,
		&job.FailureCount,
		&reason,
		&job.ErrorText,
	); err != nil {
		return crawler.Job{}, err
	}
	parsed, err := crawler.ParseJobStatus(strings.TrimSpace(status))
	if err != nil {
		return crawler.Job{}, err
	}
	job.Status = parsed
	job.Reason = crawler.FailureReason(reason)
	if err := json.Unmarshal(scope, &job.Scope); err != nil {
		return crawler.Job{}, fmt.Errorf("decode scope: %w", err)
	}
	return job, nil
}
