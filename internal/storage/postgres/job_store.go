// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/grocerlabs/pricescout/internal/pricing"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

func newPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
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
	return pool, nil
}

// JobStore persists jobs in the `jobs` table.
type JobStore struct {
	pool pgxPool
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	pool, err := newPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: pool}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(pool pgxPool) (*JobStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &JobStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateJob inserts a new job row.
func (s *JobStore) CreateJob(ctx context.Context, job pricing.Job) error {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal job options: %w", err)
	}
	query := `
INSERT INTO jobs (
	id, job_type, status, progress, input_summary, options,
	cancel_requested, logs, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,'[]'::jsonb,$8)`
	_, err = s.pool.Exec(ctx, query,
		job.ID, job.Type, job.Status, job.Progress,
		job.InputSummary, opts, job.CancelRequested, job.Created,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job row by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (pricing.Job, error) {
	query := `
SELECT id, job_type, status, progress, input_summary, options,
	output_data, error_message, cancel_requested, logs,
	created_at, started_at, completed_at
FROM jobs WHERE id = $1`

	var (
		job       pricing.Job
		optsRaw   []byte
		outputRaw []byte
		logsRaw   []byte
		errText   *string
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &job.Type, &job.Status, &job.Progress,
		&job.InputSummary, &optsRaw, &outputRaw, &errText,
		&job.CancelRequested, &logsRaw,
		&job.Created, &job.Started, &job.Completed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pricing.Job{}, pricing.ErrJobNotFound
		}
		return pricing.Job{}, fmt.Errorf("select job: %w", err)
	}
	if len(optsRaw) > 0 {
		if err := json.Unmarshal(optsRaw, &job.Options); err != nil {
			return pricing.Job{}, fmt.Errorf("decode job options: %w", err)
		}
	}
	if len(outputRaw) > 0 {
		job.Output = json.RawMessage(outputRaw)
	}
	if len(logsRaw) > 0 {
		if err := json.Unmarshal(logsRaw, &job.Logs); err != nil {
			return pricing.Job{}, fmt.Errorf("decode job logs: %w", err)
		}
	}
	if errText != nil {
		job.ErrorText = *errText
	}
	return job, nil
}

// MarkProcessing flips a pending job to processing and records the start time once.
func (s *JobStore) MarkProcessing(ctx context.Context, jobID string, startedAt time.Time) error {
	query := `
UPDATE jobs SET status = $2, started_at = COALESCE(started_at, $3)
WHERE id = $1 AND status IN ('pending','processing')`
	tag, err := s.pool.Exec(ctx, query, jobID, pricing.JobStatusProcessing, startedAt)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.notUpdated(ctx, jobID)
	}
	return nil
}

// UpdateProgress writes a progress value; decreases and terminal jobs are ignored.
func (s *JobStore) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	if progress > 100 {
		progress = 100
	}
	query := `
UPDATE jobs SET progress = $2
WHERE id = $1 AND progress < $2 AND status IN ('pending','processing')`
	tag, err := s.pool.Exec(ctx, query, jobID, progress)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Could be a decrease, a terminal job, or a missing row. Only the
		// last one is an error.
		if _, err := s.statusOf(ctx, jobID); err != nil {
			return err
		}
	}
	return nil
}

// AppendLog attaches one structured log line to the job's log array.
func (s *JobStore) AppendLog(ctx context.Context, jobID string, line pricing.LogLine) error {
	payload, err := json.Marshal([]pricing.LogLine{line})
	if err != nil {
		return fmt.Errorf("marshal log line: %w", err)
	}
	query := `UPDATE jobs SET logs = logs || $2::jsonb WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, jobID, payload)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pricing.ErrJobNotFound
	}
	return nil
}

// RequestCancel sets the cooperative cancellation flag on a running job.
func (s *JobStore) RequestCancel(ctx context.Context, jobID string) error {
	query := `
UPDATE jobs SET cancel_requested = TRUE
WHERE id = $1 AND status IN ('pending','processing')`
	tag, err := s.pool.Exec(ctx, query, jobID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.notUpdated(ctx, jobID)
	}
	return nil
}

// IsCancelRequested reads the cancellation flag.
func (s *JobStore) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM jobs WHERE id = $1`, jobID).Scan(&cancelled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, pricing.ErrJobNotFound
		}
		return false, fmt.Errorf("select cancel flag: %w", err)
	}
	return cancelled, nil
}

// CompleteJob writes the terminal status exactly once.
func (s *JobStore) CompleteJob(ctx context.Context, jobID string, status pricing.JobStatus, output json.RawMessage, errText string, at time.Time) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	var errPtr *string
	if errText != "" {
		errPtr = &errText
	}
	query := `
UPDATE jobs SET status = $2, output_data = $3, error_message = $4,
	completed_at = $5,
	progress = CASE WHEN $2 = 'completed' THEN 100 ELSE progress END
WHERE id = $1 AND status IN ('pending','processing')`
	tag, err := s.pool.Exec(ctx, query, jobID, status, []byte(output), errPtr, at)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.notUpdated(ctx, jobID)
	}
	return nil
}

// notUpdated maps a zero-row update to the right sentinel.
func (s *JobStore) notUpdated(ctx context.Context, jobID string) error {
	status, err := s.statusOf(ctx, jobID)
	if err != nil {
		return err
	}
	if status.IsTerminal() {
		return pricing.ErrJobTerminal
	}
	return fmt.Errorf("job %s not updated in status %q", jobID, status)
}

func (s *JobStore) statusOf(ctx context.Context, jobID string) (pricing.JobStatus, error) {
	var status pricing.JobStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", pricing.ErrJobNotFound
		}
		return "", fmt.Errorf("select job status: %w", err)
	}
	return status, nil
}
