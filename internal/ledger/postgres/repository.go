// Package postgres stores the run ledger in PostgreSQL through the pgx
// database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/duckmesh/duckpipe/internal/ledger"
)

const defaultListLimit = 20

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping ledger db: %w", err)
	}
	return nil
}

func (r *Repository) StartRun(ctx context.Context, in ledger.StartRunInput) (ledger.Run, error) {
	if in.RunID == "" {
		return ledger.Run{}, fmt.Errorf("run id is required")
	}

	query := `
INSERT INTO pipeline_run (run_id, job_name, query_text, output_path, status)
VALUES ($1, $2, $3, $4, 'running')
RETURNING started_at`
	run := ledger.Run{
		RunID:   in.RunID,
		JobName: in.JobName,
		Query:   in.Query,
		Output:  in.Output,
		Status:  ledger.StatusRunning,
	}
	if err := r.db.QueryRowContext(ctx, query, in.RunID, in.JobName, in.Query, in.Output).Scan(&run.StartedAt); err != nil {
		return ledger.Run{}, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

func (r *Repository) FinishRun(ctx context.Context, in ledger.FinishRunInput) (ledger.Run, error) {
	if !in.Status.Terminal() {
		return ledger.Run{}, fmt.Errorf("finish run: status %q is not terminal", in.Status)
	}

	query := `
UPDATE pipeline_run
SET status = $2, rows_written = $3, files_written = $4, bytes_written = $5, error_text = $6, finished_at = NOW()
WHERE run_id = $1
RETURNING job_name, query_text, output_path, started_at, finished_at`
	run := ledger.Run{
		RunID:  in.RunID,
		Status: in.Status,
		Rows:   in.Rows,
		Files:  in.Files,
		Bytes:  in.Bytes,
		Error:  in.Error,
	}
	var finishedAt sql.NullTime
	if err := r.db.QueryRowContext(ctx, query, in.RunID, string(in.Status), in.Rows, in.Files, in.Bytes, in.Error).Scan(
		&run.JobName,
		&run.Query,
		&run.Output,
		&run.StartedAt,
		&finishedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Run{}, ledger.ErrNotFound
		}
		return ledger.Run{}, fmt.Errorf("finish run: %w", err)
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

func (r *Repository) ListRuns(ctx context.Context, limit int) ([]ledger.Run, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT run_id, job_name, query_text, output_path, status, rows_written, files_written, bytes_written, error_text, started_at, finished_at
FROM pipeline_run
ORDER BY started_at DESC, run_id
LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []ledger.Run
	for rows.Next() {
		var (
			run        ledger.Run
			status     string
			finishedAt sql.NullTime
		)
		if err := rows.Scan(
			&run.RunID,
			&run.JobName,
			&run.Query,
			&run.Output,
			&status,
			&run.Rows,
			&run.Files,
			&run.Bytes,
			&run.Error,
			&run.StartedAt,
			&finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.Status = ledger.Status(status)
		if finishedAt.Valid {
			finished := finishedAt.Time
			run.FinishedAt = &finished
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

var _ ledger.Recorder = (*Repository)(nil)
