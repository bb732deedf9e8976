// Package postgres is the durable run repository backend. Job results are
// stored as a JSONB document alongside the indexed run columns.
//
// Schema:
//
//	CREATE TABLE ci_runs (
//	    run_id        TEXT PRIMARY KEY,
//	    project       TEXT NOT NULL,
//	    workflow_file TEXT NOT NULL,
//	    status        TEXT NOT NULL,
//	    started_at    TIMESTAMPTZ NOT NULL,
//	    completed_at  TIMESTAMPTZ,
//	    jobs          JSONB NOT NULL DEFAULT '[]'
//	);
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quarry-labs/quarry-go/internal/domain"
	"github.com/quarry-labs/quarry-go/internal/repo"
)

// DB is the slice of database/sql used by the store; satisfied by *sql.DB
// and *sql.Tx.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const insertRunQuery = `INSERT INTO ci_runs (
	run_id,
	project,
	workflow_file,
	status,
	started_at,
	completed_at,
	jobs
) VALUES ($1,$2,$3,$4,$5,$6,$7)`

const selectRunQuery = `SELECT run_id, project, workflow_file, status, started_at, completed_at, jobs
FROM ci_runs
WHERE run_id = $1`

const updateRunQuery = `UPDATE ci_runs
SET status = $2, completed_at = $3, jobs = $4
WHERE run_id = $1`

type RunStore struct {
	db DB
}

var _ repo.RunRepository = (*RunStore)(nil)

func NewRunStore(db DB) *RunStore {
	if db == nil {
		return nil
	}
	return &RunStore{db: db}
}

func (s *RunStore) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	jobsJSON, err := encodeJobs(run.Jobs)
	if err != nil {
		return fmt.Errorf("encode jobs: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		insertRunQuery,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.Project),
		strings.TrimSpace(run.WorkflowFile),
		string(run.Status),
		run.StartedAt.UTC(),
		nullTimePtr(run.CompletedAt),
		jobsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(ctx, selectRunQuery, id)
	return scanRun(row.Scan)
}

func (s *RunStore) UpdateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	jobsJSON, err := encodeJobs(run.Jobs)
	if err != nil {
		return fmt.Errorf("encode jobs: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		updateRunQuery,
		strings.TrimSpace(run.ID),
		string(run.Status),
		nullTimePtr(run.CompletedAt),
		jobsJSON,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if affected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}

	clauses := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if strings.TrimSpace(filter.Project) != "" {
		args = append(args, strings.TrimSpace(filter.Project))
		clauses = append(clauses, fmt.Sprintf("project = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT run_id, project, workflow_file, status, started_at, completed_at, jobs FROM ci_runs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY started_at DESC, run_id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var status string
	var completedAt sql.NullTime
	var jobsJSON []byte
	if err := scan(&run.ID, &run.Project, &run.WorkflowFile, &status, &run.StartedAt, &completedAt, &jobsJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, repo.ErrNotFound
		}
		return domain.Run{}, err
	}
	run.Status = domain.NormalizeRunStatus(status)
	if completedAt.Valid {
		completed := completedAt.Time.UTC()
		run.CompletedAt = &completed
	}
	jobs, err := decodeJobs(jobsJSON)
	if err != nil {
		return domain.Run{}, fmt.Errorf("decode jobs: %w", err)
	}
	run.Jobs = jobs
	return run, nil
}

func encodeJobs(jobs []domain.JobResult) ([]byte, error) {
	if jobs == nil {
		jobs = []domain.JobResult{}
	}
	return json.Marshal(jobs)
}

func decodeJobs(raw []byte) ([]domain.JobResult, error) {
	if len(raw) == 0 {
		return []domain.JobResult{}, nil
	}
	var jobs []domain.JobResult
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []domain.JobResult{}
	}
	return jobs, nil
}

func nullTimePtr(value *time.Time) sql.NullTime {
	if value == nil || value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}
