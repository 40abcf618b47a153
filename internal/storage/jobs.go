package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rossigee/imageflow/pkg/types"
	"github.com/sirupsen/logrus"
)

const jobColumns = `id, owner_id, operation_name, status, input_ref, output_ref,
	parameters_json, credits_cost, error_message, created_at, updated_at, completed_at`

// ListJobsFilter defines filtering options for ListJobs
type ListJobsFilter struct {
	OwnerID string // optional: filter by owner
	Status  string // optional: filter by status
	Limit   int    // default: 100
	Offset  int    // default: 0
}

// CreateJob inserts a new job record
func (s *Store) CreateJob(ctx context.Context, job *types.Job) error {
	return s.insertJob(ctx, s.db, job)
}

func (s *Store) insertJob(ctx context.Context, q querier, job *types.Job) error {
	paramsJSON, err := encodeJSON(job.Parameters)
	if err != nil {
		return err
	}

	_, err = q.ExecContext(ctx,
		s.rebind(`INSERT INTO jobs
		 (id, owner_id, operation_name, status, input_ref, output_ref, parameters_json,
		  credits_cost, error_message, version_seq, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`),
		job.ID,
		job.OwnerID,
		job.OperationName,
		string(job.Status),
		job.InputRef,
		job.OutputRef,
		paramsJSON,
		job.CreditsCost,
		job.Error,
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
		timeToMillisPtr(job.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// UpdateJob persists the mutable lifecycle fields of a job
func (s *Store) UpdateJob(ctx context.Context, job *types.Job) error {
	result, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE jobs
		 SET status = ?, output_ref = ?, error_message = ?, updated_at = ?, completed_at = ?
		 WHERE id = ?`),
		string(job.Status),
		job.OutputRef,
		job.Error,
		job.UpdatedAt.UnixMilli(),
		timeToMillisPtr(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return types.NotFoundf("job %s", job.ID)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	return s.getJob(ctx, s.db, id)
}

func (s *Store) getJob(ctx context.Context, q querier, id string) (*types.Job, error) {
	row := q.QueryRowContext(ctx, s.rebind("SELECT "+jobColumns+" FROM jobs WHERE id = ?"), id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("job %s", id)
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

// ListJobs retrieves jobs with optional filtering, most recently updated first
func (s *Store) ListJobs(ctx context.Context, filter ListJobsFilter) ([]*types.Job, error) {
	if filter.Limit == 0 {
		filter.Limit = 100
	}
	if filter.Limit > 10000 {
		filter.Limit = 10000 // Cap limit to prevent excessive queries
	}

	query := "SELECT " + jobColumns + " FROM jobs WHERE 1 = 1"
	args := []interface{}{}

	if filter.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	query += " ORDER BY updated_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer closeRows(rows)

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}

// DeleteJob removes a finished job together with all of its versions
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		job, err := s.getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if !job.Status.IsTerminal() {
			return fmt.Errorf("job %s is %s: %w", id, job.Status, types.ErrConflict)
		}

		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM job_versions WHERE job_id = ?"), id); err != nil {
			return fmt.Errorf("failed to delete job versions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind("DELETE FROM jobs WHERE id = ?"), id); err != nil {
			return fmt.Errorf("failed to delete job: %w", err)
		}
		return nil
	})
}

// MarkInProgressFailed marks all pending/processing jobs and executions as
// failed (called at startup). Interrupted runs are never resumed.
func (s *Store) MarkInProgressFailed(ctx context.Context) (int64, error) {
	now := s.nowMillis()
	var total int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE jobs
			 SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
			 WHERE status IN (?, ?)`),
			string(types.StatusFailed),
			"service restarted while job in progress",
			now,
			now,
			string(types.StatusProcessing),
			string(types.StatusPending),
		)
		if err != nil {
			return fmt.Errorf("failed to mark in-progress jobs as failed: %w", err)
		}
		jobsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}

		result, err = tx.ExecContext(ctx,
			s.rebind(`UPDATE workflow_executions
			 SET status = ?, error_message = ?, updated_at = ?, completed_at = ?
			 WHERE status = ?`),
			string(types.StatusFailed),
			"service restarted while execution in progress",
			now,
			now,
			string(types.StatusProcessing),
		)
		if err != nil {
			return fmt.Errorf("failed to mark in-progress executions as failed: %w", err)
		}
		execsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		}

		total = jobsAffected + execsAffected
		return nil
	})
	if err != nil {
		return 0, err
	}

	if total > 0 {
		logrus.WithField("count", total).Warn("Marked interrupted runs as failed")
	}
	return total, nil
}

// GetJobCount returns the count of jobs with a given status
func (s *Store) GetJobCount(ctx context.Context, status types.JobStatus) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM jobs WHERE status = ?"), string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get job count: %w", err)
	}

	return count, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*types.Job, error) {
	job := &types.Job{}
	var status, paramsJSON string
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.OperationName,
		&status,
		&job.InputRef,
		&job.OutputRef,
		&paramsJSON,
		&job.CreditsCost,
		&job.Error,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	params, err := decodeMap(paramsJSON)
	if err != nil {
		return nil, err
	}

	job.Status = types.JobStatus(status)
	job.Parameters = params
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	job.CompletedAt = fromMillisPtr(completedAt)
	return job, nil
}
