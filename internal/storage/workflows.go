package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rossigee/imageflow/pkg/types"
)

const workflowColumns = `id, owner_id, name, description, steps_json, total_credits,
	usage_count, created_at, updated_at`

const executionColumns = `id, workflow_id, owner_id, job_id, status, current_step_index,
	steps_json, input_ref, output_ref, total_credits, error_message, created_at, updated_at, completed_at`

// CreateWorkflow inserts a new workflow
func (s *Store) CreateWorkflow(ctx context.Context, wf *types.Workflow) error {
	stepsJSON, err := encodeJSON(wf.Steps)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO workflows
		 (id, owner_id, name, description, steps_json, total_credits, usage_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`),
		wf.ID,
		wf.OwnerID,
		wf.Name,
		wf.Description,
		stepsJSON,
		wf.TotalCredits,
		wf.CreatedAt.UnixMilli(),
		wf.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID
func (s *Store) GetWorkflow(ctx context.Context, id string) (*types.Workflow, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+workflowColumns+" FROM workflows WHERE id = ?"), id)
	wf, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("workflow %s", id)
		}
		return nil, fmt.Errorf("failed to query workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns the workflows owned by an account, newest first
func (s *Store) ListWorkflows(ctx context.Context, ownerID string) ([]*types.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT "+workflowColumns+" FROM workflows WHERE owner_id = ? ORDER BY created_at DESC"),
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer closeRows(rows)

	var workflows []*types.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		workflows = append(workflows, wf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}
	return workflows, nil
}

// UpdateWorkflow replaces a workflow's definition. Workflows referenced by a
// running execution cannot be edited.
func (s *Store) UpdateWorkflow(ctx context.Context, wf *types.Workflow) error {
	stepsJSON, err := encodeJSON(wf.Steps)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureWorkflowIdle(ctx, tx, wf.ID); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx,
			s.rebind(`UPDATE workflows
			 SET name = ?, description = ?, steps_json = ?, total_credits = ?, updated_at = ?
			 WHERE id = ?`),
			wf.Name,
			wf.Description,
			stepsJSON,
			wf.TotalCredits,
			wf.UpdatedAt.UnixMilli(),
			wf.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update workflow: %w", err)
		}
		if affected, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		} else if affected == 0 {
			return types.NotFoundf("workflow %s", wf.ID)
		}
		return nil
	})
}

// DeleteWorkflow removes a workflow. Past executions keep their copied steps.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureWorkflowIdle(ctx, tx, id); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, s.rebind("DELETE FROM workflows WHERE id = ?"), id)
		if err != nil {
			return fmt.Errorf("failed to delete workflow: %w", err)
		}
		if affected, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		} else if affected == 0 {
			return types.NotFoundf("workflow %s", id)
		}
		return nil
	})
}

// IncrementWorkflowUsage bumps the usage counter of a workflow
func (s *Store) IncrementWorkflowUsage(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE workflows SET usage_count = usage_count + 1 WHERE id = ?"),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to increment workflow usage: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	} else if affected == 0 {
		return types.NotFoundf("workflow %s", id)
	}
	return nil
}

func (s *Store) ensureWorkflowIdle(ctx context.Context, q querier, workflowID string) error {
	var running int
	err := q.QueryRowContext(ctx,
		s.rebind("SELECT COUNT(*) FROM workflow_executions WHERE workflow_id = ? AND status = ?"),
		workflowID, string(types.StatusProcessing),
	).Scan(&running)
	if err != nil {
		return fmt.Errorf("failed to check running executions: %w", err)
	}
	if running > 0 {
		return fmt.Errorf("workflow %s has %d running executions: %w", workflowID, running, types.ErrConflict)
	}
	return nil
}

// CreateExecution inserts an execution together with its backing job
func (s *Store) CreateExecution(ctx context.Context, exec *types.WorkflowExecution, job *types.Job) error {
	stepsJSON, err := encodeJSON(exec.Steps)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertJob(ctx, tx, job); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx,
			s.rebind(`INSERT INTO workflow_executions
			 (id, workflow_id, owner_id, job_id, status, current_step_index, steps_json, input_ref,
			  output_ref, total_credits, error_message, created_at, updated_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			exec.ID,
			exec.WorkflowID,
			exec.OwnerID,
			exec.JobID,
			string(exec.Status),
			exec.CurrentStepIndex,
			stepsJSON,
			exec.InputRef,
			exec.OutputRef,
			exec.TotalCredits,
			exec.Error,
			exec.CreatedAt.UnixMilli(),
			exec.UpdatedAt.UnixMilli(),
			timeToMillisPtr(exec.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert execution: %w", err)
		}
		return nil
	})
}

// UpdateExecution persists the progress fields of an execution
func (s *Store) UpdateExecution(ctx context.Context, exec *types.WorkflowExecution) error {
	result, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE workflow_executions
		 SET status = ?, current_step_index = ?, output_ref = ?, error_message = ?,
		     updated_at = ?, completed_at = ?
		 WHERE id = ?`),
		string(exec.Status),
		exec.CurrentStepIndex,
		exec.OutputRef,
		exec.Error,
		exec.UpdatedAt.UnixMilli(),
		timeToMillisPtr(exec.CompletedAt),
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if affected, err := result.RowsAffected(); err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	} else if affected == 0 {
		return types.NotFoundf("execution %s", exec.ID)
	}
	return nil
}

// GetExecution retrieves an execution by ID
func (s *Store) GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx, s.rebind("SELECT "+executionColumns+" FROM workflow_executions WHERE id = ?"), id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("execution %s", id)
		}
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns an account's executions, newest first. workflowID is optional.
func (s *Store) ListExecutions(ctx context.Context, ownerID, workflowID string, limit int) ([]*types.WorkflowExecution, error) {
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + executionColumns + " FROM workflow_executions WHERE owner_id = ?"
	args := []interface{}{ownerID}
	if workflowID != "" {
		query += " AND workflow_id = ?"
		args = append(args, workflowID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer closeRows(rows)

	var execs []*types.WorkflowExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		execs = append(execs, exec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return execs, nil
}

func scanWorkflow(row rowScanner) (*types.Workflow, error) {
	wf := &types.Workflow{}
	var stepsJSON string
	var createdAt, updatedAt int64

	if err := row.Scan(
		&wf.ID,
		&wf.OwnerID,
		&wf.Name,
		&wf.Description,
		&stepsJSON,
		&wf.TotalCredits,
		&wf.UsageCount,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stepsJSON), &wf.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode workflow steps: %w", err)
	}
	wf.CreatedAt = fromMillis(createdAt)
	wf.UpdatedAt = fromMillis(updatedAt)
	return wf, nil
}

func scanExecution(row rowScanner) (*types.WorkflowExecution, error) {
	exec := &types.WorkflowExecution{}
	var status, stepsJSON string
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	if err := row.Scan(
		&exec.ID,
		&exec.WorkflowID,
		&exec.OwnerID,
		&exec.JobID,
		&status,
		&exec.CurrentStepIndex,
		&stepsJSON,
		&exec.InputRef,
		&exec.OutputRef,
		&exec.TotalCredits,
		&exec.Error,
		&createdAt,
		&updatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(stepsJSON), &exec.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode execution steps: %w", err)
	}
	exec.Status = types.JobStatus(status)
	exec.CreatedAt = fromMillis(createdAt)
	exec.UpdatedAt = fromMillis(updatedAt)
	exec.CompletedAt = fromMillisPtr(completedAt)
	return exec, nil
}
