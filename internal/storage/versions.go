package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rossigee/imageflow/pkg/types"
)

// AppendVersion records a new output revision for a job. The version number
// comes from a per-job counter incremented in the same transaction as the
// insert, so numbers are never duplicated or reused after deletions.
func (s *Store) AppendVersion(
	ctx context.Context,
	jobID, outputRef string,
	params map[string]interface{},
	note string,
) (*types.Version, error) {
	var version *types.Version
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		v, err := s.appendVersion(ctx, tx, jobID, outputRef, params, note)
		if err != nil {
			return err
		}
		version = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return version, nil
}

func (s *Store) appendVersion(
	ctx context.Context,
	tx *sql.Tx,
	jobID, outputRef string,
	params map[string]interface{},
	note string,
) (*types.Version, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	paramsJSON, err := encodeJSON(params)
	if err != nil {
		return nil, err
	}

	now := s.nowMillis()

	// Locks the job row for the rest of the transaction
	var next int
	err = tx.QueryRowContext(ctx,
		s.rebind(`UPDATE jobs SET version_seq = version_seq + 1, updated_at = ?
		 WHERE id = ?
		 RETURNING version_seq`),
		now, jobID,
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NotFoundf("job %s", jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to allocate version number: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO job_versions (job_id, version, output_ref, parameters_json, note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`),
		jobID, next, outputRef, paramsJSON, note, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert version: %w", err)
	}

	return &types.Version{
		JobID:      jobID,
		Version:    next,
		OutputRef:  outputRef,
		Parameters: params,
		Note:       note,
		CreatedAt:  fromMillis(now),
	}, nil
}

// ListVersions returns all versions of a job, highest version first
func (s *Store) ListVersions(ctx context.Context, jobID string) ([]types.Version, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT job_id, version, output_ref, parameters_json, note, created_at
		 FROM job_versions WHERE job_id = ?
		 ORDER BY version DESC`),
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}
	defer closeRows(rows)

	var versions []types.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, *v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating versions: %w", err)
	}

	return versions, nil
}

// GetVersion retrieves one version of a job
func (s *Store) GetVersion(ctx context.Context, jobID string, version int) (*types.Version, error) {
	return s.getVersion(ctx, s.db, jobID, version)
}

func (s *Store) getVersion(ctx context.Context, q querier, jobID string, version int) (*types.Version, error) {
	row := q.QueryRowContext(ctx,
		s.rebind(`SELECT job_id, version, output_ref, parameters_json, note, created_at
		 FROM job_versions WHERE job_id = ? AND version = ?`),
		jobID, version,
	)
	v, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.NotFoundf("version %d of job %s", version, jobID)
		}
		return nil, fmt.Errorf("failed to query version: %w", err)
	}
	return v, nil
}

// RestoreVersion points the job's output at an earlier version and records
// the restoration as a new version. Nothing is overwritten in the history.
func (s *Store) RestoreVersion(ctx context.Context, jobID string, version int, note string) (*types.Job, *types.Version, error) {
	var job *types.Job
	var restored *types.Version

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !current.Status.IsTerminal() {
			return fmt.Errorf("job %s is %s: %w", jobID, current.Status, types.ErrConflict)
		}

		target, err := s.getVersion(ctx, tx, jobID, version)
		if err != nil {
			return err
		}

		restored, err = s.appendVersion(ctx, tx, jobID, target.OutputRef, target.Parameters, note)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			s.rebind("UPDATE jobs SET output_ref = ?, updated_at = ? WHERE id = ?"),
			target.OutputRef, restored.CreatedAt.UnixMilli(), jobID,
		); err != nil {
			return fmt.Errorf("failed to update job output: %w", err)
		}

		job, err = s.getJob(ctx, tx, jobID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return job, restored, nil
}

// DeleteVersion removes one version of a job. The last remaining version
// can never be deleted.
func (s *Store) DeleteVersion(ctx context.Context, jobID string, version int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		// Lock the job row so concurrent deletes observe each other's counts
		result, err := tx.ExecContext(ctx,
			s.rebind("UPDATE jobs SET updated_at = ? WHERE id = ?"),
			s.nowMillis(), jobID,
		)
		if err != nil {
			return fmt.Errorf("failed to lock job: %w", err)
		}
		if affected, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get affected rows: %w", err)
		} else if affected == 0 {
			return types.NotFoundf("job %s", jobID)
		}

		if _, err := s.getVersion(ctx, tx, jobID, version); err != nil {
			return err
		}

		var count int
		if err := tx.QueryRowContext(ctx,
			s.rebind("SELECT COUNT(*) FROM job_versions WHERE job_id = ?"),
			jobID,
		).Scan(&count); err != nil {
			return fmt.Errorf("failed to count versions: %w", err)
		}
		if count <= 1 {
			return fmt.Errorf("cannot delete the only version of job %s: %w", jobID, types.ErrInvariantViolation)
		}

		if _, err := tx.ExecContext(ctx,
			s.rebind("DELETE FROM job_versions WHERE job_id = ? AND version = ?"),
			jobID, version,
		); err != nil {
			return fmt.Errorf("failed to delete version: %w", err)
		}
		return nil
	})
}

// SetVersionNote replaces the note on an existing version
func (s *Store) SetVersionNote(ctx context.Context, jobID string, version int, note string) (*types.Version, error) {
	result, err := s.db.ExecContext(ctx,
		s.rebind("UPDATE job_versions SET note = ? WHERE job_id = ? AND version = ?"),
		note, jobID, version,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update version note: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return nil, types.NotFoundf("version %d of job %s", version, jobID)
	}

	return s.GetVersion(ctx, jobID, version)
}

func scanVersion(row rowScanner) (*types.Version, error) {
	v := &types.Version{}
	var paramsJSON string
	var createdAt int64

	if err := row.Scan(&v.JobID, &v.Version, &v.OutputRef, &paramsJSON, &v.Note, &createdAt); err != nil {
		return nil, err
	}

	params, err := decodeMap(paramsJSON)
	if err != nil {
		return nil, err
	}
	v.Parameters = params
	v.CreatedAt = fromMillis(createdAt)
	return v, nil
}
