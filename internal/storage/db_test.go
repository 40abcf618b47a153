package storage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rossigee/imageflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close() // Ignore error in test
	})
	return store
}

func newTestJob(id string, status types.JobStatus) *types.Job {
	now := time.Now()
	return &types.Job{
		ID:            id,
		OwnerID:       "owner-1",
		OperationName: "upscale",
		Status:        status,
		InputRef:      "https://blobs.example.com/in.png",
		Parameters:    types.Parameters{"scale": float64(2)},
		CreditsCost:   5,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestNewStore_InMemory(t *testing.T) {
	store := newTestStore(t)
	assert.NotNil(t, store.db)

	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestNewStore_FilePath(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "test-*.db")
	require.NoError(t, err)
	func() {
		_ = tmpFile.Close() // Ignore error in test
	}()
	defer func() {
		_ = os.Remove(tmpFile.Name()) // Ignore error in test
	}()

	store, err := NewStore(tmpFile.Name())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopening must not re-apply migrations
	store, err = NewStore(tmpFile.Name())
	require.NoError(t, err)
	defer func() {
		_ = store.Close() // Ignore error in test
	}()

	version, err := store.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "whatever")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestRebind(t *testing.T) {
	sqlite := &Store{driver: DriverSQLite}
	postgres := &Store{driver: DriverPostgres}

	query := "SELECT 1 FROM jobs WHERE id = ? AND status = ?"
	assert.Equal(t, query, sqlite.rebind(query))
	assert.Equal(t, "SELECT 1 FROM jobs WHERE id = $1 AND status = $2", postgres.rebind(query))
}

func TestCreateJob_AndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("test-job-1", types.StatusPending)
	require.NoError(t, store.CreateJob(ctx, job))

	retrieved, err := store.GetJob(ctx, "test-job-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, retrieved.ID)
	assert.Equal(t, job.Status, retrieved.Status)
	assert.Equal(t, job.InputRef, retrieved.InputRef)
	assert.Equal(t, types.Parameters{"scale": float64(2)}, retrieved.Parameters)
	assert.Nil(t, retrieved.CompletedAt)
}

func TestUpdateJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("test-job-2", types.StatusPending)
	require.NoError(t, store.CreateJob(ctx, job))

	completed := time.Now()
	job.Status = types.StatusCompleted
	job.OutputRef = "https://blobs.example.com/out.png"
	job.UpdatedAt = completed
	job.CompletedAt = &completed
	require.NoError(t, store.UpdateJob(ctx, job))

	retrieved, err := store.GetJob(ctx, "test-job-2")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, retrieved.Status)
	assert.Equal(t, job.OutputRef, retrieved.OutputRef)
	require.NotNil(t, retrieved.CompletedAt)
	assert.Equal(t, completed.UnixMilli(), retrieved.CompletedAt.UnixMilli())
}

func TestUpdateJob_NotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateJob(context.Background(), newTestJob("missing", types.StatusFailed))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestGetJob_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetJob(context.Background(), "nonexistent")
	assert.Error(t, err)
	assert.True(t, types.IsNotFound(err))
	assert.Contains(t, err.Error(), "job nonexistent")
}

func TestListJobs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := newTestJob("job-"+string(rune('0'+i)), types.StatusCompleted)
		if i == 4 {
			job.OwnerID = "owner-2"
		}
		require.NoError(t, store.CreateJob(ctx, job))
	}

	jobs, err := store.ListJobs(ctx, ListJobsFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, len(jobs))

	jobs, err = store.ListJobs(ctx, ListJobsFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, len(jobs))

	jobs, err = store.ListJobs(ctx, ListJobsFilter{OwnerID: "owner-1"})
	require.NoError(t, err)
	assert.Equal(t, 4, len(jobs))

	jobs, err = store.ListJobs(ctx, ListJobsFilter{Status: string(types.StatusPending)})
	require.NoError(t, err)
	assert.Equal(t, 0, len(jobs))
}

func TestDeleteJob_CascadesVersions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-del", types.StatusCompleted)
	require.NoError(t, store.CreateJob(ctx, job))
	_, err := store.AppendVersion(ctx, job.ID, "ref-1", nil, "")
	require.NoError(t, err)
	_, err = store.AppendVersion(ctx, job.ID, "ref-2", nil, "")
	require.NoError(t, err)

	require.NoError(t, store.DeleteJob(ctx, job.ID))

	_, err = store.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	versions, err := store.ListVersions(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestDeleteJob_RejectsRunningJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := newTestJob("job-running", types.StatusProcessing)
	require.NoError(t, store.CreateJob(ctx, job))

	err := store.DeleteJob(ctx, job.ID)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestMarkInProgressFailed(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, newTestJob("processing-1", types.StatusProcessing)))
	require.NoError(t, store.CreateJob(ctx, newTestJob("pending-1", types.StatusPending)))
	require.NoError(t, store.CreateJob(ctx, newTestJob("completed-1", types.StatusCompleted)))

	backing := newTestJob("backing-1", types.StatusProcessing)
	exec := &types.WorkflowExecution{
		ID:        "exec-1",
		OwnerID:   "owner-1",
		JobID:     backing.ID,
		Status:    types.StatusProcessing,
		Steps:     []types.StepDefinition{{OperationName: "upscale", CreditsCost: 1}},
		InputRef:  "in",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, store.CreateExecution(ctx, exec, backing))

	count, err := store.MarkInProgressFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)

	retrieved, err := store.GetJob(ctx, "processing-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, retrieved.Status)
	assert.Contains(t, retrieved.Error, "service restarted")
	assert.NotNil(t, retrieved.CompletedAt)

	retrieved, err = store.GetJob(ctx, "completed-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, retrieved.Status)

	retrievedExec, err := store.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, retrievedExec.Status)
	assert.NotEmpty(t, retrievedExec.Error)
}

func TestGetJobCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateJob(ctx, newTestJob("a", types.StatusProcessing)))
	require.NoError(t, store.CreateJob(ctx, newTestJob("b", types.StatusProcessing)))
	require.NoError(t, store.CreateJob(ctx, newTestJob("c", types.StatusFailed)))

	count, err := store.GetJobCount(ctx, types.StatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
