// Package jobs runs single-step jobs and multi-step workflow executions:
// invoke the model for each step, pay for it, and record its output.
package jobs

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rossigee/imageflow/internal/invoker"
	"github.com/rossigee/imageflow/internal/metrics"
	"github.com/rossigee/imageflow/internal/operations"
	"github.com/rossigee/imageflow/internal/storage"
	"github.com/rossigee/imageflow/internal/workflows"
	"github.com/rossigee/imageflow/pkg/types"
	"github.com/sirupsen/logrus"
)

// PreflightPolicy decides how much balance a run needs before it may start
type PreflightPolicy string

const (
	// PreflightFirstStep requires the balance to cover the first step only
	PreflightFirstStep PreflightPolicy = "first_step"
	// PreflightTotal requires the balance to cover every step
	PreflightTotal PreflightPolicy = "total"
)

// Store is the job and execution persistence the manager depends on
type Store interface {
	CreateJob(ctx context.Context, job *types.Job) error
	UpdateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ListJobs(ctx context.Context, filter storage.ListJobsFilter) ([]*types.Job, error)
	DeleteJob(ctx context.Context, id string) error
	CreateExecution(ctx context.Context, exec *types.WorkflowExecution, job *types.Job) error
	UpdateExecution(ctx context.Context, exec *types.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*types.WorkflowExecution, error)
	ListExecutions(ctx context.Context, ownerID, workflowID string, limit int) ([]*types.WorkflowExecution, error)
	GetWorkflow(ctx context.Context, id string) (*types.Workflow, error)
	IncrementWorkflowUsage(ctx context.Context, id string) error
	MarkInProgressFailed(ctx context.Context) (int64, error)
}

// Ledger is the credit ledger used to pay for steps
type Ledger interface {
	Debit(ctx context.Context, accountID string, amount int64, description string, metadata map[string]interface{}) (int64, *types.CreditTransaction, error)
	Credit(ctx context.Context, accountID string, amount int64, description string, metadata map[string]interface{}) (int64, *types.CreditTransaction, error)
	Balance(ctx context.Context, accountID string) (int64, error)
}

// VersionRecorder appends job output revisions
type VersionRecorder interface {
	Append(ctx context.Context, jobID, outputRef string, params map[string]interface{}, note string) (*types.Version, error)
}

// Config holds executor settings
type Config struct {
	MaxConcurrent   int
	RefundOnFailure bool
	Preflight       PreflightPolicy
	RunTimeout      time.Duration
}

// Deps groups the collaborators of the manager
type Deps struct {
	Store     Store
	Ledger    Ledger
	Versions  VersionRecorder
	Invoker   invoker.Invoker
	Catalog   *operations.Catalog
	Validator *workflows.Validator
	Metrics   *metrics.Collectors
}

// Manager starts and tracks jobs and workflow executions
type Manager struct {
	store     Store
	ledger    Ledger
	versions  VersionRecorder
	invoker   invoker.Invoker
	catalog   *operations.Catalog
	validator *workflows.Validator
	metrics   *metrics.Collectors

	cfg       Config
	semaphore chan struct{} // Limits concurrent runs
	active    atomic.Int64
	wg        sync.WaitGroup
	now       func() time.Time
}

// NewManager creates a new job manager
func NewManager(deps Deps, cfg Config) *Manager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Preflight == "" {
		cfg.Preflight = PreflightFirstStep
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}

	return &Manager{
		store:     deps.Store,
		ledger:    deps.Ledger,
		versions:  deps.Versions,
		invoker:   deps.Invoker,
		catalog:   deps.Catalog,
		validator: deps.Validator,
		metrics:   deps.Metrics,
		cfg:       cfg,
		semaphore: make(chan struct{}, cfg.MaxConcurrent),
		now:       time.Now,
	}
}

// StartJob validates and prices a single operation, records it as pending and
// runs it in the background. The returned job is a snapshot taken at creation.
func (m *Manager) StartJob(ctx context.Context, ownerID string, req types.JobRequest) (*types.Job, error) {
	op, ok := m.catalog.Lookup(req.Operation)
	if !ok {
		return nil, &types.WorkflowValidationError{Problems: fmt.Errorf("unknown operation %q", req.Operation)}
	}

	step := types.StepDefinition{
		OperationName: req.Operation,
		Parameters:    req.Parameters,
		CreditsCost:   op.CreditsCost,
	}
	if err := m.validator.Validate([]types.StepDefinition{step}); err != nil {
		return nil, err
	}
	if err := m.preflight(ctx, ownerID, []types.StepDefinition{step}); err != nil {
		return nil, err
	}

	now := m.now()
	job := &types.Job{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		OperationName: req.Operation,
		Status:        types.StatusPending,
		InputRef:      req.ImageRef,
		Parameters:    req.Parameters,
		CreditsCost:   op.CreditsCost,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	snapshot := *job
	m.launch(func(ctx context.Context) { m.runJob(ctx, job) })

	logrus.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"owner_id":  ownerID,
		"operation": job.OperationName,
		"cost":      job.CreditsCost,
	}).Info("Started job")

	return &snapshot, nil
}

// StartExecution validates a step list, either inline or copied from a stored
// workflow, and runs it in the background against req.ImageRef.
func (m *Manager) StartExecution(ctx context.Context, ownerID string, req types.ExecutionRequest) (*types.WorkflowExecution, error) {
	steps, err := m.resolveSteps(ctx, ownerID, req)
	if err != nil {
		return nil, err
	}
	if err := m.validator.Validate(steps); err != nil {
		return nil, err
	}
	if err := m.preflight(ctx, ownerID, steps); err != nil {
		return nil, err
	}

	now := m.now()
	total := types.TotalCredits(steps)
	job := &types.Job{
		ID:            uuid.New().String(),
		OwnerID:       ownerID,
		OperationName: types.WorkflowOperation,
		Status:        types.StatusProcessing,
		InputRef:      req.ImageRef,
		Parameters:    types.Parameters{"workflow_id": req.WorkflowID, "step_count": len(steps)},
		CreditsCost:   total,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	exec := &types.WorkflowExecution{
		ID:               uuid.New().String(),
		WorkflowID:       req.WorkflowID,
		OwnerID:          ownerID,
		JobID:            job.ID,
		Status:           types.StatusProcessing,
		CurrentStepIndex: 0,
		Steps:            steps,
		InputRef:         req.ImageRef,
		OutputRef:        req.ImageRef,
		TotalCredits:     total,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.CreateExecution(ctx, exec, job); err != nil {
		return nil, err
	}

	snapshot := *exec
	snapshot.Steps = workflows.CopySteps(steps)
	m.launch(func(ctx context.Context) { m.runExecution(ctx, exec, job) })

	logrus.WithFields(logrus.Fields{
		"execution_id":  exec.ID,
		"workflow_id":   exec.WorkflowID,
		"job_id":        job.ID,
		"owner_id":      ownerID,
		"steps":         len(steps),
		"total_credits": total,
	}).Info("Started workflow execution")

	return &snapshot, nil
}

func (m *Manager) resolveSteps(ctx context.Context, ownerID string, req types.ExecutionRequest) ([]types.StepDefinition, error) {
	if req.WorkflowID != "" && len(req.Steps) > 0 {
		return nil, &types.WorkflowValidationError{Problems: fmt.Errorf("give either workflow_id or steps, not both")}
	}
	if req.WorkflowID == "" {
		return workflows.CopySteps(req.Steps), nil
	}

	wf, err := m.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf.OwnerID != ownerID {
		return nil, types.NotFoundf("workflow %s", req.WorkflowID)
	}
	return workflows.CopySteps(wf.Steps), nil
}

// preflight rejects a run the account cannot start paying for
func (m *Manager) preflight(ctx context.Context, ownerID string, steps []types.StepDefinition) error {
	balance, err := m.ledger.Balance(ctx, ownerID)
	if err != nil {
		return err
	}

	required := steps[0].CreditsCost
	if m.cfg.Preflight == PreflightTotal {
		required = types.TotalCredits(steps)
	}
	if balance < required {
		return fmt.Errorf("balance %d is below the %d credits required: %w", balance, required, types.ErrInsufficientFunds)
	}
	return nil
}

// launch runs fn in the background under the concurrency limit
func (m *Manager) launch(fn func(ctx context.Context)) {
	m.active.Add(1)
	m.metrics.RunStarted()
	m.wg.Add(1)

	go func() {
		defer m.wg.Done()
		defer m.active.Add(-1)

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RunTimeout)
		defer cancel()

		select {
		case m.semaphore <- struct{}{}:
			defer func() { <-m.semaphore }()
		case <-ctx.Done():
		}

		fn(ctx)
	}()
}

// GetJob returns a job owned by ownerID
func (m *Manager) GetJob(ctx context.Context, ownerID, id string) (*types.Job, error) {
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerID != ownerID {
		return nil, types.NotFoundf("job %s", id)
	}
	return job, nil
}

// ListJobs returns jobs owned by ownerID, optionally filtered by status
func (m *Manager) ListJobs(ctx context.Context, ownerID, status string, limit, offset int) ([]*types.Job, error) {
	jobs, err := m.store.ListJobs(ctx, storage.ListJobsFilter{
		OwnerID: ownerID,
		Status:  status,
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	return jobs, nil
}

// DeleteJob removes a finished job and all of its versions
func (m *Manager) DeleteJob(ctx context.Context, ownerID, id string) error {
	if _, err := m.GetJob(ctx, ownerID, id); err != nil {
		return err
	}
	if err := m.store.DeleteJob(ctx, id); err != nil {
		return err
	}

	logrus.WithField("job_id", id).Info("Deleted job")
	return nil
}

// GetExecution returns an execution owned by ownerID
func (m *Manager) GetExecution(ctx context.Context, ownerID, id string) (*types.WorkflowExecution, error) {
	exec, err := m.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if exec.OwnerID != ownerID {
		return nil, types.NotFoundf("execution %s", id)
	}
	return exec, nil
}

// ListExecutions returns executions owned by ownerID. workflowID is optional.
func (m *Manager) ListExecutions(ctx context.Context, ownerID, workflowID string, limit int) ([]*types.WorkflowExecution, error) {
	execs, err := m.store.ListExecutions(ctx, ownerID, workflowID, limit)
	if err != nil {
		return nil, err
	}
	if execs == nil {
		execs = []*types.WorkflowExecution{}
	}
	return execs, nil
}

// ActiveRuns returns the number of jobs and executions started but not finished
func (m *Manager) ActiveRuns() int {
	return int(m.active.Load())
}

// RecoverInterrupted fails every run a previous process left unfinished.
// Interrupted runs are never resumed.
func (m *Manager) RecoverInterrupted(ctx context.Context) (int64, error) {
	return m.store.MarkInProgressFailed(ctx)
}

// Wait blocks until every started run has finished
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown waits for running work to finish or for ctx to expire
func (m *Manager) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d runs still active: %w", m.ActiveRuns(), ctx.Err())
	}
}
