package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rossigee/imageflow/internal/credits"
	"github.com/rossigee/imageflow/internal/invoker"
	"github.com/rossigee/imageflow/internal/metrics"
	"github.com/rossigee/imageflow/internal/operations"
	"github.com/rossigee/imageflow/internal/storage"
	"github.com/rossigee/imageflow/internal/versions"
	"github.com/rossigee/imageflow/internal/workflows"
	"github.com/rossigee/imageflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "acct-1"

// fakeInvoker records every call and fails the operations listed in failOn
type fakeInvoker struct {
	mu     sync.Mutex
	calls  []string
	inputs []string
	failOn map[string]string
}

func newFakeInvoker(failOn map[string]string) *fakeInvoker {
	if failOn == nil {
		failOn = map[string]string{}
	}
	return &fakeInvoker{failOn: failOn}
}

func (f *fakeInvoker) Invoke(_ context.Context, imageRef, operation string, _ map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, operation)
	f.inputs = append(f.inputs, imageRef)
	if msg, ok := f.failOn[operation]; ok {
		return "", errors.New(msg)
	}
	return fmt.Sprintf("%s>%s", imageRef, operation), nil
}

func (f *fakeInvoker) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	mgr      *Manager
	store    *storage.Store
	ledger   *credits.Ledger
	versions *versions.Ledger
	invoker  *fakeInvoker
	metrics  *metrics.Collectors
}

func newHarness(t *testing.T, startingCredits int64, cfg Config, inv *fakeInvoker) *harness {
	t.Helper()
	store, err := storage.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close() // Ignore error in test
	})

	ctx := context.Background()
	_, err = store.CreateAccount(ctx, owner)
	require.NoError(t, err)
	_, err = store.CreateAccount(ctx, "acct-2")
	require.NoError(t, err)

	collectors := metrics.New()
	ledger := credits.NewLedger(store, collectors)
	if startingCredits > 0 {
		_, _, err = ledger.Credit(ctx, owner, startingCredits, "initial grant", nil)
		require.NoError(t, err)
	}

	catalog := operations.Default()
	vl := versions.NewLedger(store, collectors)
	mgr := NewManager(Deps{
		Store:     store,
		Ledger:    ledger,
		Versions:  vl,
		Invoker:   inv,
		Catalog:   catalog,
		Validator: workflows.NewValidator(catalog),
		Metrics:   collectors,
	}, cfg)

	return &harness{mgr: mgr, store: store, ledger: ledger, versions: vl, invoker: inv, metrics: collectors}
}

func steps(costs map[int]int64, ops ...string) []types.StepDefinition {
	out := make([]types.StepDefinition, len(ops))
	for i, op := range ops {
		out[i] = types.StepDefinition{OperationName: op, CreditsCost: costs[i]}
	}
	return out
}

// executionDebits returns the debits recorded against one execution
func (h *harness) executionDebits(t *testing.T, execID string) []types.CreditTransaction {
	t.Helper()
	history, err := h.ledger.History(context.Background(), owner, 1000)
	require.NoError(t, err)

	var out []types.CreditTransaction
	for _, txn := range history {
		if txn.Delta < 0 && txn.Metadata["execution_id"] == execID {
			out = append(out, txn)
		}
	}
	return out
}

func (h *harness) runExecution(t *testing.T, req types.ExecutionRequest) *types.WorkflowExecution {
	t.Helper()
	ctx := context.Background()

	started, err := h.mgr.StartExecution(ctx, owner, req)
	require.NoError(t, err)
	assert.Equal(t, types.StatusProcessing, started.Status)
	h.mgr.Wait()

	exec, err := h.mgr.GetExecution(ctx, owner, started.ID)
	require.NoError(t, err)
	return exec
}

func TestExecution_ScenarioThirdStepFails(t *testing.T) {
	inv := newFakeInvoker(map[string]string{"relight": "model timed out"})
	h := newHarness(t, 20, Config{}, inv)

	exec := h.runExecution(t, types.ExecutionRequest{
		ImageRef: "in.png",
		Steps:    steps(map[int]int64{0: 5, 1: 10, 2: 10}, "enhance", "upscale", "relight"),
	})

	assert.Equal(t, types.StatusFailed, exec.Status)
	assert.Equal(t, 2, exec.CurrentStepIndex)
	assert.Equal(t, "model timed out", exec.Error)
	assert.Equal(t, "in.png>enhance>upscale", exec.OutputRef)

	balance, err := h.ledger.Balance(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)
	assert.Len(t, h.executionDebits(t, exec.ID), 2)

	job, err := h.mgr.GetJob(context.Background(), owner, exec.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, "in.png>enhance>upscale", job.OutputRef)

	history, err := h.versions.List(context.Background(), exec.JobID)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestExecution_StopsAtFailingStep(t *testing.T) {
	inv := newFakeInvoker(map[string]string{"colorize": "grayscale input required"})
	h := newHarness(t, 100, Config{}, inv)

	exec := h.runExecution(t, types.ExecutionRequest{
		ImageRef: "in.png",
		Steps:    steps(map[int]int64{0: 5, 1: 5, 2: 10}, "enhance", "colorize", "upscale"),
	})

	assert.Equal(t, types.StatusFailed, exec.Status)
	assert.Equal(t, 1, exec.CurrentStepIndex)
	assert.NotEmpty(t, exec.Error)
	assert.Equal(t, []string{"enhance", "colorize"}, inv.Calls())
	assert.Len(t, h.executionDebits(t, exec.ID), 1)
}

func TestExecution_CreditAccounting(t *testing.T) {
	inv := newFakeInvoker(nil)
	h := newHarness(t, 100, Config{}, inv)
	ctx := context.Background()

	svc := workflows.NewService(h.store, workflows.NewValidator(operations.Default()))
	wf, err := svc.Create(ctx, owner, types.WorkflowRequest{
		Name:  "portrait",
		Steps: steps(map[int]int64{0: 8, 1: 5, 2: 10}, "restore_face", "colorize", "upscale"),
	})
	require.NoError(t, err)

	exec := h.runExecution(t, types.ExecutionRequest{WorkflowID: wf.ID, ImageRef: "in.png"})

	assert.Equal(t, types.StatusCompleted, exec.Status)
	assert.Equal(t, 3, exec.CurrentStepIndex)
	assert.Equal(t, "in.png>restore_face>colorize>upscale", exec.OutputRef)
	assert.Empty(t, exec.Error)
	require.NotNil(t, exec.CompletedAt)

	var debited int64
	for _, txn := range h.executionDebits(t, exec.ID) {
		debited -= txn.Delta
		assert.Contains(t, txn.Description, "workflow "+wf.ID+" step")
	}
	assert.Equal(t, wf.TotalCredits, debited)

	balance, err := h.ledger.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(100)-wf.TotalCredits, balance)

	history, err := h.versions.List(ctx, exec.JobID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
	assert.Equal(t, exec.OutputRef, history[0].OutputRef)

	// each step reads the previous step's output
	assert.Equal(t, []string{"in.png", "in.png>restore_face", "in.png>restore_face>colorize"}, inv.inputs)

	stored, err := svc.Get(ctx, owner, wf.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.UsageCount)

	job, err := h.mgr.GetJob(ctx, owner, exec.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, exec.OutputRef, job.OutputRef)
}

func TestExecution_RefundOnFailure(t *testing.T) {
	inv := newFakeInvoker(map[string]string{"relight": "model unavailable"})
	h := newHarness(t, 20, Config{RefundOnFailure: true}, inv)

	exec := h.runExecution(t, types.ExecutionRequest{
		ImageRef: "in.png",
		Steps:    steps(map[int]int64{0: 5, 1: 10, 2: 10}, "enhance", "upscale", "relight"),
	})
	assert.Equal(t, types.StatusFailed, exec.Status)

	balance, err := h.ledger.Balance(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)

	history, err := h.ledger.History(context.Background(), owner, 100)
	require.NoError(t, err)
	// grant, two debits, two refunds
	assert.Len(t, history, 5)
}

func TestExecution_PreflightRejects(t *testing.T) {
	tests := []struct {
		name    string
		credits int64
		policy  PreflightPolicy
	}{
		{name: "first step not covered", credits: 3, policy: PreflightFirstStep},
		{name: "total not covered", credits: 20, policy: PreflightTotal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := newFakeInvoker(nil)
			h := newHarness(t, tt.credits, Config{Preflight: tt.policy}, inv)

			_, err := h.mgr.StartExecution(context.Background(), owner, types.ExecutionRequest{
				ImageRef: "in.png",
				Steps:    steps(map[int]int64{0: 5, 1: 10, 2: 10}, "enhance", "upscale", "relight"),
			})
			assert.ErrorIs(t, err, types.ErrInsufficientFunds)
			h.mgr.Wait()

			assert.Empty(t, inv.Calls())
			execs, err := h.mgr.ListExecutions(context.Background(), owner, "", 10)
			require.NoError(t, err)
			assert.Empty(t, execs)
		})
	}
}

func TestExecution_InsufficientFundsMidPipeline(t *testing.T) {
	inv := newFakeInvoker(nil)
	h := newHarness(t, 12, Config{}, inv)

	exec := h.runExecution(t, types.ExecutionRequest{
		ImageRef: "in.png",
		Steps:    steps(map[int]int64{0: 5, 1: 10}, "enhance", "upscale"),
	})

	assert.Equal(t, types.StatusFailed, exec.Status)
	assert.Equal(t, 1, exec.CurrentStepIndex)
	assert.Contains(t, exec.Error, "insufficient credits")
	assert.Equal(t, "in.png>enhance", exec.OutputRef)

	balance, err := h.ledger.Balance(context.Background(), owner)
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)
}

func TestExecution_InvalidStepsNeverInvoke(t *testing.T) {
	inv := newFakeInvoker(nil)
	h := newHarness(t, 100, Config{}, inv)
	ctx := context.Background()

	tests := []struct {
		name string
		req  types.ExecutionRequest
	}{
		{name: "no steps", req: types.ExecutionRequest{ImageRef: "in"}},
		{name: "unknown operation", req: types.ExecutionRequest{ImageRef: "in", Steps: steps(map[int]int64{0: 5}, "teleport")}},
		{name: "zero cost", req: types.ExecutionRequest{ImageRef: "in", Steps: steps(nil, "enhance")}},
		{
			name: "underpriced step",
			req: types.ExecutionRequest{
				ImageRef: "in",
				Steps: []types.StepDefinition{{
					OperationName: "style_transfer",
					CreditsCost:   1,
					Parameters:    types.Parameters{"style": "ukiyo-e"},
				}},
			},
		},
		{
			name: "overflowing total",
			req: types.ExecutionRequest{
				ImageRef: "in",
				Steps:    steps(map[int]int64{0: math.MaxInt64, 1: math.MaxInt64}, "enhance", "colorize"),
			},
		},
		{
			name: "workflow and steps",
			req: types.ExecutionRequest{
				ImageRef:   "in",
				WorkflowID: "wf-1",
				Steps:      steps(map[int]int64{0: 5}, "enhance"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.mgr.StartExecution(ctx, owner, tt.req)
			assert.ErrorIs(t, err, types.ErrInvalidWorkflow)
		})
	}
	h.mgr.Wait()
	assert.Empty(t, inv.Calls())

	balance, err := h.ledger.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestExecution_OtherOwnersWorkflow(t *testing.T) {
	inv := newFakeInvoker(nil)
	h := newHarness(t, 100, Config{}, inv)
	ctx := context.Background()

	svc := workflows.NewService(h.store, workflows.NewValidator(operations.Default()))
	wf, err := svc.Create(ctx, "acct-2", types.WorkflowRequest{
		Name:  "theirs",
		Steps: steps(map[int]int64{0: 5}, "enhance"),
	})
	require.NoError(t, err)

	_, err = h.mgr.StartExecution(ctx, owner, types.ExecutionRequest{WorkflowID: wf.ID, ImageRef: "in"})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestExecution_StepsAreCopiedAtStart(t *testing.T) {
	inv := newFakeInvoker(nil)
	h := newHarness(t, 100, Config{}, inv)
	ctx := context.Background()

	svc := workflows.NewService(h.store, workflows.NewValidator(operations.Default()))
	wf, err := svc.Create(ctx, owner, types.WorkflowRequest{
		Name:  "one step",
		Steps: steps(map[int]int64{0: 5}, "enhance"),
	})
	require.NoError(t, err)

	exec := h.runExecution(t, types.ExecutionRequest{WorkflowID: wf.ID, ImageRef: "in"})

	_, err = svc.Update(ctx, owner, wf.ID, types.WorkflowRequest{
		Name:  "two steps",
		Steps: steps(map[int]int64{0: 5, 1: 10}, "enhance", "upscale"),
	})
	require.NoError(t, err)

	stored, err := h.mgr.GetExecution(ctx, owner, exec.ID)
	require.NoError(t, err)
	require.Len(t, stored.Steps, 1)
	assert.Equal(t, "enhance", stored.Steps[0].OperationName)
}

func TestJob_Success(t *testing.T) {
	inv := newFakeInvoker(nil)
	h := newHarness(t, 20, Config{}, inv)
	ctx := context.Background()

	started, err := h.mgr.StartJob(ctx, owner, types.JobRequest{
		ImageRef:   "in.png",
		Operation:  "upscale",
		Parameters: types.Parameters{"scale": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, started.Status)
	assert.Equal(t, int64(10), started.CreditsCost)
	h.mgr.Wait()

	job, err := h.mgr.GetJob(ctx, owner, started.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, job.Status)
	assert.Equal(t, "in.png>upscale", job.OutputRef)
	require.NotNil(t, job.CompletedAt)

	balance, err := h.ledger.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)

	history, err := h.versions.List(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Version)
	assert.Equal(t, float64(2), history[0].Parameters["scale"])
	assert.Equal(t, 0, h.mgr.ActiveRuns())
}

func TestJob_FailureIsNotCharged(t *testing.T) {
	inv := newFakeInvoker(map[string]string{"restore_face": "no face detected"})
	h := newHarness(t, 20, Config{}, inv)
	ctx := context.Background()

	started, err := h.mgr.StartJob(ctx, owner, types.JobRequest{ImageRef: "in.png", Operation: "restore_face"})
	require.NoError(t, err)
	h.mgr.Wait()

	job, err := h.mgr.GetJob(ctx, owner, started.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Equal(t, "no face detected", job.Error)
	assert.Empty(t, job.OutputRef)

	balance, err := h.ledger.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(20), balance)

	history, err := h.versions.List(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

type brokenRecorder struct{}

func (brokenRecorder) Append(context.Context, string, string, map[string]interface{}, string) (*types.Version, error) {
	return nil, errors.New("disk full")
}

func TestJob_VersionFailureLeavesNoOutput(t *testing.T) {
	inv := newFakeInvoker(nil)
	h := newHarness(t, 20, Config{}, inv)
	ctx := context.Background()

	catalog := operations.Default()
	mgr := NewManager(Deps{
		Store:     h.store,
		Ledger:    h.ledger,
		Versions:  brokenRecorder{},
		Invoker:   inv,
		Catalog:   catalog,
		Validator: workflows.NewValidator(catalog),
		Metrics:   h.metrics,
	}, Config{})

	started, err := mgr.StartJob(ctx, owner, types.JobRequest{ImageRef: "in.png", Operation: "colorize"})
	require.NoError(t, err)
	mgr.Wait()

	job, err := mgr.GetJob(ctx, owner, started.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "failed to record version")
	assert.Empty(t, job.OutputRef)
	require.NotNil(t, job.CompletedAt)
}

func TestJob_Rejections(t *testing.T) {
	inv := newFakeInvoker(nil)
	h := newHarness(t, 4, Config{}, inv)
	ctx := context.Background()

	_, err := h.mgr.StartJob(ctx, owner, types.JobRequest{ImageRef: "in", Operation: "teleport"})
	assert.ErrorIs(t, err, types.ErrInvalidWorkflow)

	_, err = h.mgr.StartJob(ctx, owner, types.JobRequest{
		ImageRef:   "in",
		Operation:  "upscale",
		Parameters: types.Parameters{"scale": 3},
	})
	assert.ErrorIs(t, err, types.ErrInvalidWorkflow)

	_, err = h.mgr.StartJob(ctx, owner, types.JobRequest{ImageRef: "in", Operation: "enhance"})
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)

	_, err = h.mgr.StartJob(ctx, "ghost", types.JobRequest{ImageRef: "in", Operation: "enhance"})
	assert.ErrorIs(t, err, types.ErrNotFound)

	h.mgr.Wait()
	assert.Empty(t, inv.Calls())
}

func TestJob_Ownership(t *testing.T) {
	inv := newFakeInvoker(nil)
	h := newHarness(t, 20, Config{}, inv)
	ctx := context.Background()

	started, err := h.mgr.StartJob(ctx, owner, types.JobRequest{ImageRef: "in", Operation: "enhance"})
	require.NoError(t, err)
	h.mgr.Wait()

	_, err = h.mgr.GetJob(ctx, "acct-2", started.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	err = h.mgr.DeleteJob(ctx, "acct-2", started.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	jobs, err := h.mgr.ListJobs(ctx, "acct-2", "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	require.NoError(t, h.mgr.DeleteJob(ctx, owner, started.ID))
	_, err = h.mgr.GetJob(ctx, owner, started.ID)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestConcurrentRunsShareTheLedger(t *testing.T) {
	inv := newFakeInvoker(nil)
	h := newHarness(t, 50, Config{MaxConcurrent: 3}, inv)
	ctx := context.Background()

	var started []string
	for i := 0; i < 10; i++ {
		job, err := h.mgr.StartJob(ctx, owner, types.JobRequest{ImageRef: "in", Operation: "enhance"})
		require.NoError(t, err)
		started = append(started, job.ID)
	}
	h.mgr.Wait()

	var completed int
	for _, id := range started {
		job, err := h.mgr.GetJob(ctx, owner, id)
		require.NoError(t, err)
		if job.Status == types.StatusCompleted {
			completed++
		} else {
			assert.Equal(t, types.StatusFailed, job.Status)
			assert.Contains(t, job.Error, "insufficient credits")
		}
	}

	balance, err := h.ledger.Balance(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, 10, completed)
	assert.Equal(t, int64(0), balance)
}

func TestRecoverInterrupted(t *testing.T) {
	inv := newFakeInvoker(nil)
	h := newHarness(t, 0, Config{}, inv)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, h.store.CreateJob(ctx, &types.Job{
		ID:            "stale",
		OwnerID:       owner,
		OperationName: "enhance",
		Status:        types.StatusProcessing,
		InputRef:      "in",
		CreatedAt:     now,
		UpdatedAt:     now,
	}))

	count, err := h.mgr.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	job, err := h.mgr.GetJob(ctx, owner, "stale")
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, job.Status)
}

func TestShutdown(t *testing.T) {
	block := make(chan struct{})
	inv := invoker.Func(func(ctx context.Context, imageRef, operation string, params map[string]interface{}) (string, error) {
		<-block
		return "out", nil
	})

	h := newHarness(t, 20, Config{}, nil)
	h.mgr.invoker = inv

	_, err := h.mgr.StartJob(context.Background(), owner, types.JobRequest{ImageRef: "in", Operation: "enhance"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.mgr.ActiveRuns())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, h.mgr.Shutdown(ctx))

	close(block)
	assert.NoError(t, h.mgr.Shutdown(context.Background()))
	assert.Equal(t, 0, h.mgr.ActiveRuns())
}
