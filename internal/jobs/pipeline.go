package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rossigee/imageflow/pkg/types"
	"github.com/sirupsen/logrus"
)

const (
	kindJob       = "job"
	kindExecution = "execution"
)

// runJob executes a single-step job: processing, invoke, debit, record output.
// A failed invocation is never charged.
func (m *Manager) runJob(ctx context.Context, job *types.Job) {
	log := logrus.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"operation": job.OperationName,
	})
	// Terminal writes must land even after the run deadline
	persistCtx := context.WithoutCancel(ctx)

	job.Status = types.StatusProcessing
	job.UpdatedAt = m.now()
	if err := m.store.UpdateJob(ctx, job); err != nil {
		m.failJob(persistCtx, job, fmt.Errorf("failed to mark job processing: %w", err))
		return
	}

	output, err := m.invoke(ctx, 0, job.InputRef, job.OperationName, job.Parameters)
	if err != nil {
		m.failJob(persistCtx, job, err)
		return
	}

	_, _, err = m.ledger.Debit(ctx, job.OwnerID, job.CreditsCost,
		fmt.Sprintf("job %s %s", job.ID, job.OperationName),
		map[string]interface{}{
			"job_id":    job.ID,
			"operation": job.OperationName,
		})
	if err != nil {
		m.failJob(persistCtx, job, err)
		return
	}

	if _, err := m.versions.Append(persistCtx, job.ID, output, job.Parameters, ""); err != nil {
		m.failJob(persistCtx, job, fmt.Errorf("failed to record version: %w", err))
		return
	}
	job.OutputRef = output

	completed := m.now()
	job.Status = types.StatusCompleted
	job.Error = ""
	job.UpdatedAt = completed
	job.CompletedAt = &completed
	if err := m.store.UpdateJob(persistCtx, job); err != nil {
		log.WithError(err).Error("Failed to persist completed job")
	}

	m.metrics.RunFinished(kindJob, string(types.StatusCompleted))
	log.WithField("output_ref", output).Info("Job completed")
}

// failJob marks a job failed. The output reference of a job that never
// produced one stays empty.
func (m *Manager) failJob(ctx context.Context, job *types.Job, cause error) {
	completed := m.now()
	job.Status = types.StatusFailed
	job.Error = cause.Error()
	job.UpdatedAt = completed
	job.CompletedAt = &completed

	log := logrus.WithFields(logrus.Fields{
		"job_id":    job.ID,
		"operation": job.OperationName,
	})
	if err := m.store.UpdateJob(ctx, job); err != nil {
		log.WithError(err).Error("Failed to persist failed job")
	}

	m.metrics.RunFinished(kindJob, string(types.StatusFailed))
	log.WithError(cause).Warn("Job failed")
}

// debitRecord remembers a charge so it can be refunded
type debitRecord struct {
	stepIndex int
	amount    int64
}

// runExecution walks the steps in order. Each step reads the previous step's
// output; the first failure stops the run.
func (m *Manager) runExecution(ctx context.Context, exec *types.WorkflowExecution, job *types.Job) {
	log := logrus.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"job_id":       job.ID,
	})
	persistCtx := context.WithoutCancel(ctx)
	var debits []debitRecord

	for i, step := range exec.Steps {
		exec.CurrentStepIndex = i
		exec.UpdatedAt = m.now()
		if err := m.store.UpdateExecution(ctx, exec); err != nil {
			m.failExecution(persistCtx, exec, job, debits, fmt.Errorf("failed to record progress: %w", err))
			return
		}

		output, err := m.invoke(ctx, i, exec.OutputRef, step.OperationName, step.Parameters)
		if err != nil {
			m.failExecution(persistCtx, exec, job, debits, err)
			return
		}

		_, _, err = m.ledger.Debit(ctx, exec.OwnerID, step.CreditsCost, stepDescription(exec, i),
			map[string]interface{}{
				"execution_id": exec.ID,
				"job_id":       job.ID,
				"step_index":   i,
				"operation":    step.OperationName,
			})
		if err != nil {
			m.failExecution(persistCtx, exec, job, debits, err)
			return
		}
		debits = append(debits, debitRecord{stepIndex: i, amount: step.CreditsCost})

		if _, err := m.versions.Append(persistCtx, job.ID, output, step.Parameters,
			fmt.Sprintf("step %d: %s", i, step.OperationName)); err != nil {
			m.failExecution(persistCtx, exec, job, debits, fmt.Errorf("failed to record version: %w", err))
			return
		}

		// The carry-forward image is persisted so an interrupted run leaves
		// its last good output behind.
		exec.OutputRef = output
		exec.UpdatedAt = m.now()
		if err := m.store.UpdateExecution(persistCtx, exec); err != nil {
			m.failExecution(persistCtx, exec, job, debits, fmt.Errorf("failed to record step output: %w", err))
			return
		}
		job.OutputRef = output
		job.UpdatedAt = exec.UpdatedAt
		if err := m.store.UpdateJob(persistCtx, job); err != nil {
			log.WithError(err).Warn("Failed to update execution job output")
		}

		log.WithFields(logrus.Fields{
			"step_index": i,
			"operation":  step.OperationName,
			"cost":       step.CreditsCost,
		}).Debug("Step completed")
	}

	completed := m.now()
	exec.CurrentStepIndex = len(exec.Steps)
	exec.Status = types.StatusCompleted
	exec.UpdatedAt = completed
	exec.CompletedAt = &completed
	if err := m.store.UpdateExecution(persistCtx, exec); err != nil {
		log.WithError(err).Error("Failed to persist completed execution")
	}

	job.Status = types.StatusCompleted
	job.UpdatedAt = completed
	job.CompletedAt = &completed
	if err := m.store.UpdateJob(persistCtx, job); err != nil {
		log.WithError(err).Error("Failed to persist completed execution job")
	}

	if exec.WorkflowID != "" {
		if err := m.store.IncrementWorkflowUsage(persistCtx, exec.WorkflowID); err != nil {
			log.WithError(err).Warn("Failed to increment workflow usage")
		}
	}

	m.metrics.RunFinished(kindExecution, string(types.StatusCompleted))
	log.WithField("output_ref", exec.OutputRef).Info("Workflow execution completed")
}

// failExecution stops a run at its current step. Debits already made stand
// unless refunds are enabled, in which case each one is credited back.
func (m *Manager) failExecution(ctx context.Context, exec *types.WorkflowExecution, job *types.Job, debits []debitRecord, cause error) {
	log := logrus.WithFields(logrus.Fields{
		"execution_id": exec.ID,
		"job_id":       job.ID,
		"step_index":   exec.CurrentStepIndex,
	})

	completed := m.now()
	exec.Status = types.StatusFailed
	exec.Error = cause.Error()
	exec.UpdatedAt = completed
	exec.CompletedAt = &completed
	if err := m.store.UpdateExecution(ctx, exec); err != nil {
		log.WithError(err).Error("Failed to persist failed execution")
	}

	job.Status = types.StatusFailed
	job.Error = exec.Error
	job.UpdatedAt = completed
	job.CompletedAt = &completed
	if err := m.store.UpdateJob(ctx, job); err != nil {
		log.WithError(err).Error("Failed to persist failed execution job")
	}

	if m.cfg.RefundOnFailure {
		m.refund(ctx, exec, debits)
	}

	m.metrics.RunFinished(kindExecution, string(types.StatusFailed))
	log.WithError(cause).Warn("Workflow execution failed")
}

func (m *Manager) refund(ctx context.Context, exec *types.WorkflowExecution, debits []debitRecord) {
	for _, d := range debits {
		_, _, err := m.ledger.Credit(ctx, exec.OwnerID, d.amount,
			"refund "+stepDescription(exec, d.stepIndex),
			map[string]interface{}{
				"execution_id": exec.ID,
				"step_index":   d.stepIndex,
				"refund":       true,
			})
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"execution_id": exec.ID,
				"step_index":   d.stepIndex,
				"amount":       d.amount,
			}).Error("Failed to refund step")
		}
	}
}

// invoke calls the step invoker once and wraps its failure verbatim
func (m *Manager) invoke(ctx context.Context, index int, imageRef, operation string, params types.Parameters) (string, error) {
	start := time.Now()
	output, err := m.invoker.Invoke(ctx, imageRef, operation, params)
	m.metrics.ObserveStep(operation, time.Since(start), err)

	if err != nil {
		return "", &types.StepInvocationError{StepIndex: index, Operation: operation, Err: err}
	}
	if output == "" {
		return "", &types.StepInvocationError{
			StepIndex: index,
			Operation: operation,
			Err:       fmt.Errorf("%s returned no output", operation),
		}
	}
	return output, nil
}

func stepDescription(exec *types.WorkflowExecution, index int) string {
	if exec.WorkflowID != "" {
		return fmt.Sprintf("workflow %s step %d", exec.WorkflowID, index)
	}
	return fmt.Sprintf("execution %s step %d", exec.ID, index)
}
