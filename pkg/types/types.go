package types

import (
	"math"
	"time"
)

// JobStatus represents the lifecycle state of a job or workflow execution
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// WorkflowOperation is the operation name recorded on the job backing a workflow execution
const WorkflowOperation = "workflow"

// Parameters is a free-form parameter bag for an operation
type Parameters map[string]interface{}

// Account holds a user's credit balance
type Account struct {
	ID        string    `json:"id"`
	Credits   int64     `json:"credits"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreditTransaction is an immutable record of one balance change
type CreditTransaction struct {
	ID               int64                  `json:"id"`
	AccountID        string                 `json:"account_id"`
	Delta            int64                  `json:"delta"`
	ResultingBalance int64                  `json:"resulting_balance"`
	Description      string                 `json:"description"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

// Job represents a single requested transformation
type Job struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"owner_id"`
	OperationName string     `json:"operation_name"`
	Status        JobStatus  `json:"status"`
	InputRef      string     `json:"input_ref"`
	OutputRef     string     `json:"output_ref,omitempty"`
	Parameters    Parameters `json:"parameters"`
	CreditsCost   int64      `json:"credits_cost"`
	Error         string     `json:"error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Version is one recorded output revision of a job
type Version struct {
	JobID      string     `json:"job_id"`
	Version    int        `json:"version"`
	OutputRef  string     `json:"output_ref"`
	Parameters Parameters `json:"parameters"`
	Note       string     `json:"note,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// VersionComparison is the result of comparing two versions of a job
type VersionComparison struct {
	Version1         Version       `json:"version1"`
	Version2         Version       `json:"version2"`
	TimeDelta        time.Duration `json:"time_delta"`
	ParametersDiffer bool          `json:"parameters_differ"`
	Differences      []string      `json:"differences,omitempty"`
}

// StepDefinition is one step of a workflow
type StepDefinition struct {
	OperationName string     `json:"operation_name" binding:"required"`
	Parameters    Parameters `json:"parameters"`
	CreditsCost   int64      `json:"credits_cost"`
}

// Workflow is a named, ordered list of steps owned by a user
type Workflow struct {
	ID           string           `json:"id"`
	OwnerID      string           `json:"owner_id"`
	Name         string           `json:"name"`
	Description  string           `json:"description,omitempty"`
	Steps        []StepDefinition `json:"steps"`
	TotalCredits int64            `json:"total_credits"`
	UsageCount   int64            `json:"usage_count"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// WorkflowExecution is one run of a workflow against one input image
type WorkflowExecution struct {
	ID               string           `json:"id"`
	WorkflowID       string           `json:"workflow_id,omitempty"`
	OwnerID          string           `json:"owner_id"`
	JobID            string           `json:"job_id"`
	Status           JobStatus        `json:"status"`
	CurrentStepIndex int              `json:"current_step_index"`
	Steps            []StepDefinition `json:"steps"`
	InputRef         string           `json:"input_ref"`
	OutputRef        string           `json:"output_ref,omitempty"`
	TotalCredits     int64            `json:"total_credits"`
	Error            string           `json:"error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	CompletedAt      *time.Time       `json:"completed_at,omitempty"`
}

// TotalCredits sums the declared cost of every step, saturating at math.MaxInt64
func TotalCredits(steps []StepDefinition) int64 {
	var total int64
	for _, step := range steps {
		if step.CreditsCost > 0 && total > math.MaxInt64-step.CreditsCost {
			return math.MaxInt64
		}
		total += step.CreditsCost
	}
	return total
}

// JobRequest represents a single-step transformation request
type JobRequest struct {
	ImageRef   string     `json:"image_ref" binding:"required"`
	Operation  string     `json:"operation" binding:"required"`
	Parameters Parameters `json:"parameters"`
}

// WorkflowRequest represents a workflow create or update request
type WorkflowRequest struct {
	Name        string           `json:"name" binding:"required"`
	Description string           `json:"description"`
	Steps       []StepDefinition `json:"steps" binding:"required"`
}

// ExecutionRequest starts a workflow execution, either from a stored
// workflow or from inline steps
type ExecutionRequest struct {
	WorkflowID string           `json:"workflow_id,omitempty"`
	Steps      []StepDefinition `json:"steps,omitempty"`
	ImageRef   string           `json:"image_ref" binding:"required"`
}

// NoteRequest annotates a version
type NoteRequest struct {
	Note string `json:"note"`
}

// BalanceResponse represents the response to a balance query
type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Credits   int64  `json:"credits"`
}

// OperationInfo describes a known operation
type OperationInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	CreditsCost int64                  `json:"credits_cost"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	Version        string    `json:"version"`
	Uptime         string    `json:"uptime"`
	ActiveRuns     int       `json:"active_runs"`
	ProcessingJobs int       `json:"processing_jobs"`
}
