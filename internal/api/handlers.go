package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/imageflow/internal/auth"
	"github.com/rossigee/imageflow/pkg/types"
	"github.com/sirupsen/logrus"
)

// Executor starts and reports on jobs and workflow executions
type Executor interface {
	StartJob(ctx context.Context, ownerID string, req types.JobRequest) (*types.Job, error)
	StartExecution(ctx context.Context, ownerID string, req types.ExecutionRequest) (*types.WorkflowExecution, error)
	GetJob(ctx context.Context, ownerID, id string) (*types.Job, error)
	ListJobs(ctx context.Context, ownerID, status string, limit, offset int) ([]*types.Job, error)
	DeleteJob(ctx context.Context, ownerID, id string) error
	GetExecution(ctx context.Context, ownerID, id string) (*types.WorkflowExecution, error)
	ListExecutions(ctx context.Context, ownerID, workflowID string, limit int) ([]*types.WorkflowExecution, error)
	ActiveRuns() int
}

// VersionLedger manages the output history of a job
type VersionLedger interface {
	List(ctx context.Context, jobID string) ([]types.Version, error)
	Get(ctx context.Context, jobID string, version int) (*types.Version, error)
	Restore(ctx context.Context, jobID string, version int) (*types.Job, error)
	Delete(ctx context.Context, jobID string, version int) error
	AddNote(ctx context.Context, jobID string, version int, note string) (*types.Version, error)
	Compare(ctx context.Context, jobID string, v1, v2 int) (*types.VersionComparison, error)
}

// CreditLedger reads account balances
type CreditLedger interface {
	Balance(ctx context.Context, accountID string) (int64, error)
	History(ctx context.Context, accountID string, limit int) ([]types.CreditTransaction, error)
}

// WorkflowService manages stored workflow templates
type WorkflowService interface {
	Create(ctx context.Context, ownerID string, req types.WorkflowRequest) (*types.Workflow, error)
	Get(ctx context.Context, ownerID, id string) (*types.Workflow, error)
	List(ctx context.Context, ownerID string) ([]*types.Workflow, error)
	Update(ctx context.Context, ownerID, id string, req types.WorkflowRequest) (*types.Workflow, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// OperationCatalog lists the operations a step may name
type OperationCatalog interface {
	List() []types.OperationInfo
}

// Database is the backing store as seen by the health check
type Database interface {
	Ping(ctx context.Context) error
	GetJobCount(ctx context.Context, status types.JobStatus) (int, error)
}

// Deps groups the services behind the API
type Deps struct {
	Executor  Executor
	Versions  VersionLedger
	Credits   CreditLedger
	Workflows WorkflowService
	Catalog   OperationCatalog
	// Database is optional; when set, health fails while it is unreachable
	Database Database

	// Version is reported by the health endpoint
	Version string
	// DegradedAbove marks the service degraded when more runs are active
	DegradedAbove int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Handler handles HTTP API requests
type Handler struct {
	deps    Deps
	started time.Time
}

// NewHandler creates a new API handler
func NewHandler(deps Deps) *Handler {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	return &Handler{
		deps:    deps,
		started: time.Now(),
	}
}

// SetupRoutes configures the API routes. Everything under /api/v1 passes
// through authMiddleware; /health and /metrics do not.
func SetupRoutes(router *gin.Engine, handler *Handler, authMiddleware gin.HandlerFunc, metrics http.Handler) {
	api := router.Group("/api/v1")
	api.Use(authMiddleware)
	{
		api.POST("/jobs", handler.CreateJob)
		api.GET("/jobs", handler.ListJobs)
		api.GET("/jobs/:job_id", handler.GetJob)
		api.DELETE("/jobs/:job_id", handler.DeleteJob)

		api.GET("/jobs/:job_id/versions", handler.ListVersions)
		api.GET("/jobs/:job_id/versions/:version", handler.GetVersion)
		api.POST("/jobs/:job_id/versions/:version/restore", handler.RestoreVersion)
		api.DELETE("/jobs/:job_id/versions/:version", handler.DeleteVersion)
		api.PUT("/jobs/:job_id/versions/:version/note", handler.SetVersionNote)
		api.GET("/jobs/:job_id/compare", handler.CompareVersions)

		api.POST("/workflows", handler.CreateWorkflow)
		api.GET("/workflows", handler.ListWorkflows)
		api.GET("/workflows/:workflow_id", handler.GetWorkflow)
		api.PUT("/workflows/:workflow_id", handler.UpdateWorkflow)
		api.DELETE("/workflows/:workflow_id", handler.DeleteWorkflow)

		api.POST("/executions", handler.CreateExecution)
		api.GET("/executions", handler.ListExecutions)
		api.GET("/executions/:execution_id", handler.GetExecution)

		api.GET("/credits/balance", handler.GetBalance)
		api.GET("/credits/transactions", handler.ListTransactions)

		api.GET("/operations", handler.ListOperations)
	}

	router.GET("/health", handler.HealthCheck)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
}

// CreateJob starts a single-step transformation
func (h *Handler) CreateJob(c *gin.Context) {
	var req types.JobRequest
	if !bindJSON(c, &req) {
		return
	}

	job, err := h.deps.Executor.StartJob(c.Request.Context(), auth.AccountID(c), req)
	if err != nil {
		respondError(c, "failed to start job", err)
		return
	}

	c.JSON(http.StatusAccepted, job)
}

// ListJobs returns the caller's jobs
func (h *Handler) ListJobs(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultListLimit)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}

	jobs, err := h.deps.Executor.ListJobs(c.Request.Context(), auth.AccountID(c), c.Query("status"), clampLimit(limit), offset)
	if err != nil {
		respondError(c, "failed to list jobs", err)
		return
	}

	c.JSON(http.StatusOK, jobs)
}

// GetJob returns the status of a job
func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.deps.Executor.GetJob(c.Request.Context(), auth.AccountID(c), c.Param("job_id"))
	if err != nil {
		respondError(c, "job not found", err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// DeleteJob removes a finished job and its versions
func (h *Handler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if err := h.deps.Executor.DeleteJob(c.Request.Context(), auth.AccountID(c), jobID); err != nil {
		respondError(c, "failed to delete job", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "deleted",
		"job_id": jobID,
	})
}

// ListVersions returns every version of a job, newest first
func (h *Handler) ListVersions(c *gin.Context) {
	jobID, ok := h.ownedJob(c)
	if !ok {
		return
	}

	versions, err := h.deps.Versions.List(c.Request.Context(), jobID)
	if err != nil {
		respondError(c, "failed to list versions", err)
		return
	}

	c.JSON(http.StatusOK, versions)
}

// GetVersion returns one version of a job
func (h *Handler) GetVersion(c *gin.Context) {
	jobID, version, ok := h.ownedJobVersion(c)
	if !ok {
		return
	}

	v, err := h.deps.Versions.Get(c.Request.Context(), jobID, version)
	if err != nil {
		respondError(c, "version not found", err)
		return
	}

	c.JSON(http.StatusOK, v)
}

// RestoreVersion appends a copy of an earlier version as the newest one
func (h *Handler) RestoreVersion(c *gin.Context) {
	jobID, version, ok := h.ownedJobVersion(c)
	if !ok {
		return
	}

	job, err := h.deps.Versions.Restore(c.Request.Context(), jobID, version)
	if err != nil {
		respondError(c, "failed to restore version", err)
		return
	}

	c.JSON(http.StatusOK, job)
}

// DeleteVersion removes a version unless it is the job's last one
func (h *Handler) DeleteVersion(c *gin.Context) {
	jobID, version, ok := h.ownedJobVersion(c)
	if !ok {
		return
	}

	if err := h.deps.Versions.Delete(c.Request.Context(), jobID, version); err != nil {
		respondError(c, "failed to delete version", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"job_id":  jobID,
		"version": version,
	})
}

// SetVersionNote annotates a version in place
func (h *Handler) SetVersionNote(c *gin.Context) {
	jobID, version, ok := h.ownedJobVersion(c)
	if !ok {
		return
	}

	var req types.NoteRequest
	if !bindJSON(c, &req) {
		return
	}

	v, err := h.deps.Versions.AddNote(c.Request.Context(), jobID, version, req.Note)
	if err != nil {
		respondError(c, "failed to set note", err)
		return
	}

	c.JSON(http.StatusOK, v)
}

// CompareVersions reports how two versions of a job differ
func (h *Handler) CompareVersions(c *gin.Context) {
	jobID, ok := h.ownedJob(c)
	if !ok {
		return
	}

	v1, err1 := strconv.Atoi(c.Query("v1"))
	v2, err2 := strconv.Atoi(c.Query("v2"))
	if err1 != nil || err2 != nil {
		badRequest(c, "v1 and v2 query parameters must be version numbers")
		return
	}

	cmp, err := h.deps.Versions.Compare(c.Request.Context(), jobID, v1, v2)
	if err != nil {
		respondError(c, "failed to compare versions", err)
		return
	}

	c.JSON(http.StatusOK, cmp)
}

// CreateWorkflow stores a validated workflow template
func (h *Handler) CreateWorkflow(c *gin.Context) {
	var req types.WorkflowRequest
	if !bindJSON(c, &req) {
		return
	}

	wf, err := h.deps.Workflows.Create(c.Request.Context(), auth.AccountID(c), req)
	if err != nil {
		respondError(c, "failed to create workflow", err)
		return
	}

	c.JSON(http.StatusCreated, wf)
}

// ListWorkflows returns the caller's workflows
func (h *Handler) ListWorkflows(c *gin.Context) {
	wfs, err := h.deps.Workflows.List(c.Request.Context(), auth.AccountID(c))
	if err != nil {
		respondError(c, "failed to list workflows", err)
		return
	}

	c.JSON(http.StatusOK, wfs)
}

// GetWorkflow returns one workflow
func (h *Handler) GetWorkflow(c *gin.Context) {
	wf, err := h.deps.Workflows.Get(c.Request.Context(), auth.AccountID(c), c.Param("workflow_id"))
	if err != nil {
		respondError(c, "workflow not found", err)
		return
	}

	c.JSON(http.StatusOK, wf)
}

// UpdateWorkflow replaces a workflow's name, description and steps
func (h *Handler) UpdateWorkflow(c *gin.Context) {
	var req types.WorkflowRequest
	if !bindJSON(c, &req) {
		return
	}

	wf, err := h.deps.Workflows.Update(c.Request.Context(), auth.AccountID(c), c.Param("workflow_id"), req)
	if err != nil {
		respondError(c, "failed to update workflow", err)
		return
	}

	c.JSON(http.StatusOK, wf)
}

// DeleteWorkflow removes a workflow no execution is running
func (h *Handler) DeleteWorkflow(c *gin.Context) {
	id := c.Param("workflow_id")
	if err := h.deps.Workflows.Delete(c.Request.Context(), auth.AccountID(c), id); err != nil {
		respondError(c, "failed to delete workflow", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "deleted",
		"workflow_id": id,
	})
}

// CreateExecution runs a stored workflow or an inline step list
func (h *Handler) CreateExecution(c *gin.Context) {
	var req types.ExecutionRequest
	if !bindJSON(c, &req) {
		return
	}

	exec, err := h.deps.Executor.StartExecution(c.Request.Context(), auth.AccountID(c), req)
	if err != nil {
		respondError(c, "failed to start execution", err)
		return
	}

	c.JSON(http.StatusAccepted, exec)
}

// ListExecutions returns the caller's executions, optionally for one workflow
func (h *Handler) ListExecutions(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultListLimit)
	if !ok {
		return
	}

	execs, err := h.deps.Executor.ListExecutions(c.Request.Context(), auth.AccountID(c), c.Query("workflow_id"), clampLimit(limit))
	if err != nil {
		respondError(c, "failed to list executions", err)
		return
	}

	c.JSON(http.StatusOK, execs)
}

// GetExecution returns the progress of an execution
func (h *Handler) GetExecution(c *gin.Context) {
	exec, err := h.deps.Executor.GetExecution(c.Request.Context(), auth.AccountID(c), c.Param("execution_id"))
	if err != nil {
		respondError(c, "execution not found", err)
		return
	}

	c.JSON(http.StatusOK, exec)
}

// GetBalance returns the caller's credit balance
func (h *Handler) GetBalance(c *gin.Context) {
	accountID := auth.AccountID(c)
	balance, err := h.deps.Credits.Balance(c.Request.Context(), accountID)
	if err != nil {
		respondError(c, "failed to read balance", err)
		return
	}

	c.JSON(http.StatusOK, types.BalanceResponse{
		AccountID: accountID,
		Credits:   balance,
	})
}

// ListTransactions returns the caller's credit history, newest first
func (h *Handler) ListTransactions(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultListLimit)
	if !ok {
		return
	}

	txns, err := h.deps.Credits.History(c.Request.Context(), auth.AccountID(c), clampLimit(limit))
	if err != nil {
		respondError(c, "failed to read transactions", err)
		return
	}
	if txns == nil {
		txns = []types.CreditTransaction{}
	}

	c.JSON(http.StatusOK, txns)
}

// ListOperations returns the operation catalog
func (h *Handler) ListOperations(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Catalog.List())
}

// HealthCheck provides service health information
func (h *Handler) HealthCheck(c *gin.Context) {
	active := h.deps.Executor.ActiveRuns()

	response := types.HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    h.deps.Version,
		Uptime:     time.Since(h.started).Truncate(time.Second).String(),
		ActiveRuns: active,
	}

	if h.deps.DegradedAbove > 0 && active > h.deps.DegradedAbove {
		response.Status = "degraded"
	}

	if h.deps.Database != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Database.Ping(ctx); err != nil {
			logrus.WithError(err).Warn("Health check could not reach the database")
			response.Status = "unhealthy"
			c.JSON(http.StatusServiceUnavailable, response)
			return
		}

		processing, err := h.deps.Database.GetJobCount(ctx, types.StatusProcessing)
		if err != nil {
			logrus.WithError(err).Warn("Health check could not count processing jobs")
		} else {
			response.ProcessingJobs = processing
		}
	}

	c.JSON(http.StatusOK, response)
}

// ownedJob checks the caller owns the job named in the path
func (h *Handler) ownedJob(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := h.deps.Executor.GetJob(c.Request.Context(), auth.AccountID(c), jobID); err != nil {
		respondError(c, "job not found", err)
		return "", false
	}
	return jobID, true
}

func (h *Handler) ownedJobVersion(c *gin.Context) (string, int, bool) {
	version, err := strconv.Atoi(c.Param("version"))
	if err != nil || version < 1 {
		badRequest(c, "version must be a positive integer")
		return "", 0, false
	}

	jobID, ok := h.ownedJob(c)
	if !ok {
		return "", 0, false
	}
	return jobID, version, true
}

func bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, err.Error())
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, key+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, types.ErrorResponse{
		Error:   "invalid request",
		Message: message,
		Code:    http.StatusBadRequest,
	})
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, types.ErrInvalidWorkflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvariantViolation), errors.Is(err, types.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, summary string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", c.FullPath()).Error(summary)
	}

	c.JSON(status, types.ErrorResponse{
		Error:   summary,
		Message: err.Error(),
		Code:    status,
	})
}
