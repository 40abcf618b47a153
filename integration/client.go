//go:build integration
// +build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rossigee/imageflow/pkg/types"
)

// APIClient handles HTTP communication with the imageflow API
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// APIError is a non-2xx response
type APIError struct {
	Status int
	Body   types.ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("status %d: %s: %s", e.Status, e.Body.Error, e.Body.Message)
}

func (ac *APIClient) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ac.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+ac.token)

	resp, err := ac.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr.Body)
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (ac *APIClient) CreateWorkflow(req types.WorkflowRequest) (*types.Workflow, error) {
	var wf types.Workflow
	if err := ac.do(http.MethodPost, "/api/v1/workflows", req, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (ac *APIClient) StartExecution(req types.ExecutionRequest) (*types.WorkflowExecution, error) {
	var exec types.WorkflowExecution
	if err := ac.do(http.MethodPost, "/api/v1/executions", req, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (ac *APIClient) GetExecution(id string) (*types.WorkflowExecution, error) {
	var exec types.WorkflowExecution
	if err := ac.do(http.MethodGet, "/api/v1/executions/"+id, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (ac *APIClient) ListVersions(jobID string) ([]types.Version, error) {
	var versions []types.Version
	if err := ac.do(http.MethodGet, "/api/v1/jobs/"+jobID+"/versions", nil, &versions); err != nil {
		return nil, err
	}
	return versions, nil
}

func (ac *APIClient) RestoreVersion(jobID string, version int) (*types.Job, error) {
	var job types.Job
	if err := ac.do(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%s/versions/%d/restore", jobID, version), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (ac *APIClient) Balance() (int64, error) {
	var resp types.BalanceResponse
	if err := ac.do(http.MethodGet, "/api/v1/credits/balance", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Credits, nil
}

func (ac *APIClient) Transactions() ([]types.CreditTransaction, error) {
	var txns []types.CreditTransaction
	if err := ac.do(http.MethodGet, "/api/v1/credits/transactions?limit=500", nil, &txns); err != nil {
		return nil, err
	}
	return txns, nil
}

func (ac *APIClient) WaitForExecution(id string, timeout time.Duration) (*types.WorkflowExecution, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for execution %s", id)
		case <-ticker.C:
			exec, err := ac.GetExecution(id)
			if err != nil {
				return nil, err
			}
			if exec.Status.IsTerminal() {
				return exec, nil
			}
		}
	}
}
