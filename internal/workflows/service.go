package workflows

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rossigee/imageflow/pkg/types"
	"github.com/sirupsen/logrus"
)

// Store is the workflow persistence the service depends on
type Store interface {
	CreateWorkflow(ctx context.Context, wf *types.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*types.Workflow, error)
	ListWorkflows(ctx context.Context, ownerID string) ([]*types.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *types.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
}

// Service manages reusable workflows owned by accounts
type Service struct {
	store     Store
	validator *Validator
	now       func() time.Time
}

// NewService creates a workflow service
func NewService(store Store, validator *Validator) *Service {
	return &Service{
		store:     store,
		validator: validator,
		now:       time.Now,
	}
}

// Create validates and stores a new workflow
func (s *Service) Create(ctx context.Context, ownerID string, req types.WorkflowRequest) (*types.Workflow, error) {
	if err := s.validator.Validate(req.Steps); err != nil {
		return nil, err
	}

	now := s.now()
	wf := &types.Workflow{
		ID:           uuid.New().String(),
		OwnerID:      ownerID,
		Name:         req.Name,
		Description:  req.Description,
		Steps:        CopySteps(req.Steps),
		TotalCredits: types.TotalCredits(req.Steps),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"workflow_id":   wf.ID,
		"owner_id":      ownerID,
		"steps":         len(wf.Steps),
		"total_credits": wf.TotalCredits,
	}).Info("Created workflow")

	return wf, nil
}

// Get returns a workflow owned by ownerID. Workflows of other accounts are
// reported as not found.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*types.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	if wf.OwnerID != ownerID {
		return nil, types.NotFoundf("workflow %s", id)
	}
	return wf, nil
}

// List returns the workflows owned by ownerID
func (s *Service) List(ctx context.Context, ownerID string) ([]*types.Workflow, error) {
	workflows, err := s.store.ListWorkflows(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if workflows == nil {
		workflows = []*types.Workflow{}
	}
	return workflows, nil
}

// Update replaces a workflow's definition. It fails with types.ErrConflict
// while an execution of the workflow is running.
func (s *Service) Update(ctx context.Context, ownerID, id string, req types.WorkflowRequest) (*types.Workflow, error) {
	wf, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if err := s.validator.Validate(req.Steps); err != nil {
		return nil, err
	}

	wf.Name = req.Name
	wf.Description = req.Description
	wf.Steps = CopySteps(req.Steps)
	wf.TotalCredits = types.TotalCredits(req.Steps)
	wf.UpdatedAt = s.now()

	if err := s.store.UpdateWorkflow(ctx, wf); err != nil {
		return nil, err
	}

	logrus.WithField("workflow_id", id).Info("Updated workflow")
	return wf, nil
}

// Delete removes a workflow. Finished executions keep their copied steps.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.store.DeleteWorkflow(ctx, id); err != nil {
		return err
	}

	logrus.WithField("workflow_id", id).Info("Deleted workflow")
	return nil
}
