// Package services wires the orchestration core to persistence and the
// trigger sources: workflow lifecycle, run launching and run event buffers.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/soochol/nodeflow/internal/engine"
	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/repository"
	"github.com/soochol/nodeflow/internal/scheduler"
	"github.com/soochol/nodeflow/internal/triggers"
)

// ErrInvalidWorkflow wraps every reason a definition is rejected.
var ErrInvalidWorkflow = errors.New("invalid workflow")

// Scheduler is the part of scheduler.Scheduler the workflow service drives.
type Scheduler interface {
	Upsert(wf *flow.Workflow) error
	Remove(workflowID string) bool
	Location() *time.Location
}

// WorkflowService owns the workflow lifecycle. Every write keeps the trigger
// cache and the scheduler in line with the stored definition.
type WorkflowService struct {
	repo     repository.WorkflowRepository
	triggers *triggers.Cache
	sched    Scheduler
	catalog  engine.ActionCatalog
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorkflowService creates the service. catalog may be nil, in which case
// action ids are not checked on save.
func NewWorkflowService(repo repository.WorkflowRepository, cache *triggers.Cache, sched Scheduler, catalog engine.ActionCatalog, logger *slog.Logger) *WorkflowService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkflowService{
		repo:     repo,
		triggers: cache,
		sched:    sched,
		catalog:  catalog,
		logger:   logger.With("component", "workflows"),
		now:      time.Now,
	}
}

func (s *WorkflowService) Get(ctx context.Context, id string) (*flow.Workflow, error) {
	return s.repo.Get(ctx, id)
}

func (s *WorkflowService) List(ctx context.Context) ([]*flow.Workflow, error) {
	return s.repo.List(ctx)
}

// Create validates and stores a new workflow. An id is generated when empty.
func (s *WorkflowService) Create(ctx context.Context, wf *flow.Workflow) (*flow.Workflow, error) {
	if wf.ID == "" {
		wf.ID = flow.GenerateID("wf")
	}
	now := s.now()
	wf.CreatedAt, wf.UpdatedAt = now, now
	wf.LastExecutedAt = nil
	if err := s.Validate(wf); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, wf); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}
	s.sync(wf)
	s.logger.Info("workflow created", "workflow_id", wf.ID, "active", wf.Active)
	return wf, nil
}

// Update replaces the definition of an existing workflow. Creation and last
// execution times are kept.
func (s *WorkflowService) Update(ctx context.Context, wf *flow.Workflow) (*flow.Workflow, error) {
	existing, err := s.repo.Get(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	wf.CreatedAt = existing.CreatedAt
	wf.LastExecutedAt = existing.LastExecutedAt
	wf.UpdatedAt = s.now()
	if err := s.Validate(wf); err != nil {
		return nil, err
	}
	if err := s.repo.Update(ctx, wf); err != nil {
		return nil, fmt.Errorf("update workflow: %w", err)
	}
	s.sync(wf)
	return wf, nil
}

// SetActive activates or deactivates a workflow and registers or drops its
// chat trigger and schedule accordingly.
func (s *WorkflowService) SetActive(ctx context.Context, id string, active bool) (*flow.Workflow, error) {
	wf, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Active = active
	wf.UpdatedAt = s.now()
	if active {
		if err := s.Validate(wf); err != nil {
			return nil, err
		}
	}
	if err := s.repo.Update(ctx, wf); err != nil {
		return nil, fmt.Errorf("update workflow: %w", err)
	}
	s.sync(wf)
	s.logger.Info("workflow activation changed", "workflow_id", id, "active", active)
	return wf, nil
}

func (s *WorkflowService) Delete(ctx context.Context, id string) error {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	s.triggers.Remove(id)
	s.sched.Remove(id)
	return nil
}

// Validate rejects graphs the engine could not run: duplicate or dangling
// ids, cycles, unknown actions and malformed trigger configuration.
func (s *WorkflowService) Validate(wf *flow.Workflow) error {
	if strings.TrimSpace(wf.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidWorkflow)
	}
	if _, err := engine.BuildDAG(&wf.Graph); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorkflow, err)
	}

	triggerCount := 0
	for _, n := range wf.Graph.Nodes {
		if s.catalog != nil && !s.catalog.Supports(n.Type, n.ActionID) {
			return fmt.Errorf("%w: node %s: action %q is not available", ErrInvalidWorkflow, n.ID, n.ActionID)
		}
		if n.Type != flow.NodeTypeTrigger {
			continue
		}
		triggerCount++
		if err := s.validateTrigger(n); err != nil {
			return fmt.Errorf("%w: node %s: %w", ErrInvalidWorkflow, n.ID, err)
		}
	}
	if triggerCount > 1 {
		return fmt.Errorf("%w: at most one trigger node is allowed, found %d", ErrInvalidWorkflow, triggerCount)
	}
	return nil
}

func (s *WorkflowService) validateTrigger(n flow.Node) error {
	switch n.ActionID {
	case flow.ActionTriggerSchedule:
		cfg, err := flow.DecodeActionConfig(n.ActionID, n.Config)
		if err != nil {
			return err
		}
		_, _, err = scheduler.NextRunAt(*cfg.(*flow.ScheduleTriggerConfig), s.now(), s.sched.Location())
		return err
	case flow.ActionTriggerChat:
		single := &flow.Workflow{Graph: flow.WorkflowGraph{Nodes: []flow.Node{n}}}
		_, err := triggers.FromWorkflow(single)
		return err
	}
	return nil
}

func (s *WorkflowService) sync(wf *flow.Workflow) {
	s.triggers.Sync(wf)
	if err := s.sched.Upsert(wf); err != nil && !errors.Is(err, scheduler.ErrNoSchedule) {
		s.logger.Warn("workflow not scheduled", "workflow_id", wf.ID, "err", err)
	}
}
