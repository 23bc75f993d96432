package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/soochol/nodeflow/internal/flow"
	memstore "github.com/soochol/nodeflow/internal/repository/memory"
)

// MemoryWorkflowRepository is a thread-safe in-memory WorkflowRepository.
// Values are copied on the way in and out so callers never share a graph.
type MemoryWorkflowRepository struct {
	store *memstore.Store[*flow.Workflow]
}

func NewMemoryWorkflowRepository() *MemoryWorkflowRepository {
	return &MemoryWorkflowRepository{
		store: memstore.New(func(w *flow.Workflow) string { return w.ID }).WithClone(cloneWorkflow),
	}
}

func (r *MemoryWorkflowRepository) Create(ctx context.Context, wf *flow.Workflow) error {
	return r.store.Set(ctx, wf)
}

func (r *MemoryWorkflowRepository) Get(ctx context.Context, id string) (*flow.Workflow, error) {
	wf, err := r.store.Get(ctx, id)
	if errors.Is(err, memstore.ErrNotFound) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return wf, err
}

func (r *MemoryWorkflowRepository) List(ctx context.Context) ([]*flow.Workflow, error) {
	all, err := r.store.All(ctx)
	sortWorkflows(all)
	return all, err
}

func (r *MemoryWorkflowRepository) ListActive(ctx context.Context) ([]*flow.Workflow, error) {
	active, err := r.store.Filter(ctx, func(w *flow.Workflow) bool { return w.Active })
	sortWorkflows(active)
	return active, err
}

func (r *MemoryWorkflowRepository) Update(ctx context.Context, wf *flow.Workflow) error {
	if !r.store.Has(ctx, wf.ID) {
		return fmt.Errorf("workflow %s: %w", wf.ID, ErrNotFound)
	}
	return r.store.Set(ctx, wf)
}

func (r *MemoryWorkflowRepository) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *MemoryWorkflowRepository) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	err := r.store.Update(ctx, id, func(w *flow.Workflow) (*flow.Workflow, error) {
		cp := cloneWorkflow(w)
		cp.LastExecutedAt = &at
		return cp, nil
	})
	if errors.Is(err, memstore.ErrNotFound) {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return err
}

// sortWorkflows orders newest first, matching the database listing.
func sortWorkflows(ws []*flow.Workflow) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].CreatedAt.Equal(ws[j].CreatedAt) {
			return ws[i].ID < ws[j].ID
		}
		return ws[i].CreatedAt.After(ws[j].CreatedAt)
	})
}
