package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/soochol/nodeflow/internal/db"
	"github.com/soochol/nodeflow/internal/flow"
)

// PersistentWorkflowRepository wraps a MemoryWorkflowRepository with a
// PostgreSQL backend. Writes go to both stores (DB failure is logged but
// non-fatal). Reads try memory first, falling back to the database.
type PersistentWorkflowRepository struct {
	mem *MemoryWorkflowRepository
	db  *db.DB
}

func NewPersistentWorkflowRepository(mem *MemoryWorkflowRepository, database *db.DB) *PersistentWorkflowRepository {
	return &PersistentWorkflowRepository{mem: mem, db: database}
}

func (r *PersistentWorkflowRepository) Create(ctx context.Context, wf *flow.Workflow) error {
	_ = r.mem.Create(ctx, wf)
	if err := r.db.CreateWorkflow(ctx, wf); err != nil {
		slog.Warn("db create workflow failed, in-memory only", "workflow_id", wf.ID, "err", err)
	}
	return nil
}

func (r *PersistentWorkflowRepository) Get(ctx context.Context, id string) (*flow.Workflow, error) {
	wf, err := r.mem.Get(ctx, id)
	if err == nil {
		return wf, nil
	}

	row, dbErr := r.db.GetWorkflow(ctx, id)
	if dbErr != nil {
		return nil, err // original ErrNotFound
	}
	_ = r.mem.Create(ctx, row)
	return row, nil
}

func (r *PersistentWorkflowRepository) List(ctx context.Context) ([]*flow.Workflow, error) {
	rows, err := r.db.ListWorkflows(ctx, false)
	if err == nil {
		return rows, nil
	}
	slog.Warn("db list workflows failed, falling back to in-memory", "err", err)
	return r.mem.List(ctx)
}

func (r *PersistentWorkflowRepository) ListActive(ctx context.Context) ([]*flow.Workflow, error) {
	rows, err := r.db.ListWorkflows(ctx, true)
	if err == nil {
		for _, wf := range rows {
			_ = r.mem.Create(ctx, wf)
		}
		return rows, nil
	}
	slog.Warn("db list active workflows failed, falling back to in-memory", "err", err)
	return r.mem.ListActive(ctx)
}

func (r *PersistentWorkflowRepository) Update(ctx context.Context, wf *flow.Workflow) error {
	memErr := r.mem.Update(ctx, wf)
	if memErr != nil {
		// Not cached yet; the row may still exist in the database.
		_ = r.mem.Create(ctx, wf)
	}
	if err := r.db.UpdateWorkflow(ctx, wf); err != nil {
		if memErr != nil {
			_ = r.mem.Delete(ctx, wf.ID)
			return memErr
		}
		slog.Warn("db update workflow failed, in-memory only", "workflow_id", wf.ID, "err", err)
	}
	return nil
}

func (r *PersistentWorkflowRepository) Delete(ctx context.Context, id string) error {
	_ = r.mem.Delete(ctx, id)
	if err := r.db.DeleteWorkflow(ctx, id); err != nil {
		slog.Warn("db delete workflow failed", "workflow_id", id, "err", err)
	}
	return nil
}

func (r *PersistentWorkflowRepository) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	memErr := r.mem.MarkExecuted(ctx, id, at)
	if err := r.db.MarkWorkflowExecuted(ctx, id, at); err != nil {
		slog.Warn("db mark workflow executed failed", "workflow_id", id, "err", err)
		return memErr
	}
	return nil
}
