package repository

import (
	"context"
	"log/slog"

	"github.com/soochol/nodeflow/internal/db"
	"github.com/soochol/nodeflow/internal/flow"
)

// PersistentRunRepository wraps a MemoryRunRepository with a PostgreSQL backend.
// Writes go to both stores (DB failure is logged but non-fatal).
// Reads try memory first, falling back to the database.
type PersistentRunRepository struct {
	mem *MemoryRunRepository
	db  *db.DB
}

func NewPersistentRunRepository(mem *MemoryRunRepository, database *db.DB) *PersistentRunRepository {
	return &PersistentRunRepository{mem: mem, db: database}
}

func (r *PersistentRunRepository) CreateRun(ctx context.Context, run *flow.ExecutionRun) error {
	_ = r.mem.CreateRun(ctx, run)
	if err := r.db.CreateRun(ctx, run); err != nil {
		slog.Warn("db create run failed, in-memory only", "run_id", run.ID, "err", err)
	}
	return nil
}

func (r *PersistentRunRepository) UpdateRun(ctx context.Context, run *flow.ExecutionRun) error {
	_ = r.mem.UpdateRun(ctx, run)
	if err := r.db.UpdateRun(ctx, run); err != nil {
		slog.Warn("db update run failed, in-memory only", "run_id", run.ID, "err", err)
	}
	return nil
}

func (r *PersistentRunRepository) CreateNodeRecord(ctx context.Context, rec *flow.NodeExecutionRecord) error {
	return r.UpdateNodeRecord(ctx, rec)
}

func (r *PersistentRunRepository) UpdateNodeRecord(ctx context.Context, rec *flow.NodeExecutionRecord) error {
	_ = r.mem.UpdateNodeRecord(ctx, rec)
	if err := r.db.UpsertNodeRun(ctx, rec); err != nil {
		slog.Warn("db write node record failed, in-memory only", "run_id", rec.RunID, "node_id", rec.NodeID, "err", err)
	}
	return nil
}

func (r *PersistentRunRepository) GetRun(ctx context.Context, id string) (*flow.ExecutionRun, error) {
	run, err := r.mem.GetRun(ctx, id)
	if err == nil {
		return run, nil
	}

	dbRun, dbErr := r.db.GetRun(ctx, id)
	if dbErr != nil {
		return nil, err // original ErrNotFound
	}
	return dbRun, nil
}

func (r *PersistentRunRepository) ListByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*flow.ExecutionRun, int, error) {
	runs, total, err := r.db.ListRunsByWorkflow(ctx, workflowID, limit, offset)
	if err == nil {
		return runs, total, nil
	}
	slog.Warn("db list runs failed, falling back to in-memory", "err", err)
	return r.mem.ListByWorkflow(ctx, workflowID, limit, offset)
}

func (r *PersistentRunRepository) ListAll(ctx context.Context, limit, offset int, status string) ([]*flow.ExecutionRun, int, error) {
	runs, total, err := r.db.ListAllRuns(ctx, limit, offset, status)
	if err == nil {
		return runs, total, nil
	}
	slog.Warn("db list all runs failed, falling back to in-memory", "err", err)
	return r.mem.ListAll(ctx, limit, offset, status)
}

func (r *PersistentRunRepository) MarkOrphanedRunsFailed(ctx context.Context) (int64, error) {
	return r.db.MarkOrphanedRunsFailed(ctx)
}
