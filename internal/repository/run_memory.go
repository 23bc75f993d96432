package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/soochol/nodeflow/internal/flow"
)

const maxRunRecords = 1000

// MemoryRunRepository stores runs in memory with FIFO eviction. Node records
// live inside their run.
type MemoryRunRepository struct {
	mu      sync.RWMutex
	records map[string]*flow.ExecutionRun
	order   []string // insertion order for FIFO eviction
	limit   int
}

func NewMemoryRunRepository() *MemoryRunRepository {
	return &MemoryRunRepository{
		records: make(map[string]*flow.ExecutionRun),
		limit:   maxRunRecords,
	}
}

func (r *MemoryRunRepository) CreateRun(_ context.Context, run *flow.ExecutionRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[run.ID]; !exists {
		if len(r.order) >= r.limit {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.records, oldest)
		}
		r.order = append(r.order, run.ID)
	}
	r.records[run.ID] = cloneRun(run)
	return nil
}

// UpdateRun replaces the run's fields. The stored node records are kept
// when run carries none.
func (r *MemoryRunRepository) UpdateRun(_ context.Context, run *flow.ExecutionRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.records[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	next := cloneRun(run)
	if len(run.Nodes) == 0 {
		next.Nodes = prev.Nodes
	}
	r.records[run.ID] = next
	return nil
}

func (r *MemoryRunRepository) CreateNodeRecord(ctx context.Context, rec *flow.NodeExecutionRecord) error {
	return r.UpdateNodeRecord(ctx, rec)
}

// UpdateNodeRecord overwrites the node's record in its run, appending it on
// first write.
func (r *MemoryRunRepository) UpdateNodeRecord(_ context.Context, rec *flow.NodeExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.records[rec.RunID]
	if !ok {
		return fmt.Errorf("run %s: %w", rec.RunID, ErrNotFound)
	}
	if existing, ok := run.NodeRecord(rec.NodeID); ok {
		*existing = cloneRecord(*rec)
		return nil
	}
	run.Nodes = append(run.Nodes, cloneRecord(*rec))
	return nil
}

func (r *MemoryRunRepository) GetRun(_ context.Context, id string) (*flow.ExecutionRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	run, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return cloneRun(run), nil
}

func (r *MemoryRunRepository) ListByWorkflow(_ context.Context, workflowID string, limit, offset int) ([]*flow.ExecutionRun, int, error) {
	runs := r.filter(func(run *flow.ExecutionRun) bool { return run.WorkflowID == workflowID })
	return page(runs, limit, offset), len(runs), nil
}

func (r *MemoryRunRepository) ListAll(_ context.Context, limit, offset int, status string) ([]*flow.ExecutionRun, int, error) {
	runs := r.filter(func(run *flow.ExecutionRun) bool {
		return status == "" || string(run.Status) == status
	})
	return page(runs, limit, offset), len(runs), nil
}

func (r *MemoryRunRepository) MarkOrphanedRunsFailed(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	now := time.Now()
	for _, run := range r.records {
		if run.Status != flow.RunStatusRunning {
			continue
		}
		run.Status = flow.RunStatusFailed
		run.Error = "interrupted by server restart"
		run.CompletedAt = &now
		n++
	}
	return n, nil
}

// filter returns copies of matching runs, newest first.
func (r *MemoryRunRepository) filter(pred func(*flow.ExecutionRun) bool) []*flow.ExecutionRun {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*flow.ExecutionRun
	for _, run := range r.records {
		if pred(run) {
			out = append(out, cloneRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}
