// Package repository defines storage interfaces for workflows and runs, with
// in-memory and PostgreSQL-backed implementations.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/flow/ports"
)

// ErrNotFound is returned when a requested workflow or run does not exist.
var ErrNotFound = errors.New("not found")

// WorkflowRepository abstracts workflow persistence so callers don't
// need to know whether storage is in-memory, PostgreSQL, or a mix.
type WorkflowRepository interface {
	Create(ctx context.Context, wf *flow.Workflow) error
	Get(ctx context.Context, id string) (*flow.Workflow, error)
	List(ctx context.Context) ([]*flow.Workflow, error)
	ListActive(ctx context.Context) ([]*flow.Workflow, error)
	Update(ctx context.Context, wf *flow.Workflow) error
	Delete(ctx context.Context, id string) error
	MarkExecuted(ctx context.Context, id string, at time.Time) error
}

// RunRepository persists execution runs and their node records. It is the
// engine's write-ahead sink and backs the run history API.
type RunRepository interface {
	ports.RunStore
	GetRun(ctx context.Context, id string) (*flow.ExecutionRun, error)
	ListByWorkflow(ctx context.Context, workflowID string, limit, offset int) ([]*flow.ExecutionRun, int, error)
	// ListAll returns all runs. status filters by run status when non-empty ("" = all).
	ListAll(ctx context.Context, limit, offset int, status string) ([]*flow.ExecutionRun, int, error)
	// MarkOrphanedRunsFailed fails runs left RUNNING by a previous process.
	MarkOrphanedRunsFailed(ctx context.Context) (int64, error)
}

func cloneWorkflow(wf *flow.Workflow) *flow.Workflow {
	cp := *wf
	cp.Graph = wf.Graph.Clone()
	if wf.LastExecutedAt != nil {
		t := *wf.LastExecutedAt
		cp.LastExecutedAt = &t
	}
	return &cp
}

func cloneRecord(rec flow.NodeExecutionRecord) flow.NodeExecutionRecord {
	if rec.ResolvedConfig != nil {
		rec.ResolvedConfig = flow.CloneValue(rec.ResolvedConfig).(map[string]any)
	}
	if rec.OutputData != nil {
		rec.OutputData = flow.CloneValue(rec.OutputData).(map[string]any)
	}
	return rec
}

func cloneRun(r *flow.ExecutionRun) *flow.ExecutionRun {
	cp := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Nodes = make([]flow.NodeExecutionRecord, len(r.Nodes))
	for i, rec := range r.Nodes {
		cp.Nodes[i] = cloneRecord(rec)
	}
	return &cp
}

// page slices items by offset and limit; limit <= 0 means no limit.
func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}
