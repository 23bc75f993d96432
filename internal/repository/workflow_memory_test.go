package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/soochol/nodeflow/internal/flow"
)

func testWorkflow(id string, active bool, created time.Time) *flow.Workflow {
	return &flow.Workflow{
		ID:     id,
		Name:   "wf " + id,
		Active: active,
		Graph: flow.WorkflowGraph{
			Nodes: []flow.Node{{ID: "t", Type: flow.NodeTypeTrigger, ActionID: flow.ActionTriggerManual, Config: map[string]any{"k": "v"}}},
		},
		CreatedAt: created,
		UpdatedAt: created,
	}
}

func TestMemoryWorkflowRepo_CRUD(t *testing.T) {
	repo := NewMemoryWorkflowRepository()
	ctx := context.Background()
	now := time.Now()

	wf := testWorkflow("wf-1", false, now)
	if err := repo.Create(ctx, wf); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := repo.Get(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "wf wf-1" {
		t.Errorf("expected name 'wf wf-1', got %q", got.Name)
	}

	got.Name = "renamed"
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	got, _ = repo.Get(ctx, "wf-1")
	if got.Name != "renamed" {
		t.Errorf("expected updated name, got %q", got.Name)
	}

	if err := repo.Update(ctx, testWorkflow("missing", false, now)); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound updating a missing workflow, got %v", err)
	}

	if err := repo.Delete(ctx, "wf-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := repo.Get(ctx, "wf-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := repo.Delete(ctx, "wf-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestMemoryWorkflowRepo_IsolatesCallers(t *testing.T) {
	repo := NewMemoryWorkflowRepository()
	ctx := context.Background()

	wf := testWorkflow("wf-1", true, time.Now())
	_ = repo.Create(ctx, wf)
	wf.Graph.Nodes[0].Config["k"] = "mutated"

	got, _ := repo.Get(ctx, "wf-1")
	if got.Graph.Nodes[0].Config["k"] != "v" {
		t.Fatalf("stored graph changed through caller's pointer: %v", got.Graph.Nodes[0].Config)
	}
	got.Graph.Nodes[0].Config["k"] = "mutated"
	again, _ := repo.Get(ctx, "wf-1")
	if again.Graph.Nodes[0].Config["k"] != "v" {
		t.Fatalf("stored graph changed through returned pointer")
	}
}

func TestMemoryWorkflowRepo_ListActiveNewestFirst(t *testing.T) {
	repo := NewMemoryWorkflowRepository()
	ctx := context.Background()
	base := time.Now()

	_ = repo.Create(ctx, testWorkflow("old", true, base))
	_ = repo.Create(ctx, testWorkflow("new", true, base.Add(time.Minute)))
	_ = repo.Create(ctx, testWorkflow("off", false, base.Add(2*time.Minute)))

	all, _ := repo.List(ctx)
	if len(all) != 3 || all[0].ID != "off" {
		t.Fatalf("unexpected list order: %v", workflowIDs(all))
	}

	active, _ := repo.ListActive(ctx)
	if got := workflowIDs(active); len(got) != 2 || got[0] != "new" || got[1] != "old" {
		t.Fatalf("expected [new old], got %v", got)
	}
}

func TestMemoryWorkflowRepo_MarkExecuted(t *testing.T) {
	repo := NewMemoryWorkflowRepository()
	ctx := context.Background()
	_ = repo.Create(ctx, testWorkflow("wf-1", true, time.Now()))

	at := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	if err := repo.MarkExecuted(ctx, "wf-1", at); err != nil {
		t.Fatalf("mark executed: %v", err)
	}
	got, _ := repo.Get(ctx, "wf-1")
	if got.LastExecutedAt == nil || !got.LastExecutedAt.Equal(at) {
		t.Fatalf("expected last executed %v, got %v", at, got.LastExecutedAt)
	}

	if err := repo.MarkExecuted(ctx, "missing", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func workflowIDs(ws []*flow.Workflow) []string {
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.ID
	}
	return out
}
