package services

import (
	"context"
	"testing"
	"time"

	"github.com/soochol/nodeflow/internal/engine"
	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/repository"
	"github.com/soochol/nodeflow/internal/scheduler"
	"github.com/soochol/nodeflow/internal/triggers"
)

// echoDispatcher succeeds with the resolved config as output unless the
// config asks it to fail.
type echoDispatcher struct{}

func (echoDispatcher) Supports(flow.NodeType, string) bool { return true }

func (echoDispatcher) Execute(_ context.Context, _ flow.NodeType, _ string, cfg map[string]any) flow.ActionResult {
	if fail, _ := cfg["fail"].(bool); fail {
		return flow.ActionResult{Error: "asked to fail"}
	}
	return flow.OK(map[string]any{"echo": cfg})
}

type harness struct {
	workflows *WorkflowService
	exec      *ExecutionService
	repo      *repository.MemoryWorkflowRepository
	runs      *repository.MemoryRunRepository
	rm        *RunManager
	cache     *triggers.Cache
	sched     *scheduler.Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		repo:  repository.NewMemoryWorkflowRepository(),
		runs:  repository.NewMemoryRunRepository(),
		rm:    NewRunManager(time.Minute),
		cache: triggers.NewCache(nil),
	}
	eng := engine.NewEngine(echoDispatcher{}, h.runs, h.repo, h.rm, nil, engine.Options{})
	h.exec = NewExecutionService(eng, h.repo, h.cache, NewRunLimiter(Limits{}), h.rm, nil)
	h.sched = scheduler.New(h.exec, scheduler.Options{}, nil)
	h.workflows = NewWorkflowService(h.repo, h.cache, h.sched, echoDispatcher{}, nil)
	t.Cleanup(func() {
		h.exec.Stop()
		h.rm.Stop()
	})
	return h
}

// waitRun blocks until the run is terminal and returns its stored record.
func (h *harness) waitRun(t *testing.T, runID string) *flow.ExecutionRun {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		_, notify, done, found := h.rm.Subscribe(runID, 0)
		if !found {
			t.Fatalf("run %s not tracked", runID)
		}
		if done {
			run, err := h.runs.GetRun(context.Background(), runID)
			if err != nil {
				t.Fatalf("get run %s: %v", runID, err)
			}
			return run
		}
		select {
		case <-notify:
		case <-deadline:
			t.Fatalf("run %s did not finish", runID)
		}
	}
}

func triggerNode(actionID string, cfg map[string]any) flow.Node {
	return flow.Node{ID: "trigger", Type: flow.NodeTypeTrigger, ActionID: actionID, Config: cfg}
}

// pipeline builds trigger -> step, where step echoes the trigger's output.
func pipeline(name string, trigger flow.Node, stepCfg map[string]any) *flow.Workflow {
	if stepCfg == nil {
		stepCfg = map[string]any{"from": "{{trigger}}"}
	}
	return &flow.Workflow{
		Name: name,
		Graph: flow.WorkflowGraph{
			Nodes: []flow.Node{trigger, {ID: "step", Type: flow.NodeTypeHTTP, ActionID: flow.ActionHTTPRequest, Config: stepCfg}},
			Edges: []flow.Edge{{ID: "e1", Source: "trigger", Target: "step"}},
		},
	}
}
