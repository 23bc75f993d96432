package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/flow/ports"
)

// ActionCatalog is implemented by dispatchers that can tell ahead of time
// whether an action is configured. The engine uses it to reject a graph
// before any node runs.
type ActionCatalog interface {
	Supports(nodeType flow.NodeType, actionID string) bool
}

// Options tunes how a run is scheduled.
type Options struct {
	// ParallelLevels dispatches the nodes of each planner level concurrently
	// and joins them before the next level starts.
	ParallelLevels bool
	// MaxParallel caps concurrent dispatches within a level (0 = no cap).
	MaxParallel int
}

// Request describes one run to execute.
type Request struct {
	Workflow    *flow.Workflow
	TriggerType flow.TriggerType
	// TriggerPayload, when non-nil, is seeded as the trigger node's output
	// and the trigger node is not dispatched.
	TriggerPayload map[string]any
	// RunID pre-assigns the execution id; one is generated when empty.
	RunID string
}

// Result is the terminal state of a run.
type Result struct {
	Run     *flow.ExecutionRun
	Outputs map[string]any
}

// Engine executes workflow graphs. It is safe for concurrent use; every run
// owns its own outputs, records and pruner.
type Engine struct {
	dispatcher ports.ActionDispatcher
	store      ports.RunStore
	workflows  ports.WorkflowSource
	sink       ports.ProgressSink
	logger     *slog.Logger
	opts       Options
	now        func() time.Time
}

// NewEngine wires an Engine. workflows and sink may be nil.
func NewEngine(dispatcher ports.ActionDispatcher, store ports.RunStore, workflows ports.WorkflowSource, sink ports.ProgressSink, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		dispatcher: dispatcher,
		store:      store,
		workflows:  workflows,
		sink:       sink,
		logger:     logger.With("component", "engine"),
		opts:       opts,
		now:        time.Now,
	}
}

// runState is everything one run mutates.
type runState struct {
	run      *flow.ExecutionRun
	graph    flow.WorkflowGraph
	records  map[string]*flow.NodeExecutionRecord
	outputs  *NodeOutputs
	pruner   *Pruner
	seeded   map[string]bool
	finished atomic.Int32
}

// Run executes req to a terminal state. The returned Result is always set
// once the run record exists; err carries the run's failure (configuration
// or node error) so callers can log it. A nil Result means the run could not
// be created at all.
func (e *Engine) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Workflow == nil {
		return nil, errors.New("run request has no workflow")
	}
	if req.TriggerType == "" {
		req.TriggerType = flow.TriggerManual
	}
	runID := req.RunID
	if runID == "" {
		runID = flow.GenerateID("run")
	}

	st := &runState{
		run: &flow.ExecutionRun{
			ID:          runID,
			WorkflowID:  req.Workflow.ID,
			Status:      flow.RunStatusRunning,
			TriggerType: req.TriggerType,
			StartedAt:   e.now(),
		},
		graph:   req.Workflow.Graph.Clone(),
		records: make(map[string]*flow.NodeExecutionRecord, len(req.Workflow.Graph.Nodes)),
		outputs: NewNodeOutputs(),
		seeded:  make(map[string]bool),
	}
	log := e.logger.With("run_id", runID, "workflow_id", req.Workflow.ID)

	if err := e.store.CreateRun(ctx, st.run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	log.Info("run started", "trigger", req.TriggerType, "nodes", len(st.graph.Nodes))
	e.emit(st, flow.ProgressEvent{Type: flow.EventRunStart})

	for _, n := range st.graph.Nodes {
		rec := &flow.NodeExecutionRecord{RunID: runID, NodeID: n.ID, Status: flow.NodeStatusPending}
		st.records[n.ID] = rec
		if err := e.store.CreateNodeRecord(ctx, rec); err != nil {
			log.Warn("create node record failed", "node_id", n.ID, "err", err)
		}
	}

	dag, err := BuildDAG(&st.graph)
	if err == nil {
		err = e.checkActions(dag)
	}
	if err != nil {
		log.Error("workflow graph rejected", "err", err)
		return e.failRun(ctx, st, "", err.Error()), err
	}
	st.pruner = NewPruner(dag)

	if req.TriggerPayload != nil {
		if tn, ok := st.graph.TriggerNode(); ok {
			e.seedTrigger(ctx, st, tn, req.TriggerPayload)
		}
	}

	var failed *nodeFailure
	if e.opts.ParallelLevels {
		failed = e.executeLevels(ctx, st, dag)
	} else {
		failed = e.executeLinear(ctx, st, dag)
	}
	if failed != nil {
		log.Warn("run failed", "node_id", failed.nodeID, "err", failed.msg)
		return e.failRun(ctx, st, failed.nodeID, failed.msg), fmt.Errorf("node %q: %s", failed.nodeID, failed.msg)
	}
	return e.completeRun(ctx, st), nil
}

type nodeFailure struct {
	nodeID string
	msg    string
}

func (e *Engine) executeLinear(ctx context.Context, st *runState, dag *DAG) *nodeFailure {
	for _, id := range dag.Order() {
		if st.seeded[id] || st.pruner.IsSkipped(id) {
			continue
		}
		node := dag.Node(id)
		res := e.executeNode(ctx, st, node)
		if !res.Success {
			return &nodeFailure{nodeID: id, msg: res.Error}
		}
		e.afterSuccess(ctx, st, node, res)
	}
	return nil
}

// executeLevels runs each planner level as a batch of concurrent dispatches.
// A failure lets the rest of its level finish but stops the run before the
// next level; branch pruning is applied after the join in declaration order.
func (e *Engine) executeLevels(ctx context.Context, st *runState, dag *DAG) *nodeFailure {
	for _, level := range dag.Levels() {
		var batch []*flow.Node
		for _, id := range level {
			if st.seeded[id] || st.pruner.IsSkipped(id) {
				continue
			}
			batch = append(batch, dag.Node(id))
		}
		if len(batch) == 0 {
			continue
		}

		results := make([]flow.ActionResult, len(batch))
		var g errgroup.Group
		if e.opts.MaxParallel > 0 {
			g.SetLimit(e.opts.MaxParallel)
		}
		for i, node := range batch {
			g.Go(func() error {
				results[i] = e.executeNode(ctx, st, node)
				if results[i].Success {
					st.outputs.Set(node.ID, results[i].Data)
				}
				return nil
			})
		}
		_ = g.Wait()

		for i, node := range batch {
			if !results[i].Success {
				return &nodeFailure{nodeID: node.ID, msg: results[i].Error}
			}
		}
		for i, node := range batch {
			e.afterSuccess(ctx, st, node, results[i])
		}
	}
	return nil
}

// executeNode resolves, records and dispatches one node. It holds no lock
// while the dispatch is outstanding.
func (e *Engine) executeNode(ctx context.Context, st *runState, node *flow.Node) flow.ActionResult {
	rec := st.records[node.ID]
	resolved := ResolveConfig(node.Config, st.outputs)

	started := e.now()
	rec.ResolvedConfig = resolved
	rec.Status = flow.NodeStatusRunning
	rec.StartedAt = &started
	e.updateRecord(ctx, rec)
	e.emit(st, flow.ProgressEvent{Type: flow.EventNodeStart, NodeID: node.ID})

	res := e.dispatch(ctx, node, resolved)

	completed := e.now()
	rec.CompletedAt = &completed
	if res.Success {
		rec.Status = flow.NodeStatusCompleted
		rec.OutputData = res.Data
	} else {
		if res.Error == "" {
			res.Error = "action failed without an error message"
		}
		rec.Status = flow.NodeStatusFailed
		rec.Error = res.Error
	}
	e.updateRecord(ctx, rec)
	st.finished.Add(1)

	if res.Success {
		e.emit(st, flow.ProgressEvent{Type: flow.EventNodeComplete, NodeID: node.ID, Output: res.Data})
	} else {
		e.emit(st, flow.ProgressEvent{Type: flow.EventNodeError, NodeID: node.ID, Error: res.Error})
	}
	return res
}

// dispatch shields the run from dispatcher panics.
func (e *Engine) dispatch(ctx context.Context, node *flow.Node, resolved map[string]any) (res flow.ActionResult) {
	defer func() {
		if r := recover(); r != nil {
			res = flow.ActionResult{Error: fmt.Sprintf("action %s panicked: %v", node.ActionID, r)}
		}
	}()
	return e.dispatcher.Execute(ctx, node.Type, node.ActionID, resolved)
}

func (e *Engine) afterSuccess(ctx context.Context, st *runState, node *flow.Node, res flow.ActionResult) {
	st.outputs.Set(node.ID, res.Data)
	if node.Type != flow.NodeTypeCondition {
		return
	}
	branch := branchTaken(res.Data)
	for _, id := range st.pruner.Prune(node.ID, branch) {
		rec := st.records[id]
		rec.Status = flow.NodeStatusSkipped
		e.updateRecord(ctx, rec)
		st.finished.Add(1)
		e.emit(st, flow.ProgressEvent{Type: flow.EventNodeSkipped, NodeID: id})
	}
}

func (e *Engine) seedTrigger(ctx context.Context, st *runState, node *flow.Node, payload map[string]any) {
	now := e.now()
	rec := st.records[node.ID]
	rec.Status = flow.NodeStatusCompleted
	rec.OutputData = payload
	rec.StartedAt = &now
	rec.CompletedAt = &now
	st.outputs.Set(node.ID, payload)
	st.seeded[node.ID] = true
	e.updateRecord(ctx, rec)
	st.finished.Add(1)
	e.emit(st, flow.ProgressEvent{Type: flow.EventNodeComplete, NodeID: node.ID, Output: payload})
}

// checkActions rejects nodes whose action is not configured, before any of
// them runs.
func (e *Engine) checkActions(dag *DAG) error {
	catalog, ok := e.dispatcher.(ActionCatalog)
	if !ok {
		return nil
	}
	for _, id := range dag.NodeIDs() {
		n := dag.Node(id)
		if !catalog.Supports(n.Type, n.ActionID) {
			return fmt.Errorf("%w: node %s has unconfigured action %q", ErrInvalidGraph, id, n.ActionID)
		}
	}
	return nil
}

func (e *Engine) failRun(ctx context.Context, st *runState, nodeID, msg string) *Result {
	e.finishRun(ctx, st, flow.RunStatusFailed, msg)
	e.emit(st, flow.ProgressEvent{Type: flow.EventRunError, NodeID: nodeID, Error: msg})
	return e.result(st)
}

func (e *Engine) completeRun(ctx context.Context, st *runState) *Result {
	e.finishRun(ctx, st, flow.RunStatusCompleted, "")
	if e.workflows != nil {
		if err := e.workflows.MarkExecuted(ctx, st.run.WorkflowID, *st.run.CompletedAt); err != nil {
			e.logger.Warn("mark workflow executed failed", "workflow_id", st.run.WorkflowID, "err", err)
		}
	}
	e.logger.Info("run completed", "run_id", st.run.ID, "duration_ms", st.run.DurationMs)
	e.emit(st, flow.ProgressEvent{Type: flow.EventRunComplete})
	return e.result(st)
}

func (e *Engine) finishRun(ctx context.Context, st *runState, status flow.RunStatus, msg string) {
	if st.run.Status.Terminal() {
		return
	}
	now := e.now()
	st.run.Status = status
	st.run.Error = msg
	st.run.CompletedAt = &now
	st.run.DurationMs = now.Sub(st.run.StartedAt).Milliseconds()
	st.run.Nodes = st.snapshotRecords()
	if err := e.store.UpdateRun(ctx, st.run); err != nil {
		e.logger.Warn("update run failed", "run_id", st.run.ID, "err", err)
	}
}

func (e *Engine) updateRecord(ctx context.Context, rec *flow.NodeExecutionRecord) {
	cp := *rec
	if err := e.store.UpdateNodeRecord(ctx, &cp); err != nil {
		e.logger.Warn("update node record failed", "run_id", rec.RunID, "node_id", rec.NodeID, "err", err)
	}
}

func (e *Engine) emit(st *runState, ev flow.ProgressEvent) {
	if e.sink == nil {
		return
	}
	ev.RunID = st.run.ID
	ev.WorkflowID = st.run.WorkflowID
	ev.Timestamp = e.now()
	ev.Progress = flow.Progress{Current: int(st.finished.Load()), Total: len(st.graph.Nodes)}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("progress sink panicked", "run_id", ev.RunID, "event", ev.Type, "panic", r)
		}
	}()
	e.sink.Emit(ev)
}

func (e *Engine) result(st *runState) *Result {
	run := *st.run
	run.Nodes = st.snapshotRecords()
	return &Result{Run: &run, Outputs: st.outputs.Snapshot()}
}

func (st *runState) snapshotRecords() []flow.NodeExecutionRecord {
	out := make([]flow.NodeExecutionRecord, 0, len(st.graph.Nodes))
	for _, n := range st.graph.Nodes {
		out = append(out, *st.records[n.ID])
	}
	return out
}

// branchTaken reads the branch a conditional node declared. A missing value
// yields "", which prunes every tagged branch.
func branchTaken(data map[string]any) string {
	switch v := data["branchTaken"].(type) {
	case bool:
		if v {
			return flow.BranchTrue
		}
		return flow.BranchFalse
	case string:
		return v
	default:
		return ""
	}
}
