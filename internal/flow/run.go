package flow

import "time"

// RunStatus is the lifecycle state of an ExecutionRun.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// TriggerType identifies how a run was initiated.
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerWebhook   TriggerType = "WEBHOOK"
)

// NodeStatus is the execution state of a node within a run.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "PENDING"
	NodeStatusRunning   NodeStatus = "RUNNING"
	NodeStatusCompleted NodeStatus = "COMPLETED"
	NodeStatusFailed    NodeStatus = "FAILED"
	NodeStatusSkipped   NodeStatus = "SKIPPED"
)

// ExecutionRun is one invocation of a workflow graph.
type ExecutionRun struct {
	ID          string                `json:"executionId"`
	WorkflowID  string                `json:"workflowId"`
	Status      RunStatus             `json:"status"`
	TriggerType TriggerType           `json:"triggerType"`
	StartedAt   time.Time             `json:"startedAt"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
	DurationMs  int64                 `json:"durationMs"`
	Error       string                `json:"error,omitempty"`
	Nodes       []NodeExecutionRecord `json:"nodes,omitempty"`
}

// NodeRecord returns the record for nodeID, if present.
func (r *ExecutionRun) NodeRecord(nodeID string) (*NodeExecutionRecord, bool) {
	for i := range r.Nodes {
		if r.Nodes[i].NodeID == nodeID {
			return &r.Nodes[i], true
		}
	}
	return nil, false
}

// NodeExecutionRecord tracks one node within one run.
type NodeExecutionRecord struct {
	RunID          string         `json:"executionId"`
	NodeID         string         `json:"nodeId"`
	ResolvedConfig map[string]any `json:"resolvedConfig,omitempty"`
	Status         NodeStatus     `json:"status"`
	OutputData     map[string]any `json:"outputData,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
}

// ActionResult is the uniform outcome of dispatching one node.
type ActionResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Fail builds a failed ActionResult from an error.
func Fail(err error) ActionResult {
	return ActionResult{Success: false, Error: err.Error()}
}

// OK builds a successful ActionResult.
func OK(data map[string]any) ActionResult {
	return ActionResult{Success: true, Data: data}
}
