package flow

import "time"

// EventType names a progress event emitted during a run.
type EventType string

const (
	EventRunStart     EventType = "run:start"
	EventNodeStart    EventType = "node:start"
	EventNodeComplete EventType = "node:complete"
	EventNodeError    EventType = "node:error"
	EventNodeSkipped  EventType = "node:skipped"
	EventRunComplete  EventType = "run:complete"
	EventRunError     EventType = "run:error"
)

// Progress counts finished nodes against the graph size.
type Progress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// ProgressEvent is pushed to observers at every node and run transition.
type ProgressEvent struct {
	Type       EventType      `json:"type"`
	RunID      string         `json:"runId"`
	WorkflowID string         `json:"workflowId"`
	Timestamp  time.Time      `json:"timestamp"`
	NodeID     string         `json:"nodeId,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	Progress   Progress       `json:"progress"`
}

// Terminal reports whether the event closes the run.
func (e ProgressEvent) Terminal() bool {
	return e.Type == EventRunComplete || e.Type == EventRunError
}
