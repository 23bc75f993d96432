package flow

import "time"

// ScheduledJob is the scheduler's in-memory record for one workflow.
type ScheduledJob struct {
	WorkflowID string    `json:"workflowId"`
	Date       string    `json:"date"` // YYYY-MM-DD
	Time       string    `json:"time"` // HH:MM
	Loop       bool      `json:"loop"`
	NextRunAt  time.Time `json:"nextRunAt"`
	Running    bool      `json:"running"`
}
