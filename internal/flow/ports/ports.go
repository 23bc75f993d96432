// Package ports declares the collaborator contracts the orchestration core
// consumes. Implementations live in dispatch, repository, credentials and
// services; the engine, trigger cache and scheduler depend only on these.
package ports

import (
	"context"
	"time"

	"github.com/soochol/nodeflow/internal/flow"
)

// ActionDispatcher invokes the integration action bound to a node. It must
// not block indefinitely and must not panic: every failure, timeouts
// included, is reported through ActionResult.Error.
type ActionDispatcher interface {
	Execute(ctx context.Context, nodeType flow.NodeType, actionID string, config map[string]any) flow.ActionResult
}

// ProgressSink observes run progress. Emit is best-effort and must return
// immediately.
type ProgressSink interface {
	Emit(ev flow.ProgressEvent)
}

// RunStore persists runs and node records. The engine creates records
// before work starts and updates them after each transition.
type RunStore interface {
	CreateRun(ctx context.Context, run *flow.ExecutionRun) error
	UpdateRun(ctx context.Context, run *flow.ExecutionRun) error
	CreateNodeRecord(ctx context.Context, rec *flow.NodeExecutionRecord) error
	UpdateNodeRecord(ctx context.Context, rec *flow.NodeExecutionRecord) error
}

// WorkflowSource looks up workflow definitions for runs, triggers and
// schedules.
type WorkflowSource interface {
	Get(ctx context.Context, id string) (*flow.Workflow, error)
	ListActive(ctx context.Context) ([]*flow.Workflow, error)
	MarkExecuted(ctx context.Context, id string, at time.Time) error
}

// TokenProvider hands out access tokens for stored credentials. Refresh and
// expiry are the provider's concern.
type TokenProvider interface {
	GetToken(ctx context.Context, credentialID string) (string, error)
}

// SinkFunc adapts a function to ProgressSink.
type SinkFunc func(ev flow.ProgressEvent)

func (f SinkFunc) Emit(ev flow.ProgressEvent) { f(ev) }
