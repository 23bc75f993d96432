package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/soochol/nodeflow/internal/engine"
	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/flow/ports"
	"github.com/soochol/nodeflow/internal/triggers"
)

var (
	// ErrWorkflowInactive is returned when an event-driven or scheduled run
	// targets a workflow that is not active.
	ErrWorkflowInactive = errors.New("workflow is not active")
	// ErrNoWebhookTrigger means the workflow cannot be started by webhook.
	ErrNoWebhookTrigger = errors.New("workflow has no webhook trigger")
	// ErrInvalidSignature means the webhook HMAC did not match.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Runner executes one run to completion. *engine.Engine implements it.
type Runner interface {
	Run(ctx context.Context, req engine.Request) (*engine.Result, error)
}

// ExecutionService launches runs from every trigger source. Runs are
// admitted through the concurrency limiter and report progress to the
// RunManager through the engine's sink.
type ExecutionService struct {
	runner    Runner
	workflows ports.WorkflowSource
	triggers  *triggers.Cache
	limiter   *RunLimiter
	runs      *RunManager
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewExecutionService(runner Runner, workflows ports.WorkflowSource, cache *triggers.Cache, limiter *RunLimiter, runs *RunManager, logger *slog.Logger) *ExecutionService {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ExecutionService{
		runner:    runner,
		workflows: workflows,
		triggers:  cache,
		limiter:   limiter,
		runs:      runs,
		logger:    logger.With("component", "execution"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Stop cancels in-flight background runs and waits for them.
func (s *ExecutionService) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Start launches a run in the background and returns its id at once.
// Manual runs may target inactive workflows; other trigger types may not.
// A nil payload lets the trigger node dispatch normally.
func (s *ExecutionService) Start(ctx context.Context, workflowID string, tt flow.TriggerType, payload map[string]any) (string, error) {
	wf, err := s.lookup(ctx, workflowID, tt)
	if err != nil {
		return "", err
	}
	runID := flow.GenerateID("run")
	s.runs.Register(runID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.execute(s.ctx, wf, tt, payload, runID); err != nil {
			s.logger.Warn("background run ended with error", "run_id", runID, "workflow_id", wf.ID, "err", err)
		}
	}()
	return runID, nil
}

// RunScheduled executes the workflow for the scheduler and blocks until the
// run is terminal. A failed run is reported as an error.
func (s *ExecutionService) RunScheduled(ctx context.Context, workflowID string) error {
	wf, err := s.lookup(ctx, workflowID, flow.TriggerScheduled)
	if err != nil {
		return err
	}
	runID := flow.GenerateID("run")
	s.runs.Register(runID)

	res, err := s.execute(ctx, wf, flow.TriggerScheduled, nil, runID)
	if err != nil {
		return err
	}
	if res.Run.Status == flow.RunStatusFailed {
		return fmt.Errorf("run %s failed: %s", res.Run.ID, res.Run.Error)
	}
	return nil
}

// HandleChatEvent starts every active workflow whose chat trigger matches the
// event. The event payload is seeded as the trigger node's output.
func (s *ExecutionService) HandleChatEvent(ctx context.Context, ev flow.ChatEvent) ([]string, error) {
	matches := s.triggers.Lookup(ev.GuildID, ev.ChannelID, ev.AuthorID)
	var (
		runIDs []string
		errs   []error
	)
	for _, t := range matches {
		runID, err := s.Start(ctx, t.WorkflowID, flow.TriggerWebhook, ev.Payload())
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", t.WorkflowID, err))
			continue
		}
		runIDs = append(runIDs, runID)
	}
	if len(matches) > 0 {
		s.logger.Info("chat event dispatched", "guild_id", ev.GuildID, "channel_id", ev.ChannelID, "matched", len(matches), "started", len(runIDs))
	}
	return runIDs, errors.Join(errs...)
}

// HandleWebhook verifies the body against the workflow's webhook secret and
// starts a run seeded with the decoded body.
func (s *ExecutionService) HandleWebhook(ctx context.Context, workflowID string, body []byte, signature string) (string, error) {
	wf, err := s.lookup(ctx, workflowID, flow.TriggerWebhook)
	if err != nil {
		return "", err
	}
	node, ok := wf.Graph.TriggerNode()
	if !ok || node.ActionID != flow.ActionTriggerWebhook {
		return "", ErrNoWebhookTrigger
	}
	cfg, err := flow.DecodeActionConfig(node.ActionID, node.Config)
	if err != nil {
		return "", err
	}
	if secret := cfg.(*flow.WebhookTriggerConfig).Secret; secret != "" && !VerifyHMAC(body, secret, signature) {
		return "", ErrInvalidSignature
	}
	return s.Start(ctx, workflowID, flow.TriggerWebhook, webhookPayload(body))
}

// Stats reports limiter usage.
func (s *ExecutionService) Stats() RunLoad {
	return s.limiter.Stats()
}

func (s *ExecutionService) lookup(ctx context.Context, workflowID string, tt flow.TriggerType) (*flow.Workflow, error) {
	wf, err := s.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if tt != flow.TriggerManual && !wf.Active {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, ErrWorkflowInactive)
	}
	return wf, nil
}

func (s *ExecutionService) execute(ctx context.Context, wf *flow.Workflow, tt flow.TriggerType, payload map[string]any, runID string) (*engine.Result, error) {
	release, err := s.limiter.Acquire(ctx, wf.ID, tt)
	if err != nil {
		s.runs.Fail(runID, wf.ID, err.Error())
		return nil, fmt.Errorf("acquire run slot: %w", err)
	}
	defer release()

	res, err := s.runner.Run(ctx, engine.Request{
		Workflow:       wf,
		TriggerType:    tt,
		TriggerPayload: payload,
		RunID:          runID,
	})
	if res == nil {
		// The engine never created the run, so no terminal event was emitted.
		msg := "run could not start"
		if err != nil {
			msg = err.Error()
		}
		s.runs.Fail(runID, wf.ID, msg)
		return nil, err
	}
	return res, err
}

// VerifyHMAC checks the hex HMAC-SHA256 signature of a payload.
func VerifyHMAC(payload []byte, secret, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// webhookPayload decodes a JSON object body; anything else is exposed raw
// under "body".
func webhookPayload(body []byte) map[string]any {
	var obj map[string]any
	if len(body) > 0 && json.Unmarshal(body, &obj) == nil && obj != nil {
		return obj
	}
	return map[string]any{"body": string(body)}
}
