// Package dispatch binds node actions to the integrations that carry them
// out and adapts them to the engine's ActionDispatcher contract.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/flow/ports"
	"github.com/soochol/nodeflow/internal/storage"
)

// ErrUnknownAction is reported for nodes whose actionId has no registered
// implementation or does not belong to the node's type.
var ErrUnknownAction = errors.New("unknown action")

const DefaultTimeout = 60 * time.Second

// Action is one integration operation. Run receives the node's resolved
// configuration decoded into its typed variant.
type Action interface {
	ID() string
	Run(ctx context.Context, cfg flow.ActionConfig) (map[string]any, error)
}

// Registry maps action ids to implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

func NewRegistry() *Registry {
	return &Registry{actions: make(map[string]Action)}
}

func (r *Registry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.ID()] = a
}

func (r *Registry) Get(actionID string) (Action, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[actionID]
	return a, ok
}

// IDs returns the registered action ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.actions))
	for id := range r.actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Deps carries the collaborators built-in actions need.
type Deps struct {
	HTTPClient *http.Client
	Tokens     ports.TokenProvider
	Files      storage.Store
	// SendMail defaults to smtp.SendMail.
	SendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
	// TelegramBaseURL defaults to the public Bot API.
	TelegramBaseURL string
	AIBaseURL       string
	AIModel         string
	Now             func() time.Time
}

// NewDefaultRegistry registers every built-in action. Storage actions are
// only registered when a file store is configured, so graphs using them
// fail validation instead of failing mid-run.
func NewDefaultRegistry(d Deps) *Registry {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if d.SendMail == nil {
		d.SendMail = smtp.SendMail
	}
	if d.TelegramBaseURL == "" {
		d.TelegramBaseURL = "https://api.telegram.org"
	}
	if d.Now == nil {
		d.Now = time.Now
	}

	r := NewRegistry()
	for _, id := range []string{flow.ActionTriggerManual, flow.ActionTriggerSchedule, flow.ActionTriggerChat, flow.ActionTriggerWebhook} {
		r.Register(&triggerAction{id: id, now: d.Now})
	}
	r.Register(&conditionAction{})
	r.Register(&httpRequestAction{client: d.HTTPClient, tokens: d.Tokens})
	r.Register(&scrapeAction{client: d.HTTPClient})
	r.Register(&pageTextAction{client: d.HTTPClient})
	r.Register(&feedAction{client: d.HTTPClient})
	r.Register(&slackAction{client: d.HTTPClient})
	r.Register(&telegramAction{client: d.HTTPClient, tokens: d.Tokens, baseURL: d.TelegramBaseURL})
	r.Register(&emailAction{tokens: d.Tokens, send: d.SendMail})
	if d.Files != nil {
		r.Register(&writeFileAction{files: d.Files})
		r.Register(&readFileAction{files: d.Files})
		r.Register(&extractTextAction{files: d.Files})
		r.Register(&writeSheetAction{files: d.Files})
	}
	if d.AIBaseURL != "" {
		r.Register(&aiAction{client: d.HTTPClient, tokens: d.Tokens, baseURL: strings.TrimRight(d.AIBaseURL, "/"), model: d.AIModel})
	}
	return r
}

// Dispatcher executes actions from a Registry. Every call is bounded by a
// timeout and every failure, panics included, is returned as a failed
// ActionResult.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

var _ ports.ActionDispatcher = (*Dispatcher)(nil)

func New(registry *Registry, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, timeout: timeout, logger: logger.With("component", "dispatch")}
}

// Supports reports whether actionID is registered and belongs to nodeType.
func (d *Dispatcher) Supports(nodeType flow.NodeType, actionID string) bool {
	if !belongsTo(nodeType, actionID) {
		return false
	}
	_, ok := d.registry.Get(actionID)
	return ok
}

func (d *Dispatcher) Execute(ctx context.Context, nodeType flow.NodeType, actionID string, config map[string]any) (res flow.ActionResult) {
	action, ok := d.registry.Get(actionID)
	if !ok || !belongsTo(nodeType, actionID) {
		return flow.Fail(fmt.Errorf("%w: %s (node type %s)", ErrUnknownAction, actionID, nodeType))
	}
	cfg, err := flow.DecodeActionConfig(actionID, config)
	if err != nil {
		return flow.Fail(err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("action panicked", "action", actionID, "panic", r)
			res = flow.Fail(fmt.Errorf("action %s panicked: %v", actionID, r))
		}
	}()

	start := time.Now()
	data, err := action.Run(ctx, cfg)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%s timed out after %s: %w", actionID, d.timeout, err)
		}
		d.logger.Debug("action failed", "action", actionID, "duration", time.Since(start), "err", err)
		return flow.Fail(err)
	}
	d.logger.Debug("action completed", "action", actionID, "duration", time.Since(start))
	if data == nil {
		data = map[string]any{}
	}
	return flow.OK(data)
}

// belongsTo checks the "<nodeType>.<operation>" convention of action ids.
func belongsTo(nodeType flow.NodeType, actionID string) bool {
	prefix, _, ok := strings.Cut(actionID, ".")
	return ok && prefix == string(nodeType)
}

func token(ctx context.Context, tokens ports.TokenProvider, credentialID string) (string, error) {
	if credentialID == "" {
		return "", nil
	}
	if tokens == nil {
		return "", fmt.Errorf("credential %q requested but no token provider is configured", credentialID)
	}
	tok, err := tokens.GetToken(ctx, credentialID)
	if err != nil {
		return "", fmt.Errorf("credential %q: %w", credentialID, err)
	}
	return tok, nil
}
