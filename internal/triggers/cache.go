// Package triggers keeps the in-memory index that routes live chat events to
// the workflows listening for them.
package triggers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/flow/ports"
)

// ErrNoChatTrigger means a workflow has no chat trigger node. It is not a
// failure; such workflows are simply not indexed.
var ErrNoChatTrigger = errors.New("workflow has no chat trigger")

type location struct {
	guildID   string
	channelID string
}

// Cache indexes chat triggers by guild, then channel. A reverse index from
// workflow id to its location keeps removal constant time. A workflow holds
// at most one entry.
type Cache struct {
	mu         sync.RWMutex
	byLocation map[string]map[string][]flow.CachedTrigger
	byWorkflow map[string]location
	logger     *slog.Logger
}

func NewCache(logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		byLocation: make(map[string]map[string][]flow.CachedTrigger),
		byWorkflow: make(map[string]location),
		logger:     logger.With("component", "triggers"),
	}
}

// Add indexes t, replacing any earlier entry for the same workflow.
func (c *Cache) Add(t flow.CachedTrigger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(t.WorkflowID)

	channels, ok := c.byLocation[t.GuildID]
	if !ok {
		channels = make(map[string][]flow.CachedTrigger)
		c.byLocation[t.GuildID] = channels
	}
	channels[t.ChannelID] = append(channels[t.ChannelID], t)
	c.byWorkflow[t.WorkflowID] = location{guildID: t.GuildID, channelID: t.ChannelID}
}

// Remove drops the workflow's entry. It reports whether one existed.
func (c *Cache) Remove(workflowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(workflowID)
}

func (c *Cache) removeLocked(workflowID string) bool {
	loc, ok := c.byWorkflow[workflowID]
	if !ok {
		return false
	}
	delete(c.byWorkflow, workflowID)

	channels := c.byLocation[loc.guildID]
	list := channels[loc.channelID]
	for i := range list {
		if list[i].WorkflowID == workflowID {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(channels, loc.channelID)
	} else {
		channels[loc.channelID] = list
	}
	if len(channels) == 0 {
		delete(c.byLocation, loc.guildID)
	}
	return true
}

// Lookup returns the triggers registered for the guild and channel whose
// author filter accepts authorID.
func (c *Cache) Lookup(guildID, channelID, authorID string) []flow.CachedTrigger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	candidates := c.byLocation[guildID][channelID]
	var out []flow.CachedTrigger
	for _, t := range candidates {
		if t.Accepts(authorID) {
			out = append(out, t)
		}
	}
	return out
}

func (c *Cache) HasWorkflow(workflowID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.byWorkflow[workflowID]
	return ok
}

// Len returns the number of indexed workflows.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byWorkflow)
}

// Sync brings the cache in line with one workflow: active workflows with a
// chat trigger are (re)indexed, anything else is removed.
func (c *Cache) Sync(wf *flow.Workflow) {
	if !wf.Active {
		c.Remove(wf.ID)
		return
	}
	t, err := FromWorkflow(wf)
	if err != nil {
		if !errors.Is(err, ErrNoChatTrigger) {
			c.logger.Warn("chat trigger not indexed", "workflow_id", wf.ID, "err", err)
		}
		c.Remove(wf.ID)
		return
	}
	c.Add(t)
}

// Build indexes every active workflow once. It is called at process start;
// afterwards the cache is kept current through Add, Remove and Sync.
func (c *Cache) Build(ctx context.Context, source ports.WorkflowSource) error {
	workflows, err := source.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active workflows: %w", err)
	}
	for _, wf := range workflows {
		c.Sync(wf)
	}
	c.logger.Info("trigger cache built", "workflows", len(workflows), "indexed", c.Len())
	return nil
}

// FromWorkflow extracts the chat trigger of wf.
func FromWorkflow(wf *flow.Workflow) (flow.CachedTrigger, error) {
	for _, n := range wf.Graph.Nodes {
		if n.Type != flow.NodeTypeTrigger || n.ActionID != flow.ActionTriggerChat {
			continue
		}
		cfg, err := flow.DecodeActionConfig(n.ActionID, n.Config)
		if err != nil {
			return flow.CachedTrigger{}, err
		}
		chat := cfg.(*flow.ChatTriggerConfig)
		if chat.GuildID == "" || chat.ChannelID == "" {
			return flow.CachedTrigger{}, fmt.Errorf("chat trigger %s: guildId and channelId are required", n.ID)
		}
		return flow.CachedTrigger{
			WorkflowID:   wf.ID,
			CredentialID: chat.CredentialID,
			GuildID:      chat.GuildID,
			ChannelID:    chat.ChannelID,
			AuthorFilter: chat.AuthorFilter,
		}, nil
	}
	return flow.CachedTrigger{}, ErrNoChatTrigger
}
