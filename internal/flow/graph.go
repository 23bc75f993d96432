package flow

import "time"

// NodeType is the integration family a node belongs to.
type NodeType string

const (
	NodeTypeTrigger   NodeType = "trigger"
	NodeTypeCondition NodeType = "condition"
	NodeTypeHTTP      NodeType = "http"
	NodeTypeEmail     NodeType = "email"
	NodeTypeStorage   NodeType = "storage"
	NodeTypeChat      NodeType = "chat"
	NodeTypeAI        NodeType = "ai"
	NodeTypeFeed      NodeType = "feed"
)

// Branch handles carried by edges leaving a conditional node.
const (
	BranchTrue  = "true"
	BranchFalse = "false"
)

// WorkflowGraph is the node/edge snapshot a run executes against.
type WorkflowGraph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

type Node struct {
	ID       string         `json:"id" yaml:"id"`
	Type     NodeType       `json:"type" yaml:"type"`
	ActionID string         `json:"actionId" yaml:"actionId"`
	Config   map[string]any `json:"config" yaml:"config"`
}

// Edge is a directed dependency. SourceHandle is only set on edges leaving
// a conditional node and names the branch ("true"/"false") it belongs to.
type Edge struct {
	ID           string `json:"id" yaml:"id"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
}

// Workflow is a stored, user-owned graph definition.
type Workflow struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Active         bool          `json:"active"`
	Graph          WorkflowGraph `json:"graph"`
	LastExecutedAt *time.Time    `json:"lastExecutedAt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

// Node returns the node with the given id.
func (g *WorkflowGraph) Node(id string) (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// TriggerNode returns the first node of type trigger in declaration order.
func (g *WorkflowGraph) TriggerNode() (*Node, bool) {
	for i := range g.Nodes {
		if g.Nodes[i].Type == NodeTypeTrigger {
			return &g.Nodes[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy so a run can hold an immutable snapshot.
func (g WorkflowGraph) Clone() WorkflowGraph {
	out := WorkflowGraph{
		Nodes: make([]Node, len(g.Nodes)),
		Edges: make([]Edge, len(g.Edges)),
	}
	for i, n := range g.Nodes {
		n.Config = CloneValue(n.Config).(map[string]any)
		out.Nodes[i] = n
	}
	copy(out.Edges, g.Edges)
	return out
}

// CloneValue deep-copies JSON-shaped values (maps, slices, primitives).
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		if val == nil {
			return map[string]any(nil)
		}
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = CloneValue(item)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = CloneValue(item)
		}
		return cp
	default:
		return val
	}
}
