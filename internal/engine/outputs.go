package engine

import (
	"bytes"
	"encoding/json"
	"sync"
)

// NodeOutputs holds the outputs produced so far in one run, keyed by node
// id. Entries are added once and never replaced or removed.
type NodeOutputs struct {
	mu   sync.RWMutex
	data map[string]any
}

func NewNodeOutputs() *NodeOutputs {
	return &NodeOutputs{data: make(map[string]any)}
}

// Set records the output of nodeID. Values are normalised to their JSON
// shape (maps, []any, json.Number, string, bool) so path lookups see one
// representation regardless of what the action returned. Set reports false
// if the node already has an output.
func (o *NodeOutputs) Set(nodeID string, value any) bool {
	norm := normalize(value)
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.data[nodeID]; exists {
		return false
	}
	o.data[nodeID] = norm
	return true
}

func (o *NodeOutputs) Get(nodeID string) (any, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	v, ok := o.data[nodeID]
	return v, ok
}

func (o *NodeOutputs) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.data)
}

// Snapshot returns a shallow copy safe for concurrent use.
func (o *NodeOutputs) Snapshot() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	cp := make(map[string]any, len(o.data))
	for k, v := range o.data {
		cp[k] = v
	}
	return cp
}

func normalize(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}
