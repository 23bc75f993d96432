package engine

import (
	"errors"
	"fmt"
	"sort"

	"github.com/soochol/nodeflow/internal/flow"
)

// ErrInvalidGraph is the parent of every configuration error a graph can
// carry. Configuration errors are fatal for a run and never retried.
var ErrInvalidGraph = errors.New("invalid workflow graph")

var (
	ErrCycle         = fmt.Errorf("%w: cycle detected", ErrInvalidGraph)
	ErrUnknownNode   = fmt.Errorf("%w: edge references unknown node", ErrInvalidGraph)
	ErrDuplicateNode = fmt.Errorf("%w: duplicate node id", ErrInvalidGraph)
	ErrEmptyNodeID   = fmt.Errorf("%w: node has empty id", ErrInvalidGraph)
)

// DAG is the planned form of a WorkflowGraph: adjacency, in-degrees and the
// execution order derived from them.
type DAG struct {
	nodes    map[string]*flow.Node
	ids      []string // declaration order
	index    map[string]int
	children map[string][]string
	parents  map[string][]string
	outEdges map[string][]flow.Edge
	levels   [][]string
	order    []string
}

// BuildDAG validates the graph and plans it. Ties between nodes that become
// ready together are broken by declaration order, so identical graphs always
// produce identical plans.
func BuildDAG(g *flow.WorkflowGraph) (*DAG, error) {
	d := &DAG{
		nodes:    make(map[string]*flow.Node, len(g.Nodes)),
		ids:      make([]string, 0, len(g.Nodes)),
		index:    make(map[string]int, len(g.Nodes)),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
		outEdges: make(map[string][]flow.Edge),
	}

	for i := range g.Nodes {
		n := &g.Nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("%w (index %d)", ErrEmptyNodeID, i)
		}
		if _, exists := d.nodes[n.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		d.nodes[n.ID] = n
		d.index[n.ID] = len(d.ids)
		d.ids = append(d.ids, n.ID)
	}

	for _, e := range g.Edges {
		if _, ok := d.nodes[e.Source]; !ok {
			return nil, fmt.Errorf("%w: %s (edge %s)", ErrUnknownNode, e.Source, e.ID)
		}
		if _, ok := d.nodes[e.Target]; !ok {
			return nil, fmt.Errorf("%w: %s (edge %s)", ErrUnknownNode, e.Target, e.ID)
		}
		d.children[e.Source] = append(d.children[e.Source], e.Target)
		d.parents[e.Target] = append(d.parents[e.Target], e.Source)
		d.outEdges[e.Source] = append(d.outEdges[e.Source], e)
	}

	levels, err := d.plan()
	if err != nil {
		return nil, err
	}
	d.levels = levels
	for _, lvl := range levels {
		d.order = append(d.order, lvl...)
	}
	return d, nil
}

// plan runs Kahn's algorithm one ready batch at a time.
func (d *DAG) plan() ([][]string, error) {
	inDegree := make(map[string]int, len(d.ids))
	for _, id := range d.ids {
		inDegree[id] = len(d.parents[id])
	}

	var ready []string
	for _, id := range d.ids {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var levels [][]string
	planned := 0
	for len(ready) > 0 {
		levels = append(levels, ready)
		planned += len(ready)

		var next []string
		for _, id := range ready {
			for _, c := range d.children[id] {
				inDegree[c]--
				if inDegree[c] == 0 {
					next = append(next, c)
				}
			}
		}
		sort.SliceStable(next, func(i, j int) bool { return d.index[next[i]] < d.index[next[j]] })
		ready = next
	}

	if planned != len(d.ids) {
		return nil, ErrCycle
	}
	return levels, nil
}

// Order is the linear execution order: every node follows all of its
// predecessors.
func (d *DAG) Order() []string { return d.order }

// Levels groups the order into ready batches. Nodes within one batch have no
// dependency on each other.
func (d *DAG) Levels() [][]string { return d.levels }

func (d *DAG) Len() int                       { return len(d.ids) }
func (d *DAG) Node(id string) *flow.Node      { return d.nodes[id] }
func (d *DAG) Children(id string) []string    { return d.children[id] }
func (d *DAG) Parents(id string) []string     { return d.parents[id] }
func (d *DAG) OutEdges(id string) []flow.Edge { return d.outEdges[id] }
func (d *DAG) Index(id string) int            { return d.index[id] }
func (d *DAG) NodeIDs() []string              { return d.ids }

// Roots returns the nodes without predecessors, in declaration order.
func (d *DAG) Roots() []string {
	if len(d.levels) == 0 {
		return nil
	}
	return d.levels[0]
}
