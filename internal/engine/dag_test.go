package engine

import (
	"errors"
	"testing"

	"github.com/soochol/nodeflow/internal/flow"
)

func graph(ids []string, edges ...[2]string) *flow.WorkflowGraph {
	g := &flow.WorkflowGraph{}
	for _, id := range ids {
		g.Nodes = append(g.Nodes, flow.Node{ID: id, Type: flow.NodeTypeHTTP, ActionID: flow.ActionHTTPRequest})
	}
	for i, e := range edges {
		g.Edges = append(g.Edges, flow.Edge{ID: "e" + string(rune('0'+i)), Source: e[0], Target: e[1]})
	}
	return g
}

func TestDAG_Build_LinearChain(t *testing.T) {
	dag, err := BuildDAG(graph([]string{"a", "b", "c"}, [2]string{"a", "b"}, [2]string{"b", "c"}))
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}
	order := dag.Order()
	if len(order) != 3 {
		t.Fatalf("order length: got %d, want 3", len(order))
	}
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("order: got %v, want [a b c]", order)
	}
	if len(dag.Levels()) != 3 {
		t.Errorf("levels: got %d, want 3", len(dag.Levels()))
	}
}

func TestDAG_Build_FanOut(t *testing.T) {
	dag, err := BuildDAG(graph([]string{"a", "b", "c", "d"},
		[2]string{"a", "b"}, [2]string{"a", "c"},
		[2]string{"b", "d"}, [2]string{"c", "d"},
	))
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}
	if len(dag.Children("a")) != 2 {
		t.Errorf("a children: got %d, want 2", len(dag.Children("a")))
	}
	if len(dag.Parents("d")) != 2 {
		t.Errorf("d parents: got %d, want 2", len(dag.Parents("d")))
	}
	roots := dag.Roots()
	if len(roots) != 1 || roots[0] != "a" {
		t.Errorf("roots: got %v, want [a]", roots)
	}
	levels := dag.Levels()
	if len(levels) != 3 || len(levels[1]) != 2 {
		t.Fatalf("levels: got %v, want [[a] [b c] [d]]", levels)
	}
	if levels[1][0] != "b" || levels[1][1] != "c" {
		t.Errorf("level 1: got %v, want [b c]", levels[1])
	}
}

func TestDAG_TieBreakUsesDeclarationOrder(t *testing.T) {
	// z is declared before y, and both become ready together.
	dag, err := BuildDAG(graph([]string{"root", "z", "y", "x"},
		[2]string{"root", "y"}, [2]string{"root", "z"}, [2]string{"root", "x"},
	))
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}
	want := []string{"root", "z", "y", "x"}
	got := dag.Order()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order: got %v, want %v", got, want)
		}
	}
}

func TestDAG_OrderIsDeterministic(t *testing.T) {
	g := graph([]string{"t", "b", "a", "c", "d"},
		[2]string{"t", "a"}, [2]string{"t", "b"}, [2]string{"a", "d"}, [2]string{"b", "c"},
	)
	first, err := BuildDAG(g)
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, _ := BuildDAG(g)
		for j, id := range first.Order() {
			if again.Order()[j] != id {
				t.Fatalf("run %d: order %v differs from %v", i, again.Order(), first.Order())
			}
		}
	}
}

func TestDAG_OrderRespectsPredecessors(t *testing.T) {
	g := graph([]string{"f", "e", "d", "c", "b", "a"},
		[2]string{"a", "b"}, [2]string{"a", "c"}, [2]string{"b", "d"},
		[2]string{"c", "d"}, [2]string{"d", "e"}, [2]string{"b", "f"}, [2]string{"e", "f"},
	)
	dag, err := BuildDAG(g)
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}
	pos := make(map[string]int)
	for i, id := range dag.Order() {
		pos[id] = i
	}
	for _, e := range g.Edges {
		if pos[e.Source] >= pos[e.Target] {
			t.Errorf("edge %s->%s violated by order %v", e.Source, e.Target, dag.Order())
		}
	}
}

func TestDAG_IsolatedNodesShareFirstLevel(t *testing.T) {
	dag, err := BuildDAG(graph([]string{"a", "b", "c"}, [2]string{"a", "c"}))
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}
	levels := dag.Levels()
	if len(levels[0]) != 2 || levels[0][0] != "a" || levels[0][1] != "b" {
		t.Errorf("level 0: got %v, want [a b]", levels[0])
	}
}

func TestDAG_CycleDetection(t *testing.T) {
	dag, err := BuildDAG(graph([]string{"a", "b", "c"},
		[2]string{"a", "b"}, [2]string{"b", "c"}, [2]string{"c", "b"},
	))
	if err == nil {
		t.Fatal("expected cycle error, got nil")
	}
	if !errors.Is(err, ErrCycle) || !errors.Is(err, ErrInvalidGraph) {
		t.Errorf("error: got %v, want ErrCycle wrapping ErrInvalidGraph", err)
	}
	if dag != nil {
		t.Error("expected no partial plan on cycle")
	}
}

func TestDAG_SelfLoop(t *testing.T) {
	_, err := BuildDAG(graph([]string{"a"}, [2]string{"a", "a"}))
	if !errors.Is(err, ErrCycle) {
		t.Errorf("error: got %v, want ErrCycle", err)
	}
}

func TestDAG_UnknownNode(t *testing.T) {
	_, err := BuildDAG(graph([]string{"a"}, [2]string{"a", "ghost"}))
	if !errors.Is(err, ErrUnknownNode) {
		t.Errorf("error: got %v, want ErrUnknownNode", err)
	}
}

func TestDAG_DuplicateNode(t *testing.T) {
	_, err := BuildDAG(graph([]string{"a", "a"}))
	if !errors.Is(err, ErrDuplicateNode) {
		t.Errorf("error: got %v, want ErrDuplicateNode", err)
	}
}

func TestDAG_EmptyGraph(t *testing.T) {
	dag, err := BuildDAG(&flow.WorkflowGraph{})
	if err != nil {
		t.Fatalf("BuildDAG: %v", err)
	}
	if dag.Len() != 0 || len(dag.Order()) != 0 {
		t.Errorf("expected empty plan, got %v", dag.Order())
	}
}
