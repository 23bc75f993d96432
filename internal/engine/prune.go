package engine

// Pruner tracks which nodes of a run have been cut off by conditional
// branches. It is owned by a single run and is not safe for concurrent use.
type Pruner struct {
	dag     *DAG
	skipped map[string]bool
}

func NewPruner(dag *DAG) *Pruner {
	return &Pruner{dag: dag, skipped: make(map[string]bool)}
}

// Prune marks every node reachable through an edge of conditionalID whose
// branch handle differs from branch. Edges without a handle are never
// pruned. It returns the nodes newly marked by this call, in visit order;
// nodes already skipped are not returned again.
func (p *Pruner) Prune(conditionalID, branch string) []string {
	var work []string
	for _, e := range p.dag.OutEdges(conditionalID) {
		if e.SourceHandle == "" || e.SourceHandle == branch {
			continue
		}
		work = append(work, e.Target)
	}

	var marked []string
	for len(work) > 0 {
		id := work[0]
		work = work[1:]
		if p.skipped[id] || id == conditionalID {
			continue
		}
		p.skipped[id] = true
		marked = append(marked, id)
		work = append(work, p.dag.Children(id)...)
	}
	return marked
}

func (p *Pruner) IsSkipped(id string) bool { return p.skipped[id] }

// Skipped returns all skipped nodes in declaration order.
func (p *Pruner) Skipped() []string {
	var out []string
	for _, id := range p.dag.NodeIDs() {
		if p.skipped[id] {
			out = append(out, id)
		}
	}
	return out
}
