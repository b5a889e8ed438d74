package engine

import (
	"fmt"
	"strings"

	"github.com/alexisbeaulieu97/cohort/internal/step"
)

// ExecutionPlan contains the ordered execution levels of a graph.
type ExecutionPlan struct {
	Levels []ExecutionLevel
}

// ExecutionLevel represents a set of nodes that can run in parallel.
type ExecutionLevel struct {
	Nodes []PlannedNode
}

// PlannedNode is one entry of a plan.
type PlannedNode struct {
	Fingerprint step.Fingerprint
	Kind        step.Kind
	Label       string
	Weight      int
	Reused      bool
}

// GeneratePlan converts a DAG into an execution plan grouped by level.
// reusable marks nodes whose previous results will be kept; it may be nil.
func GeneratePlan(graph *Graph, reusable map[step.Fingerprint]bool) (*ExecutionPlan, error) {
	if graph == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	if graph.Levels == nil && graph.Len() > 0 {
		if err := graph.TopologicalSort(); err != nil {
			return nil, err
		}
	}

	weights := DownstreamWeights(graph)
	levels := make([]ExecutionLevel, 0, len(graph.Levels))
	for _, fps := range graph.Levels {
		level := ExecutionLevel{Nodes: make([]PlannedNode, 0, len(fps))}
		for _, fp := range fps {
			node := graph.Nodes[fp]
			level.Nodes = append(level.Nodes, PlannedNode{
				Fingerprint: fp,
				Kind:        node.Step.Kind,
				Label:       node.Label(),
				Weight:      weights[fp],
				Reused:      reusable[fp],
			})
		}
		levels = append(levels, level)
	}

	return &ExecutionPlan{Levels: levels}, nil
}

// Counts returns the total and reused node counts.
func (p *ExecutionPlan) Counts() (total, reused int) {
	if p == nil {
		return 0, 0
	}
	for _, level := range p.Levels {
		for _, n := range level.Nodes {
			total++
			if n.Reused {
				reused++
			}
		}
	}
	return total, reused
}

// String renders a human readable summary of the plan.
func (p *ExecutionPlan) String() string {
	if p == nil {
		return ""
	}

	var b strings.Builder
	for i, level := range p.Levels {
		fmt.Fprintf(&b, "Level %d (%d steps)\n", i, len(level.Nodes))
		for _, n := range level.Nodes {
			marker := " "
			if n.Reused {
				marker = "="
			}
			fmt.Fprintf(&b, "  %s %s  %s\n", marker, n.Fingerprint.Short(), n.Label)
		}
	}
	return b.String()
}

// DownstreamWeights counts, for every node, the distinct nodes that
// transitively depend on it.
func DownstreamWeights(graph *Graph) map[step.Fingerprint]int {
	weights := make(map[step.Fingerprint]int, graph.Len())
	for fp := range graph.Nodes {
		weights[fp] = len(graph.Descendants(fp))
	}
	return weights
}

// dispatchQueue orders ready nodes by downstream weight, heaviest first,
// then by declaration order. It implements heap.Interface.
type dispatchQueue struct {
	items   []*Node
	weights map[step.Fingerprint]int
}

func (q *dispatchQueue) Len() int { return len(q.items) }

func (q *dispatchQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	wa, wb := q.weights[a.Fingerprint()], q.weights[b.Fingerprint()]
	if wa != wb {
		return wa > wb
	}
	return a.order < b.order
}

func (q *dispatchQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *dispatchQueue) Push(x any) { q.items = append(q.items, x.(*Node)) }

func (q *dispatchQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}
