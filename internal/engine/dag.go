package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/alexisbeaulieu97/cohort/internal/step"
)

// Node represents a vertex in the execution DAG.
type Node struct {
	Step       *step.Descriptor
	DependsOn  []*Node
	Dependents []*Node

	// Timeout overrides the run-wide per-node timeout when positive.
	Timeout time.Duration

	order int
}

// Fingerprint returns the node's identity.
func (n *Node) Fingerprint() step.Fingerprint { return n.Step.Fingerprint }

// Label returns the human readable name of the node.
func (n *Node) Label() string {
	if n.Step.Label != "" {
		return n.Step.Label
	}
	return string(n.Step.Kind) + " " + n.Step.Fingerprint.Short()
}

// Order is the node's position in declaration order.
func (n *Node) Order() int { return n.order }

// Graph is the arena of nodes keyed by fingerprint. Edges are added as nodes
// are inserted, so upstream nodes must be added first.
type Graph struct {
	Nodes  map[step.Fingerprint]*Node
	Order  []step.Fingerprint
	Levels [][]step.Fingerprint
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{Nodes: make(map[step.Fingerprint]*Node)}
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.Nodes) }

// Node looks up a node by fingerprint.
func (g *Graph) Node(fp step.Fingerprint) (*Node, bool) {
	n, ok := g.Nodes[fp]
	return n, ok
}

// AddNode inserts desc, or returns the existing node with the same
// fingerprint. The boolean reports whether a new node was created.
func (g *Graph) AddNode(desc *step.Descriptor) (*Node, bool, error) {
	if desc == nil || desc.Fingerprint == "" {
		return nil, false, fmt.Errorf("descriptor must carry a fingerprint")
	}
	if g.Nodes == nil {
		g.Nodes = make(map[step.Fingerprint]*Node)
	}

	if existing, ok := g.Nodes[desc.Fingerprint]; ok {
		return existing, false, nil
	}

	node := &Node{Step: desc, order: len(g.Order)}
	for _, upstream := range desc.Upstreams() {
		dep, ok := g.Nodes[upstream]
		if !ok {
			return nil, false, fmt.Errorf("%s: unknown upstream %s", desc.Kind, upstream.Short())
		}
		linkNodes(dep, node)
	}

	g.Nodes[desc.Fingerprint] = node
	g.Order = append(g.Order, desc.Fingerprint)
	return node, true, nil
}

func linkNodes(from, to *Node) {
	for _, existing := range to.DependsOn {
		if existing == from {
			return
		}
	}
	from.Dependents = append(from.Dependents, to)
	to.DependsOn = append(to.DependsOn, from)
}

// TopologicalSort computes the DAG levels using Kahn's algorithm. Nodes
// within a level keep declaration order.
func (g *Graph) TopologicalSort() error {
	indegree := make(map[step.Fingerprint]int, len(g.Nodes))
	for fp, node := range g.Nodes {
		indegree[fp] = len(node.DependsOn)
	}

	var queue []*Node
	for _, fp := range g.Order {
		if indegree[fp] == 0 {
			queue = append(queue, g.Nodes[fp])
		}
	}

	processed := 0
	var levels [][]step.Fingerprint

	for len(queue) > 0 {
		sortByOrder(queue)
		level := make([]step.Fingerprint, 0, len(queue))

		var next []*Node
		for _, node := range queue {
			processed++
			level = append(level, node.Fingerprint())
			for _, dependent := range node.Dependents {
				indegree[dependent.Fingerprint()]--
				if indegree[dependent.Fingerprint()] == 0 {
					next = append(next, dependent)
				}
			}
		}

		levels = append(levels, level)
		queue = next
	}

	if processed != len(g.Nodes) {
		return fmt.Errorf("cycle detected while sorting graph")
	}

	g.Levels = levels
	return nil
}

// Kinds lists the distinct step kinds present, in pipeline order.
func (g *Graph) Kinds() []step.Kind {
	present := make(map[step.Kind]struct{})
	for _, node := range g.Nodes {
		present[node.Step.Kind] = struct{}{}
	}
	var out []step.Kind
	for _, kind := range step.Kinds() {
		if _, ok := present[kind]; ok {
			out = append(out, kind)
		}
	}
	return out
}

// Descendants returns every node reachable from fp, excluding fp itself.
func (g *Graph) Descendants(fp step.Fingerprint) []step.Fingerprint {
	start, ok := g.Nodes[fp]
	if !ok {
		return nil
	}
	seen := make(map[step.Fingerprint]struct{})
	stack := append([]*Node(nil), start.Dependents...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, dup := seen[n.Fingerprint()]; dup {
			continue
		}
		seen[n.Fingerprint()] = struct{}{}
		stack = append(stack, n.Dependents...)
	}

	out := make([]step.Fingerprint, 0, len(seen))
	for _, f := range g.Order {
		if _, ok := seen[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

func sortByOrder(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].order < nodes[j].order })
}
