package engine

import (
	"time"

	"github.com/alexisbeaulieu97/cohort/internal/ledger"
	"github.com/alexisbeaulieu97/cohort/internal/step"
)

// RunSummary reports the outcome of a run.
type RunSummary struct {
	RunID    string
	Done     int
	Failed   int
	Skipped  int
	Reused   int
	Executed int
	// Nodes lists every node that did not finish done, in declaration order.
	Nodes    []NodeSummary
	Duration time.Duration
}

// NodeSummary explains why a node did not complete.
type NodeSummary struct {
	Fingerprint step.Fingerprint
	Kind        step.Kind
	Label       string
	Status      ledger.Status
	Reason      string
	Detail      string
	// Chain walks from the node's first unsuccessful input down to the root
	// failure.
	Chain []string
}

// Total returns the number of nodes accounted for.
func (s *RunSummary) Total() int {
	if s == nil {
		return 0
	}
	return s.Done + s.Failed + s.Skipped
}

// Succeeded reports whether every node finished done.
func (s *RunSummary) Succeeded() bool {
	return s != nil && s.Failed == 0 && s.Skipped == 0
}

// Node returns the summary entry for fp.
func (s *RunSummary) Node(fp step.Fingerprint) (NodeSummary, bool) {
	if s == nil {
		return NodeSummary{}, false
	}
	for _, n := range s.Nodes {
		if n.Fingerprint == fp {
			return n, true
		}
	}
	return NodeSummary{}, false
}
