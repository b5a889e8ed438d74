package engine

import (
	"context"
	"time"

	"github.com/alexisbeaulieu97/cohort/internal/invoker"
	"github.com/alexisbeaulieu97/cohort/internal/ledger"
	"github.com/alexisbeaulieu97/cohort/internal/logger"
	"github.com/alexisbeaulieu97/cohort/internal/step"
)

// ResourceAcquirer resolves shared assets for fetch_resource nodes.
type ResourceAcquirer interface {
	Acquire(ctx context.Context, key, version string) (string, error)
}

// NodeResult is reported once per node when it reaches a terminal state.
type NodeResult struct {
	Fingerprint step.Fingerprint
	Kind        step.Kind
	Label       string
	Status      ledger.Status
	Reason      string
	Detail      string
	Reused      bool
	Duration    time.Duration
}

// RunContext contains everything one run needs. The application service
// builds a fresh one per run.
type RunContext struct {
	Context context.Context
	RunID   string

	// Parallel bounds the number of running nodes.
	Parallel int
	// Timeout is the default per-node timeout; zero disables it.
	Timeout time.Duration

	// DatasetRoot resolves the relative paths of external inputs.
	DatasetRoot string

	Ledger    ledger.Ledger
	Invoker   invoker.Invoker
	Resources ResourceAcquirer
	Logger    *logger.Logger

	// OnNodeResult is called from the coordinating goroutine.
	OnNodeResult func(NodeResult)

	// Now is overridable for tests.
	Now func() time.Time
}

func (rc *RunContext) now() time.Time {
	if rc.Now != nil {
		return rc.Now()
	}
	return time.Now()
}
