// Package ledger persists the per-node run records that make batches
// resumable.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/alexisbeaulieu97/cohort/internal/config"
	"github.com/alexisbeaulieu97/cohort/internal/step"
)

// Status is the lifecycle state of a node within a run.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Terminal reports whether no further transition is expected in this run.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusSkipped
}

// Reasons attached to failed and skipped records.
const (
	ReasonFailed          = "failed"
	ReasonTimeout         = "timeout"
	ReasonUpstreamFailure = "upstream_failure"
	ReasonCancelled       = "cancelled"

	// ReasonLedgerUnavailable marks steps that never started because a
	// record could not be written.
	ReasonLedgerUnavailable = "ledger_unavailable"
)

// Record is the durable state of one node.
type Record struct {
	Fingerprint step.Fingerprint `json:"fingerprint"`
	Kind        step.Kind        `json:"kind,omitempty"`
	Label       string           `json:"label,omitempty"`
	Status      Status           `json:"status"`
	Outputs     []step.Output    `json:"outputs,omitempty"`
	Reason      string           `json:"reason,omitempty"`
	Detail      string           `json:"detail,omitempty"`
	Chain       []string         `json:"chain,omitempty"`
	RunID       string           `json:"run_id,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Ledger stores records keyed by fingerprint. Record must be durable when it
// returns.
type Ledger interface {
	Record(ctx context.Context, rec Record) error
	Load(ctx context.Context) (map[step.Fingerprint]Record, error)
	Close() error
}

// Open returns the backend selected by settings.
func Open(settings config.LedgerSettings) (Ledger, error) {
	switch settings.Driver {
	case "", config.LedgerFile:
		return NewFileLedger(settings.Path)
	case config.LedgerSQLite:
		return OpenSQLite(settings.Path)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", settings.Driver)
	}
}
