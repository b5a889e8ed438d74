package main

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/cohort/internal/engine"
	"github.com/alexisbeaulieu97/cohort/internal/ledger"
	cohorterrors "github.com/alexisbeaulieu97/cohort/pkg/errors"
)

func TestPrinterStatusWithoutTerminal(t *testing.T) {
	t.Parallel()

	p := newPrinter(false)
	require.Equal(t, "+ Done", p.status(ledger.StatusDone, false))
	require.Equal(t, "= Reused", p.status(ledger.StatusDone, true))
	require.Equal(t, "x Failed", p.status(ledger.StatusFailed, false))
	require.Equal(t, "- Skipped", p.status(ledger.StatusSkipped, false))
	require.Equal(t, ". Pending", p.status(ledger.StatusPending, false))
}

func TestFormatNodeResult(t *testing.T) {
	t.Parallel()

	p := newPrinter(false)
	done := formatNodeResult(p, engine.NodeResult{
		Fingerprint: "0123456789abcdef0123",
		Label:       "smoothing sub-01 task-faces",
		Status:      ledger.StatusDone,
		Duration:    1500 * time.Millisecond,
	})
	require.Contains(t, done, "0123456789ab  smoothing sub-01 task-faces (1.5s)")

	failed := formatNodeResult(p, engine.NodeResult{
		Fingerprint: "0123456789abcdef0123",
		Label:       "smoothing sub-01 task-faces",
		Status:      ledger.StatusFailed,
		Reason:      "timeout",
		Detail:      "context deadline exceeded",
	})
	require.Contains(t, failed, "[timeout]: context deadline exceeded")
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, exitCode(&incompleteRunError{failed: 1}))
	require.Equal(t, 2, exitCode(cohorterrors.NewSpecificationError("tools", "missing", nil)))
	require.Equal(t, 2, exitCode(newCommandError("run", "loading", cohorterrors.NewParseError("x.yaml", 3, errors.New("bad")), "fix it")))
	require.Equal(t, 3, exitCode(errors.New("disk full")))
}

func TestFormatRelativeTime(t *testing.T) {
	t.Parallel()

	require.Equal(t, "never", formatRelativeTime(time.Time{}))
	require.Equal(t, "just now", formatRelativeTime(time.Now()))
	require.Equal(t, "5m ago", formatRelativeTime(time.Now().Add(-5*time.Minute-time.Second)))
	require.Equal(t, "2d ago", formatRelativeTime(time.Now().Add(-49*time.Hour)))
}
