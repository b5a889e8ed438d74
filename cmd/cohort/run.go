package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	apprun "github.com/alexisbeaulieu97/cohort/internal/app/run"
	"github.com/alexisbeaulieu97/cohort/internal/engine"
	"github.com/alexisbeaulieu97/cohort/internal/ledger"
)

type runOptions struct {
	specPath string
	parallel int
	timeout  time.Duration
	quiet    bool
	showDiff bool
}

var runCmdRunner = runRun

func newRunCmd(flags *rootFlags) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <spec.yaml>",
		Short: "Execute a specification, reusing every step that is still valid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.specPath = args[0]
			if err := validateRunOptions(*opts); err != nil {
				return err
			}
			return runCmdRunner(cmd, flags, *opts)
		},
	}

	cmd.Flags().IntVarP(&opts.parallel, "parallel", "p", 0, "Maximum number of concurrent steps (overrides the specification)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Default per-step timeout, e.g. 2h (overrides the specification)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Only print the final summary")
	cmd.Flags().BoolVar(&opts.showDiff, "diff", false, "Print the full specification diff when it changed since the previous run")

	return cmd
}

func runRun(cmd *cobra.Command, flags *rootFlags, opts runOptions) error {
	app, err := newAppContext(cmd, flags)
	if err != nil {
		return err
	}

	prepared, err := app.service.Prepare(opts.specPath, apprun.Overrides{
		WorkDir:  flags.workDir,
		Parallel: opts.parallel,
		Timeout:  opts.timeout,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	p := newPrinter(isTerminal(out))

	fmt.Fprintf(out, "%s %s (%d steps, parallel %d)\n",
		p.title("Running"), prepared.Path, prepared.Graph.Len(), prepared.Spec.Settings.Parallel)

	var mu sync.Mutex
	onResult := func(r engine.NodeResult) {
		if opts.quiet {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintln(out, formatNodeResult(p, r))
	}

	outcome, runErr := app.service.Run(cmd.Context(), apprun.RunRequest{Prepared: prepared, OnNodeResult: onResult})
	if outcome == nil {
		return runErr
	}

	if drift := outcome.Drift; drift.Changed() {
		fmt.Fprintln(out, p.render(skippedStyle, fmt.Sprintf("Specification changed since the previous run (+%d -%d lines).", drift.Added, drift.Removed)))
		if opts.showDiff {
			fmt.Fprint(out, drift.Diff)
		}
	}

	renderSummary(out, p, outcome.Summary)

	if runErr != nil {
		return newCommandError("run", "recording step results", runErr, "Check that the work directory is writable; completed steps are reused on the next run.")
	}
	if s := outcome.Summary; s != nil && !s.Succeeded() {
		return &incompleteRunError{failed: s.Failed, skipped: s.Skipped}
	}
	return nil
}

func formatNodeResult(p printer, r engine.NodeResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %s  %s", p.status(r.Status, r.Reused), r.Fingerprint.Short(), r.Label)
	if r.Status == ledger.StatusDone && !r.Reused {
		fmt.Fprintf(&b, " (%s)", formatDuration(r.Duration))
	}
	if r.Reason != "" {
		fmt.Fprintf(&b, " [%s]", r.Reason)
	}
	if r.Detail != "" && r.Status == ledger.StatusFailed {
		fmt.Fprintf(&b, ": %s", r.Detail)
	}
	return b.String()
}

func renderSummary(w io.Writer, p printer, s *engine.RunSummary) {
	if s == nil {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s in %s\n", p.section("Run"), s.RunID, formatDuration(s.Duration))
	fmt.Fprintf(w, "  %s %d (reused %d, executed %d)\n", p.status(ledger.StatusDone, false), s.Done, s.Reused, s.Executed)
	fmt.Fprintf(w, "  %s %d\n", p.status(ledger.StatusFailed, false), s.Failed)
	fmt.Fprintf(w, "  %s %d\n", p.status(ledger.StatusSkipped, false), s.Skipped)

	if len(s.Nodes) == 0 {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, p.section("Incomplete steps"))
	for _, n := range s.Nodes {
		line := fmt.Sprintf("  %s %s", p.status(n.Status, false), n.Label)
		if n.Reason != "" {
			line += fmt.Sprintf(" [%s]", n.Reason)
		}
		if n.Detail != "" {
			line += ": " + n.Detail
		}
		fmt.Fprintln(w, line)
		for _, link := range n.Chain {
			fmt.Fprintf(w, "      <- %s\n", link)
		}
	}
}
