package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	apprun "github.com/alexisbeaulieu97/cohort/internal/app/run"
	"github.com/alexisbeaulieu97/cohort/internal/ledger"
)

const recentRuns = 5

type statusOptions struct {
	jsonOutput bool
	all        bool
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	opts := &statusOptions{}

	cmd := &cobra.Command{
		Use:   "status <spec.yaml>",
		Short: "Show the recorded state of every step and recent runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateSpecPath(args[0]); err != nil {
				return err
			}
			return runStatus(cmd, flags, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output in JSON format")
	cmd.Flags().BoolVar(&opts.all, "all", false, "List done steps too")

	return cmd
}

func runStatus(cmd *cobra.Command, flags *rootFlags, opts *statusOptions, path string) error {
	app, err := newAppContext(cmd, flags)
	if err != nil {
		return err
	}

	prepared, err := app.service.Prepare(path, apprun.Overrides{WorkDir: flags.workDir})
	if err != nil {
		return err
	}

	report, err := app.service.Status(cmd.Context(), prepared)
	if err != nil {
		return newCommandError("status", "reading the run ledger", err, "Check that the work directory is readable.")
	}

	if opts.jsonOutput {
		return renderStatusJSON(cmd, report)
	}
	return renderStatusTable(cmd, report, opts.all)
}

func renderStatusTable(cmd *cobra.Command, report *apprun.StatusReport, all bool) error {
	out := cmd.OutOrStdout()
	p := newPrinter(isTerminal(out))

	counts := report.Counts()
	fmt.Fprintf(out, "%s %d steps: %d done, %d failed, %d skipped, %d pending\n",
		p.title("Status"), len(report.Nodes),
		counts[ledger.StatusDone], counts[ledger.StatusFailed], counts[ledger.StatusSkipped],
		counts[ledger.StatusPending]+counts[ledger.StatusRunning])
	if report.Stale > 0 {
		fmt.Fprintf(out, "%d recorded steps no longer belong to the specification\n", report.Stale)
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "FINGERPRINT\tSTATUS\tUPDATED\tSTEP\tDETAIL")
	for _, n := range report.Nodes {
		if n.Status == ledger.StatusDone && !all {
			continue
		}
		detail := n.Detail
		if n.Reason != "" {
			detail = fmt.Sprintf("[%s] %s", n.Reason, detail)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			n.Fingerprint.Short(),
			p.status(n.Status, false),
			formatRelativeTime(n.UpdatedAt),
			n.Label,
			valueOrFallback(detail, "-"),
		)
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if len(report.Runs) == 0 {
		fmt.Fprintln(out, "\nNo runs recorded yet.")
		return nil
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, p.section("Recent runs"))
	runs := report.Runs
	if len(runs) > recentRuns {
		runs = runs[len(runs)-recentRuns:]
	}
	writer = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "RUN\tSTARTED\tDURATION\tRESULT\tDONE\tFAILED\tSKIPPED")
	for i := len(runs) - 1; i >= 0; i-- {
		r := runs[i]
		result := p.status(ledger.StatusDone, false)
		if !r.Succeeded() {
			result = p.status(ledger.StatusFailed, false)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%d\t%d\t%d\n",
			shortID(r.RunID),
			formatRelativeTime(r.StartedAt),
			formatDuration(r.Duration),
			result,
			r.Done, r.Failed, r.Skipped,
		)
	}
	return writer.Flush()
}

type statusJSONNode struct {
	Fingerprint string    `json:"fingerprint"`
	Kind        string    `json:"kind"`
	Label       string    `json:"label"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

type statusJSONPayload struct {
	Version string                `json:"version"`
	Counts  map[ledger.Status]int `json:"counts"`
	Stale   int                   `json:"stale"`
	Nodes   []statusJSONNode      `json:"nodes"`
	Runs    []apprun.HistoryEntry `json:"runs"`
}

func renderStatusJSON(cmd *cobra.Command, report *apprun.StatusReport) error {
	payload := statusJSONPayload{
		Version: "1.0",
		Counts:  report.Counts(),
		Stale:   report.Stale,
		Nodes:   make([]statusJSONNode, len(report.Nodes)),
		Runs:    report.Runs,
	}
	for i, n := range report.Nodes {
		payload.Nodes[i] = statusJSONNode{
			Fingerprint: n.Fingerprint.String(),
			Kind:        n.Kind.String(),
			Label:       n.Label,
			Status:      string(n.Status),
			Reason:      n.Reason,
			Detail:      n.Detail,
			UpdatedAt:   n.UpdatedAt,
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
