package main

import (
	"fmt"

	"github.com/spf13/cobra"

	apprun "github.com/alexisbeaulieu97/cohort/internal/app/run"
)

func newPlanCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <spec.yaml>",
		Short: "Show the steps a run would execute without running them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateSpecPath(args[0]); err != nil {
				return err
			}
			return runPlan(cmd, flags, args[0])
		},
	}
	return cmd
}

func runPlan(cmd *cobra.Command, flags *rootFlags, path string) error {
	app, err := newAppContext(cmd, flags)
	if err != nil {
		return err
	}

	prepared, err := app.service.Prepare(path, apprun.Overrides{WorkDir: flags.workDir})
	if err != nil {
		return err
	}

	plan, err := app.service.Plan(cmd.Context(), prepared)
	if err != nil {
		return newCommandError("plan", "reading previous results", err, "Check that the work directory is readable.")
	}

	out := cmd.OutOrStdout()
	p := newPrinter(isTerminal(out))

	total, reused := plan.Counts()
	fmt.Fprintf(out, "%s %s\n", p.title("Plan for"), prepared.Path)
	if prepared.Provenance.Versioned() {
		fmt.Fprintf(out, "Dataset revision %s (%s)\n", prepared.Provenance.ShortRevision(), valueOrFallback(prepared.Provenance.Branch, "detached"))
	}
	fmt.Fprintf(out, "%d steps: %d to execute, %d reused\n\n", total, total-reused, reused)
	fmt.Fprint(out, plan.String())
	return nil
}
