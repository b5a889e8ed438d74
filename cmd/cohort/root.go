package main

import (
	"github.com/spf13/cobra"
)

type rootFlags struct {
	verbose bool
	workDir string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "cohort",
		Short:         "Cohort runs reproducible multi-subject fMRI analyses from a declarative specification",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable verbose logging and stream tool output")
	cmd.PersistentFlags().StringVar(&flags.workDir, "workdir", "", "Directory for step outputs and run state (overrides the specification and COHORT_WORKDIR)")

	cmd.AddCommand(newRunCmd(flags))
	cmd.AddCommand(newPlanCmd(flags))
	cmd.AddCommand(newStatusCmd(flags))
	cmd.AddCommand(newVersionCmd())

	return cmd
}
