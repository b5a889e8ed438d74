package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	apprun "github.com/alexisbeaulieu97/cohort/internal/app/run"
	"github.com/alexisbeaulieu97/cohort/internal/logger"
)

// serviceOptions lets tests substitute the tool invoker and resource provider.
var serviceOptions = func(opts apprun.Options) apprun.Options { return opts }

type appContext struct {
	logger  *logger.Logger
	service *apprun.Service
}

func newAppContext(cmd *cobra.Command, flags *rootFlags) (*appContext, error) {
	level := "info"
	if flags.verbose {
		level = "debug"
	}

	log, err := logger.New(logger.Options{
		Level:         level,
		HumanReadable: isTerminal(cmd.ErrOrStderr()),
		Writer:        cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, newCommandError("start", "initialising logger", err, "This is a bug; please report it.")
	}

	opts := apprun.Options{Logger: log}
	if flags.verbose {
		opts.ToolOutput = cmd.ErrOrStderr()
	}

	return &appContext{logger: log, service: apprun.NewService(serviceOptions(opts))}, nil
}

func isTerminal(w io.Writer) bool {
	if file, ok := w.(*os.File); ok {
		return term.IsTerminal(int(file.Fd()))
	}
	return false
}
