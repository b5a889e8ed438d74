package main

import (
	"errors"
	"fmt"

	cohorterrors "github.com/alexisbeaulieu97/cohort/pkg/errors"
)

func newCommandError(operation, context string, cause error, suggestion string) error {
	return &commandError{operation: operation, context: context, cause: cause, suggestion: suggestion}
}

type commandError struct {
	operation  string
	context    string
	cause      error
	suggestion string
}

func (e *commandError) Error() string {
	return fmt.Sprintf("Failed to %s: %s\n\nError: %v\n\nSuggestion: %s", e.operation, e.context, e.cause, e.suggestion)
}

func (e *commandError) Unwrap() error { return e.cause }

// incompleteRunError reports a run that finished with failed or skipped
// steps. The summary has already been printed.
type incompleteRunError struct {
	failed  int
	skipped int
}

func (e *incompleteRunError) Error() string {
	return fmt.Sprintf("run incomplete: %d failed, %d skipped", e.failed, e.skipped)
}

// exitCode maps an error to the process exit status: 1 for an incomplete run,
// 2 for an invalid specification and 3 for everything else.
func exitCode(err error) int {
	var incomplete *incompleteRunError
	if errors.As(err, &incomplete) {
		return 1
	}

	var specErr *cohorterrors.SpecificationError
	var parseErr *cohorterrors.ParseError
	if errors.As(err, &specErr) || errors.As(err, &parseErr) {
		return 2
	}
	return 3
}
