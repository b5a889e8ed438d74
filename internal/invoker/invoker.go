// Package invoker is the boundary between the scheduler and the external
// programs that perform the actual neuroimaging computations.
package invoker

import (
	"context"

	"github.com/alexisbeaulieu97/cohort/internal/step"
)

// Input is one resolved input slot. Paths holds the upstream node's output
// files or the absolute path of an external artifact.
type Input struct {
	Slot  string   `json:"slot"`
	Paths []string `json:"paths"`
}

// Request carries everything a tool needs to run a step.
type Request struct {
	RunID     string           `json:"run_id"`
	Step      *step.Descriptor `json:"step"`
	Inputs    []Input          `json:"inputs"`
	OutputDir string           `json:"output_dir"`
}

// Result reports the artifacts produced by a successful invocation.
type Result struct {
	Outputs []step.Output
	Stdout  string
	Stderr  string
}

// Invoker runs one step. Implementations must honour ctx cancellation.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// Func adapts a function to the Invoker interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
