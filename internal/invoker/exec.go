package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"

	"github.com/alexisbeaulieu97/cohort/internal/config"
	"github.com/alexisbeaulieu97/cohort/internal/logger"
	"github.com/alexisbeaulieu97/cohort/internal/step"
)

// Environment passed to every tool.
const (
	EnvStepKind    = "COHORT_STEP_KIND"
	EnvFingerprint = "COHORT_FINGERPRINT"
	EnvOutputDir   = "COHORT_OUTPUT_DIR"
	EnvRunID       = "COHORT_RUN_ID"
)

// ExecInvoker runs the command configured for each step kind. The request is
// written to the command's stdin as JSON.
type ExecInvoker struct {
	Tools  map[string]config.Tool
	Stdout io.Writer
	Stderr io.Writer
	Logger *logger.Logger
}

// NewExecInvoker returns an invoker for the given tool table.
func NewExecInvoker(tools map[string]config.Tool, log *logger.Logger) *ExecInvoker {
	return &ExecInvoker{Tools: tools, Logger: log}
}

// Missing lists the tool names that have no configured command, sorted.
func (e *ExecInvoker) Missing(names []string) []string {
	var missing []string
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		if tool, ok := e.Tools[name]; !ok || len(tool.Command) == 0 {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

// Invoke runs the tool for req.Step and verifies its declared outputs.
func (e *ExecInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	if req.Step == nil {
		return Result{}, fmt.Errorf("request has no step")
	}

	name := req.Step.Invocation.Tool
	tool, ok := e.Tools[name]
	if !ok || len(tool.Command) == 0 {
		return Result{}, fmt.Errorf("no tool configured for %q", name)
	}

	if req.OutputDir != "" {
		if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
			return Result{}, fmt.Errorf("create output directory: %w", err)
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	cmd := exec.CommandContext(ctx, tool.Command[0], tool.Command[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr
	cmd.Dir = tool.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = req.OutputDir
	}
	cmd.Env = append(os.Environ(),
		EnvStepKind+"="+string(req.Step.Kind),
		EnvFingerprint+"="+string(req.Step.Fingerprint),
		EnvOutputDir+"="+req.OutputDir,
		EnvRunID+"="+req.RunID,
	)
	keys := make([]string, 0, len(tool.Env))
	for key := range tool.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		cmd.Env = append(cmd.Env, key+"="+tool.Env[key])
	}

	e.Logger.ForStep(string(req.Step.Fingerprint), string(req.Step.Kind), req.Step.Label).
		With("tool", name).
		Debug("invoking tool")

	res, runErr := runStreaming(cmd, req.Step.Label)
	result := Result{Outputs: req.Step.Outputs, Stdout: res.Stdout, Stderr: res.Stderr}
	if runErr != nil {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if out := primaryOutput(res); out != "" {
			return result, fmt.Errorf("%s: %w: %s", name, runErr, out)
		}
		return result, fmt.Errorf("%s: %w", name, runErr)
	}

	if err := VerifyOutputs(result.Outputs); err != nil {
		return result, fmt.Errorf("%s: %w", name, err)
	}
	return result, nil
}

// VerifyOutputs checks that every declared output exists and is non-empty.
// Directories count as empty when they have no entries.
func VerifyOutputs(outputs []step.Output) error {
	for _, out := range outputs {
		info, err := os.Stat(out.Path)
		if err != nil {
			return fmt.Errorf("declared output %s missing: %w", out.Name, err)
		}
		empty := info.Size() == 0
		if info.IsDir() {
			entries, err := os.ReadDir(out.Path)
			if err != nil {
				return fmt.Errorf("declared output %s unreadable: %w", out.Name, err)
			}
			empty = len(entries) == 0
		}
		if empty {
			return fmt.Errorf("declared output %s is empty", out.Name)
		}
	}
	return nil
}
