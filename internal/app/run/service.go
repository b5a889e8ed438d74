// Package run wires the specification, graph builder, scheduler, ledger,
// resource cache and invoker into the use cases exposed by the CLI.
package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alexisbeaulieu97/cohort/internal/config"
	"github.com/alexisbeaulieu97/cohort/internal/engine"
	"github.com/alexisbeaulieu97/cohort/internal/invoker"
	"github.com/alexisbeaulieu97/cohort/internal/ledger"
	"github.com/alexisbeaulieu97/cohort/internal/logger"
	"github.com/alexisbeaulieu97/cohort/internal/provenance"
	"github.com/alexisbeaulieu97/cohort/internal/resource"
	"github.com/alexisbeaulieu97/cohort/internal/step"
	cohorterrors "github.com/alexisbeaulieu97/cohort/pkg/errors"
)

const historyName = "runs.json"

// ToolInvoker is an invoker that can report which step kinds it cannot run.
type ToolInvoker interface {
	invoker.Invoker
	Missing(kinds []string) []string
}

// Options configures a Service.
type Options struct {
	Logger *logger.Logger
	// Provider fetches shared resources; nil selects the default provider.
	Provider resource.Provider
	// NewInvoker builds the invoker for a specification; nil runs the
	// configured tools as external commands.
	NewInvoker func(spec *config.Specification, log *logger.Logger) ToolInvoker
	// ToolOutput receives the live output of external tools when set.
	ToolOutput io.Writer
}

// Service coordinates the high-level operations on a specification.
type Service struct {
	log        *logger.Logger
	provider   resource.Provider
	newInvoker func(spec *config.Specification, log *logger.Logger) ToolInvoker
}

// NewService constructs a Service.
func NewService(opts Options) *Service {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	newInvoker := opts.NewInvoker
	if newInvoker == nil {
		output := opts.ToolOutput
		newInvoker = func(spec *config.Specification, log *logger.Logger) ToolInvoker {
			exec := invoker.NewExecInvoker(spec.Tools, log)
			exec.Stdout = output
			exec.Stderr = output
			return exec
		}
	}

	return &Service{log: log, provider: opts.Provider, newInvoker: newInvoker}
}

// Overrides are command-line values that take precedence over the file and
// the environment.
type Overrides struct {
	WorkDir  string
	Parallel int
	Timeout  time.Duration
}

// Prepared captures the specification and the graph derived from it.
type Prepared struct {
	Path       string
	Spec       *config.Specification
	Provenance provenance.Info
	Graph      *engine.Graph
	Timeout    time.Duration
}

// Prepare loads the specification, inspects the dataset revision and builds
// the graph. Nothing is executed and no state is written.
func (s *Service) Prepare(path string, o Overrides) (*Prepared, error) {
	getenv := os.Getenv
	if o.WorkDir != "" {
		getenv = func(key string) string {
			if key == config.EnvWorkDir {
				return o.WorkDir
			}
			return os.Getenv(key)
		}
	}

	spec, err := config.LoadSpecification(path, getenv)
	if err != nil {
		return nil, err
	}
	if o.Parallel > 0 {
		spec.Settings.Parallel = o.Parallel
	}

	timeout := time.Duration(spec.Settings.Timeout) * time.Second
	if o.Timeout > 0 {
		timeout = o.Timeout
	}

	info, err := provenance.Inspect(spec.Dataset.Root)
	if err != nil {
		return nil, fmt.Errorf("inspect dataset provenance: %w", err)
	}
	if info.Versioned() {
		s.log.WithFields(map[string]any{"revision": info.Revision, "branch": info.Branch}).Debug("dataset is versioned")
	}

	graph, err := engine.BuildGraph(spec, engine.BuildOptions{Revision: info.Revision})
	if err != nil {
		return nil, err
	}

	return &Prepared{
		Path:       path,
		Spec:       spec,
		Provenance: info,
		Graph:      graph,
		Timeout:    timeout,
	}, nil
}

// Plan renders the execution plan, marking the nodes a run would reuse.
func (s *Service) Plan(ctx context.Context, p *Prepared) (*engine.ExecutionPlan, error) {
	if p == nil {
		return nil, fmt.Errorf("prepared specification is required")
	}

	records, err := s.loadRecords(ctx, p.Spec)
	if err != nil {
		return nil, err
	}
	return engine.GeneratePlan(p.Graph, engine.Reusable(p.Graph, records))
}

// RunRequest configures a run.
type RunRequest struct {
	Prepared     *Prepared
	OnNodeResult func(engine.NodeResult)
}

// Outcome is the result of a run.
type Outcome struct {
	Prepared *Prepared
	Summary  *engine.RunSummary
	// Drift compares the specification with the previous run's; its Diff is
	// empty when nothing changed.
	Drift Drift
	Entry HistoryEntry
}

// Run executes the prepared graph. The ledger, cache and invoker live for the
// duration of this call only.
func (s *Service) Run(ctx context.Context, req RunRequest) (*Outcome, error) {
	p := req.Prepared
	if p == nil {
		return nil, fmt.Errorf("prepared specification is required")
	}
	spec := p.Spec

	inv := s.newInvoker(spec, s.log)
	if err := checkTools(p.Graph, inv); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(spec.Settings.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create work directory: %w", err)
	}

	canonical, err := spec.Canonical()
	if err != nil {
		return nil, fmt.Errorf("render specification snapshot: %w", err)
	}
	drift, err := updateSnapshot(spec.Settings.StateDir(), canonical)
	if err != nil {
		return nil, err
	}
	if drift.Changed() {
		s.log.WithFields(map[string]any{
			"added":   drift.Added,
			"removed": drift.Removed,
			"diff":    drift.Diff,
		}).Warn("specification changed since the previous run; unchanged steps are still reused")
	}

	cache, err := resource.New(resource.Options{
		Dir:      spec.Settings.CacheDir,
		Assets:   assets(spec.Resources),
		Provider: s.provider,
		Logger:   s.log,
	})
	if err != nil {
		return nil, err
	}

	led, err := ledger.Open(spec.Settings.Ledger)
	if err != nil {
		return nil, fmt.Errorf("open run ledger: %w", err)
	}
	defer led.Close()

	history, err := OpenHistory(filepath.Join(spec.Settings.StateDir(), historyName))
	if err != nil {
		return nil, err
	}

	rc := &engine.RunContext{
		Context:      ctx,
		RunID:        uuid.NewString(),
		Parallel:     spec.Settings.Parallel,
		Timeout:      p.Timeout,
		DatasetRoot:  spec.Dataset.Root,
		Ledger:       led,
		Invoker:      inv,
		Resources:    cache,
		Logger:       s.log,
		OnNodeResult: req.OnNodeResult,
	}

	started := time.Now().UTC()
	s.log.ForRun(rc.RunID).WithFields(map[string]any{
		"nodes":    p.Graph.Len(),
		"parallel": rc.Parallel,
	}).Info("starting run")

	summary, runErr := engine.Run(rc, p.Graph)

	entry := HistoryEntry{
		RunID:       rc.RunID,
		StartedAt:   started,
		Duration:    time.Since(started),
		Revision:    p.Provenance.Revision,
		SpecChanged: drift.Changed(),
	}
	if summary != nil {
		entry.Done = summary.Done
		entry.Failed = summary.Failed
		entry.Skipped = summary.Skipped
		entry.Reused = summary.Reused
		entry.Executed = summary.Executed
	}
	if runErr != nil {
		entry.Error = runErr.Error()
	}
	history.Append(entry)
	if err := history.Save(); err != nil {
		s.log.Error(err, "failed to save run history")
	}

	outcome := &Outcome{Prepared: p, Summary: summary, Drift: drift, Entry: entry}
	if runErr != nil {
		return outcome, runErr
	}
	return outcome, nil
}

// NodeStatus is the ledger view of one node of the current graph.
type NodeStatus struct {
	Fingerprint step.Fingerprint
	Kind        step.Kind
	Label       string
	Status      ledger.Status
	Reason      string
	Detail      string
	UpdatedAt   time.Time
}

// StatusReport describes the recorded state of a prepared graph.
type StatusReport struct {
	Nodes []NodeStatus
	// Stale counts ledger records that belong to no node of the graph.
	Stale int
	Runs  []HistoryEntry
}

// Counts tallies nodes per status.
func (r *StatusReport) Counts() map[ledger.Status]int {
	counts := make(map[ledger.Status]int)
	if r == nil {
		return counts
	}
	for _, n := range r.Nodes {
		counts[n.Status]++
	}
	return counts
}

// Status reports the last recorded state of every node. Nodes without a
// record are pending.
func (s *Service) Status(ctx context.Context, p *Prepared) (*StatusReport, error) {
	if p == nil {
		return nil, fmt.Errorf("prepared specification is required")
	}

	records, err := s.loadRecords(ctx, p.Spec)
	if err != nil {
		return nil, err
	}

	report := &StatusReport{Nodes: make([]NodeStatus, 0, p.Graph.Len())}
	for _, fp := range p.Graph.Order {
		node := p.Graph.Nodes[fp]
		status := NodeStatus{
			Fingerprint: fp,
			Kind:        node.Step.Kind,
			Label:       node.Label(),
			Status:      ledger.StatusPending,
		}
		if rec, ok := records[fp]; ok {
			status.Status = rec.Status
			status.Reason = rec.Reason
			status.Detail = rec.Detail
			status.UpdatedAt = rec.UpdatedAt
		}
		report.Nodes = append(report.Nodes, status)
	}
	for fp := range records {
		if _, ok := p.Graph.Nodes[fp]; !ok {
			report.Stale++
		}
	}

	history, err := OpenHistory(filepath.Join(p.Spec.Settings.StateDir(), historyName))
	if err != nil {
		return nil, err
	}
	report.Runs = history.Runs()
	return report, nil
}

func (s *Service) loadRecords(ctx context.Context, spec *config.Specification) (map[step.Fingerprint]ledger.Record, error) {
	led, err := ledger.Open(spec.Settings.Ledger)
	if err != nil {
		return nil, fmt.Errorf("open run ledger: %w", err)
	}
	defer led.Close()

	records, err := led.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load run ledger: %w", err)
	}
	return records, nil
}

// checkTools fails when a step kind of the graph has no tool to run it.
func checkTools(graph *engine.Graph, inv ToolInvoker) error {
	var kinds []string
	for _, kind := range graph.Kinds() {
		if kind.Internal() {
			continue
		}
		kinds = append(kinds, string(kind))
	}
	if missing := inv.Missing(kinds); len(missing) > 0 {
		return cohorterrors.NewSpecificationError("tools", "no tool configured for step kinds: "+strings.Join(missing, ", "), nil)
	}
	return nil
}

func assets(resources []config.Resource) []resource.Asset {
	out := make([]resource.Asset, 0, len(resources))
	for _, r := range resources {
		out = append(out, resource.Asset{Key: r.Key, Version: r.Version, URL: r.URL, SHA256: r.SHA256})
	}
	return out
}
