package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/cohort/internal/config"
	"github.com/alexisbeaulieu97/cohort/internal/invoker"
	"github.com/alexisbeaulieu97/cohort/internal/ledger"
	"github.com/alexisbeaulieu97/cohort/internal/step"
)

const templateSHA = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

// cohortSpec describes subjects sub-01..sub-NN, one faces run each, with a
// first-level analysis and a group analysis over it.
func cohortSpec(t testing.TB, subjects int, quorum int) *config.Specification {
	t.Helper()

	spec := &config.Specification{
		Version: "1.0.0",
		Name:    "faces",
		Dataset: config.Dataset{Root: t.TempDir()},
		Parameters: config.Parameters{
			Template:      config.AssetRef{Key: "MNI152NLin2009cAsym", Version: "2"},
			SmoothingFWHM: 6,
			HighPass:      128,
			Confounds:     []string{"trans_x", "rot_z", "csf"},
		},
		Analyses: []config.Analysis{
			{Name: "faces-glm", Level: config.LevelFirstLevel, Model: map[string]any{"contrast": "faces-houses"}},
			{Name: "faces-group", Level: config.LevelGroupLevel, From: "faces-glm", Quorum: quorum},
		},
		Resources: []config.Resource{
			{Key: "MNI152NLin2009cAsym", Version: "2", URL: "https://templates.example.org/mni.nii.gz", SHA256: templateSHA},
		},
		Settings: config.Settings{
			Parallel: 2,
			WorkDir:  t.TempDir(),
			CacheDir: t.TempDir(),
		},
	}
	for i := 1; i <= subjects; i++ {
		id := fmt.Sprintf("%02d", i)
		spec.Dataset.Subjects = append(spec.Dataset.Subjects, config.Subject{
			ID:   id,
			Anat: fmt.Sprintf("sub-%s/anat/sub-%s_T1w.nii.gz", id, id),
			Sessions: []config.Session{{
				Tasks: []config.TaskRun{{
					Task:   "faces",
					Run:    "1",
					Bold:   fmt.Sprintf("sub-%s/func/sub-%s_task-faces_run-1_bold.nii.gz", id, id),
					Events: fmt.Sprintf("sub-%s/func/sub-%s_task-faces_run-1_events.tsv", id, id),
				}},
			}},
		})
	}
	return spec
}

func buildGraph(t testing.TB, spec *config.Specification) *Graph {
	t.Helper()
	graph, err := BuildGraph(spec, BuildOptions{})
	require.NoError(t, err)
	return graph
}

func nodeByLabel(t testing.TB, graph *Graph, label string) *Node {
	t.Helper()
	for _, fp := range graph.Order {
		if n := graph.Nodes[fp]; n.Label() == label {
			return n
		}
	}
	t.Fatalf("no node labelled %q", label)
	return nil
}

// fakeTools writes every declared output and records each invocation.
type fakeTools struct {
	mu       sync.Mutex
	calls    []string
	requests map[string]invoker.Request
	fail     map[string]error
	delay    map[string]time.Duration
	running  int
	peak     int
}

func newFakeTools() *fakeTools {
	return &fakeTools{
		requests: make(map[string]invoker.Request),
		fail:     make(map[string]error),
		delay:    make(map[string]time.Duration),
	}
}

func (f *fakeTools) Invoke(ctx context.Context, req invoker.Request) (invoker.Result, error) {
	label := req.Step.Label

	f.mu.Lock()
	f.calls = append(f.calls, label)
	f.requests[label] = req
	f.running++
	if f.running > f.peak {
		f.peak = f.running
	}
	err := f.fail[label]
	delay := f.delay[label]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return invoker.Result{}, ctx.Err()
		}
	}
	if err != nil {
		return invoker.Result{}, err
	}

	for _, out := range req.Step.Outputs {
		if err := os.MkdirAll(filepath.Dir(out.Path), 0o755); err != nil {
			return invoker.Result{}, err
		}
		if err := os.WriteFile(out.Path, []byte(label), 0o644); err != nil {
			return invoker.Result{}, err
		}
	}
	return invoker.Result{Outputs: req.Step.Outputs}, nil
}

func (f *fakeTools) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTools) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range f.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeTools) Request(label string) (invoker.Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[label]
	return req, ok
}

func (f *fakeTools) Peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// fakeResources materializes assets under dir without any network access.
type fakeResources struct {
	dir   string
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeResources) Acquire(_ context.Context, key, version string) (string, error) {
	r.mu.Lock()
	r.calls++
	err := r.err
	r.mu.Unlock()
	if err != nil {
		return "", err
	}
	path := filepath.Join(r.dir, key+"@"+version)
	if err := os.WriteFile(path, []byte(key), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (r *fakeResources) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func newRunContext(t testing.TB, spec *config.Specification, led ledger.Ledger, tools invoker.Invoker) *RunContext {
	t.Helper()
	return &RunContext{
		Context:     context.Background(),
		Parallel:    spec.Settings.Parallel,
		DatasetRoot: spec.Dataset.Root,
		Ledger:      led,
		Invoker:     tools,
		Resources:   &fakeResources{dir: t.TempDir()},
	}
}

func statusOf(t testing.TB, led *ledger.MemoryLedger, fp step.Fingerprint) ledger.Record {
	t.Helper()
	records, err := led.Load(context.Background())
	require.NoError(t, err)
	rec, ok := records[fp]
	require.True(t, ok, "no record for %s", fp.Short())
	return rec
}
