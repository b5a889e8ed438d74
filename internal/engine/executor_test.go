package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/cohort/internal/invoker"
	"github.com/alexisbeaulieu97/cohort/internal/ledger"
	"github.com/alexisbeaulieu97/cohort/internal/logger"
	"github.com/alexisbeaulieu97/cohort/internal/step"
)

// lockedBuffer collects log output written from several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunExecutesEveryNode(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 3, 0)
	graph := buildGraph(t, spec)
	led := ledger.NewMemoryLedger()
	tools := newFakeTools()
	rc := newRunContext(t, spec, led, tools)

	var mu sync.Mutex
	reported := make(map[step.Fingerprint]int)
	rc.OnNodeResult = func(r NodeResult) {
		mu.Lock()
		reported[r.Fingerprint]++
		mu.Unlock()
	}

	summary, err := Run(rc, graph)
	require.NoError(t, err)
	require.True(t, summary.Succeeded())
	require.Equal(t, graph.Len(), summary.Done)
	require.Equal(t, graph.Len(), summary.Executed)
	require.Zero(t, summary.Reused)
	require.NotEmpty(t, summary.RunID)

	require.Len(t, tools.Calls(), graph.Len()-1, "the template fetch is resolved by the resource cache")
	require.Equal(t, 1, rc.Resources.(*fakeResources).Calls())

	require.Len(t, reported, graph.Len())
	for fp, n := range reported {
		require.Equal(t, 1, n, "node %s reported more than once", fp.Short())
	}

	for _, fp := range graph.Order {
		rec := statusOf(t, led, fp)
		require.Equal(t, ledger.StatusDone, rec.Status)
		require.Equal(t, summary.RunID, rec.RunID)
	}
}

func TestRunDispatchesOnlyAfterUpstreamDoneIsRecorded(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 3, 0)
	spec.Settings.Parallel = 4
	graph := buildGraph(t, spec)
	led := ledger.NewMemoryLedger()

	_, err := Run(newRunContext(t, spec, led, newFakeTools()), graph)
	require.NoError(t, err)

	history := led.History()
	firstIndex := func(fp step.Fingerprint, status ledger.Status) int {
		for i, rec := range history {
			if rec.Fingerprint == fp && rec.Status == status {
				return i
			}
		}
		t.Fatalf("no %s record for %s", status, fp.Short())
		return -1
	}

	for _, fp := range graph.Order {
		node := graph.Nodes[fp]
		started := firstIndex(fp, ledger.StatusRunning)
		for _, dep := range node.DependsOn {
			require.Less(t, firstIndex(dep.Fingerprint(), ledger.StatusDone), started,
				"%s started before %s was recorded done", node.Label(), dep.Label())
		}
	}
}

func TestRunSecondRunReusesEverything(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 2, 0)
	led := ledger.NewMemoryLedger()

	_, err := Run(newRunContext(t, spec, led, newFakeTools()), buildGraph(t, spec))
	require.NoError(t, err)

	tools := newFakeTools()
	rc := newRunContext(t, spec, led, tools)
	graph := buildGraph(t, spec)
	summary, err := Run(rc, graph)
	require.NoError(t, err)

	require.Empty(t, tools.Calls())
	require.Zero(t, rc.Resources.(*fakeResources).Calls())
	require.Equal(t, graph.Len(), summary.Reused)
	require.Zero(t, summary.Executed)
	require.True(t, summary.Succeeded())
}

func TestRunRerunsNodeWithMissingOutputAndItsDependents(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 2, 0)
	led := ledger.NewMemoryLedger()
	graph := buildGraph(t, spec)

	_, err := Run(newRunContext(t, spec, led, newFakeTools()), graph)
	require.NoError(t, err)

	smoothing := nodeByLabel(t, graph, "smoothing sub-01 task-faces run-1")
	require.NoError(t, os.Remove(smoothing.Step.Outputs[0].Path))

	tools := newFakeTools()
	summary, err := Run(newRunContext(t, spec, led, tools), buildGraph(t, spec))
	require.NoError(t, err)

	require.ElementsMatch(t, []string{
		"smoothing sub-01 task-faces run-1",
		"first_level faces-glm sub-01 task-faces run-1",
		"group_level faces-group",
	}, tools.Calls())
	require.Equal(t, 3, summary.Executed)
	require.Equal(t, graph.Len()-3, summary.Reused)
}

func TestRunTreatsInterruptedRecordsAsPending(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 2, 0)
	graph := buildGraph(t, spec)
	led := ledger.NewMemoryLedger()

	motion := nodeByLabel(t, graph, "motion_correction sub-02 task-faces run-1")
	require.NoError(t, led.Record(context.Background(), ledger.Record{
		Fingerprint: motion.Fingerprint(),
		Status:      ledger.StatusRunning,
		RunID:       "crashed",
	}))
	// a done record whose artifacts never made it to disk
	anat := nodeByLabel(t, graph, "anat_preproc sub-01")
	require.NoError(t, led.Record(context.Background(), ledger.Record{
		Fingerprint: anat.Fingerprint(),
		Status:      ledger.StatusDone,
		Outputs:     anat.Step.Outputs,
	}))

	tools := newFakeTools()
	summary, err := Run(newRunContext(t, spec, led, tools), graph)
	require.NoError(t, err)
	require.True(t, summary.Succeeded())
	require.Zero(t, summary.Reused)
	require.Contains(t, tools.Calls(), motion.Label())
	require.Contains(t, tools.Calls(), anat.Label())
}

func TestRunIsolatesFailures(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 3, 2)
	graph := buildGraph(t, spec)
	led := ledger.NewMemoryLedger()
	tools := newFakeTools()
	tools.fail["motion_correction sub-02 task-faces run-1"] = errors.New("exit status 1")

	summary, err := Run(newRunContext(t, spec, led, tools), graph)
	require.NoError(t, err)
	require.False(t, summary.Succeeded())
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 4, summary.Skipped, "normalization, confounds, smoothing and the model of sub-02")
	require.Equal(t, graph.Len()-5, summary.Done)

	motion := nodeByLabel(t, graph, "motion_correction sub-02 task-faces run-1")
	rec := statusOf(t, led, motion.Fingerprint())
	require.Equal(t, ledger.StatusFailed, rec.Status)
	require.Equal(t, ledger.ReasonFailed, rec.Reason)
	require.Equal(t, "exit status 1", rec.Detail)

	model := nodeByLabel(t, graph, "first_level faces-glm sub-02 task-faces run-1")
	entry, ok := summary.Node(model.Fingerprint())
	require.True(t, ok)
	require.Equal(t, ledger.StatusSkipped, entry.Status)
	require.Equal(t, ledger.ReasonUpstreamFailure, entry.Reason)
	require.NotEmpty(t, entry.Chain)
	require.Equal(t, "motion_correction sub-02 task-faces run-1 failed: exit status 1", entry.Chain[len(entry.Chain)-1])

	// the group ran on the two subjects that finished
	group := nodeByLabel(t, graph, "group_level faces-group")
	require.Equal(t, ledger.StatusDone, statusOf(t, led, group.Fingerprint()).Status)
	req, ok := tools.Request(group.Label())
	require.True(t, ok)
	slots := make([]string, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		slots = append(slots, in.Slot)
	}
	require.Equal(t, []string{"sub-01", "sub-03"}, slots)
}

func TestRunGroupQuorum(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		quorum int
		status ledger.Status
	}{
		{name: "quorum one runs on the survivor", quorum: 1, status: ledger.StatusDone},
		{name: "quorum two is not met", quorum: 2, status: ledger.StatusSkipped},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			spec := cohortSpec(t, 2, tc.quorum)
			graph := buildGraph(t, spec)
			led := ledger.NewMemoryLedger()
			tools := newFakeTools()
			tools.fail["first_level faces-glm sub-02 task-faces run-1"] = errors.New("design matrix is singular")

			summary, err := Run(newRunContext(t, spec, led, tools), graph)
			require.NoError(t, err)

			group := nodeByLabel(t, graph, "group_level faces-group")
			rec := statusOf(t, led, group.Fingerprint())
			require.Equal(t, tc.status, rec.Status)
			if tc.status == ledger.StatusSkipped {
				require.Equal(t, ledger.ReasonUpstreamFailure, rec.Reason)
				require.Contains(t, rec.Detail, "quorum not met")
				require.Contains(t, rec.Detail, "quorum 2")
				require.Empty(t, tools.CallsWithPrefix("group_level"))
				entry, ok := summary.Node(group.Fingerprint())
				require.True(t, ok)
				require.Equal(t, []string{"first_level faces-glm sub-02 task-faces run-1 failed: design matrix is singular"}, entry.Chain)
			}
		})
	}
}

func TestRunGroupSkipsEarlyWhenQuorumIsUnreachable(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 3, 3)
	graph := buildGraph(t, spec)
	led := ledger.NewMemoryLedger()
	tools := newFakeTools()
	tools.fail["motion_correction sub-01 task-faces run-1"] = errors.New("boom")

	_, err := Run(newRunContext(t, spec, led, tools), graph)
	require.NoError(t, err)

	group := nodeByLabel(t, graph, "group_level faces-group")
	rec := statusOf(t, led, group.Fingerprint())
	require.Equal(t, ledger.StatusSkipped, rec.Status)
	require.Empty(t, tools.CallsWithPrefix("group_level"))
}

func TestRunTimesOutSlowNodes(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 2, 1)
	graph := buildGraph(t, spec)
	led := ledger.NewMemoryLedger()
	tools := newFakeTools()
	slow := "motion_correction sub-01 task-faces run-1"
	tools.delay[slow] = 5 * time.Second

	rc := newRunContext(t, spec, led, tools)
	rc.Timeout = 100 * time.Millisecond

	start := time.Now()
	summary, err := Run(rc, graph)
	require.NoError(t, err)
	require.Less(t, time.Since(start), 5*time.Second)

	rec := statusOf(t, led, nodeByLabel(t, graph, slow).Fingerprint())
	require.Equal(t, ledger.StatusFailed, rec.Status)
	require.Equal(t, ledger.ReasonTimeout, rec.Reason)

	require.Equal(t, 1, summary.Failed)
	group := nodeByLabel(t, graph, "group_level faces-group")
	require.Equal(t, ledger.StatusDone, statusOf(t, led, group.Fingerprint()).Status)
}

func TestRunCancellationLetsRunningNodesFinish(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 2, 0)
	spec.Settings.Parallel = 1
	graph := buildGraph(t, spec)
	led := ledger.NewMemoryLedger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tools := newFakeTools()
	var once sync.Once
	var first string
	var detached error
	cancelling := invoker.Func(func(ictx context.Context, req invoker.Request) (invoker.Result, error) {
		once.Do(func() {
			first = req.Step.Label
			cancel()
			detached = ictx.Err()
		})
		return tools.Invoke(ictx, req)
	})

	rc := newRunContext(t, spec, led, cancelling)
	rc.Context = ctx
	summary, err := Run(rc, graph)
	require.NoError(t, err)

	require.Equal(t, []string{first}, tools.Calls())
	require.Equal(t, "anat_preproc sub-01", first)
	// the invocation context is detached from run cancellation
	require.NoError(t, detached)
	// the template fetch precedes the first tool invocation
	require.Equal(t, 2, summary.Done)
	require.Equal(t, graph.Len()-2, summary.Skipped)
	for _, n := range summary.Nodes {
		require.Equal(t, ledger.ReasonCancelled, n.Reason, n.Label)
		require.Equal(t, ledger.StatusSkipped, statusOf(t, led, n.Fingerprint).Status)
	}
}

func TestRunDispatchesHeaviestReadyNodeFirst(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 2, 0)
	spec.Settings.Parallel = 1
	graph := buildGraph(t, spec)
	led := ledger.NewMemoryLedger()
	tools := newFakeTools()

	_, err := Run(newRunContext(t, spec, led, tools), graph)
	require.NoError(t, err)
	require.Equal(t, 1, tools.Peak())

	var started []step.Fingerprint
	for _, rec := range led.History() {
		if rec.Status == ledger.StatusRunning {
			started = append(started, rec.Fingerprint)
		}
	}
	require.Len(t, started, graph.Len())
	require.Equal(t, nodeByLabel(t, graph, "fetch_resource MNI152NLin2009cAsym@2").Fingerprint(), started[0])
	require.Equal(t, nodeByLabel(t, graph, "anat_preproc sub-01").Fingerprint(), started[1])
	require.Equal(t, nodeByLabel(t, graph, "group_level faces-group").Fingerprint(), started[len(started)-1])
}

func TestRunBoundsParallelism(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 4, 0)
	spec.Settings.Parallel = 2
	graph := buildGraph(t, spec)
	tools := newFakeTools()
	for _, fp := range graph.Order {
		tools.delay[graph.Nodes[fp].Label()] = 5 * time.Millisecond
	}

	summary, err := Run(newRunContext(t, spec, ledger.NewMemoryLedger(), tools), graph)
	require.NoError(t, err)
	require.True(t, summary.Succeeded())
	require.LessOrEqual(t, tools.Peak(), 2)
}

func TestRunResolvesInputs(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 2, 0)
	graph := buildGraph(t, spec)
	tools := newFakeTools()

	_, err := Run(newRunContext(t, spec, ledger.NewMemoryLedger(), tools), graph)
	require.NoError(t, err)

	model := nodeByLabel(t, graph, "first_level faces-glm sub-01 task-faces run-1")
	smoothing := nodeByLabel(t, graph, "smoothing sub-01 task-faces run-1")
	req, ok := tools.Request(model.Label())
	require.True(t, ok)
	require.Len(t, req.Inputs, 3)
	require.Equal(t, invoker.Input{Slot: "bold", Paths: []string{smoothing.Step.Outputs[0].Path}}, req.Inputs[0])
	require.Equal(t, invoker.Input{
		Slot:  "events",
		Paths: []string{filepath.Join(spec.Dataset.Root, "sub-01", "func", "sub-01_task-faces_run-1_events.tsv")},
	}, req.Inputs[2])
	require.Equal(t, filepath.Dir(model.Step.Outputs[0].Path), req.OutputDir)

	anat := nodeByLabel(t, graph, "anat_preproc sub-01")
	req, ok = tools.Request(anat.Label())
	require.True(t, ok)
	require.Equal(t, "template", req.Inputs[1].Slot)
	require.Len(t, req.Inputs[1].Paths, 1)
	require.FileExists(t, req.Inputs[1].Paths[0])
}

func TestRunResourceFailureSkipsDependents(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 2, 0)
	graph := buildGraph(t, spec)
	led := ledger.NewMemoryLedger()
	tools := newFakeTools()
	rc := newRunContext(t, spec, led, tools)
	rc.Resources = &fakeResources{dir: t.TempDir(), err: errors.New("checksum mismatch")}

	summary, err := Run(rc, graph)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)

	// motion correction does not need the template
	require.ElementsMatch(t, []string{
		"motion_correction sub-01 task-faces run-1",
		"motion_correction sub-02 task-faces run-1",
	}, tools.Calls())
	require.Equal(t, 2, summary.Done)
}

type failingLedger struct {
	*ledger.MemoryLedger
	mu        sync.Mutex
	writes    int
	failAfter int
}

func (l *failingLedger) Record(ctx context.Context, rec ledger.Record) error {
	l.mu.Lock()
	l.writes++
	fail := l.writes > l.failAfter
	l.mu.Unlock()
	if fail {
		return errors.New("no space left on device")
	}
	return l.MemoryLedger.Record(ctx, rec)
}

func TestRunStopsWhenLedgerCannotBeWritten(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 2, 0)
	graph := buildGraph(t, spec)
	led := &failingLedger{MemoryLedger: ledger.NewMemoryLedger(), failAfter: graph.Len() + 3}
	tools := newFakeTools()

	summary, err := Run(newRunContext(t, spec, led, tools), graph)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no space left on device")
	require.NotNil(t, summary)
	require.False(t, summary.Succeeded())
	require.Less(t, len(tools.Calls()), graph.Len()-1)

	stopped := 0
	for _, n := range summary.Nodes {
		require.NotEqual(t, ledger.ReasonCancelled, n.Reason, n.Label)
		if n.Reason == ledger.ReasonLedgerUnavailable {
			require.Equal(t, ledger.StatusSkipped, n.Status)
			require.Equal(t, "run stopped: run ledger could not be written", n.Detail)
			stopped++
		}
	}
	require.Positive(t, stopped)
}

func TestRunCompletedRunLogsNoCancellation(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 2, 0)
	graph := buildGraph(t, spec)
	out := &lockedBuffer{}
	log, err := logger.New(logger.Options{Level: "debug", Writer: out})
	require.NoError(t, err)

	rc := newRunContext(t, spec, ledger.NewMemoryLedger(), newFakeTools())
	rc.Logger = log

	summary, err := Run(rc, graph)
	require.NoError(t, err)
	require.True(t, summary.Succeeded())
	require.Contains(t, out.String(), "step done")
	require.NotContains(t, out.String(), "cancelled")
}

func TestRunValidatesContext(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 2, 0)
	graph := buildGraph(t, spec)

	_, err := Run(nil, graph)
	require.Error(t, err)

	_, err = Run(&RunContext{Invoker: newFakeTools()}, graph)
	require.Error(t, err)

	_, err = Run(&RunContext{Ledger: ledger.NewMemoryLedger()}, graph)
	require.Error(t, err)

	_, err = Run(&RunContext{Ledger: ledger.NewMemoryLedger(), Invoker: newFakeTools()}, nil)
	require.Error(t, err)
}

func TestReusable(t *testing.T) {
	t.Parallel()

	spec := cohortSpec(t, 2, 0)
	graph := buildGraph(t, spec)
	led := ledger.NewMemoryLedger()

	_, err := Run(newRunContext(t, spec, led, newFakeTools()), graph)
	require.NoError(t, err)

	records, err := led.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, Reusable(graph, records), graph.Len())

	anat := nodeByLabel(t, graph, "anat_preproc sub-02")
	require.NoError(t, os.Remove(anat.Step.Outputs[1].Path))

	reusable := Reusable(graph, records)
	require.False(t, reusable[anat.Fingerprint()])
	for _, fp := range graph.Descendants(anat.Fingerprint()) {
		require.False(t, reusable[fp], graph.Nodes[fp].Label())
	}
	require.True(t, reusable[nodeByLabel(t, graph, "anat_preproc sub-01").Fingerprint()])
}
