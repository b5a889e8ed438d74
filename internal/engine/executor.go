package engine

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/alexisbeaulieu97/cohort/internal/invoker"
	"github.com/alexisbeaulieu97/cohort/internal/ledger"
	"github.com/alexisbeaulieu97/cohort/internal/logger"
	"github.com/alexisbeaulieu97/cohort/internal/step"
	cohorterrors "github.com/alexisbeaulieu97/cohort/pkg/errors"
)

type nodeState struct {
	node    *Node
	status  ledger.Status
	reason  string
	detail  string
	chain   []string
	outputs []step.Output
	reused  bool
	queued  bool
}

type completion struct {
	node     *Node
	result   invoker.Result
	err      error
	duration time.Duration
}

type scheduler struct {
	rc       *RunContext
	graph    *Graph
	log      *logger.Logger
	parallel int

	states  map[step.Fingerprint]*nodeState
	queue   *dispatchQueue
	results chan completion
	running int

	halted    bool
	cancelled bool
	ledgerErr error
	executed  int
}

// Run executes graph to completion. Failures are isolated to the failing
// node and its dependents; they are reported in the summary, not as an
// error. The returned error is non-nil only when the run could not be
// carried out, for example because the ledger could not be written.
func Run(runCtx *RunContext, graph *Graph) (*RunSummary, error) {
	if runCtx == nil {
		return nil, fmt.Errorf("run context is nil")
	}
	if graph == nil {
		return nil, fmt.Errorf("graph cannot be nil")
	}
	if runCtx.Ledger == nil {
		return nil, fmt.Errorf("run context has no ledger")
	}
	if runCtx.Invoker == nil {
		return nil, fmt.Errorf("run context has no invoker")
	}

	ctx := runCtx.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if runCtx.RunID == "" {
		runCtx.RunID = uuid.NewString()
	}
	parallel := runCtx.Parallel
	if parallel < 1 {
		parallel = 1
	}

	start := time.Now()
	records, err := runCtx.Ledger.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load run ledger: %w", err)
	}

	s := &scheduler{
		rc:       runCtx,
		graph:    graph,
		log:      runCtx.Logger.ForRun(runCtx.RunID),
		parallel: parallel,
		states:   make(map[step.Fingerprint]*nodeState, graph.Len()),
		queue:    &dispatchQueue{weights: DownstreamWeights(graph)},
		results:  make(chan completion),
	}

	s.restore(ctx, records)
	s.loop(ctx)

	summary := s.summarize()
	summary.Duration = time.Since(start)
	s.log.WithFields(map[string]any{
		"done":     summary.Done,
		"failed":   summary.Failed,
		"skipped":  summary.Skipped,
		"reused":   summary.Reused,
		"executed": summary.Executed,
	}).Info("run finished")

	return summary, s.ledgerErr
}

// Reusable reports which nodes have a done record whose outputs are still
// present and whose upstream nodes are all reusable too.
func Reusable(graph *Graph, records map[step.Fingerprint]ledger.Record) map[step.Fingerprint]bool {
	out := make(map[step.Fingerprint]bool)
	// declaration order is topological: upstream nodes are always inserted first
	for _, fp := range graph.Order {
		rec, ok := records[fp]
		if !ok || rec.Status != ledger.StatusDone {
			continue
		}
		node := graph.Nodes[fp]
		intact := true
		for _, dep := range node.DependsOn {
			if !out[dep.Fingerprint()] {
				intact = false
				break
			}
		}
		if !intact {
			continue
		}
		if invoker.VerifyOutputs(recordedOutputs(node, rec)) != nil {
			continue
		}
		out[fp] = true
	}
	return out
}

func recordedOutputs(node *Node, rec ledger.Record) []step.Output {
	if len(rec.Outputs) > 0 {
		return rec.Outputs
	}
	return node.Step.Outputs
}

// restore seeds node states from the ledger and persists pending records for
// every node that has to run.
func (s *scheduler) restore(ctx context.Context, records map[step.Fingerprint]ledger.Record) {
	reusable := Reusable(s.graph, records)

	for _, fp := range s.graph.Order {
		node := s.graph.Nodes[fp]
		st := &nodeState{node: node, status: ledger.StatusPending}
		s.states[fp] = st

		rec, seen := records[fp]
		if reusable[fp] {
			st.status = ledger.StatusDone
			st.reused = true
			st.outputs = recordedOutputs(node, rec)
			s.notify(st, 0)
			continue
		}

		if seen && rec.Status != ledger.StatusPending {
			s.nodeLogger(node).WithFields(map[string]any{"previous": string(rec.Status)}).Debug("resetting step to pending")
		}
		if !seen || rec.Status != ledger.StatusPending {
			s.persist(ctx, st)
		}
	}

	for _, fp := range s.graph.Order {
		s.evaluate(s.graph.Nodes[fp])
	}
}

func (s *scheduler) loop(ctx context.Context) {
	done := ctx.Done()
	for {
		if !s.halted && ctx.Err() != nil {
			s.cancel(ctx)
		}
		if !s.halted {
			s.dispatch(ctx)
		}
		if s.running == 0 {
			break
		}

		select {
		case c := <-s.results:
			s.complete(ctx, c)
		case <-done:
			done = nil
		}
	}

	// nothing is running; whatever is still pending can no longer start
	switch {
	case s.ledgerErr != nil:
		s.stopPending(ctx, ledger.ReasonLedgerUnavailable, "run stopped: run ledger could not be written")
	case ctx.Err() != nil:
		s.cancel(ctx)
	}
}

// evaluate decides whether a pending node is ready, must wait or must be
// skipped because its inputs failed.
func (s *scheduler) evaluate(n *Node) {
	st := s.states[n.Fingerprint()]
	if st.status != ledger.StatusPending || st.queued || s.cancelled {
		return
	}

	var blocked *nodeState
	done, waiting := 0, 0
	for _, dep := range n.DependsOn {
		ds := s.states[dep.Fingerprint()]
		switch ds.status {
		case ledger.StatusDone:
			done++
		case ledger.StatusFailed, ledger.StatusSkipped:
			if blocked == nil {
				blocked = ds
			}
		default:
			waiting++
		}
	}

	if !n.Step.Aggregate {
		if blocked != nil {
			s.skip(st, ledger.ReasonUpstreamFailure, fmt.Sprintf("input %s %s", blocked.node.Label(), blocked.status), chainThrough(blocked))
			return
		}
		if waiting == 0 {
			s.enqueue(st)
		}
		return
	}

	quorum := n.Step.Quorum
	if quorum <= 0 {
		quorum = len(n.DependsOn)
	}
	if done+waiting < quorum {
		var chain []string
		if blocked != nil {
			chain = chainThrough(blocked)
		}
		s.skip(st, ledger.ReasonUpstreamFailure, fmt.Sprintf("quorum not met: %d of %d inputs done, quorum %d", done, len(n.DependsOn), quorum), chain)
		return
	}
	if waiting == 0 {
		s.enqueue(st)
	}
}

func (s *scheduler) enqueue(st *nodeState) {
	st.queued = true
	heap.Push(s.queue, st.node)
}

func (s *scheduler) dispatch(ctx context.Context) {
	for s.running < s.parallel && s.queue.Len() > 0 && !s.halted {
		n := heap.Pop(s.queue).(*Node)
		st := s.states[n.Fingerprint()]
		st.queued = false

		req := s.request(n)
		st.status = ledger.StatusRunning
		s.persist(ctx, st)
		if s.halted {
			st.status = ledger.StatusPending
			return
		}

		s.nodeLogger(n).Debug("step dispatched")
		s.running++
		go s.execute(ctx, n, req)
	}
}

// request resolves the node's inputs. Inputs from nodes that did not finish
// done are left out, which only happens for aggregate nodes.
func (s *scheduler) request(n *Node) invoker.Request {
	req := invoker.Request{RunID: s.rc.RunID, Step: n.Step}
	for _, in := range n.Step.Inputs {
		if in.IsUpstream() {
			ds := s.states[in.Upstream]
			if ds == nil || ds.status != ledger.StatusDone {
				continue
			}
			paths := make([]string, 0, len(ds.outputs))
			for _, out := range ds.outputs {
				paths = append(paths, out.Path)
			}
			req.Inputs = append(req.Inputs, invoker.Input{Slot: in.Slot, Paths: paths})
			continue
		}
		path := filepath.FromSlash(in.External.Path)
		if !filepath.IsAbs(path) && s.rc.DatasetRoot != "" {
			path = filepath.Join(s.rc.DatasetRoot, path)
		}
		req.Inputs = append(req.Inputs, invoker.Input{Slot: in.Slot, Paths: []string{path}})
	}
	if len(n.Step.Outputs) > 0 && n.Step.Kind != step.KindFetchResource {
		req.OutputDir = filepath.Dir(n.Step.Outputs[0].Path)
	}
	return req
}

// execute runs on a worker goroutine and must not touch scheduler state.
func (s *scheduler) execute(parent context.Context, n *Node, req invoker.Request) {
	start := time.Now()
	res, err := s.invoke(parent, n, req)
	s.results <- completion{node: n, result: res, err: err, duration: time.Since(start)}
}

type outcome struct {
	result invoker.Result
	err    error
}

// invoke runs the node with its own deadline. The invocation is detached from
// run cancellation so a cancelled run lets running nodes finish.
func (s *scheduler) invoke(parent context.Context, n *Node, req invoker.Request) (invoker.Result, error) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = s.rc.Timeout
	}

	ctx := context.WithoutCancel(parent)
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	fp, label := string(n.Fingerprint()), n.Label()
	ch := make(chan outcome, 1)
	go func() {
		res, err := s.call(ctx, n, req)
		ch <- outcome{result: res, err: err}
	}()

	select {
	case o := <-ch:
		if o.err == nil {
			return o.result, nil
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return o.result, cohorterrors.NewTimeoutError(fp, label, fmt.Errorf("exceeded %s: %w", timeout, o.err))
		}
		return o.result, cohorterrors.NewStepFailureError(fp, label, o.err)
	case <-ctx.Done():
		return invoker.Result{}, cohorterrors.NewTimeoutError(fp, label, fmt.Errorf("exceeded %s", timeout))
	}
}

func (s *scheduler) call(ctx context.Context, n *Node, req invoker.Request) (invoker.Result, error) {
	if n.Step.Kind != step.KindFetchResource {
		return s.rc.Invoker.Invoke(ctx, req)
	}

	if s.rc.Resources == nil {
		return invoker.Result{}, fmt.Errorf("no resource cache configured")
	}
	key, _ := n.Step.Params["key"].(string)
	version, _ := n.Step.Params["version"].(string)
	path, err := s.rc.Resources.Acquire(ctx, key, version)
	if err != nil {
		return invoker.Result{}, err
	}
	return invoker.Result{Outputs: []step.Output{{Name: "file", Path: path}}}, nil
}

func (s *scheduler) complete(ctx context.Context, c completion) {
	s.running--
	st := s.states[c.node.Fingerprint()]
	log := s.nodeLogger(c.node).Elapsed(c.duration)

	if c.err == nil {
		st.status = ledger.StatusDone
		st.outputs = c.result.Outputs
		if len(st.outputs) == 0 {
			st.outputs = c.node.Step.Outputs
		}
		s.executed++
		log.Info("step done")
	} else {
		st.status = ledger.StatusFailed
		st.reason = ledger.ReasonFailed
		st.detail = c.err.Error()
		var failure *cohorterrors.StepFailureError
		if errors.As(c.err, &failure) {
			if failure.IsTimeout() {
				st.reason = ledger.ReasonTimeout
			}
			if failure.Err != nil {
				st.detail = failure.Err.Error()
			}
		}
		log.Error(c.err, "step failed")
	}

	// the record is durable before any dependent is evaluated for dispatch
	s.persist(ctx, st)
	s.notify(st, c.duration)

	for _, dependent := range c.node.Dependents {
		s.evaluate(dependent)
	}
}

func (s *scheduler) skip(st *nodeState, reason, detail string, chain []string) {
	st.status = ledger.StatusSkipped
	st.reason = reason
	st.detail = detail
	st.chain = chain
	st.queued = false

	s.nodeLogger(st.node).WithFields(map[string]any{"reason": reason}).Warn("step skipped")
	s.persist(context.Background(), st)
	s.notify(st, 0)

	for _, dependent := range st.node.Dependents {
		s.evaluate(dependent)
	}
}

// cancel stops dispatching and marks every pending node skipped.
func (s *scheduler) cancel(ctx context.Context) {
	if !s.halted {
		s.log.Warn("run cancelled; waiting for running steps")
	}
	s.cancelled = true
	s.stopPending(ctx, ledger.ReasonCancelled, "run cancelled before the step started")
}

// stopPending halts dispatch and skips every node that has not started.
func (s *scheduler) stopPending(ctx context.Context, reason, detail string) {
	s.halted = true
	s.queue.items = nil

	for _, fp := range s.graph.Order {
		st := s.states[fp]
		if st.status != ledger.StatusPending {
			continue
		}
		st.status = ledger.StatusSkipped
		st.reason = reason
		st.detail = detail
		st.queued = false
		s.persist(ctx, st)
		s.notify(st, 0)
	}
}

func (s *scheduler) persist(ctx context.Context, st *nodeState) {
	if s.ledgerErr != nil {
		return
	}
	rec := ledger.Record{
		Fingerprint: st.node.Fingerprint(),
		Kind:        st.node.Step.Kind,
		Label:       st.node.Label(),
		Status:      st.status,
		Reason:      st.reason,
		Detail:      st.detail,
		Chain:       st.chain,
		RunID:       s.rc.RunID,
		UpdatedAt:   s.rc.now(),
	}
	if st.status == ledger.StatusDone {
		rec.Outputs = st.outputs
	}
	if err := s.rc.Ledger.Record(context.WithoutCancel(ctx), rec); err != nil {
		s.ledgerErr = fmt.Errorf("record %s: %w", st.node.Label(), err)
		s.halted = true
		s.log.Error(err, "run ledger write failed; stopping dispatch")
	}
}

func (s *scheduler) notify(st *nodeState, d time.Duration) {
	if s.rc.OnNodeResult == nil || !st.status.Terminal() {
		return
	}
	s.rc.OnNodeResult(NodeResult{
		Fingerprint: st.node.Fingerprint(),
		Kind:        st.node.Step.Kind,
		Label:       st.node.Label(),
		Status:      st.status,
		Reason:      st.reason,
		Detail:      st.detail,
		Reused:      st.reused,
		Duration:    d,
	})
}

func (s *scheduler) nodeLogger(n *Node) *logger.Logger {
	return s.log.ForStep(string(n.Fingerprint()), string(n.Step.Kind), n.Label())
}

func (s *scheduler) summarize() *RunSummary {
	summary := &RunSummary{RunID: s.rc.RunID, Executed: s.executed}
	for _, fp := range s.graph.Order {
		st := s.states[fp]
		switch st.status {
		case ledger.StatusDone:
			summary.Done++
			if st.reused {
				summary.Reused++
			}
			continue
		case ledger.StatusFailed:
			summary.Failed++
		default:
			summary.Skipped++
		}
		summary.Nodes = append(summary.Nodes, NodeSummary{
			Fingerprint: fp,
			Kind:        st.node.Step.Kind,
			Label:       st.node.Label(),
			Status:      st.status,
			Reason:      st.reason,
			Detail:      st.detail,
			Chain:       st.chain,
		})
	}
	return summary
}

// chainThrough describes ds followed by its own cause chain.
func chainThrough(ds *nodeState) []string {
	entry := fmt.Sprintf("%s %s", ds.node.Label(), ds.status)
	if ds.reason != "" && ds.reason != string(ds.status) {
		entry += " (" + ds.reason + ")"
	}
	if ds.status == ledger.StatusFailed && ds.detail != "" {
		entry += ": " + ds.detail
	}
	return append([]string{entry}, ds.chain...)
}
