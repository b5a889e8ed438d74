package engine

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/alexisbeaulieu97/cohort/internal/config"
	"github.com/alexisbeaulieu97/cohort/internal/resource"
	"github.com/alexisbeaulieu97/cohort/internal/step"
	cohorterrors "github.com/alexisbeaulieu97/cohort/pkg/errors"
)

// BuildOptions carries values resolved outside the specification.
type BuildOptions struct {
	// Revision of the dataset, mixed into every external input identity.
	Revision string
}

type builder struct {
	spec  *config.Specification
	opts  BuildOptions
	graph *Graph

	globals map[string]any

	// first-level nodes produced per analysis, consumed by group analyses
	contributions map[string][]contribution
}

type contribution struct {
	subject string
	node    *Node
}

type runRef struct {
	subject config.Subject
	session config.Session
	run     config.TaskRun
}

// BuildGraph expands the specification into a DAG keyed by fingerprint.
// Identical steps requested by several analyses or subjects collapse into a
// single node.
func BuildGraph(spec *config.Specification, opts BuildOptions) (*Graph, error) {
	if spec == nil {
		return nil, cohorterrors.NewSpecificationError("specification", "specification is nil", nil)
	}

	b := &builder{
		spec:          spec,
		opts:          opts,
		graph:         NewGraph(),
		globals:       globalParams(spec.Parameters),
		contributions: make(map[string][]contribution),
	}

	if _, ok := spec.Resource(spec.Parameters.Template.Key, spec.Parameters.Template.Version); !ok {
		return nil, cohorterrors.NewSpecificationError("parameters.template", fmt.Sprintf("template %s@%s is not listed in resources", spec.Parameters.Template.Key, spec.Parameters.Template.Version), nil)
	}

	// group analyses may reference first-level analyses declared after them
	for i, analysis := range spec.Analyses {
		if analysis.Level == config.LevelGroupLevel {
			continue
		}
		if err := b.expandAnalysis(i, analysis); err != nil {
			return nil, err
		}
	}
	for i, analysis := range spec.Analyses {
		if analysis.Level != config.LevelGroupLevel {
			continue
		}
		if err := b.expandGroup(i, analysis); err != nil {
			return nil, err
		}
	}

	if err := b.graph.TopologicalSort(); err != nil {
		return nil, err
	}
	return b.graph, nil
}

func globalParams(p config.Parameters) map[string]any {
	return map[string]any{
		paramFWHM:      p.SmoothingFWHM,
		paramHighPass:  p.HighPass,
		paramConfounds: step.Set(p.Confounds),
	}
}

func (b *builder) expandAnalysis(index int, analysis config.Analysis) error {
	runs, err := b.selectRuns(index, analysis)
	if err != nil {
		return err
	}

	timeout := time.Duration(analysis.Timeout) * time.Second
	var atlas *Node
	if analysis.Level == config.LevelTimeseries {
		if b.spec.Parameters.Atlas == nil {
			return cohorterrors.NewSpecificationError(fieldForAnalysis(index, "level"), "timeseries analysis requires parameters.atlas", nil)
		}
		atlas, err = b.atlas(timeout)
		if err != nil {
			return err
		}
	}

	for _, ref := range runs {
		if analysis.Level == config.LevelFirstLevel && ref.run.Events == "" {
			return cohorterrors.NewSpecificationError(fieldForAnalysis(index, "tasks"), fmt.Sprintf("first_level analysis requires events for %s", runLabel(ref)), nil)
		}

		chain, err := b.preprocess(ref, timeout)
		if err != nil {
			return err
		}

		switch analysis.Level {
		case config.LevelPreprocessing:
			if _, err := b.emit(step.KindSmoothing, instance{ref: ref}, timeout, nil,
				step.Input{Slot: "bold", Upstream: chain.normalized.Fingerprint()},
			); err != nil {
				return err
			}
		case config.LevelFirstLevel:
			smoothed, err := b.emit(step.KindSmoothing, instance{ref: ref}, timeout, nil,
				step.Input{Slot: "bold", Upstream: chain.normalized.Fingerprint()},
			)
			if err != nil {
				return err
			}
			model := map[string]any{"model": modelOrEmpty(analysis.Model), "task": ref.run.Task}
			node, err := b.emit(step.KindFirstLevel, instance{ref: ref, qualifier: analysis.Name}, timeout, model,
				step.Input{Slot: "bold", Upstream: smoothed.Fingerprint()},
				step.Input{Slot: "confounds", Upstream: chain.confounds.Fingerprint()},
				b.external("events", ref.run.Events),
			)
			if err != nil {
				return err
			}
			b.contributions[analysis.Name] = append(b.contributions[analysis.Name], contribution{subject: ref.subject.ID, node: node})
		case config.LevelTimeseries:
			if _, err := b.emit(step.KindTimeseries, instance{ref: ref}, timeout, nil,
				step.Input{Slot: "bold", Upstream: chain.normalized.Fingerprint()},
				step.Input{Slot: "atlas", Upstream: atlas.Fingerprint()},
				step.Input{Slot: "confounds", Upstream: chain.confounds.Fingerprint()},
			); err != nil {
				return err
			}
		}
	}
	return nil
}

type preprocessed struct {
	normalized *Node
	confounds  *Node
}

// preprocess expands the per-run preprocessing chain shared by every level.
func (b *builder) preprocess(ref runRef, timeout time.Duration) (preprocessed, error) {
	tpl, err := b.fetch(b.spec.Parameters.Template, timeout)
	if err != nil {
		return preprocessed{}, err
	}

	anat, err := b.emit(step.KindAnatPreproc, instance{ref: ref}, timeout, nil,
		b.external("t1w", ref.subject.Anat),
		step.Input{Slot: "template", Upstream: tpl.Fingerprint()},
	)
	if err != nil {
		return preprocessed{}, err
	}

	motion, err := b.emit(step.KindMotionCorrection, instance{ref: ref}, timeout, nil,
		b.external("bold", ref.run.Bold),
	)
	if err != nil {
		return preprocessed{}, err
	}

	normalized, err := b.emit(step.KindNormalization, instance{ref: ref}, timeout, nil,
		step.Input{Slot: "bold", Upstream: motion.Fingerprint()},
		step.Input{Slot: "anat", Upstream: anat.Fingerprint()},
		step.Input{Slot: "template", Upstream: tpl.Fingerprint()},
	)
	if err != nil {
		return preprocessed{}, err
	}

	confounds, err := b.emit(step.KindConfounds, instance{ref: ref}, timeout, nil,
		step.Input{Slot: "motion", Upstream: motion.Fingerprint()},
		step.Input{Slot: "anat", Upstream: anat.Fingerprint()},
	)
	if err != nil {
		return preprocessed{}, err
	}

	return preprocessed{normalized: normalized, confounds: confounds}, nil
}

func (b *builder) atlas(timeout time.Duration) (*Node, error) {
	ref := *b.spec.Parameters.Atlas
	if _, ok := b.spec.Resource(ref.Key, ref.Version); !ok {
		return nil, cohorterrors.NewSpecificationError("parameters.atlas", fmt.Sprintf("atlas %s@%s is not listed in resources", ref.Key, ref.Version), nil)
	}
	atlas, err := b.fetch(ref, timeout)
	if err != nil {
		return nil, err
	}
	tpl, err := b.fetch(b.spec.Parameters.Template, timeout)
	if err != nil {
		return nil, err
	}
	return b.emit(step.KindAtlasResample, instance{qualifier: ref.Key}, timeout, nil,
		step.Input{Slot: "atlas", Upstream: atlas.Fingerprint()},
		step.Input{Slot: "template", Upstream: tpl.Fingerprint()},
	)
}

func (b *builder) fetch(ref config.AssetRef, timeout time.Duration) (*Node, error) {
	res, ok := b.spec.Resource(ref.Key, ref.Version)
	if !ok {
		return nil, cohorterrors.NewSpecificationError("resources", fmt.Sprintf("%s@%s is not listed in resources", ref.Key, ref.Version), nil)
	}
	params := map[string]any{
		"key":     res.Key,
		"version": res.Version,
		"sha256":  strings.ToLower(res.SHA256),
	}
	desc, err := step.New(step.KindFetchResource, params, nil)
	if err != nil {
		return nil, err
	}
	desc.Label = "fetch_resource " + res.Key + "@" + res.Version
	desc.Outputs = []step.Output{{
		Name: "file",
		Path: resource.Path(b.spec.Settings.CacheDir, res.SHA256, res.Key),
	}}
	return b.insert(desc, timeout)
}

func (b *builder) expandGroup(index int, analysis config.Analysis) error {
	source, ok := b.spec.Analysis(analysis.From)
	if !ok || source.Level != config.LevelFirstLevel {
		return cohorterrors.NewSpecificationError(fieldForAnalysis(index, "from"), fmt.Sprintf("%q is not a first_level analysis", analysis.From), nil)
	}

	wanted := make(map[string]struct{}, len(analysis.Subjects))
	for _, id := range analysis.Subjects {
		if _, ok := b.spec.Dataset.Subject(id); !ok {
			return cohorterrors.NewSpecificationError(fieldForAnalysis(index, "subjects"), fmt.Sprintf("unknown subject %q", id), nil)
		}
		wanted[id] = struct{}{}
	}

	var contributing []contribution
	for _, c := range b.contributions[source.Name] {
		if len(wanted) > 0 {
			if _, ok := wanted[c.subject]; !ok {
				continue
			}
		}
		contributing = append(contributing, c)
	}
	// subject order fixes the design matrix row order
	sort.SliceStable(contributing, func(i, j int) bool { return contributing[i].subject < contributing[j].subject })

	subjects := make(map[string]struct{})
	for _, c := range contributing {
		subjects[c.subject] = struct{}{}
	}
	if len(subjects) < 2 {
		return cohorterrors.NewSpecificationError(fieldForAnalysis(index, "subjects"), fmt.Sprintf("group_level analysis needs at least two subjects, found %d", len(subjects)), nil)
	}

	quorum := analysis.Quorum
	if quorum == 0 {
		quorum = b.spec.Settings.Quorum
	}
	if quorum == 0 {
		quorum = len(contributing)
	}
	if quorum < 1 || quorum > len(contributing) {
		return cohorterrors.NewSpecificationError(fieldForAnalysis(index, "quorum"), fmt.Sprintf("quorum %d outside [1, %d]", quorum, len(contributing)), nil)
	}

	inputs := make([]step.Input, 0, len(contributing))
	for _, c := range contributing {
		inputs = append(inputs, step.Input{Slot: "sub-" + c.subject, Upstream: c.node.Fingerprint()})
	}

	params := map[string]any{"model": modelOrEmpty(analysis.Model), "quorum": quorum}
	desc, err := b.describe(step.KindGroupLevel, params, inputs)
	if err != nil {
		return err
	}
	desc.Label = "group_level " + analysis.Name
	desc.Aggregate = true
	desc.Quorum = quorum
	_, err = b.insert(desc, time.Duration(analysis.Timeout)*time.Second)
	return err
}

// emit builds a descriptor from the kind's template and inserts it.
func (b *builder) emit(kind step.Kind, at instance, timeout time.Duration, extra map[string]any, inputs ...step.Input) (*Node, error) {
	t := templateFor(kind)
	if len(inputs) != len(t.slots) {
		return nil, fmt.Errorf("%s: expected %d inputs, got %d", kind, len(t.slots), len(inputs))
	}
	for i, slot := range t.slots {
		if inputs[i].Slot != slot {
			return nil, fmt.Errorf("%s: input %d is %q, expected %q", kind, i, inputs[i].Slot, slot)
		}
	}

	params := make(map[string]any, len(t.params)+len(extra))
	for _, name := range t.params {
		params[name] = b.globals[name]
	}
	for k, v := range extra {
		params[k] = v
	}

	desc, err := b.describe(kind, params, inputs)
	if err != nil {
		return nil, err
	}
	desc.Label = t.label(kind, at)
	return b.insert(desc, timeout)
}

func (b *builder) describe(kind step.Kind, params map[string]any, inputs []step.Input) (*step.Descriptor, error) {
	desc, err := step.New(kind, params, inputs)
	if err != nil {
		return nil, cohorterrors.NewSpecificationError(string(kind), "cannot fingerprint step", err)
	}
	dir := filepath.Join(b.spec.Settings.WorkDir, string(kind), desc.Fingerprint.Short())
	for _, out := range templateFor(kind).outputs {
		desc.Outputs = append(desc.Outputs, step.Output{Name: out.name, Path: filepath.Join(dir, out.file)})
	}
	return desc, nil
}

func (b *builder) insert(desc *step.Descriptor, timeout time.Duration) (*Node, error) {
	node, _, err := b.graph.AddNode(desc)
	if err != nil {
		return nil, err
	}
	// a node shared by several analyses gets the most generous timeout
	if timeout > node.Timeout {
		node.Timeout = timeout
	}
	return node, nil
}

func (b *builder) external(slot, path string) step.Input {
	return step.Input{Slot: slot, External: &step.External{Path: filepath.ToSlash(path), Revision: b.opts.Revision}}
}

// selectRuns applies the analysis filters to the dataset.
func (b *builder) selectRuns(index int, analysis config.Analysis) ([]runRef, error) {
	subjects := b.spec.Dataset.Subjects
	if len(analysis.Subjects) > 0 {
		subjects = make([]config.Subject, 0, len(analysis.Subjects))
		for _, id := range analysis.Subjects {
			subject, ok := b.spec.Dataset.Subject(id)
			if !ok {
				return nil, cohorterrors.NewSpecificationError(fieldForAnalysis(index, "subjects"), fmt.Sprintf("unknown subject %q", id), nil)
			}
			subjects = append(subjects, subject)
		}
	}

	sessions := toSet(analysis.Sessions)
	tasks := toSet(analysis.Tasks)
	seenSessions := make(map[string]struct{})
	seenTasks := make(map[string]struct{})

	var runs []runRef
	for _, subject := range subjects {
		for _, session := range subject.Sessions {
			if !matches(sessions, session.ID) {
				continue
			}
			seenSessions[session.ID] = struct{}{}
			for _, run := range session.Tasks {
				if !matches(tasks, run.Task) {
					continue
				}
				seenTasks[run.Task] = struct{}{}
				runs = append(runs, runRef{subject: subject, session: session, run: run})
			}
		}
	}

	for _, id := range analysis.Sessions {
		if _, ok := seenSessions[id]; !ok {
			return nil, cohorterrors.NewSpecificationError(fieldForAnalysis(index, "sessions"), fmt.Sprintf("unknown session %q", id), nil)
		}
	}
	for _, task := range analysis.Tasks {
		if _, ok := seenTasks[task]; !ok {
			return nil, cohorterrors.NewSpecificationError(fieldForAnalysis(index, "tasks"), fmt.Sprintf("unknown task %q", task), nil)
		}
	}
	if len(runs) == 0 {
		return nil, cohorterrors.NewSpecificationError(fieldForAnalysis(index, "name"), fmt.Sprintf("analysis %q selects no task runs", analysis.Name), nil)
	}
	return runs, nil
}

func runLabel(ref runRef) string {
	parts := []string{"sub-" + ref.subject.ID}
	if ref.session.ID != "" {
		parts = append(parts, "ses-"+ref.session.ID)
	}
	parts = append(parts, "task-"+ref.run.Task)
	if ref.run.Run != "" {
		parts = append(parts, "run-"+ref.run.Run)
	}
	return strings.Join(parts, " ")
}

func modelOrEmpty(model map[string]any) map[string]any {
	if model == nil {
		return map[string]any{}
	}
	return model
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(items))
	for _, item := range items {
		out[item] = struct{}{}
	}
	return out
}

func matches(filter map[string]struct{}, value string) bool {
	if filter == nil {
		return true
	}
	_, ok := filter[value]
	return ok
}

func fieldForAnalysis(index int, field string) string {
	return fmt.Sprintf("analyses[%d].%s", index, field)
}
