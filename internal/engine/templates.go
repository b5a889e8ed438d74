package engine

import (
	"strings"

	"github.com/alexisbeaulieu97/cohort/internal/step"
)

// scope is the granularity at which a step kind is instantiated.
type scope int

const (
	scopeGlobal scope = iota
	scopeSubject
	scopeRun
)

type outputSpec struct {
	name string
	file string
}

// template describes how one step kind is expanded: its input slots in hash
// order, the global parameters it depends on and the artifacts it declares.
type template struct {
	scope   scope
	slots   []string
	params  []string
	outputs []outputSpec
}

// Global parameter names.
const (
	paramFWHM      = "fwhm"
	paramHighPass  = "high_pass"
	paramConfounds = "confounds"
)

var templates = map[step.Kind]template{
	step.KindFetchResource: {
		scope:   scopeGlobal,
		outputs: []outputSpec{{name: "file"}},
	},
	step.KindAnatPreproc: {
		scope: scopeSubject,
		slots: []string{"t1w", "template"},
		outputs: []outputSpec{
			{name: "anat", file: "desc-preproc_T1w.nii.gz"},
			{name: "mask", file: "desc-brain_mask.nii.gz"},
			{name: "xfm", file: "from-T1w_to-template_xfm.h5"},
		},
	},
	step.KindMotionCorrection: {
		scope: scopeRun,
		slots: []string{"bold"},
		outputs: []outputSpec{
			{name: "bold", file: "desc-mc_bold.nii.gz"},
			{name: "motion", file: "desc-motion_params.tsv"},
		},
	},
	step.KindNormalization: {
		scope:   scopeRun,
		slots:   []string{"bold", "anat", "template"},
		outputs: []outputSpec{{name: "bold", file: "space-template_bold.nii.gz"}},
	},
	step.KindSmoothing: {
		scope:   scopeRun,
		slots:   []string{"bold"},
		params:  []string{paramFWHM},
		outputs: []outputSpec{{name: "bold", file: "desc-smooth_bold.nii.gz"}},
	},
	step.KindConfounds: {
		scope:   scopeRun,
		slots:   []string{"motion", "anat"},
		params:  []string{paramConfounds, paramHighPass},
		outputs: []outputSpec{{name: "confounds", file: "desc-confounds_timeseries.tsv"}},
	},
	step.KindFirstLevel: {
		scope:   scopeRun,
		slots:   []string{"bold", "confounds", "events"},
		params:  []string{paramHighPass},
		outputs: []outputSpec{{name: "stats", file: "stats.nii.gz"}},
	},
	step.KindGroupLevel: {
		scope:   scopeGlobal,
		outputs: []outputSpec{{name: "stats", file: "group_stats.nii.gz"}},
	},
	step.KindAtlasResample: {
		scope:   scopeGlobal,
		slots:   []string{"atlas", "template"},
		outputs: []outputSpec{{name: "atlas", file: "space-template_atlas.nii.gz"}},
	},
	step.KindTimeseries: {
		scope:   scopeRun,
		slots:   []string{"bold", "atlas", "confounds"},
		outputs: []outputSpec{{name: "timeseries", file: "timeseries.tsv"}},
	},
}

// instance locates one expansion of a template. The qualifier, such as an
// analysis name or an asset key, follows the kind in the label.
type instance struct {
	ref       runRef
	qualifier string
}

// label names an instance by its kind, qualifier and the part of the run
// that the template's scope covers.
func (t template) label(kind step.Kind, at instance) string {
	parts := []string{string(kind)}
	if at.qualifier != "" {
		parts = append(parts, at.qualifier)
	}
	switch t.scope {
	case scopeSubject:
		parts = append(parts, "sub-"+at.ref.subject.ID)
	case scopeRun:
		parts = append(parts, runLabel(at.ref))
	}
	return strings.Join(parts, " ")
}

// templateFor returns the expansion rule for kind.
func templateFor(kind step.Kind) template {
	t, ok := templates[kind]
	if !ok {
		panic("engine: no template for step kind " + string(kind))
	}
	return t
}
