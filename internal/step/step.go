// Package step defines the immutable unit of work scheduled by the engine
// and its deterministic identity.
package step

import (
	"sort"
)

// Kind identifies the category of computation a step performs.
type Kind string

const (
	KindFetchResource    Kind = "fetch_resource"
	KindAnatPreproc      Kind = "anat_preproc"
	KindMotionCorrection Kind = "motion_correction"
	KindNormalization    Kind = "normalization"
	KindSmoothing        Kind = "smoothing"
	KindConfounds        Kind = "confounds"
	KindFirstLevel       Kind = "first_level"
	KindGroupLevel       Kind = "group_level"
	KindAtlasResample    Kind = "atlas_resample"
	KindTimeseries       Kind = "timeseries"
)

// Kinds lists every step kind in pipeline order.
func Kinds() []Kind {
	return []Kind{
		KindFetchResource,
		KindAnatPreproc,
		KindMotionCorrection,
		KindNormalization,
		KindSmoothing,
		KindConfounds,
		KindFirstLevel,
		KindGroupLevel,
		KindAtlasResample,
		KindTimeseries,
	}
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// Internal reports whether the engine resolves the kind itself instead of
// handing it to the external invoker.
func (k Kind) Internal() bool {
	return k == KindFetchResource
}

func (k Kind) String() string { return string(k) }

// Input references either an upstream step (by fingerprint) or an external
// artifact supplied with the dataset.
type Input struct {
	Slot     string      `json:"slot"`
	Upstream Fingerprint `json:"upstream,omitempty"`
	External *External   `json:"external,omitempty"`
}

// IsUpstream reports whether the input is produced by another node.
func (in Input) IsUpstream() bool {
	return in.Upstream != ""
}

// External is a file shipped with the dataset. Path is relative to the
// dataset root; Revision is the dataset revision when known.
type External struct {
	Path     string `json:"path"`
	Revision string `json:"revision,omitempty"`
}

// Output declares an artifact the step is expected to produce.
type Output struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Invocation is the opaque reference to the external computation.
type Invocation struct {
	Tool string `json:"tool"`
}

// Descriptor is the immutable description of one computational unit.
type Descriptor struct {
	Fingerprint Fingerprint    `json:"fingerprint"`
	Kind        Kind           `json:"kind"`
	Label       string         `json:"label"`
	Inputs      []Input        `json:"inputs"`
	Params      map[string]any `json:"params,omitempty"`
	Outputs     []Output       `json:"outputs,omitempty"`
	Invocation  Invocation     `json:"invocation"`

	// Aggregate nodes tolerate failed inputs as long as at least Quorum of
	// them completed.
	Aggregate bool `json:"aggregate,omitempty"`
	Quorum    int  `json:"quorum,omitempty"`
}

// New computes the fingerprint for the supplied components and returns the
// resulting descriptor.
func New(kind Kind, params map[string]any, inputs []Input) (*Descriptor, error) {
	fp, err := Compute(kind, params, inputs)
	if err != nil {
		return nil, err
	}
	return &Descriptor{
		Fingerprint: fp,
		Kind:        kind,
		Inputs:      append([]Input(nil), inputs...),
		Params:      params,
		Invocation:  Invocation{Tool: string(kind)},
	}, nil
}

// Upstreams returns the fingerprints of all upstream inputs in input order.
func (d *Descriptor) Upstreams() []Fingerprint {
	if d == nil {
		return nil
	}
	out := make([]Fingerprint, 0, len(d.Inputs))
	for _, in := range d.Inputs {
		if in.IsUpstream() {
			out = append(out, in.Upstream)
		}
	}
	return out
}

// Set is an order-insensitive collection of strings. It is canonicalized by
// sorting and de-duplication before hashing.
type Set []string

// Canonical returns the sorted, de-duplicated members.
func (s Set) Canonical() []string {
	out := make([]string, 0, len(s))
	seen := make(map[string]struct{}, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
