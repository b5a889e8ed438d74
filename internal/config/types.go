package config

import (
	"gopkg.in/yaml.v3"
)

// Level is the analysis stage requested for a set of task runs.
type Level string

const (
	LevelPreprocessing Level = "preprocessing"
	LevelFirstLevel    Level = "first_level"
	LevelGroupLevel    Level = "group_level"
	LevelTimeseries    Level = "timeseries"
)

// Ledger drivers.
const (
	LedgerFile   = "file"
	LedgerSQLite = "sqlite"
)

// Specification represents the full declarative analysis document.
type Specification struct {
	Version     string          `yaml:"version" validate:"required,semver"`
	Name        string          `yaml:"name" validate:"required,min=1,max=100"`
	Description string          `yaml:"description,omitempty"`
	Dataset     Dataset         `yaml:"dataset"`
	Parameters  Parameters      `yaml:"parameters"`
	Analyses    []Analysis      `yaml:"analyses" validate:"required,min=1,dive"`
	Resources   []Resource      `yaml:"resources,omitempty" validate:"omitempty,dive"`
	Tools       map[string]Tool `yaml:"tools,omitempty" validate:"omitempty,dive,keys,step_kind,endkeys"`
	Settings    Settings        `yaml:"settings,omitempty"`
}

// Dataset lists the imaging data available to the analyses.
type Dataset struct {
	Root     string    `yaml:"root" validate:"required"`
	Subjects []Subject `yaml:"subjects" validate:"required,min=1,dive"`
}

// Subject is one participant with an anatomical reference image.
type Subject struct {
	ID       string    `yaml:"id" validate:"required,entity_id"`
	Anat     string    `yaml:"anat" validate:"required"`
	Sessions []Session `yaml:"sessions" validate:"required,min=1,dive"`
}

// Session groups the task runs acquired in one visit. ID may be empty for
// single-session datasets.
type Session struct {
	ID    string    `yaml:"id,omitempty" validate:"omitempty,entity_id"`
	Tasks []TaskRun `yaml:"tasks" validate:"required,min=1,dive"`
}

// TaskRun is one functional acquisition.
type TaskRun struct {
	Task   string `yaml:"task" validate:"required,entity_id"`
	Run    string `yaml:"run,omitempty" validate:"omitempty,entity_id"`
	Bold   string `yaml:"bold" validate:"required"`
	Events string `yaml:"events,omitempty"`
}

// AssetRef names a versioned shared resource.
type AssetRef struct {
	Key     string `yaml:"key" validate:"required"`
	Version string `yaml:"version" validate:"required"`
}

// Parameters are global processing parameters shared by every analysis.
type Parameters struct {
	Template      AssetRef  `yaml:"template"`
	Atlas         *AssetRef `yaml:"atlas,omitempty"`
	SmoothingFWHM float64   `yaml:"smoothing_fwhm,omitempty" validate:"gte=0,lte=30"`
	HighPass      float64   `yaml:"high_pass_seconds,omitempty" validate:"gte=0"`
	Confounds     []string  `yaml:"confounds,omitempty" validate:"omitempty,dive,required"`
}

// Analysis requests one analysis level over a filtered subset of the dataset.
type Analysis struct {
	Name     string         `yaml:"name" validate:"required,analysis_name"`
	Level    Level          `yaml:"level" validate:"required,oneof=preprocessing first_level group_level timeseries"`
	Subjects []string       `yaml:"subjects,omitempty"`
	Sessions []string       `yaml:"sessions,omitempty"`
	Tasks    []string       `yaml:"tasks,omitempty"`
	From     string         `yaml:"from,omitempty"`
	Model    map[string]any `yaml:"model,omitempty"`
	Quorum   int            `yaml:"quorum,omitempty" validate:"gte=0"`
	Timeout  int            `yaml:"timeout,omitempty" validate:"gte=0"`
}

// Resource pins a downloadable asset to a URL and checksum.
type Resource struct {
	Key     string `yaml:"key" validate:"required"`
	Version string `yaml:"version" validate:"required"`
	URL     string `yaml:"url" validate:"required"`
	SHA256  string `yaml:"sha256" validate:"required,len=64,hexadecimal"`
}

// Tool configures the external program that runs one step kind.
type Tool struct {
	Command []string          `yaml:"command" validate:"required,min=1,dive,required"`
	Env     map[string]string `yaml:"env,omitempty"`
	WorkDir string            `yaml:"workdir,omitempty"`
}

// Settings holds global execution parameters.
type Settings struct {
	Parallel int            `yaml:"parallel,omitempty" validate:"omitempty,min=1,max=256"`
	Timeout  int            `yaml:"timeout,omitempty" validate:"omitempty,min=1"`
	Quorum   int            `yaml:"quorum,omitempty" validate:"omitempty,min=1"`
	WorkDir  string         `yaml:"workdir,omitempty"`
	CacheDir string         `yaml:"cache_dir,omitempty"`
	Ledger   LedgerSettings `yaml:"ledger,omitempty"`
}

// LedgerSettings selects the run ledger backend.
type LedgerSettings struct {
	Driver string `yaml:"driver,omitempty" validate:"omitempty,oneof=file sqlite"`
	Path   string `yaml:"path,omitempty"`
}

// Subject returns the subject with the given id.
func (d Dataset) Subject(id string) (Subject, bool) {
	for _, s := range d.Subjects {
		if s.ID == id {
			return s, true
		}
	}
	return Subject{}, false
}

// Analysis returns the analysis with the given name.
func (s *Specification) Analysis(name string) (Analysis, bool) {
	for _, a := range s.Analyses {
		if a.Name == name {
			return a, true
		}
	}
	return Analysis{}, false
}

// Resource returns the manifest entry for key@version.
func (s *Specification) Resource(key, version string) (Resource, bool) {
	for _, r := range s.Resources {
		if r.Key == key && r.Version == version {
			return r, true
		}
	}
	return Resource{}, false
}

// Canonical renders the specification as YAML with sorted map keys. The
// output is stable for identical specifications.
func (s *Specification) Canonical() ([]byte, error) {
	return yaml.Marshal(s)
}
