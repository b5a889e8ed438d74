package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"

	cohorterrors "github.com/alexisbeaulieu97/cohort/pkg/errors"
)

// Environment variables consulted while applying defaults.
const (
	EnvResourceDir = "COHORT_RESOURCE_DIR"
	EnvWorkDir     = "COHORT_WORKDIR"
)

// Defaults applied to unset settings.
const (
	DefaultParallel = 4
	DefaultWorkDir  = "work"
	StateDirName    = ".cohort"
)

var yamlLineRegex = regexp.MustCompile(`line (\d+)`)

// ParseSpecification loads a specification file from disk, applies defaults,
// validates it, and returns the resulting model. Relative paths inside the
// document are resolved against the file's directory.
func ParseSpecification(path string) (*Specification, error) {
	return LoadSpecification(path, os.Getenv)
}

// LoadSpecification is ParseSpecification with the environment lookup
// supplied by the caller, which lets command-line flags take precedence over
// the process environment.
func LoadSpecification(path string, getenv func(string) string) (*Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cohorterrors.NewParseError(path, 0, err)
	}

	spec, err := Decode(path, data)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, cohorterrors.NewParseError(path, 0, err)
	}
	if err := ApplyDefaults(spec, filepath.Dir(abs), getenv); err != nil {
		return nil, err
	}

	if err := ValidateSpecification(spec); err != nil {
		return nil, err
	}

	return spec, nil
}

// Decode unmarshals raw YAML without applying defaults or validation.
func Decode(path string, data []byte) (*Specification, error) {
	var spec Specification
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, cohorterrors.NewParseError(path, extractLine(err), err)
	}
	return &spec, nil
}

// ApplyDefaults fills unset settings and resolves relative paths against baseDir.
func ApplyDefaults(spec *Specification, baseDir string, getenv func(string) string) error {
	if spec == nil {
		return cohorterrors.NewSpecificationError("specification", "specification is nil", nil)
	}
	if getenv == nil {
		getenv = func(string) string { return "" }
	}

	if spec.Dataset.Root != "" {
		spec.Dataset.Root = resolve(baseDir, spec.Dataset.Root)
	}

	s := &spec.Settings
	if s.Parallel <= 0 {
		s.Parallel = DefaultParallel
	}

	if env := getenv(EnvWorkDir); env != "" {
		s.WorkDir = env
	}
	if s.WorkDir == "" {
		s.WorkDir = DefaultWorkDir
	}
	s.WorkDir = resolve(baseDir, s.WorkDir)

	if s.CacheDir == "" {
		s.CacheDir = getenv(EnvResourceDir)
	}
	if s.CacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cohorterrors.NewSpecificationError("settings.cache_dir", "cannot determine default cache directory", err)
		}
		s.CacheDir = filepath.Join(home, ".cache", "cohort")
	}
	s.CacheDir = resolve(baseDir, s.CacheDir)

	if s.Ledger.Driver == "" {
		s.Ledger.Driver = LedgerFile
	}
	if s.Ledger.Path == "" {
		switch s.Ledger.Driver {
		case LedgerSQLite:
			s.Ledger.Path = filepath.Join(s.WorkDir, StateDirName, "ledger.db")
		default:
			s.Ledger.Path = filepath.Join(s.WorkDir, StateDirName, "ledger")
		}
	}
	s.Ledger.Path = resolve(baseDir, s.Ledger.Path)

	return nil
}

// StateDir is where run metadata (specification snapshot, default ledger) lives.
func (s Settings) StateDir() string {
	return filepath.Join(s.WorkDir, StateDirName)
}

func resolve(baseDir, path string) string {
	if filepath.IsAbs(path) || baseDir == "" {
		return filepath.Clean(path)
	}
	return filepath.Join(baseDir, path)
}

func extractLine(err error) int {
	if err == nil {
		return 0
	}

	matches := yamlLineRegex.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return 0
	}

	var line int
	_, scanErr := fmt.Sscanf(matches[1], "%d", &line)
	if scanErr != nil {
		return 0
	}

	return line
}
