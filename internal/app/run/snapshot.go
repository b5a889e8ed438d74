package run

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/alexisbeaulieu97/cohort/pkg/diff"
)

const snapshotName = "spec.yaml"

// Drift describes how the specification changed since the previous run.
type Drift struct {
	Diff    string
	Added   int
	Removed int
}

// Changed reports whether a previous snapshot existed and differed.
func (d Drift) Changed() bool { return d.Diff != "" }

// updateSnapshot stores canonical as the latest specification snapshot under
// stateDir. When a different snapshot already exists it returns the drift
// from the previous to the new one.
func updateSnapshot(stateDir string, canonical []byte) (Drift, error) {
	path := filepath.Join(stateDir, snapshotName)

	previous, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Drift{}, fmt.Errorf("read specification snapshot: %w", err)
	}
	exists := err == nil
	if exists && bytes.Equal(previous, canonical) {
		return Drift{}, nil
	}

	var drift Drift
	if exists {
		drift.Diff = diff.Unified(previous, canonical, "previous/"+snapshotName, "current/"+snapshotName)
		drift.Added, drift.Removed = diff.Stats(previous, canonical)
	}

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return Drift{}, fmt.Errorf("create state directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, canonical, 0o644); err != nil {
		return Drift{}, fmt.Errorf("write specification snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return Drift{}, fmt.Errorf("replace specification snapshot: %w", err)
	}
	return drift, nil
}
