package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateSpecPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "cohort.yaml")
	require.NoError(t, os.WriteFile(file, []byte("version: \"1.0\"\n"), 0o644))

	require.NoError(t, validateSpecPath(file))
	require.ErrorContains(t, validateSpecPath(" "), "is required")
	require.ErrorContains(t, validateSpecPath(filepath.Join(dir, "nope.yaml")), "does not exist")
	require.ErrorContains(t, validateSpecPath(dir), "is a directory")
}

func TestValidateRunOptions(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "cohort.yaml")
	require.NoError(t, os.WriteFile(file, []byte("version: \"1.0\"\n"), 0o644))

	tests := []struct {
		name    string
		opts    runOptions
		wantErr string
	}{
		{name: "defaults", opts: runOptions{specPath: file}},
		{name: "overrides", opts: runOptions{specPath: file, parallel: 4, timeout: time.Hour}},
		{name: "negative parallel", opts: runOptions{specPath: file, parallel: -1}, wantErr: "--parallel"},
		{name: "negative timeout", opts: runOptions{specPath: file, timeout: -time.Second}, wantErr: "--timeout"},
		{name: "sub-second timeout", opts: runOptions{specPath: file, timeout: time.Millisecond}, wantErr: "at least 1s"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := validateRunOptions(tt.opts)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
