package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

func validateSpecPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("specification file is required")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve specification path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("specification file does not exist: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("specification path %s is a directory", abs)
	}

	return nil
}

func validateRunOptions(opts runOptions) error {
	if err := validateSpecPath(opts.specPath); err != nil {
		return err
	}
	if opts.parallel < 0 {
		return fmt.Errorf("--parallel must be positive, got %d", opts.parallel)
	}
	if opts.timeout < 0 {
		return fmt.Errorf("--timeout must be positive, got %s", opts.timeout)
	}
	if opts.timeout > 0 && opts.timeout < time.Second {
		return fmt.Errorf("--timeout must be at least 1s, got %s", opts.timeout)
	}
	return nil
}
