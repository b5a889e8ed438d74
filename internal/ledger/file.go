package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/alexisbeaulieu97/cohort/internal/step"
)

const recordSuffix = ".json"

// FileLedger keeps one JSON document per fingerprint under <dir>/records.
type FileLedger struct {
	dir string
	mu  sync.Mutex
}

// NewFileLedger creates the records directory if needed.
func NewFileLedger(dir string) (*FileLedger, error) {
	if dir == "" {
		return nil, errors.New("ledger directory is required")
	}
	records := filepath.Join(dir, "records")
	if err := os.MkdirAll(records, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	return &FileLedger{dir: records}, nil
}

// Record writes rec to a temporary file, syncs it and renames it over the
// previous record.
func (l *FileLedger) Record(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Fingerprint == "" {
		return errors.New("record fingerprint is required")
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := filepath.Join(l.dir, string(rec.Fingerprint)+recordSuffix)
	return writeFileAtomic(path, append(data, '\n'))
}

// Load reads every record in the ledger.
func (l *FileLedger) Load(ctx context.Context) (map[step.Fingerprint]Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}

	out := make(map[step.Fingerprint]Record, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordSuffix) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read record %s: %w", name, err)
		}

		var rec Record
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to parse record %s: %w", name, err)
		}
		if string(rec.Fingerprint)+recordSuffix != name {
			return nil, fmt.Errorf("record %s carries fingerprint %s", name, rec.Fingerprint)
		}
		out[rec.Fingerprint] = rec
	}
	return out, nil
}

// Close is a no-op for the file backend.
func (l *FileLedger) Close() error { return nil }

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".record-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open ledger directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("failed to sync ledger directory: %w", err)
	}
	return nil
}
