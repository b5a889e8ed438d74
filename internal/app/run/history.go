package run

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	historyVersion = "1"
	// maxHistory bounds the number of runs kept on disk.
	maxHistory = 50
)

// HistoryEntry summarizes one finished run.
type HistoryEntry struct {
	RunID       string        `json:"run_id"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Revision    string        `json:"revision,omitempty"`
	Done        int           `json:"done"`
	Failed      int           `json:"failed"`
	Skipped     int           `json:"skipped"`
	Reused      int           `json:"reused"`
	Executed    int           `json:"executed"`
	SpecChanged bool          `json:"spec_changed,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Succeeded reports whether every node of the run finished done.
func (e HistoryEntry) Succeeded() bool {
	return e.Error == "" && e.Failed == 0 && e.Skipped == 0
}

type historyFile struct {
	Version string         `json:"version"`
	Runs    []HistoryEntry `json:"runs"`
}

// History persists the outcome of past runs between sessions.
type History struct {
	path string
	mu   sync.RWMutex
	runs []HistoryEntry
}

// OpenHistory loads the history stored at path, starting empty when the
// file does not exist yet.
func OpenHistory(path string) (*History, error) {
	h := &History{path: path}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	if err := h.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return h, nil
}

// Load reads the history from disk.
func (h *History) Load() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, err := os.ReadFile(h.path)
	if err != nil {
		return err
	}

	var file historyFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse run history: %w", err)
	}
	h.runs = file.Runs
	return nil
}

// Save writes the history to disk atomically.
func (h *History) Save() error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.MarshalIndent(historyFile{Version: historyVersion, Runs: h.runs}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run history: %w", err)
	}

	tmpPath := h.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, h.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

// Append adds entry, dropping the oldest runs beyond the retention limit.
func (h *History) Append(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.runs = append(h.runs, entry)
	if over := len(h.runs) - maxHistory; over > 0 {
		h.runs = append([]HistoryEntry(nil), h.runs[over:]...)
	}
}

// Runs returns the recorded runs, oldest first.
func (h *History) Runs() []HistoryEntry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HistoryEntry(nil), h.runs...)
}
