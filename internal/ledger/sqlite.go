package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alexisbeaulieu97/cohort/internal/step"
)

// SQLiteLedger stores records in a single SQLite table keyed by fingerprint.
type SQLiteLedger struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLiteLedger, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger database path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection serializes writers and keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{`PRAGMA journal_mode=WAL`, `PRAGMA synchronous=FULL`} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("configure ledger database: %w", err)
		}
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS records (
  fingerprint TEXT PRIMARY KEY,
  kind TEXT NOT NULL DEFAULT '',
  label TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  outputs_json TEXT NOT NULL DEFAULT '[]',
  reason TEXT NOT NULL DEFAULT '',
  detail TEXT NOT NULL DEFAULT '',
  chain_json TEXT NOT NULL DEFAULT '[]',
  run_id TEXT NOT NULL DEFAULT '',
  updated_at INTEGER NOT NULL
);
`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create ledger schema: %w", err)
	}
	return &SQLiteLedger{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteLedger) Close() error { return s.db.Close() }

// Record upserts rec.
func (s *SQLiteLedger) Record(ctx context.Context, rec Record) error {
	if rec.Fingerprint == "" {
		return fmt.Errorf("record fingerprint is required")
	}
	outputs, err := json.Marshal(orEmpty(rec.Outputs))
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	chain, err := json.Marshal(orEmpty(rec.Chain))
	if err != nil {
		return fmt.Errorf("marshal chain: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (fingerprint, kind, label, status, outputs_json, reason, detail, chain_json, run_id, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(fingerprint) DO UPDATE SET
           kind = excluded.kind,
           label = excluded.label,
           status = excluded.status,
           outputs_json = excluded.outputs_json,
           reason = excluded.reason,
           detail = excluded.detail,
           chain_json = excluded.chain_json,
           run_id = excluded.run_id,
           updated_at = excluded.updated_at`,
		string(rec.Fingerprint),
		string(rec.Kind),
		rec.Label,
		string(rec.Status),
		string(outputs),
		rec.Reason,
		rec.Detail,
		string(chain),
		rec.RunID,
		rec.UpdatedAt.UnixMilli(),
	)
	return err
}

// Load returns every stored record.
func (s *SQLiteLedger) Load(ctx context.Context) (map[step.Fingerprint]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, kind, label, status, outputs_json, reason, detail, chain_json, run_id, updated_at
       FROM records`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[step.Fingerprint]Record)
	for rows.Next() {
		var (
			fp, kind, label, status, outputsJSON string
			reason, detail, chainJSON, runID     string
			updatedMs                            int64
		)
		if err := rows.Scan(&fp, &kind, &label, &status, &outputsJSON, &reason, &detail, &chainJSON, &runID, &updatedMs); err != nil {
			return nil, err
		}
		rec := Record{
			Fingerprint: step.Fingerprint(fp),
			Kind:        step.Kind(kind),
			Label:       label,
			Status:      Status(status),
			Reason:      reason,
			Detail:      detail,
			RunID:       runID,
			UpdatedAt:   time.UnixMilli(updatedMs),
		}
		if err := json.Unmarshal([]byte(outputsJSON), &rec.Outputs); err != nil {
			return nil, fmt.Errorf("record %s outputs: %w", fp, err)
		}
		if err := json.Unmarshal([]byte(chainJSON), &rec.Chain); err != nil {
			return nil, fmt.Errorf("record %s chain: %w", fp, err)
		}
		if len(rec.Outputs) == 0 {
			rec.Outputs = nil
		}
		if len(rec.Chain) == 0 {
			rec.Chain = nil
		}
		out[rec.Fingerprint] = rec
	}
	return out, rows.Err()
}

func orEmpty[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
