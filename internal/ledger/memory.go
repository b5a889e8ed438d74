package ledger

import (
	"context"
	"sync"

	"github.com/alexisbeaulieu97/cohort/internal/step"
)

// MemoryLedger is an in-process ledger. It also keeps the ordered history of
// every write.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[step.Fingerprint]Record
	history []Record
}

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make(map[step.Fingerprint]Record)}
}

func (m *MemoryLedger) Record(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Fingerprint] = rec
	m.history = append(m.history, rec)
	return nil
}

func (m *MemoryLedger) Load(context.Context) (map[step.Fingerprint]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[step.Fingerprint]Record, len(m.records))
	for fp, rec := range m.records {
		out[fp] = rec
	}
	return out, nil
}

func (m *MemoryLedger) Close() error { return nil }

// History returns every write in order.
func (m *MemoryLedger) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.history...)
}
