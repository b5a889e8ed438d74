package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alexisbeaulieu97/cohort/internal/config"
	"github.com/alexisbeaulieu97/cohort/internal/step"
)

func backends(t *testing.T) map[string]func(t *testing.T, dir string) Ledger {
	t.Helper()
	return map[string]func(t *testing.T, dir string) Ledger{
		"file": func(t *testing.T, dir string) Ledger {
			l, err := NewFileLedger(dir)
			require.NoError(t, err)
			return l
		},
		"sqlite": func(t *testing.T, dir string) Ledger {
			l, err := OpenSQLite(filepath.Join(dir, "ledger.db"))
			require.NoError(t, err)
			return l
		},
	}
}

func sameRecord(t *testing.T, want, got Record) {
	t.Helper()
	require.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updated_at %v != %v", want.UpdatedAt, got.UpdatedAt)
	want.UpdatedAt, got.UpdatedAt = time.Time{}, time.Time{}
	require.Equal(t, want, got)
}

func TestLedgerBackendsPersistAcrossReopen(t *testing.T) {
	t.Parallel()

	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			dir := t.TempDir()
			now := time.UnixMilli(time.Now().UnixMilli())

			l := open(t, dir)
			pending := Record{Fingerprint: "aaa", Kind: step.KindSmoothing, Label: "smoothing sub-01", Status: StatusPending, RunID: "run-1", UpdatedAt: now}
			require.NoError(t, l.Record(ctx, pending))

			done := pending
			done.Status = StatusDone
			done.Outputs = []step.Output{{Name: "smoothed", Path: "/work/smoothing/aaa/smoothed.nii.gz"}}
			require.NoError(t, l.Record(ctx, done))

			skipped := Record{
				Fingerprint: "bbb",
				Status:      StatusSkipped,
				Reason:      ReasonUpstreamFailure,
				Detail:      "motion_correction sub-02 failed",
				Chain:       []string{"first_level sub-02", "smoothing sub-02", "motion_correction sub-02: failed"},
				UpdatedAt:   now,
			}
			require.NoError(t, l.Record(ctx, skipped))
			require.NoError(t, l.Close())

			reopened := open(t, dir)
			defer reopened.Close()
			records, err := reopened.Load(ctx)
			require.NoError(t, err)
			require.Len(t, records, 2)
			sameRecord(t, done, records["aaa"])
			sameRecord(t, skipped, records["bbb"])
		})
	}
}

func TestLedgerRejectsEmptyFingerprint(t *testing.T) {
	t.Parallel()

	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			l := open(t, t.TempDir())
			defer l.Close()
			require.Error(t, l.Record(context.Background(), Record{Status: StatusDone}))
		})
	}
}

func TestFileLedgerIgnoresTemporaryFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := NewFileLedger(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "records", ".record-123"), []byte("{partial"), 0o644))
	require.NoError(t, l.Record(context.Background(), Record{Fingerprint: "ccc", Status: StatusRunning}))

	records, err := l.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, StatusRunning, records["ccc"].Status)
}

func TestFileLedgerRejectsCorruptRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := NewFileLedger(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "records", "ddd.json"), []byte(`{"fingerprint":"ddd","status":"done","extra":1}`), 0o644))

	_, err = l.Load(context.Background())
	require.Error(t, err)
}

func TestMemoryLedgerHistory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	l := NewMemoryLedger()
	require.NoError(t, l.Record(ctx, Record{Fingerprint: "a", Status: StatusPending}))
	require.NoError(t, l.Record(ctx, Record{Fingerprint: "a", Status: StatusRunning}))
	require.NoError(t, l.Record(ctx, Record{Fingerprint: "a", Status: StatusDone}))

	history := l.History()
	require.Len(t, history, 3)
	require.Equal(t, StatusDone, history[2].Status)

	records, err := l.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusDone, records["a"].Status)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	require.Error(t, l.Record(cancelled, Record{Fingerprint: "b"}))
}

func TestOpenSelectsBackend(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	l, err := Open(config.LedgerSettings{Driver: config.LedgerFile, Path: filepath.Join(dir, "file")})
	require.NoError(t, err)
	require.IsType(t, &FileLedger{}, l)

	l, err = Open(config.LedgerSettings{Driver: config.LedgerSQLite, Path: filepath.Join(dir, "ledger.db")})
	require.NoError(t, err)
	require.IsType(t, &SQLiteLedger{}, l)
	require.NoError(t, l.Close())

	_, err = Open(config.LedgerSettings{Driver: "etcd"})
	require.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	require.False(t, StatusPending.Terminal())
	require.False(t, StatusRunning.Terminal())
	require.True(t, StatusDone.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusSkipped.Terminal())
}
