package resource

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cohorterrors "github.com/alexisbeaulieu97/cohort/pkg/errors"
)

type fakeProvider struct {
	payload []byte
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	once    sync.Once
	err     error
}

func (p *fakeProvider) Fetch(ctx context.Context, _ Asset) (io.ReadCloser, error) {
	p.calls.Add(1)
	if p.started != nil {
		p.once.Do(func() { close(p.started) })
	}
	if p.release != nil {
		select {
		case <-p.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return io.NopCloser(bytes.NewReader(p.payload)), nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func newTestCache(t *testing.T, dir string, payload []byte, provider Provider) *Cache {
	t.Helper()
	cache, err := New(Options{
		Dir:      dir,
		Assets:   []Asset{{Key: "MNI152", Version: "2", URL: "https://example.org/mni.nii.gz", SHA256: checksum(payload)}},
		Provider: provider,
	})
	require.NoError(t, err)
	return cache
}

func TestAcquireConcurrentRequestsShareOneFetch(t *testing.T) {
	t.Parallel()

	payload := []byte("template voxels")
	provider := &fakeProvider{payload: payload, started: make(chan struct{}), release: make(chan struct{})}
	cache := newTestCache(t, t.TempDir(), payload, provider)

	const callers = 8
	paths := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = cache.Acquire(context.Background(), "MNI152", "2")
		}(i)
	}

	<-provider.started
	close(provider.release)
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, paths[0], paths[i])
	}
	require.Equal(t, int32(1), provider.calls.Load())
	require.Equal(t, int64(1), cache.Fetches())

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.Equal(t, payload, data)
	require.Equal(t, filepath.Join(cache.Dir(), checksum(payload), "MNI152"), paths[0])
}

func TestAcquireReusesVerifiedFileAcrossInstances(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	payload := []byte("atlas labels")

	first := newTestCache(t, dir, payload, &fakeProvider{payload: payload})
	_, err := first.Acquire(context.Background(), "MNI152", "2")
	require.NoError(t, err)

	provider := &fakeProvider{payload: payload}
	second := newTestCache(t, dir, payload, provider)
	path, err := second.Acquire(context.Background(), "MNI152", "2")
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Zero(t, provider.calls.Load())
	require.Len(t, second.Entries(), 1)
}

func TestAcquireChecksumMismatchAllowsRetry(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	payload := []byte("expected")
	provider := &fakeProvider{payload: []byte("corrupted")}
	cache := newTestCache(t, dir, payload, provider)

	_, err := cache.Acquire(context.Background(), "MNI152", "2")
	var unavailable *cohorterrors.ResourceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, "MNI152", unavailable.Key)
	require.Contains(t, err.Error(), "checksum mismatch")

	leftovers, err := os.ReadDir(filepath.Join(dir, checksum(payload)))
	require.NoError(t, err)
	require.Empty(t, leftovers)
	require.Empty(t, cache.Entries())

	provider.payload = payload
	path, err := cache.Acquire(context.Background(), "MNI152", "2")
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, int32(2), provider.calls.Load())
}

func TestAcquireProviderError(t *testing.T) {
	t.Parallel()

	boom := errors.New("connection reset")
	cache := newTestCache(t, t.TempDir(), []byte("x"), &fakeProvider{err: boom})

	_, err := cache.Acquire(context.Background(), "MNI152", "2")
	require.ErrorIs(t, err, boom)
	var unavailable *cohorterrors.ResourceUnavailableError
	require.ErrorAs(t, err, &unavailable)
}

func TestAcquireUnknownAsset(t *testing.T) {
	t.Parallel()

	cache := newTestCache(t, t.TempDir(), []byte("x"), &fakeProvider{})
	_, err := cache.Acquire(context.Background(), "MNI152", "3")
	var unavailable *cohorterrors.ResourceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, "3", unavailable.Version)
}

func TestAcquireWaiterCanAbandon(t *testing.T) {
	t.Parallel()

	payload := []byte("slow")
	provider := &fakeProvider{payload: payload, started: make(chan struct{}), release: make(chan struct{})}
	cache := newTestCache(t, t.TempDir(), payload, provider)

	done := make(chan error, 1)
	go func() {
		_, err := cache.Acquire(context.Background(), "MNI152", "2")
		done <- err
	}()
	<-provider.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := cache.Acquire(ctx, "MNI152", "2")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(provider.release)
	require.NoError(t, <-done)
	require.Equal(t, int32(1), provider.calls.Load())
}

func TestHTTPProvider(t *testing.T) {
	t.Parallel()

	payload := []byte("served template")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tpl.nii.gz" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	cache, err := New(Options{
		Dir: t.TempDir(),
		Assets: []Asset{
			{Key: "tpl", Version: "1", URL: server.URL + "/tpl.nii.gz", SHA256: checksum(payload)},
			{Key: "gone", Version: "1", URL: server.URL + "/missing", SHA256: checksum(payload)},
		},
	})
	require.NoError(t, err)

	path, err := cache.Acquire(context.Background(), "tpl", "1")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, payload, data)

	_, err = cache.Acquire(context.Background(), "gone", "1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
}

func TestFileProviderAndSchemes(t *testing.T) {
	t.Parallel()

	src := filepath.Join(t.TempDir(), "atlas.nii.gz")
	require.NoError(t, os.WriteFile(src, []byte("labels"), 0o644))

	for _, url := range []string{src, "file://" + src} {
		rc, err := DefaultProvider().Fetch(context.Background(), Asset{URL: url})
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		require.Equal(t, "labels", string(data))
	}

	_, err := DefaultProvider().Fetch(context.Background(), Asset{URL: "s3://bucket/atlas"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no provider")
}
