// Package resource implements the content-addressed cache for shared
// versioned assets such as anatomical templates and atlases.
package resource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/alexisbeaulieu97/cohort/internal/logger"
	cohorterrors "github.com/alexisbeaulieu97/cohort/pkg/errors"
)

// Asset pins a (key, version) pair to its source and expected checksum.
type Asset struct {
	Key     string
	Version string
	URL     string
	SHA256  string
}

// ID returns the "key@version" identifier of the asset.
func (a Asset) ID() string {
	return id(a.Key, a.Version)
}

// Entry describes an asset that is present and verified in the cache.
type Entry struct {
	Key     string `json:"key"`
	Version string `json:"version"`
	Path    string `json:"path"`
	SHA256  string `json:"sha256"`
}

// Options configures a Cache.
type Options struct {
	Dir      string
	Assets   []Asset
	Provider Provider
	Logger   *logger.Logger
}

// Cache stores assets under <dir>/<sha256>/<key>. Concurrent acquisitions of
// the same (key, version) share a single download.
type Cache struct {
	dir      string
	provider Provider
	log      *logger.Logger

	manifest map[string]Asset

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]Entry
	fetches atomic.Int64
}

// New creates a cache rooted at opts.Dir.
func New(opts Options) (*Cache, error) {
	if opts.Dir == "" {
		return nil, errors.New("resource cache directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create resource cache directory: %w", err)
	}

	provider := opts.Provider
	if provider == nil {
		provider = DefaultProvider()
	}

	manifest := make(map[string]Asset, len(opts.Assets))
	for _, asset := range opts.Assets {
		manifest[asset.ID()] = asset
	}

	return &Cache{
		dir:      opts.Dir,
		provider: provider,
		log:      opts.Logger,
		manifest: manifest,
		entries:  make(map[string]Entry),
	}, nil
}

// Dir returns the cache root.
func (c *Cache) Dir() string { return c.dir }

// Acquire returns the local path of the asset, fetching it when it is not
// already cached. The download runs under the ctx of the caller that started
// it; callers joining an in-flight download may stop waiting through their
// own ctx.
func (c *Cache) Acquire(ctx context.Context, key, version string) (string, error) {
	assetID := id(key, version)

	c.mu.Lock()
	entry, ok := c.entries[assetID]
	c.mu.Unlock()
	if ok {
		return entry.Path, nil
	}

	asset, ok := c.manifest[assetID]
	if !ok {
		return "", cohorterrors.NewResourceUnavailableError(key, version, errors.New("not listed in resource manifest"))
	}

	ch := c.group.DoChan(assetID, func() (any, error) {
		return c.materialize(ctx, asset)
	})

	select {
	case <-ctx.Done():
		return "", cohorterrors.NewResourceUnavailableError(key, version, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(Entry).Path, nil
	}
}

// Entries lists the assets resolved by this cache instance, sorted by id.
func (c *Cache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for _, entry := range c.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return id(out[i].Key, out[i].Version) < id(out[j].Key, out[j].Version)
	})
	return out
}

// Fetches reports how many downloads this cache performed.
func (c *Cache) Fetches() int64 {
	return c.fetches.Load()
}

func (c *Cache) materialize(ctx context.Context, asset Asset) (Entry, error) {
	// a concurrent flight may have finished between the map check and DoChan
	c.mu.Lock()
	if entry, ok := c.entries[asset.ID()]; ok {
		c.mu.Unlock()
		return entry, nil
	}
	c.mu.Unlock()

	want := strings.ToLower(asset.SHA256)
	dest := Path(c.dir, want, asset.Key)
	log := c.log.WithFields(map[string]any{"asset": asset.ID(), "path": dest})

	if sum, err := fileChecksum(dest); err == nil {
		if sum == want {
			log.Debug("resource already cached")
			return c.store(asset, dest, want), nil
		}
		log.Warn("cached resource failed verification; refetching")
		_ = os.Remove(dest)
	}

	if err := c.download(ctx, asset, dest, want); err != nil {
		log.Error(err, "resource fetch failed")
		return Entry{}, cohorterrors.NewResourceUnavailableError(asset.Key, asset.Version, err)
	}

	c.fetches.Add(1)
	log.Info("resource fetched")
	return c.store(asset, dest, want), nil
}

func (c *Cache) download(ctx context.Context, asset Asset, dest, want string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create resource directory: %w", err)
	}

	body, err := c.provider.Fetch(ctx, asset)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".fetch-*")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("download %s: %w", asset.URL, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temporary file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temporary file: %w", err)
	}

	got := hex.EncodeToString(hasher.Sum(nil))
	if got != want {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", want, got)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("install resource: %w", err)
	}
	committed = true
	return nil
}

func (c *Cache) store(asset Asset, path, sum string) Entry {
	entry := Entry{Key: asset.Key, Version: asset.Version, Path: path, SHA256: sum}
	c.mu.Lock()
	c.entries[asset.ID()] = entry
	c.mu.Unlock()
	return entry
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Path is the location of an asset with the given checksum inside a cache
// rooted at dir.
func Path(dir, sha256sum, key string) string {
	return filepath.Join(dir, strings.ToLower(sha256sum), strings.ReplaceAll(filepath.ToSlash(key), "/", "_"))
}

func id(key, version string) string {
	return key + "@" + version
}
