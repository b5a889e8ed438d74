package resource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// Provider retrieves the raw bytes of an asset.
type Provider interface {
	Fetch(ctx context.Context, asset Asset) (io.ReadCloser, error)
}

// HTTPProvider downloads assets over http and https.
type HTTPProvider struct {
	Client *http.Client
}

// Fetch issues a GET request for asset.URL.
func (p HTTPProvider) Fetch(ctx context.Context, asset Asset) (io.ReadCloser, error) {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", asset.URL, resp.Status)
	}
	return resp.Body, nil
}

// FileProvider reads assets from a local mirror. It accepts file:// URLs and
// plain paths.
type FileProvider struct{}

// Fetch opens the file referenced by asset.URL.
func (FileProvider) Fetch(_ context.Context, asset Asset) (io.ReadCloser, error) {
	path := asset.URL
	if strings.HasPrefix(path, "file://") {
		u, err := url.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", asset.URL, err)
		}
		path = u.Path
	}
	return os.Open(path)
}

// MultiProvider dispatches to a provider by URL scheme. An empty scheme key
// handles plain paths.
type MultiProvider map[string]Provider

// Fetch selects the provider registered for the asset's URL scheme.
func (m MultiProvider) Fetch(ctx context.Context, asset Asset) (io.ReadCloser, error) {
	scheme := ""
	if i := strings.Index(asset.URL, "://"); i > 0 {
		scheme = strings.ToLower(asset.URL[:i])
	}
	provider, ok := m[scheme]
	if !ok {
		return nil, fmt.Errorf("no provider for scheme %q", scheme)
	}
	return provider.Fetch(ctx, asset)
}

// DefaultProvider handles http, https, file and plain paths.
func DefaultProvider() Provider {
	web := HTTPProvider{}
	return MultiProvider{
		"http":  web,
		"https": web,
		"file":  FileProvider{},
		"":      FileProvider{},
	}
}
