// Package origin fetches raw file content from the upstream file host. It
// normalizes refs and paths into origin URLs, derives a content fingerprint
// and MIME type, and classifies failures as not-found, origin-rejected, or
// unreachable.
package origin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quonaro/ghly"
)

const (
	// DefaultBaseURL is the raw content host for github.com repositories.
	DefaultBaseURL = "https://raw.githubusercontent.com"

	// DefaultTimeout bounds every origin request.
	DefaultTimeout = 30 * time.Second
)

// FileInfo describes one file as observed at the origin. It is transient
// and feeds construction of the cache metadata record.
type FileInfo struct {
	Fingerprint string
	ContentType string
	Size        int64
	DownloadURL string
}

// Client fetches files from the raw content origin.
type Client struct {
	baseURL string
	client  *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the origin base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// New creates a new origin client.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchInfo fetches the file and derives its fingerprint, content type and
// size. The raw origin has no metadata endpoint, so this is a full GET.
//
// Returns ghly.ErrNotFound when the origin confirms the file is absent, and
// an *UpstreamError for any other failure.
func (c *Client) FetchInfo(ctx context.Context, key ghly.FileKey) (*FileInfo, error) {
	url := c.baseURL + rawPath(key)

	content, header, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}

	// Origins often supply an ETag; prefer it over a computed hash.
	fingerprint := ghly.NormalizeETag(header.Get("Etag"))
	if fingerprint == "" {
		fingerprint = ghly.Fingerprint(content)
	}

	return &FileInfo{
		Fingerprint: fingerprint,
		ContentType: DetectContentType(key.Path, header.Get("Content-Type")),
		Size:        int64(len(content)),
		DownloadURL: url,
	}, nil
}

// Download fetches the file content from a locator previously returned by
// FetchInfo. Absolute URLs outside the configured origin are fetched
// directly; relative locators are resolved against the origin base URL.
func (c *Client) Download(ctx context.Context, locator string) ([]byte, error) {
	url := locator
	if !strings.HasPrefix(locator, "http://") && !strings.HasPrefix(locator, "https://") {
		url = c.baseURL + "/" + strings.TrimPrefix(locator, "/")
	}

	content, _, err := c.get(ctx, url)
	return content, err
}

func (c *Client) get(ctx context.Context, url string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, &UpstreamError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, ghly.ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return nil, nil, &UpstreamError{Status: resp.StatusCode}
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &UpstreamError{Err: fmt.Errorf("reading response body: %w", err)}
	}

	return content, resp.Header, nil
}

// rawPath builds the origin URL path for a file key:
// /{owner}/{repo}/{ref}/{path}, with the ref stripped of any refs/heads/ or
// refs/tags/ namespace and the path stripped of a leading slash.
func rawPath(key ghly.FileKey) string {
	ref := normalizeRef(key.Ref)
	path := strings.TrimPrefix(key.Path, "/")
	return "/" + key.Owner + "/" + key.Repo + "/" + ref + "/" + path
}

// normalizeRef strips the heads/tags ref namespace down to the bare name.
// Pure string transform, no I/O.
func normalizeRef(ref string) string {
	if bare, ok := strings.CutPrefix(ref, "refs/heads/"); ok {
		return bare
	}
	if bare, ok := strings.CutPrefix(ref, "refs/tags/"); ok {
		return bare
	}
	return ref
}
