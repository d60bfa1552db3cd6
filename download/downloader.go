// Package download provides singleflight-based deduplication for concurrent
// origin fetches. When multiple requests arrive for the same uncached file
// key, only one origin fetch is performed; the rest wait for its result.
// The singleflight group drops an entry as soon as its flight completes, so
// the lock registry stays bounded under high key cardinality.
package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Result holds the outcome of one fetch-and-cache operation.
type Result struct {
	Content     []byte
	ContentType string

	// Cached reports that the content was already stored when the flight
	// ran, rather than fetched from the origin.
	Cached bool
}

// FetchFunc fetches a file from the origin and stores it in the cache. The
// context passed to FetchFunc is detached from any single request so that
// one caller timing out does not cancel the fetch for other waiters.
type FetchFunc func(ctx context.Context) (*Result, error)

// Downloader deduplicates concurrent fetches for the same file key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent fetches for the same key.
// The fn receives a background context (not tied to any single request).
// Returns the result, whether it was shared with another caller, and any
// error.
//
// If the caller's context expires before the fetch completes, Do returns the
// context error but the in-flight fetch continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn FetchFunc) (*Result, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		// Use a detached context so that no single caller's cancellation
		// stops the fetch for everyone else.
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*Result), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry. Called after a fetch error so failures are never served to
// later requests.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}
