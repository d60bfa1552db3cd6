// Package cache implements the cache-aside orchestration layer: check the
// store, fetch from the origin at most once per key on a miss, store the
// result, serve it. The orchestrator owns no persistent state of its own.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quonaro/ghly"
	"github.com/quonaro/ghly/download"
	"github.com/quonaro/ghly/origin"
	"github.com/quonaro/ghly/store"
	"github.com/quonaro/ghly/telemetry"
)

// DefaultTTL is the cache lifetime applied when none is configured.
const DefaultTTL = 5 * time.Minute

// Origin is the subset of the origin client used by the resolver. Keeping
// it as an interface enables fakes in tests.
type Origin interface {
	FetchInfo(ctx context.Context, key ghly.FileKey) (*origin.FileInfo, error)
	Download(ctx context.Context, locator string) ([]byte, error)
}

// Resolver coordinates the cache store and the origin client.
type Resolver struct {
	store     store.Store
	origin    Origin
	whitelist *Whitelist
	ttl       time.Duration
	logger    *slog.Logger
	flights   *download.Downloader
	now       func() time.Time
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithTTL sets the cache TTL applied to every write.
func WithTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.ttl = ttl
	}
}

// WithWhitelist sets the allowed-repository policy.
func WithWhitelist(w *Whitelist) ResolverOption {
	return func(r *Resolver) {
		r.whitelist = w
	}
}

// WithLogger sets the logger for the resolver.
func WithLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a resolver over the given store and origin client.
func NewResolver(s store.Store, o Origin, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:     s,
		origin:    o,
		whitelist: NewWhitelist(nil),
		ttl:       DefaultTTL,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.flights = download.New(download.WithLogger(r.logger))
	return r
}

// Resolve returns the file's content and content type, from cache when
// valid, otherwise fetched from the origin exactly once per key even under
// concurrent callers.
//
// Fails with ghly.ErrForbidden before any cache or origin I/O when the
// repository is not whitelisted, ghly.ErrNotFound when the origin confirms
// the file is absent, and *origin.UpstreamError for unrecoverable origin
// failures. Store failures degrade to a fetch from the origin.
func (r *Resolver) Resolve(ctx context.Context, key ghly.FileKey) ([]byte, string, error) {
	if !r.whitelist.Allows(key.Owner, key.Repo) {
		return nil, "", fmt.Errorf("repository %s/%s: %w", key.Owner, key.Repo, ghly.ErrForbidden)
	}

	// Fast path: no lock across the initial read.
	if content, contentType, ok := r.cached(ctx, key); ok {
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
		telemetry.RecordCacheLookup(ctx, telemetry.CacheHit)
		return content, contentType, nil
	}

	telemetry.SetCacheResult(ctx, telemetry.CacheMiss)
	telemetry.RecordCacheLookup(ctx, telemetry.CacheMiss)

	// Slow path: coalesce duplicate origin fetches per key. The flight
	// re-checks the cache because another caller may have populated it
	// while this one waited.
	res, shared, err := r.flights.Do(ctx, key.CacheKey(), func(ctx context.Context) (*download.Result, error) {
		if content, contentType, ok := r.cached(ctx, key); ok {
			return &download.Result{Content: content, ContentType: contentType, Cached: true}, nil
		}
		return r.fetchAndCache(ctx, key)
	})
	if err != nil {
		// Never serve an error to later arrivals; let them retry.
		r.flights.Forget(key.CacheKey())
		return nil, "", err
	}

	if res.Cached {
		// A concurrent request filled the cache between the fast-path
		// check and the flight; report it as a hit after all.
		telemetry.SetCacheResult(ctx, telemetry.CacheHit)
	}

	if shared {
		r.logger.Debug("origin fetch shared with concurrent request", "key", key.String())
	}
	return res.Content, res.ContentType, nil
}

// Invalidate removes the key's metadata and content unconditionally. It is
// idempotent: invalidating an uncached key is a no-op.
func (r *Resolver) Invalidate(ctx context.Context, key ghly.FileKey) error {
	if err := r.store.DeleteMetadata(ctx, key); err != nil {
		return fmt.Errorf("invalidating metadata for %s: %w", key.String(), err)
	}
	if err := r.store.DeleteContent(ctx, key); err != nil {
		return fmt.Errorf("invalidating content for %s: %w", key.String(), err)
	}
	return nil
}

// Metadata returns the current cache metadata for the key, for building
// response validators. Returns store.ErrNotFound when nothing is cached.
func (r *Resolver) Metadata(ctx context.Context, key ghly.FileKey) (*store.Metadata, error) {
	return r.store.GetMetadata(ctx, key)
}

// cached performs the fast-path read: metadata, then content. Metadata
// without content is treated as a miss and the orphaned record is purged so
// the next fetch starts clean. Store read errors are logged and treated as
// misses so a store outage degrades to always fetching from the origin.
func (r *Resolver) cached(ctx context.Context, key ghly.FileKey) ([]byte, string, bool) {
	meta, err := r.store.GetMetadata(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warn("metadata read failed, treating as miss", "key", key.String(), "error", err)
		}
		return nil, "", false
	}

	content, err := r.store.GetContent(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.logger.Info("content missing for cached metadata, purging orphan", "key", key.String())
			if derr := r.store.DeleteMetadata(ctx, key); derr != nil {
				r.logger.Warn("purging orphaned metadata failed", "key", key.String(), "error", derr)
			}
		} else {
			r.logger.Warn("content read failed, treating as miss", "key", key.String(), "error", err)
		}
		return nil, "", false
	}

	return content, meta.ContentType, true
}

// fetchAndCache fetches the file from the origin and stores it. Content is
// written before metadata so a half-written entry is an orphanless blob, not
// metadata pointing at nothing. Store write failures are logged and
// swallowed; the response is served from the fetched bytes regardless.
func (r *Resolver) fetchAndCache(ctx context.Context, key ghly.FileKey) (*download.Result, error) {
	start := r.now()

	info, err := r.origin.FetchInfo(ctx, key)
	if err != nil {
		telemetry.RecordOriginFetch(ctx, r.now().Sub(start), 0, err)
		return nil, err
	}

	content, err := r.origin.Download(ctx, info.DownloadURL)
	if err != nil {
		telemetry.RecordOriginFetch(ctx, r.now().Sub(start), 0, err)
		return nil, err
	}
	telemetry.RecordOriginFetch(ctx, r.now().Sub(start), int64(len(content)), nil)

	r.logger.Info("fetched from origin",
		"key", key.String(),
		"size", len(content),
		"content_type", info.ContentType,
		"ttl", r.ttl,
	)

	if err := r.store.SetContent(ctx, key, content, r.ttl); err != nil {
		r.logger.Error("content write failed, serving uncached", "key", key.String(), "error", err)
	} else {
		meta := &store.Metadata{
			Fingerprint: info.Fingerprint,
			ContentType: info.ContentType,
			CachedAt:    r.now().UTC(),
			Size:        int64(len(content)),
		}
		if err := r.store.SetMetadata(ctx, key, meta, r.ttl); err != nil {
			r.logger.Error("metadata write failed, serving uncached", "key", key.String(), "error", err)
		}
	}

	return &download.Result{Content: content, ContentType: info.ContentType}, nil
}
