// Package store defines the cache storage abstraction. Metadata records and
// content blobs are stored independently under related keys, each with a
// time-to-live enforced by the backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/quonaro/ghly"
)

// ErrNotFound is returned when a key does not exist in the store, has
// expired, or has been deleted. The three cases are indistinguishable.
var ErrNotFound = errors.New("not found")

// Metadata is the record kept alongside cached content. It is written once
// when a file is fetched and fully replaced on re-fetch.
type Metadata struct {
	// Fingerprint is the origin ETag if one was supplied, otherwise a
	// hash of the content. Used for client cache validators.
	Fingerprint string `json:"fingerprint"`

	// ContentType is the detected MIME type of the file.
	ContentType string `json:"content_type"`

	// CachedAt records when the file was fetched from the origin.
	CachedAt time.Time `json:"cached_at"`

	// Size is the content length in bytes.
	Size int64 `json:"size"`
}

// Store is the capability set shared by the networked and embedded backends.
// Metadata and content operations are independently addressable; callers
// sequence them as needed. Implementations must be safe for concurrent use.
type Store interface {
	// GetMetadata returns the metadata record for the key.
	// Returns ErrNotFound if absent or expired.
	GetMetadata(ctx context.Context, key ghly.FileKey) (*Metadata, error)

	// SetMetadata stores the metadata record with the given TTL,
	// replacing any existing record and refreshing its expiry.
	SetMetadata(ctx context.Context, key ghly.FileKey, meta *Metadata, ttl time.Duration) error

	// DeleteMetadata removes the metadata record.
	// Returns nil if the record does not exist (idempotent).
	DeleteMetadata(ctx context.Context, key ghly.FileKey) error

	// GetContent returns the content blob for the key.
	// Returns ErrNotFound if absent or expired.
	GetContent(ctx context.Context, key ghly.FileKey) ([]byte, error)

	// SetContent stores the content blob with the given TTL, replacing
	// any existing blob and refreshing its expiry.
	SetContent(ctx context.Context, key ghly.FileKey, content []byte, ttl time.Duration) error

	// DeleteContent removes the content blob.
	// Returns nil if the blob does not exist (idempotent).
	DeleteContent(ctx context.Context, key ghly.FileKey) error

	// Close releases the backend connection or handle.
	Close() error
}
