// Package redisstore implements the cache store on a Redis server. Metadata
// is stored as JSON and content as a base64 string (the wire protocol is
// text-oriented), both with server-enforced expiry refreshed on every write.
package redisstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quonaro/ghly"
	"github.com/quonaro/ghly/store"
)

// Config holds Redis connection parameters.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password is the optional server password.
	Password string

	// DB is the logical database number.
	DB int
}

// Store is a Redis-backed cache store.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClient sets a pre-built client, bypassing Config. Intended for tests.
func WithClient(client redis.UniversalClient) Option {
	return func(s *Store) {
		s.client = client
	}
}

// New creates a Redis store and verifies the connection with PING.
func New(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	s := &Store{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.client == nil {
		s.client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
	}

	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("pinging redis at %s: %w", cfg.Addr, err)
	}

	return s, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// GetMetadata returns the metadata record for the key.
func (s *Store) GetMetadata(ctx context.Context, key ghly.FileKey) (*store.Metadata, error) {
	data, err := s.get(ctx, key.CacheKey())
	if err != nil {
		return nil, err
	}

	var meta store.Metadata
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		// A record we cannot decode is as good as absent.
		s.logger.Warn("discarding undecodable metadata", "key", key.String(), "error", err)
		return nil, store.ErrNotFound
	}
	return &meta, nil
}

// SetMetadata stores the metadata record with server-enforced expiry.
func (s *Store) SetMetadata(ctx context.Context, key ghly.FileKey, meta *store.Metadata, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	return s.set(ctx, key.CacheKey(), string(data), ttl)
}

// DeleteMetadata removes the metadata record. No-op if absent.
func (s *Store) DeleteMetadata(ctx context.Context, key ghly.FileKey) error {
	return s.del(ctx, key.CacheKey())
}

// GetContent returns the content blob for the key.
func (s *Store) GetContent(ctx context.Context, key ghly.FileKey) ([]byte, error) {
	data, err := s.get(ctx, key.ContentKey())
	if err != nil {
		return nil, err
	}

	content, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		s.logger.Warn("discarding undecodable content", "key", key.String(), "error", err)
		return nil, store.ErrNotFound
	}
	return content, nil
}

// SetContent stores the content blob base64-encoded with server-enforced
// expiry.
func (s *Store) SetContent(ctx context.Context, key ghly.FileKey, content []byte, ttl time.Duration) error {
	encoded := base64.StdEncoding.EncodeToString(content)
	return s.set(ctx, key.ContentKey(), encoded, ttl)
}

// DeleteContent removes the content blob. No-op if absent.
func (s *Store) DeleteContent(ctx context.Context, key ghly.FileKey) error {
	return s.del(ctx, key.ContentKey())
}

func (s *Store) get(ctx context.Context, key string) (string, error) {
	var data string
	err := s.retry(ctx, func() error {
		var err error
		data, err = s.client.Get(ctx, key).Result()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) set(ctx context.Context, key, value string, ttl time.Duration) error {
	err := s.retry(ctx, func() error {
		return s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *Store) del(ctx context.Context, key string) error {
	err := s.retry(ctx, func() error {
		return s.client.Del(ctx, key).Err()
	})
	if err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// retry runs op, and on a connection-class error runs it once more. The
// client checks out a fresh pool connection per attempt, so the second
// attempt is the reconnect. A second failure propagates. Callers failing
// concurrently each retry independently; the operations are idempotent.
func (s *Store) retry(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !isConnError(err) {
		return err
	}
	s.logger.Warn("redis connection error, retrying once", "error", err)
	if ctx.Err() != nil {
		return err
	}
	return op()
}

// isConnError reports whether err indicates the connection died, as opposed
// to a server-side error or a missing key.
func isConnError(err error) bool {
	if errors.Is(err, redis.Nil) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
