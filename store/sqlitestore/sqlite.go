// Package sqlitestore implements the cache store on a local SQLite database,
// for deployments without a Redis server. Metadata and content live in one
// table keyed by the encoded file key; expiry is enforced by filtering every
// read on the expires_at column and sweeping expired rows.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quonaro/ghly"
	"github.com/quonaro/ghly/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache (
	key        TEXT PRIMARY KEY,
	metadata   TEXT,
	content    BLOB,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache (expires_at);
`

// Store is a SQLite-backed cache store. Reads and writes are transactionally
// scoped per call.
type Store struct {
	db     *sql.DB
	codec  *contentCodec
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock sets the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New opens (creating if needed) the database at path and sweeps rows that
// expired while the process was down. Use ":memory:" for an in-memory
// database.
func New(path string, opts ...Option) (*Store, error) {
	dsn := path
	// Apply pragmas via the DSN so they hold for every pooled connection.
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	// One connection serializes writes and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	codec, err := newContentCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		codec:  codec,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := db.Exec(schema); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if n, err := s.Sweep(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("startup sweep: %w", err)
	} else if n > 0 {
		s.logger.Info("swept expired cache rows at startup", "rows", n)
	}

	return s, nil
}

// Close releases the codec and the database handle.
func (s *Store) Close() error {
	s.codec.close()
	return s.db.Close()
}

// GetMetadata returns the metadata record for the key.
func (s *Store) GetMetadata(ctx context.Context, key ghly.FileKey) (*store.Metadata, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT metadata FROM cache
		WHERE key = ? AND metadata IS NOT NULL AND expires_at > ?
	`, key.CacheKey(), s.now().UnixMilli()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}

	var meta store.Metadata
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		s.logger.Warn("discarding undecodable metadata", "key", key.String(), "error", err)
		return nil, store.ErrNotFound
	}
	return &meta, nil
}

// SetMetadata stores the metadata record, refreshing the row's expiry.
func (s *Store) SetMetadata(ctx context.Context, key ghly.FileKey, meta *store.Metadata, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache (key, metadata, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			metadata = excluded.metadata,
			expires_at = excluded.expires_at
	`, key.CacheKey(), string(data), s.expiresAt(ttl))
	if err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// DeleteMetadata removes the metadata record. No-op if absent.
func (s *Store) DeleteMetadata(ctx context.Context, key ghly.FileKey) error {
	return s.deleteColumn(ctx, key, "metadata")
}

// GetContent returns the content blob for the key.
func (s *Store) GetContent(ctx context.Context, key ghly.FileKey) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT content FROM cache
		WHERE key = ? AND content IS NOT NULL AND expires_at > ?
	`, key.CacheKey(), s.now().UnixMilli()).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}

	content, err := s.codec.decode(blob)
	if err != nil {
		s.logger.Warn("discarding undecodable content", "key", key.String(), "error", err)
		return nil, store.ErrNotFound
	}
	return content, nil
}

// SetContent stores the content blob, refreshing the row's expiry.
func (s *Store) SetContent(ctx context.Context, key ghly.FileKey, content []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache (key, content, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			content = excluded.content,
			expires_at = excluded.expires_at
	`, key.CacheKey(), s.codec.encode(content), s.expiresAt(ttl))
	if err != nil {
		return fmt.Errorf("writing content: %w", err)
	}
	return nil
}

// DeleteContent removes the content blob. No-op if absent.
func (s *Store) DeleteContent(ctx context.Context, key ghly.FileKey) error {
	return s.deleteColumn(ctx, key, "content")
}

// Sweep deletes rows whose expiry has passed and returns how many were
// removed. It runs at startup and periodically via the Reaper.
func (s *Store) Sweep(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM cache WHERE expires_at < ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sweeping expired rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// deleteColumn nulls one column and drops the row once both are null, so
// metadata and content stay independently deletable over a single table.
func (s *Store) deleteColumn(ctx context.Context, key ghly.FileKey, column string) error {
	// column is one of the two fixed identifiers above, never user input.
	_, err := s.db.ExecContext(ctx,
		`UPDATE cache SET `+column+` = NULL WHERE key = ?`, key.CacheKey())
	if err != nil {
		return fmt.Errorf("deleting %s: %w", column, err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM cache WHERE key = ? AND metadata IS NULL AND content IS NULL`,
		key.CacheKey())
	if err != nil {
		return fmt.Errorf("dropping empty row: %w", err)
	}
	return nil
}

func (s *Store) expiresAt(ttl time.Duration) int64 {
	return s.now().Add(ttl).UnixMilli()
}
