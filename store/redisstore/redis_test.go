package redisstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quonaro/ghly"
	"github.com/quonaro/ghly/store"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s, err := New(context.Background(), Config{}, WithClient(client))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, mr
}

func testKey() ghly.FileKey {
	return ghly.NewFileKey("octocat", "hello-world", "README.md", "main")
}

func TestNew_PingFailure(t *testing.T) {
	_, err := New(context.Background(), Config{Addr: "127.0.0.1:0"})
	require.Error(t, err)
}

func TestMetadata_Roundtrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	_, err := s.GetMetadata(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)

	meta := &store.Metadata{
		Fingerprint: "abc123",
		ContentType: "text/markdown",
		CachedAt:    time.Now().UTC().Truncate(time.Second),
		Size:        42,
	}
	require.NoError(t, s.SetMetadata(ctx, key, meta, time.Minute))

	got, err := s.GetMetadata(ctx, key)
	require.NoError(t, err)
	require.Equal(t, meta, got)

	require.NoError(t, s.DeleteMetadata(ctx, key))
	_, err = s.GetMetadata(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Delete is idempotent.
	require.NoError(t, s.DeleteMetadata(ctx, key))
}

func TestMetadata_StoredAsJSON(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	meta := &store.Metadata{Fingerprint: "fp", ContentType: "text/plain", Size: 3}
	require.NoError(t, s.SetMetadata(ctx, key, meta, time.Minute))

	raw, err := mr.Get("gh:octocat:hello-world@main:README.md")
	require.NoError(t, err)

	var decoded store.Metadata
	require.NoError(t, json.Unmarshal([]byte(raw), &decoded))
	require.Equal(t, "fp", decoded.Fingerprint)
}

func TestMetadata_Undecodable(t *testing.T) {
	s, mr := newTestStore(t)
	key := testKey()

	require.NoError(t, mr.Set(key.CacheKey(), "not json"))

	_, err := s.GetMetadata(context.Background(), key)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestContent_Roundtrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	_, err := s.GetContent(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)

	content := []byte("# Hello\x00\x01binary ok")
	require.NoError(t, s.SetContent(ctx, key, content, time.Minute))

	got, err := s.GetContent(ctx, key)
	require.NoError(t, err)
	require.Equal(t, content, got)

	require.NoError(t, s.DeleteContent(ctx, key))
	_, err = s.GetContent(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestContent_StoredAsBase64(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	content := []byte("payload")
	require.NoError(t, s.SetContent(ctx, key, content, time.Minute))

	raw, err := mr.Get("gh:content:octocat:hello-world@main:README.md")
	require.NoError(t, err)
	require.Equal(t, base64.StdEncoding.EncodeToString(content), raw)
}

func TestContent_Undecodable(t *testing.T) {
	s, mr := newTestStore(t)
	key := testKey()

	require.NoError(t, mr.Set(key.ContentKey(), "%%% not base64 %%%"))

	_, err := s.GetContent(context.Background(), key)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTTL_Expiry(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	require.NoError(t, s.SetMetadata(ctx, key, &store.Metadata{Fingerprint: "fp"}, time.Minute))
	require.NoError(t, s.SetContent(ctx, key, []byte("data"), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := s.GetMetadata(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetContent(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTTL_RefreshedOnWrite(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	require.NoError(t, s.SetContent(ctx, key, []byte("v1"), time.Minute))
	mr.FastForward(45 * time.Second)

	// Rewriting resets the clock.
	require.NoError(t, s.SetContent(ctx, key, []byte("v2"), time.Minute))
	mr.FastForward(45 * time.Second)

	got, err := s.GetContent(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

// flakyHook fails the first failures processed commands with err, then
// passes commands through to the server. Attached after New so the startup
// ping is not counted.
type flakyHook struct {
	err      error
	failures atomic.Int32
	calls    atomic.Int32
}

func (h *flakyHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *flakyHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *flakyHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		h.calls.Add(1)
		if h.failures.Add(-1) >= 0 {
			return h.err
		}
		return next(ctx, cmd)
	}
}

func newFlakyStore(t *testing.T, err error, failures int32) (*Store, *flakyHook) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s, newErr := New(context.Background(), Config{}, WithClient(client))
	require.NoError(t, newErr)
	t.Cleanup(func() { _ = s.Close() })

	hook := &flakyHook{err: err}
	hook.failures.Store(failures)
	client.AddHook(hook)

	return s, hook
}

func TestRetry_ConnectionErrorRetriedOnce(t *testing.T) {
	s, hook := newFlakyStore(t, io.EOF, 1)
	ctx := context.Background()
	key := testKey()

	// The first attempt dies with a connection error; the retried attempt
	// checks out a fresh connection and succeeds.
	require.NoError(t, s.SetContent(ctx, key, []byte("survived"), time.Minute))
	require.Equal(t, int32(2), hook.calls.Load())

	got, err := s.GetContent(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("survived"), got)
}

func TestRetry_SecondFailurePropagates(t *testing.T) {
	connErr := &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
	s, hook := newFlakyStore(t, connErr, 2)
	key := testKey()

	_, err := s.GetContent(context.Background(), key)
	require.Error(t, err)
	require.ErrorIs(t, err, syscall.ECONNRESET)
	require.Equal(t, int32(2), hook.calls.Load(), "exactly one retry, then the error propagates")
}

func TestRetry_MissingKeyNotRetried(t *testing.T) {
	s, hook := newFlakyStore(t, nil, 0)

	_, err := s.GetMetadata(context.Background(), testKey())
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Equal(t, int32(1), hook.calls.Load(), "a missing key is not a connection error")
}

func TestIsConnError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "net op error", err: &net.OpError{Op: "read", Err: syscall.ECONNRESET}, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "connection reset", err: syscall.ECONNRESET, want: true},
		{name: "broken pipe", err: syscall.EPIPE, want: true},
		{name: "wrapped eof", err: fmt.Errorf("read reply: %w", io.EOF), want: true},
		{name: "missing key", err: redis.Nil, want: false},
		{name: "server error", err: errors.New("ERR wrong number of arguments"), want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, isConnError(tt.err))
		})
	}
}

func TestIndependentNamespaces(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	require.NoError(t, s.SetMetadata(ctx, key, &store.Metadata{Fingerprint: "fp"}, time.Minute))
	require.NoError(t, s.SetContent(ctx, key, []byte("data"), time.Minute))

	// Deleting content leaves metadata untouched, and vice versa.
	require.NoError(t, s.DeleteContent(ctx, key))
	_, err := s.GetMetadata(ctx, key)
	require.NoError(t, err)

	require.NoError(t, s.DeleteMetadata(ctx, key))
	_, err = s.GetMetadata(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
}
