package sqlitestore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quonaro/ghly"
	"github.com/quonaro/ghly/store"
)

// testClock is a settable time source for expiry tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()

	clock := newTestClock()
	s, err := New(":memory:", WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return s, clock
}

func testKey() ghly.FileKey {
	return ghly.NewFileKey("octocat", "hello-world", "README.md", "main")
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
		CachedAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
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

func TestContent_Roundtrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	_, err := s.GetContent(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)

	content := []byte("binary\x00content")
	require.NoError(t, s.SetContent(ctx, key, content, time.Minute))

	got, err := s.GetContent(ctx, key)
	require.NoError(t, err)
	require.Equal(t, content, got)

	require.NoError(t, s.DeleteContent(ctx, key))
	_, err = s.GetContent(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestIndependentDeletes(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	require.NoError(t, s.SetContent(ctx, key, []byte("data"), time.Minute))
	require.NoError(t, s.SetMetadata(ctx, key, &store.Metadata{Fingerprint: "fp"}, time.Minute))

	// Deleting content leaves metadata readable.
	require.NoError(t, s.DeleteContent(ctx, key))
	_, err := s.GetContent(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
	meta, err := s.GetMetadata(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "fp", meta.Fingerprint)

	// And the other way around.
	require.NoError(t, s.SetContent(ctx, key, []byte("data"), time.Minute))
	require.NoError(t, s.DeleteMetadata(ctx, key))
	_, err = s.GetMetadata(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
	got, err := s.GetContent(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("data"), got)
}

func TestExpiry(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	require.NoError(t, s.SetMetadata(ctx, key, &store.Metadata{Fingerprint: "fp"}, time.Minute))
	require.NoError(t, s.SetContent(ctx, key, []byte("data"), time.Minute))

	clock.Advance(2 * time.Minute)

	// Expired rows are invisible to reads even before any sweep runs.
	_, err := s.GetMetadata(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetContent(ctx, key)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpiry_RefreshedOnWrite(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	key := testKey()

	require.NoError(t, s.SetContent(ctx, key, []byte("v1"), time.Minute))
	clock.Advance(45 * time.Second)

	require.NoError(t, s.SetContent(ctx, key, []byte("v2"), time.Minute))
	clock.Advance(45 * time.Second)

	got, err := s.GetContent(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}

func TestSweep(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	expired := ghly.NewFileKey("octocat", "hello-world", "old.txt", "main")
	live := ghly.NewFileKey("octocat", "hello-world", "new.txt", "main")

	require.NoError(t, s.SetContent(ctx, expired, []byte("old"), time.Minute))
	require.NoError(t, s.SetContent(ctx, live, []byte("new"), time.Hour))

	clock.Advance(10 * time.Minute)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// The live row survives.
	got, err := s.GetContent(ctx, live)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got)

	// Sweeping again removes nothing.
	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestNew_SweepsOnStartup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	clock := newTestClock()

	s, err := New(path, WithClock(clock.Now))
	require.NoError(t, err)

	key := testKey()
	require.NoError(t, s.SetContent(context.Background(), key, []byte("data"), time.Minute))
	require.NoError(t, s.Close())

	// Reopen after the TTL has passed: the startup sweep drops the row.
	clock.Advance(time.Hour)
	s, err = New(path, WithClock(clock.Now))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(0), n, "startup sweep should already have removed the row")

	_, err = s.GetContent(context.Background(), key)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestReaper_Run(t *testing.T) {
	s, clock := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := testKey()
	require.NoError(t, s.SetContent(ctx, key, []byte("data"), time.Minute))
	clock.Advance(10 * time.Minute)

	r := NewReaper(s, WithReaperInterval(10*time.Millisecond))

	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// The reaper physically removes the row, not just hides it from reads.
	require.Eventually(t, func() bool {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM cache`).Scan(&count)
		return err == nil && count == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
