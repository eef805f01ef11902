package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chronolog/internal/ignore"
)

func newTestWatcher(t *testing.T, debounce time.Duration) (*Watcher, string) {
	t.Helper()
	root := t.TempDir()
	ignoreF, err := ignore.New(root)
	require.NoError(t, err)

	w, err := New(root, ignoreF, debounce, 16, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		w.Stop(ctx)
	})
	return w, root
}

func waitForEvent(t *testing.T, w *Watcher, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for watcher event")
		return Event{}
	}
}

func TestWatcherDebouncesBurstsOfWrites(t *testing.T) {
	w, root := newTestWatcher(t, 150*time.Millisecond)
	path := filepath.Join(root, "a.txt")

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("v"), 0o644))
		time.Sleep(30 * time.Millisecond)
	}

	ev := waitForEvent(t, w, 2*time.Second)
	require.Equal(t, "a.txt", ev.Path)
	require.Equal(t, OpWrite, ev.Op)

	select {
	case extra := <-w.Events():
		t.Fatalf("expected exactly one coalesced event, got a second: %+v", extra)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherBypassesDebounceOnDelete(t *testing.T) {
	w, root := newTestWatcher(t, 150*time.Millisecond)
	path := filepath.Join(root, "b.txt")
	require.NoError(t, os.WriteFile(path, []byte("v"), 0o644))
	require.NoError(t, os.Remove(path))

	ev := waitForEvent(t, w, 2*time.Second)
	require.Equal(t, "b.txt", ev.Path)
	require.Equal(t, OpRemove, ev.Op)
}

func TestWatcherIgnoresMatchedPaths(t *testing.T) {
	w, root := newTestWatcher(t, 50*time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(root, ".chronologignore"), []byte("*.log\n"), 0o644))
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "debug.log"), []byte("x"), 0o644))

	select {
	case ev := <-w.Events():
		t.Fatalf("expected ignored file to produce no event, got %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherStopFlushesPendingDebounce(t *testing.T) {
	w, root := newTestWatcher(t, 2*time.Second)
	path := filepath.Join(root, "c.txt")
	require.NoError(t, os.WriteFile(path, []byte("v"), 0o644))
	time.Sleep(100 * time.Millisecond)

	// The write above is still sitting in its debounce window (2s) when
	// Stop is called; it must be flushed as a final event rather than
	// dropped.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))

	select {
	case ev := <-w.Events():
		require.Equal(t, "c.txt", ev.Path)
		require.Equal(t, OpWrite, ev.Op)
	default:
		t.Fatal("expected the pending debounce to be flushed as an event on stop")
	}
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	w, root := newTestWatcher(t, 50*time.Millisecond)
	_ = root

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	require.NoError(t, w.Stop(ctx))
}
