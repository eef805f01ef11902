package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chronolog/internal/config"
	"chronolog/internal/metastore"
	"chronolog/internal/objectstore"
	"chronolog/internal/refs"
	"chronolog/internal/search"
	"chronolog/internal/watcher"
)

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}

func newTestPipeline(t *testing.T) (*Pipeline, string, *metastore.Store) {
	t.Helper()
	root := t.TempDir()
	dataDir := t.TempDir()

	meta, err := metastore.Open(filepath.Join(dataDir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	badgerOpts := badger.DefaultOptions(filepath.Join(dataDir, "side")).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(badgerOpts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	objects, err := objectstore.New(db, objectstore.Options{Root: filepath.Join(dataDir, "objects"), CacheSize: 16}, zap.NewNop())
	require.NoError(t, err)

	idx := search.New(meta, objects, zap.NewNop())

	refManager := refs.New(meta)
	_, err = refManager.Bootstrap()
	require.NoError(t, err)

	cfg := config.Default().Ingest
	p := NewPipeline(root, objects, meta, idx, refManager, cfg, zap.NewNop())
	return p, root, meta
}

func TestIngestWriteCreatesFirstVersion(t *testing.T) {
	p, root, meta := newTestPipeline(t)
	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	require.NoError(t, p.Ingest(watcher.Event{Path: "a.txt", Op: watcher.OpWrite}))

	head, err := p.refs.Head()
	require.NoError(t, err)
	fh, err := meta.GetFileHead("a.txt", head.BranchID)
	require.NoError(t, err)
	require.NotNil(t, fh)
	require.Empty(t, fh.ParentVersionHash)

	ev := <-p.Commits()
	require.Equal(t, fh.VersionHash, ev.VersionHash)
	require.False(t, ev.Deleted)
}

func TestIngestWriteChainsParentVersion(t *testing.T) {
	p, root, meta := newTestPipeline(t)
	path := filepath.Join(root, "a.txt")

	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	require.NoError(t, p.Ingest(watcher.Event{Path: "a.txt", Op: watcher.OpWrite}))
	<-p.Commits()

	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))
	require.NoError(t, p.Ingest(watcher.Event{Path: "a.txt", Op: watcher.OpWrite}))
	<-p.Commits()

	head, err := p.refs.Head()
	require.NoError(t, err)
	fh, err := meta.GetFileHead("a.txt", head.BranchID)
	require.NoError(t, err)
	require.NotEmpty(t, fh.ParentVersionHash)

	history, err := meta.History("a.txt", head.BranchID, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
}

func TestIngestWriteSkipsNoOpSave(t *testing.T) {
	p, root, meta := newTestPipeline(t)
	path := filepath.Join(root, "a.txt")

	require.NoError(t, os.WriteFile(path, []byte("same"), 0o644))
	require.NoError(t, p.Ingest(watcher.Event{Path: "a.txt", Op: watcher.OpWrite}))
	<-p.Commits()

	require.NoError(t, os.WriteFile(path, []byte("same"), 0o644))
	require.NoError(t, p.Ingest(watcher.Event{Path: "a.txt", Op: watcher.OpWrite}))

	select {
	case ev := <-p.Commits():
		t.Fatalf("expected no commit for an identical re-save, got %+v", ev)
	default:
	}

	head, err := p.refs.Head()
	require.NoError(t, err)
	history, err := meta.History("a.txt", head.BranchID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestIngestDeleteEmitsTombstone(t *testing.T) {
	p, root, meta := newTestPipeline(t)
	path := filepath.Join(root, "a.txt")

	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))
	require.NoError(t, p.Ingest(watcher.Event{Path: "a.txt", Op: watcher.OpWrite}))
	<-p.Commits()

	require.NoError(t, os.Remove(path))
	require.NoError(t, p.Ingest(watcher.Event{Path: "a.txt", Op: watcher.OpRemove}))

	ev := <-p.Commits()
	require.True(t, ev.Deleted)

	head, err := p.refs.Head()
	require.NoError(t, err)
	fh, err := meta.GetFileHead("a.txt", head.BranchID)
	require.NoError(t, err)
	require.Equal(t, deletedAnnotation, fh.Annotation)
}

func TestIngestDeleteOfUntrackedPathIsNoOp(t *testing.T) {
	p, _, _ := newTestPipeline(t)
	require.NoError(t, p.Ingest(watcher.Event{Path: "never-seen.txt", Op: watcher.OpRemove}))

	select {
	case ev := <-p.Commits():
		t.Fatalf("expected no commit for an untracked delete, got %+v", ev)
	default:
	}
}

func TestIngestRejectsBinaryWhenDisallowed(t *testing.T) {
	p, root, _ := newTestPipeline(t)
	p.cfg.AllowBinary = false

	path := filepath.Join(root, "bin.dat")
	require.NoError(t, os.WriteFile(path, []byte("a\x00b"), 0o644))

	err := p.Ingest(watcher.Event{Path: "bin.dat", Op: watcher.OpWrite})
	require.Error(t, err)
}

func TestCanonicalVersionHashIsDeterministicPerInput(t *testing.T) {
	ts := mustParseTime(t, "2026-01-01T00:00:00Z")
	h1 := canonicalVersionHash("blob1", "", ts, "branch1", "a.txt")
	h2 := canonicalVersionHash("blob1", "", ts, "branch1", "a.txt")
	require.Equal(t, h1, h2)

	h3 := canonicalVersionHash("blob2", "", ts, "branch1", "a.txt")
	require.NotEqual(t, h1, h3)
}
