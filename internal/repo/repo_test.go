package repo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chronolog/internal/chronoerr"
	"chronolog/internal/merge"
	"chronolog/internal/search"
	"chronolog/internal/watcher"
)

func mustInit(t *testing.T) *Repository {
	t.Helper()
	root := t.TempDir()
	r, err := Init(root, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

// writeAndIngest saves content to path and runs it through the ingest
// pipeline directly, bypassing the watcher's debounce window so tests
// don't need to sleep.
func writeAndIngest(t *testing.T, r *Repository, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(r.Root, path), []byte(content), 0o644))
	require.NoError(t, r.ingest.Ingest(watcher.Event{Path: path, Op: watcher.OpWrite}))
}

func TestInitRejectsDoubleInitialization(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	_, err = Init(root, zap.NewNop())
	var e *chronoerr.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, chronoerr.CodeAlreadyInitialized, e.Code)
}

func TestOpenFailsOutsideRepository(t *testing.T) {
	_, err := Open(t.TempDir(), zap.NewNop())
	var e *chronoerr.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, chronoerr.CodeNotARepository, e.Code)
}

func TestFindRootWalksUpToMetaDir(t *testing.T) {
	root := t.TempDir()
	r, err := Init(root, zap.NewNop())
	require.NoError(t, err)
	defer r.Close()

	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, err := FindRoot(nested)
	require.NoError(t, err)
	require.Equal(t, root, found)
}

func TestLogShowAndDiffRoundTrip(t *testing.T) {
	r := mustInit(t)
	path := "notes.txt"

	writeAndIngest(t, r, path, "first\n")
	writeAndIngest(t, r, path, "first\nsecond\n")

	entries, err := r.Log(path, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.True(t, entries[0].Timestamp.After(entries[1].Timestamp) || entries[0].Timestamp.Equal(entries[1].Timestamp))

	latest, err := r.Show(entries[0].VersionHash)
	require.NoError(t, err)
	require.Equal(t, "first\nsecond\n", string(latest))

	diffResult, err := r.Diff(path, entries[1].VersionHash, entries[0].VersionHash, 3)
	require.NoError(t, err)
	require.Equal(t, 1, diffResult.Stats.Additions)
}

func TestDiffAgainstCurrentWorkingTree(t *testing.T) {
	r := mustInit(t)
	path := "notes.txt"
	writeAndIngest(t, r, path, "one\n")

	entries, err := r.Log(path, 0)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(r.Root, path), []byte("one\ntwo\n"), 0o644))

	diffResult, err := r.Diff(path, entries[0].VersionHash, "current", 3)
	require.NoError(t, err)
	require.Equal(t, 1, diffResult.Stats.Additions)
}

func TestShowResolvesShortHash(t *testing.T) {
	r := mustInit(t)
	writeAndIngest(t, r, "a.txt", "hello\n")

	entries, err := r.Log("a.txt", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	full, err := r.Show(entries[0].VersionHash)
	require.NoError(t, err)

	short, err := r.Show(entries[0].VersionHash[:8])
	require.NoError(t, err)
	require.Equal(t, full, short)
}

func TestShowUnknownHashReturnsUserInputError(t *testing.T) {
	r := mustInit(t)
	_, err := r.Show("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	var e *chronoerr.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, chronoerr.KindUserInput, e.Kind)
}

func TestCheckoutRecordsNewVersion(t *testing.T) {
	r := mustInit(t)
	writeAndIngest(t, r, "a.txt", "v1\n")
	writeAndIngest(t, r, "a.txt", "v2\n")

	entries, err := r.Log("a.txt", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	v1Hash := entries[1].VersionHash

	newHash, err := r.Checkout(v1Hash, "a.txt")
	require.NoError(t, err)
	require.NotEmpty(t, newHash)

	content, err := os.ReadFile(filepath.Join(r.Root, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "v1\n", string(content))

	entries, err = r.Log("a.txt", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Contains(t, entries[0].Annotation, "checkout:")
}

func TestBranchLifecycle(t *testing.T) {
	r := mustInit(t)

	_, err := r.BranchCreate("feature", "main")
	require.NoError(t, err)

	branches, err := r.BranchList()
	require.NoError(t, err)
	require.Len(t, branches, 2)

	_, err = r.BranchSwitch("feature")
	require.NoError(t, err)

	headData, err := os.ReadFile(headFilePath(r.Root))
	require.NoError(t, err)
	require.Equal(t, "feature\n", string(headData))

	_, err = r.BranchSwitch("main")
	require.NoError(t, err)
	require.NoError(t, r.BranchDelete("feature"))
}

func TestTagLifecycle(t *testing.T) {
	r := mustInit(t)
	writeAndIngest(t, r, "a.txt", "hi\n")

	entries, err := r.Log("a.txt", 0)
	require.NoError(t, err)

	tag, err := r.TagCreate("v1", entries[0].VersionHash[:8], "first")
	require.NoError(t, err)
	require.Equal(t, entries[0].VersionHash, tag.VersionHash)

	tags, err := r.TagList()
	require.NoError(t, err)
	require.Len(t, tags, 1)

	require.NoError(t, r.TagDelete("v1"))
}

func TestSearchFindsIndexedContent(t *testing.T) {
	r := mustInit(t)
	writeAndIngest(t, r, "notes.txt", "the quick brown fox\n")

	results, err := r.Search(search.QueryOptions{Query: "quick"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
}

func TestSearchByContentChangeFindsAddedLine(t *testing.T) {
	r := mustInit(t)
	writeAndIngest(t, r, "notes.txt", "line one\n")
	writeAndIngest(t, r, "notes.txt", "line one\nline two\n")

	results, err := r.SearchByContentChange("line two", "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "added", results[0].ChangeType)
}

func TestReindexCountsAllVersions(t *testing.T) {
	r := mustInit(t)
	writeAndIngest(t, r, "a.txt", "alpha\n")
	writeAndIngest(t, r, "b.txt", "beta\n")

	indexed, total, err := r.Reindex(nil)
	require.NoError(t, err)
	require.Equal(t, total, indexed)
	require.Equal(t, 2, total)
}

func TestMergeDisjointEditsAuto(t *testing.T) {
	r := mustInit(t)
	writeAndIngest(t, r, "base.txt", "1\n2\n3\n")
	writeAndIngest(t, r, "ours.txt", "1\n2a\n3\n")
	writeAndIngest(t, r, "theirs.txt", "1\n2\n3b\n")

	baseEntries, err := r.Log("base.txt", 0)
	require.NoError(t, err)
	oursEntries, err := r.Log("ours.txt", 0)
	require.NoError(t, err)
	theirsEntries, err := r.Log("theirs.txt", 0)
	require.NoError(t, err)

	result, err := r.Merge(baseEntries[0].VersionHash, oursEntries[0].VersionHash, theirsEntries[0].VersionHash, merge.PolicyAuto)
	require.NoError(t, err)
	require.False(t, result.Conflicted)
	require.Equal(t, "1\n2a\n3b\n", string(result.Content))
}

func TestDaemonLifecycle(t *testing.T) {
	r := mustInit(t)

	require.NoError(t, r.DaemonStart())

	err := r.DaemonStart()
	var e *chronoerr.Error
	require.ErrorAs(t, err, &e)
	require.Equal(t, chronoerr.CodeExists, e.Code)

	pid, err := r.DaemonStatus()
	require.NoError(t, err)
	require.Greater(t, pid, 0)

	require.NoError(t, r.DaemonStop(2*time.Second))
	_, err = r.DaemonStatus()
	require.ErrorAs(t, err, &e)
	require.Equal(t, chronoerr.CodeStopped, e.Code)
}
