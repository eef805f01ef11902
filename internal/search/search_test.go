package search

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chronolog/internal/metastore"
	"chronolog/internal/objectstore"
)

func newTestIndex(t *testing.T) (*Index, *metastore.Store, *objectstore.Store) {
	t.Helper()
	dir := t.TempDir()

	meta, err := metastore.Open(filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { meta.Close() })

	badgerOpts := badger.DefaultOptions(filepath.Join(dir, "side")).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(badgerOpts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	objects, err := objectstore.New(db, objectstore.Options{Root: filepath.Join(dir, "objects"), CacheSize: 16}, zap.NewNop())
	require.NoError(t, err)

	return New(meta, objects, zap.NewNop()), meta, objects
}

func seedVersion(t *testing.T, idx *Index, meta *metastore.Store, objects *objectstore.Store, path, content, branchID string, ts time.Time) metastore.Version {
	t.Helper()
	blobHash, err := objects.PutHint(path, []byte(content))
	require.NoError(t, err)

	v := metastore.Version{
		VersionHash: blobHash + path + branchID,
		FilePath:    path,
		BlobHash:    blobHash,
		Timestamp:   ts,
		BranchID:    branchID,
	}

	tx, err := meta.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, meta.InsertVersion(tx, v))
	require.NoError(t, meta.SetFileHead(tx, path, branchID, v.VersionHash))
	require.NoError(t, idx.IndexVersion(tx, v.VersionHash, path, []byte(content)))
	require.NoError(t, tx.Commit())

	return v
}

func TestSearchPlainSubstring(t *testing.T) {
	idx, meta, objects := newTestIndex(t)
	now := time.Now().UTC()

	seedVersion(t, idx, meta, objects, "readme.md", "the quick brown fox", "main", now)
	seedVersion(t, idx, meta, objects, "notes.md", "nothing relevant here", "main", now.Add(time.Second))

	results, err := idx.Search(QueryOptions{Query: "brown"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "readme.md", results[0].FilePath)
	require.Contains(t, results[0].Snippet, "<mark>brown</mark>")
}

func TestSearchCaseSensitivity(t *testing.T) {
	idx, meta, objects := newTestIndex(t)
	now := time.Now().UTC()
	seedVersion(t, idx, meta, objects, "a.txt", "Secret Token", "main", now)

	insensitive, err := idx.Search(QueryOptions{Query: "secret"})
	require.NoError(t, err)
	require.Len(t, insensitive, 1)

	sensitive, err := idx.Search(QueryOptions{Query: "secret", CaseSensitive: true})
	require.NoError(t, err)
	require.Empty(t, sensitive)
}

func TestSearchWholeWord(t *testing.T) {
	idx, meta, objects := newTestIndex(t)
	now := time.Now().UTC()
	seedVersion(t, idx, meta, objects, "a.txt", "catalog cat category", "main", now)

	results, err := idx.Search(QueryOptions{Query: "cat", WholeWord: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestSearchSkipsBinaryContent(t *testing.T) {
	idx, meta, objects := newTestIndex(t)
	now := time.Now().UTC()
	seedVersion(t, idx, meta, objects, "bin.dat", "binary\x00marker", "main", now)

	results, err := idx.Search(QueryOptions{Query: "marker"})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestSearchByContentChange(t *testing.T) {
	idx, meta, objects := newTestIndex(t)
	now := time.Now().UTC()

	blobOld, err := objects.Put([]byte("line one\nline two\n"))
	require.NoError(t, err)
	blobNew, err := objects.Put([]byte("line one\nline two changed\n"))
	require.NoError(t, err)

	v1 := metastore.Version{VersionHash: "v1", FilePath: "a.txt", BlobHash: blobOld, Timestamp: now, BranchID: "main"}
	v2 := metastore.Version{VersionHash: "v2", FilePath: "a.txt", BlobHash: blobNew, Timestamp: now.Add(time.Second), BranchID: "main", ParentVersionHash: "v1"}

	tx, err := meta.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, meta.InsertVersion(tx, v1))
	require.NoError(t, tx.Commit())

	tx, err = meta.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, meta.InsertVersion(tx, v2))
	require.NoError(t, tx.Commit())

	results, err := idx.SearchByContentChange("changed", "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "added", results[0].ChangeType)
	require.Equal(t, "v2", results[0].VersionHash)
}

func TestSearchByContentChangeIgnoresUnchangedLines(t *testing.T) {
	// A whole-file substring scan would flag this pair too, since
	// "shared" appears in both blobs; the diff-based implementation
	// must not, because the line containing it never moved in or out.
	idx, meta, objects := newTestIndex(t)
	now := time.Now().UTC()

	blobOld, err := objects.Put([]byte("shared line\nold tail\n"))
	require.NoError(t, err)
	blobNew, err := objects.Put([]byte("shared line\nnew tail\n"))
	require.NoError(t, err)

	v1 := metastore.Version{VersionHash: "v1", FilePath: "a.txt", BlobHash: blobOld, Timestamp: now, BranchID: "main"}
	v2 := metastore.Version{VersionHash: "v2", FilePath: "a.txt", BlobHash: blobNew, Timestamp: now.Add(time.Second), BranchID: "main", ParentVersionHash: "v1"}

	tx, err := meta.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, meta.InsertVersion(tx, v1))
	require.NoError(t, tx.Commit())

	tx, err = meta.DB().Begin()
	require.NoError(t, err)
	require.NoError(t, meta.InsertVersion(tx, v2))
	require.NoError(t, tx.Commit())

	results, err := idx.SearchByContentChange("shared", "")
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestReindexAllRebuildsIndex(t *testing.T) {
	idx, meta, objects := newTestIndex(t)
	now := time.Now().UTC()
	seedVersion(t, idx, meta, objects, "a.txt", "alpha beta", "main", now)

	require.NoError(t, meta.ClearSearchTerms())
	statsBefore, err := idx.Stats()
	require.NoError(t, err)
	require.Equal(t, 0, statsBefore.IndexedVersions)

	var progressCalls int
	indexed, total, err := idx.ReindexAll(func(done, tot int) { progressCalls++ })
	require.NoError(t, err)
	require.Equal(t, 1, indexed)
	require.Equal(t, 1, total)
	require.Equal(t, 1, progressCalls)

	statsAfter, err := idx.Stats()
	require.NoError(t, err)
	require.Equal(t, 1, statsAfter.IndexedVersions)
	require.Equal(t, float64(100), statsAfter.CoveragePercent)
}
