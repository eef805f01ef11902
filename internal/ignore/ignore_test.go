package ignore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultPatternsIgnoreMetadataDir(t *testing.T) {
	root := t.TempDir()
	f, err := New(root)
	require.NoError(t, err)

	require.True(t, f.Matches(".chronolog/history.db", false))
	require.True(t, f.Matches(".git/HEAD", false))
	require.False(t, f.Matches("src/main.go", false))
}

func TestUserPatternsAndNegation(t *testing.T) {
	root := t.TempDir()
	content := "*.log\n!important.log\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, IgnoreFileName), []byte(content), 0o644))

	f, err := New(root)
	require.NoError(t, err)

	require.True(t, f.Matches("debug.log", false))
	require.False(t, f.Matches("important.log", false))
}

func TestReloadPicksUpChanges(t *testing.T) {
	root := t.TempDir()
	f, err := New(root)
	require.NoError(t, err)
	require.False(t, f.Matches("secrets.env", false))

	require.NoError(t, os.WriteFile(filepath.Join(root, IgnoreFileName), []byte("secrets.env\n"), 0o644))
	require.NoError(t, f.Reload())

	require.True(t, f.Matches("secrets.env", false))
}

func TestDirectoryOnlyPattern(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, IgnoreFileName), []byte("build/\n"), 0o644))

	f, err := New(root)
	require.NoError(t, err)

	require.True(t, f.Matches("build", true))
	require.False(t, f.Matches("build", false))
}

func TestWriteDefaultIgnoreFileIsIdempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, WriteDefaultIgnoreFile(root))
	info1, err := os.Stat(filepath.Join(root, IgnoreFileName))
	require.NoError(t, err)

	require.NoError(t, WriteDefaultIgnoreFile(root))
	info2, err := os.Stat(filepath.Join(root, IgnoreFileName))
	require.NoError(t, err)
	require.Equal(t, info1.ModTime(), info2.ModTime())
}
