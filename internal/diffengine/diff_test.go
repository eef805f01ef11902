package diffengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiffDisjointChange(t *testing.T) {
	e := NewEngine(3)
	r, err := e.Diff([]byte("1\n2\n3\n"), []byte("1\n2a\n3\n"))
	require.NoError(t, err)
	require.Equal(t, 1, r.Stats.Additions)
	require.Equal(t, 1, r.Stats.Deletions)
}

func TestDiffIdenticalContentProducesNoHunks(t *testing.T) {
	e := NewEngine(3)
	r, err := e.Diff([]byte("same\n"), []byte("same\n"))
	require.NoError(t, err)
	require.Empty(t, r.Hunks)
}

func TestDiffRefusesBinary(t *testing.T) {
	e := NewEngine(3)
	_, err := e.Diff([]byte("text"), []byte("bin\x00ary"))
	require.ErrorIs(t, err, ErrBinary)
}

func TestLooksBinaryOnlyChecksPrefix(t *testing.T) {
	content := make([]byte, BinarySniffBytes+10)
	for i := range content {
		content[i] = 'a'
	}
	content[len(content)-1] = 0
	require.False(t, LooksBinary(content))

	content[100] = 0
	require.True(t, LooksBinary(content))
}
