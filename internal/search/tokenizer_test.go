package search

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenizeLowercasesAndTracksPositions(t *testing.T) {
	tokens := Tokenize("Hello hello World")
	byText := map[string]Token{}
	for _, tok := range tokens {
		byText[tok.Text] = tok
	}

	require.Contains(t, byText, "hello")
	require.Contains(t, byText, "world")
	require.Equal(t, []int{0, 6}, byText["hello"].Positions)
}

func TestTokenizeIgnoresPunctuation(t *testing.T) {
	tokens := Tokenize("foo, bar; baz.go")
	var words []string
	for _, tok := range tokens {
		words = append(words, tok.Text)
	}
	require.Equal(t, []string{"foo", "bar", "baz", "go"}, words)
}
