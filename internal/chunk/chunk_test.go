package chunk

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pairTokenizer splits words into two-byte pieces.
type pairTokenizer struct{}

func (pairTokenizer) Pieces(word string) []Span {
	var out []Span
	for i := 0; i < len(word); i += 2 {
		end := min(i+2, len(word))
		out = append(out, Span{Start: i, End: end})
	}
	return out
}

func mustChunker(t *testing.T, tok Tokenizer, max int) *Chunker {
	t.Helper()
	c, err := New(tok, max)
	require.NoError(t, err)
	return c
}

func assertCoverage(t *testing.T, text string, chunks []TextChunk, max int) {
	t.Helper()
	require.NotEmpty(t, chunks)
	assert.Equal(t, 0, chunks[0].Start)
	assert.Equal(t, len(text), chunks[len(chunks)-1].End)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		assert.LessOrEqual(t, c.Tokens, max)
		assert.True(t, strings.HasPrefix(text[c.Start:c.End], c.Text))
		if !c.Truncated {
			assert.Equal(t, text[c.Start:c.End], c.Text)
		}
		if i > 0 {
			assert.Equal(t, chunks[i-1].End, c.Start, "chunk %d not contiguous", i)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, 10)
	assert.Error(t, err)
	_, err = New(WhitespaceTokenizer{}, 0)
	assert.Error(t, err)
}

func TestChunks_Empty(t *testing.T) {
	chunks, err := mustChunker(t, WhitespaceTokenizer{}, 3).Collect("")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestChunks_FitsInOne(t *testing.T) {
	text := "  Jane Doe lives here\n"
	chunks, err := mustChunker(t, WhitespaceTokenizer{}, 10).Collect(text)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Text)
	assert.Equal(t, 4, chunks[0].Tokens)
	assert.False(t, chunks[0].Truncated)
}

func TestChunks_GreedyPackingKeepsWordsWhole(t *testing.T) {
	text := "one two three four five six seven"
	c := mustChunker(t, WhitespaceTokenizer{}, 3)
	chunks, err := c.Collect(text)
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, "one two three ", chunks[0].Text)
	assert.Equal(t, "four five six ", chunks[1].Text)
	assert.Equal(t, "seven", chunks[2].Text)
	assertCoverage(t, text, chunks, 3)
}

func TestChunks_MultiPieceWords(t *testing.T) {
	text := "abcd ef ghijkl mn"
	chunks, err := mustChunker(t, pairTokenizer{}, 4).Collect(text)
	require.NoError(t, err)
	// abcd=2 ef=1 | ghijkl=3 mn=1
	require.Len(t, chunks, 2)
	assert.Equal(t, 3, chunks[0].Tokens)
	assert.Equal(t, 4, chunks[1].Tokens)
	assertCoverage(t, text, chunks, 4)
}

func TestChunks_OverlongWordIsTruncatedNotDropped(t *testing.T) {
	long := strings.Repeat("x", 20) // 10 pieces
	text := "hi " + long + " bye"
	chunks, err := mustChunker(t, pairTokenizer{}, 4).Collect(text)
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, "hi ", chunks[0].Text)
	assert.True(t, chunks[1].Truncated)
	assert.Equal(t, 4, chunks[1].Tokens)
	assert.Equal(t, strings.Repeat("x", 8), chunks[1].Text)
	assert.Equal(t, "bye", chunks[2].Text)
	assertCoverage(t, text, chunks, 4)
}

func TestChunks_OverlongWordAtEnd(t *testing.T) {
	text := strings.Repeat("y", 9) + "\n"
	chunks, err := mustChunker(t, pairTokenizer{}, 2).Collect(text)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.True(t, chunks[0].Truncated)
	assert.Equal(t, "yyyy", chunks[0].Text)
	assertCoverage(t, text, chunks, 2)
}

func TestChunks_WhitespaceOnly(t *testing.T) {
	text := " \n\t "
	chunks, err := mustChunker(t, WhitespaceTokenizer{}, 2).Collect(text)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Tokens)
	assertCoverage(t, text, chunks, 2)
}

func TestChunks_InvalidUTF8(t *testing.T) {
	c := mustChunker(t, WhitespaceTokenizer{}, 5)
	_, err := c.Collect("ok \xff\xfe broken")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChunking))
	assert.Contains(t, err.Error(), "byte 3")
}

func TestChunks_Restartable(t *testing.T) {
	c := mustChunker(t, WhitespaceTokenizer{}, 2)
	seq := c.Chunks("a b c d e")

	var first, second []TextChunk
	for ch, err := range seq {
		require.NoError(t, err)
		first = append(first, ch)
	}
	for ch, err := range seq {
		require.NoError(t, err)
		second = append(second, ch)
	}
	assert.Equal(t, first, second)
	assert.Len(t, first, 3)
}

func TestChunks_EarlyBreak(t *testing.T) {
	c := mustChunker(t, WhitespaceTokenizer{}, 1)
	n := 0
	for range c.Chunks("a b c d e") {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestChunks_UnicodeWhitespace(t *testing.T) {
	text := "Zoë Müller écrit"
	chunks, err := mustChunker(t, WhitespaceTokenizer{}, 2).Collect(text)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "écrit", chunks[1].Text)
	assertCoverage(t, text, chunks, 2)
}
