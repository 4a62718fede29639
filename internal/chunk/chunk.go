// Package chunk splits extracted text into windows that fit a
// token-limited entity recogniser.
package chunk

import (
	"errors"
	"fmt"
	"iter"
	"unicode"
	"unicode/utf8"
)

// ErrChunking is returned (wrapped) when text cannot be chunked.
var ErrChunking = errors.New("chunking failed")

// Span is a half-open byte range.
type Span struct {
	Start, End int
}

// Tokenizer reports the model-token pieces of a single whitespace-free word.
// Spans are relative to the word.
type Tokenizer interface {
	Pieces(word string) []Span
}

// TextChunk is one window of the extracted text.
//
// [Start, End) is the byte range of the full text this chunk accounts for;
// consecutive chunks are contiguous and together cover the whole text. Text
// is what the detector sees: text[Start:End] unless Truncated, in which case
// it is a prefix of that range holding exactly Tokens pieces.
type TextChunk struct {
	Index     int    `json:"index"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	Text      string `json:"-"`
	Tokens    int    `json:"tokens"`
	Truncated bool   `json:"truncated"`
}

// Chunker packs whole words into chunks of at most maxTokens pieces.
type Chunker struct {
	tok       Tokenizer
	maxTokens int
}

// New returns a Chunker for tok with a per-chunk bound of maxTokens pieces.
func New(tok Tokenizer, maxTokens int) (*Chunker, error) {
	if tok == nil {
		return nil, errors.New("chunk: nil tokenizer")
	}
	if maxTokens <= 0 {
		return nil, fmt.Errorf("chunk: max tokens must be positive, got %d", maxTokens)
	}
	return &Chunker{tok: tok, maxTokens: maxTokens}, nil
}

// MaxTokens returns the per-chunk bound.
func (c *Chunker) MaxTokens() int { return c.maxTokens }

// Chunks lazily yields the chunks of text in order. Ranging over the
// returned sequence again re-walks the text from the start. Invalid UTF-8
// yields a single ErrChunking error and nothing else.
func (c *Chunker) Chunks(text string) iter.Seq2[TextChunk, error] {
	return func(yield func(TextChunk, error) bool) {
		if !utf8.ValidString(text) {
			off := firstInvalid(text)
			yield(TextChunk{}, fmt.Errorf("%w: invalid UTF-8 at byte %d", ErrChunking, off))
			return
		}
		if text == "" {
			return
		}

		cur := TextChunk{}
		textEnd := -1 // cut point of a truncated chunk

		emit := func(end int) bool {
			cur.End = end
			if textEnd >= 0 {
				cur.Text = text[cur.Start:textEnd]
			} else {
				cur.Text = text[cur.Start:end]
			}
			if !yield(cur, nil) {
				return false
			}
			cur = TextChunk{Index: cur.Index + 1, Start: end}
			textEnd = -1
			return true
		}

		for ws, we := range words(text) {
			pieces := c.tok.Pieces(text[ws:we])
			n := len(pieces)

			if (cur.Tokens > 0 || cur.Truncated) && (cur.Truncated || cur.Tokens+n > c.maxTokens) {
				if !emit(ws) {
					return
				}
			}

			if n > c.maxTokens {
				cur.Tokens = c.maxTokens
				cur.Truncated = true
				textEnd = ws + pieces[c.maxTokens-1].End
				continue
			}
			cur.Tokens += n
		}
		emit(len(text))
	}
}

// Collect drains Chunks into a slice, stopping at the first error.
func (c *Chunker) Collect(text string) ([]TextChunk, error) {
	var out []TextChunk
	for ch, err := range c.Chunks(text) {
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, nil
}

// words yields the [start, end) byte ranges of whitespace-delimited runs.
func words(text string) iter.Seq2[int, int] {
	return func(yield func(int, int) bool) {
		start := -1
		for i, r := range text {
			if unicode.IsSpace(r) {
				if start >= 0 {
					if !yield(start, i) {
						return
					}
					start = -1
				}
				continue
			}
			if start < 0 {
				start = i
			}
		}
		if start >= 0 {
			yield(start, len(text))
		}
	}
}

func firstInvalid(s string) int {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return len(s)
}

// WhitespaceTokenizer treats every word as a single token.
type WhitespaceTokenizer struct{}

// Pieces returns one span covering word.
func (WhitespaceTokenizer) Pieces(word string) []Span {
	if word == "" {
		return nil
	}
	return []Span{{Start: 0, End: len(word)}}
}
