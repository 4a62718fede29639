package detect

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/eargollo/piiscan/internal/chunk"
)

const maxCharsPerWord = 100

// WordPieceTokenizer is a BERT-compatible tokenizer over a vocab.txt. Words
// are split on punctuation before greedy longest-match-first piece lookup.
type WordPieceTokenizer struct {
	vocab        map[string]int64
	lowerCase    bool
	continuation string
	clsID        int64
	sepID        int64
	padID        int64
	unkID        int64
}

// LoadWordPieceTokenizer builds the tokenizer from a vocab.txt, one token per
// line, ids by line number.
func LoadWordPieceTokenizer(path string) (*WordPieceTokenizer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close()

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		token := strings.TrimRight(sc.Text(), "\r\n")
		if token != "" {
			vocab[token] = idx
		}
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan vocab: %w", err)
	}
	return NewWordPieceTokenizer(vocab, true)
}

// NewWordPieceTokenizer builds a tokenizer from an in-memory vocabulary.
// The vocabulary must hold [CLS], [SEP] and [UNK].
func NewWordPieceTokenizer(vocab map[string]int64, lowerCase bool) (*WordPieceTokenizer, error) {
	for _, special := range []string{"[CLS]", "[SEP]", "[UNK]"} {
		if _, ok := vocab[special]; !ok {
			return nil, fmt.Errorf("vocab missing %s", special)
		}
	}
	return &WordPieceTokenizer{
		vocab:        vocab,
		lowerCase:    lowerCase,
		continuation: "##",
		clsID:        vocab["[CLS]"],
		sepID:        vocab["[SEP]"],
		padID:        vocab["[PAD]"],
		unkID:        vocab["[UNK]"],
	}, nil
}

// LoadTokenizerFromDir loads vocab.txt (or tokenizer/vocab.txt) from dir and
// honours do_lower_case from tokenizer_config.json when present.
func LoadTokenizerFromDir(dir string) (*WordPieceTokenizer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("tokenizer dir is empty")
	}
	candidates := []string{
		filepath.Join(dir, "vocab.txt"),
		filepath.Join(dir, "tokenizer", "vocab.txt"),
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		t, err := LoadWordPieceTokenizer(path)
		if err != nil {
			return nil, err
		}
		if lower, ok := readLowerCase(filepath.Dir(path)); ok {
			t.lowerCase = lower
		}
		return t, nil
	}
	return nil, fmt.Errorf("vocab.txt not found in %s", dir)
}

func readLowerCase(dir string) (bool, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "tokenizer_config.json"))
	if err != nil {
		return false, false
	}
	var cfg struct {
		DoLowerCase *bool `json:"do_lower_case"`
	}
	if err := json.Unmarshal(data, &cfg); err != nil || cfg.DoLowerCase == nil {
		return false, false
	}
	return *cfg.DoLowerCase, true
}

type wordPieceOffset struct {
	id    int64
	start int
	end   int
}

// Pieces implements chunk.Tokenizer.
func (t *WordPieceTokenizer) Pieces(word string) []chunk.Span {
	pieces := t.tokenizeWord(word)
	out := make([]chunk.Span, len(pieces))
	for i, p := range pieces {
		out[i] = chunk.Span{Start: p.start, End: p.end}
	}
	return out
}

// EncodeWithOffsets converts text into seqLen token ids, an attention mask
// and per-token byte offsets into text. Special and padding positions carry
// offset {-1, -1}. Tokens beyond seqLen-2 are dropped.
func (t *WordPieceTokenizer) EncodeWithOffsets(text string, seqLen int) ([]int64, []int64, []chunk.Span) {
	if seqLen <= 0 {
		return nil, nil, nil
	}
	none := chunk.Span{Start: -1, End: -1}

	ids := make([]int64, 0, seqLen)
	offsets := make([]chunk.Span, 0, seqLen)
	ids = append(ids, t.clsID)
	offsets = append(offsets, none)

fill:
	for _, w := range splitWordsWithOffsets(text) {
		for _, p := range t.tokenizeWord(w.Text) {
			if len(ids) >= seqLen-1 {
				break fill
			}
			ids = append(ids, p.id)
			offsets = append(offsets, chunk.Span{Start: w.Start + p.start, End: w.Start + p.end})
		}
	}
	ids = append(ids, t.sepID)
	offsets = append(offsets, none)

	attn := make([]int64, seqLen)
	for i := range ids {
		attn[i] = 1
	}
	for len(ids) < seqLen {
		ids = append(ids, t.padID)
		offsets = append(offsets, none)
	}
	return ids, attn, offsets
}

// tokenizeWord splits a whitespace-free word at punctuation and runs
// WordPiece over each part. Offsets are relative to word.
func (t *WordPieceTokenizer) tokenizeWord(word string) []wordPieceOffset {
	var out []wordPieceOffset
	for _, part := range splitPunctuation(word) {
		token := word[part.Start:part.End]
		if t.lowerCase {
			// Case folding that changes byte length would break offsets.
			if lower := strings.ToLower(token); len(lower) == len(token) {
				token = lower
			}
		}
		for _, p := range t.wordPieceOffsets(token) {
			p.start += part.Start
			p.end += part.Start
			out = append(out, p)
		}
	}
	return out
}

func (t *WordPieceTokenizer) wordPieceOffsets(token string) []wordPieceOffset {
	if utf8.RuneCountInString(token) > maxCharsPerWord {
		return []wordPieceOffset{{id: t.unkID, start: 0, end: len(token)}}
	}
	if id, ok := t.vocab[token]; ok {
		return []wordPieceOffset{{id: id, start: 0, end: len(token)}}
	}

	var pieces []wordPieceOffset
	start := 0
	for start < len(token) {
		end := len(token)
		found := false
		for end > start {
			sub := token[start:end]
			if start > 0 {
				sub = t.continuation + sub
			}
			if id, ok := t.vocab[sub]; ok {
				pieces = append(pieces, wordPieceOffset{id: id, start: start, end: end})
				start = end
				found = true
				break
			}
			// Step back one rune, not one byte.
			_, size := utf8.DecodeLastRuneInString(token[start:end])
			end -= size
		}
		if !found {
			return []wordPieceOffset{{id: t.unkID, start: 0, end: len(token)}}
		}
	}
	return pieces
}

// splitPunctuation returns the byte ranges of word with every punctuation
// rune as its own range.
func splitPunctuation(word string) []chunk.Span {
	var out []chunk.Span
	start := 0
	for i, r := range word {
		if !isPunct(r) {
			continue
		}
		if i > start {
			out = append(out, chunk.Span{Start: start, End: i})
		}
		size := utf8.RuneLen(r)
		if size < 0 {
			size = 1
		}
		out = append(out, chunk.Span{Start: i, End: i + size})
		start = i + size
	}
	if start < len(word) {
		out = append(out, chunk.Span{Start: start, End: len(word)})
	}
	return out
}

func isPunct(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) || (r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}

type wordSpan struct {
	Text  string
	Start int
	End   int
}

func splitWordsWithOffsets(text string) []wordSpan {
	var spans []wordSpan
	start := -1
	for idx, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, wordSpan{Text: text[start:idx], Start: start, End: idx})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = idx
		}
	}
	if start >= 0 {
		spans = append(spans, wordSpan{Text: text[start:], Start: start, End: len(text)})
	}
	return spans
}
