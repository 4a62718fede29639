package extract

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// errLimit stops a container walk once the text budget is spent.
var errLimit = errors.New("text limit reached")

// textSink accumulates extracted text up to an optional byte limit.
type textSink struct {
	b     strings.Builder
	limit int64
	full  bool
}

func newTextSink(limit int64) *textSink {
	return &textSink{limit: limit}
}

// WriteString appends s, cutting it at the limit. Invalid UTF-8 from a
// decoder (PDF strings, EXIF tags) becomes U+FFFD. It returns errLimit once
// the sink is full.
func (s *textSink) WriteString(str string) error {
	if s.full {
		return errLimit
	}
	str = strings.ToValidUTF8(str, "\uFFFD")
	if s.limit > 0 {
		room := s.limit - int64(s.b.Len())
		if int64(len(str)) >= room {
			s.b.WriteString(trimIncompleteRune(str[:room]))
			s.full = true
			return errLimit
		}
	}
	s.b.WriteString(str)
	return nil
}

// Newline ends a line unless the text already ends with one.
func (s *textSink) Newline() error {
	out := s.b.String()
	if out == "" || strings.HasSuffix(out, "\n") {
		return nil
	}
	return s.WriteString("\n")
}

func (s *textSink) String() string { return s.b.String() }

// trimIncompleteRune drops a multi-byte rune cut in half at the end of s.
func trimIncompleteRune(s string) string {
	for i := 0; i < utf8.UTFMax && i < len(s); i++ {
		if utf8.ValidString(s[:len(s)-i]) {
			return s[:len(s)-i]
		}
	}
	return s
}
