package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"
	"unicode/utf16"

	"github.com/richardlehane/mscfb"
)

var ole2Magic = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

// wordStream is the compound-file stream holding a Word document's text.
const wordStream = "WordDocument"

// minRun is the shortest character run kept when recovering text from a
// binary Word document.
const minRun = 4

// docExtractor recovers text from legacy OLE2 Word files. It opens the
// WordDocument stream and harvests runs of printable UTF-16LE characters,
// falling back to ASCII runs for 8-bit documents. Other streams (summary
// information, macros, the table stream) are never read.
type docExtractor struct{}

func (docExtractor) Kind() Kind      { return KindDoc }
func (docExtractor) RawPrefix() bool { return false }

func (e docExtractor) Extract(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", extractionError(e.Kind(), path, err)
	}
	defer f.Close()

	body, err := readWordStream(f)
	if err != nil {
		return "", extractionError(e.Kind(), path, err)
	}

	runs := utf16Runs(body)
	if len(runs) == 0 {
		runs = asciiRuns(body)
	}

	sink := newTextSink(limit)
	var werr error
	for _, r := range runs {
		if werr = sink.WriteString(r); werr != nil {
			break
		}
		if werr = sink.Newline(); werr != nil {
			break
		}
	}
	return finish(sink, werr)
}

func readWordStream(f *os.File) ([]byte, error) {
	magic := make([]byte, len(ole2Magic))
	if _, err := io.ReadFull(f, magic); err != nil || !bytes.Equal(magic, ole2Magic) {
		return nil, errors.New("not an OLE2 compound file")
	}
	doc, err := mscfb.New(f)
	if err != nil {
		return nil, fmt.Errorf("compound file: %w", err)
	}
	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		if entry.Name != wordStream {
			continue
		}
		buf := make([]byte, entry.Size)
		if _, err := io.ReadFull(entry, buf); err != nil {
			return nil, fmt.Errorf("read %s: %w", wordStream, err)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("no %s stream", wordStream)
}

func printableRune(r rune) bool {
	return r == '\t' || r == '\r' || r == '\n' || (unicode.IsPrint(r) && r != unicode.ReplacementChar)
}

// utf16Runs scans both byte alignments for little-endian UTF-16 text and
// keeps the alignment that recovers more characters.
func utf16Runs(b []byte) []string {
	var best []string
	bestLen := 0
	for align := 0; align < 2; align++ {
		var runs []string
		total := 0
		var cur []uint16
		flush := func() {
			if len(cur) >= minRun {
				s := strings.TrimSpace(string(utf16.Decode(cur)))
				if s != "" && hasLetter(s) {
					runs = append(runs, s)
					total += len(s)
				}
			}
			cur = cur[:0]
		}
		for i := align; i+1 < len(b); i += 2 {
			u := uint16(b[i]) | uint16(b[i+1])<<8
			if !docRune(u) {
				flush()
				continue
			}
			cur = append(cur, u)
		}
		flush()
		if total > bestLen {
			best, bestLen = runs, total
		}
	}
	return best
}

// docRune accepts Latin, Greek, Cyrillic and general punctuation code units.
// Pairs of ASCII bytes read as UTF-16 land in CJK ranges and are rejected.
func docRune(u uint16) bool {
	if u >= 0x0530 && (u < 0x2010 || u > 0x206F) {
		return false
	}
	return printableRune(rune(u))
}

func asciiRuns(b []byte) []string {
	var runs []string
	start := -1
	for i := 0; i <= len(b); i++ {
		ok := i < len(b) && b[i] < 0x80 && printableRune(rune(b[i]))
		if ok {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && i-start >= minRun {
			if s := strings.TrimSpace(string(b[start:i])); s != "" && hasLetter(s) {
				runs = append(runs, s)
			}
		}
		start = -1
	}
	return runs
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}
