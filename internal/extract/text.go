package extract

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// textExtractor reads plain-text files, decoding UTF-8, UTF-16 and
// Windows-1252 into UTF-8.
type textExtractor struct{}

func (textExtractor) Kind() Kind      { return KindText }
func (textExtractor) RawPrefix() bool { return true }

func (e textExtractor) Extract(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", extractionError(e.Kind(), path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit)
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", extractionError(e.Kind(), path, err)
	}
	cut := false
	if limit > 0 && int64(len(raw)) == limit {
		// Anything left means the prefix was cut.
		var next [1]byte
		n, _ := f.Read(next[:])
		cut = n > 0
	}

	text, err := decodeText(raw, cut)
	if err != nil {
		return "", extractionError(e.Kind(), path, err)
	}
	return text, nil
}

// decodeText converts raw bytes to UTF-8. cut means raw is a prefix of a
// longer file and may end in the middle of a character.
func decodeText(raw []byte, cut bool) (string, error) {
	var (
		enc  encoding.Encoding
		wide bool
	)
	switch {
	case bytes.HasPrefix(raw, []byte{0xFF, 0xFE}):
		enc, wide = unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM), true
	case bytes.HasPrefix(raw, []byte{0xFE, 0xFF}):
		enc, wide = unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM), true
	case looksUTF16LE(raw):
		enc, wide = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), true
	default:
		body := bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})
		s := string(body)
		if cut {
			s = trimIncompleteRune(s)
		}
		if utf8.ValidString(s) {
			return s, nil
		}
		enc, wide = sniffEncoding(raw)
	}

	if cut && wide && len(raw)%2 == 1 {
		raw = raw[:len(raw)-1]
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	return string(out), nil
}

// sniffEncoding guesses the charset of non-UTF-8 text from mimetype's
// charset hint, falling back to Windows-1252.
func sniffEncoding(raw []byte) (encoding.Encoding, bool) {
	mt := mimetype.Detect(raw).String()
	switch {
	case strings.Contains(mt, "charset=utf-16le"):
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), true
	case strings.Contains(mt, "charset=utf-16be"):
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), true
	}
	return charmap.Windows1252, false
}

// looksUTF16LE reports whether most odd bytes are zero, as in BOM-less
// UTF-16LE Latin text.
func looksUTF16LE(raw []byte) bool {
	if len(raw) < 4 {
		return false
	}
	zeros := 0
	for i := 1; i < len(raw); i += 2 {
		if raw[i] == 0 {
			zeros++
		}
	}
	return zeros*10 >= (len(raw)/2)*8
}
