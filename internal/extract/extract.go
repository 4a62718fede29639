// Package extract turns supported files into plain text for entity
// detection. Each format has one Extractor; Registry picks it from the file's
// content signature, then its extension, then a text sniff.
package extract

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/h2non/filetype"
)

// Kind names a supported format.
type Kind string

const (
	KindText  Kind = "text"
	KindDocx  Kind = "docx"
	KindDoc   Kind = "doc"
	KindXlsx  Kind = "xlsx"
	KindPptx  Kind = "pptx"
	KindPDF   Kind = "pdf"
	KindImage Kind = "image"
)

var (
	// ErrUnsupportedFormat means no extractor handles the file.
	ErrUnsupportedFormat = errors.New("unsupported file type")
	// ErrExtraction means a recognised file could not be decoded.
	ErrExtraction = errors.New("extraction failed")
)

// Extractor decodes one format into text.
type Extractor interface {
	Kind() Kind
	// RawPrefix reports whether Extract reads only the first limit bytes of
	// the file. Container formats decode the whole file and cap the text
	// they emit instead.
	RawPrefix() bool
	// Extract returns the text of path. limit > 0 bounds the work: raw
	// prefix formats read at most limit bytes, others stop after limit bytes
	// of text.
	Extract(path string, limit int64) (string, error)
}

// sniffLen covers both filetype's 261-byte window and mimetype's default.
const sniffLen = 3072

// Registry maps files to extractors.
type Registry struct {
	byKind map[Kind]Extractor
	byExt  map[string]Kind
	// bySignature maps filetype extensions to kinds.
	bySignature map[string]Kind
}

// NewRegistry returns a Registry with every built-in extractor.
func NewRegistry() *Registry {
	r := &Registry{
		byKind: map[Kind]Extractor{},
		byExt: map[string]Kind{
			".txt": KindText, ".csv": KindText, ".log": KindText, ".md": KindText,
			".json": KindText, ".xml": KindText, ".tsv": KindText,
			".docx": KindDocx, ".doc": KindDoc, ".xlsx": KindXlsx, ".pptx": KindPptx,
			".pdf": KindPDF, ".jpg": KindImage, ".jpeg": KindImage, ".tif": KindImage, ".tiff": KindImage,
		},
		bySignature: map[string]Kind{
			"docx": KindDocx, "xlsx": KindXlsx, "pptx": KindPptx, "doc": KindDoc,
			"pdf": KindPDF, "jpg": KindImage, "tif": KindImage,
		},
	}
	for _, e := range []Extractor{
		textExtractor{}, docxExtractor{}, docExtractor{}, xlsxExtractor{},
		pptxExtractor{}, pdfExtractor{}, imageExtractor{},
	} {
		r.byKind[e.Kind()] = e
	}
	return r
}

// Detect picks the extractor for path. It returns ErrUnsupportedFormat when
// nothing matches and the open/read error when the file cannot be read.
func (r *Registry) Detect(path string) (Extractor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	buf = buf[:n]

	ext := strings.ToLower(filepath.Ext(path))

	signature := ""
	if kind, err := filetype.Match(buf); err == nil && kind != filetype.Unknown {
		if k, ok := r.bySignature[kind.Extension]; ok {
			return r.byKind[k], nil
		}
		signature = kind.MIME.Value
	}

	// Office containers sometimes only match as a generic zip or OLE2 blob,
	// and short magic numbers misfire on text; the extension settles both.
	if k, ok := r.byExt[ext]; ok {
		return r.byKind[k], nil
	}
	if signature != "" {
		return nil, fmt.Errorf("%w: %s (%s)", ErrUnsupportedFormat, filepath.Base(path), signature)
	}

	for m := mimetype.Detect(buf); m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return r.byKind[KindText], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Base(path))
}

func extractionError(kind Kind, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrExtraction, kind, filepath.Base(path), err)
}
