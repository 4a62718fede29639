package extract

import (
	"fmt"

	"github.com/ledongthuc/pdf"
)

// pdfExtractor emits the plain text of each page in order.
type pdfExtractor struct{}

func (pdfExtractor) Kind() Kind      { return KindPDF }
func (pdfExtractor) RawPrefix() bool { return false }

func (e pdfExtractor) Extract(path string, limit int64) (text string, err error) {
	// The pdf reader panics on some malformed cross-reference tables.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", extractionError(e.Kind(), path, fmt.Errorf("malformed pdf: %v", r))
		}
	}()

	f, r, err := pdf.Open(path)
	if f != nil {
		defer f.Close()
	}
	if err != nil {
		return "", extractionError(e.Kind(), path, err)
	}

	sink := newTextSink(limit)
	var werr error
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, perr := page.GetPlainText(nil)
		if perr != nil {
			return "", extractionError(e.Kind(), path, fmt.Errorf("page %d: %w", i, perr))
		}
		if werr = sink.WriteString(content); werr != nil {
			break
		}
		if werr = sink.Newline(); werr != nil {
			break
		}
	}
	return finish(sink, werr)
}
