package extract

import (
	"archive/zip"
	"encoding/xml"
	"regexp"
)

var (
	pptxSlideRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)
	pptxNotesRe = regexp.MustCompile(`^ppt/notesSlides/notesSlide(\d+)\.xml$`)
)

// pptxExtractor emits slide text in slide order, then speaker notes.
type pptxExtractor struct{}

func (pptxExtractor) Kind() Kind      { return KindPptx }
func (pptxExtractor) RawPrefix() bool { return false }

func (e pptxExtractor) Extract(path string, limit int64) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", extractionError(e.Kind(), path, err)
	}
	defer zr.Close()

	parts := numberedParts(&zr.Reader, pptxSlideRe)
	parts = append(parts, numberedParts(&zr.Reader, pptxNotesRe)...)

	sink := newTextSink(limit)
	var walkErr error
	for _, p := range parts {
		if walkErr = walkXML(p, drawingML(sink)); walkErr != nil {
			break
		}
		if walkErr = sink.Newline(); walkErr != nil {
			break
		}
	}
	text, err := finish(sink, walkErr)
	if err != nil {
		return "", extractionError(e.Kind(), path, err)
	}
	return text, nil
}

// drawingML emits a:t runs; each a:p ends a line.
func drawingML(sink *textSink) xmlHandler {
	inText := false
	return func(tok xml.Token) error {
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "br":
				return sink.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				return sink.Newline()
			}
		case xml.CharData:
			if inText {
				return sink.WriteString(string(t))
			}
		}
		return nil
	}
}
