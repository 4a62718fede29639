package extract

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"regexp"
)

var (
	docxHeaderRe = regexp.MustCompile(`^word/header(\d+)\.xml$`)
	docxFooterRe = regexp.MustCompile(`^word/footer(\d+)\.xml$`)
)

// docxExtractor reads WordprocessingML: headers, body, then footers.
type docxExtractor struct{}

func (docxExtractor) Kind() Kind      { return KindDocx }
func (docxExtractor) RawPrefix() bool { return false }

func (e docxExtractor) Extract(path string, limit int64) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", extractionError(e.Kind(), path, err)
	}
	defer zr.Close()

	body := findPart(&zr.Reader, "word/document.xml")
	if body == nil {
		return "", extractionError(e.Kind(), path, errors.New("word/document.xml not found"))
	}

	parts := numberedParts(&zr.Reader, docxHeaderRe)
	parts = append(parts, body)
	parts = append(parts, numberedParts(&zr.Reader, docxFooterRe)...)

	sink := newTextSink(limit)
	var walkErr error
	for _, p := range parts {
		if walkErr = walkXML(p, wordML(sink)); walkErr != nil {
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

// wordML emits w:t runs, tabs and breaks; paragraph ends become newlines.
func wordML(sink *textSink) xmlHandler {
	inText := false
	return func(tok xml.Token) error {
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				return sink.WriteString("\t")
			case "br", "cr":
				return sink.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				return sink.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				return sink.WriteString(string(t))
			}
		}
		return nil
	}
}
