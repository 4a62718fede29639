package extract

import (
	"archive/zip"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
)

// xmlHandler receives the tokens of one XML part.
type xmlHandler func(tok xml.Token) error

// walkXML streams the tokens of a zip member through h. A handler returning
// errLimit stops the walk without error.
func walkXML(f *zip.File, h xmlHandler) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", f.Name, err)
		}
		if err := h(tok); err != nil {
			return err
		}
	}
}

// numberedParts returns the members matching re, whose first submatch is a
// number, in numeric order (slide2 before slide10).
func numberedParts(zr *zip.Reader, re *regexp.Regexp) []*zip.File {
	type part struct {
		n int
		f *zip.File
	}
	var parts []part
	for _, f := range zr.File {
		m := re.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		parts = append(parts, part{n, f})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].n < parts[j].n })
	out := make([]*zip.File, len(parts))
	for i, p := range parts {
		out[i] = p.f
	}
	return out
}

func findPart(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

// finish maps the errLimit sentinel to success.
func finish(sink *textSink, err error) (string, error) {
	if err != nil && !errors.Is(err, errLimit) {
		return "", err
	}
	return sink.String(), nil
}
