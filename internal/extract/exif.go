package extract

import (
	"fmt"
	"os"
	"strings"

	"github.com/rwcarlsen/goexif/exif"
)

// imageTags are the EXIF fields that can carry personal data.
var imageTags = []struct {
	name  string
	field exif.FieldName
}{
	{"Artist", exif.Artist},
	{"Copyright", exif.Copyright},
	{"Description", exif.ImageDescription},
	{"Camera", exif.Make},
	{"Model", exif.Model},
	{"Taken", exif.DateTimeOriginal},
}

// imageExtractor renders EXIF metadata of JPEG and TIFF images as
// "Name: value" lines. An image without EXIF yields no text.
type imageExtractor struct{}

func (imageExtractor) Kind() Kind      { return KindImage }
func (imageExtractor) RawPrefix() bool { return false }

func (e imageExtractor) Extract(path string, limit int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", extractionError(e.Kind(), path, err)
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return "", nil
	}

	sink := newTextSink(limit)
	var werr error
	for _, t := range imageTags {
		v := exifString(x, t.field)
		if v == "" {
			continue
		}
		if werr = sink.WriteString(t.name + ": " + v); werr != nil {
			break
		}
		if werr = sink.Newline(); werr != nil {
			break
		}
	}
	if werr == nil {
		if lat, lon, err := x.LatLong(); err == nil {
			werr = sink.WriteString(fmt.Sprintf("GPS: %.6f, %.6f\n", lat, lon))
		}
	}
	return finish(sink, werr)
}

func exifString(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	s, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(strings.Trim(s, "\x00"))
}
