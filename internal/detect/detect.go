// Package detect wraps the named-entity recogniser behind a small
// capability interface so the scan pipeline never depends on a concrete
// model. Backends live in this package (regex) and in detect/onnx.
package detect

import (
	"context"
	"strings"

	"github.com/eargollo/piiscan/internal/chunk"
)

// Entity is one labelled span found by a Detector.
// Start and End are byte offsets; Detect returns them relative to the chunk
// text and Aggregate rebases them onto the full extracted document.
type Entity struct {
	Label      string  `json:"label"`
	Text       string  `json:"text"`
	Chunk      int     `json:"chunk"`
	Start      int     `json:"start"`
	End        int     `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Detector finds PII spans in one chunk for a label vocabulary.
// Implementations are loaded once per process and must be safe for
// concurrent use.
type Detector interface {
	Detect(ctx context.Context, c chunk.TextChunk, labels LabelSet) ([]Entity, error)
	// Tokenizer reports how the detector splits words into model tokens so
	// the chunker can size windows.
	Tokenizer() chunk.Tokenizer
	Close() error
}

// LabelSet is an ordered, de-duplicated label vocabulary. Membership is
// case-insensitive.
type LabelSet struct {
	labels []string
	index  map[string]struct{}
}

// NewLabelSet builds a LabelSet, dropping blanks and duplicates while keeping
// first-seen order.
func NewLabelSet(labels ...string) LabelSet {
	ls := LabelSet{index: make(map[string]struct{}, len(labels))}
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		key := strings.ToLower(l)
		if _, dup := ls.index[key]; dup {
			continue
		}
		ls.index[key] = struct{}{}
		ls.labels = append(ls.labels, l)
	}
	return ls
}

// Labels returns the labels in order. The slice must not be modified.
func (ls LabelSet) Labels() []string { return ls.labels }

// Len returns the number of labels.
func (ls LabelSet) Len() int { return len(ls.labels) }

// Contains reports whether label is in the set.
func (ls LabelSet) Contains(label string) bool {
	_, ok := ls.index[strings.ToLower(strings.TrimSpace(label))]
	return ok
}

// Canonical returns the set's spelling of label, or "" if absent.
func (ls LabelSet) Canonical(label string) string {
	key := strings.ToLower(strings.TrimSpace(label))
	for _, l := range ls.labels {
		if strings.ToLower(l) == key {
			return l
		}
	}
	return ""
}

// IsSupersetOf reports whether every label of other is in ls.
func (ls LabelSet) IsSupersetOf(other LabelSet) bool {
	for _, l := range other.labels {
		if !ls.Contains(l) {
			return false
		}
	}
	return true
}

// Filter keeps entities whose label is in ls, rewriting labels to the set's
// spelling.
func (ls LabelSet) Filter(in []Entity) []Entity {
	out := in[:0]
	for _, e := range in {
		if c := ls.Canonical(e.Label); c != "" {
			e.Label = c
			out = append(out, e)
		}
	}
	return out
}

// Aggregate rebases per-chunk entities onto document offsets and unions
// them in chunk order. Entities are not de-duplicated across chunks.
func Aggregate(chunks []chunk.TextChunk, perChunk [][]Entity) []Entity {
	var all []Entity
	for i, ents := range perChunk {
		if i >= len(chunks) {
			break
		}
		base := chunks[i].Start
		for _, e := range ents {
			e.Chunk = chunks[i].Index
			e.Start += base
			e.End += base
			all = append(all, e)
		}
	}
	return all
}

// DistinctLabels returns the labels present in ents, in first-seen order.
func DistinctLabels(ents []Entity) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, e := range ents {
		if _, ok := seen[e.Label]; ok {
			continue
		}
		seen[e.Label] = struct{}{}
		out = append(out, e.Label)
	}
	return out
}
