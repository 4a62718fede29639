package detect

import (
	"math"
	"sort"
	"strings"

	"github.com/eargollo/piiscan/internal/chunk"
)

// TokenDecoder turns token-classification logits into entities.
type TokenDecoder struct {
	// Labels maps class index to model tag, e.g. "B-PER".
	Labels []string
	// Aliases maps an entity type (tag without BIO prefix) to a PII label.
	// Lookup is case-insensitive. Types without an alias keep their name.
	Aliases map[string]string
	// MinConfidence drops entities whose mean token probability is lower.
	MinConfidence float64
}

// Decode reads logits shaped [tokens][len(Labels)] against the token offsets
// produced by the tokenizer and returns merged entities with offsets into
// text.
func (d TokenDecoder) Decode(logits []float32, offsets []chunk.Span, text string) []Entity {
	n := len(d.Labels)
	if n == 0 || len(logits) == 0 {
		return nil
	}

	type span struct {
		typ        string
		start, end int
		probSum    float64
		tokens     int
	}
	var (
		spans []span
		cur   *span
	)
	flush := func() {
		if cur != nil {
			spans = append(spans, *cur)
			cur = nil
		}
	}

	for i, off := range offsets {
		base := i * n
		if base+n > len(logits) {
			break
		}
		if off.Start < 0 || off.End <= off.Start {
			continue
		}
		best, prob := argmaxSoftmax(logits[base : base+n])
		prefix, typ := splitLabel(d.Labels[best])
		if typ == "" || strings.EqualFold(typ, "O") {
			flush()
			continue
		}
		// A piece glued to the previous one (no gap) belongs to the same
		// word and extends the entity even when tagged B-.
		continues := cur != nil && strings.EqualFold(cur.typ, typ) &&
			(prefix != "B" || off.Start == cur.end)
		if continues {
			cur.end = max(cur.end, off.End)
			cur.probSum += prob
			cur.tokens++
			continue
		}
		flush()
		cur = &span{typ: typ, start: off.Start, end: off.End, probSum: prob, tokens: 1}
	}
	flush()

	out := make([]Entity, 0, len(spans))
	for _, s := range spans {
		conf := s.probSum / float64(s.tokens)
		if conf < d.MinConfidence {
			continue
		}
		if s.end > len(text) {
			continue
		}
		out = append(out, Entity{
			Label:      d.alias(s.typ),
			Text:       text[s.start:s.end],
			Start:      s.start,
			End:        s.end,
			Confidence: conf,
		})
	}
	return mergeEntities(out, text)
}

func (d TokenDecoder) alias(typ string) string {
	for k, v := range d.Aliases {
		if strings.EqualFold(k, typ) {
			return v
		}
	}
	return typ
}

func splitLabel(lbl string) (string, string) {
	lbl = strings.TrimSpace(lbl)
	if lbl == "" {
		return "", ""
	}
	parts := strings.SplitN(lbl, "-", 2)
	if len(parts) == 1 {
		return "", lbl
	}
	return strings.ToUpper(parts[0]), parts[1]
}

// mergeEntities joins overlapping or touching entities of the same label.
func mergeEntities(in []Entity, text string) []Entity {
	if len(in) == 0 {
		return nil
	}
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].Start == in[j].Start {
			return in[i].End < in[j].End
		}
		return in[i].Start < in[j].Start
	})
	out := make([]Entity, 0, len(in))
	cur := in[0]
	for _, ent := range in[1:] {
		if ent.Start <= cur.End && strings.EqualFold(ent.Label, cur.Label) {
			if ent.End > cur.End {
				cur.End = ent.End
				cur.Text = text[cur.Start:cur.End]
			}
			cur.Confidence = math.Max(cur.Confidence, ent.Confidence)
			continue
		}
		out = append(out, cur)
		cur = ent
	}
	return append(out, cur)
}

// argmaxSoftmax returns the best class and its softmax probability.
func argmaxSoftmax(logits []float32) (int, float64) {
	best := 0
	for j := 1; j < len(logits); j++ {
		if logits[j] > logits[best] {
			best = j
		}
	}
	maxLogit := float64(logits[best])
	var sum float64
	for _, l := range logits {
		sum += math.Exp(float64(l) - maxLogit)
	}
	return best, 1 / sum
}
