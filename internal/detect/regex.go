package detect

import (
	"context"
	"regexp"
	"strings"

	"github.com/eargollo/piiscan/internal/chunk"
)

type pattern struct {
	label string
	re    *regexp.Regexp
	group int // submatch holding the entity; 0 = whole match
	valid func(string) bool
}

// RegexDetector finds structured PII with fixed patterns. It needs no model
// files and is deterministic, which makes it the fallback backend and the
// test double of choice.
type RegexDetector struct {
	patterns []pattern
}

// NewRegexDetector returns a RegexDetector with the built-in patterns.
func NewRegexDetector() *RegexDetector {
	return &RegexDetector{patterns: []pattern{
		{
			label: "email",
			re:    regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		},
		{
			label: "Social Security Number",
			re:    regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			valid: validSSN,
		},
		{
			label: "credit card number",
			re:    regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`),
			valid: luhn,
		},
		{
			label: "phone number",
			re:    regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?(?:\(\d{3}\)\s?|\b\d{3}[\s.\-])\d{3}[\s.\-]\d{4}\b`),
		},
		{
			label: "ip address",
			re:    regexp.MustCompile(`\b(?:(?:25[0-5]|2[0-4]\d|1?\d?\d)\.){3}(?:25[0-5]|2[0-4]\d|1?\d?\d)\b`),
		},
		{
			label: "bank account number",
			re:    regexp.MustCompile(`\b[A-Z]{2}\d{2}(?: ?[A-Z0-9]{4}){2,7}(?: ?[A-Z0-9]{1,4})?\b`),
		},
		{
			label: "date of birth",
			re:    regexp.MustCompile(`(?i)\b(?:dob|d\.o\.b\.|date of birth|born(?: on)?)\s*[:\-]?\s*(\d{1,2}[/.\-]\d{1,2}[/.\-]\d{2,4}|\d{4}-\d{2}-\d{2})`),
			group: 1,
		},
	}}
}

// Detect runs every pattern whose label is in labels over the chunk text.
func (d *RegexDetector) Detect(ctx context.Context, c chunk.TextChunk, labels LabelSet) ([]Entity, error) {
	var out []Entity
	for _, p := range d.patterns {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		label := labels.Canonical(p.label)
		if label == "" {
			continue
		}
		for _, m := range p.re.FindAllStringSubmatchIndex(c.Text, -1) {
			start, end := m[2*p.group], m[2*p.group+1]
			if start < 0 {
				continue
			}
			text := c.Text[start:end]
			if p.valid != nil && !p.valid(text) {
				continue
			}
			out = append(out, Entity{
				Label:      label,
				Text:       text,
				Chunk:      c.Index,
				Start:      start,
				End:        end,
				Confidence: 1,
			})
		}
	}
	return out, nil
}

// Tokenizer counts whitespace-delimited words.
func (d *RegexDetector) Tokenizer() chunk.Tokenizer { return chunk.WhitespaceTokenizer{} }

// Close is a no-op.
func (d *RegexDetector) Close() error { return nil }

// luhn validates a card number, ignoring spaces and dashes.
func luhn(s string) bool {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

// validSSN rejects ranges the SSA never issues.
func validSSN(s string) bool {
	area, group, serial := s[0:3], s[4:6], s[7:11]
	if area == "000" || area == "666" || area[0] == '9' {
		return false
	}
	return group != "00" && serial != "0000"
}
