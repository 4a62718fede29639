package detect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eargollo/piiscan/internal/chunk"
	"github.com/eargollo/piiscan/internal/config"
)

func TestLabelSet_DedupAndCase(t *testing.T) {
	ls := NewLabelSet("email", " Email ", "", "person")
	assert.Equal(t, []string{"email", "person"}, ls.Labels())
	assert.True(t, ls.Contains("EMAIL"))
	assert.False(t, ls.Contains("company"))
	assert.Equal(t, "person", ls.Canonical("PERSON"))
}

func TestLabelSet_DefaultsAreNested(t *testing.T) {
	basic := NewLabelSet(config.DefaultBasicLabels...)
	extended := NewLabelSet(config.DefaultExtendedLabels...)
	assert.True(t, extended.IsSupersetOf(basic))
	assert.False(t, basic.IsSupersetOf(extended))
}

func TestLabelSet_Filter(t *testing.T) {
	ls := NewLabelSet("Social Security Number")
	out := ls.Filter([]Entity{{Label: "social security number"}, {Label: "company"}})
	require.Len(t, out, 1)
	assert.Equal(t, "Social Security Number", out[0].Label)
}

func TestAggregate_RebasesOffsets(t *testing.T) {
	chunks := []chunk.TextChunk{
		{Index: 0, Start: 0, End: 10},
		{Index: 1, Start: 10, End: 30},
	}
	per := [][]Entity{
		{{Label: "email", Start: 2, End: 5}},
		{{Label: "email", Start: 2, End: 5}, {Label: "person", Start: 7, End: 9}},
	}
	all := Aggregate(chunks, per)
	require.Len(t, all, 3)
	assert.Equal(t, 2, all[0].Start)
	assert.Equal(t, 12, all[1].Start)
	assert.Equal(t, 1, all[1].Chunk)
	assert.Equal(t, 19, all[2].End)
	assert.Equal(t, []string{"email", "person"}, DistinctLabels(all))
}

// Every entity found under the basic set is also found under the extended
// set, because the label set only filters.
func TestRegexDetector_ExtendedNeverMissesBasic(t *testing.T) {
	text := "Contact jane@example.com or 555-867-5309, SSN 123-45-6789, card 4111 1111 1111 1111, host 10.0.0.12, DOB: 04/05/1980"
	c := chunk.TextChunk{Text: text, End: len(text)}
	d := NewRegexDetector()
	ctx := context.Background()

	basic, err := d.Detect(ctx, c, NewLabelSet(config.DefaultBasicLabels...))
	require.NoError(t, err)
	extended, err := d.Detect(ctx, c, NewLabelSet(config.DefaultExtendedLabels...))
	require.NoError(t, err)

	assert.NotEmpty(t, basic)
	assert.Greater(t, len(extended), len(basic))
	for _, b := range basic {
		assert.Contains(t, extended, b)
	}
}
