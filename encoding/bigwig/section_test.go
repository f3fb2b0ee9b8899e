package bigwig_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yevshin/big/encoding/bigwig"
)

func TestFixedStepBounds(t *testing.T) {
	sec := &bigwig.FixedStepSection{Chrom: "chr1", Start: 10, Step: 5, Span: 2,
		Values: []float32{1, 2, 3, 4}}
	chrom, start, end := sec.Bounds()
	assert.Equal(t, "chr1", chrom)
	assert.Equal(t, uint32(10), start)
	assert.Equal(t, uint32(27), end) // 10 + 3*5 + 2

	// Step < span makes the intervals overlap; bounds still hold.
	overlapping := &bigwig.FixedStepSection{Chrom: "chr1", Start: 0, Step: 2, Span: 5,
		Values: []float32{1, 2}}
	_, _, end = overlapping.Bounds()
	assert.Equal(t, uint32(7), end)
	assert.Equal(t, []bigwig.WigInterval{
		{Start: 0, End: 5, Value: 1},
		{Start: 2, End: 7, Value: 2},
	}, overlapping.Intervals())
}

func TestSectionEquality(t *testing.T) {
	a := &bigwig.FixedStepSection{Chrom: "chr1", Start: 10, Step: 5, Span: 2, Values: []float32{1}}
	b := &bigwig.FixedStepSection{Chrom: "chr1", Start: 10, Step: 5, Span: 2, Values: []float32{1}}
	c := &bigwig.FixedStepSection{Chrom: "chr1", Start: 20, Step: 5, Span: 2, Values: []float32{1}}
	assert.Equal(t, a, b)
	// Sections differing only in start must not compare equal.
	assert.NotEqual(t, a, c)
}

func TestSplice(t *testing.T) {
	fixed := &bigwig.FixedStepSection{Chrom: "chr1", Start: 100, Step: 10, Span: 4,
		Values: []float32{1, 2, 3, 4, 5}}
	chunks := fixed.Splice(2)
	require.Len(t, chunks, 3)
	assert.Equal(t, &bigwig.FixedStepSection{Chrom: "chr1", Start: 100, Step: 10, Span: 4,
		Values: []float32{1, 2}}, chunks[0])
	assert.Equal(t, &bigwig.FixedStepSection{Chrom: "chr1", Start: 120, Step: 10, Span: 4,
		Values: []float32{3, 4}}, chunks[1])
	assert.Equal(t, &bigwig.FixedStepSection{Chrom: "chr1", Start: 140, Step: 10, Span: 4,
		Values: []float32{5}}, chunks[2])

	// Splicing preserves the per-value intervals.
	var spliced []bigwig.WigInterval
	for _, c := range chunks {
		spliced = append(spliced, c.Intervals()...)
	}
	assert.Equal(t, fixed.Intervals(), spliced)

	variable := &bigwig.VariableStepSection{Chrom: "chr2", Span: 3,
		Positions: []uint32{1, 5, 9, 13}, Values: []float32{1, 2, 3, 4}}
	chunks = variable.Splice(3)
	require.Len(t, chunks, 2)
	assert.Equal(t, &bigwig.VariableStepSection{Chrom: "chr2", Span: 3,
		Positions: []uint32{1, 5, 9}, Values: []float32{1, 2, 3}}, chunks[0])

	// Small sections come back unsplit.
	assert.Equal(t, []bigwig.Section{fixed}, fixed.Splice(100))
}
