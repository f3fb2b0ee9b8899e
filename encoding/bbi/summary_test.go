package bbi

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yevshin/big/encoding/binio"
)

func TestSummaryMonoid(t *testing.T) {
	var a, b, c Summary
	a.Update(1.0, 100)
	a.Update(3.0, 50)
	b.Update(-2.0, 10)
	c.Update(7.5, 1)

	// (a+b)+c == a+(b+c)
	left := a
	left.Add(b)
	left.Add(c)
	right := b
	right.Add(c)
	ar := a
	ar.Add(right)
	assert.Equal(t, ar, left)

	// a+empty == a, empty+a == a
	withEmpty := a
	withEmpty.Add(Summary{})
	assert.Equal(t, a, withEmpty)
	var empty Summary
	empty.Add(a)
	assert.Equal(t, a, empty)

	// commutativity
	ab := a
	ab.Add(b)
	ba := b
	ba.Add(a)
	assert.Equal(t, ab, ba)
}

func TestSummaryUpdate(t *testing.T) {
	var s Summary
	s.Update(2.0, 10)
	s.Update(-1.0, 5)
	assert.Equal(t, uint64(15), s.Count)
	assert.Equal(t, -1.0, s.Min)
	assert.Equal(t, 2.0, s.Max)
	assert.Equal(t, 2.0*10-1.0*5, s.Sum)
	assert.Equal(t, 4.0*10+1.0*5, s.SumSquares)
	assert.InDelta(t, s.Sum/15, s.Mean(), 1e-12)

	s.Update(100, 0) // zero intersection is a no-op
	assert.Equal(t, uint64(15), s.Count)
}

func TestSummaryCodec(t *testing.T) {
	want := Summary{Count: 12345, Min: -1.5, Max: 99.25, Sum: 1e10, SumSquares: 2.5e12}
	var buf bytes.Buffer
	w := binio.NewWriter(&buf, binary.BigEndian)
	writeSummary(w, want)
	require.NoError(t, w.Err())
	require.Equal(t, int64(totalSummarySize), w.Tell())
	got := readSummary(binio.NewReader(buf.Bytes(), binary.BigEndian))
	assert.Equal(t, want, got)
}

func TestZoomDataCodec(t *testing.T) {
	want := ZoomData{ChromIx: 3, Start: 1000, End: 2000, Count: 512,
		Min: -0.5, Max: 4.5, Sum: 1024, SumSquares: 4096}
	var buf bytes.Buffer
	w := binio.NewWriter(&buf, binary.LittleEndian)
	writeZoomData(w, want)
	require.NoError(t, w.Err())
	require.Equal(t, int64(zoomDataSize), w.Tell())
	got := readZoomData(binio.NewReader(buf.Bytes(), binary.LittleEndian))
	assert.Equal(t, want, got)
}

func TestPickZoom(t *testing.T) {
	zooms := []ZoomLevel{
		{Reduction: 100, IndexOffset: 1},
		{Reduction: 400, IndexOffset: 1},
		{Reduction: 1600, IndexOffset: 1},
	}
	// desired <= 1 always selects raw data.
	assert.Nil(t, pickZoom(zooms, 0))
	assert.Nil(t, pickZoom(zooms, 1))
	// No level at or below the desired reduction.
	assert.Nil(t, pickZoom(zooms, 99))
	// Largest reduction <= desired, i.e. the closest from below.
	assert.Equal(t, uint32(100), pickZoom(zooms, 100).Reduction)
	assert.Equal(t, uint32(100), pickZoom(zooms, 399).Reduction)
	assert.Equal(t, uint32(400), pickZoom(zooms, 400).Reduction)
	assert.Equal(t, uint32(1600), pickZoom(zooms, 1<<30).Reduction)
	// Levels without an index are not eligible.
	assert.Equal(t, uint32(400),
		pickZoom([]ZoomLevel{zooms[0], zooms[1], {Reduction: 1600}}, 1<<30).Reduction)
}

func TestBinGrid(t *testing.T) {
	g := binGrid{start: 0, end: 10, n: 3}
	// Edges at 0, 3, 6, 10.
	assert.Equal(t, uint32(0), g.edge(0))
	assert.Equal(t, uint32(3), g.edge(1))
	assert.Equal(t, uint32(6), g.edge(2))
	assert.Equal(t, uint32(10), g.edge(3))
	for p := uint32(0); p < 10; p++ {
		b := g.bin(p)
		assert.True(t, g.edge(b) <= p && p < g.edge(b+1), "position %d in bin %d", p, b)
	}
	lo, hi := g.binRange(2, 7)
	assert.Equal(t, 0, lo)
	assert.Equal(t, 3, hi)
	lo, hi = g.binRange(3, 6)
	assert.Equal(t, 1, lo)
	assert.Equal(t, 2, hi)
	// Clamped to the grid.
	lo, hi = g.binRange(0, 1<<31)
	assert.Equal(t, 0, lo)
	assert.Equal(t, 3, hi)
}
