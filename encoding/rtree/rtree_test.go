package rtree

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yevshin/big/encoding/binio"
	"github.com/yevshin/big/encoding/romio"
)

func TestCountLevels(t *testing.T) {
	assert.Equal(t, 2, countLevels(10, 100))
	assert.Equal(t, 2, countLevels(10, 90))
	assert.Equal(t, 2, countLevels(10, 11))
	assert.Equal(t, 1, countLevels(10, 10))
}

func TestOffsetOrder(t *testing.T) {
	a := Offset{ChromIx: 1, Base: 100}
	b := Offset{ChromIx: 1, Base: 200}
	c := Offset{ChromIx: 2, Base: 0}
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
}

func TestIntervalOps(t *testing.T) {
	a := MakeInterval(0, 100, 200)
	b := MakeInterval(0, 150, 250)
	c := MakeInterval(0, 200, 300)
	d := MakeInterval(1, 100, 200)
	assert.True(t, a.Intersects(b))
	assert.False(t, a.Intersects(c)) // half-open: [100,200) and [200,300) touch only
	assert.False(t, a.Intersects(d))
	u := a.Union(c)
	assert.Equal(t, Offset{ChromIx: 0, Base: 100}, u.Start)
	assert.Equal(t, Offset{ChromIx: 0, Base: 300}, u.End)
}

func buildIndex(t *testing.T, leaves []Leaf, blockSize int) *Index {
	var buf bytes.Buffer
	w := binio.NewWriter(&buf, binary.LittleEndian)
	require.NoError(t, Write(w, leaves, blockSize, 512, uint64(len(leaves)), 0))
	src := romio.NewSource(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	ix, err := Read(romio.NewBuffer(src, binary.LittleEndian, romio.Solo), 0)
	require.NoError(t, err)
	return ix
}

func makeLeaves(n int) []Leaf {
	// Two chromosomes, adjacent 100-base blocks.
	leaves := make([]Leaf, n)
	for i := range leaves {
		chrom := uint32(i / (n/2 + 1))
		start := uint32((i % (n/2 + 1)) * 100)
		leaves[i] = Leaf{
			Interval:   MakeInterval(chrom, start, start+100),
			DataOffset: uint64(1000 + i*64),
			DataSize:   64,
		}
	}
	return leaves
}

func TestFindOverlappingBlocks(t *testing.T) {
	ctx := context.Background()
	for _, blockSize := range []int{2, 3, 256} {
		leaves := makeLeaves(100)
		ix := buildIndex(t, leaves, blockSize)
		require.Equal(t, uint64(100), ix.Header().ItemCount)

		for _, query := range []Interval{
			MakeInterval(0, 0, 100),
			MakeInterval(0, 250, 760),
			MakeInterval(1, 0, 5000),
			MakeInterval(0, 0, 1<<31),
			MakeInterval(7, 0, 100), // no such chromosome
		} {
			var want []Leaf
			for _, l := range leaves {
				if l.Interval.Intersects(query) {
					want = append(want, l)
				}
			}
			got, err := ix.FindOverlappingBlocks(ctx, query)
			require.NoError(t, err)
			assert.Equal(t, want, got, "blockSize %d query %+v", blockSize, query)
		}
	}
}

func TestHeaderBounds(t *testing.T) {
	leaves := makeLeaves(10)
	ix := buildIndex(t, leaves, 4)
	hdr := ix.Header()
	assert.Equal(t, leaves[0].Interval.Start, hdr.Start)
	assert.Equal(t, leaves[len(leaves)-1].Interval.End, hdr.End)
}

func TestEmptyIndex(t *testing.T) {
	ix := buildIndex(t, nil, 4)
	got, err := ix.FindOverlappingBlocks(context.Background(), MakeInterval(0, 0, 1000))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCancellation(t *testing.T) {
	leaves := makeLeaves(100)
	ix := buildIndex(t, leaves, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ix.FindOverlappingBlocks(ctx, MakeInterval(0, 0, 1<<31))
	assert.Equal(t, context.Canceled, err)
}
