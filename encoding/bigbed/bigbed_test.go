package bigbed_test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yevshin/big/encoding/bbi"
	"github.com/yevshin/big/encoding/bigbed"
	"github.com/yevshin/big/encoding/romio"
)

var testChromSizes = []bbi.ChromSize{{Name: "chr1", Size: 1000}, {Name: "chr2", Size: 100}}

func writeAndOpen(t *testing.T, dir string, entries []bigbed.BedEntry,
	chromSizes []bbi.ChromSize, opts *bbi.WriteOpts) (*bigbed.File, string) {
	path := filepath.Join(dir, "test.bb")
	require.NoError(t, bigbed.Write(context.Background(), entries, chromSizes, path, opts))
	f, err := bigbed.Open(path, bbi.Opts{})
	require.NoError(t, err)
	return f, path
}

func TestRoundTrip(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	entries := []bigbed.BedEntry{
		{Chrom: "chr1", Start: 100, End: 200},
		{Chrom: "chr1", Start: 150, End: 250},
		{Chrom: "chr2", Start: 0, End: 10},
	}
	for _, comp := range []romio.Compression{romio.NoCompression, romio.Deflate, romio.Snappy} {
		t.Run(comp.String(), func(t *testing.T) {
			f, _ := writeAndOpen(t, tempDir, entries, testChromSizes,
				&bbi.WriteOpts{Compression: comp})
			defer f.Close() // nolint: errcheck

			got, err := f.Query(ctx, "chr1", 0, 300, true)
			require.NoError(t, err)
			assert.Equal(t, entries[:2], got)

			got, err = f.Query(ctx, "chr2", 0, 100, false)
			require.NoError(t, err)
			assert.Equal(t, entries[2:], got)

			chroms, err := f.Chromosomes()
			require.NoError(t, err)
			assert.Equal(t, testChromSizes, chroms)
		})
	}
}

func TestContainmentAndOverlap(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	rnd := rand.New(rand.NewSource(1))
	var entries []bigbed.BedEntry
	for i := 0; i < 500; i++ {
		start := uint32(rnd.Intn(9000))
		entries = append(entries, bigbed.BedEntry{
			Chrom: "chr1",
			Start: start,
			End:   start + 1 + uint32(rnd.Intn(500)),
			Rest:  fmt.Sprintf("entry%d\t%d", i, rnd.Intn(1000)),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Start < entries[j].Start })

	f, _ := writeAndOpen(t, tempDir, entries, []bbi.ChromSize{{Name: "chr1", Size: 10000}},
		&bbi.WriteOpts{ItemsPerSlot: 16, BlockSize: 4})
	defer f.Close() // nolint: errcheck

	for _, q := range []struct{ start, end uint32 }{{0, 10000}, {100, 500}, {4000, 4001}, {9999, 10000}} {
		var contained, overlapping []bigbed.BedEntry
		for _, e := range entries {
			if e.Start >= q.start && e.End <= q.end {
				contained = append(contained, e)
			}
			if e.Start < q.end && e.End > q.start {
				overlapping = append(overlapping, e)
			}
		}
		got, err := f.Query(ctx, "chr1", q.start, q.end, false)
		require.NoError(t, err)
		assert.Equal(t, contained, got, "containment query [%d,%d)", q.start, q.end)

		got, err = f.Query(ctx, "chr1", q.start, q.end, true)
		require.NoError(t, err)
		assert.Equal(t, overlapping, got, "overlap query [%d,%d)", q.start, q.end)
	}
}

// Writing big-endian and little-endian must be externally indistinguishable.
func TestEndiannessSymmetry(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	entries := []bigbed.BedEntry{
		{Chrom: "chr1", Start: 100, End: 200, Rest: "feature\t900\t+"},
		{Chrom: "chr1", Start: 400, End: 900},
	}
	chromSizes := []bbi.ChromSize{{Name: "chr1", Size: 1000}}
	var results [][]bigbed.BedEntry
	for i, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		path := filepath.Join(tempDir, fmt.Sprintf("order%d.bb", i))
		require.NoError(t, bigbed.Write(ctx, entries, chromSizes, path,
			&bbi.WriteOpts{Order: order}))
		f, err := bigbed.Open(path, bbi.Opts{Prefetch: true})
		require.NoError(t, err)
		assert.True(t, f.Header().Version >= 3)

		got, err := f.Query(ctx, "chr1", 0, 1000, false)
		require.NoError(t, err)
		results = append(results, got)

		// The single-chromosome tree collapses to a one-slot root.
		src, err := romio.OpenFile(path)
		require.NoError(t, err)
		bf, err := bbi.Open(src, bbi.BigBedMagic, nil, bbi.Opts{})
		require.NoError(t, err)
		bpt, err := bf.ChromTree()
		require.NoError(t, err)
		assert.Equal(t, uint32(1), bpt.Header().BlockSize)
		assert.Equal(t, uint64(len(chromSizes)), bpt.Header().ItemCount)
		require.NoError(t, bf.Close())
		require.NoError(t, f.Close())
	}
	assert.Equal(t, results[0], results[1])
}

func TestEmptyQueries(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	f, _ := writeAndOpen(t, tempDir, []bigbed.BedEntry{{Chrom: "chr1", Start: 1, End: 2}},
		testChromSizes, nil)
	defer f.Close() // nolint: errcheck

	got, err := f.Query(ctx, "chrMissing", 0, 100, false)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = f.Query(ctx, "chr1", 500, 600, true)
	require.NoError(t, err)
	assert.Empty(t, got)

	bins, err := f.Summarize(ctx, "chrMissing", 0, 100, 4)
	require.NoError(t, err)
	assert.Equal(t, make([]bbi.Summary, 4), bins)
}

func TestUnknownChromosomeDropped(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	entries := []bigbed.BedEntry{
		{Chrom: "chr1", Start: 10, End: 20},
		{Chrom: "chrAlt", Start: 0, End: 5}, // not in chromSizes: dropped, not fatal
	}
	f, _ := writeAndOpen(t, tempDir, entries, testChromSizes, nil)
	defer f.Close() // nolint: errcheck

	got, err := f.Query(ctx, "chr1", 0, 1000, false)
	require.NoError(t, err)
	assert.Equal(t, entries[:1], got)
}

func TestWriteOrderingViolation(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	entries := []bigbed.BedEntry{
		{Chrom: "chr1", Start: 500, End: 600},
		{Chrom: "chr1", Start: 100, End: 200},
	}
	err := bigbed.Write(context.Background(), entries, testChromSizes,
		filepath.Join(tempDir, "unsorted.bb"), nil)
	assert.True(t, errors.Is(err, bbi.ErrWriteOrdering), "got %v", err)
}

func TestSummarizeCoverage(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	// 100 adjacent 10-base entries tile [0, 1000).
	var entries []bigbed.BedEntry
	for i := 0; i < 100; i++ {
		entries = append(entries, bigbed.BedEntry{Chrom: "chr1", Start: uint32(i * 10), End: uint32(i*10 + 10)})
	}
	f, _ := writeAndOpen(t, tempDir, entries, testChromSizes, &bbi.WriteOpts{ItemsPerSlot: 8})
	defer f.Close() // nolint: errcheck

	bins, err := f.Summarize(ctx, "chr1", 0, 1000, 10)
	require.NoError(t, err)
	require.Len(t, bins, 10)
	for b, s := range bins {
		assert.Equal(t, uint64(100), s.Count, "bin %d", b)
		assert.InDelta(t, 100.0, s.Sum, 1e-9, "bin %d", b)
		assert.Equal(t, 1.0, s.Min, "bin %d", b)
		assert.Equal(t, 1.0, s.Max, "bin %d", b)
	}

	sparse, err := f.SummarizeSparse(ctx, "chr1", 900, 2000, 11)
	require.NoError(t, err)
	for _, bs := range sparse {
		assert.True(t, bs.Bin >= 0 && bs.Bin < 11)
		assert.False(t, bs.Summary.IsEmpty())
	}
}

func TestTotalSummary(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	entries := []bigbed.BedEntry{
		{Chrom: "chr1", Start: 0, End: 100},
		{Chrom: "chr1", Start: 200, End: 250},
	}
	f, _ := writeAndOpen(t, tempDir, entries, testChromSizes, nil)
	defer f.Close() // nolint: errcheck

	total, ok := f.TotalSummary()
	require.True(t, ok)
	assert.Equal(t, uint64(150), total.Count)
	assert.Equal(t, 1.0, total.Min)
	assert.Equal(t, 1.0, total.Max)
	assert.InDelta(t, 150.0, total.Sum, 1e-9)
}

func TestDetermineFileType(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	_, path := writeAndOpen(t, tempDir, []bigbed.BedEntry{{Chrom: "chr1", Start: 1, End: 2}},
		testChromSizes, nil)
	src, err := romio.OpenFile(path)
	require.NoError(t, err)
	defer src.Close() // nolint: errcheck
	magic, ok := bbi.DetermineFileType(src)
	require.True(t, ok)
	assert.Equal(t, uint32(bbi.BigBedMagic), magic)
}

func TestQueryCancellation(t *testing.T) {
	tempDir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	f, _ := writeAndOpen(t, tempDir, []bigbed.BedEntry{{Chrom: "chr1", Start: 1, End: 2}},
		testChromSizes, nil)
	defer f.Close() // nolint: errcheck

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.Query(ctx, "chr1", 0, 1000, false)
	assert.Equal(t, context.Canceled, err)
}
