package bbi

import (
	"bytes"
	"context"
	"io"
	"math"
	"os"
	"sort"

	"v.io/x/lib/vlog"

	"github.com/yevshin/big/encoding/binio"
	"github.com/yevshin/big/encoding/romio"
	"github.com/yevshin/big/encoding/rtree"
)

// everything spans the whole chromosome-indexed coordinate space.
var everything = rtree.Interval{
	Start: rtree.Offset{ChromIx: 0, Base: 0},
	End:   rtree.Offset{ChromIx: math.MaxUint32, Base: math.MaxUint32},
}

// postZoom appends up to opts.ZoomLevelCount summary levels to a freshly
// written file and patches the reserved zoom descriptor slots.  Each level
// is recomputed from the unzoomed data with four times the previous
// reduction; the recomputation is simpler than cascading level-to-level and
// keeps the numeric properties easy to reason about.
func postZoom(ctx context.Context, path string, magic uint32, decode BlockDecoder, opts WriteOpts) error {
	rw, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer rw.Close() // nolint: errcheck
	info, err := rw.Stat()
	if err != nil {
		return err
	}
	f, err := Open(romio.NewSource(rw, info.Size()), magic, decode, Opts{})
	if err != nil {
		return err
	}
	ix, err := f.Index()
	if err != nil {
		return err
	}
	blocks, err := ix.FindOverlappingBlocks(ctx, everything)
	if err != nil {
		return err
	}
	if len(blocks) == 0 {
		return nil
	}

	// First sweep sizes the initial reduction from the mean item length.
	var itemCount, coverage uint64
	var maxChromSize uint32
	chroms, err := f.Chromosomes()
	if err != nil {
		return err
	}
	for _, c := range chroms {
		if c.Size > maxChromSize {
			maxChromSize = c.Size
		}
	}
	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := blockItems(f, block, decode)
		if err != nil {
			return err
		}
		for _, it := range items {
			itemCount++
			coverage += uint64(it.End - it.Start)
		}
	}
	if itemCount == 0 {
		return nil
	}
	reduction := uint64(10 * maxU64(1, (coverage+itemCount-1)/itemCount))

	var levels []ZoomLevel
	var zoomMaxUncompressed int
	end, err := rw.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	w := binio.NewWriterAt(rw, f.buf.Order(), end)
	var scratch []byte
	for k := 0; k < opts.ZoomLevelCount; k++ {
		if reduction > uint64(maxChromSize) || reduction > math.MaxUint32 {
			break
		}
		records, err := buildZoomRecords(ctx, f, blocks, decode, uint32(reduction))
		if err != nil {
			return err
		}
		if len(records) == 0 {
			break
		}
		lvl := ZoomLevel{Reduction: uint32(reduction), DataOffset: uint64(w.Tell())}
		var leaves []rtree.Leaf
		for lo := 0; lo < len(records); lo += opts.ZoomItemsPerSlot {
			if err := ctx.Err(); err != nil {
				return err
			}
			hi := lo + opts.ZoomItemsPerSlot
			if hi > len(records) {
				hi = len(records)
			}
			var payload bytes.Buffer
			pw := binio.NewWriter(&payload, f.buf.Order())
			for _, zd := range records[lo:hi] {
				writeZoomData(pw, zd)
			}
			if err := pw.Err(); err != nil {
				return err
			}
			if payload.Len() > zoomMaxUncompressed {
				zoomMaxUncompressed = payload.Len()
			}
			out, err := romio.Compress(scratch, payload.Bytes(), opts.Compression)
			if err != nil {
				return err
			}
			if opts.Compression != romio.NoCompression {
				scratch = out
			}
			first, last := records[lo], records[hi-1]
			leaves = append(leaves, rtree.Leaf{
				Interval: rtree.Interval{
					Start: rtree.Offset{ChromIx: first.ChromIx, Base: first.Start},
					End:   rtree.Offset{ChromIx: last.ChromIx, Base: last.End},
				},
				DataOffset: uint64(w.Tell()),
				DataSize:   uint64(len(out)),
			})
			w.PutBytes(out)
		}
		lvl.IndexOffset = uint64(w.Tell())
		err = rtree.Write(w, leaves, opts.BlockSize, opts.ZoomItemsPerSlot,
			uint64(len(records)), lvl.IndexOffset)
		if err != nil {
			return err
		}
		levels = append(levels, lvl)
		vlog.VI(1).Infof("bbi: zoom level %d: reduction %d, %d records, %d blocks",
			k, reduction, len(records), len(leaves))
		// A further level would collapse into a single leaf; not worth it.
		if len(records) <= opts.ZoomItemsPerSlot {
			break
		}
		reduction *= 4
	}
	if len(levels) == 0 {
		return nil
	}

	// Patch the reserved descriptor slots and the header counts.
	if _, err := rw.Seek(headerSize, io.SeekStart); err != nil {
		return err
	}
	zw := binio.NewWriter(rw, f.buf.Order())
	for _, lvl := range levels {
		zw.PutU32(lvl.Reduction)
		zw.PutU32(0) // reserved
		zw.PutU64(lvl.DataOffset)
		zw.PutU64(lvl.IndexOffset)
	}
	if err := zw.Err(); err != nil {
		return err
	}
	hdr := f.hdr
	hdr.ZoomLevelCount = uint16(len(levels))
	if opts.Compression != romio.NoCompression && uint32(zoomMaxUncompressed) > hdr.UncompressBufSize {
		hdr.UncompressBufSize = uint32(zoomMaxUncompressed)
	}
	if _, err := rw.Seek(0, io.SeekStart); err != nil {
		return err
	}
	hw := binio.NewWriter(rw, f.buf.Order())
	writeHeader(hw, magic, hdr)
	return hw.Err()
}

func blockItems(f *File, block rtree.Leaf, decode BlockDecoder) ([]Item, error) {
	r, err := f.BlockReader(block)
	if err != nil {
		return nil, err
	}
	return decode(r, block.Interval.Start.ChromIx)
}

type zoomAcc struct {
	start, end uint32
	count      uint64
	min, max   float64
	sum, sumSq float64
}

// buildZoomRecords sweeps the unzoomed blocks and aggregates items into
// bins of reduction bases per chromosome.  Bin bounds are clipped to the
// covered range so that downstream intersection scaling stays faithful.
func buildZoomRecords(ctx context.Context, f *File, blocks []rtree.Leaf, decode BlockDecoder, reduction uint32) ([]ZoomData, error) {
	var records []ZoomData
	accs := make(map[uint32]*zoomAcc)
	curChrom := uint32(math.MaxUint32)

	flush := func(chromIx uint32) {
		bins := make([]uint32, 0, len(accs))
		for b := range accs {
			bins = append(bins, b)
		}
		sort.Slice(bins, func(i, j int) bool { return bins[i] < bins[j] })
		for _, b := range bins {
			a := accs[b]
			records = append(records, ZoomData{
				ChromIx:    chromIx,
				Start:      a.start,
				End:        a.end,
				Count:      uint32(a.count),
				Min:        float32(a.min),
				Max:        float32(a.max),
				Sum:        float32(a.sum),
				SumSquares: float32(a.sumSq),
			})
		}
		accs = make(map[uint32]*zoomAcc)
	}

	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chromIx := block.Interval.Start.ChromIx
		if chromIx != curChrom {
			if curChrom != math.MaxUint32 {
				flush(curChrom)
			}
			curChrom = chromIx
		}
		items, err := blockItems(f, block, decode)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			for bin := it.Start / reduction; uint64(bin)*uint64(reduction) < uint64(it.End); bin++ {
				binStart := bin * reduction
				binEnd := binStart + reduction
				lo, hi := it.Start, it.End
				if lo < binStart {
					lo = binStart
				}
				if hi > binEnd {
					hi = binEnd
				}
				inter := uint64(hi - lo)
				a, ok := accs[bin]
				if !ok {
					a = &zoomAcc{start: lo, end: hi, min: it.Value, max: it.Value}
					accs[bin] = a
				}
				if lo < a.start {
					a.start = lo
				}
				if hi > a.end {
					a.end = hi
				}
				a.min = math.Min(a.min, it.Value)
				a.max = math.Max(a.max, it.Value)
				a.count += inter
				a.sum += it.Value * float64(inter)
				a.sumSq += it.Value * it.Value * float64(inter)
			}
		}
	}
	if curChrom != math.MaxUint32 {
		flush(curChrom)
	}
	return records, nil
}

// postTotalSummary sweeps the unzoomed data and patches the file-level
// summary block reserved near the header.
func postTotalSummary(ctx context.Context, path string, magic uint32, decode BlockDecoder) error {
	rw, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer rw.Close() // nolint: errcheck
	info, err := rw.Stat()
	if err != nil {
		return err
	}
	f, err := Open(romio.NewSource(rw, info.Size()), magic, decode, Opts{})
	if err != nil {
		return err
	}
	ix, err := f.Index()
	if err != nil {
		return err
	}
	blocks, err := ix.FindOverlappingBlocks(ctx, everything)
	if err != nil {
		return err
	}
	var total Summary
	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		items, err := blockItems(f, block, decode)
		if err != nil {
			return err
		}
		for _, it := range items {
			total.Update(it.Value, uint64(it.End-it.Start))
		}
	}
	if _, err := rw.Seek(int64(f.hdr.TotalSummaryOffset), io.SeekStart); err != nil {
		return err
	}
	w := binio.NewWriter(rw, f.buf.Order())
	writeSummary(w, total)
	return w.Err()
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
