package bbi

import (
	"context"
	"fmt"

	"github.com/grailbio/base/log"

	"github.com/yevshin/big/encoding/rtree"
)

// BinSummary pairs a bin index with its summary; the sparse result form of
// SummarizeSparse.
type BinSummary struct {
	Bin     int
	Summary Summary
}

// pickZoom returns the zoom level whose reduction is the largest one not
// exceeding desired (equivalently, the closest from below), or nil when
// desired <= 1 or no level qualifies.
func pickZoom(zooms []ZoomLevel, desired uint32) *ZoomLevel {
	if desired <= 1 {
		return nil
	}
	var best *ZoomLevel
	for i := range zooms {
		lvl := &zooms[i]
		if lvl.Reduction == 0 || lvl.IndexOffset == 0 {
			continue
		}
		if lvl.Reduction <= desired && (best == nil || lvl.Reduction > best.Reduction) {
			best = lvl
		}
	}
	return best
}

// binGrid maps positions to equal-width bins over [start, end).  Bin edges
// are integral: edge(b) = start + floor(b*(end-start)/n), so the bins
// partition the query exactly.
type binGrid struct {
	start, end uint32
	n          int
}

func (g binGrid) edge(b int) uint32 {
	return g.start + uint32(uint64(b)*uint64(g.end-g.start)/uint64(g.n))
}

// bin returns the bin containing position p: the largest b with
// edge(b) <= p.  Exact inverse of the floored edge division.
func (g binGrid) bin(p uint32) int {
	q := uint64(p - g.start)
	return int((uint64(g.n)*(q+1) - 1) / uint64(g.end-g.start))
}

// binRange returns the bins [lo, hi) that [s, e) touches.
func (g binGrid) binRange(s, e uint32) (int, int) {
	if s < g.start {
		s = g.start
	}
	if e > g.end {
		e = g.end
	}
	if s >= e {
		return 0, 0
	}
	return g.bin(s), g.bin(e-1) + 1
}

func intersection(s, e, lo, hi uint32) uint64 {
	if s < lo {
		s = lo
	}
	if e > hi {
		e = hi
	}
	if s >= e {
		return 0
	}
	return uint64(e - s)
}

// SummarizeSparse divides [start, end) on chrom into numBins equal-width
// bins and returns the non-empty ones, drawing on the best zoom level when
// one matches the requested resolution and on raw data otherwise.  Queries
// over unknown chromosomes return no bins.
func (f *File) SummarizeSparse(ctx context.Context, chrom string, start, end uint32, numBins int) ([]BinSummary, error) {
	if numBins <= 0 {
		return nil, fmt.Errorf("bbi: numBins %d <= 0", numBins)
	}
	if start >= end {
		return nil, fmt.Errorf("bbi: empty query [%d, %d)", start, end)
	}
	leaf, ok, err := f.Resolve(chrom)
	if err != nil || !ok {
		return nil, err
	}
	grid := binGrid{start: start, end: end, n: numBins}
	bins := make([]Summary, numBins)

	desired := (end - start) / uint32(2*numBins)
	if lvl := pickZoom(f.zooms, desired); lvl != nil {
		log.Debug.Printf("bbi: summarizing %s:[%d,%d) over %d bins via zoom reduction %d",
			chrom, start, end, numBins, lvl.Reduction)
		err = f.summarizeZoom(ctx, lvl, leaf.ID, grid, bins)
	} else {
		log.Debug.Printf("bbi: summarizing %s:[%d,%d) over %d bins from raw data",
			chrom, start, end, numBins)
		err = f.summarizeRaw(ctx, leaf.ID, grid, bins)
	}
	if err != nil {
		return nil, err
	}
	var out []BinSummary
	for b, s := range bins {
		if !s.IsEmpty() {
			out = append(out, BinSummary{Bin: b, Summary: s})
		}
	}
	return out, nil
}

// Summarize is the dense form of SummarizeSparse: the result has exactly
// numBins entries, empty bins as zero Summaries.
func (f *File) Summarize(ctx context.Context, chrom string, start, end uint32, numBins int) ([]Summary, error) {
	sparse, err := f.SummarizeSparse(ctx, chrom, start, end, numBins)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, numBins)
	for _, bs := range sparse {
		out[bs.Bin] = bs.Summary
	}
	return out, nil
}

func (f *File) summarizeZoom(ctx context.Context, lvl *ZoomLevel, chromIx uint32, grid binGrid, bins []Summary) error {
	ix, err := rtree.Read(f.buf, int64(lvl.IndexOffset))
	if err != nil {
		return err
	}
	blocks, err := ix.FindOverlappingBlocks(ctx, rtree.MakeInterval(chromIx, grid.start, grid.end))
	if err != nil {
		return err
	}
	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := f.buf.Block(int64(block.DataOffset), int64(block.DataSize), f.comp)
		if err != nil {
			return err
		}
		for r.Remaining() >= zoomDataSize {
			zd := readZoomData(r)
			if zd.ChromIx != chromIx || zd.Start >= grid.end || zd.End <= grid.start {
				continue
			}
			lo, hi := grid.binRange(zd.Start, zd.End)
			for b := lo; b < hi; b++ {
				inter := intersection(zd.Start, zd.End, grid.edge(b), grid.edge(b+1))
				bins[b].UpdateZoom(zd, inter, uint64(zd.End-zd.Start))
			}
		}
		if err := r.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (f *File) summarizeRaw(ctx context.Context, chromIx uint32, grid binGrid, bins []Summary) error {
	ix, err := f.Index()
	if err != nil {
		return err
	}
	blocks, err := ix.FindOverlappingBlocks(ctx, rtree.MakeInterval(chromIx, grid.start, grid.end))
	if err != nil {
		return err
	}
	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if block.Interval.Start.ChromIx != chromIx {
			continue
		}
		r, err := f.BlockReader(block)
		if err != nil {
			return err
		}
		items, err := f.decode(r, block.Interval.Start.ChromIx)
		if err != nil {
			return err
		}
		for _, it := range items {
			if it.Start >= grid.end {
				break // items are in start order; nothing further overlaps
			}
			if it.End <= grid.start {
				continue
			}
			lo, hi := grid.binRange(it.Start, it.End)
			for b := lo; b < hi; b++ {
				inter := intersection(it.Start, it.End, grid.edge(b), grid.edge(b+1))
				bins[b].Update(it.Value, inter)
			}
		}
	}
	return nil
}
