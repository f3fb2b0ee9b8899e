// Package bigbed reads and writes bigBed files: self-indexed, compressed
// containers of genomic interval annotations.  Queries run over half-open
// coordinates [start, end) per named chromosome and return either the exact
// entries or statistical summaries aggregated over bins (see Summarize).
package bigbed

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/yevshin/big/encoding/bbi"
	"github.com/yevshin/big/encoding/binio"
	"github.com/yevshin/big/encoding/romio"
	"github.com/yevshin/big/encoding/rtree"
)

// BedEntry is one interval annotation: a half-open interval [Start, End) on
// Chrom plus the raw tab-separated BED tail (may be empty).
type BedEntry struct {
	Chrom string
	Start uint32
	End   uint32
	Rest  string
}

// File is an open bigBed file.
type File struct {
	bbi *bbi.File
}

// Open opens a local bigBed file.
func Open(path string, opts bbi.Opts) (*File, error) {
	src, err := romio.OpenFile(path)
	if err != nil {
		return nil, err
	}
	f, err := OpenSource(src, opts)
	if err != nil {
		src.Close() // nolint: errcheck
		return nil, err
	}
	return f, nil
}

// OpenSource opens a bigBed file over an arbitrary byte source, e.g. an
// HTTP range fetcher.
func OpenSource(src romio.Source, opts bbi.Opts) (*File, error) {
	f, err := bbi.Open(src, bbi.BigBedMagic, decodeItems, opts)
	if err != nil {
		return nil, errors.E(err, "bigbed open")
	}
	return &File{bbi: f}, nil
}

// Header returns the parsed file header.
func (f *File) Header() bbi.Header { return f.bbi.Header() }

// ZoomLevels returns the zoom level descriptors.
func (f *File) ZoomLevels() []bbi.ZoomLevel { return f.bbi.ZoomLevels() }

// TotalSummary returns the file-level summary block, if present.
func (f *File) TotalSummary() (bbi.Summary, bool) { return f.bbi.TotalSummary() }

// Chromosomes returns the chromosome names with their sizes, in key order.
func (f *File) Chromosomes() ([]bbi.ChromSize, error) {
	leaves, err := f.bbi.Chromosomes()
	if err != nil {
		return nil, err
	}
	out := make([]bbi.ChromSize, len(leaves))
	for i, l := range leaves {
		out[i] = bbi.ChromSize{Name: l.Key, Size: l.Size}
	}
	return out, nil
}

// Close releases the underlying source.
func (f *File) Close() error { return f.bbi.Close() }

// Query returns the entries on chrom intersecting [start, end), in on-disk
// order.  With overlaps false only fully contained entries are returned.
// Unknown chromosomes yield an empty result, not an error.
func (f *File) Query(ctx context.Context, chrom string, start, end uint32, overlaps bool) ([]BedEntry, error) {
	leaf, ok, err := f.bbi.Resolve(chrom)
	if err != nil || !ok {
		return nil, err
	}
	ix, err := f.bbi.Index()
	if err != nil {
		return nil, err
	}
	blocks, err := ix.FindOverlappingBlocks(ctx, rtree.MakeInterval(leaf.ID, start, end))
	if err != nil {
		return nil, err
	}
	var out []BedEntry
	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := f.bbi.BlockReader(block)
		if err != nil {
			return nil, err
		}
		for r.Remaining() > 0 {
			chromIx := r.U32()
			s := r.U32()
			e := r.U32()
			rest := r.CString()
			if err := r.Err(); err != nil {
				return nil, errors.E(err, fmt.Sprintf("bigbed: block at %d", block.DataOffset))
			}
			if chromIx != leaf.ID {
				return nil, fmt.Errorf("bigbed: block at %d mixes chromosomes %d and %d",
					block.DataOffset, leaf.ID, chromIx)
			}
			if matches(s, e, start, end, overlaps) {
				out = append(out, BedEntry{Chrom: chrom, Start: s, End: e, Rest: rest})
			}
		}
	}
	return out, nil
}

func matches(s, e, qStart, qEnd uint32, overlaps bool) bool {
	if s >= qStart && e <= qEnd {
		return true
	}
	return overlaps && s < qEnd && e > qStart
}

// Summarize divides [start, end) on chrom into numBins equal-width bins and
// returns one summary per bin, zero summaries for empty bins.  Entries
// contribute coverage with value 1 per base.
func (f *File) Summarize(ctx context.Context, chrom string, start, end uint32, numBins int) ([]bbi.Summary, error) {
	return f.bbi.Summarize(ctx, chrom, start, end, numBins)
}

// SummarizeSparse is the sparse form of Summarize: only non-empty bins are
// returned, as (bin, summary) pairs.
func (f *File) SummarizeSparse(ctx context.Context, chrom string, start, end uint32, numBins int) ([]bbi.BinSummary, error) {
	return f.bbi.SummarizeSparse(ctx, chrom, start, end, numBins)
}

// decodeItems extracts coverage items (value 1 per base) from a BED data
// block for the summary engine and the zoom builder.
func decodeItems(r *binio.Reader, chromIx uint32) ([]bbi.Item, error) {
	var items []bbi.Item
	for r.Remaining() > 0 {
		ix := r.U32()
		s := r.U32()
		e := r.U32()
		r.CString()
		if err := r.Err(); err != nil {
			return nil, err
		}
		if ix != chromIx {
			return nil, fmt.Errorf("bigbed: block mixes chromosomes %d and %d", chromIx, ix)
		}
		items = append(items, bbi.Item{Start: s, End: e, Value: 1})
	}
	return items, nil
}

// Write writes entries as a bigBed file at path.  Entries must be grouped
// by chromosome in chromSizes order and sorted by start within each
// chromosome; entries on chromosomes absent from chromSizes are dropped
// with a debug message.  A nil opts selects Snappy compression, native
// order, 1024 items per slot and 8 zoom levels.  On error a truncated file
// may be left behind; the caller is expected to delete it.
func Write(ctx context.Context, entries []BedEntry, chromSizes []bbi.ChromSize, path string, opts *bbi.WriteOpts) error {
	return bbi.WriteFile(ctx, path, bbi.BigBedMagic, chromSizes, decodeItems, opts,
		func(bw *bbi.Writer) error {
			bw.SetFieldCounts(fieldCounts(entries))
			var (
				batch     []BedEntry
				batchIx   uint32
				lastIx    uint32
				lastStart uint32
				started   bool
			)
			flush := func() error {
				if len(batch) == 0 {
					return nil
				}
				var payload bytes.Buffer
				pw := binio.NewWriter(&payload, bw.Order())
				maxEnd := batch[0].End
				for _, e := range batch {
					pw.PutU32(batchIx)
					pw.PutU32(e.Start)
					pw.PutU32(e.End)
					pw.PutCString(e.Rest)
					if e.End > maxEnd {
						maxEnd = e.End
					}
				}
				if err := pw.Err(); err != nil {
					return err
				}
				interval := rtree.MakeInterval(batchIx, batch[0].Start, maxEnd)
				err := bw.WriteBlock(interval, len(batch), payload.Bytes())
				batch = batch[:0]
				return err
			}
			for _, e := range entries {
				if err := ctx.Err(); err != nil {
					return err
				}
				ix, ok := bw.ChromID(e.Chrom)
				if !ok {
					log.Debug.Printf("bigbed: dropping entry on unknown chromosome %q", e.Chrom)
					continue
				}
				if started && (ix < lastIx || (ix == lastIx && e.Start < lastStart)) {
					return fmt.Errorf("%w: %s:%d after %d:%d",
						bbi.ErrWriteOrdering, e.Chrom, e.Start, lastIx, lastStart)
				}
				if e.Start >= e.End {
					return fmt.Errorf("bigbed: empty entry %s:[%d, %d)", e.Chrom, e.Start, e.End)
				}
				if len(batch) > 0 && (ix != batchIx || len(batch) >= bw.ItemsPerSlot()) {
					if err := flush(); err != nil {
						return err
					}
				}
				batchIx = ix
				batch = append(batch, e)
				lastIx, lastStart, started = ix, e.Start, true
			}
			return flush()
		})
}

// fieldCounts derives the header's (fieldCount, definedFieldCount) pair
// from the first entry's tail: three fixed columns plus the tab-separated
// tail columns, of which at most the twelve standard BED fields count as
// defined.
func fieldCounts(entries []BedEntry) (uint16, uint16) {
	fields := 3
	if len(entries) > 0 && entries[0].Rest != "" {
		fields += len(strings.Split(entries[0].Rest, "\t"))
	}
	defined := fields
	if defined > 12 {
		defined = 12
	}
	return uint16(fields), uint16(defined)
}
