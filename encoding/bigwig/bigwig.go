// Package bigwig reads and writes bigWig files: self-indexed, compressed
// containers of genomic signal tracks.  Queries run over half-open
// coordinates [start, end) per named chromosome and return either the
// intersecting section slices or statistical summaries aggregated over bins
// (see Summarize), drawing on the precomputed zoom pyramid when available.
package bigwig

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	baseerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/yevshin/big/encoding/bbi"
	"github.com/yevshin/big/encoding/binio"
	"github.com/yevshin/big/encoding/romio"
	"github.com/yevshin/big/encoding/rtree"
)

// ErrUnsupportedSection means the writer was handed a BedGraphSection,
// which bigWig does not store.
var ErrUnsupportedSection = errors.New("bigwig: bedGraph sections cannot be written")

// Data block section types.
const (
	bedGraphType     = 1
	variableStepType = 2
	fixedStepType    = 3
)

const sectionHeaderSize = 24

// File is an open bigWig file.
type File struct {
	bbi *bbi.File
}

// Open opens a local bigWig file.
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

// OpenSource opens a bigWig file over an arbitrary byte source.
func OpenSource(src romio.Source, opts bbi.Opts) (*File, error) {
	f, err := bbi.Open(src, bbi.BigWigMagic, decodeItems, opts)
	if err != nil {
		return nil, baseerrors.E(err, "bigwig open")
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

// Query returns the section slices on chrom intersecting [start, end), in
// on-disk order.  Each returned section is the stored section cropped to
// the values whose intervals match: fully contained by default, merely
// intersecting with overlaps true.  Unknown chromosomes yield an empty
// result, not an error.
func (f *File) Query(ctx context.Context, chrom string, start, end uint32, overlaps bool) ([]Section, error) {
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
	var out []Section
	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := f.bbi.BlockReader(block)
		if err != nil {
			return nil, err
		}
		for r.Remaining() >= sectionHeaderSize {
			sec, err := decodeSection(r, chrom, leaf.ID, block.DataOffset)
			if err != nil {
				return nil, err
			}
			if cropped := crop(sec, start, end, overlaps); cropped != nil {
				out = append(out, cropped)
			}
		}
	}
	return out, nil
}

// Summarize divides [start, end) on chrom into numBins equal-width bins and
// returns one summary per bin, zero summaries for empty bins.
func (f *File) Summarize(ctx context.Context, chrom string, start, end uint32, numBins int) ([]bbi.Summary, error) {
	return f.bbi.Summarize(ctx, chrom, start, end, numBins)
}

// SummarizeSparse is the sparse form of Summarize: only non-empty bins are
// returned, as (bin, summary) pairs.
func (f *File) SummarizeSparse(ctx context.Context, chrom string, start, end uint32, numBins int) ([]bbi.BinSummary, error) {
	return f.bbi.SummarizeSparse(ctx, chrom, start, end, numBins)
}

type sectionHeader struct {
	chromIx    uint32
	start, end uint32
	step, span uint32
	kind       uint8
	count      int
}

func readSectionHeader(r *binio.Reader) sectionHeader {
	h := sectionHeader{
		chromIx: r.U32(),
		start:   r.U32(),
		end:     r.U32(),
		step:    r.U32(),
		span:    r.U32(),
		kind:    r.U8(),
	}
	r.U8() // reserved
	h.count = int(r.U16())
	return h
}

// decodeSection decodes one section from a data block.
func decodeSection(r *binio.Reader, chrom string, chromIx uint32, blockOffset uint64) (Section, error) {
	h := readSectionHeader(r)
	if err := r.Err(); err != nil {
		return nil, baseerrors.E(err, fmt.Sprintf("bigwig: block at %d", blockOffset))
	}
	if h.chromIx != chromIx {
		return nil, fmt.Errorf("bigwig: block at %d mixes chromosomes %d and %d",
			blockOffset, chromIx, h.chromIx)
	}
	switch h.kind {
	case fixedStepType:
		sec := &FixedStepSection{Chrom: chrom, Start: h.start, Step: h.step, Span: h.span,
			Values: make([]float32, h.count)}
		for i := range sec.Values {
			sec.Values[i] = r.F32()
		}
		return sec, r.Err()
	case variableStepType:
		sec := &VariableStepSection{Chrom: chrom, Span: h.span,
			Positions: make([]uint32, h.count), Values: make([]float32, h.count)}
		for i := range sec.Values {
			sec.Positions[i] = r.U32()
			sec.Values[i] = r.F32()
		}
		return sec, r.Err()
	case bedGraphType:
		sec := &BedGraphSection{Chrom: chrom, Items: make([]WigInterval, h.count)}
		for i := range sec.Items {
			sec.Items[i] = WigInterval{Start: r.U32(), End: r.U32(), Value: r.F32()}
		}
		return sec, r.Err()
	}
	return nil, fmt.Errorf("bigwig: block at %d has unknown section type %d", blockOffset, h.kind)
}

func matches(s, e, qStart, qEnd uint32, overlaps bool) bool {
	if s >= qStart && e <= qEnd {
		return true
	}
	return overlaps && s < qEnd && e > qStart
}

// crop narrows a section to the values matching the query, keeping the
// section variant.  Fixed-step acceptance realigns to the step grid: the
// first kept position is the first on-grid position whose interval matches,
// so with overlaps false every emitted interval lies within the query.
// Returns nil when nothing matches.
func crop(sec Section, qStart, qEnd uint32, overlaps bool) Section {
	switch s := sec.(type) {
	case *FixedStepSection:
		first, last := -1, -1
		for i := range s.Values {
			pos := s.Start + uint32(i)*s.Step
			if matches(pos, pos+s.Span, qStart, qEnd, overlaps) {
				if first < 0 {
					first = i
				}
				last = i
			}
		}
		if first < 0 {
			return nil
		}
		return &FixedStepSection{
			Chrom:  s.Chrom,
			Start:  s.Start + uint32(first)*s.Step,
			Step:   s.Step,
			Span:   s.Span,
			Values: s.Values[first : last+1],
		}
	case *VariableStepSection:
		out := &VariableStepSection{Chrom: s.Chrom, Span: s.Span}
		for i, pos := range s.Positions {
			if matches(pos, pos+s.Span, qStart, qEnd, overlaps) {
				out.Positions = append(out.Positions, pos)
				out.Values = append(out.Values, s.Values[i])
			}
		}
		if len(out.Values) == 0 {
			return nil
		}
		return out
	case *BedGraphSection:
		out := &BedGraphSection{Chrom: s.Chrom}
		for _, it := range s.Items {
			if matches(it.Start, it.End, qStart, qEnd, overlaps) {
				out.Items = append(out.Items, it)
			}
		}
		if len(out.Items) == 0 {
			return nil
		}
		return out
	}
	return nil
}

// decodeItems expands a data block into value-carrying items for the
// summary engine and the zoom builder.
func decodeItems(r *binio.Reader, chromIx uint32) ([]bbi.Item, error) {
	var items []bbi.Item
	for r.Remaining() >= sectionHeaderSize {
		h := readSectionHeader(r)
		if err := r.Err(); err != nil {
			return nil, err
		}
		if h.chromIx != chromIx {
			return nil, fmt.Errorf("bigwig: block mixes chromosomes %d and %d", chromIx, h.chromIx)
		}
		switch h.kind {
		case fixedStepType:
			for i := 0; i < h.count; i++ {
				pos := h.start + uint32(i)*h.step
				items = append(items, bbi.Item{Start: pos, End: pos + h.span, Value: float64(r.F32())})
			}
		case variableStepType:
			for i := 0; i < h.count; i++ {
				pos := r.U32()
				items = append(items, bbi.Item{Start: pos, End: pos + h.span, Value: float64(r.F32())})
			}
		case bedGraphType:
			for i := 0; i < h.count; i++ {
				s := r.U32()
				e := r.U32()
				items = append(items, bbi.Item{Start: s, End: e, Value: float64(r.F32())})
			}
		default:
			return nil, fmt.Errorf("bigwig: unknown section type %d", h.kind)
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// Write writes sections as a bigWig file at path.  Sections must be grouped
// by chromosome in chromSizes order and sorted by start within each
// chromosome; sections on chromosomes absent from chromSizes are dropped
// with a debug message.  Sections longer than MaxValuesPerBlock values are
// spliced.  BedGraph sections are rejected with ErrUnsupportedSection.  A
// nil opts selects Snappy compression, native order and 8 zoom levels.  On
// error a truncated file may be left behind; the caller is expected to
// delete it.
func Write(ctx context.Context, sections []Section, chromSizes []bbi.ChromSize, path string, opts *bbi.WriteOpts) error {
	return bbi.WriteFile(ctx, path, bbi.BigWigMagic, chromSizes, decodeItems, opts,
		func(bw *bbi.Writer) error {
			bw.SetFieldCounts(0, 0)
			var (
				lastIx    uint32
				lastStart uint32
				started   bool
			)
			for _, sec := range sections {
				if err := ctx.Err(); err != nil {
					return err
				}
				if _, ok := sec.(*BedGraphSection); ok {
					chrom, _, _ := sec.Bounds()
					return fmt.Errorf("%w (chromosome %s)", ErrUnsupportedSection, chrom)
				}
				if err := validate(sec); err != nil {
					return err
				}
				chrom, start, _ := sec.Bounds()
				ix, ok := bw.ChromID(chrom)
				if !ok {
					log.Debug.Printf("bigwig: dropping section on unknown chromosome %q", chrom)
					continue
				}
				if started && (ix < lastIx || (ix == lastIx && start < lastStart)) {
					return fmt.Errorf("%w: %s:%d after %d:%d",
						bbi.ErrWriteOrdering, chrom, start, lastIx, lastStart)
				}
				lastIx, lastStart, started = ix, start, true
				for _, chunk := range sec.Splice(MaxValuesPerBlock) {
					if chunk.Len() == 0 {
						continue
					}
					if err := writeSection(bw, chunk, ix); err != nil {
						return err
					}
				}
			}
			return nil
		})
}

func writeSection(bw *bbi.Writer, sec Section, chromIx uint32) error {
	_, start, end := sec.Bounds()
	var payload bytes.Buffer
	pw := binio.NewWriter(&payload, bw.Order())
	pw.PutU32(chromIx)
	pw.PutU32(start)
	pw.PutU32(end)
	switch s := sec.(type) {
	case *FixedStepSection:
		pw.PutU32(s.Step)
		pw.PutU32(s.Span)
		pw.PutU8(fixedStepType)
		pw.PutU8(0)
		pw.PutU16(uint16(len(s.Values)))
		for _, v := range s.Values {
			pw.PutF32(v)
		}
	case *VariableStepSection:
		pw.PutU32(0) // step unused
		pw.PutU32(s.Span)
		pw.PutU8(variableStepType)
		pw.PutU8(0)
		pw.PutU16(uint16(len(s.Values)))
		for i, v := range s.Values {
			pw.PutU32(s.Positions[i])
			pw.PutF32(v)
		}
	default:
		return ErrUnsupportedSection
	}
	if err := pw.Err(); err != nil {
		return err
	}
	return bw.WriteBlock(rtree.MakeInterval(chromIx, start, end), sec.Len(), payload.Bytes())
}
