// Package rtree implements the 1-D R+ tree that indexes chromosome-scoped
// intervals in bigBed/bigWig files.  Each leaf points at a byte range in the
// data section holding the records whose union is the leaf's interval.
//
// Tree traversal reads each node's slots eagerly before descending: the
// backing romio.Buffer reuses its scratch across reads, so lazily iterating
// slots while recursing would observe overwritten memory.
package rtree

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/grailbio/base/log"

	"github.com/yevshin/big/encoding/binio"
	"github.com/yevshin/big/encoding/romio"
)

// Magic identifies an R+ tree header, written in the file's byte order.
const Magic = 0x2468ACE0

// ErrCorrupt is wrapped by structural check failures while reading a tree.
var ErrCorrupt = errors.New("rtree: corrupt index")

const (
	headerSize       = 48
	leafSlotSize     = 32
	internalSlotSize = 24
)

// Offset is a position in the chromosome-indexed coordinate space.
type Offset struct {
	ChromIx uint32
	Base    uint32
}

// Less reports whether a precedes b in (chromIx, base) order.
func (a Offset) Less(b Offset) bool {
	if a.ChromIx != b.ChromIx {
		return a.ChromIx < b.ChromIx
	}
	return a.Base < b.Base
}

func minOffset(a, b Offset) Offset {
	if b.Less(a) {
		return b
	}
	return a
}

func maxOffset(a, b Offset) Offset {
	if a.Less(b) {
		return b
	}
	return a
}

// Interval is a half-open interval [Start, End) over the chromosome-indexed
// coordinate space.  Multi-chromosome intervals appear in interior nodes as
// unions of their children.
type Interval struct {
	Start, End Offset
}

// MakeInterval returns the single-chromosome interval [start, end) on the
// chromosome with the given index.
func MakeInterval(chromIx, start, end uint32) Interval {
	return Interval{
		Start: Offset{ChromIx: chromIx, Base: start},
		End:   Offset{ChromIx: chromIx, Base: end},
	}
}

// Intersects reports whether the two half-open intervals overlap.
func (i Interval) Intersects(o Interval) bool {
	return i.Start.Less(o.End) && o.Start.Less(i.End)
}

// Union returns the smallest interval covering both i and o.
func (i Interval) Union(o Interval) Interval {
	return Interval{Start: minOffset(i.Start, o.Start), End: maxOffset(i.End, o.End)}
}

// Leaf points at the data block holding the records covered by Interval.
type Leaf struct {
	Interval   Interval
	DataOffset uint64
	DataSize   uint64
}

// Header is the fixed 48-byte R+ tree header.  The root node begins
// immediately after it.
type Header struct {
	BlockSize     uint32
	ItemCount     uint64
	Start, End    Offset
	EndDataOffset uint64
	ItemsPerSlot  uint32
}

// Index is a read-only view over an on-disk R+ tree.
type Index struct {
	buf  *romio.Buffer
	hdr  Header
	root int64
}

// Read parses the tree header at offset and returns an Index reading nodes
// through buf.
func Read(buf *romio.Buffer, offset int64) (*Index, error) {
	r, err := buf.With(offset, headerSize, romio.NoCompression)
	if err != nil {
		return nil, err
	}
	magic := r.U32()
	hdr := Header{
		BlockSize: r.U32(),
		ItemCount: r.U64(),
		Start:     Offset{ChromIx: r.U32(), Base: r.U32()},
		End:       Offset{ChromIx: r.U32(), Base: r.U32()},
	}
	hdr.EndDataOffset = r.U64()
	hdr.ItemsPerSlot = r.U32()
	r.U32() // reserved
	if err := r.Err(); err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#x at offset %d", ErrCorrupt, magic, offset)
	}
	if hdr.BlockSize == 0 {
		return nil, fmt.Errorf("%w: zero block size at offset %d", ErrCorrupt, offset)
	}
	return &Index{buf: buf, hdr: hdr, root: offset + headerSize}, nil
}

// Header returns the parsed tree header.
func (ix *Index) Header() Header { return ix.hdr }

// FindOverlappingBlocks collects, in on-disk order, the leaves whose
// intervals intersect query.  ctx is checked at each recursion boundary.
func (ix *Index) FindOverlappingBlocks(ctx context.Context, query Interval) ([]Leaf, error) {
	if ix.hdr.ItemCount == 0 {
		return nil, nil
	}
	var out []Leaf
	if err := ix.find(ctx, ix.root, query, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (ix *Index) find(ctx context.Context, offset int64, query Interval, out *[]Leaf) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, err := ix.buf.With(offset, 4, romio.NoCompression)
	if err != nil {
		return err
	}
	isLeaf := r.U8()
	r.U8() // reserved
	count := int(r.U16())
	if err := r.Err(); err != nil {
		return err
	}
	if count == 0 || uint32(count) > ix.hdr.BlockSize {
		return fmt.Errorf("%w: node at %d has child count %d (block size %d)",
			ErrCorrupt, offset, count, ix.hdr.BlockSize)
	}
	if isLeaf != 0 {
		r, err = ix.buf.With(offset+4, int64(count)*leafSlotSize, romio.NoCompression)
		if err != nil {
			return err
		}
		var prev Interval
		for i := 0; i < count; i++ {
			leaf := Leaf{
				Interval: Interval{
					Start: Offset{ChromIx: r.U32(), Base: r.U32()},
					End:   Offset{ChromIx: r.U32(), Base: r.U32()},
				},
				DataOffset: r.U64(),
				DataSize:   r.U64(),
			}
			if i > 0 && leaf.Interval.Intersects(prev) {
				log.Debug.Printf("rtree: overlapping leaves %v and %v at node %d", prev, leaf.Interval, offset)
			}
			prev = leaf.Interval
			if leaf.Interval.Intersects(query) {
				*out = append(*out, leaf)
			}
		}
		return r.Err()
	}
	r, err = ix.buf.With(offset+4, int64(count)*internalSlotSize, romio.NoCompression)
	if err != nil {
		return err
	}
	// Materialize the children before descending; the buffer scratch backing
	// r is overwritten by the recursive reads.
	type child struct {
		interval Interval
		offset   int64
	}
	children := make([]child, 0, count)
	for i := 0; i < count; i++ {
		c := child{
			interval: Interval{
				Start: Offset{ChromIx: r.U32(), Base: r.U32()},
				End:   Offset{ChromIx: r.U32(), Base: r.U32()},
			},
			offset: int64(r.U64()),
		}
		if c.offset <= 0 || c.offset >= ix.buf.Size() {
			return fmt.Errorf("%w: node at %d points past EOF (%d)", ErrCorrupt, offset, c.offset)
		}
		children = append(children, c)
	}
	if err := r.Err(); err != nil {
		return err
	}
	for _, c := range children {
		if !c.interval.Intersects(query) {
			continue
		}
		if err := ix.find(ctx, c.offset, query, out); err != nil {
			return err
		}
	}
	return nil
}

// countLevels returns the number of node levels needed to index itemCount
// items with the given fanout: ceil(log_blockSize(itemCount)), with
// countLevels(n, n) == 1.
func countLevels(blockSize, itemCount int) int {
	levels := 1
	for n := (itemCount + blockSize - 1) / blockSize; n > 1; n = (n + blockSize - 1) / blockSize {
		levels++
	}
	return levels
}

// Write encodes the sorted leaves as an on-disk R+ tree at the writer's
// current position.  itemCount is the total number of data records the
// leaves cover and endDataOffset the file offset one past the data section.
// Non-full nodes are padded with zero bytes to blockSize slots.
func Write(w *binio.Writer, leaves []Leaf, blockSize, itemsPerSlot int, itemCount, endDataOffset uint64) error {
	if blockSize < 2 {
		return fmt.Errorf("rtree: block size %d < 2", blockSize)
	}
	sorted := make([]Leaf, len(leaves))
	copy(sorted, leaves)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Interval.Start.Less(sorted[j].Interval.Start) })

	var bounds Interval
	if len(sorted) > 0 {
		bounds = sorted[0].Interval
		for _, l := range sorted[1:] {
			bounds = bounds.Union(l.Interval)
		}
	}

	w.PutU32(Magic)
	w.PutU32(uint32(blockSize))
	w.PutU64(itemCount)
	w.PutU32(bounds.Start.ChromIx)
	w.PutU32(bounds.Start.Base)
	w.PutU32(bounds.End.ChromIx)
	w.PutU32(bounds.End.Base)
	w.PutU64(endDataOffset)
	w.PutU32(uint32(itemsPerSlot))
	w.PutU32(0) // reserved
	nl := len(sorted)
	if nl == 0 {
		// Degenerate empty root keeps readers honest about item count 0.
		w.PutU8(1)
		w.PutU8(0)
		w.PutU16(0)
		w.PutZeros(blockSize * leafSlotSize)
		return w.Err()
	}

	levels := countLevels(blockSize, nl)
	counts := make([]int, levels)
	counts[levels-1] = (nl + blockSize - 1) / blockSize
	for i := levels - 2; i >= 0; i-- {
		counts[i] = (counts[i+1] + blockSize - 1) / blockSize
	}
	// Leaves covered by one node at each level.
	span := make([]int, levels)
	span[levels-1] = blockSize
	for i := levels - 2; i >= 0; i-- {
		span[i] = span[i+1] * blockSize
	}
	nodeSize := func(level int) int64 {
		if level == levels-1 {
			return 4 + int64(blockSize)*leafSlotSize
		}
		return 4 + int64(blockSize)*internalSlotSize
	}
	starts := make([]int64, levels)
	starts[0] = w.Tell()
	for i := 1; i < levels; i++ {
		starts[i] = starts[i-1] + int64(counts[i-1])*nodeSize(i-1)
	}

	union := func(first, last int) Interval {
		u := sorted[first].Interval
		for _, l := range sorted[first+1 : last] {
			u = u.Union(l.Interval)
		}
		return u
	}

	for level := 0; level < levels; level++ {
		isLeaf := level == levels-1
		slotSize := internalSlotSize
		if isLeaf {
			slotSize = leafSlotSize
		}
		for j := 0; j < counts[level]; j++ {
			first := j * blockSize
			childCount := blockSize
			if isLeaf {
				if nl-first < childCount {
					childCount = nl - first
				}
			} else if counts[level+1]-first < childCount {
				childCount = counts[level+1] - first
			}
			w.PutU8(boolByte(isLeaf))
			w.PutU8(0)
			w.PutU16(uint16(childCount))
			for c := 0; c < childCount; c++ {
				if isLeaf {
					l := sorted[first+c]
					w.PutU32(l.Interval.Start.ChromIx)
					w.PutU32(l.Interval.Start.Base)
					w.PutU32(l.Interval.End.ChromIx)
					w.PutU32(l.Interval.End.Base)
					w.PutU64(l.DataOffset)
					w.PutU64(l.DataSize)
				} else {
					child := first + c
					lo := child * span[level+1]
					hi := lo + span[level+1]
					if hi > nl {
						hi = nl
					}
					u := union(lo, hi)
					w.PutU32(u.Start.ChromIx)
					w.PutU32(u.Start.Base)
					w.PutU32(u.End.ChromIx)
					w.PutU32(u.End.Base)
					w.PutU64(uint64(starts[level+1] + int64(child)*nodeSize(level+1)))
				}
			}
			w.PutZeros((blockSize - childCount) * slotSize)
		}
	}
	return w.Err()
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
