package bbi

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"v.io/x/lib/vlog"

	"github.com/yevshin/big/encoding/binio"
	"github.com/yevshin/big/encoding/bptree"
	"github.com/yevshin/big/encoding/romio"
	"github.com/yevshin/big/encoding/rtree"
)

// ChromSize names a chromosome and its length in bases.  The slice order
// passed to a writer assigns the chromosome ids.
type ChromSize struct {
	Name string
	Size uint32
}

// WriteOpts configures the write path.  Zero int fields and a nil Order
// fall back to the defaults below; Compression is taken as-is.
type WriteOpts struct {
	ItemsPerSlot     int               // data records per block (default 1024)
	ZoomItemsPerSlot int               // zoom records per block (default 512)
	ZoomLevelCount   int               // zoom levels to attempt (default 8)
	BlockSize        int               // B+/R+ tree fanout (default 256)
	Compression      romio.Compression // block codec
	Order            binary.ByteOrder  // byte order (default little-endian)
}

// DefaultWriteOpts returns the stock configuration: Snappy blocks, native
// little-endian order.
func DefaultWriteOpts() *WriteOpts {
	return &WriteOpts{Compression: romio.Snappy}
}

func (o *WriteOpts) setDefaults() {
	if o.ItemsPerSlot == 0 {
		o.ItemsPerSlot = 1024
	}
	if o.ZoomItemsPerSlot == 0 {
		o.ZoomItemsPerSlot = 512
	}
	if o.ZoomLevelCount == 0 {
		o.ZoomLevelCount = 8
	}
	if o.BlockSize == 0 {
		o.BlockSize = 256
	}
	if o.Order == nil {
		o.Order = binary.LittleEndian
	}
}

// The write path is a linear state machine; out-of-order calls are fatal
// (vlog.Fatalf).  A
// failure at any state leaves a truncated file which the caller must
// delete.
type writeState uint8

const (
	stateInit writeState = iota
	stateHeaderReserved
	stateChromTreeWritten
	stateDataStreamed
	stateIndexWritten
	stateHeaderPatched
	stateZoomed
	stateSummarized
	stateClosed
)

// Writer streams one bigBed/bigWig file.  Format packages feed it encoded
// data blocks between NewWriter and Finish; WriteFile drives the whole
// lifecycle including the zoom and total-summary post passes.
type Writer struct {
	f     *os.File
	w     *binio.Writer
	magic uint32
	opts  WriteOpts
	state writeState

	chroms   []ChromSize
	chromIDs map[string]uint32

	hdr             Header
	leaves          []rtree.Leaf
	itemCount       uint64
	maxUncompressed int
	scratch         []byte
}

// NewWriter creates path and reserves the header, zoom descriptor slots and
// total-summary placeholder, then writes the chromosome B+ tree.  The
// writer is ready for WriteBlock calls on return.
func NewWriter(path string, magic uint32, chromSizes []ChromSize, opts *WriteOpts) (*Writer, error) {
	if opts == nil {
		opts = DefaultWriteOpts()
	}
	o := *opts
	o.setDefaults()
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := &Writer{
		f:        f,
		w:        binio.NewWriter(f, o.Order),
		magic:    magic,
		opts:     o,
		chroms:   chromSizes,
		chromIDs: make(map[string]uint32, len(chromSizes)),
	}
	leaves := make([]bptree.Leaf, len(chromSizes))
	for i, cs := range chromSizes {
		bw.chromIDs[cs.Name] = uint32(i)
		leaves[i] = bptree.Leaf{Key: cs.Name, ID: uint32(i), Size: cs.Size}
	}

	bw.w.PutZeros(headerSize)
	bw.w.PutZeros(o.ZoomLevelCount * zoomLevelSize)
	bw.state = stateHeaderReserved

	bw.hdr.TotalSummaryOffset = uint64(bw.w.Tell())
	bw.w.PutZeros(totalSummarySize)
	bw.hdr.ChromTreeOffset = uint64(bw.w.Tell())
	if err := bptree.Write(bw.w, leaves, o.BlockSize); err != nil {
		return nil, err
	}
	bw.hdr.UnzoomedDataOffset = uint64(bw.w.Tell())
	bw.state = stateChromTreeWritten
	vlog.VI(1).Infof("bbi: %s: reserved header, %d chromosomes, data at %d",
		path, len(chromSizes), bw.hdr.UnzoomedDataOffset)
	return bw, nil
}

// Order returns the output byte order.
func (bw *Writer) Order() binary.ByteOrder { return bw.opts.Order }

// Compression returns the block codec in use.
func (bw *Writer) Compression() romio.Compression { return bw.opts.Compression }

// ItemsPerSlot returns the number of records to pack per data block.
func (bw *Writer) ItemsPerSlot() int { return bw.opts.ItemsPerSlot }

// ChromID resolves a chromosome name against the writer's chromSizes.
func (bw *Writer) ChromID(name string) (uint32, bool) {
	id, ok := bw.chromIDs[name]
	return id, ok
}

// SetFieldCounts records the header's fieldCount/definedFieldCount pair
// (bigBed column counts; zero for bigWig).
func (bw *Writer) SetFieldCounts(fieldCount, definedFieldCount uint16) {
	bw.hdr.FieldCount = fieldCount
	bw.hdr.DefinedFieldCount = definedFieldCount
}

// WriteBlock compresses payload (holding n records covering interval) and
// appends it to the data section, recording the R+ tree leaf.  Blocks must
// arrive sorted by interval start.
func (bw *Writer) WriteBlock(interval rtree.Interval, n int, payload []byte) error {
	if bw.state != stateChromTreeWritten {
		vlog.Fatalf("bbi: WriteBlock in state %d", bw.state)
	}
	if len(bw.leaves) > 0 {
		last := bw.leaves[len(bw.leaves)-1].Interval
		if interval.Start.Less(last.Start) {
			return fmt.Errorf("%w: block %v after %v", ErrWriteOrdering, interval, last)
		}
	}
	if len(payload) > bw.maxUncompressed {
		bw.maxUncompressed = len(payload)
	}
	out, err := romio.Compress(bw.scratch, payload, bw.opts.Compression)
	if err != nil {
		return err
	}
	if bw.opts.Compression != romio.NoCompression {
		bw.scratch = out
	}
	bw.leaves = append(bw.leaves, rtree.Leaf{
		Interval:   interval,
		DataOffset: uint64(bw.w.Tell()),
		DataSize:   uint64(len(out)),
	})
	bw.itemCount += uint64(n)
	bw.w.PutBytes(out)
	return bw.w.Err()
}

// Finish writes the R+ tree, back-patches the header with the real offsets,
// and closes the file.  Zoom levels and the total summary are appended by
// the post passes (see WriteFile).
func (bw *Writer) Finish() error {
	if bw.state != stateChromTreeWritten {
		vlog.Fatalf("bbi: Finish in state %d", bw.state)
	}
	bw.state = stateDataStreamed
	bw.hdr.UnzoomedIndexOffset = uint64(bw.w.Tell())
	err := rtree.Write(bw.w, bw.leaves, bw.opts.BlockSize, bw.opts.ItemsPerSlot,
		bw.itemCount, bw.hdr.UnzoomedIndexOffset)
	if err != nil {
		return err
	}
	bw.state = stateIndexWritten

	bw.hdr.Version = MinDeflateVersion
	if bw.opts.Compression == romio.Snappy {
		bw.hdr.Version = SnappyVersion
	}
	if bw.opts.Compression != romio.NoCompression {
		bw.hdr.UncompressBufSize = uint32(bw.maxUncompressed)
	}
	bw.hdr.ZoomLevelCount = 0 // patched again once the pyramid is built
	if _, err := bw.f.Seek(0, 0); err != nil {
		return err
	}
	hw := binio.NewWriter(bw.f, bw.opts.Order)
	writeHeader(hw, bw.magic, bw.hdr)
	if err := hw.Err(); err != nil {
		return err
	}
	bw.state = stateHeaderPatched
	vlog.VI(1).Infof("bbi: wrote %d blocks, %d items, index at %d",
		len(bw.leaves), bw.itemCount, bw.hdr.UnzoomedIndexOffset)
	return bw.f.Close()
}

// WriteFile drives the full write lifecycle: reserve/stream/index/patch via
// stream, then the zoom pyramid and total summary post passes.  stream must
// emit every data block through Writer.WriteBlock in (chrom, start) order.
// On error the partially written file is left behind for the caller to
// delete.
func WriteFile(ctx context.Context, path string, magic uint32, chromSizes []ChromSize,
	decode BlockDecoder, opts *WriteOpts, stream func(bw *Writer) error) error {
	bw, err := NewWriter(path, magic, chromSizes, opts)
	if err != nil {
		return err
	}
	if err := stream(bw); err != nil {
		return err
	}
	if err := bw.Finish(); err != nil {
		return err
	}
	if err := postZoom(ctx, path, magic, decode, bw.opts); err != nil {
		return err
	}
	return postTotalSummary(ctx, path, magic, decode)
}
