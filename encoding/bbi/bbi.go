// Package bbi implements the machinery shared by the bigBed and bigWig
// container formats: the 64-byte file header, the zoom level pyramid, the
// summary engine, and the streaming writer with its post-processing passes.
//
// The encoding/bigbed and encoding/bigwig packages layer the per-format
// record codecs and public APIs on top of this package.
package bbi

import (
	"errors"
	"fmt"

	"github.com/grailbio/base/log"

	"github.com/yevshin/big/encoding/binio"
	"github.com/yevshin/big/encoding/bptree"
	"github.com/yevshin/big/encoding/romio"
	"github.com/yevshin/big/encoding/rtree"
)

// File magics, stored at offset 0 in the file's byte order.
const (
	BigWigMagic = 0x888FFC26
	BigBedMagic = 0x8789F2EB
)

var (
	// ErrBadSignature means the magic matched in neither byte order.
	ErrBadSignature = errors.New("bbi: bad signature")
	// ErrUnsupportedVersion means the file version is outside [1, 5].
	ErrUnsupportedVersion = errors.New("bbi: unsupported version")
	// ErrWriteOrdering means writer input was not sorted by (chrom, start).
	ErrWriteOrdering = errors.New("bbi: write input not sorted by (chrom, start)")
)

const (
	headerSize       = 64
	zoomLevelSize    = 24
	totalSummarySize = 40

	// MinDeflateVersion is the lowest file version with DEFLATE-compressed
	// blocks; SnappyVersion is a private extension marking Snappy blocks.
	MinDeflateVersion = 3
	SnappyVersion     = 5
	maxVersion        = 5
)

// Header is the fixed 64-byte bigBed/bigWig header.  All offsets are
// absolute from byte 0.
type Header struct {
	Version              uint16
	ZoomLevelCount       uint16
	ChromTreeOffset      uint64
	UnzoomedDataOffset   uint64
	UnzoomedIndexOffset  uint64
	FieldCount           uint16
	DefinedFieldCount    uint16
	AsOffset             uint64
	TotalSummaryOffset   uint64
	UncompressBufSize    uint32
	ExtendedHeaderOffset uint64
}

func readHeader(r *binio.Reader) Header {
	r.U32() // magic, already verified
	return Header{
		Version:              r.U16(),
		ZoomLevelCount:       r.U16(),
		ChromTreeOffset:      r.U64(),
		UnzoomedDataOffset:   r.U64(),
		UnzoomedIndexOffset:  r.U64(),
		FieldCount:           r.U16(),
		DefinedFieldCount:    r.U16(),
		AsOffset:             r.U64(),
		TotalSummaryOffset:   r.U64(),
		UncompressBufSize:    r.U32(),
		ExtendedHeaderOffset: r.U64(),
	}
}

func writeHeader(w *binio.Writer, magic uint32, hdr Header) {
	w.PutU32(magic)
	w.PutU16(hdr.Version)
	w.PutU16(hdr.ZoomLevelCount)
	w.PutU64(hdr.ChromTreeOffset)
	w.PutU64(hdr.UnzoomedDataOffset)
	w.PutU64(hdr.UnzoomedIndexOffset)
	w.PutU16(hdr.FieldCount)
	w.PutU16(hdr.DefinedFieldCount)
	w.PutU64(hdr.AsOffset)
	w.PutU64(hdr.TotalSummaryOffset)
	w.PutU32(hdr.UncompressBufSize)
	w.PutU64(hdr.ExtendedHeaderOffset)
}

// Compression returns the block codec implied by the header: Snappy for the
// private version 5, DEFLATE otherwise, none when UncompressBufSize is 0.
func (h Header) Compression() romio.Compression {
	if h.UncompressBufSize == 0 {
		return romio.NoCompression
	}
	if h.Version == SnappyVersion {
		return romio.Snappy
	}
	return romio.Deflate
}

// ZoomLevel describes one precomputed summary level.  Reduction is the
// number of bases each summary record aggregates.
type ZoomLevel struct {
	Reduction   uint32
	DataOffset  uint64
	IndexOffset uint64
}

// Item is a value-carrying interval extracted from a data block; the input
// to the summary engine and the zoom pyramid builder.  BigBed blocks yield
// coverage items with value 1, bigWig blocks yield the signal values.
type Item struct {
	Start, End uint32
	Value      float64
}

// BlockDecoder extracts items from one decoded data block.  chromIx is the
// chromosome the enclosing R+ tree leaf starts on.
type BlockDecoder func(r *binio.Reader, chromIx uint32) ([]Item, error)

// Opts configures Open.
type Opts struct {
	// Prefetch loads the chromosome mapping eagerly at open time instead of
	// on first use.
	Prefetch bool
	// Policy selects the Buffer sharing policy (see romio).
	Policy romio.Policy
}

// File is an open bigBed/bigWig container.  Format packages wrap it and
// provide the record codec via the decoder.
type File struct {
	buf    *romio.Buffer
	hdr    Header
	zooms  []ZoomLevel
	total  *Summary
	comp   romio.Compression
	decode BlockDecoder

	chromTree *bptree.Tree
	index     *rtree.Index
	names     map[uint32]string
}

// Open reads the container structure of src, which must start with the
// given magic in either byte order.
func Open(src romio.Source, magic uint32, decode BlockDecoder, opts Opts) (*File, error) {
	var raw [4]byte
	if _, err := src.ReadAt(raw[:], 0); err != nil {
		return nil, err
	}
	order, ok := binio.GuessOrder(raw, magic)
	if !ok {
		return nil, fmt.Errorf("%w: got % x, want magic %#x", ErrBadSignature, raw[:], magic)
	}
	buf := romio.NewBuffer(src, order, opts.Policy)
	r, err := buf.With(0, headerSize, romio.NoCompression)
	if err != nil {
		return nil, err
	}
	hdr := readHeader(r)
	if err := r.Err(); err != nil {
		return nil, err
	}
	if hdr.Version < 1 || hdr.Version > maxVersion {
		return nil, fmt.Errorf("%w: version %d outside [1, %d]", ErrUnsupportedVersion, hdr.Version, maxVersion)
	}
	f := &File{buf: buf, hdr: hdr, comp: hdr.Compression(), decode: decode}
	if hdr.ZoomLevelCount > 0 {
		r, err = buf.With(headerSize, int64(hdr.ZoomLevelCount)*zoomLevelSize, romio.NoCompression)
		if err != nil {
			return nil, err
		}
		for i := 0; i < int(hdr.ZoomLevelCount); i++ {
			lvl := ZoomLevel{Reduction: r.U32()}
			r.U32() // reserved
			lvl.DataOffset = r.U64()
			lvl.IndexOffset = r.U64()
			f.zooms = append(f.zooms, lvl)
		}
		if err := r.Err(); err != nil {
			return nil, err
		}
	}
	if hdr.TotalSummaryOffset > 0 {
		r, err = buf.With(int64(hdr.TotalSummaryOffset), totalSummarySize, romio.NoCompression)
		if err != nil {
			return nil, err
		}
		s := readSummary(r)
		if err := r.Err(); err != nil {
			return nil, err
		}
		f.total = &s
	}
	if opts.Prefetch {
		if _, err := f.Chromosomes(); err != nil {
			return nil, err
		}
		if _, err := f.Index(); err != nil {
			return nil, err
		}
	}
	log.Debug.Printf("bbi: opened file version=%d zoomLevels=%d compression=%v",
		hdr.Version, hdr.ZoomLevelCount, f.comp)
	return f, nil
}

// Header returns the parsed file header.
func (f *File) Header() Header { return f.hdr }

// ZoomLevels returns the zoom level descriptors, coarsest last.
func (f *File) ZoomLevels() []ZoomLevel { return f.zooms }

// TotalSummary returns the file-level summary block, if present.
func (f *File) TotalSummary() (Summary, bool) {
	if f.total == nil {
		return Summary{}, false
	}
	return *f.total, true
}

// Compression returns the block codec in use.
func (f *File) Compression() romio.Compression { return f.comp }

// Buffer returns the underlying block buffer.
func (f *File) Buffer() *romio.Buffer { return f.buf }

// ChromTree returns the chromosome B+ tree, loading it on first use.
func (f *File) ChromTree() (*bptree.Tree, error) {
	if f.chromTree == nil {
		t, err := bptree.Read(f.buf, int64(f.hdr.ChromTreeOffset))
		if err != nil {
			return nil, err
		}
		f.chromTree = t
	}
	return f.chromTree, nil
}

// Index returns the unzoomed R+ tree, loading it on first use.
func (f *File) Index() (*rtree.Index, error) {
	if f.index == nil {
		ix, err := rtree.Read(f.buf, int64(f.hdr.UnzoomedIndexOffset))
		if err != nil {
			return nil, err
		}
		f.index = ix
	}
	return f.index, nil
}

// Chromosomes returns all chromosome leaves in key order.
func (f *File) Chromosomes() ([]bptree.Leaf, error) {
	t, err := f.ChromTree()
	if err != nil {
		return nil, err
	}
	var out []bptree.Leaf
	err = t.Traverse(func(l bptree.Leaf) error {
		out = append(out, l)
		return nil
	})
	return out, err
}

// Resolve maps a chromosome name to its leaf.  Missing chromosomes are not
// an error; ok is false.
func (f *File) Resolve(chrom string) (bptree.Leaf, bool, error) {
	t, err := f.ChromTree()
	if err != nil {
		return bptree.Leaf{}, false, err
	}
	return t.Find(chrom)
}

// ChromName maps a chromosome id back to its name.
func (f *File) ChromName(ix uint32) (string, error) {
	if f.names == nil {
		chroms, err := f.Chromosomes()
		if err != nil {
			return "", err
		}
		f.names = make(map[uint32]string, len(chroms))
		for _, c := range chroms {
			f.names[c.ID] = c.Key
		}
	}
	return f.names[ix], nil
}

// BlockReader decompresses the data block behind an R+ tree leaf, reusing
// the cached copy when the same leaf is read twice in a row.
func (f *File) BlockReader(leaf rtree.Leaf) (*binio.Reader, error) {
	return f.buf.Block(int64(leaf.DataOffset), int64(leaf.DataSize), f.comp)
}

// Close releases the underlying source.
func (f *File) Close() error { return f.buf.Close() }

// DetermineFileType sniffs the magic of src in both byte orders.  ok is
// false when src is neither a bigBed nor a bigWig file.
func DetermineFileType(src romio.Source) (magic uint32, ok bool) {
	var raw [4]byte
	if _, err := src.ReadAt(raw[:], 0); err != nil {
		return 0, false
	}
	if _, ok := binio.GuessOrder(raw, BigWigMagic); ok {
		return BigWigMagic, true
	}
	if _, ok := binio.GuessOrder(raw, BigBedMagic); ok {
		return BigBedMagic, true
	}
	return 0, false
}
