// Package romio implements the read-only random-access layer under the
// bigBed/bigWig readers: a seekable byte source plus a block decompressor
// with reusable scratch buffers.
//
// A Buffer is bound to one Source and one byte order.  It owns mutable
// compressed/uncompressed scratch arrays, so it is not safe for concurrent
// use; see Policy for the sharing options.
package romio

import (
	"bytes"
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"
	"sync"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/yevshin/big/encoding/binio"
)

// Source is a read-only, randomly addressable byte source.  Local files are
// opened with OpenFile; remote range fetchers implement Source themselves.
// The source may be shared between Buffers; only cursor and scratch state is
// per-Buffer.
type Source interface {
	io.ReaderAt
	io.Closer
	// Size returns the total length of the source in bytes.
	Size() int64
}

type fileSource struct {
	f    *os.File
	size int64
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *fileSource) Close() error                            { return s.f.Close() }
func (s *fileSource) Size() int64                             { return s.size }

// OpenFile opens a local file as a Source.
func OpenFile(path string) (Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close() // nolint: errcheck
		return nil, err
	}
	return &fileSource{f: f, size: info.Size()}, nil
}

// NewSource wraps an already-open file as a Source.  Closing the Source does
// not close the file.
func NewSource(r io.ReaderAt, size int64) Source {
	return &readerAtSource{r: r, size: size}
}

type readerAtSource struct {
	r    io.ReaderAt
	size int64
}

func (s *readerAtSource) ReadAt(p []byte, off int64) (int, error) { return s.r.ReadAt(p, off) }
func (s *readerAtSource) Close() error                            { return nil }
func (s *readerAtSource) Size() int64                             { return s.size }

// Compression identifies the per-block codec.
type Compression uint8

const (
	// NoCompression stores blocks verbatim.
	NoCompression Compression = iota
	// Deflate is zlib-framed DEFLATE, the stock bigBed/bigWig codec
	// (file version >= 3).
	Deflate
	// Snappy is a private extension signalled by file version 5.
	Snappy
)

func (c Compression) String() string {
	switch c {
	case NoCompression:
		return "none"
	case Deflate:
		return "deflate"
	case Snappy:
		return "snappy"
	}
	return "unknown"
}

// ErrDecompression is wrapped by block decode failures.
var ErrDecompression = errors.New("romio: block decompression failed")

// Policy selects how a Buffer may be shared between goroutines.
type Policy uint8

const (
	// Solo is the single-goroutine policy: no locking, fastest.
	Solo Policy = iota
	// PerGoroutine expects each goroutine to Fork its own Buffer over the
	// shared Source.
	PerGoroutine
	// Locked serializes all block reads through an internal mutex.
	Locked
)

// Buffer is a cursor-free windowed view over a Source with per-Buffer
// decompression scratch.  Scratch slices grow by 1.5x whenever a larger
// block is seen and are reused across reads.  DEFLATE blocks are decoded
// through a new zlib reader and an intermediate slice on every read.
type Buffer struct {
	src   Source
	order binary.ByteOrder

	policy Policy
	mu     sync.Mutex // used only when policy == Locked

	comp   []byte // compressed scratch
	uncomp []byte // decompressed scratch

	// Last decompressed block, kept per data offset.  Consecutive queries
	// resolving to the same R+ tree leaf skip re-decompression.
	cacheOff  int64
	cacheData []byte
}

// NewBuffer returns a Buffer over src decoding in the given order.
func NewBuffer(src Source, order binary.ByteOrder, policy Policy) *Buffer {
	return &Buffer{src: src, order: order, policy: policy, cacheOff: -1}
}

// Order returns the buffer's byte order.
func (b *Buffer) Order() binary.ByteOrder { return b.order }

// Size returns the size of the underlying source.
func (b *Buffer) Size() int64 { return b.src.Size() }

// Fork returns a new Buffer sharing the underlying Source but with its own
// scratch and cache.  This is the PerGoroutine sharing mechanism.
func (b *Buffer) Fork() *Buffer {
	return &Buffer{src: b.src, order: b.order, policy: b.policy, cacheOff: -1}
}

// Close closes the underlying source.
func (b *Buffer) Close() error { return b.src.Close() }

func grow(buf []byte, n int) []byte {
	if cap(buf) >= n {
		return buf[:n]
	}
	c := cap(buf) + cap(buf)/2
	if c < n {
		c = n
	}
	return make([]byte, n, c)
}

// ReadAt fills p from the source at off, without decompression.
func (b *Buffer) ReadAt(p []byte, off int64) error {
	if off+int64(len(p)) > b.src.Size() {
		return errors.Wrapf(io.ErrUnexpectedEOF, "romio: read [%d,%d) past end %d",
			off, off+int64(len(p)), b.src.Size())
	}
	_, err := io.ReadFull(io.NewSectionReader(b.src, off, int64(len(p))), p)
	return errors.Wrapf(err, "romio: read %d bytes at %d", len(p), off)
}

// With returns a Reader over the size bytes at offset, decompressed with the
// given codec into the buffer's scratch.  The returned Reader (and any byte
// slices taken from it) is valid only until the next With or Block call.
func (b *Buffer) With(offset, size int64, comp Compression) (*binio.Reader, error) {
	if b.policy == Locked {
		b.mu.Lock()
		defer b.mu.Unlock()
	}
	data, err := b.load(offset, size, comp)
	if err != nil {
		return nil, err
	}
	return binio.NewReader(data, b.order), nil
}

// Block is the caching variant of With, keyed by offset: the most recently
// decompressed block is retained and reused when the same offset is
// requested again.  Intended for R+ tree leaf data blocks.
func (b *Buffer) Block(offset, size int64, comp Compression) (*binio.Reader, error) {
	if b.policy == Locked {
		b.mu.Lock()
		defer b.mu.Unlock()
	}
	if offset == b.cacheOff {
		return binio.NewReader(b.cacheData, b.order), nil
	}
	data, err := b.load(offset, size, comp)
	if err != nil {
		return nil, err
	}
	b.cacheData = append(b.cacheData[:0], data...)
	b.cacheOff = offset
	return binio.NewReader(b.cacheData, b.order), nil
}

func (b *Buffer) load(offset, size int64, comp Compression) ([]byte, error) {
	if comp == NoCompression {
		b.uncomp = grow(b.uncomp, int(size))
		if err := b.ReadAt(b.uncomp, offset); err != nil {
			return nil, err
		}
		return b.uncomp, nil
	}
	b.comp = grow(b.comp, int(size))
	if err := b.ReadAt(b.comp, offset); err != nil {
		return nil, err
	}
	switch comp {
	case Deflate:
		zr, err := zlib.NewReader(bytes.NewReader(b.comp))
		if err != nil {
			return nil, errors.Wrapf(ErrDecompression, "deflate block at %d: %v", offset, err)
		}
		data, err := ioutil.ReadAll(zr)
		zr.Close() // nolint: errcheck
		if err != nil {
			return nil, errors.Wrapf(ErrDecompression, "deflate block at %d: %v", offset, err)
		}
		b.uncomp = append(b.uncomp[:0], data...)
		return b.uncomp, nil
	case Snappy:
		n, err := snappy.DecodedLen(b.comp)
		if err != nil {
			return nil, errors.Wrapf(ErrDecompression, "snappy block at %d: %v", offset, err)
		}
		b.uncomp = grow(b.uncomp, n)
		data, err := snappy.Decode(b.uncomp, b.comp)
		if err != nil {
			return nil, errors.Wrapf(ErrDecompression, "snappy block at %d: %v", offset, err)
		}
		b.uncomp = data
		return data, nil
	}
	return nil, errors.Errorf("romio: unknown compression %d", comp)
}
