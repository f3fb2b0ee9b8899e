// Package binio provides endian-aware primitive codecs for the bigBed and
// bigWig container formats.  A Reader decodes primitives out of an in-memory
// block; a Writer encodes them into an io.Writer while tracking the number
// of bytes emitted, which the container writers use for offset bookkeeping.
//
// Multi-byte integers use the byte order detected from the file magic (see
// GuessOrder).  Floats are bit-exact: the underlying integer bits go through
// the same byte-swap rule, per IEEE-754.
package binio

import (
	"encoding/binary"
	"io"
	"math"
)

// GuessOrder compares raw against the big-endian encoding of magic.  If it
// matches as-is the file is big-endian; if it matches after reversing the
// bytes the file is little-endian.  ok is false when neither matches.
func GuessOrder(raw [4]byte, magic uint32) (order binary.ByteOrder, ok bool) {
	if binary.BigEndian.Uint32(raw[:]) == magic {
		return binary.BigEndian, true
	}
	if binary.LittleEndian.Uint32(raw[:]) == magic {
		return binary.LittleEndian, true
	}
	return nil, false
}

// Reader decodes primitives from a byte slice.  Reads past the end return
// zero values and set Err to io.ErrUnexpectedEOF; callers typically issue a
// batch of reads and check Err once, the error is sticky.
type Reader struct {
	buf   []byte
	off   int
	order binary.ByteOrder
	err   error
}

// NewReader returns a Reader decoding buf in the given order.
func NewReader(buf []byte, order binary.ByteOrder) *Reader {
	return &Reader{buf: buf, order: order}
}

// Order returns the reader's byte order.
func (r *Reader) Order() binary.ByteOrder { return r.order }

// Err returns the first decode error, or nil.
func (r *Reader) Err() error { return r.err }

// Len returns the total length of the underlying block.
func (r *Reader) Len() int { return len(r.buf) }

// Remaining returns the number of undecoded bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.off+n > len(r.buf) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return r.order.Uint16(b)
}

func (r *Reader) I16() int16 { return int16(r.U16()) }

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return r.order.Uint32(b)
}

func (r *Reader) I32() int32 { return int32(r.U32()) }

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return r.order.Uint64(b)
}

func (r *Reader) I64() int64 { return int64(r.U64()) }

func (r *Reader) F32() float32 { return math.Float32frombits(r.U32()) }

func (r *Reader) F64() float64 { return math.Float64frombits(r.U64()) }

// Bytes decodes n raw bytes.  The returned slice aliases the underlying
// block and is only valid until the block buffer is reused.
func (r *Reader) Bytes(n int) []byte { return r.take(n) }

// CString decodes a NUL-terminated string, consuming the terminator.
func (r *Reader) CString() string {
	if r.err != nil {
		return ""
	}
	for i := r.off; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			s := string(r.buf[r.off:i])
			r.off = i + 1
			return s
		}
	}
	r.err = io.ErrUnexpectedEOF
	return ""
}

// FixedString decodes an n-byte zero-padded string, trimming the padding.
func (r *Reader) FixedString(n int) string {
	b := r.take(n)
	if b == nil {
		return ""
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// Writer encodes primitives into w, tracking the total number of bytes
// written.  Errors are sticky; check Err (or the error from Flush-style
// callers) after a batch of writes.
type Writer struct {
	w       io.Writer
	order   binary.ByteOrder
	n       int64
	err     error
	scratch [8]byte
}

// NewWriter returns a Writer encoding in the given order.
func NewWriter(w io.Writer, order binary.ByteOrder) *Writer {
	return &Writer{w: w, order: order}
}

// NewWriterAt returns a Writer whose Tell starts at base.  Used when
// appending at a known absolute file offset, so that offsets recorded from
// Tell stay absolute.
func NewWriterAt(w io.Writer, order binary.ByteOrder, base int64) *Writer {
	return &Writer{w: w, order: order, n: base}
}

// Order returns the writer's byte order.
func (w *Writer) Order() binary.ByteOrder { return w.order }

// Tell returns the write position: the base offset plus the number of
// bytes written.
func (w *Writer) Tell() int64 { return w.n }

// Err returns the first write error, or nil.
func (w *Writer) Err() error { return w.err }

func (w *Writer) write(b []byte) {
	if w.err != nil {
		return
	}
	n, err := w.w.Write(b)
	w.n += int64(n)
	w.err = err
}

func (w *Writer) PutU8(v uint8) {
	w.scratch[0] = v
	w.write(w.scratch[:1])
}

func (w *Writer) PutU16(v uint16) {
	w.order.PutUint16(w.scratch[:2], v)
	w.write(w.scratch[:2])
}

func (w *Writer) PutI16(v int16) { w.PutU16(uint16(v)) }

func (w *Writer) PutU32(v uint32) {
	w.order.PutUint32(w.scratch[:4], v)
	w.write(w.scratch[:4])
}

func (w *Writer) PutI32(v int32) { w.PutU32(uint32(v)) }

func (w *Writer) PutU64(v uint64) {
	w.order.PutUint64(w.scratch[:8], v)
	w.write(w.scratch[:8])
}

func (w *Writer) PutI64(v int64) { w.PutU64(uint64(v)) }

func (w *Writer) PutF32(v float32) { w.PutU32(math.Float32bits(v)) }

func (w *Writer) PutF64(v float64) { w.PutU64(math.Float64bits(v)) }

func (w *Writer) PutBytes(b []byte) { w.write(b) }

// PutCString writes s followed by a NUL terminator.
func (w *Writer) PutCString(s string) {
	w.write([]byte(s))
	w.PutU8(0)
}

// PutFixedString writes s zero-padded to exactly n bytes.  s longer than n
// is truncated.
func (w *Writer) PutFixedString(s string, n int) {
	b := make([]byte, n)
	copy(b, s)
	w.write(b)
}

// PutZeros writes n zero bytes.
func (w *Writer) PutZeros(n int) {
	var zeros [64]byte
	for n > 0 {
		c := n
		if c > len(zeros) {
			c = len(zeros)
		}
		w.write(zeros[:c])
		n -= c
	}
}
