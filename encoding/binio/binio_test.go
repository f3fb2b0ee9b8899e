package binio_test

import (
	"bytes"
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yevshin/big/encoding/binio"
)

func TestGuessOrder(t *testing.T) {
	const magic = 0x888FFC26
	var be, le [4]byte
	binary.BigEndian.PutUint32(be[:], magic)
	binary.LittleEndian.PutUint32(le[:], magic)

	order, ok := binio.GuessOrder(be, magic)
	require.True(t, ok)
	assert.Equal(t, binary.BigEndian, order)

	order, ok = binio.GuessOrder(le, magic)
	require.True(t, ok)
	assert.Equal(t, binary.LittleEndian, order)

	_, ok = binio.GuessOrder([4]byte{1, 2, 3, 4}, magic)
	assert.False(t, ok)
}

func TestPrimitiveRoundTrip(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		var buf bytes.Buffer
		w := binio.NewWriter(&buf, order)
		w.PutU8(0xab)
		w.PutI16(-1234)
		w.PutU16(65535)
		w.PutI32(-123456789)
		w.PutU32(0xdeadbeef)
		w.PutI64(-1234567890123)
		w.PutU64(math.MaxUint64)
		w.PutF32(3.25)
		w.PutF64(-2.5e300)
		require.NoError(t, w.Err())
		assert.Equal(t, int64(1+2+2+4+4+8+8+4+8), w.Tell())

		r := binio.NewReader(buf.Bytes(), order)
		assert.Equal(t, uint8(0xab), r.U8())
		assert.Equal(t, int16(-1234), r.I16())
		assert.Equal(t, uint16(65535), r.U16())
		assert.Equal(t, int32(-123456789), r.I32())
		assert.Equal(t, uint32(0xdeadbeef), r.U32())
		assert.Equal(t, int64(-1234567890123), r.I64())
		assert.Equal(t, uint64(math.MaxUint64), r.U64())
		assert.Equal(t, float32(3.25), r.F32())
		assert.Equal(t, -2.5e300, r.F64())
		require.NoError(t, r.Err())
		assert.Equal(t, 0, r.Remaining())
	}
}

func TestFloatBitExact(t *testing.T) {
	// NaN payloads and negative zero must survive byte-for-byte.
	values := []uint64{
		math.Float64bits(math.NaN()) | 0xdead,
		math.Float64bits(math.Copysign(0, -1)),
		math.Float64bits(math.Inf(-1)),
	}
	for _, bits := range values {
		var buf bytes.Buffer
		w := binio.NewWriter(&buf, binary.BigEndian)
		w.PutF64(math.Float64frombits(bits))
		require.NoError(t, w.Err())
		r := binio.NewReader(buf.Bytes(), binary.BigEndian)
		assert.Equal(t, bits, math.Float64bits(r.F64()))
	}
}

func TestStrings(t *testing.T) {
	var buf bytes.Buffer
	w := binio.NewWriter(&buf, binary.LittleEndian)
	w.PutCString("chr1")
	w.PutCString("")
	w.PutFixedString("chrX", 8)
	w.PutFixedString("toolongname", 4)
	require.NoError(t, w.Err())
	assert.Equal(t, int64(4+1+1+8+4), w.Tell())

	r := binio.NewReader(buf.Bytes(), binary.LittleEndian)
	assert.Equal(t, "chr1", r.CString())
	assert.Equal(t, "", r.CString())
	assert.Equal(t, "chrX", r.FixedString(8))
	assert.Equal(t, "tool", r.FixedString(4))
	require.NoError(t, r.Err())
}

func TestShortReads(t *testing.T) {
	r := binio.NewReader([]byte{1, 2}, binary.LittleEndian)
	r.U32()
	assert.Error(t, r.Err())
	// Errors are sticky; further reads stay zero.
	assert.Equal(t, uint64(0), r.U64())

	r = binio.NewReader([]byte("abc"), binary.LittleEndian)
	r.CString() // no terminator
	assert.Error(t, r.Err())
}
