package romio_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yevshin/big/encoding/binio"
	"github.com/yevshin/big/encoding/romio"
)

func testPayload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i * 7)
	}
	return out
}

func TestBlockCodecs(t *testing.T) {
	payload := testPayload(10000)
	for _, comp := range []romio.Compression{romio.NoCompression, romio.Deflate, romio.Snappy} {
		t.Run(comp.String(), func(t *testing.T) {
			encoded, err := romio.Compress(nil, payload, comp)
			require.NoError(t, err)

			src := romio.NewSource(bytes.NewReader(encoded), int64(len(encoded)))
			buf := romio.NewBuffer(src, binary.LittleEndian, romio.Solo)
			r, err := buf.With(0, int64(len(encoded)), comp)
			require.NoError(t, err)
			assert.Equal(t, payload, r.Bytes(len(payload)))
			require.NoError(t, r.Err())
			assert.Equal(t, 0, r.Remaining())
		})
	}
}

func TestWindowedView(t *testing.T) {
	var raw bytes.Buffer
	w := binio.NewWriter(&raw, binary.BigEndian)
	w.PutU32(11)
	w.PutU32(22)
	w.PutU32(33)
	require.NoError(t, w.Err())

	buf := romio.NewBuffer(romio.NewSource(bytes.NewReader(raw.Bytes()), int64(raw.Len())),
		binary.BigEndian, romio.Solo)
	r, err := buf.With(4, 4, romio.NoCompression)
	require.NoError(t, err)
	assert.Equal(t, uint32(22), r.U32())

	// Reads past the end of the source fail.
	_, err = buf.With(8, 8, romio.NoCompression)
	assert.Error(t, err)
}

func TestDecompressionError(t *testing.T) {
	junk := []byte{0xff, 0xfe, 0xfd, 0xfc, 0xfb}
	buf := romio.NewBuffer(romio.NewSource(bytes.NewReader(junk), int64(len(junk))),
		binary.LittleEndian, romio.Solo)
	_, err := buf.With(0, int64(len(junk)), romio.Deflate)
	assert.Error(t, err)
}

func TestBlockCaching(t *testing.T) {
	payload := testPayload(512)
	encoded, err := romio.Compress(nil, payload, romio.Snappy)
	require.NoError(t, err)

	buf := romio.NewBuffer(romio.NewSource(bytes.NewReader(encoded), int64(len(encoded))),
		binary.LittleEndian, romio.Solo)
	r1, err := buf.Block(0, int64(len(encoded)), romio.Snappy)
	require.NoError(t, err)
	assert.Equal(t, payload, r1.Bytes(len(payload)))
	// Second read of the same offset is served from the cache.
	r2, err := buf.Block(0, int64(len(encoded)), romio.Snappy)
	require.NoError(t, err)
	assert.Equal(t, payload, r2.Bytes(len(payload)))
}

func TestFork(t *testing.T) {
	payload := testPayload(64)
	src := romio.NewSource(bytes.NewReader(payload), int64(len(payload)))
	buf := romio.NewBuffer(src, binary.LittleEndian, romio.PerGoroutine)
	fork := buf.Fork()
	r, err := fork.With(0, 8, romio.NoCompression)
	require.NoError(t, err)
	assert.Equal(t, payload[:8], r.Bytes(8))

	r, err = buf.With(8, 8, romio.NoCompression)
	require.NoError(t, err)
	assert.Equal(t, payload[8:16], r.Bytes(8))
}
