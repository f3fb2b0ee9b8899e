package romio

import (
	"bytes"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// Compress encodes src with the given codec, reusing dst's backing array
// when possible.  NoCompression returns src itself.
func Compress(dst, src []byte, comp Compression) ([]byte, error) {
	switch comp {
	case NoCompression:
		return src, nil
	case Snappy:
		if n := snappy.MaxEncodedLen(len(src)); cap(dst) < n {
			dst = make([]byte, n)
		}
		return snappy.Encode(dst[:cap(dst)], src), nil
	case Deflate:
		buf := bytes.NewBuffer(dst[:0])
		zw := zlib.NewWriter(buf)
		if _, err := zw.Write(src); err != nil {
			return nil, errors.Wrap(err, "romio: deflate")
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, "romio: deflate")
		}
		return buf.Bytes(), nil
	}
	return nil, errors.Errorf("romio: unknown compression %d", comp)
}
