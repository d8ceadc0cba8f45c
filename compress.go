package streamsocket

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// Compressor compresses outgoing pack payloads and decompresses incoming ones.
// Implementations must be safe for concurrent use: connections compress on the
// sending goroutine and decompress on their loop.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// maxPrealloc caps the buffer reserved up front from an untrusted size prefix.
const maxPrealloc = 1 << 20

// Errors returned by QCompressor.
var (
	ErrShortCompressed = errors.New("compressed payload shorter than size prefix")
	ErrSizeMismatch    = errors.New("decompressed size does not match size prefix")
)

// QCompressor implements the qCompress framing: a 4-byte big-endian uncompressed
// size followed by a zlib stream.
type QCompressor struct {
	// Level is the zlib compression level. Zero means zlib.DefaultCompression.
	Level int
	// MaxSize bounds the size prefix accepted by Decompress. Zero means unbounded.
	MaxSize uint32
}

// NewQCompressor returns a QCompressor using the default compression level.
func NewQCompressor() *QCompressor {
	return &QCompressor{Level: zlib.DefaultCompression}
}

// Compress implements Compressor.
func (q *QCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(data)))
	buf.Write(size[:])
	if len(data) == 0 {
		return buf.Bytes(), nil
	}

	level := q.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}
	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, errors.Wrap(err, "zlib writer")
	}
	if _, err = w.Write(data); err != nil {
		return nil, errors.Wrap(err, "zlib write")
	}
	if err = w.Close(); err != nil {
		return nil, errors.Wrap(err, "zlib close")
	}
	return buf.Bytes(), nil
}

// Decompress implements Compressor.
func (q *QCompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, ErrShortCompressed
	}
	size := binary.BigEndian.Uint32(data)
	if size == 0 {
		return []byte{}, nil
	}
	if q.MaxSize > 0 && size > q.MaxSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "declared size %d", size)
	}

	r, err := zlib.NewReader(bytes.NewReader(data[4:]))
	if err != nil {
		return nil, errors.Wrap(err, "zlib reader")
	}
	defer r.Close()

	out := bytes.NewBuffer(make([]byte, 0, min(size, maxPrealloc)))
	if _, err = io.Copy(out, io.LimitReader(r, int64(size)+1)); err != nil {
		return nil, errors.Wrap(err, "zlib read")
	}
	if out.Len() != int(size) {
		return nil, errors.Wrapf(ErrSizeMismatch, "want %d, got %d", size, out.Len())
	}
	return out.Bytes(), nil
}
