package streamsocket

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// LengthPrefixSize is the size of the big-endian length that precedes every frame body.
const LengthPrefixSize = 4

// EncodeFrame prefixes body with its length as a 32-bit big-endian integer.
// The caller keeps len(body) below 2^32.
func EncodeFrame(body []byte) []byte {
	frame := make([]byte, LengthPrefixSize+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[LengthPrefixSize:], body)
	return frame
}

// DecodeLength reads a length prefix. prefix must hold at least LengthPrefixSize bytes.
func DecodeLength(prefix []byte) uint32 {
	return binary.BigEndian.Uint32(prefix[:LengthPrefixSize])
}

// BuildPack builds a frame body: raw, compressed when requested, behind one header byte.
// The result is not length-prefixed yet; pass it to EncodeFrame or Conn.SendFrame.
func BuildPack(c Compressor, raw []byte, compress bool, t PackType) ([]byte, error) {
	data := raw
	if compress {
		compressed, err := c.Compress(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "build %s pack", t)
		}
		data = compressed
	}

	body := make([]byte, 1+len(data))
	body[0] = Header{Compressed: compress, Type: t}.Byte()
	copy(body[1:], data)
	return body, nil
}
