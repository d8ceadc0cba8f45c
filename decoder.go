package streamsocket

import (
	"bytes"

	"github.com/pkg/errors"
)

// maxFramesPerConsume bounds the frames extracted by one Consume call so a
// malformed stream cannot keep a single call busy indefinitely.
const maxFramesPerConsume = 255

// ErrFrameTooLarge is reported when a declared frame length exceeds the decoder limit.
var ErrFrameTooLarge = errors.New("frame too large")

// StreamDecoder turns a byte stream, delivered in arbitrary chunks, into frames.
// It is not safe for concurrent use; a Conn drives it from its Loop.
type StreamDecoder struct {
	buf         *bytes.Buffer
	pending     uint32 // body length still awaited; zero while awaiting a length prefix
	maxBodySize uint32

	compressor Compressor
	logger     Logger

	onFrame func(Frame)
	onError func(error)
	onDrop  func(PackType)
}

// NewStreamDecoder returns a decoder that delivers every frame to onFrame.
func NewStreamDecoder(c Compressor, logger Logger, onFrame func(Frame)) *StreamDecoder {
	return &StreamDecoder{
		buf:        new(bytes.Buffer),
		compressor: c,
		logger:     logger,
		onFrame:    onFrame,
	}
}

// Consume appends chunk to the buffer and extracts every complete frame, up to
// maxFramesPerConsume. It reports whether complete frames may still be buffered;
// the caller can then call Consume(nil) again later.
func (d *StreamDecoder) Consume(chunk []byte) (more bool) {
	if d.buf == nil {
		return false
	}
	d.buf.Write(chunk)

	for i := 0; i < maxFramesPerConsume; i++ {
		if d.pending == 0 {
			if d.buf.Len() < LengthPrefixSize {
				return false
			}
			d.pending = DecodeLength(d.buf.Next(LengthPrefixSize))
			if d.maxBodySize > 0 && d.pending > d.maxBodySize {
				err := errors.Wrapf(ErrFrameTooLarge, "declared %d, limit %d", d.pending, d.maxBodySize)
				d.pending = 0
				d.fail(err)
				return false
			}
			if d.pending == 0 {
				// a zero length frame has no header byte, nothing to emit
				d.logger.Debug("empty frame dropped")
				continue
			}
		}
		if uint32(d.buf.Len()) < d.pending {
			return false
		}

		body := make([]byte, d.pending)
		copy(body, d.buf.Next(int(d.pending)))
		d.pending = 0
		d.emit(body)

		if d.buf == nil {
			// a frame handler cleaned the decoder up
			return false
		}
	}

	return d.buf.Len() >= LengthPrefixSize
}

func (d *StreamDecoder) emit(body []byte) {
	header := ParseHeader(body[0])
	payload := body[1:]
	raw := EncodeFrame(body)

	if header.Compressed {
		data, err := d.compressor.Decompress(payload)
		if err != nil {
			d.logger.Error("uncompress error", "pack_type", header.Type, "error", err)
			if d.onDrop != nil {
				d.onDrop(header.Type)
			}
			return
		}
		payload = data
	}

	if d.onFrame != nil {
		d.onFrame(Frame{Type: header.Type, Payload: payload, Raw: raw})
	}
}

func (d *StreamDecoder) fail(err error) {
	d.logger.Error("decode error", "error", err)
	if d.onError != nil {
		d.onError(err)
	}
}

// Buffered returns the number of bytes held but not yet consumed.
func (d *StreamDecoder) Buffered() int {
	if d.buf == nil {
		return 0
	}
	return d.buf.Len()
}

// Cleanup releases the buffer and detaches the callbacks. Safe to call multiple times.
func (d *StreamDecoder) Cleanup() {
	d.buf = nil
	d.pending = 0
	d.onFrame = nil
	d.onError = nil
	d.onDrop = nil
}
