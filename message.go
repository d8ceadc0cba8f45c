package streamsocket

// PackType identifies which logical channel a frame belongs to.
type PackType uint8

const (
	// PackManager carries connection management payloads.
	PackManager PackType = 0x0
	// PackCommand carries command payloads.
	PackCommand PackType = 0x1
	// PackData carries bulk data that is archived and fanned out.
	PackData PackType = 0x2
	// PackMessage carries broadcast messages that are fanned out but not archived.
	PackMessage PackType = 0x3

	packTypeMask = 0x3
)

// String returns the string representation of the pack type.
func (t PackType) String() string {
	switch t {
	case PackManager:
		return "manager"
	case PackCommand:
		return "command"
	case PackData:
		return "data"
	case PackMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Header is the decoded form of the first byte of a frame body.
//
//	bit 0     compressed flag
//	bits 1-2  pack type
//	bits 3-7  reserved, zero on encode, ignored on decode
type Header struct {
	Compressed bool
	Type       PackType
}

// Byte packs the header into its wire representation.
func (h Header) Byte() byte {
	var b byte
	if h.Compressed {
		b = 0x1
	}
	return b | byte(h.Type&packTypeMask)<<1
}

// ParseHeader unpacks a header byte.
func ParseHeader(b byte) Header {
	return Header{
		Compressed: b&0x1 == 0x1,
		Type:       PackType((b >> 1) & packTypeMask),
	}
}

// Frame is one decoded frame.
type Frame struct {
	Type PackType
	// Payload is the frame body without its header byte, decompressed if needed.
	Payload []byte
	// Raw is the length-prefixed encoding of the original body, ready to be
	// written to other peers without encoding it again.
	Raw []byte
}
