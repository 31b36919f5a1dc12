package wire

import "encoding/binary"

// Stream packet major types (§4.5, §6 "type:u8 major:4|flags:4").
const (
	TypeInit     = 1
	TypeReply    = 2
	TypeData     = 3
	TypeDatagram = 4
	TypeReset    = 5
	TypeAttach   = 6
	TypeDetach   = 7
	TypePriority = 8
)

// Flags for Init/Reply/Data packets.
const (
	FlagPush    = 0x4
	FlagMessage = 0x2
	FlagClose   = 0x1
)

// Flags for Datagram packets.
const (
	FlagDatagramBegin = 0x2
	FlagDatagramEnd   = 0x1
)

// SIDOrigin is XORed into a stream ID to flip "who created it" when a
// packet crosses the wire (§4.4, §6).
const SIDOrigin = 0x8000

// StreamHeaderSize is the fixed portion common to every stream packet:
// stream_id(2) + type(1) + window(1).
const StreamHeaderSize = 4

// StreamHeader is the common 4-byte prefix of every stream packet.
type StreamHeader struct {
	StreamID uint16
	Major    uint8 // 4 bits
	Flags    uint8 // 4 bits
	Substream bool
	Inherit   bool
	WindowExp uint8 // 5 bits
}

func (h StreamHeader) typeByte() byte {
	return (h.Major&0xF)<<4 | (h.Flags & 0xF)
}

func (h StreamHeader) windowByte() byte {
	var b byte
	if h.Substream {
		b |= 0x80
	}
	if h.Inherit {
		b |= 0x40
	}
	b |= h.WindowExp & 0x1F
	return b
}

// Encode writes the 4-byte common header into buf[0:4].
func (h StreamHeader) Encode(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], h.StreamID)
	buf[2] = h.typeByte()
	buf[3] = h.windowByte()
}

// DecodeStreamHeader parses the common 4-byte header from buf[0:4].
func DecodeStreamHeader(buf []byte) StreamHeader {
	typeByte := buf[2]
	windowByte := buf[3]
	return StreamHeader{
		StreamID:  binary.BigEndian.Uint16(buf[0:2]),
		Major:     (typeByte >> 4) & 0xF,
		Flags:     typeByte & 0xF,
		Substream: windowByte&0x80 != 0,
		Inherit:   windowByte&0x40 != 0,
		WindowExp: windowByte & 0x1F,
	}
}

// InitReplyExtra is the 4-byte extra payload for Init/Reply packets:
// new_sid:u16, tsn16:u16.
type InitReplyExtra struct {
	NewSID uint16
	TSN16  uint16
}

func (e InitReplyExtra) Encode(buf []byte) {
	binary.BigEndian.PutUint16(buf[0:2], e.NewSID)
	binary.BigEndian.PutUint16(buf[2:4], e.TSN16)
}

func DecodeInitReplyExtra(buf []byte) InitReplyExtra {
	return InitReplyExtra{
		NewSID: binary.BigEndian.Uint16(buf[0:2]),
		TSN16:  binary.BigEndian.Uint16(buf[2:4]),
	}
}

// DataExtra is the 4-byte extra payload for Data packets: tsn32:u32.
type DataExtra struct {
	TSN32 uint32
}

func (e DataExtra) Encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], e.TSN32)
}

func DecodeDataExtra(buf []byte) DataExtra {
	return DataExtra{TSN32: binary.BigEndian.Uint32(buf[0:4])}
}

// PriorityExtra is the 4-byte extra payload for Priority packets: the
// zero-length substream of §8 scenario 4 that carries nothing but a new
// priority integer for the stream named in the common header.
type PriorityExtra struct {
	Priority int32
}

func (e PriorityExtra) Encode(buf []byte) {
	binary.BigEndian.PutUint32(buf[0:4], uint32(e.Priority))
}

func DecodePriorityExtra(buf []byte) PriorityExtra {
	return PriorityExtra{Priority: int32(binary.BigEndian.Uint32(buf[0:4]))}
}
