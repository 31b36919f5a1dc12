// Package wire implements the SST on-the-wire byte layouts: the flow
// header (§4.2, §6), the stream header (§4.5, §6), and the service
// negotiation messages carried on root substreams (§6).
package wire

import "encoding/binary"

// FlowHeaderSize is the size in bytes of the two flow-header words.
const FlowHeaderSize = 8

// FlowHeader is the cleartext pair of 32-bit words every armored packet
// carries after the armor strip (§4.2):
//
//	Word 0: channel:8 | tx_seq_low:24
//	Word 1: ack_count:4 | ack_seq_low:28
type FlowHeader struct {
	Channel   byte
	SeqLow    uint32 // low 24 bits of this packet's 64-bit sequence
	AckCount  uint8  // 0..15, additional contiguous acks implied
	AckSeqLow uint32 // low 28 bits of the highest acked sequence
}

// Encode writes the two header words into buf[0:8]. buf must have at
// least FlowHeaderSize bytes of capacity.
func (h FlowHeader) Encode(buf []byte) {
	word0 := uint32(h.Channel)<<24 | (h.SeqLow & 0x00FFFFFF)
	word1 := (uint32(h.AckCount)&0xF)<<28 | (h.AckSeqLow & 0x0FFFFFFF)
	binary.BigEndian.PutUint32(buf[0:4], word0)
	binary.BigEndian.PutUint32(buf[4:8], word1)
}

// DecodeFlowHeader parses the two header words from buf[0:8].
func DecodeFlowHeader(buf []byte) FlowHeader {
	word0 := binary.BigEndian.Uint32(buf[0:4])
	word1 := binary.BigEndian.Uint32(buf[4:8])
	return FlowHeader{
		Channel:   byte(word0 >> 24),
		SeqLow:    word0 & 0x00FFFFFF,
		AckCount:  uint8(word1 >> 28),
		AckSeqLow: word1 & 0x0FFFFFFF,
	}
}

// ReconstructSeq rebuilds a full 64-bit sequence number from a 24-bit
// wire delta and the receiver's own high-water sequence, sign-extending
// the delta the way §4.2 describes ("a negative, in-window delta
// indicates out-of-order delivery").
func ReconstructSeq(low uint32, bits uint, reference uint64) uint64 {
	mask := uint64(1)<<bits - 1
	refLow := reference & mask
	delta := int64(uint64(low)-refLow) & int64(mask)
	// sign-extend: treat the top bit of the N-bit delta as a sign bit
	signBit := int64(1) << (bits - 1)
	if delta&signBit != 0 {
		delta -= int64(mask) + 1
	}
	return uint64(int64(reference) + delta)
}

// Reconstruct24 reconstructs a sequence from the 24-bit packet-sequence
// field against rx_seq/tx_seq context.
func Reconstruct24(low uint32, reference uint64) uint64 {
	return ReconstructSeq(low, 24, reference)
}

// Reconstruct28 reconstructs a sequence from the 28-bit ack-sequence
// field against tx_ack_seq context.
func Reconstruct28(low uint32, reference uint64) uint64 {
	return ReconstructSeq(low, 28, reference)
}
