package wire

import (
	"encoding/binary"
	"errors"
)

// Service negotiation message types carried on root substreams (§6).
const (
	MsgConnectRequest = 0x101
	MsgConnectReply   = 0x201
)

// MaxServiceMessageSize bounds the XDR-like service messages (§6).
const MaxServiceMessageSize = 1024

var (
	ErrServiceMessageTooLarge = errors.New("wire: service message exceeds 1024 bytes")
	ErrServiceMessageShort    = errors.New("wire: truncated service message")
	ErrServiceMessageType     = errors.New("wire: unexpected service message type")
)

// ConnectRequest is the initiator's first message on a freshly spawned
// stream, requesting a named service/protocol pair.
type ConnectRequest struct {
	Service  string
	Protocol string
}

// ConnectReply is the acceptor's response. Code == MsgConnectReply and
// Err == 0 together signal success (§7).
type ConnectReply struct {
	Code int32
	Err  int32
}

func writeString(buf []byte, s string) []byte {
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(len(s)))
	buf = append(buf, lb[:]...)
	buf = append(buf, s...)
	return buf
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, ErrServiceMessageShort
	}
	n := int(binary.BigEndian.Uint16(buf[0:2]))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, ErrServiceMessageShort
	}
	return string(buf[:n]), buf[n:], nil
}

// Encode serializes a ConnectRequest, type-prefixed.
func (r ConnectRequest) Encode() ([]byte, error) {
	buf := make([]byte, 0, 16+len(r.Service)+len(r.Protocol))
	var tb [4]byte
	binary.BigEndian.PutUint32(tb[:], MsgConnectRequest)
	buf = append(buf, tb[:]...)
	buf = writeString(buf, r.Service)
	buf = writeString(buf, r.Protocol)
	if len(buf) > MaxServiceMessageSize {
		return nil, ErrServiceMessageTooLarge
	}
	return buf, nil
}

// DecodeConnectRequest parses a type-prefixed ConnectRequest.
func DecodeConnectRequest(buf []byte) (ConnectRequest, error) {
	if len(buf) > MaxServiceMessageSize {
		return ConnectRequest{}, ErrServiceMessageTooLarge
	}
	if len(buf) < 4 {
		return ConnectRequest{}, ErrServiceMessageShort
	}
	if binary.BigEndian.Uint32(buf[0:4]) != MsgConnectRequest {
		return ConnectRequest{}, ErrServiceMessageType
	}
	buf = buf[4:]
	service, buf, err := readString(buf)
	if err != nil {
		return ConnectRequest{}, err
	}
	protocol, _, err := readString(buf)
	if err != nil {
		return ConnectRequest{}, err
	}
	return ConnectRequest{Service: service, Protocol: protocol}, nil
}

// Encode serializes a ConnectReply, type-prefixed.
func (r ConnectReply) Encode() []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], MsgConnectReply)
	binary.BigEndian.PutUint32(buf[4:8], uint32(r.Code))
	binary.BigEndian.PutUint32(buf[8:12], uint32(r.Err))
	return buf
}

// DecodeConnectReply parses a type-prefixed ConnectReply.
func DecodeConnectReply(buf []byte) (ConnectReply, error) {
	if len(buf) < 12 {
		return ConnectReply{}, ErrServiceMessageShort
	}
	if binary.BigEndian.Uint32(buf[0:4]) != MsgConnectReply {
		return ConnectReply{}, ErrServiceMessageType
	}
	return ConnectReply{
		Code: int32(binary.BigEndian.Uint32(buf[4:8])),
		Err:  int32(binary.BigEndian.Uint32(buf[8:12])),
	}, nil
}

// Success reports whether this reply signals a successful service
// negotiation per §7: code == MsgConnectReply and err == 0.
func (r ConnectReply) Success() bool {
	return r.Code == MsgConnectReply && r.Err == 0
}
