// Package stream implements the hierarchical, multiplexed byte streams
// of §4.4/§4.5: a base stream state machine (Disconnected -> WaitFlow ->
// WaitService -> Connected, or Accepting for inbound service requests),
// segmented and reassembled over a single flow's sequence space by a
// StreamFlow.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/liamzebedee/sst/internal/event"
	"github.com/liamzebedee/sst/internal/wire"
)

// State is a stream's position in the §4.5 handshake state machine.
type State int

const (
	Disconnected State = iota
	WaitFlow
	WaitService
	Accepting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case WaitFlow:
		return "wait_flow"
	case WaitService:
		return "wait_service"
	case Accepting:
		return "accepting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	ErrClosed          = errors.New("stream: closed")
	ErrReset           = errors.New("stream: reset by peer")
	ErrNotAttached     = errors.New("stream: not attached to a flow")
	ErrServiceRejected = errors.New("stream: peer rejected service request")
	ErrNotConnected    = errors.New("stream: parent stream is not connected")
	ErrFlowFailed      = errors.New("stream: owning flow failed")
)

// segment is one already-chunked, ready-to-transmit slice of a stream's
// byte sequence.
type segment struct {
	tsn      uint32
	data     []byte
	flags    uint8
	first    bool // true only for the very first segment this object ever sends
	datagram bool // true for Datagram-typed segments (§4.5: never retransmitted)
}

// Stream is one endpoint of a reliable, ordered byte stream multiplexed
// over a StreamFlow, per §3/§4.5.
type Stream struct {
	sf             *StreamFlow
	Parent         *Stream
	ID             uint16 // local key: clear top bit = we created it, SIDOrigin set = peer did
	createdLocally bool
	priority       int
	log            *zap.Logger

	mu   sync.Mutex
	cond *sync.Cond

	state        State
	mature       bool
	everSent     bool
	firstQueued  bool

	// transmit side
	txPos   uint32
	pending []*segment

	// receive side
	expected uint32
	reorder  reorderBuffer
	readBuf  bytes.Buffer
	msgBuf   bytes.Buffer
	messages [][]byte

	closedErr  error
	peerClosed bool

	accepted []*Stream

	// OnDatagram receives complete unreliable messages delivered via
	// Datagram packets (§4.5). Nil means datagrams are dropped.
	OnDatagram func(data []byte)

	datagramActive bool
	datagramBuf    bytes.Buffer

	// service negotiation, set only on root-spawned streams
	connectResult chan error
}

func newStream(sf *StreamFlow, parent *Stream, createdLocally bool, priority int, log *zap.Logger) *Stream {
	s := &Stream{sf: sf, Parent: parent, createdLocally: createdLocally, priority: priority, log: log}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// State reports the stream's current handshake state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Priority returns the scheduling priority used by the owning
// StreamFlow's ready_transmit loop.
func (s *Stream) Priority() int { return s.priority }

// SetPriority changes the stream's scheduling priority at runtime (§4.5:
// "on change while queued, re-insert at the correct position in the
// owning flow's tx_streams"), and tells the peer via a zero-length
// priority-change substream (§8 scenario 4) so both sides' schedulers
// agree.
func (s *Stream) SetPriority(priority int) error {
	s.mu.Lock()
	s.priority = priority
	sf := s.sf
	id := s.ID
	s.mu.Unlock()
	if sf == nil {
		return ErrNotAttached
	}
	sf.reprioritize(id)
	return sf.sendPriorityChange(id, priority)
}

// Mature reports whether this stream has observed at least one
// round-trip: either an inbound segment handed it a peer-assigned id, or
// one of its own segments has been acked (§4.5).
func (s *Stream) Mature() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mature
}

func (s *Stream) events() *event.Bus {
	if s.sf == nil {
		return nil
	}
	return s.sf.events
}

// Write enqueues data for transmission as one or more Data segments, not
// marking any message boundary.
func (s *Stream) Write(data []byte) (int, error) {
	return s.write(data, 0)
}

// WriteMessage enqueues data and marks a message boundary on its final
// segment, so the peer's ReadMessage returns exactly these bytes.
func (s *Stream) WriteMessage(data []byte) (int, error) {
	return s.write(data, wire.FlagMessage)
}

func (s *Stream) write(data []byte, endFlags uint8) (int, error) {
	s.mu.Lock()
	if s.closedErr != nil {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	sf := s.sf
	s.mu.Unlock()
	if sf == nil {
		return 0, ErrNotAttached
	}

	chunk := sf.maxChunkSize()
	total := len(data)
	if total == 0 {
		s.enqueueSegment(nil, endFlags)
		sf.wake()
		return 0, nil
	}
	for off := 0; off < total; off += chunk {
		end := off + chunk
		if end > total {
			end = total
		}
		flags := uint8(wire.FlagPush)
		if end == total {
			flags |= endFlags
		}
		buf := make([]byte, end-off)
		copy(buf, data[off:end])
		s.enqueueSegment(buf, flags)
	}
	sf.wake()
	return total, nil
}

func (s *Stream) enqueueSegment(data []byte, flags uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg := &segment{tsn: s.txPos, data: data, flags: flags}
	s.txPos += uint32(len(data))
	if !s.firstQueued {
		seg.first = true
		s.firstQueued = true
	}
	s.pending = append(s.pending, seg)
}

// Close half-closes the stream: a final segment carries FlagClose so the
// peer's Read/ReadMessage observe end-of-stream once it's delivered.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closedErr != nil {
		s.mu.Unlock()
		return nil
	}
	s.closedErr = ErrClosed
	seg := &segment{tsn: s.txPos, flags: wire.FlagClose}
	if !s.firstQueued {
		seg.first = true
		s.firstQueued = true
	}
	s.pending = append(s.pending, seg)
	sf := s.sf
	s.mu.Unlock()
	if sf != nil {
		sf.wake()
	}
	return nil
}

// Reset tears the stream down immediately: wakes any blocked readers
// with ErrReset, detaches from its StreamFlow, and asks it to notify the
// peer.
func (s *Stream) Reset() {
	s.mu.Lock()
	if s.closedErr == nil {
		s.closedErr = ErrReset
	}
	ch := s.connectResult
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- ErrReset:
		default:
		}
	}
	s.cond.Broadcast()
	if s.sf != nil {
		s.sf.resetAndDetach(s)
	}
}

// Read fills p with received, in-order bytes, blocking until at least
// one byte is available or the stream reaches end-of-stream/reset.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.readBuf.Len() == 0 {
		if s.peerClosed {
			return 0, io.EOF
		}
		if s.closedErr != nil && s.closedErr != ErrClosed {
			return 0, s.closedErr
		}
		s.cond.Wait()
	}
	return s.readBuf.Read(p)
}

// ReadMessage returns the next complete message written by the peer via
// WriteMessage, blocking until one is available.
func (s *Stream) ReadMessage() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.messages) == 0 {
		if s.peerClosed {
			return nil, io.EOF
		}
		if s.closedErr != nil && s.closedErr != ErrClosed {
			return nil, s.closedErr
		}
		s.cond.Wait()
	}
	msg := s.messages[0]
	s.messages = s.messages[1:]
	return msg, nil
}

// OpenSubstream spawns a child stream beneath s, attached to the same
// StreamFlow and immediately usable (§4.5: substreams skip service
// negotiation, inheriting their parent's established connection).
func (s *Stream) OpenSubstream() (*Stream, error) {
	s.mu.Lock()
	sf := s.sf
	connected := s.state == Connected
	priority := s.priority
	s.mu.Unlock()
	if sf == nil {
		return nil, ErrNotAttached
	}
	if !connected {
		return nil, ErrNotConnected
	}
	child := newStream(sf, s, true, priority, sf.log)
	if err := sf.Attach(child, 0); err != nil {
		return nil, err
	}
	child.mu.Lock()
	child.state = Connected
	child.mu.Unlock()
	child.enqueueSegment(nil, 0)
	sf.wake()
	return child, nil
}

// AcceptSubstream blocks until the peer opens a substream under s.
func (s *Stream) AcceptSubstream() (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.accepted) == 0 {
		if s.closedErr != nil {
			return nil, s.closedErr
		}
		s.cond.Wait()
	}
	child := s.accepted[0]
	s.accepted = s.accepted[1:]
	return child, nil
}

func (s *Stream) enqueueAcceptedSubstream(child *Stream) {
	s.mu.Lock()
	s.accepted = append(s.accepted, child)
	s.mu.Unlock()
	s.cond.Broadcast()
}

// txPrepare renders seg's packet-type major byte, common header, and
// extra field, following §4.5's packet table. Only the first segment a
// stream ever sends uses Init (self-created) or Reply (peer-created);
// the stream-id/parent ambiguity that would otherwise exist on later
// Init-style segments is avoided by switching to Data immediately after
// (see DESIGN.md).
func (s *Stream) txPrepare(seg *segment) (uint8, wire.StreamHeader, []byte) {
	if seg.datagram {
		return wire.TypeDatagram, wire.StreamHeader{StreamID: s.ID, Major: wire.TypeDatagram, Flags: seg.flags}, nil
	}
	if seg.first {
		parentID := uint16(0)
		if s.Parent != nil {
			parentID = s.Parent.ID
		}
		major := uint8(wire.TypeReply)
		headerID := s.ID
		if s.createdLocally {
			major = wire.TypeInit
			headerID = parentID
		}
		extra := make([]byte, 4)
		wire.InitReplyExtra{NewSID: s.ID, TSN16: uint16(seg.tsn)}.Encode(extra)
		return major, wire.StreamHeader{StreamID: headerID, Major: major, Flags: seg.flags}, extra
	}
	extra := make([]byte, 4)
	wire.DataExtra{TSN32: seg.tsn}.Encode(extra)
	return wire.TypeData, wire.StreamHeader{StreamID: s.ID, Major: wire.TypeData, Flags: seg.flags}, extra
}

// receiveSegment folds an inbound (rsn, data) pair into the reassembly
// buffer, delivering any now-contiguous bytes to the application (or, in
// WaitService/Accepting state, to the service-negotiation handler).
func (s *Stream) receiveSegment(rsn uint32, data []byte, flags uint8) {
	s.mu.Lock()
	s.reorder.insert(recvSegment{rsn: rsn, data: data, flags: flags})
	ready, newExpected := s.reorder.drain(s.expected)
	s.expected = newExpected

	control := s.state == WaitService || s.state == Accepting
	var controlMsgs [][]byte
	for _, seg := range ready {
		if control {
			s.msgBuf.Write(seg.data)
			if seg.flags&wire.FlagMessage != 0 {
				controlMsgs = append(controlMsgs, append([]byte(nil), s.msgBuf.Bytes()...))
				s.msgBuf.Reset()
			}
		} else {
			s.readBuf.Write(seg.data)
			s.msgBuf.Write(seg.data)
			if seg.flags&wire.FlagMessage != 0 {
				s.messages = append(s.messages, append([]byte(nil), s.msgBuf.Bytes()...))
				s.msgBuf.Reset()
			}
		}
		if seg.flags&wire.FlagClose != 0 {
			s.peerClosed = true
		}
	}
	woke := len(ready) > 0
	bus := s.events()
	s.mu.Unlock()

	for _, m := range controlMsgs {
		s.handleControlMessage(m)
	}
	if woke {
		s.cond.Broadcast()
		if bus != nil {
			bus.Fire(event.ReadyRead, s)
		}
	}
}

// handleControlMessage decodes the one service-negotiation message
// expected on a root-spawned stream still in WaitService (initiator) or
// Accepting (acceptor) state.
func (s *Stream) handleControlMessage(msg []byte) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	switch state {
	case Accepting:
		req, err := wire.DecodeConnectRequest(msg)
		s.mu.Lock()
		s.state = Connected
		sf := s.sf
		s.mu.Unlock()
		if err != nil {
			s.log.Debug("malformed connect request", zap.Error(err))
			s.Reset()
			return
		}
		if sf != nil && sf.OnServiceRequest != nil {
			sf.OnServiceRequest(s, req)
			return
		}
		reply := wire.ConnectReply{Code: wire.MsgConnectReply, Err: 0}
		_, _ = s.WriteMessage(reply.Encode())

	case WaitService:
		reply, err := wire.DecodeConnectReply(msg)
		s.mu.Lock()
		ch := s.connectResult
		if err == nil && reply.Success() {
			s.state = Connected
		} else {
			s.state = Disconnected
		}
		s.mu.Unlock()
		if ch == nil {
			return
		}
		switch {
		case err != nil:
			ch <- err
		case !reply.Success():
			ch <- ErrServiceRejected
		default:
			ch <- nil
		}
	}
}

// AcceptService replies to a pending service request with success,
// transitioning the stream to ordinary Read/Write use. Call only from
// an sf.OnServiceRequest callback.
func (s *Stream) AcceptService() error {
	reply := wire.ConnectReply{Code: wire.MsgConnectReply, Err: 0}
	_, err := s.WriteMessage(reply.Encode())
	return err
}

// RejectService replies to a pending service request with a failure code
// and resets the stream.
func (s *Stream) RejectService(code int32) error {
	reply := wire.ConnectReply{Code: wire.MsgConnectReply, Err: code}
	_, err := s.WriteMessage(reply.Encode())
	s.Reset()
	return err
}

// connect drives the initiator side of service negotiation: spawn a
// fresh stream under root, send ConnectRequest, and block for the
// ConnectReply (or ctx cancellation).
func connect(ctx context.Context, sf *StreamFlow, service, protocol string) (*Stream, error) {
	s := newStream(sf, sf.root, true, 0, sf.log)
	if err := sf.Attach(s, 0); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.state = WaitService
	s.connectResult = make(chan error, 1)
	s.mu.Unlock()

	req := wire.ConnectRequest{Service: service, Protocol: protocol}
	enc, err := req.Encode()
	if err != nil {
		sf.Detach(s)
		return nil, fmt.Errorf("stream: encode connect request: %w", err)
	}
	if _, err := s.WriteMessage(enc); err != nil {
		sf.Detach(s)
		return nil, err
	}

	select {
	case err := <-s.connectResult:
		if err != nil {
			sf.Detach(s)
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		sf.Detach(s)
		return nil, ctx.Err()
	}
}
