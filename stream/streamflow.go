// Package stream's StreamFlow multiplexes many Streams over one
// flow.Flow, per §4.4: it owns id_hash (creator-bit-disambiguated stream
// lookup), the outbound priority schedule, and the ack_wait map from
// flow sequence number back to the segment it carried.
package stream

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/liamzebedee/sst/config"
	"github.com/liamzebedee/sst/flow"
	"github.com/liamzebedee/sst/internal/event"
	"github.com/liamzebedee/sst/internal/wire"
)

var ErrNoFreeStreamID = errors.New("stream: no free stream id")

// localKeyOf translates a wire stream id into this side's id_hash key:
// flip the origin bit to recover "who created it from my perspective"
// (§4.4), except id 0, which always names the shared root stream and is
// never creator-disambiguated.
func localKeyOf(wireID uint16) uint16 {
	if wireID == 0 {
		return 0
	}
	return wireID ^ wire.SIDOrigin
}

type ackEntry struct {
	stream   *Stream
	seg      *segment
	datagram bool
}

// StreamFlow binds a set of Streams to one underlying flow.Flow (§4.4).
type StreamFlow struct {
	flow   *flow.Flow
	cfg    *config.Config
	log    *zap.Logger
	events *event.Bus

	mu      sync.Mutex
	idHash  map[uint16]*Stream
	order   []uint16
	nextSID uint16
	rrIndex int
	ackWait map[uint64]*ackEntry
	root    *Stream

	// OnServiceRequest is invoked when a peer opens a root substream and
	// completes its ConnectRequest. Call s.AcceptService() or
	// s.RejectService(code) from within it. A nil handler auto-accepts
	// every request.
	OnServiceRequest func(s *Stream, req wire.ConnectRequest)
	// OnNewSubstream is invoked whenever the peer opens a substream under
	// one of our already-connected streams.
	OnNewSubstream func(parent, child *Stream)
}

// NewStreamFlow constructs a StreamFlow over f and wires f's callbacks.
func NewStreamFlow(cfg *config.Config, log *zap.Logger, events *event.Bus, f *flow.Flow) *StreamFlow {
	sf := &StreamFlow{
		flow:    f,
		cfg:     cfg,
		log:     log,
		events:  events,
		idHash:  make(map[uint16]*Stream),
		ackWait: make(map[uint64]*ackEntry),
		nextSID: 1,
	}
	sf.root = newStream(sf, nil, true, 0, log)
	sf.root.state = Connected
	sf.root.ID = 0
	sf.idHash[0] = sf.root
	sf.order = append(sf.order, 0)

	f.OnAcked = sf.onFlowAcked
	f.OnMissed = sf.onFlowMissed
	f.OnReceive = sf.onFlowReceive
	f.OnForceTransmit = sf.PumpReadyTransmit
	f.OnTerminalFail = sf.onFlowTerminalFail
	return sf
}

// Root returns the stream-flow's root stream (id 0), used to multiplex
// service-connect requests.
func (sf *StreamFlow) Root() *Stream { return sf.root }

// Connect opens a new stream under root and negotiates service/protocol
// with the peer, blocking until the reply arrives or ctx is done.
func (sf *StreamFlow) Connect(ctx context.Context, service, protocol string) (*Stream, error) {
	return connect(ctx, sf, service, protocol)
}

func (sf *StreamFlow) lock()   { sf.mu.Lock() }
func (sf *StreamFlow) unlock() { sf.mu.Unlock() }

func (sf *StreamFlow) maxChunkSize() int {
	overhead := 8 + wire.StreamHeaderSize + 4 // flow header + stream header + extra
	n := sf.cfg.MTU - overhead
	if n < 1 {
		n = 1
	}
	return n
}

// wake nudges the ready-transmit loop; called whenever a stream enqueues
// new data.
func (sf *StreamFlow) wake() { sf.PumpReadyTransmit() }

// PumpReadyTransmit drains as many queued segments as the flow's
// congestion window currently allows, picking the highest-priority
// stream with pending data each iteration (round-robin among equal
// priorities). Wired as f.OnForceTransmit.
func (sf *StreamFlow) PumpReadyTransmit() {
	for {
		room := sf.flow.MayTransmit()
		if room <= 0 {
			return
		}
		sf.lock()
		st := sf.pickStreamLocked()
		if st == nil {
			sf.unlock()
			return
		}
		st.mu.Lock()
		if len(st.pending) == 0 {
			st.mu.Unlock()
			sf.unlock()
			continue
		}
		seg := st.pending[0]
		st.pending = st.pending[1:]
		major, header, extra := st.txPrepare(seg)
		st.everSent = true
		st.mu.Unlock()
		sf.unlock()

		buf := make([]byte, 8+wire.StreamHeaderSize+len(extra)+len(seg.data))
		header.Major = major
		header.Encode(buf[8:])
		copy(buf[8+wire.StreamHeaderSize:], extra)
		copy(buf[8+wire.StreamHeaderSize+len(extra):], seg.data)

		seq, err := sf.flow.Transmit(buf, true)
		if err != nil {
			st.mu.Lock()
			st.pending = append([]*segment{seg}, st.pending...)
			st.mu.Unlock()
			return
		}
		sf.lock()
		sf.ackWait[seq] = &ackEntry{stream: st, seg: seg, datagram: seg.datagram}
		sf.unlock()
	}
}

// pickStreamLocked selects the highest-priority stream with pending
// data, rotating the starting point on each call for fairness among
// equal priorities. Callers must hold sf.mu.
func (sf *StreamFlow) pickStreamLocked() *Stream {
	n := len(sf.order)
	if n == 0 {
		return nil
	}
	start := sf.rrIndex % n
	var best *Stream
	bestPos := -1
	bestPriority := -1 << 31
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		st, ok := sf.idHash[sf.order[idx]]
		if !ok || st == nil {
			continue
		}
		st.mu.Lock()
		hasWork := len(st.pending) > 0
		pr := st.priority
		st.mu.Unlock()
		if !hasWork {
			continue
		}
		if pr > bestPriority {
			bestPriority = pr
			best = st
			bestPos = idx
		}
	}
	if best != nil {
		sf.rrIndex = (bestPos + 1) % n
	}
	return best
}

// allocateSIDLocked scans 1..SIDOrigin-1 for an unused native id, per
// §4.4. Callers must hold sf.mu.
func (sf *StreamFlow) allocateSIDLocked() (uint16, error) {
	for i := uint16(0); i < wire.SIDOrigin-1; i++ {
		candidate := sf.nextSID
		sf.nextSID++
		if sf.nextSID >= wire.SIDOrigin {
			sf.nextSID = 1
		}
		if _, taken := sf.idHash[candidate]; !taken && candidate != 0 {
			return candidate, nil
		}
	}
	return 0, ErrNoFreeStreamID
}

// Attach registers s under sf. sid == 0 means "allocate a fresh
// self-created id"; a non-zero sid is a peer-origin local key already
// XORed with wire.SIDOrigin by the caller, and marks the stream mature
// immediately, per §4.4 ("the SID came from the peer; mark mature").
func (sf *StreamFlow) Attach(s *Stream, sid uint16) error {
	sf.lock()
	defer sf.unlock()
	if sid == 0 {
		id, err := sf.allocateSIDLocked()
		if err != nil {
			return err
		}
		s.ID = id
	} else {
		s.ID = sid
		s.mature = true
	}
	s.sf = sf
	sf.idHash[s.ID] = s
	sf.order = append(sf.order, s.ID)
	return nil
}

// Detach removes s from sf, requeuing any in-flight reliable segments
// back onto s's own pending list (the caller decides whether s is reused
// elsewhere or discarded). Datagram segments are dropped, per §4.5.
func (sf *StreamFlow) Detach(s *Stream) {
	sf.lock()
	delete(sf.idHash, s.ID)
	for i, id := range sf.order {
		if id == s.ID {
			sf.order = append(sf.order[:i], sf.order[i+1:]...)
			break
		}
	}
	var requeue []*segment
	for seq, e := range sf.ackWait {
		if e.stream != s {
			continue
		}
		delete(sf.ackWait, seq)
		if !e.datagram {
			requeue = append(requeue, e.seg)
		}
	}
	sf.unlock()

	if len(requeue) > 0 {
		s.mu.Lock()
		s.pending = append(requeue, s.pending...)
		s.mu.Unlock()
	}
	s.mu.Lock()
	s.sf = nil
	s.mu.Unlock()
}

func (sf *StreamFlow) resetAndDetach(s *Stream) {
	s.mu.Lock()
	id := s.ID
	s.mu.Unlock()
	header := wire.StreamHeader{StreamID: id, Major: wire.TypeReset}
	buf := make([]byte, 8+wire.StreamHeaderSize)
	header.Encode(buf[8:])
	if _, err := sf.flow.Transmit(buf, false); err != nil {
		sf.log.Debug("failed to send stream reset", zap.Error(err))
	}
	sf.Detach(s)
}

// reprioritize re-inserts id at the tail of sf.order so a priority change
// takes effect at a fresh position in pickStreamLocked's round-robin scan
// (§4.5), rather than leaving it wherever it happened to land before.
func (sf *StreamFlow) reprioritize(id uint16) {
	sf.lock()
	defer sf.unlock()
	for i, existing := range sf.order {
		if existing == id {
			sf.order = append(sf.order[:i], sf.order[i+1:]...)
			sf.order = append(sf.order, id)
			if sf.rrIndex > i {
				sf.rrIndex--
			}
			break
		}
	}
}

// sendPriorityChange transmits the zero-length priority-change substream
// of §8 scenario 4: a Priority packet naming sid and carrying the new
// priority as its only extra field, bypassing the per-stream pending
// queue since it isn't part of the ordered byte stream.
func (sf *StreamFlow) sendPriorityChange(sid uint16, priority int) error {
	header := wire.StreamHeader{StreamID: sid, Major: wire.TypePriority}
	extra := make([]byte, 4)
	wire.PriorityExtra{Priority: int32(priority)}.Encode(extra)

	buf := make([]byte, 8+wire.StreamHeaderSize+len(extra))
	header.Encode(buf[8:])
	copy(buf[8+wire.StreamHeaderSize:], extra)

	_, err := sf.flow.Transmit(buf, false)
	return err
}

// onFlowAcked is wired as flow.Flow.OnAcked.
func (sf *StreamFlow) onFlowAcked(seq uint64) {
	sf.lock()
	e, ok := sf.ackWait[seq]
	if ok {
		delete(sf.ackWait, seq)
	}
	sf.unlock()
	if !ok || e.stream == nil {
		return
	}
	e.stream.mu.Lock()
	e.stream.mature = true
	e.stream.mu.Unlock()
}

// onFlowMissed is wired as flow.Flow.OnMissed: reliable segments are
// requeued for retransmission; datagram segments are simply dropped.
func (sf *StreamFlow) onFlowMissed(seq uint64) {
	sf.lock()
	e, ok := sf.ackWait[seq]
	if ok {
		delete(sf.ackWait, seq)
	}
	sf.unlock()
	if !ok || e.stream == nil || e.datagram {
		return
	}
	e.stream.mu.Lock()
	e.stream.pending = append([]*segment{e.seg}, e.stream.pending...)
	e.stream.mu.Unlock()
	sf.wake()
}

// onFlowReceive is wired as flow.Flow.OnReceive: decode the common
// stream header and dispatch by packet type.
func (sf *StreamFlow) onFlowReceive(payload []byte) {
	if len(payload) < wire.StreamHeaderSize {
		return
	}
	h := wire.DecodeStreamHeader(payload)
	body := payload[wire.StreamHeaderSize:]

	switch h.Major {
	case wire.TypeInit:
		sf.rxInit(h, body)
	case wire.TypeReply:
		sf.rxDataLike(h, body, true)
	case wire.TypeData:
		sf.rxDataLike(h, body, false)
	case wire.TypeDatagram:
		sf.rxDatagram(h, body)
	case wire.TypeReset:
		sf.rxReset(h)
	case wire.TypePriority:
		sf.rxPriority(h, body)
	default:
		sf.log.Debug("dropping stream packet of reserved/unknown type", zap.Uint8("major", h.Major))
	}
}

func (sf *StreamFlow) rxInit(h wire.StreamHeader, body []byte) {
	if len(body) < 4 {
		return
	}
	extra := wire.DecodeInitReplyExtra(body[0:4])
	payload := body[4:]

	parentKey := localKeyOf(h.StreamID)
	sf.lock()
	parent, ok := sf.idHash[parentKey]
	sf.unlock()
	if !ok {
		sf.log.Debug("init references unknown parent", zap.Uint16("parent", parentKey))
		return
	}

	childKey := localKeyOf(extra.NewSID)
	sf.lock()
	child, exists := sf.idHash[childKey]
	sf.unlock()
	if !exists {
		child = newStream(sf, parent, false, parent.priority, sf.log)
		if err := sf.Attach(child, childKey); err != nil {
			sf.log.Debug("failed to attach inbound stream", zap.Error(err))
			return
		}
		if parent == sf.root {
			child.mu.Lock()
			child.state = Accepting
			child.mu.Unlock()
		} else {
			child.mu.Lock()
			child.state = Connected
			child.mu.Unlock()
			parent.enqueueAcceptedSubstream(child)
			if sf.OnNewSubstream != nil {
				sf.OnNewSubstream(parent, child)
			}
			if sf.events != nil {
				sf.events.Fire(event.NewSubstream, child)
			}
		}
	}
	child.receiveSegment(uint32(extra.TSN16), payload, h.Flags)
}

func (sf *StreamFlow) rxDataLike(h wire.StreamHeader, body []byte, isReply bool) {
	key := localKeyOf(h.StreamID)
	sf.lock()
	s, ok := sf.idHash[key]
	sf.unlock()
	if !ok {
		return
	}
	if isReply {
		if len(body) < 4 {
			return
		}
		extra := wire.DecodeInitReplyExtra(body[0:4])
		s.receiveSegment(uint32(extra.TSN16), body[4:], h.Flags)
		return
	}
	if len(body) < 4 {
		return
	}
	extra := wire.DecodeDataExtra(body[0:4])
	s.receiveSegment(extra.TSN32, body[4:], h.Flags)
}

func (sf *StreamFlow) rxDatagram(h wire.StreamHeader, body []byte) {
	key := localKeyOf(h.StreamID)
	sf.lock()
	s, ok := sf.idHash[key]
	sf.unlock()
	if !ok {
		return
	}
	s.receiveDatagramFragment(body, h.Flags)
}

// rxPriority applies a peer-initiated priority change (§8 scenario 4) to
// the named stream and re-inserts it in the schedule, mirroring the
// local-side effect of Stream.SetPriority.
func (sf *StreamFlow) rxPriority(h wire.StreamHeader, body []byte) {
	if len(body) < 4 {
		return
	}
	extra := wire.DecodePriorityExtra(body[0:4])

	key := localKeyOf(h.StreamID)
	sf.lock()
	s, ok := sf.idHash[key]
	sf.unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.priority = int(extra.Priority)
	s.mu.Unlock()
	sf.reprioritize(key)
}

// onFlowTerminalFail is wired as flow.Flow.OnTerminalFail (§4.4, §7
// "Connectivity failure"): every stream still attached when the
// underlying flow dies for good is woken with a failure error instead of
// being left blocked forever on Read/ReadMessage, mirroring rxReset's
// per-stream detach but applied to the whole id_hash at once.
func (sf *StreamFlow) onFlowTerminalFail() {
	sf.lock()
	attached := make([]*Stream, 0, len(sf.idHash))
	for id, s := range sf.idHash {
		if id == 0 {
			continue
		}
		attached = append(attached, s)
	}
	sf.unlock()

	for _, s := range attached {
		s.mu.Lock()
		if s.closedErr == nil {
			s.closedErr = ErrFlowFailed
		}
		ch := s.connectResult
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- ErrFlowFailed:
			default:
			}
		}
		s.cond.Broadcast()
		sf.Detach(s)
	}
}

func (sf *StreamFlow) rxReset(h wire.StreamHeader) {
	key := localKeyOf(h.StreamID)
	sf.lock()
	s, ok := sf.idHash[key]
	sf.unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.closedErr = ErrReset
	ch := s.connectResult
	s.mu.Unlock()
	if ch != nil {
		select {
		case ch <- ErrReset:
		default:
		}
	}
	s.cond.Broadcast()
	sf.Detach(s)
}
