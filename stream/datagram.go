package stream

import "github.com/liamzebedee/sst/internal/wire"

// WriteDatagram sends data unreliably: small datagrams (<= 4 MTU worth
// of payload) are fragmented into Datagram packets with begin/end flags
// and never retransmitted (§4.5). Larger ones fall back to an ephemeral,
// self-closing substream so delivery stays reliable.
func (s *Stream) WriteDatagram(data []byte) error {
	s.mu.Lock()
	sf := s.sf
	s.mu.Unlock()
	if sf == nil {
		return ErrNotAttached
	}
	chunk := sf.maxChunkSize()
	maxSmall := 4 * chunk
	if len(data) <= maxSmall {
		return s.writeDatagramFragments(data, chunk)
	}
	return s.writeDatagramAsSubstream(data)
}

func (s *Stream) writeDatagramFragments(data []byte, chunk int) error {
	if len(data) == 0 {
		s.enqueueDatagramSegment(nil, wire.FlagDatagramBegin|wire.FlagDatagramEnd)
		return nil
	}
	for off := 0; off < len(data); off += chunk {
		end := off + chunk
		if end > len(data) {
			end = len(data)
		}
		var flags uint8
		if off == 0 {
			flags |= wire.FlagDatagramBegin
		}
		if end == len(data) {
			flags |= wire.FlagDatagramEnd
		}
		buf := make([]byte, end-off)
		copy(buf, data[off:end])
		s.enqueueDatagramSegment(buf, flags)
	}
	return nil
}

func (s *Stream) enqueueDatagramSegment(data []byte, flags uint8) {
	s.mu.Lock()
	sf := s.sf
	s.pending = append(s.pending, &segment{data: data, flags: flags, datagram: true})
	s.mu.Unlock()
	if sf != nil {
		sf.wake()
	}
}

func (s *Stream) writeDatagramAsSubstream(data []byte) error {
	s.mu.Lock()
	sf := s.sf
	connected := s.state == Connected
	priority := s.priority
	s.mu.Unlock()
	if sf == nil {
		return ErrNotAttached
	}
	if !connected {
		return ErrNotConnected
	}
	child := newStream(sf, s, true, priority, sf.log)
	if err := sf.Attach(child, 0); err != nil {
		return err
	}
	child.mu.Lock()
	child.state = Connected
	child.mu.Unlock()
	if _, err := child.Write(data); err != nil {
		return err
	}
	return child.Close()
}

// receiveDatagramFragment folds an inbound Datagram-typed segment into
// the in-progress reassembly buffer, delivering a complete datagram to
// OnDatagram once a fragment carries FlagDatagramEnd.
//
// Fragments are assumed to arrive in the order they were sent; a Begin
// observed mid-buffer, or an End observed with no Begin, discards
// whatever was buffered and starts over rather than attempting a
// flow-sequence-indexed reorder (see DESIGN.md).
func (s *Stream) receiveDatagramFragment(data []byte, flags uint8) {
	s.mu.Lock()
	if flags&wire.FlagDatagramBegin != 0 {
		s.datagramBuf.Reset()
		s.datagramActive = true
	}
	if !s.datagramActive {
		s.mu.Unlock()
		return
	}
	s.datagramBuf.Write(data)
	var complete []byte
	if flags&wire.FlagDatagramEnd != 0 {
		complete = append([]byte(nil), s.datagramBuf.Bytes()...)
		s.datagramBuf.Reset()
		s.datagramActive = false
	}
	cb := s.OnDatagram
	s.mu.Unlock()
	if complete != nil && cb != nil {
		cb(complete)
	}
}
