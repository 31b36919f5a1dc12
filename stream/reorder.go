package stream

import "sort"

// recvSegment is one received chunk of a stream's byte sequence, keyed
// by its receive sequence number (rsn): the byte offset it starts at.
type recvSegment struct {
	rsn   uint32
	data  []byte
	flags uint8
}

func (s recvSegment) end() uint32 { return s.rsn + uint32(len(s.data)) }

// reorderBuffer holds segments that arrived ahead of the next expected
// byte, sorted by rsn, per §4.5's receive path.
type reorderBuffer struct {
	segs []recvSegment
}

// insert adds seg in rsn order. A segment whose range is already fully
// covered by an existing one is a duplicate and is dropped.
func (r *reorderBuffer) insert(seg recvSegment) {
	for _, existing := range r.segs {
		if seg.rsn >= existing.rsn && seg.end() <= existing.end() {
			return // fully duplicate
		}
	}
	i := sort.Search(len(r.segs), func(i int) bool { return r.segs[i].rsn >= seg.rsn })
	r.segs = append(r.segs, recvSegment{})
	copy(r.segs[i+1:], r.segs[i:])
	r.segs[i] = seg
}

// drain removes and returns every segment, in rsn order, that is now
// contiguous starting at expected. A zero-length segment at expected is
// returned when it carries flags (e.g. FlagClose). Returns the new
// expected rsn.
func (r *reorderBuffer) drain(expected uint32) ([]recvSegment, uint32) {
	var out []recvSegment
	for len(r.segs) > 0 && r.segs[0].rsn <= expected {
		seg := r.segs[0]
		if seg.end() > expected || (seg.rsn == expected && seg.flags != 0) {
			if seg.rsn < expected {
				// overlaps the front of what we already have; trim it.
				trim := expected - seg.rsn
				seg.data = seg.data[trim:]
				seg.rsn = expected
			}
			out = append(out, seg)
			expected = seg.end()
		}
		r.segs = r.segs[1:]
	}
	return out, expected
}
